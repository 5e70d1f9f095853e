package serverrun

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rzbill/inkbroker/internal/adminhttp"
	"github.com/rzbill/inkbroker/internal/broker"
	"github.com/rzbill/inkbroker/internal/childproc"
	cfgpkg "github.com/rzbill/inkbroker/internal/config"
	"github.com/rzbill/inkbroker/internal/registry"
	"github.com/rzbill/inkbroker/internal/runtime"
	pebblestore "github.com/rzbill/inkbroker/internal/storage/pebble"
	"github.com/rzbill/inkbroker/internal/storagebinding"
	logpkg "github.com/rzbill/inkbroker/pkg/log"
)

func getenvDefault(key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

// small wrapper over os.Getenv so tests can replace it
var getenv = func(key string) string { return os.Getenv(key) }

// Options configures one inkbroker server process.
type Options struct {
	DataDir       string
	AdminAddr     string
	KitEndpoint   string
	PolicyExpr    string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
}

// Run wires storage, the broker registry, the kit pool, and the admin
// HTTP surface, and blocks until ctx is cancelled or a signal arrives.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	storeDir := filepath.Join(opts.DataDir, "store")
	rt, err := runtime.Open(runtime.Options{DataDir: storeDir, Fsync: opts.Fsync, Config: opts.Config})
	if err != nil {
		return err
	}
	defer rt.Close()

	logCfg := &logpkg.Config{
		Level:  getenvDefault("INKBROKER_LOG_LEVEL", "info"),
		Format: getenvDefault("INKBROKER_LOG_FORMAT", "text"),
	}
	procLogger, err := logpkg.ApplyConfig(logCfg)
	if err != nil {
		lvl := logpkg.InfoLevel
		if l, e := logpkg.ParseLevel(logCfg.Level); e == nil {
			lvl = l
		}
		procLogger = logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}
	logpkg.RedirectStdLog(procLogger)

	procLogger.Info("starting inkbroker server",
		logpkg.Str("admin_addr", opts.AdminAddr),
		logpkg.Str("kit_endpoint", opts.KitEndpoint),
		logpkg.Str("data_dir", opts.DataDir),
		logpkg.Str("level", logCfg.Level),
	)

	pool, err := childproc.NewPool(opts.KitEndpoint, procLogger.With(logpkg.Component("childproc")))
	if err != nil {
		return fmt.Errorf("serverrun: start kit pool: %w", err)
	}
	defer pool.Close()

	policy, err := broker.NewPolicy(opts.PolicyExpr)
	if err != nil {
		return fmt.Errorf("serverrun: compile session policy: %w", err)
	}

	brokerCfg := broker.Config{
		IdleTimeout:         time.Duration(opts.Config.IdleTimeoutSecs) * time.Second,
		AutosaveInterval:    time.Duration(opts.Config.AutosaveIntervalSecs) * time.Second,
		IdleSave:            time.Duration(opts.Config.IdleSaveSecs) * time.Second,
		CommandTimeout:      time.Duration(opts.Config.CommandTimeoutSecs) * time.Second,
		PollTimeout:         time.Duration(opts.Config.PollTimeoutMs) * time.Millisecond,
		ChildSpawnBackoff:   time.Duration(opts.Config.ChildSpawnRetryBackoffMs) * time.Millisecond,
		TileCacheRoot:       opts.Config.TileCacheRoot,
		TileCachePersistent: opts.Config.TileCachePersistent,
	}
	broker.SetJailRoot(opts.Config.ChildRoot)

	var reg *registry.Registry
	construct := func(docKey, publicURI string) (registry.BrokerHandle, error) {
		spawnChild := func(dk string) (broker.ChildHandle, error) {
			leaseMs := int64(opts.Config.IdleTimeoutSecs) * 1000
			if leaseMs <= 0 {
				leaseMs = int64(cfgpkg.Default().IdleTimeoutSecs) * 1000
			}
			return spawnKit(rt, pool, dk, leaseMs)
		}
		newStorage := func(uri string) (storagebinding.Storage, error) {
			return buildStorage(uri)
		}
		trail, err := rt.OpenAuditTrail(docKey)
		if err != nil {
			return nil, fmt.Errorf("open audit trail: %w", err)
		}
		onTerminate := func(dk string) {
			if reg != nil {
				reg.Remove(dk)
			}
		}
		b := broker.New(docKey, publicURI, spawnChild, newStorage, rt.TokenLedger(), trail, policy, onTerminate, brokerCfg, procLogger)
		b.Start(sctx)
		return b, nil
	}
	reg = registry.New(construct, procLogger.With(logpkg.Component("registry")))

	adminSrv := adminhttp.New(reg)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := adminSrv.ListenAndServe(sctx, opts.AdminAddr); err != nil && sctx.Err() == nil {
			log.Printf("admin http error: %v", err)
		}
	}()

	<-sctx.Done()
	adminSrv.Close()
	wg.Wait()
	return nil
}

// spawnKit picks an available kit from the process-wide registry,
// leases it to docKey, and borrows its pool handle. If every kit is
// currently leased it returns an error at once; retrying with backoff
// is left to the broker's spawnChildWithBackoff.
func spawnKit(rt *runtime.Runtime, pool *childproc.Pool, docKey string, leaseMs int64) (broker.ChildHandle, error) {
	active, err := rt.Leases().ListActive(0)
	if err != nil {
		return nil, fmt.Errorf("list active leases: %w", err)
	}
	leased := make(map[string]struct{}, len(active))
	for _, l := range active {
		leased[l.KitID] = struct{}{}
	}
	kit, err := rt.Kits().SelectAvailable(leased)
	if err != nil {
		return nil, fmt.Errorf("select available kit: %w", err)
	}
	if _, err := rt.Leases().Acquire(docKey, kit.ID, leaseMs); err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	return pool.Borrow(kit.ID)
}

// buildStorage picks Local or WOPI based on publicURI's scheme —
// Local or WOPI, chosen by the document's storage backend — without
// ever runtime-type-testing the result.
func buildStorage(publicURI string) (storagebinding.Storage, error) {
	u, err := url.Parse(publicURI)
	if err != nil {
		return nil, fmt.Errorf("serverrun: parse public uri: %w", err)
	}
	switch u.Scheme {
	case "", "file":
		return storagebinding.NewLocal(u.Path), nil
	case "http", "https":
		return storagebinding.NewWOPI(publicURI), nil
	default:
		return nil, fmt.Errorf("serverrun: unsupported storage scheme %q", u.Scheme)
	}
}
