package runtime

import (
	"context"
	"errors"

	"github.com/rzbill/inkbroker/internal/audit"
	"github.com/rzbill/inkbroker/internal/childpool"
	cfgpkg "github.com/rzbill/inkbroker/internal/config"
	pebblestore "github.com/rzbill/inkbroker/internal/storage/pebble"
	"github.com/rzbill/inkbroker/internal/storagebinding"
)

// Options for building the Runtime.
type Options struct {
	DataDir string
	Fsync   pebblestore.FsyncMode
	Config  cfgpkg.Config
}

// Runtime wires storage and the process-wide bookkeeping facades built
// on it for a single-node instance.
type Runtime struct {
	db     *pebblestore.DB
	config cfgpkg.Config

	leases      *childpool.LeaseManager
	kits        *childpool.KitRegistry
	history     *childpool.HistoryLedger
	tokenLedger *storagebinding.TokenLedger
}

// Open initializes the underlying storage and the bundles layered on
// top of it.
func Open(opts Options) (*Runtime, error) {
	db, err := pebblestore.Open(pebblestore.Options{DataDir: opts.DataDir, Fsync: opts.Fsync})
	if err != nil {
		return nil, err
	}
	return &Runtime{
		db:          db,
		config:      opts.Config,
		leases:      childpool.NewLeaseManager(db),
		kits:        childpool.NewKitRegistry(db, 0),
		history:     childpool.NewHistoryLedger(db, 50),
		tokenLedger: storagebinding.NewTokenLedger(db),
	}, nil
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	return nil
}

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

// Leases returns the process-wide per-document kit lease bookkeeping.
func (r *Runtime) Leases() *childpool.LeaseManager { return r.leases }

// Kits returns the process-wide kit liveness registry.
func (r *Runtime) Kits() *childpool.KitRegistry { return r.kits }

// History returns the per-document save-outcome ledger.
func (r *Runtime) History() *childpool.HistoryLedger { return r.history }

// TokenLedger returns the single-use access-token ledger shared by
// every broker's storage binding.
func (r *Runtime) TokenLedger() *storagebinding.TokenLedger { return r.tokenLedger }

// OpenAuditTrail opens the append-only audit trail for one document.
func (r *Runtime) OpenAuditTrail(docKey string) (*audit.Trail, error) {
	return audit.Open(r.db, docKey)
}
