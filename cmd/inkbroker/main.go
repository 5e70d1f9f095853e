package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	serverrun "github.com/rzbill/inkbroker/internal/cmd/server"
	cfgpkg "github.com/rzbill/inkbroker/internal/config"
	pebblestore "github.com/rzbill/inkbroker/internal/storage/pebble"
	logpkg "github.com/rzbill/inkbroker/pkg/log"
	"github.com/spf13/cobra"
)

func main() {
	level := os.Getenv("INKBROKER_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "inkbroker",
		Short: "Document broker coordination engine CLI",
		Long:  "inkbroker runs the per-document broker coordination engine and exposes a read-only admin surface for inspecting live documents.",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker registry, kit pool, and admin HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			adminAddr, _ := cmd.Flags().GetString("admin-addr")
			kitEndpoint, _ := cmd.Flags().GetString("kit-endpoint")
			policyExpr, _ := cmd.Flags().GetString("policy")
			fsyncMode, _ := cmd.Flags().GetString("fsync")
			idleTimeoutSecs, _ := cmd.Flags().GetInt("idle-timeout-secs")
			autosaveIntervalSecs, _ := cmd.Flags().GetInt("autosave-interval-secs")
			idleSaveSecs, _ := cmd.Flags().GetInt("idle-save-secs")
			commandTimeoutSecs, _ := cmd.Flags().GetInt("command-timeout-secs")
			pollTimeoutMs, _ := cmd.Flags().GetInt("poll-timeout-ms")
			childRoot, _ := cmd.Flags().GetString("child-root")
			tileCacheRoot, _ := cmd.Flags().GetString("tile-cache-root")
			tileCachePersistent, _ := cmd.Flags().GetBool("tile-cache-persistent")
			childPoolSize, _ := cmd.Flags().GetInt("child-pool-size")
			childSpawnBackoffMs, _ := cmd.Flags().GetInt("child-spawn-backoff-ms")

			mode := pebblestore.FsyncModeAlways
			switch fsyncMode {
			case "never":
				mode = pebblestore.FsyncModeNever
			case "interval":
				mode = pebblestore.FsyncModeInterval
			case "always", "":
				mode = pebblestore.FsyncModeAlways
			default:
				return fmt.Errorf("invalid --fsync; use always|interval|never")
			}

			cfg := cfgpkg.Default()
			cfg.IdleTimeoutSecs = idleTimeoutSecs
			cfg.AutosaveIntervalSecs = autosaveIntervalSecs
			cfg.IdleSaveSecs = idleSaveSecs
			cfg.CommandTimeoutSecs = commandTimeoutSecs
			cfg.PollTimeoutMs = pollTimeoutMs
			cfg.ChildRoot = childRoot
			cfg.TileCacheRoot = tileCacheRoot
			cfg.TileCachePersistent = tileCachePersistent
			cfg.ChildPoolSize = childPoolSize
			cfg.ChildSpawnRetryBackoffMs = childSpawnBackoffMs
			cfg.AdminListenAddr = adminAddr
			cfgpkg.FromEnv(&cfg)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := serverrun.Run(ctx, serverrun.Options{
				DataDir:     dataDir,
				AdminAddr:   cfg.AdminListenAddr,
				KitEndpoint: kitEndpoint,
				PolicyExpr:  policyExpr,
				Fsync:       mode,
				Config:      cfg,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	def := cfgpkg.Default()
	serveCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	serveCmd.Flags().String("admin-addr", def.AdminListenAddr, "Admin HTTP listen address")
	serveCmd.Flags().String("kit-endpoint", "tcp://*:9981", "ZeroMQ ROUTER endpoint kit processes connect to")
	serveCmd.Flags().String("policy", "", "Optional CEL expression gating session commands")
	serveCmd.Flags().String("fsync", "always", "Fsync mode: always|interval|never")
	serveCmd.Flags().Int("idle-timeout-secs", def.IdleTimeoutSecs, "Inactivity threshold after which an idle broker self-destructs")
	serveCmd.Flags().Int("autosave-interval-secs", def.AutosaveIntervalSecs, "Seconds since the last save after which a modified document is autosaved even if not idle")
	serveCmd.Flags().Int("idle-save-secs", def.IdleSaveSecs, "Inactivity threshold before a non-forced autosave may fire")
	serveCmd.Flags().Int("command-timeout-secs", def.CommandTimeoutSecs, "Per-command deadline bounding saves and child spawn")
	serveCmd.Flags().Int("poll-timeout-ms", def.PollTimeoutMs, "Broker poll loop wakeup cadence")
	serveCmd.Flags().String("child-root", def.ChildRoot, "Root directory for per-document jail directories")
	serveCmd.Flags().String("tile-cache-root", def.TileCacheRoot, "Root directory for on-disk tile caches")
	serveCmd.Flags().Bool("tile-cache-persistent", def.TileCachePersistent, "Keep tile caches on disk across broker restarts")
	serveCmd.Flags().Int("child-pool-size", def.ChildPoolSize, "Number of prewarmed kit processes")
	serveCmd.Flags().Int("child-spawn-backoff-ms", def.ChildSpawnRetryBackoffMs, "Backoff between child-spawn retries")
	rootCmd.AddCommand(serveCmd)

	inspectCmd := &cobra.Command{
		Use:   "inspect <doc-key>",
		Short: "Print the admin surface's point-in-time JSON snapshot for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			adminAddr, _ := cmd.Flags().GetString("admin-addr")
			resp, err := http.Get(adminURL(adminAddr) + "/admin/brokers/" + args[0])
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			return nil
		},
	}
	inspectCmd.Flags().String("admin-addr", def.AdminListenAddr, "Admin HTTP address to query")
	rootCmd.AddCommand(inspectCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func adminURL(addr string) string {
	if addr == "" {
		addr = ":8081"
	}
	if addr[0] == ':' {
		return "http://127.0.0.1" + addr
	}
	return "http://" + addr
}
