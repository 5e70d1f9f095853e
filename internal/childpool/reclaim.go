package childpool

import (
	"context"
	"time"

	logpkg "github.com/rzbill/inkbroker/pkg/log"
)

// ReclaimConfig tunes the periodic stuck-lease scanner.
type ReclaimConfig struct {
	Interval   time.Duration
	BatchLimit int
}

// DefaultReclaimConfig mirrors the env-tunable backoff an autoclaim
// scanner would use for orphaned queue leases, applied here to
// orphaned document→kit leases.
func DefaultReclaimConfig() ReclaimConfig {
	return ReclaimConfig{Interval: 5 * time.Second, BatchLimit: 50}
}

// Reclaimer periodically recovers leases and kit registrations that
// outlived their holder: a lease whose broker died without releasing it,
// or a kit registration whose heartbeat stopped arriving.
type Reclaimer struct {
	leases *LeaseManager
	kits   *KitRegistry
	cfg    ReclaimConfig
	logger logpkg.Logger
}

// NewReclaimer builds a Reclaimer over the given lease manager and kit
// registry.
func NewReclaimer(leases *LeaseManager, kits *KitRegistry, cfg ReclaimConfig, logger logpkg.Logger) *Reclaimer {
	if cfg.Interval <= 0 {
		cfg = DefaultReclaimConfig()
	}
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &Reclaimer{leases: leases, kits: kits, cfg: cfg, logger: logger.WithComponent("childpool.reclaim")}
}

// Run blocks, scanning for expired leases and kits on cfg.Interval until
// ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce()
		}
	}
}

func (r *Reclaimer) scanOnce() {
	expiredLeases, err := r.leases.ListExpired(r.cfg.BatchLimit)
	if err != nil {
		r.logger.Warn("scan expired leases failed", logpkg.Err(err))
	}
	for _, lease := range expiredLeases {
		if err := r.leases.Release(lease.DocKey); err != nil {
			r.logger.Warn("release expired lease failed",
				logpkg.Str("doc_key", lease.DocKey), logpkg.Str("kit_id", lease.KitID), logpkg.Err(err))
			continue
		}
		r.logger.Info("reclaimed orphaned lease",
			logpkg.Str("doc_key", lease.DocKey), logpkg.Str("kit_id", lease.KitID))
	}

	expiredKits, err := r.kits.ListExpired(r.cfg.BatchLimit)
	if err != nil {
		r.logger.Warn("scan expired kits failed", logpkg.Err(err))
	}
	for _, kit := range expiredKits {
		if err := r.kits.Unregister(kit.ID); err != nil {
			r.logger.Warn("unregister dead kit failed", logpkg.Str("kit_id", kit.ID), logpkg.Err(err))
			continue
		}
		r.logger.Info("evicted unresponsive kit", logpkg.Str("kit_id", kit.ID), logpkg.Int("pid", kit.PID))
	}
}
