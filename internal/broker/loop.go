package broker

import (
	"context"
	"time"

	logpkg "github.com/rzbill/inkbroker/pkg/log"
)

// Start launches the broker's event loop goroutine exactly once. It is
// safe to call multiple times; only the first call has effect. The
// loop owns all mutation of broker state outside of the mutex-guarded
// accessor methods used by the admin surface.
func (b *Broker) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		go b.run(ctx)
	})
}

// run is the broker's poller: it services inbound child frames and
// externally-enqueued callbacks between poll cycles, and drives the
// periodic timers (autosave, idle-destroy) on its own ticker, the only
// goroutine that owns this document's state.
func (b *Broker) run(ctx context.Context) {
	defer close(b.doneCh)

	if err := b.spawnChildWithBackoff(ctx); err != nil {
		b.logger.Error("give up spawning child", logpkg.Err(err))
		b.mu.Lock()
		b.transitionLocked(StateTerminated)
		b.mu.Unlock()
		return
	}

	pollTimeout := b.cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 500 * time.Millisecond
	}
	ticker := time.NewTicker(pollTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.drain()
			return
		case <-b.stopCh:
			b.drain()
			return
		case frame := <-b.inbound:
			b.RouteFromChild(ctx, frame, nil)
		case fn := <-b.callbacks:
			fn()
		case <-ticker.C:
			b.tick(ctx)
		}

		if b.shouldStop() {
			b.drain()
			return
		}
	}
}

// tick runs the periodic work assigned to the poll
// loop: checking child liveness, autosaving on interval/idle, and
// noticing an idle document with no sessions left.
func (b *Broker) tick(ctx context.Context) {
	b.mu.Lock()
	child := b.child
	sessionless := len(b.sessions) == 0
	idleFor := nowFunc().Sub(b.ts.lastActivity)
	b.mu.Unlock()

	if child != nil && !child.Alive() {
		b.logger.Warn("child process died, respawning")
		if err := b.spawnChildWithBackoff(ctx); err != nil {
			b.logger.Error("respawn failed", logpkg.Err(err))
			b.mu.Lock()
			b.fl.stop = true
			b.mu.Unlock()
			return
		}
	}

	if sessionless && idleFor >= b.cfg.IdleTimeout && b.cfg.IdleTimeout > 0 {
		b.mu.Lock()
		b.fl.markedToDestroy = true
		b.fl.stop = true
		b.mu.Unlock()
		return
	}

	b.autosave(false)
}

func (b *Broker) shouldStop() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fl.stop
}

// spawnChildWithBackoff retries spawnChild with the configured backoff,
// giving up after five attempts — bounded retry applied to child
// acquisition.
func (b *Broker) spawnChildWithBackoff(ctx context.Context) error {
	backoff := b.cfg.ChildSpawnBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		child, err := b.spawnChild(b.docKey)
		if err == nil {
			b.mu.Lock()
			b.child = child
			b.transitionLocked(StateLoading)
			b.mu.Unlock()
			return nil
		}
		lastErr = err
		b.logger.Warn("spawn child failed, retrying", logpkg.Err(err), logpkg.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

// drain is the Draining->Terminated step: it disconnects
// the child, tears down the tile cache, and notifies the owning
// registry so the document key can be evicted.
func (b *Broker) drain() {
	b.mu.Lock()
	b.transitionLocked(StateDraining)
	child := b.child
	cache := b.cache
	persistent := b.cfg.TileCachePersistent
	docKey := b.docKey
	b.mu.Unlock()

	if child != nil {
		_ = child.Close(false)
	}
	if cache != nil && !persistent {
		if err := cache.CompleteCleanup(); err != nil {
			b.logger.Warn("tile cache cleanup", logpkg.Err(err))
		}
	}

	b.mu.Lock()
	b.transitionLocked(StateTerminated)
	b.mu.Unlock()

	if b.onTerminate != nil {
		b.onTerminate(docKey)
	}
}

// Stop signals the event loop to begin draining. Safe to call from any
// goroutine; idempotent.
func (b *Broker) Stop() {
	b.mu.Lock()
	b.fl.stop = true
	b.mu.Unlock()
	b.stopOnce.Do(func() { close(b.stopCh) })
}
