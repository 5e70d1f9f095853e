// Package registry is the process-global, document-key-to-broker
// mapping: it serializes find-or-create so that
// two clients opening the same document share one broker, and provides
// the only cross-document synchronization point in the system.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/inkbroker/internal/dockey"
	logpkg "github.com/rzbill/inkbroker/pkg/log"
)

// BrokerHandle is everything the registry needs from a broker, kept
// minimal and one-directional (registry never imports internal/broker)
// so wiring happens in the caller, not via a shared dependency.
type BrokerHandle interface {
	Key() string
	MarkedToDestroy() bool
	NotifyError(cmd, kind string)
}

// Constructor builds a new broker bound to docKey/publicURI. Called
// under the registry's lock on a cache miss.
type Constructor func(docKey, publicURI string) (BrokerHandle, error)

// Registry is the process-wide find-or-create table.
type Registry struct {
	mu        sync.Mutex
	brokers   map[string]BrokerHandle
	construct Constructor
	logger    logpkg.Logger

	retryInterval time.Duration
	retryBound    int
}

// New builds a Registry that uses construct to build brokers on a miss.
func New(construct Constructor, logger logpkg.Logger) *Registry {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &Registry{
		brokers:       make(map[string]BrokerHandle),
		construct:     construct,
		logger:        logger.WithComponent("registry"),
		retryInterval: 50 * time.Millisecond,
		retryBound:    20,
	}
}

// FindOrCreate computes publicURI's document key and returns its live
// broker, constructing one on a miss. If an existing broker is
// marked_to_destroy, the caller waits (bounded) for its removal and
// retries.
func (r *Registry) FindOrCreate(ctx context.Context, publicURI string) (BrokerHandle, error) {
	key, err := dockey.DocKey(publicURI)
	if err != nil {
		return nil, fmt.Errorf("registry: derive document key: %w", err)
	}

	for attempt := 0; attempt < r.retryBound; attempt++ {
		r.mu.Lock()
		if existing, ok := r.brokers[key]; ok {
			if !existing.MarkedToDestroy() {
				r.mu.Unlock()
				return existing, nil
			}
			r.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.retryInterval):
			}
			continue
		}

		handle, err := r.construct(key, publicURI)
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("registry: construct broker for %s: %w", key, err)
		}
		r.brokers[key] = handle
		r.mu.Unlock()
		r.logger.Info("broker created", logpkg.Str("doc_key", key))
		return handle, nil
	}
	return nil, fmt.Errorf("registry: document %s still draining after %d retries", key, r.retryBound)
}

// Lookup returns the current broker for key without creating one.
func (r *Registry) Lookup(key string) (BrokerHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.brokers[key]
	return h, ok
}

// Remove deletes key's entry. Called by a broker as its last act
// before its event-loop thread exits.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.brokers, key)
	r.logger.Info("broker removed", logpkg.Str("doc_key", key))
}

// Keys returns a snapshot of every currently-registered document key.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.brokers))
	for k := range r.brokers {
		keys = append(keys, k)
	}
	return keys
}

// Broadcast multicasts an error to every session of every live broker,
// implemented here since the registry is the only component that can
// see every broker at once. The admin surface's errortoall trigger
// calls it; an errortoall frame from a kit is handled by that kit's
// own broker and does not pass through here.
func (r *Registry) Broadcast(cmd, kind string) {
	r.mu.Lock()
	snapshot := make([]BrokerHandle, 0, len(r.brokers))
	for _, h := range r.brokers {
		snapshot = append(snapshot, h)
	}
	r.mu.Unlock()

	for _, h := range snapshot {
		h.NotifyError(cmd, kind)
	}
}

// Count returns the number of currently-registered brokers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.brokers)
}
