package childpool

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	pebblestore "github.com/rzbill/inkbroker/internal/storage/pebble"
)

// Kit is a registered, currently-alive kit process available for lease.
type Kit struct {
	ID            string
	PID           int
	RegisteredMs  int64
	LastHeartbeat int64
	ExpiresAtMs   int64
	Endpoint      string // ZeroMQ DEALER connect endpoint
}

// KitRegistry tracks the pool of live kit processes, mirroring the
// consumer-heartbeat/TTL registry pattern used elsewhere in this codebase
// for tracking transient workers.
type KitRegistry struct {
	db  *pebblestore.DB
	ttl time.Duration
}

// NewKitRegistry creates a KitRegistry with the given liveness TTL.
func NewKitRegistry(db *pebblestore.DB, ttl time.Duration) *KitRegistry {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &KitRegistry{db: db, ttl: ttl}
}

// Register adds or refreshes a kit's registration.
func (kr *KitRegistry) Register(kitID string, pid int, endpoint string) (*Kit, error) {
	now := time.Now().UnixMilli()
	expiresAt := now + kr.ttl.Milliseconds()

	kit := &Kit{ID: kitID, PID: pid, RegisteredMs: now, LastHeartbeat: now, ExpiresAtMs: expiresAt, Endpoint: endpoint}

	key := kitKey(kitID)
	existing, err := kr.db.Get(key)
	if err == nil && len(existing) > 0 {
		var prev Kit
		if json.Unmarshal(existing, &prev) == nil {
			kit.RegisteredMs = prev.RegisteredMs
		}
	}
	data, err := json.Marshal(kit)
	if err != nil {
		return nil, fmt.Errorf("marshal kit: %w", err)
	}
	batch := kr.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(key, data, nil); err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		var prev Kit
		if json.Unmarshal(existing, &prev) == nil && prev.ExpiresAtMs != expiresAt {
			_ = batch.Delete(kitIdxKey(prev.ExpiresAtMs, kitID), nil)
		}
	}
	if err := batch.Set(kitIdxKey(expiresAt, kitID), []byte(kitID), nil); err != nil {
		return nil, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, err
	}
	return kit, nil
}

// Heartbeat extends a kit's liveness window.
func (kr *KitRegistry) Heartbeat(kitID string) (int64, error) {
	key := kitKey(kitID)
	existing, err := kr.db.Get(key)
	if err != nil {
		return 0, fmt.Errorf("kit not registered: %w", err)
	}
	var kit Kit
	if err := json.Unmarshal(existing, &kit); err != nil {
		return 0, fmt.Errorf("unmarshal kit: %w", err)
	}
	oldExpiry := kit.ExpiresAtMs
	now := time.Now().UnixMilli()
	kit.LastHeartbeat = now
	kit.ExpiresAtMs = now + kr.ttl.Milliseconds()

	data, err := json.Marshal(kit)
	if err != nil {
		return 0, err
	}
	batch := kr.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(key, data, nil); err != nil {
		return 0, err
	}
	_ = batch.Delete(kitIdxKey(oldExpiry, kitID), nil)
	if err := batch.Set(kitIdxKey(kit.ExpiresAtMs, kitID), []byte(kitID), nil); err != nil {
		return 0, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return kit.ExpiresAtMs, nil
}

// Unregister removes a kit from the pool, e.g. after a graceful "exit".
func (kr *KitRegistry) Unregister(kitID string) error {
	key := kitKey(kitID)
	existing, err := kr.db.Get(key)
	if err != nil {
		return nil
	}
	var kit Kit
	if err := json.Unmarshal(existing, &kit); err != nil {
		return fmt.Errorf("unmarshal kit: %w", err)
	}
	batch := kr.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(key, nil); err != nil {
		return err
	}
	if err := batch.Delete(kitIdxKey(kit.ExpiresAtMs, kitID), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// Get retrieves a kit's registration.
func (kr *KitRegistry) Get(kitID string) (*Kit, error) {
	data, err := kr.db.Get(kitKey(kitID))
	if err != nil {
		return nil, fmt.Errorf("kit not found: %w", err)
	}
	var kit Kit
	if err := json.Unmarshal(data, &kit); err != nil {
		return nil, fmt.Errorf("unmarshal kit: %w", err)
	}
	return &kit, nil
}

// ListActive returns up to limit kits whose TTL has not expired.
func (kr *KitRegistry) ListActive(limit int) ([]*Kit, error) {
	prefix := kitPrefix()
	iter, err := kr.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: append(append([]byte(nil), prefix...), 0xff)})
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	now := time.Now().UnixMilli()
	var kits []*Kit
	for iter.First(); iter.Valid() && (limit == 0 || len(kits) < limit); iter.Next() {
		var kit Kit
		if json.Unmarshal(iter.Value(), &kit) != nil {
			continue
		}
		if kit.ExpiresAtMs > now {
			kits = append(kits, &kit)
		}
	}
	return kits, nil
}

// ListExpired returns kits whose heartbeat has lapsed, used by the reclaim
// scanner to evict dead entries from the registry.
func (kr *KitRegistry) ListExpired(limit int) ([]*Kit, error) {
	now := time.Now().UnixMilli()
	prefix := kitIdxPrefix()
	iter, err := kr.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: append(append([]byte(nil), prefix...), 0xff)})
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	var kits []*Kit
	for iter.First(); iter.Valid() && (limit == 0 || len(kits) < limit); iter.Next() {
		k := iter.Key()
		if len(k) < len(prefix)+8 {
			continue
		}
		expiresMs := int64(binary.BigEndian.Uint64(k[len(prefix) : len(prefix)+8]))
		if expiresMs > now {
			break
		}
		kitID := string(k[len(prefix)+8:])
		kit, err := kr.Get(kitID)
		if err != nil {
			continue
		}
		kits = append(kits, kit)
	}
	return kits, nil
}

// SelectAvailable picks an active kit not currently leased to any document.
// leased is the set of kit IDs currently bound (see LeaseManager).
func (kr *KitRegistry) SelectAvailable(leased map[string]struct{}) (*Kit, error) {
	active, err := kr.ListActive(0)
	if err != nil {
		return nil, err
	}
	for _, k := range active {
		if _, busy := leased[k.ID]; !busy {
			return k, nil
		}
	}
	return nil, fmt.Errorf("childpool: no available kit")
}
