package childpool

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	pebblestore "github.com/rzbill/inkbroker/internal/storage/pebble"
)

// Lease records which kit process is currently bound to which document,
// mirroring a "borrowing from a prewarmed pool" relationship owned by
// the broker but tracked process-wide so a
// reclaim scanner (see reclaim.go) can recover kits orphaned by a broker
// that died without releasing its lease.
type Lease struct {
	DocKey      string
	KitID       string
	AcquiredMs  int64
	ExpiresAtMs int64
}

// LeaseManager tracks broker→kit leases in the shared store.
type LeaseManager struct {
	db *pebblestore.DB
}

// NewLeaseManager creates a LeaseManager over db.
func NewLeaseManager(db *pebblestore.DB) *LeaseManager {
	return &LeaseManager{db: db}
}

// Acquire binds kitID to docKey for leaseMs, refusing if another lease on
// docKey is still active and held by a different kit.
func (lm *LeaseManager) Acquire(docKey, kitID string, leaseMs int64) (*Lease, error) {
	now := time.Now().UnixMilli()
	key := leaseKey(docKey)
	existing, err := lm.db.Get(key)
	if err == nil && len(existing) > 0 {
		var prev Lease
		if json.Unmarshal(existing, &prev) == nil && prev.ExpiresAtMs > now && prev.KitID != kitID {
			return nil, fmt.Errorf("childpool: document %s already leased to kit %s", docKey, prev.KitID)
		}
	}

	lease := &Lease{DocKey: docKey, KitID: kitID, AcquiredMs: now, ExpiresAtMs: now + leaseMs}
	data, err := json.Marshal(lease)
	if err != nil {
		return nil, fmt.Errorf("marshal lease: %w", err)
	}

	batch := lm.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(key, data, nil); err != nil {
		return nil, fmt.Errorf("write lease: %w", err)
	}
	if len(existing) > 0 {
		var prev Lease
		if json.Unmarshal(existing, &prev) == nil {
			_ = batch.Delete(leaseIdxKey(prev.ExpiresAtMs, docKey), nil)
		}
	}
	if err := batch.Set(leaseIdxKey(lease.ExpiresAtMs, docKey), []byte(kitID), nil); err != nil {
		return nil, fmt.Errorf("write lease index: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}
	return lease, nil
}

// Extend pushes out a lease's expiry to extensionMs from now. The broker
// does not call it, so a lease keeps the expiry it was acquired with.
func (lm *LeaseManager) Extend(docKey string, extensionMs int64) (int64, error) {
	key := leaseKey(docKey)
	existing, err := lm.db.Get(key)
	if err != nil {
		return 0, fmt.Errorf("lease not found: %w", err)
	}
	var lease Lease
	if err := json.Unmarshal(existing, &lease); err != nil {
		return 0, fmt.Errorf("unmarshal lease: %w", err)
	}
	oldExpiry := lease.ExpiresAtMs
	lease.ExpiresAtMs = time.Now().UnixMilli() + extensionMs

	data, err := json.Marshal(lease)
	if err != nil {
		return 0, fmt.Errorf("marshal lease: %w", err)
	}
	batch := lm.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(key, data, nil); err != nil {
		return 0, err
	}
	_ = batch.Delete(leaseIdxKey(oldExpiry, docKey), nil)
	if err := batch.Set(leaseIdxKey(lease.ExpiresAtMs, docKey), []byte(lease.KitID), nil); err != nil {
		return 0, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return lease.ExpiresAtMs, nil
}

// Release removes docKey's lease; the Reclaimer calls it for leases
// that have expired.
func (lm *LeaseManager) Release(docKey string) error {
	key := leaseKey(docKey)
	existing, err := lm.db.Get(key)
	if err != nil {
		return nil
	}
	var lease Lease
	if err := json.Unmarshal(existing, &lease); err != nil {
		return fmt.Errorf("unmarshal lease: %w", err)
	}
	batch := lm.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(key, nil); err != nil {
		return err
	}
	if err := batch.Delete(leaseIdxKey(lease.ExpiresAtMs, docKey), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// Get returns the current lease for docKey, if any.
func (lm *LeaseManager) Get(docKey string) (*Lease, error) {
	data, err := lm.db.Get(leaseKey(docKey))
	if err != nil {
		return nil, fmt.Errorf("lease not found: %w", err)
	}
	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, fmt.Errorf("unmarshal lease: %w", err)
	}
	return &lease, nil
}

// ListActive returns every lease that has not yet expired, used by kit
// selection to exclude currently-leased kits from SelectAvailable's
// candidate pool.
func (lm *LeaseManager) ListActive(limit int) ([]*Lease, error) {
	now := time.Now().UnixMilli()
	prefix := leaseIdxPrefix()
	iter, err := lm.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: append(append([]byte(nil), prefix...), 0xff)})
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	var out []*Lease
	for iter.First(); iter.Valid() && (limit == 0 || len(out) < limit); iter.Next() {
		k := iter.Key()
		if len(k) < len(prefix)+8 {
			continue
		}
		expiresMs := int64(binary.BigEndian.Uint64(k[len(prefix) : len(prefix)+8]))
		if expiresMs <= now {
			continue
		}
		docKey := string(k[len(prefix)+8:])
		lease, err := lm.Get(docKey)
		if err != nil {
			continue
		}
		out = append(out, lease)
	}
	return out, nil
}

// ListExpired returns leases whose expiry has passed, oldest-first.
func (lm *LeaseManager) ListExpired(limit int) ([]*Lease, error) {
	now := time.Now().UnixMilli()
	prefix := leaseIdxPrefix()
	iter, err := lm.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: append(append([]byte(nil), prefix...), 0xff)})
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	var out []*Lease
	for iter.First(); iter.Valid() && (limit == 0 || len(out) < limit); iter.Next() {
		k := iter.Key()
		if len(k) < len(prefix)+8 {
			continue
		}
		expiresMs := int64(binary.BigEndian.Uint64(k[len(prefix) : len(prefix)+8]))
		if expiresMs > now {
			break
		}
		docKey := string(k[len(prefix)+8:])
		lease, err := lm.Get(docKey)
		if err != nil {
			continue
		}
		out = append(out, lease)
	}
	return out, nil
}
