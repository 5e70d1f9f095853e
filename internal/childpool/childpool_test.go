package childpool

import (
	"context"
	"testing"
	"time"

	pebblestore "github.com/rzbill/inkbroker/internal/storage/pebble"
)

func newTestDB(t *testing.T) *pebblestore.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestLeaseAcquireRefusesConflictingKit(t *testing.T) {
	lm := NewLeaseManager(newTestDB(t))
	if _, err := lm.Acquire("doc-1", "kit-a", 10_000); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := lm.Acquire("doc-1", "kit-b", 10_000); err == nil {
		t.Fatalf("expected conflict error leasing doc-1 to a second kit")
	}
	if _, err := lm.Acquire("doc-1", "kit-a", 10_000); err != nil {
		t.Fatalf("re-acquiring by the same kit should succeed: %v", err)
	}
}

func TestLeaseExtendAndRelease(t *testing.T) {
	lm := NewLeaseManager(newTestDB(t))
	if _, err := lm.Acquire("doc-1", "kit-a", 1_000); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	newExpiry, err := lm.Extend("doc-1", 60_000)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	lease, err := lm.Get("doc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if lease.ExpiresAtMs != newExpiry {
		t.Fatalf("extend did not persist new expiry: got %d want %d", lease.ExpiresAtMs, newExpiry)
	}
	if err := lm.Release("doc-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := lm.Get("doc-1"); err == nil {
		t.Fatalf("expected lease to be gone after release")
	}
}

func TestLeaseListExpiredOrdersByExpiry(t *testing.T) {
	lm := NewLeaseManager(newTestDB(t))
	if _, err := lm.Acquire("doc-old", "kit-a", -5_000); err != nil {
		t.Fatalf("acquire doc-old: %v", err)
	}
	if _, err := lm.Acquire("doc-new", "kit-b", -1_000); err != nil {
		t.Fatalf("acquire doc-new: %v", err)
	}
	if _, err := lm.Acquire("doc-future", "kit-c", 60_000); err != nil {
		t.Fatalf("acquire doc-future: %v", err)
	}

	expired, err := lm.ListExpired(0)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("want 2 expired leases, got %d", len(expired))
	}
	if expired[0].DocKey != "doc-old" || expired[1].DocKey != "doc-new" {
		t.Fatalf("expected oldest-first ordering, got %v, %v", expired[0].DocKey, expired[1].DocKey)
	}
}

func TestKitRegistryExpiresKitOnceHeartbeatsStop(t *testing.T) {
	kr := NewKitRegistry(newTestDB(t), 50*time.Millisecond)
	if _, err := kr.Register("kit-1", 1234, "tcp://127.0.0.1:9000"); err != nil {
		t.Fatalf("register: %v", err)
	}
	active, err := kr.ListActive(0)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("want 1 active kit, got %d", len(active))
	}

	if _, err := kr.Heartbeat("kit-1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	expired, err := kr.ListExpired(0)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "kit-1" {
		t.Fatalf("expected kit-1 to have expired after missed heartbeat, got %v", expired)
	}
}

func TestKitRegistrySelectAvailableSkipsLeased(t *testing.T) {
	kr := NewKitRegistry(newTestDB(t), time.Minute)
	if _, err := kr.Register("kit-1", 1, "a"); err != nil {
		t.Fatalf("register kit-1: %v", err)
	}
	if _, err := kr.Register("kit-2", 2, "b"); err != nil {
		t.Fatalf("register kit-2: %v", err)
	}
	kit, err := kr.SelectAvailable(map[string]struct{}{"kit-1": {}})
	if err != nil {
		t.Fatalf("select available: %v", err)
	}
	if kit.ID != "kit-2" {
		t.Fatalf("want kit-2 selected, got %s", kit.ID)
	}
	if _, err := kr.SelectAvailable(map[string]struct{}{"kit-1": {}, "kit-2": {}}); err == nil {
		t.Fatalf("expected error when every kit is leased")
	}
}

func TestReclaimerRecoversOrphanedLeaseAndDeadKit(t *testing.T) {
	db := newTestDB(t)
	lm := NewLeaseManager(db)
	kr := NewKitRegistry(db, time.Minute)

	if _, err := lm.Acquire("doc-1", "kit-1", -1_000); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := kr.Register("kit-1", 1, "a"); err != nil {
		t.Fatalf("register: %v", err)
	}
	// force the kit's registration to look dead by registering with a
	// past-due TTL via a fresh zero-TTL registry instance.
	deadKr := NewKitRegistry(db, time.Nanosecond)
	if _, err := deadKr.Register("kit-1", 1, "a"); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	r := NewReclaimer(lm, kr, ReclaimConfig{Interval: time.Hour, BatchLimit: 10}, nil)
	r.scanOnce()

	if _, err := lm.Get("doc-1"); err == nil {
		t.Fatalf("expected orphaned lease to be released")
	}
	if _, err := kr.Get("kit-1"); err == nil {
		t.Fatalf("expected dead kit to be unregistered")
	}
}

func TestHistoryLedgerRetentionTrimsOldest(t *testing.T) {
	h := NewHistoryLedger(newTestDB(t), 3)
	for i := 0; i < 5; i++ {
		rec := SaveRecord{TimestampMs: int64(i), Outcome: SaveOutcomeSuccess, TriggeredBy: "autosave"}
		if err := h.Append("doc-1", rec); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	records, err := h.List("doc-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("want 3 retained records, got %d", len(records))
	}
	if records[0].TimestampMs != 4 {
		t.Fatalf("want most-recent-first ordering, got ts=%d first", records[0].TimestampMs)
	}
	if records[2].TimestampMs != 2 {
		t.Fatalf("want oldest retained record ts=2, got %d", records[2].TimestampMs)
	}
}

func TestReclaimerRunStopsOnContextCancel(t *testing.T) {
	db := newTestDB(t)
	r := NewReclaimer(NewLeaseManager(db), NewKitRegistry(db, time.Minute), ReclaimConfig{Interval: time.Millisecond, BatchLimit: 1}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("reclaimer did not stop after context cancellation")
	}
}
