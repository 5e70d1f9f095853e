package broker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rzbill/inkbroker/internal/session"
	"github.com/rzbill/inkbroker/internal/storagebinding"
	"github.com/rzbill/inkbroker/internal/tilecache"
)

type fakeChild struct {
	mu     sync.Mutex
	frames []string
	alive  bool
	closed bool
	rude   bool
}

func (c *fakeChild) KitID() string { return "kit-1" }
func (c *fakeChild) PID() int      { return 4242 }
func (c *fakeChild) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}
func (c *fakeChild) Send(frame string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}
func (c *fakeChild) Close(rude bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.rude = rude
	return nil
}

func newFakeChild() *fakeChild { return &fakeChild{alive: true} }

type fakeStorage struct {
	mu           sync.Mutex
	info         storagebinding.FileInfo
	uploads      int
	downloads    int
	uploadResult storagebinding.UploadResult
	uploadErr    error
}

func (s *fakeStorage) FetchFileInfo(ctx context.Context, accessToken string) (storagebinding.FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info, nil
}

func (s *fakeStorage) Download(ctx context.Context, accessToken, localPath string) error {
	s.mu.Lock()
	s.downloads++
	s.mu.Unlock()
	return os.WriteFile(localPath, []byte("document contents"), 0o644)
}

func (s *fakeStorage) Upload(ctx context.Context, accessToken, localPath string) (storagebinding.UploadResult, error) {
	s.mu.Lock()
	s.uploads++
	result, err := s.uploadResult, s.uploadErr
	s.mu.Unlock()
	return result, err
}

func (s *fakeStorage) Kind() string { return "fake" }

type fakeTransport struct {
	mu       sync.Mutex
	texts    [][]byte
	binaries [][]byte
}

func (f *fakeTransport) SendText(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, payload)
	return nil
}
func (f *fakeTransport) SendBinary(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binaries = append(f.binaries, payload)
	return nil
}
func (f *fakeTransport) Shutdown(code int, reason string) error { return nil }
func (f *fakeTransport) Enqueue(payload []byte, binary bool)    {}

func newTestBroker(t *testing.T, cfg Config) (*Broker, *fakeStorage) {
	t.Helper()
	tmp := t.TempDir()
	SetJailRoot(tmp)
	storage := &fakeStorage{info: storagebinding.FileInfo{UserCanWrite: true}}
	b := New("/docs/a.odt", "https://host.example.com/docs/a.odt",
		func(docKey string) (ChildHandle, error) { return newFakeChild(), nil },
		func(publicURI string) (storagebinding.Storage, error) { return storage, nil },
		nil, nil, nil, nil, cfg, nil)
	b.cfg.TileCacheRoot = tmp
	return b, storage
}

func newTestSession(t *testing.T, publicURI string, perm session.Permission) (*session.Session, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	return session.New("/docs/a.odt", publicURI, "token-1", perm, ft), ft
}

func TestLoadIsIdempotentPerBroker(t *testing.T) {
	b, storage := newTestBroker(t, Config{})
	s, _ := newTestSession(t, b.publicURI, session.PermissionDocumentOwner)

	if err := b.Load(context.Background(), s, false); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if err := b.Load(context.Background(), s, false); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if storage.downloads != 1 {
		t.Fatalf("expected exactly one download across two Load calls, got %d", storage.downloads)
	}
	if b.State() != StateActive {
		t.Fatalf("expected broker to be Active after load, got %s", b.State())
	}
}

func TestAddSessionRevivesAMarkedToDestroyBroker(t *testing.T) {
	b, _ := newTestBroker(t, Config{})
	b.fl.markedToDestroy = true
	b.fl.stop = true

	s, _ := newTestSession(t, b.publicURI, session.PermissionDocumentOwner)
	if _, err := b.AddSession(context.Background(), s, false); err != nil {
		t.Fatalf("add session: %v", err)
	}
	if b.MarkedToDestroy() {
		t.Fatalf("expected AddSession to clear markedToDestroy")
	}
	if b.fl.stop {
		t.Fatalf("expected AddSession to clear the stop flag")
	}
}

func TestRemoveSessionDropsEmptyBrokerToStop(t *testing.T) {
	b, _ := newTestBroker(t, Config{})
	s, _ := newTestSession(t, b.publicURI, session.PermissionReadOnly)
	if _, err := b.AddSession(context.Background(), s, false); err != nil {
		t.Fatalf("add session: %v", err)
	}

	b.RemoveSession(s.ID(), false)
	if b.SessionCount() != 0 {
		t.Fatalf("expected session to be removed")
	}
	if !b.fl.stop {
		t.Fatalf("expected an empty broker to request stop")
	}
}

func TestRemoveSessionDefersForLastEditableSession(t *testing.T) {
	b, storage := newTestBroker(t, Config{})
	child := newFakeChild()
	b.child = child
	s, _ := newTestSession(t, b.publicURI, session.PermissionDocumentOwner)
	if _, err := b.AddSession(context.Background(), s, false); err != nil {
		t.Fatalf("add session: %v", err)
	}
	b.fl.modified = true

	b.RemoveSession(s.ID(), true)

	if b.SessionCount() != 1 {
		t.Fatalf("expected removal to be deferred pending the forced autosave")
	}
	if storage.uploads != 0 {
		t.Fatalf("expected no upload yet; the save round-trip has not completed")
	}

	if err := b.saveToStorage(context.Background(), s.ID(), true, ""); err != nil {
		t.Fatalf("save to storage: %v", err)
	}
	if b.SessionCount() != 0 {
		t.Fatalf("expected the deferred removal to complete once the save resolved")
	}
}

func TestAutosaveNoopsWithoutSessions(t *testing.T) {
	b, _ := newTestBroker(t, Config{})
	b.fl.loaded = true
	b.storage = &fakeStorage{}
	b.child = newFakeChild()
	if b.autosave(false) {
		t.Fatalf("expected autosave to no-op with zero sessions")
	}
}

func TestAutosaveGatesOnIdleAndIntervalUnlessForced(t *testing.T) {
	b, _ := newTestBroker(t, Config{IdleSave: time.Hour, AutosaveInterval: time.Hour})
	b.child = newFakeChild()
	s, _ := newTestSession(t, b.publicURI, session.PermissionDocumentOwner)
	if _, err := b.AddSession(context.Background(), s, false); err != nil {
		t.Fatalf("add session: %v", err)
	}
	b.fl.modified = true
	b.ts.lastActivity = time.Now()
	b.ts.lastSaveCompleted = time.Now()

	if b.autosave(false) {
		t.Fatalf("expected a non-forced autosave to be gated by idle/interval thresholds")
	}
	if !b.autosave(true) {
		t.Fatalf("expected force=true to bypass the idle/interval gates")
	}
}

func TestRouteFromSessionRejectsDisallowedCommand(t *testing.T) {
	policy, err := NewPolicy(`cmd != "save"`)
	if err != nil {
		t.Fatalf("compile policy: %v", err)
	}
	b, _ := newTestBroker(t, Config{})
	b.policy = policy
	child := newFakeChild()
	b.child = child
	s, _ := newTestSession(t, b.publicURI, session.PermissionDocumentOwner)
	if _, err := b.AddSession(context.Background(), s, false); err != nil {
		t.Fatalf("add session: %v", err)
	}

	if err := b.RouteFromSession(context.Background(), s.ID(), "save", ""); err == nil {
		t.Fatalf("expected policy to reject the save command")
	}
	if err := b.RouteFromSession(context.Background(), s.ID(), "keystroke", "x=1"); err != nil {
		t.Fatalf("expected policy to allow keystroke: %v", err)
	}
}

func TestRouteFromSessionForwardsLoadWithJailPath(t *testing.T) {
	b, _ := newTestBroker(t, Config{})
	b.jailedURI = "/jails/abc/user/doc/abc"
	child := newFakeChild()
	b.child = child
	s, _ := newTestSession(t, b.publicURI, session.PermissionDocumentOwner)
	b.sessions[s.ID()] = s

	if err := b.RouteFromSession(context.Background(), s.ID(), "load", "url=https://x"); err != nil {
		t.Fatalf("route load: %v", err)
	}
	if len(child.frames) != 1 {
		t.Fatalf("expected one frame sent to child, got %d", len(child.frames))
	}
	want := "child-" + s.ID() + " load url=https://x jail=/jails/abc/user/doc/abc"
	if child.frames[0] != want {
		t.Fatalf("load frame mismatch: got %q want %q", child.frames[0], want)
	}
}

func TestTileRequestCoalescesConcurrentSubscribers(t *testing.T) {
	b, _ := newTestBroker(t, Config{})
	b.cache = tilecache.New(t.TempDir(), false)
	child := newFakeChild()
	b.child = child

	s1, _ := newTestSession(t, b.publicURI, session.PermissionDocumentOwner)
	s2, _ := newTestSession(t, b.publicURI, session.PermissionDocumentOwner)
	b.sessions[s1.ID()] = s1
	b.sessions[s2.ID()] = s2

	args := "part=0 x=0 y=0 width=256 height=256"
	if err := b.HandleTileRequest(s1.ID(), args); err != nil {
		t.Fatalf("first tile request: %v", err)
	}
	if err := b.HandleTileRequest(s2.ID(), args); err != nil {
		t.Fatalf("second tile request: %v", err)
	}
	if len(child.frames) != 1 {
		t.Fatalf("expected only the first subscriber to forward to the child, got %d frames", len(child.frames))
	}

	if err := b.HandleTileResponse(args, []byte{1, 2, 3}); err != nil {
		t.Fatalf("tile response: %v", err)
	}
}

func TestCancelTileRequestsForwardsOrphanedEntries(t *testing.T) {
	b, _ := newTestBroker(t, Config{})
	b.cache = tilecache.New(t.TempDir(), false)
	child := newFakeChild()
	b.child = child

	s1, _ := newTestSession(t, b.publicURI, session.PermissionDocumentOwner)
	b.sessions[s1.ID()] = s1

	args := "part=0 x=0 y=0 width=256 height=256"
	if err := b.HandleTileRequest(s1.ID(), args); err != nil {
		t.Fatalf("tile request: %v", err)
	}
	b.CancelTileRequests(s1.ID())

	found := false
	for _, f := range child.frames {
		if f == "canceltiles "+s1.ID() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a canceltiles frame forwarded to the child, got %v", child.frames)
	}
}

func TestSnapshotReflectsCurrentState(t *testing.T) {
	b, _ := newTestBroker(t, Config{})
	b.fl.loaded = true
	b.fl.modified = true
	snap := b.Snapshot()
	if snap.DocKey != b.docKey || !snap.Loaded || !snap.Modified {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestSaveToStorageDiskFullDemotesEverySessionAndNotifiesAll(t *testing.T) {
	b, storage := newTestBroker(t, Config{})
	storage.uploadResult = storagebinding.UploadDiskFull
	b.child = newFakeChild()

	owner, ownerTransport := newTestSession(t, b.publicURI, session.PermissionDocumentOwner)
	other, otherTransport := newTestSession(t, b.publicURI, session.PermissionDocumentOwner)
	if _, err := b.AddSession(context.Background(), owner, false); err != nil {
		t.Fatalf("add owner: %v", err)
	}
	if _, err := b.AddSession(context.Background(), other, false); err != nil {
		t.Fatalf("add other: %v", err)
	}

	path := b.jailedURI
	if err := os.WriteFile(path, []byte("changed contents"), 0o644); err != nil {
		t.Fatalf("write jailed file: %v", err)
	}

	if err := b.saveToStorage(context.Background(), owner.ID(), true, ""); err != nil {
		t.Fatalf("save to storage: %v", err)
	}

	if !owner.IsReadOnly() || !other.IsReadOnly() {
		t.Fatalf("expected every session to be demoted read-only after a disk-full upload")
	}
	want := []byte("error: cmd=storage kind=savediskfull")
	if len(ownerTransport.texts) != 1 || string(ownerTransport.texts[0]) != string(want) {
		t.Fatalf("expected owning session to receive %q, got %v", want, ownerTransport.texts)
	}
	if len(otherTransport.texts) != 1 || string(otherTransport.texts[0]) != string(want) {
		t.Fatalf("expected other session to receive %q, got %v", want, otherTransport.texts)
	}
}

func TestSaveToStorageUnauthorizedNotifiesOnlyOriginatingSession(t *testing.T) {
	b, storage := newTestBroker(t, Config{})
	storage.uploadResult = storagebinding.UploadUnauthorized
	b.child = newFakeChild()

	owner, ownerTransport := newTestSession(t, b.publicURI, session.PermissionDocumentOwner)
	other, otherTransport := newTestSession(t, b.publicURI, session.PermissionDocumentOwner)
	if _, err := b.AddSession(context.Background(), owner, false); err != nil {
		t.Fatalf("add owner: %v", err)
	}
	if _, err := b.AddSession(context.Background(), other, false); err != nil {
		t.Fatalf("add other: %v", err)
	}

	if err := os.WriteFile(b.jailedURI, []byte("changed contents"), 0o644); err != nil {
		t.Fatalf("write jailed file: %v", err)
	}

	if err := b.saveToStorage(context.Background(), owner.ID(), true, ""); err != nil {
		t.Fatalf("save to storage: %v", err)
	}

	want := []byte("error: cmd=storage kind=saveunauthorized")
	if len(ownerTransport.texts) != 1 || string(ownerTransport.texts[0]) != string(want) {
		t.Fatalf("expected originating session to receive %q, got %v", want, ownerTransport.texts)
	}
	if len(otherTransport.texts) != 0 {
		t.Fatalf("expected the other session to receive nothing, got %v", otherTransport.texts)
	}
	if owner.IsReadOnly() || other.IsReadOnly() {
		t.Fatalf("expected unauthorized to leave sessions' permissions untouched")
	}
}

func TestSaveToStorageFailedNotifiesOriginatingSession(t *testing.T) {
	b, storage := newTestBroker(t, Config{})
	storage.uploadResult = storagebinding.UploadFailed
	storage.uploadErr = fmt.Errorf("boom")
	b.child = newFakeChild()

	owner, ownerTransport := newTestSession(t, b.publicURI, session.PermissionDocumentOwner)
	if _, err := b.AddSession(context.Background(), owner, false); err != nil {
		t.Fatalf("add owner: %v", err)
	}
	if err := os.WriteFile(b.jailedURI, []byte("changed contents"), 0o644); err != nil {
		t.Fatalf("write jailed file: %v", err)
	}

	if err := b.saveToStorage(context.Background(), owner.ID(), true, ""); err == nil {
		t.Fatalf("expected saveToStorage to surface the upload error")
	}

	want := []byte("error: cmd=storage kind=savefailed")
	if len(ownerTransport.texts) != 1 || string(ownerTransport.texts[0]) != string(want) {
		t.Fatalf("expected originating session to receive %q, got %v", want, ownerTransport.texts)
	}
}

func TestSaveToStorageOKStampsMtimesAndClearsCache(t *testing.T) {
	b, storage := newTestBroker(t, Config{})
	b.child = newFakeChild()

	owner, _ := newTestSession(t, b.publicURI, session.PermissionDocumentOwner)
	if _, err := b.AddSession(context.Background(), owner, false); err != nil {
		t.Fatalf("add owner: %v", err)
	}
	b.cache.SetUnsavedChanges(true)
	if err := os.WriteFile(b.jailedURI, []byte("changed contents"), 0o644); err != nil {
		t.Fatalf("write jailed file: %v", err)
	}

	wantModified := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	storage.info = storagebinding.FileInfo{UserCanWrite: true, LastModifiedTime: wantModified}

	if err := b.saveToStorage(context.Background(), owner.ID(), true, ""); err != nil {
		t.Fatalf("save to storage: %v", err)
	}

	if b.fl.modified {
		t.Fatalf("expected modified flag to be cleared on a successful save")
	}
	if b.cache.HasUnsavedChanges() {
		t.Fatalf("expected the tile cache's unsaved-changes flag to be cleared on a successful save")
	}
	if b.ts.lastFileModifiedOnDisk.IsZero() {
		t.Fatalf("expected lastFileModifiedOnDisk to be stamped from disk mtime")
	}
	if !b.documentLastModifiedTime.Equal(wantModified) {
		t.Fatalf("expected documentLastModifiedTime to be re-stamped from fresh storage file-info, got %v", b.documentLastModifiedTime)
	}
}

func TestDeliverToSessionAllMulticastsToEverySession(t *testing.T) {
	b, _ := newTestBroker(t, Config{})
	s1, t1 := newTestSession(t, b.publicURI, session.PermissionDocumentOwner)
	s2, t2 := newTestSession(t, b.publicURI, session.PermissionDocumentOwner)
	b.sessions[s1.ID()] = s1
	b.sessions[s2.ID()] = s2

	b.deliverToSession("all", "message: hello", nil)

	if len(t1.texts) != 1 || string(t1.texts[0]) != "message: hello" {
		t.Fatalf("expected session 1 to receive the multicast frame, got %v", t1.texts)
	}
	if len(t2.texts) != 1 || string(t2.texts[0]) != "message: hello" {
		t.Fatalf("expected session 2 to receive the multicast frame, got %v", t2.texts)
	}
}

func TestLoadSetsStorageDriftedOnlyOnLaterSessionWhenMtimeChanged(t *testing.T) {
	b, storage := newTestBroker(t, Config{})
	original := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	storage.info = storagebinding.FileInfo{UserCanWrite: true, LastModifiedTime: original}

	first, _ := newTestSession(t, b.publicURI, session.PermissionDocumentOwner)
	if err := b.Load(context.Background(), first, false); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if b.fl.storageDrifted {
		t.Fatalf("expected no drift to be recorded on the first session's load")
	}

	storage.mu.Lock()
	storage.info.LastModifiedTime = original.Add(time.Hour)
	storage.mu.Unlock()

	second, _ := newTestSession(t, b.publicURI, session.PermissionDocumentOwner)
	if err := b.Load(context.Background(), second, false); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if !b.fl.storageDrifted {
		t.Fatalf("expected drift to be recorded once a later session observes a changed storage mtime")
	}
}

func TestSetModifiedKeepsTileCacheUnsavedChangesInSync(t *testing.T) {
	b, _ := newTestBroker(t, Config{})
	b.cache = tilecache.New(t.TempDir(), false)
	s, _ := newTestSession(t, b.publicURI, session.PermissionDocumentOwner)
	b.sessions[s.ID()] = s

	if err := b.RouteFromSession(context.Background(), s.ID(), "setmodified", "true"); err != nil {
		t.Fatalf("setmodified true: %v", err)
	}
	if !b.cache.HasUnsavedChanges() {
		t.Fatalf("expected the tile cache to report unsaved changes after setmodified true")
	}

	if err := b.RouteFromSession(context.Background(), s.ID(), "setmodified", "false"); err != nil {
		t.Fatalf("setmodified false: %v", err)
	}
	if b.cache.HasUnsavedChanges() {
		t.Fatalf("expected the tile cache to clear unsaved changes after setmodified false")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	b, _ := newTestBroker(t, Config{})
	b.Stop()
	b.Stop()
	select {
	case <-b.stopCh:
	default:
		t.Fatalf("expected stopCh to be closed after Stop")
	}
}
