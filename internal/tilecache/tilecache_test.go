package tilecache

import (
	"testing"
)

type fakeSubscriber struct {
	id      string
	headers []string
	bytes   [][]byte
}

func (f *fakeSubscriber) ID() string { return f.id }
func (f *fakeSubscriber) SendTile(header string, png []byte) error {
	f.headers = append(f.headers, header)
	f.bytes = append(f.bytes, png)
	return nil
}

func TestUnsavedChangesDefaultsFalseAndTracksToggles(t *testing.T) {
	c := New(t.TempDir(), false)
	if c.HasUnsavedChanges() {
		t.Fatalf("expected a fresh cache to report no unsaved changes")
	}
	c.SetUnsavedChanges(true)
	if !c.HasUnsavedChanges() {
		t.Fatalf("expected unsaved changes to be recorded after SetUnsavedChanges(true)")
	}
	c.SetUnsavedChanges(false)
	if c.HasUnsavedChanges() {
		t.Fatalf("expected unsaved changes to clear after SetUnsavedChanges(false)")
	}
}

func TestSubscribeCoalescesConcurrentRequests(t *testing.T) {
	c := New("", false)
	desc := Descriptor{Part: 0, X: 0, Y: 0, Width: 256, Height: 256}
	s1 := &fakeSubscriber{id: "s1"}
	s2 := &fakeSubscriber{id: "s2"}

	if render := c.Subscribe(desc, s1); !render {
		t.Fatalf("first subscriber should trigger a render")
	}
	if render := c.Subscribe(desc, s2); render {
		t.Fatalf("second subscriber on an in-flight render should not trigger another")
	}

	png := []byte{1, 2, 3}
	if err := c.SaveAndNotify(desc, png); err != nil {
		t.Fatalf("save and notify: %v", err)
	}
	if len(s1.bytes) != 1 || len(s2.bytes) != 1 {
		t.Fatalf("expected both subscribers to receive the tile, got s1=%d s2=%d", len(s1.bytes), len(s2.bytes))
	}
}

func TestLookupReturnsCachedBytesAfterSave(t *testing.T) {
	c := New("", false)
	desc := Descriptor{Part: 1, X: 0, Y: 0, Width: 100, Height: 100}
	if _, ok := c.Lookup(desc); ok {
		t.Fatalf("expected no cached entry before any render")
	}
	c.Subscribe(desc, &fakeSubscriber{id: "s1"})
	if _, ok := c.Lookup(desc); ok {
		t.Fatalf("in-flight entry should not be returned by Lookup")
	}
	png := []byte{9, 9}
	if err := c.SaveAndNotify(desc, png); err != nil {
		t.Fatalf("save and notify: %v", err)
	}
	got, ok := c.Lookup(desc)
	if !ok {
		t.Fatalf("expected cached bytes after save")
	}
	if string(got) != string(png) {
		t.Fatalf("cached bytes mismatch")
	}
}

func TestDescriptorKeyExcludesVersionAndBroadcast(t *testing.T) {
	a := Descriptor{Part: 0, X: 1, Y: 2, Width: 3, Height: 4, Version: 1, Broadcast: false}
	b := Descriptor{Part: 0, X: 1, Y: 2, Width: 3, Height: 4, Version: 99, Broadcast: true}
	if a.Key() != b.Key() {
		t.Fatalf("expected descriptors differing only in version/broadcast to share a cache key")
	}
}

func TestCancelReturnsOrphanedInFlightEntries(t *testing.T) {
	c := New("", false)
	desc := Descriptor{Part: 0, X: 0, Y: 0, Width: 10, Height: 10}
	s1 := &fakeSubscriber{id: "s1"}
	c.Subscribe(desc, s1)

	orphaned := c.Cancel("s1")
	if len(orphaned) != 1 {
		t.Fatalf("expected the in-flight entry to become orphaned, got %v", orphaned)
	}
}

func TestCancelDoesNotOrphanEntryWithRemainingSubscribers(t *testing.T) {
	c := New("", false)
	desc := Descriptor{Part: 0, X: 0, Y: 0, Width: 10, Height: 10}
	c.Subscribe(desc, &fakeSubscriber{id: "s1"})
	c.Subscribe(desc, &fakeSubscriber{id: "s2"})

	orphaned := c.Cancel("s1")
	if len(orphaned) != 0 {
		t.Fatalf("expected no orphaned entries while s2 still subscribed, got %v", orphaned)
	}
}

func TestInvalidateRemovesMatchingEntries(t *testing.T) {
	c := New("", false)
	desc := Descriptor{Part: 0, X: 0, Y: 0, Width: 10, Height: 10}
	c.Subscribe(desc, &fakeSubscriber{id: "s1"})
	_ = c.SaveAndNotify(desc, []byte{1})

	c.Invalidate(func(d Descriptor) bool { return d.Part == 0 })
	if _, ok := c.Lookup(desc); ok {
		t.Fatalf("expected entry to be invalidated")
	}
}

func TestCachePathIsDeterministic(t *testing.T) {
	p1 := CachePath("/var/tiles", "https://host/doc/42")
	p2 := CachePath("/var/tiles", "https://host/doc/42")
	if p1 != p2 {
		t.Fatalf("expected identical cache path for identical uri, got %q vs %q", p1, p2)
	}
	p3 := CachePath("/var/tiles", "https://host/doc/43")
	if p1 == p3 {
		t.Fatalf("expected distinct cache paths for distinct uris")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	desc := Descriptor{Part: 2, X: 5, Y: 6, Width: 7, Height: 8, RenderParams: "zoom=2"}
	png := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	data, err := EncodeEnvelope(desc, png)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	gotDesc, gotPNG, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotDesc.Key() != desc.Key() {
		t.Fatalf("descriptor mismatch after round trip")
	}
	if string(gotPNG) != string(png) {
		t.Fatalf("png bytes mismatch after round trip")
	}
}
