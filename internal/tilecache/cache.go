package tilecache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Subscriber is the minimal capability the cache needs from a waiting
// session: an identity to track and a way to deliver the rendered
// bytes once available.
type Subscriber interface {
	ID() string
	SendTile(header string, png []byte) error
}

type entry struct {
	bytes       []byte
	inFlight    bool
	descriptor  Descriptor
	subscribers map[string]Subscriber
}

// Cache is the per-broker tile store. Its on-disk root is derived from
// the cache root and the document's public URI (see CachePath); the
// document's mtime does not enter the path, so a reload of the same URI
// at a new mtime uses the same directory.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	root    string // on-disk root for this document's tiles, persistent mode only

	persistent     bool
	unsavedChanges bool
}

// New constructs a Cache rooted at root (see CachePath for derivation).
// persistent controls whether SaveAndNotify also writes each tile to
// disk under root. CompleteCleanup removes root whatever persistent
// says; the broker calls it on teardown only for a non-persistent cache.
func New(root string, persistent bool) *Cache {
	return &Cache{entries: make(map[string]*entry), root: root, persistent: persistent}
}

// Lookup returns cached bytes for desc, if present and not still rendering.
func (c *Cache) Lookup(desc Descriptor) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[desc.Key()]
	if !ok || e.inFlight {
		return nil, false
	}
	return e.bytes, true
}

// Subscribe attaches subscriber to desc's entry. If a render is
// already in flight for an equivalent descriptor, subscriber is
// appended to its list and shouldRender is false. Otherwise this call
// becomes the first subscriber and shouldRender is true, signaling the
// caller to issue the render request to the kit.
func (c *Cache) Subscribe(desc Descriptor, subscriber Subscriber) (shouldRender bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := desc.Key()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{inFlight: true, descriptor: desc, subscribers: map[string]Subscriber{}}
		c.entries[key] = e
		e.subscribers[subscriber.ID()] = subscriber
		return true
	}
	e.subscribers[subscriber.ID()] = subscriber
	return false
}

// SaveAndNotify persists bytes for desc, then delivers a tile: frame to
// every current subscriber and clears the subscriber list.
func (c *Cache) SaveAndNotify(desc Descriptor, png []byte) error {
	c.mu.Lock()
	key := desc.Key()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{descriptor: desc, subscribers: map[string]Subscriber{}}
		c.entries[key] = e
	}
	e.bytes = png
	e.inFlight = false
	e.descriptor = desc
	subscribers := e.subscribers
	e.subscribers = map[string]Subscriber{}
	c.mu.Unlock()

	if c.persistent {
		if err := c.persist(desc, png); err != nil {
			return fmt.Errorf("persist tile: %w", err)
		}
	}

	header := desc.Header()
	var firstErr error
	for _, sub := range subscribers {
		if err := sub.SendTile(header, png); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SetUnsavedChanges records whether this document's tiles may be stale
// relative to the last save, kept in step with the broker's own
// modified flag.
func (c *Cache) SetUnsavedChanges(unsaved bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsavedChanges = unsaved
}

// HasUnsavedChanges reports whether a tile rendered right now could be
// ahead of the last saved copy on disk.
func (c *Cache) HasUnsavedChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsavedChanges
}

// Invalidate removes every cached entry matching pred. In-flight
// renders are not cancelled; their eventual responses may simply find
// no subscribers left, or be discarded by a caller comparing versions.
func (c *Cache) Invalidate(pred func(Descriptor) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if pred(e.descriptor) {
			delete(c.entries, key)
		}
	}
}

// Cancel removes subscriberID from every entry's subscriber list,
// returning the cache keys of entries that now have no subscribers so
// the caller can forward "canceltiles ..." to the kit.
func (c *Cache) Cancel(subscriberID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var orphaned []string
	for key, e := range c.entries {
		if _, ok := e.subscribers[subscriberID]; !ok {
			continue
		}
		delete(e.subscribers, subscriberID)
		if e.inFlight && len(e.subscribers) == 0 {
			orphaned = append(orphaned, key)
		}
	}
	return orphaned
}

// CompleteCleanup removes all on-disk cached tiles for this document,
// called on broker teardown when the cache is non-persistent.
func (c *Cache) CompleteCleanup() error {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	root := c.root
	c.mu.Unlock()
	if root == "" {
		return nil
	}
	return os.RemoveAll(root)
}

func (c *Cache) persist(desc Descriptor, png []byte) error {
	if c.root == "" {
		return nil
	}
	path, err := TilePath(c.root, desc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	envelope, err := EncodeEnvelope(desc, png)
	if err != nil {
		return err
	}
	return os.WriteFile(path, envelope, 0o644)
}
