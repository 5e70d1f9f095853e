// Package broker implements the DocumentBroker coordination engine: a
// per-document event loop owning one child process, a set of client
// sessions, a tile cache, and a storage binding.
package broker

import (
	"sync"
	"time"

	"github.com/rzbill/inkbroker/internal/audit"
	"github.com/rzbill/inkbroker/internal/session"
	"github.com/rzbill/inkbroker/internal/storagebinding"
	"github.com/rzbill/inkbroker/internal/tilecache"
	idpkg "github.com/rzbill/inkbroker/pkg/id"
	logpkg "github.com/rzbill/inkbroker/pkg/log"
)

var instanceIDs = idpkg.NewGenerator()

// ChildHandle is the capability the broker needs from its bound kit
// process: send a framed command, probe liveness, and
// close (optionally rudely). Satisfied by internal/childproc.Handle;
// kept as an interface here so the broker never imports the transport.
type ChildHandle interface {
	KitID() string
	PID() int
	Alive() bool
	Send(frame string) error
	Close(rude bool) error
}

// SpawnChildFunc obtains a kit from the process-wide pool and binds it
// to docKey.
type SpawnChildFunc func(docKey string) (ChildHandle, error)

// StorageFactory builds a Storage binding from a session's public URI.
type StorageFactory func(publicURI string) (storagebinding.Storage, error)

// Config tunes the broker's timers.
type Config struct {
	IdleTimeout         time.Duration
	AutosaveInterval    time.Duration
	IdleSave            time.Duration
	CommandTimeout      time.Duration
	PollTimeout         time.Duration
	ChildSpawnBackoff   time.Duration
	TileCacheRoot       string
	TileCachePersistent bool
}

// timestamps groups the last-* timestamps tracked for a broker.
type timestamps struct {
	lastSaveCompleted      time.Time
	lastSaveRequested      time.Time
	lastFileModifiedOnDisk time.Time
	lastActivity           time.Time
	threadStart            time.Time
}

// flags groups the boolean state tracked for a broker.
type flags struct {
	loaded                     bool
	modified                   bool
	markedToDestroy            bool
	lastEditableSessionLeaving bool
	stop                       bool
	storageDrifted             bool
}

type cursor struct {
	X, Y, W, H int
}

// Broker is the per-document coordination engine.
type Broker struct {
	// immutable for the broker's lifetime
	instanceID idpkg.ID
	docKey     string
	publicURI  string
	filename   string

	spawnChild  SpawnChildFunc
	newStorage  StorageFactory
	tokenLedger *storagebinding.TokenLedger
	trail       *audit.Trail
	policy      *Policy
	onTerminate func(docKey string)
	cfg         Config
	logger      logpkg.Logger

	// mutable, owned by the event-loop goroutine; the mutex exists
	// because Snapshot and AuditHistory are called from the admin HTTP
	// surface's goroutine, not because of a second event-loop writer.
	mu sync.Mutex

	state     State
	ts        timestamps
	fl        flags
	jailedURI string
	child     ChildHandle
	storage   storagebinding.Storage
	cache     *tilecache.Cache
	sessions  map[string]*session.Session

	tileVersion              int64
	cur                      cursor
	documentLastModifiedTime time.Time
	dirtyMemKB               int64

	inbound   chan string
	callbacks chan func()
	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// New constructs a Broker for docKey/publicURI. Callers obtain docKey
// via internal/dockey.DocKey and typically build Broker via a registry
// Constructor closure.
func New(docKey, publicURI string, spawnChild SpawnChildFunc, newStorage StorageFactory, tokenLedger *storagebinding.TokenLedger, trail *audit.Trail, policy *Policy, onTerminate func(string), cfg Config, logger logpkg.Logger) *Broker {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &Broker{
		instanceID:  instanceIDs.Next(),
		docKey:      docKey,
		publicURI:   publicURI,
		spawnChild:  spawnChild,
		newStorage:  newStorage,
		tokenLedger: tokenLedger,
		trail:       trail,
		policy:      policy,
		onTerminate: onTerminate,
		cfg:         cfg,
		logger:      logger.WithComponent("broker").WithField("doc_key", docKey),
		state:       StateStarting,
		sessions:    make(map[string]*session.Session),
		inbound:     make(chan string, 256),
		callbacks:   make(chan func(), 64),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		ts:          timestamps{threadStart: time.Now()},
	}
}

// Key returns the document key this broker owns, satisfying
// internal/registry.BrokerHandle.
func (b *Broker) Key() string { return b.docKey }

// MarkedToDestroy reports the broker's teardown flag, satisfying
// internal/registry.BrokerHandle.
func (b *Broker) MarkedToDestroy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fl.markedToDestroy
}

// NotifyError delivers an errortoall-style error to every session,
// satisfying internal/registry.BrokerHandle.
func (b *Broker) NotifyError(cmd, kind string) {
	b.mu.Lock()
	sessions := b.snapshotSessionsLocked()
	b.mu.Unlock()
	msg := []byte("error: cmd=" + cmd + " kind=" + kind)
	for _, s := range sessions {
		_ = s.SendText(msg)
	}
}

func (b *Broker) snapshotSessionsLocked() []*session.Session {
	out := make([]*session.Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	return out
}

// State returns the broker's current lifecycle state.
func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SessionCount returns the number of currently-attached sessions.
func (b *Broker) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Snapshot is a read-only view of broker state for the admin surface.
type Snapshot struct {
	InstanceID               string
	DocKey                   string
	State                    string
	SessionCount             int
	Loaded                   bool
	Modified                 bool
	MarkedToDestroy          bool
	LastSaveCompleted        time.Time
	LastSaveRequested        time.Time
	DocumentLastModifiedTime time.Time
	Cursor                   cursor
	DirtyMemKB               int64
}

// Snapshot returns a point-in-time view for the admin HTTP surface.
func (b *Broker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		InstanceID:               b.instanceID.String(),
		DocKey:                   b.docKey,
		State:                    b.state.String(),
		SessionCount:             len(b.sessions),
		Loaded:                   b.fl.loaded,
		Modified:                 b.fl.modified,
		MarkedToDestroy:          b.fl.markedToDestroy,
		LastSaveCompleted:        b.ts.lastSaveCompleted,
		LastSaveRequested:        b.ts.lastSaveRequested,
		DocumentLastModifiedTime: b.documentLastModifiedTime,
		Cursor:                   b.cur,
		DirtyMemKB:               b.dirtyMemKB,
	}
}

// AuditHistory returns up to limit of this document's most recent
// audit-trail entries, for the admin surface. Returns nil if the
// broker has no audit trail configured.
func (b *Broker) AuditHistory(limit int) ([]audit.Event, error) {
	b.mu.Lock()
	trail := b.trail
	b.mu.Unlock()
	if trail == nil {
		return nil, nil
	}
	return trail.List(limit)
}

// RecordProcMemStats stores the latest dirty-memory sample reported by
// the kit.
func (b *Broker) RecordProcMemStats(dirtyKB int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dirtyMemKB = dirtyKB
}

// EnqueueCallback schedules fn to run on the event-loop goroutine
// between poll cycles — the only way external code mutates broker
// state.
func (b *Broker) EnqueueCallback(fn func()) {
	select {
	case b.callbacks <- fn:
	case <-b.doneCh:
	}
}

// DeliverFromChild feeds one inbound frame from the child socket into
// the broker's poll loop; called by the reader goroutine that owns the
// actual child-socket Recv() call.
func (b *Broker) DeliverFromChild(frame string) {
	select {
	case b.inbound <- frame:
	case <-b.doneCh:
	}
}

// Done returns a channel closed once the event loop has fully exited.
func (b *Broker) Done() <-chan struct{} { return b.doneCh }

func defaultNow() time.Time { return time.Now() }
