package broker

import (
	"context"
	"fmt"

	"github.com/rzbill/inkbroker/internal/session"
	logpkg "github.com/rzbill/inkbroker/pkg/log"
)

// AddSession is the per-document addSession step: load, revive a cooling
// broker, announce the session to the kit, and insert it into the
// session map. Must run on the event-loop goroutine.
func (b *Broker) AddSession(ctx context.Context, s *session.Session, docpass bool) (int, error) {
	if b.MarkedToDestroy() {
		b.mu.Lock()
		b.fl.markedToDestroy = false
		b.fl.stop = false
		b.mu.Unlock()
	}

	if err := b.Load(ctx, s, docpass); err != nil {
		return 0, fmt.Errorf("broker: load for session %s: %w", s.ID(), err)
	}

	b.mu.Lock()
	b.fl.lastEditableSessionLeaving = false
	b.fl.markedToDestroy = false
	b.fl.stop = false
	b.sessions[s.ID()] = s
	b.ts.lastActivity = nowFunc()
	count := len(b.sessions)
	child := b.child
	b.mu.Unlock()

	if child != nil {
		_ = child.Send(fmt.Sprintf("session %s %s %s", s.ID(), b.docKey, b.docKey))
	}

	b.logger.Info("session added", logpkg.Str("session_id", s.ID()), logpkg.Int("session_count", count))
	return count, nil
}

// RemoveSession is the removeSession step. If destroyIfLast and
// this is the last editable session, a forced autosave is attempted
// first; the actual removal is deferred until that save completes (the
// save-completion path re-enters removal via saveToStorage).
func (b *Broker) RemoveSession(id string, destroyIfLast bool) {
	b.mu.Lock()
	s, ok := b.sessions[id]
	if !ok {
		b.mu.Unlock()
		return
	}

	if destroyIfLast {
		remainingWriters := 0
		for sid, other := range b.sessions {
			if sid == id {
				continue
			}
			if !other.IsReadOnly() {
				remainingWriters++
			}
		}
		b.fl.lastEditableSessionLeaving = !s.IsReadOnly() && remainingWriters == 0
		b.fl.markedToDestroy = len(b.sessions) == 1
	}
	deferRemoval := destroyIfLast && b.fl.lastEditableSessionLeaving
	b.mu.Unlock()

	if deferRemoval {
		if sent := b.autosave(true); sent {
			// the save-completion path (saveToStorage) re-enters
			// removal once the in-flight save resolves.
			return
		}
	}

	b.finishRemoveSession(id)
}

func (b *Broker) finishRemoveSession(id string) {
	b.mu.Lock()
	_, ok := b.sessions[id]
	delete(b.sessions, id)
	empty := len(b.sessions) == 0
	if empty {
		b.fl.stop = true
	}
	child := b.child
	b.mu.Unlock()

	if !ok {
		return
	}
	if child != nil {
		_ = child.Send(fmt.Sprintf("child-%s disconnect", id))
	}
	b.logger.Info("session removed", logpkg.Str("session_id", id), logpkg.Bool("broker_now_empty", empty))
}

// nowFunc is overridable in tests.
var nowFunc = defaultNow
