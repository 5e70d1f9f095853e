package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	logpkg "github.com/rzbill/inkbroker/pkg/log"
)

// RouteFromChild dispatches one inbound frame from the bound kit,
// classified by its first token: a
// client-<sid> reply is unwrapped and forwarded to that session; tile
// and tilecombine responses feed the tile cache; errortoall sends an
// error to every session of this broker (sessions of other brokers are
// not reached); procmemstats updates the broker's memory sample.
func (b *Broker) RouteFromChild(ctx context.Context, frame string, payload []byte) {
	head, rest := splitFirstToken(frame)
	switch {
	case strings.HasPrefix(head, "client-"):
		sessionID := strings.TrimPrefix(head, "client-")
		b.deliverToSession(sessionID, rest, payload)
	case head == "tile:":
		if err := b.HandleTileResponse(rest, payload); err != nil {
			b.logger.Warn("tile response", logpkg.Err(err))
		}
	case head == "tilecombine:":
		if err := b.HandleTileResponse(rest, payload); err != nil {
			b.logger.Warn("tilecombine response", logpkg.Err(err))
		}
	case head == "errortoall:":
		cmd, kind := splitFirstToken(rest)
		b.NotifyError(cmd, kind)
	case head == "procmemstats:":
		if kb, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(rest), "dirty="), 10, 64); err == nil {
			b.RecordProcMemStats(kb)
		}
	case head == "save:" || head == "unosave:":
		b.handleSaveOutcome(ctx, rest)
	default:
		b.logger.Debug("unrouted frame from child", logpkg.Str("head", head))
	}
}

func (b *Broker) deliverToSession(sessionID, cmd string, payload []byte) {
	if sessionID == "all" {
		b.mu.Lock()
		sessions := b.snapshotSessionsLocked()
		b.mu.Unlock()
		for _, s := range sessions {
			if payload != nil {
				_ = s.SendBinary(payload)
				continue
			}
			_ = s.SendText([]byte(cmd))
		}
		return
	}

	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return
	}
	if payload != nil {
		_ = s.SendBinary(payload)
		return
	}
	_ = s.SendText([]byte(cmd))
}

// handleSaveOutcome parses "<sessionId> ok|failed detail..." as reported
// by the child after a uno:Save round-trip.
func (b *Broker) handleSaveOutcome(ctx context.Context, rest string) {
	sessionID, tail := splitFirstToken(rest)
	status, detail := splitFirstToken(tail)
	success := status == "ok"
	if err := b.saveToStorage(ctx, sessionID, success, detail); err != nil {
		b.logger.Warn("save to storage", logpkg.Err(err))
	}
}

// RouteFromSession dispatches one command a session sent up to its
// broker, per the session-side command table: tile/
// tilecombine/canceltiles are handled locally against the cache; save
// and setmodified update broker flags; everything else is forwarded
// verbatim to the child as "child-<sid> <cmd> <args>", with a "load"
// command rewritten to carry the broker's jailed path.
func (b *Broker) RouteFromSession(ctx context.Context, sessionID, cmd, args string) error {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	sessionCount := len(b.sessions)
	modified := b.fl.modified
	drifted := b.fl.storageDrifted
	policy := b.policy
	b.mu.Unlock()
	if ok && !policy.Allow(cmd, s.IsReadOnly(), sessionCount, modified, drifted) {
		return fmt.Errorf("broker: policy rejected command %q for session %s", cmd, sessionID)
	}

	switch cmd {
	case "tile":
		return b.HandleTileRequest(sessionID, args)
	case "tilecombine":
		return b.HandleTileCombinedRequest(sessionID, args)
	case "canceltiles":
		b.CancelTileRequests(sessionID)
		return nil
	case "save":
		b.mu.Lock()
		b.fl.modified = true
		if b.cache != nil {
			b.cache.SetUnsavedChanges(true)
		}
		b.mu.Unlock()
		b.sendUnoSave(sessionID, false, false)
		return nil
	case "setmodified":
		modified := strings.TrimSpace(args) != "false"
		b.mu.Lock()
		b.fl.modified = modified
		if b.cache != nil {
			b.cache.SetUnsavedChanges(modified)
		}
		b.ts.lastActivity = nowFunc()
		b.mu.Unlock()
		return nil
	case "load":
		b.mu.Lock()
		jailed := b.jailedURI
		child := b.child
		b.mu.Unlock()
		if child == nil {
			return nil
		}
		return child.Send("child-" + sessionID + " load " + args + " jail=" + jailed)
	default:
		b.mu.Lock()
		child := b.child
		b.ts.lastActivity = nowFunc()
		b.mu.Unlock()
		if child == nil {
			return nil
		}
		if args == "" {
			return child.Send("child-" + sessionID + " " + cmd)
		}
		return child.Send("child-" + sessionID + " " + cmd + " " + args)
	}
}

func splitFirstToken(s string) (head, rest string) {
	s = strings.TrimSpace(s)
	idx := strings.IndexByte(s, ' ')
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}
