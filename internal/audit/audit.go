// Package audit keeps a per-document append-only trail of events the
// broker observes but does not itself persist elsewhere: the SHA-1 of
// a freshly downloaded file, save outcomes, and lifecycle transitions.
// EventTokenClaim is defined, but the broker records no token-ledger
// claims in the trail. Built directly on the
// process-wide event log used elsewhere for durable, ordered records.
package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rzbill/inkbroker/internal/eventlog"
	pebblestore "github.com/rzbill/inkbroker/internal/storage/pebble"
)

const namespace = "audit"

// EventKind classifies one audit entry.
type EventKind string

const (
	EventDownload   EventKind = "download"
	EventSave       EventKind = "save"
	EventTokenClaim EventKind = "token_claim"
	EventLifecycle  EventKind = "lifecycle"
)

// Event is one audit-trail entry for a document.
type Event struct {
	Kind   EventKind `json:"kind"`
	TimeMs int64     `json:"time_ms"`
	Detail string    `json:"detail"`
	SHA1   string    `json:"sha1,omitempty"`
}

// Trail is the per-document audit log, partitioned by document key so
// that each document's history can be read independently.
type Trail struct {
	docKey string
	log    *eventlog.Log
}

// Open returns a Trail for docKey, creating its underlying log
// partition on first use.
func Open(db *pebblestore.DB, docKey string) (*Trail, error) {
	l, err := eventlog.OpenLog(db, namespace, docKey, 0)
	if err != nil {
		return nil, fmt.Errorf("audit: open log for %s: %w", docKey, err)
	}
	return &Trail{docKey: docKey, log: l}, nil
}

// Record appends ev to the trail. The entry's header carries ev.TimeMs
// so Prune can later select a retention cutoff without decoding every
// payload.
func (t *Trail) Record(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	_, err = t.log.Append(ctx, []eventlog.AppendRecord{{Header: encodeHeader(ev.Kind, ev.TimeMs), Payload: payload}})
	return err
}

func encodeHeader(kind EventKind, timeMs int64) []byte {
	h := make([]byte, 8, 8+len(kind))
	binary.BigEndian.PutUint64(h, uint64(timeMs))
	return append(h, []byte(kind)...)
}

func decodeHeaderMs(header []byte) (int64, bool) {
	if len(header) < 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(header[:8])), true
}

// List returns up to limit of this document's most recent audit
// events, newest first. limit <= 0 means unbounded.
func (t *Trail) List(limit int) ([]Event, error) {
	items, _ := t.log.Read(eventlog.ReadOptions{Limit: limit, Reverse: true})
	events := make([]Event, 0, len(items))
	for _, item := range items {
		var ev Event
		if err := json.Unmarshal(item.Payload, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Prune deletes audit entries older than cutoff, bounding on-disk
// growth for documents that stay open for a long time.
func (t *Trail) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	deleted, _, err := t.log.TrimOlderThan(ctx, cutoff.UnixMilli(), 256, 0, decodeHeaderMs)
	return deleted, err
}

// RecordDownload logs a completed download with the file's SHA-1.
func (t *Trail) RecordDownload(ctx context.Context, sha1Hex string) error {
	return t.Record(ctx, Event{Kind: EventDownload, TimeMs: time.Now().UnixMilli(), SHA1: sha1Hex})
}

// RecordSave logs a save outcome.
func (t *Trail) RecordSave(ctx context.Context, outcome string) error {
	return t.Record(ctx, Event{Kind: EventSave, TimeMs: time.Now().UnixMilli(), Detail: outcome})
}

// RecordLifecycle logs a broker lifecycle transition.
func (t *Trail) RecordLifecycle(ctx context.Context, state string) error {
	return t.Record(ctx, Event{Kind: EventLifecycle, TimeMs: time.Now().UnixMilli(), Detail: state})
}
