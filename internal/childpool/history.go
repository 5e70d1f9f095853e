package childpool

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	pebblestore "github.com/rzbill/inkbroker/internal/storage/pebble"
)

// SaveOutcome classifies the result of one save attempt, matching the
// terminal states assigned to a completed save cycle.
type SaveOutcome string

const (
	SaveOutcomeSuccess      SaveOutcome = "success"
	SaveOutcomeUnmodified   SaveOutcome = "unmodified"
	SaveOutcomeDiskFull     SaveOutcome = "disk_full"
	SaveOutcomeUnauthorized SaveOutcome = "unauthorized"
	SaveOutcomeConflict     SaveOutcome = "conflict"
	SaveOutcomeFailed       SaveOutcome = "failed"
)

// SaveRecord is one entry in a document's bounded save history.
type SaveRecord struct {
	Seq            uint64
	TimestampMs    int64
	Outcome        SaveOutcome
	UploadedBytes  int64
	DurationMs     int64
	TriggeredBy    string // "autosave", "manual", "unload", "admin"
	StorageVersion string
	Detail         string
}

// HistoryMeta tracks the retention bookkeeping for one document's history.
type HistoryMeta struct {
	NextSeq   uint64
	Count     int
	OldestSeq uint64
}

// HistoryLedger keeps a retention-bounded ring of recent save outcomes per
// document, for diagnosing save failures without re-deriving them from
// the full audit log. The admin HTTP surface does not serve it.
type HistoryLedger struct {
	db        *pebblestore.DB
	maxPerDoc int
}

// NewHistoryLedger creates a HistoryLedger retaining up to maxPerDoc records
// per document key.
func NewHistoryLedger(db *pebblestore.DB, maxPerDoc int) *HistoryLedger {
	if maxPerDoc <= 0 {
		maxPerDoc = 20
	}
	return &HistoryLedger{db: db, maxPerDoc: maxPerDoc}
}

// Append records a save outcome for docKey, trimming the oldest entry once
// the per-document retention bound is exceeded.
func (h *HistoryLedger) Append(docKey string, rec SaveRecord) error {
	meta, err := h.meta(docKey)
	if err != nil {
		return err
	}
	rec.Seq = meta.NextSeq

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal save record: %w", err)
	}

	batch := h.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(historyKey(docKey, rec.Seq), data, nil); err != nil {
		return err
	}

	meta.NextSeq++
	meta.Count++
	if meta.Count > h.maxPerDoc {
		if err := batch.Delete(historyKey(docKey, meta.OldestSeq), nil); err != nil {
			return err
		}
		meta.OldestSeq++
		meta.Count--
	}

	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal history meta: %w", err)
	}
	if err := batch.Set(historyMetaKey(docKey), metaData, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// List returns docKey's retained save records, most-recent-first.
func (h *HistoryLedger) List(docKey string, limit int) ([]SaveRecord, error) {
	prefix := historyPrefix(docKey)
	iter, err := h.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: append(append([]byte(nil), prefix...), 0xff)})
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	var out []SaveRecord
	for iter.Last(); iter.Valid() && (limit == 0 || len(out) < limit); iter.Prev() {
		var rec SaveRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (h *HistoryLedger) meta(docKey string) (HistoryMeta, error) {
	data, err := h.db.Get(historyMetaKey(docKey))
	if err != nil {
		return HistoryMeta{}, nil
	}
	var meta HistoryMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return HistoryMeta{}, fmt.Errorf("unmarshal history meta: %w", err)
	}
	return meta, nil
}
