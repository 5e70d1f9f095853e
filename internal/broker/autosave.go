package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rzbill/inkbroker/internal/session"
	"github.com/rzbill/inkbroker/internal/storagebinding"
	logpkg "github.com/rzbill/inkbroker/pkg/log"
)

// autosave is the autosave decision: it is a no-op when there
// is nothing to save, and otherwise picks a session to issue a
// uno:Save through, preferring a document-owner session and falling
// back to any other session. force bypasses the idle/interval gates (used
// by RemoveSession's deferred-removal path). The return value reports
// whether a save command was actually dispatched.
func (b *Broker) autosave(force bool) bool {
	b.mu.Lock()
	if len(b.sessions) == 0 || b.storage == nil || !b.fl.loaded || b.child == nil || !b.child.Alive() {
		b.mu.Unlock()
		return false
	}
	if !force && !b.fl.modified {
		b.mu.Unlock()
		return false
	}

	var sessionID string
	for id, s := range b.sessions {
		if s.Permission() == session.PermissionDocumentOwner {
			sessionID = id
			break
		}
		if sessionID == "" {
			sessionID = id
		}
	}
	if sessionID == "" {
		b.mu.Unlock()
		return false
	}

	if !force {
		idle := nowFunc().Sub(b.ts.lastActivity)
		sinceLastSave := nowFunc().Sub(b.ts.lastSaveCompleted)
		if idle < b.cfg.IdleSave && sinceLastSave < b.cfg.AutosaveInterval {
			b.mu.Unlock()
			return false
		}
	}
	child := b.child
	b.transitionLocked(StateSaving)
	b.mu.Unlock()

	b.sendUnoSaveVia(child, sessionID, false, !force)
	return true
}

// sendUnoSave builds the uno:Save command sent to the
// child, stamping lastSaveRequested and clearing lastFileModifiedOnDisk
// before the frame goes out.
func (b *Broker) sendUnoSave(sessionID string, dontTerminateEdit, dontSaveIfUnmodified bool) {
	b.mu.Lock()
	child := b.child
	b.mu.Unlock()
	b.sendUnoSaveVia(child, sessionID, dontTerminateEdit, dontSaveIfUnmodified)
}

func (b *Broker) sendUnoSaveVia(child ChildHandle, sessionID string, dontTerminateEdit, dontSaveIfUnmodified bool) {
	if child == nil {
		return
	}
	args, err := json.Marshal(map[string]any{
		"DontTerminateEdit":    dontTerminateEdit,
		"DontSaveIfUnmodified": dontSaveIfUnmodified,
	})
	if err != nil {
		b.logger.Error("marshal uno:Save args", logpkg.Err(err))
		return
	}

	b.mu.Lock()
	b.ts.lastSaveRequested = nowFunc()
	b.ts.lastFileModifiedOnDisk = time.Time{}
	b.mu.Unlock()

	frame := fmt.Sprintf("child-%s save %s", sessionID, string(args))
	if err := child.Send(frame); err != nil {
		b.logger.Error("send uno:Save to child", logpkg.Err(err))
	}
}

// saveToStorage is the save-completion path: it is invoked
// once the child reports the uno:Save outcome, reconciles the local
// mtime against what the child actually wrote, uploads to the storage
// binding, and — if a session removal was waiting on this save —
// finishes that removal.
func (b *Broker) saveToStorage(ctx context.Context, sessionID string, success bool, detail string) error {
	b.mu.Lock()
	storage := b.storage
	localPath := b.jailedURI
	deferredRemoval := b.fl.lastEditableSessionLeaving && b.fl.markedToDestroy
	b.mu.Unlock()

	if !success {
		b.logger.Warn("uno:Save reported failure", logpkg.Str("detail", detail))
		b.finishSaveLocked(false)
		if deferredRemoval {
			b.finishRemoveSession(sessionID)
		}
		return fmt.Errorf("broker: uno:Save failed: %s", detail)
	}

	diskInfo, err := os.Stat(localPath)
	if err != nil {
		b.finishSaveLocked(false)
		return fmt.Errorf("broker: stat saved document: %w", err)
	}

	b.mu.Lock()
	unmodifiedSinceLastSave := !diskInfo.ModTime().After(b.ts.lastSaveCompleted) && !b.ts.lastSaveCompleted.IsZero()
	b.mu.Unlock()
	if unmodifiedSinceLastSave {
		b.finishSaveLocked(true)
		if deferredRemoval {
			b.finishRemoveSession(sessionID)
		}
		return nil
	}

	var accessToken string
	b.mu.Lock()
	if s, ok := b.sessions[sessionID]; ok {
		accessToken = s.AccessToken()
	}
	b.mu.Unlock()

	result, uploadErr := storage.Upload(ctx, accessToken, localPath)

	var (
		errorKind    string
		demoteAll    bool
		notifySingle bool
	)

	b.mu.Lock()
	switch result {
	case storagebinding.UploadOK:
		b.ts.lastSaveCompleted = nowFunc()
		b.ts.lastFileModifiedOnDisk = diskInfo.ModTime()
		b.fl.modified = false
		if b.cache != nil {
			b.cache.SetUnsavedChanges(false)
		}
		if freshInfo, err := storage.FetchFileInfo(ctx, accessToken); err == nil {
			b.documentLastModifiedTime = freshInfo.LastModifiedTime
		}
	case storagebinding.UploadDiskFull:
		errorKind = "savediskfull"
		demoteAll = true
		b.logger.Error("storage upload reported disk full")
	case storagebinding.UploadUnauthorized:
		errorKind = "saveunauthorized"
		notifySingle = true
		b.logger.Error("storage upload reported unauthorized")
	default:
		errorKind = "savefailed"
		notifySingle = true
		b.logger.Error("storage upload failed", logpkg.Err(uploadErr))
	}
	sessions := b.snapshotSessionsLocked()
	originating := b.sessions[sessionID]
	b.mu.Unlock()

	if demoteAll {
		for _, s := range sessions {
			s.SetReadOnly(true)
		}
		msg := []byte("error: cmd=storage kind=" + errorKind)
		for _, s := range sessions {
			_ = s.SendText(msg)
		}
	} else if notifySingle && originating != nil {
		_ = originating.SendText([]byte("error: cmd=storage kind=" + errorKind))
	}

	if b.trail != nil {
		_ = b.trail.RecordSave(ctx, uploadResultLabel(result))
	}

	b.finishSaveLocked(result == storagebinding.UploadOK)
	if deferredRemoval {
		b.finishRemoveSession(sessionID)
	}
	return uploadErr
}

func uploadResultLabel(r storagebinding.UploadResult) string {
	switch r {
	case storagebinding.UploadOK:
		return "ok"
	case storagebinding.UploadDiskFull:
		return "diskfull"
	case storagebinding.UploadUnauthorized:
		return "unauthorized"
	default:
		return "failed"
	}
}

func (b *Broker) finishSaveLocked(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sessions) == 0 {
		b.transitionLocked(StateDraining)
		return
	}
	b.transitionLocked(StateActive)
	_ = ok
}
