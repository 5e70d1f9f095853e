package broker

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/rzbill/inkbroker/internal/session"
	"github.com/rzbill/inkbroker/internal/storagebinding"
	"github.com/rzbill/inkbroker/internal/tilecache"
	logpkg "github.com/rzbill/inkbroker/pkg/log"
)

// jailRoot is the process-wide root directory under which per-document
// jail directories are created. Configured once at
// startup by the runtime wiring layer.
var jailRoot = "./data/jails"

// SetJailRoot configures the root directory under which per-document
// jail directories are created.
func SetJailRoot(root string) { jailRoot = root }

// ensureStorageLocked returns the broker's storage binding, building it
// via newStorage on first use.
func (b *Broker) ensureStorageLocked(publicURI string) (storagebinding.Storage, error) {
	b.mu.Lock()
	existing := b.storage
	b.mu.Unlock()
	if existing != nil {
		return existing, nil
	}
	return b.newStorage(publicURI)
}

// Load is idempotent per broker: the first call
// downloads the file and constructs the tile cache; later calls for
// additional sessions on an already-loaded broker still validate that
// session's own token but skip the download.
func (b *Broker) Load(ctx context.Context, s *session.Session, docpass bool) error {
	storage, err := b.ensureStorageLocked(s.PublicURI())
	if err != nil {
		return fmt.Errorf("broker: build storage binding: %w", err)
	}

	if b.tokenLedger != nil {
		alreadyUsed, err := b.tokenLedger.Claim(s.AccessToken(), docpass)
		if err != nil {
			return fmt.Errorf("broker: claim access token: %w", err)
		}
		if alreadyUsed {
			return fmt.Errorf("broker: access token already used")
		}
	}

	info, err := storage.FetchFileInfo(ctx, s.AccessToken())
	if err != nil {
		return fmt.Errorf("broker: fetch file info: %w", err)
	}

	b.mu.Lock()
	alreadyLoaded := b.fl.loaded
	if alreadyLoaded && !info.LastModifiedTime.IsZero() && !b.documentLastModifiedTime.IsZero() &&
		!info.LastModifiedTime.Equal(b.documentLastModifiedTime) {
		b.fl.storageDrifted = true
		b.logger.Warn("storage mtime drifted since broker recorded it",
			logpkg.Str("recorded", b.documentLastModifiedTime.String()),
			logpkg.Str("reported", info.LastModifiedTime.String()))
	}
	b.mu.Unlock()

	s.SetReadOnly(!info.UserCanWrite)

	if alreadyLoaded {
		return nil
	}

	jailID := ulid.Make().String()
	jailDir := jailFilePath(jailRoot, jailID)
	if err := os.MkdirAll(jailDir, 0o755); err != nil {
		return fmt.Errorf("broker: create jail dir: %w", err)
	}

	filename := filenameFromURI(s.PublicURI())
	localPath := jailDir + "/" + sanitizeFilename(filename)

	if err := storage.Download(ctx, s.AccessToken(), localPath); err != nil {
		return fmt.Errorf("broker: download document: %w", err)
	}

	if sha1Hex, err := sha1File(localPath); err == nil && b.trail != nil {
		_ = b.trail.RecordDownload(ctx, sha1Hex)
	}

	b.mu.Lock()
	b.jailedURI = localPath
	b.filename = filename
	b.storage = storage
	b.fl.loaded = true
	b.documentLastModifiedTime = info.LastModifiedTime
	b.cache = tilecache.New(tilecache.CachePath(b.cfg.TileCacheRoot, s.PublicURI()), b.cfg.TileCachePersistent)
	b.transitionLocked(StateActive)
	b.mu.Unlock()

	if b.trail != nil {
		_ = b.trail.RecordLifecycle(ctx, StateActive.String())
	}
	return nil
}

func filenameFromURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "document"
	}
	parts := strings.Split(u.Path, "/")
	if len(parts) == 0 {
		return "document"
	}
	return parts[len(parts)-1]
}

// sanitizeFilename percent-encodes '#' and '%' to work around LOK
// filename constraints in the jail directory.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "%", "%25")
	name = strings.ReplaceAll(name, "#", "%23")
	return name
}

func jailFilePath(root, jailID string) string {
	return root + "/" + jailID + "/user/doc/" + jailID
}

func sha1File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
