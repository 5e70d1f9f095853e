// Package storagebinding abstracts "where the file lives": a local
// filesystem path or a WOPI HTTP host, behind one Storage capability so
// the broker never runtime-type-tests which kind it holds.
package storagebinding

import (
	"context"
	"time"
)

// FileInfo is the common telemetry a Storage reports about a document,
// regardless of which concrete kind backs it.
type FileInfo struct {
	OwnerID           string
	UserID            string
	UserName          string
	UserCanWrite      bool
	LastModifiedTime  time.Time
	PostMessageOrigin string
	HidePrintOption   bool
	HideSaveOption    bool
	Size              int64
}

// UploadResult reports the outcome of a PutFile/upload call.
type UploadResult int

const (
	UploadOK UploadResult = iota
	UploadDiskFull
	UploadUnauthorized
	UploadFailed
)

// Storage is the abstract capability a document's storage backend
// provides: fetch file info, download to a local path, upload from a
// local path. Concrete
// variants are Local and WOPI.
type Storage interface {
	// FetchFileInfo validates accessToken and returns file metadata.
	FetchFileInfo(ctx context.Context, accessToken string) (FileInfo, error)
	// Download retrieves the document into localPath.
	Download(ctx context.Context, accessToken, localPath string) error
	// Upload pushes localPath's contents back to the binding's location.
	Upload(ctx context.Context, accessToken, localPath string) (UploadResult, error)
	// Kind names the storage variant, for logging only (never for dispatch).
	Kind() string
}

// LoadDuration is reported for WOPI bindings as stats: wopiloadduration.
type LoadDuration interface {
	LastLoadDuration() time.Duration
}
