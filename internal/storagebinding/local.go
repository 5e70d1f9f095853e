package storagebinding

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/user"
)

// Local is a Storage backed directly by the host filesystem, used for
// on-disk documents with no WOPI host in front of them.
type Local struct {
	path string
}

// NewLocal builds a Local storage binding rooted at path.
func NewLocal(path string) *Local {
	return &Local{path: path}
}

func (l *Local) Kind() string { return "local" }

func (l *Local) FetchFileInfo(_ context.Context, _ string) (FileInfo, error) {
	fi, err := os.Stat(l.path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("stat %s: %w", l.path, err)
	}
	owner := "local"
	if u, err := user.Current(); err == nil {
		owner = u.Username
	}
	return FileInfo{
		OwnerID:          owner,
		UserID:           owner,
		UserName:         owner,
		UserCanWrite:     true,
		LastModifiedTime: fi.ModTime(),
		Size:             fi.Size(),
	}, nil
}

func (l *Local) Download(_ context.Context, _ string, localPath string) error {
	src, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("open source %s: %w", l.path, err)
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return nil
}

func (l *Local) Upload(_ context.Context, _ string, localPath string) (UploadResult, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return UploadFailed, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	dst, err := os.Create(l.path)
	if err != nil {
		if os.IsPermission(err) {
			return UploadUnauthorized, err
		}
		return UploadFailed, fmt.Errorf("create %s: %w", l.path, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		if pathErr, ok := err.(*os.PathError); ok && pathErr.Err.Error() == "no space left on device" {
			return UploadDiskFull, err
		}
		return UploadFailed, fmt.Errorf("copy: %w", err)
	}
	return UploadOK, nil
}
