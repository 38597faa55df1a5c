package persist

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/you/lampbot/internal/core"
)

// BlobStore keeps a single encoded snapshot. Load returns an error
// wrapping core.ErrNotFound when nothing has been stored yet.
type BlobStore interface {
	Name() string
	Load(ctx context.Context) ([]byte, error)
	Store(ctx context.Context, data []byte) error
}

// FileStore is the local fallback. Writes go through a temp file and a
// rename so a crash never leaves a half-written snapshot.
type FileStore struct {
	Path string
}

func (f *FileStore) Name() string { return "file" }

func (f *FileStore) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, errors.Wrap(core.ErrNotFound, f.Path)
	}
	if err != nil {
		return nil, errors.Wrap(err, "read snapshot file")
	}
	return data, nil
}

func (f *FileStore) Store(ctx context.Context, data []byte) error {
	return errors.Wrap(atomicWrite(f.Path, data, 0o600), "write snapshot file")
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil && !os.IsExist(err) {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Chmod(path, mode)
}
