package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// LocalBackend stores objects as plain files under Root, writing
// through a temp-file-then-atomic-rename sequence so a reader never
// observes a partially-written object — the same pattern the
// filesystem storage driver uses for PutContent
// (registry/storage/driver/filesystem/driver.go).
type LocalBackend struct {
	Root string
}

// NewLocalBackend returns a Backend rooted at dir, creating it if
// necessary.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &LocalBackend{Root: dir}, nil
}

func (b *LocalBackend) path(key string) string {
	return filepath.Join(b.Root, filepath.FromSlash(key))
}

func (b *LocalBackend) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(b.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (b *LocalBackend) Put(_ context.Context, key string, content io.Reader) error {
	dest := b.path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.%s.tmp", dest, uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (b *LocalBackend) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(b.path(key))
	if os.IsNotExist(err) {
		return nil, &ErrNotFound{Key: key}
	}
	return f, err
}

func (b *LocalBackend) GetAsync(ctx context.Context, key string) <-chan Result {
	return GetAsyncViaGet(ctx, b, key)
}
