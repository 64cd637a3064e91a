package objectstore

import (
	"context"
	"io"
	"strings"

	"github.com/buildstore/buildstore/internal/transfer"
)

// HTTPBackend reads objects from a read-only HTTP(S) mirror of a
// binary cache (spec.md §4.3's "HTTP(S) via G" substituter type).
// Writes are rejected: a plain HTTP mirror is someone else's cache.
type HTTPBackend struct {
	BaseURL string
	Pool    *transfer.Pool
	Auth    transfer.Authenticator
}

// NewHTTPBackend returns a Backend reading from baseURL through pool.
func NewHTTPBackend(baseURL string, pool *transfer.Pool, auth transfer.Authenticator) *HTTPBackend {
	return &HTTPBackend{BaseURL: strings.TrimRight(baseURL, "/"), Pool: pool, Auth: auth}
}

func (b *HTTPBackend) url(key string) string {
	return b.BaseURL + "/" + strings.TrimLeft(key, "/")
}

func (b *HTTPBackend) Exists(ctx context.Context, key string) (bool, error) {
	exists, _, err := b.Pool.Head(ctx, b.url(key), b.Auth)
	return exists, err
}

func (b *HTTPBackend) Put(context.Context, string, io.Reader) error {
	return &ErrReadOnly{Backend: "http"}
}

func (b *HTTPBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	body, _, notModified, err := b.Pool.Get(ctx, b.url(key), b.Auth, "")
	if err != nil {
		if terr, ok := err.(*transfer.Error); ok && terr.Class == transfer.ClassNotFound {
			return nil, &ErrNotFound{Key: key}
		}
		return nil, err
	}
	if notModified {
		// An unconditional GET should never come back 304; treat it as
		// an empty body rather than panicking on a nil Reader.
		return io.NopCloser(strings.NewReader("")), nil
	}
	return body, nil
}

func (b *HTTPBackend) GetAsync(ctx context.Context, key string) <-chan Result {
	return GetAsyncViaGet(ctx, b, key)
}

// ErrReadOnly is returned by backends that only support retrieval.
type ErrReadOnly struct {
	Backend string
}

func (e *ErrReadOnly) Error() string { return e.Backend + " backend is read-only" }
