// Package objectstore implements the narrow object-storage interface
// component F's backends are built against (spec.md §4.3): existence
// checks, content upsert, synchronous and asynchronous retrieval.
//
// Grounded on the teacher's storagedriver.StorageDriver interface
// (storagedriver/storagedriver.go): this trims that eight-method
// key/value surface (GetContent/PutContent/ReadStream/WriteStream/
// Stat/List/Move/Delete) down to the four operations a binary cache
// actually needs, since narinfo/NAR objects are write-once and never
// listed or moved.
package objectstore

import (
	"context"
	"fmt"
	"io"
)

// ErrNotFound is returned by Get when key does not exist.
type ErrNotFound struct {
	Key string
}

func (e *ErrNotFound) Error() string { return fmt.Sprintf("object not found: %s", e.Key) }

// Backend is the storage surface a binary-cache substituter or
// publisher is built against. Implementations: local directory
// (atomic rename), HTTP(S) (read-only mirror), S3, Azure Blob, GCS,
// IPFS.
type Backend interface {
	// Exists reports whether key is present, without transferring its
	// content.
	Exists(ctx context.Context, key string) (bool, error)

	// Put uploads content under key, replacing any prior content
	// (spec.md's binary-cache writers are last-writer-wins).
	Put(ctx context.Context, key string, content io.Reader) error

	// Get retrieves the content stored at key synchronously.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// GetAsync starts a retrieval of key and returns a channel that
	// receives exactly one Result once the transfer completes (or
	// fails), letting a substituter kick off several candidate fetches
	// concurrently without blocking the goal engine (spec.md §5's
	// scheduling model: goals suspend only in well-defined places).
	GetAsync(ctx context.Context, key string) <-chan Result
}

// Result is what GetAsync delivers.
type Result struct {
	Body io.ReadCloser
	Err  error
}

// GetAsyncViaGet is a helper backend implementations call from their
// GetAsync method, running Get in a goroutine and delivering its
// outcome on a buffered channel of size 1 so the sender never blocks
// even if the caller stops listening.
func GetAsyncViaGet(ctx context.Context, b Backend, key string) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		body, err := b.Get(ctx, key)
		ch <- Result{Body: body, Err: err}
	}()
	return ch
}
