package objectstore

import (
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"
)

// GCSBackend stores objects in a Google Cloud Storage bucket under an
// optional key prefix, mirroring the teacher's GCS storage driver's
// bucket-scoped object naming.
type GCSBackend struct {
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSBackend constructs a Backend backed by the named bucket, with
// keys rooted under prefix. Credentials are resolved the way the
// underlying client library always does — ADC, a service account key
// file via GOOGLE_APPLICATION_CREDENTIALS, or workload identity — so
// this layer carries no credential-file parsing of its own.
func NewGCSBackend(ctx context.Context, bucket, prefix string) (*GCSBackend, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSBackend{bucket: client.Bucket(bucket), prefix: prefix}, nil
}

func (b *GCSBackend) key(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

func (b *GCSBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.bucket.Object(b.key(key)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Put streams content to the object, mirroring the teacher driver's
// Writer/Close pair: the upload only becomes visible on a successful
// Close, so a reader never observes a partially-written object.
func (b *GCSBackend) Put(ctx context.Context, key string, content io.Reader) error {
	w := b.bucket.Object(b.key(key)).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := io.Copy(w, content); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (b *GCSBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := b.bucket.Object(b.key(key)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, &ErrNotFound{Key: key}
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (b *GCSBackend) GetAsync(ctx context.Context, key string) <-chan Result {
	return GetAsyncViaGet(ctx, b, key)
}
