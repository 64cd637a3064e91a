package objectstore

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Backend stores objects in an S3 bucket under an optional key
// prefix, multipart-uploading large NARs via s3manager the way the
// teacher's S3 storage driver does for blobs.
type S3Backend struct {
	bucket   string
	prefix   string
	client   *s3.S3
	uploader *s3manager.Uploader
}

// NewS3Backend constructs a Backend backed by the named bucket/region,
// with keys rooted under prefix.
func NewS3Backend(region, bucket, prefix string) (*S3Backend, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, err
	}
	return &S3Backend{
		bucket:   bucket,
		prefix:   prefix,
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
	}, nil
}

func (b *S3Backend) key(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

func (b *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *S3Backend) Put(ctx context.Context, key string, content io.Reader) error {
	_, err := b.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(key)),
		Body:   content,
	})
	return err
}

func (b *S3Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, &ErrNotFound{Key: key}
		}
		return nil, err
	}
	return out.Body, nil
}

func (b *S3Backend) GetAsync(ctx context.Context, key string) <-chan Result {
	return GetAsyncViaGet(ctx, b, key)
}

func isNotFound(err error) bool {
	aerr, ok := err.(awserr.Error)
	if !ok {
		return false
	}
	return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
}
