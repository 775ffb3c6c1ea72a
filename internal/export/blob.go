// Package export drains the durable queues into newline-delimited JSON
// objects on blob storage, where the downstream warehouse picks them up.
package export

import (
	"context"
	"fmt"
	"io"

	gstorage "cloud.google.com/go/storage"
)

// BlobStore abstracts the object store an export writes to.
type BlobStore interface {
	// PutObject uploads data under path and returns the object's URI.
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Config selects and parameterizes the blob provider.
type Config struct {
	// Provider is one of "noop", "local", "gcs", "s3".
	Provider  string
	Prefix    string
	LocalDir  string
	GCSBucket string
	S3Bucket  string
	S3Region  string
}

// NewBlobStore constructs the configured provider.
func NewBlobStore(ctx context.Context, cfg Config) (BlobStore, error) {
	switch cfg.Provider {
	case "noop", "":
		return NoopStore{}, nil
	case "local":
		return NewLocalStore(cfg.LocalDir)
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		return NewGCSStore(client, cfg.GCSBucket)
	case "s3":
		return NewS3Store(cfg.S3Bucket, cfg.S3Region)
	default:
		return nil, fmt.Errorf("unknown export provider %q", cfg.Provider)
	}
}

// NoopStore discards every object. Useful for dry runs where the durable
// queues are inspected in place.
type NoopStore struct{}

// PutObject does nothing and reports a sink URI.
func (NoopStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, data); err != nil {
		return "", fmt.Errorf("drain object data: %w", err)
	}
	return "noop://" + path, nil
}
