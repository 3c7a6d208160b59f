//go:build gcp

package eventlog

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSArchiver uploads snapshots to a Google Cloud Storage bucket.
type GCSArchiver struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSArchiver creates an archiver using application default credentials.
func NewGCSArchiver(ctx context.Context, bucket, prefix string) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: bucket, prefix: prefix}, nil
}

func (a *GCSArchiver) Archive(ctx context.Context, name string, data []byte) error {
	w := a.client.Bucket(a.bucket).Object(a.prefix + name).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed: %w", err)
	}
	return nil
}

// Close releases the client.
func (a *GCSArchiver) Close() error { return a.client.Close() }
