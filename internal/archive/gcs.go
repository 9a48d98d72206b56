package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCS archives artifacts in a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS creates a GCS archive and verifies the bucket is reachable, so
// misconfiguration fails at startup rather than on the first job.
func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		closeErr := client.Close()
		if closeErr != nil {
			return nil, fmt.Errorf("check bucket %q: %w (close client: %v)", bucket, err, closeErr)
		}
		return nil, fmt.Errorf("check bucket %q: %w", bucket, err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

// Save uploads the artifact to the configured bucket.
func (g *GCS) Save(ctx context.Context, objectName string, data []byte, contentType string) error {
	if objectName == "" {
		return fmt.Errorf("object name is required")
	}
	writer := g.client.Bucket(g.bucket).Object(objectName).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Close releases the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}
