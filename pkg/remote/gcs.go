package remote

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCS is a Store backed by the native Google Cloud Storage client. A GCS
// object only becomes visible once its writer is closed successfully, so the
// commit-on-completion invariant holds without extra bookkeeping.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS creates a GCS-backed store. credentialsPath may point at a service
// account key file; if empty, ambient credentials are used.
func NewGCS(ctx context.Context, bucket, credentialsPath string) (*GCS, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}

// List returns every object in the bucket.
func (g *GCS) List(ctx context.Context) ([]Object, error) {
	var objects []Object
	it := g.client.Bucket(g.bucket).Objects(ctx, nil)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list bucket %s: %w", g.bucket, err)
		}
		objects = append(objects, Object{Name: attrs.Name, Size: attrs.Size})
	}
	return objects, nil
}

// Upload streams src into the object. The name is finalized by Close; an
// aborted copy leaves nothing visible.
func (g *GCS) Upload(ctx context.Context, name string, src io.Reader) error {
	w := g.client.Bucket(g.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/octet-stream"

	if _, err := io.Copy(w, src); err != nil {
		// The writer is never closed here; the object must not be committed
		// after a failed copy.
		return fmt.Errorf("failed to stream to gs://%s/%s: %w", g.bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize gs://%s/%s: %w", g.bucket, name, err)
	}
	return nil
}

// Download opens a reader for the object.
func (g *GCS) Download(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := g.client.Bucket(g.bucket).Object(name).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open gs://%s/%s: %w", g.bucket, name, err)
	}
	return r, nil
}
