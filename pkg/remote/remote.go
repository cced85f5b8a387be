// Package remote abstracts the remote object store that receives backup
// artifacts. Two backends exist: an rclone subprocess (any rclone remote) and
// a native Google Cloud Storage client.
//
// Both backends share one critical property: an uploaded object becomes
// visible under its final name only after the entire byte stream has been
// accepted. A crashed upload therefore never leaves a listable half-artifact.
package remote

import (
	"context"
	"fmt"
	"io"
)

// Object is one remote artifact as returned by a listing.
type Object struct {
	Name string
	// Size is advisory; backends that cannot cheaply report it return 0.
	Size int64
}

// Store is the remote transfer collaborator.
type Store interface {
	// List returns every object in the configured bucket/path.
	List(ctx context.Context) ([]Object, error)
	// Upload streams r into an object. The name must only become visible on
	// successful completion.
	Upload(ctx context.Context, name string, r io.Reader) error
	// Download opens a streaming reader for an object. The caller must Close
	// it; Close reports any transfer error that EOF alone would hide.
	Download(ctx context.Context, name string) (io.ReadCloser, error)
}

// GCSRemoteName selects the native Google Cloud Storage backend.
const GCSRemoteName = "gcs"

// NewStore builds the backend selected by the `remote` config value:
// "gcs" yields the native GCS client, anything else is treated as an rclone
// remote name. configPath points at credentials (an rclone config file or a
// service account key); empty means ambient/default credentials.
func NewStore(ctx context.Context, remoteName, bucket, configPath string) (Store, error) {
	if remoteName == "" {
		return nil, fmt.Errorf("remote name must not be empty")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket name must not be empty")
	}
	if remoteName == GCSRemoteName {
		return NewGCS(ctx, bucket, configPath)
	}
	return NewRclone(remoteName, bucket, configPath), nil
}
