// Package files stores email attachments and digest artifacts. The S3 backend
// is the production store; the local backend serves development and tests.
package files

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound indicates no object exists under the key.
var ErrNotFound = errors.New("file not found")

// Info describes a stored object.
type Info struct {
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type,omitempty"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// Store is a flat key/object store.
type Store interface {
	// Put stores the object under key, replacing any existing object.
	Put(ctx context.Context, key, contentType string, r io.Reader) (*Info, error)

	// Get opens the object for reading. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, *Info, error)

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns objects whose keys start with prefix.
	List(ctx context.Context, prefix string) ([]Info, error)
}
