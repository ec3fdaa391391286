package resultstore

import (
	"context"

	"github.com/rotisserie/eris"
)

// ErrObjectNotFound is returned by an ObjectStore for a missing key.
var ErrObjectNotFound = eris.New("object not found")

// ObjectStore is the remote backend: a flat key space with slash-separated
// keys.
type ObjectStore interface {
	// Put writes body under key, replacing any previous object.
	Put(ctx context.Context, key string, body []byte, contentType string) error
	// Get reads key, returning ErrObjectNotFound when it does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the names of the immediate children of prefix: object
	// names and sub-prefix names, without the prefix and trailing slash.
	List(ctx context.Context, prefix string) ([]string, error)
	// EnsureBucket creates the backing bucket when it does not exist.
	EnsureBucket(ctx context.Context) error
	// URL renders key as a location string for status records.
	URL(key string) string
}
