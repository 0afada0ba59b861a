// Package blob stores generated artifact payloads (images, sprites, long
// text) outside the run state; results carry content refs into this store.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a content ref resolves to nothing.
var ErrNotFound = errors.New("blob not found")

// Store persists artifact payloads addressed by run id and path.
type Store interface {
	Put(ctx context.Context, runID, path string, content []byte) error
	Get(ctx context.Context, runID, path string) ([]byte, error)
	GetURL(ctx context.Context, runID, path string) (string, error)
	List(ctx context.Context, runID string) ([]string, error)
}
