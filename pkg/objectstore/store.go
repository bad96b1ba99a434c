// Package objectstore defines the source-object capability used by the
// packing pipeline: given a logical key, yield a byte stream plus its
// declared length.
//
// Concrete backends live in subpackages; the pipeline never depends on a
// specific provider.
package objectstore

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned when the backend has no object for the key.
var ErrObjectNotFound = errors.New("object not found")

// Store yields source-object streams for the packing pipeline.
type Store interface {
	// OpenStream returns a reader over the object's bytes and the length
	// the backend declares for it. The caller must close the reader and
	// must treat any length disagreement as fatal for the transfer.
	OpenStream(ctx context.Context, key string) (io.ReadCloser, int64, error)
}
