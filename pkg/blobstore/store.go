// Package blobstore defines the remote blob service that stores finalized
// containers, plus an HTTP client implementation.
//
// The pipeline ships every finalized container here; retrieval downloads
// containers back on cache misses. Proof tokens returned by the service
// are opaque to packd and passed through to clients for downstream
// verification.
package blobstore

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned when the service has no container by that name.
	ErrNotFound = errors.New("container not found in blob service")

	// ErrEmptyDownload is returned when a downloaded container has zero bytes.
	ErrEmptyDownload = errors.New("downloaded container is empty")
)

// Proof is an opaque proof token issued by the blob service.
type Proof = json.RawMessage

// Store is the remote blob service capability set.
//
// All operations may fail transiently; callers treat failures as
// retryable I/O.
type Store interface {
	// PutContainer uploads the file at localPath under the worker's home
	// as logical name.
	PutContainer(ctx context.Context, name, localPath string) error

	// GetContainer downloads the named container into localPath and
	// verifies it is non-empty.
	GetContainer(ctx context.Context, name, localPath string) error

	// GetProofs returns the service's proof tokens for the named container.
	GetProofs(ctx context.Context, name string) ([]Proof, error)
}
