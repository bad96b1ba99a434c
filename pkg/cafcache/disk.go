// Package cafcache keeps downloaded containers on local disk and caches
// proof lookups with a TTL.
//
// The disk cache is coordinated purely by filename. Concurrent retrievals
// of the same container may race on the file; last writer wins, and the
// bytes are identical when correctly downloaded. Reader validation catches
// the rare corruption case.
package cafcache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caflabs/packd/internal/logger"
)

// DiskCache stores one file per container name under a temp directory.
// There is no size cap; out-of-space surfaces as an I/O error at the next
// download.
type DiskCache struct {
	dir  string
	keep bool
}

// NewDiskCache creates the cache directory if needed. When keep is false,
// containers are deleted after each serve.
func NewDiskCache(dir string, keep bool) (*DiskCache, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &DiskCache{dir: dir, keep: keep}, nil
}

// Dir returns the cache directory.
func (c *DiskCache) Dir() string {
	return c.dir
}

// Path returns the local path for a container name. The name is reduced
// to its base component so a hostile catalog row cannot escape the cache
// directory.
func (c *DiskCache) Path(container string) string {
	return filepath.Join(c.dir, filepath.Base(container))
}

// Has reports whether a non-empty cached copy of the container exists.
func (c *DiskCache) Has(container string) bool {
	info, err := os.Stat(c.Path(container))
	return err == nil && info.Size() > 0
}

// Remove deletes the cached copy, ignoring a missing file.
func (c *DiskCache) Remove(container string) error {
	err := os.Remove(c.Path(container))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cached container: %w", err)
	}
	return nil
}

// Done is called after a container was served. Under the delete policy it
// removes the cached copy; cleanup failure is logged but never propagated.
func (c *DiskCache) Done(container string) {
	if c.keep {
		return
	}
	if err := c.Remove(container); err != nil {
		logger.Warn("failed to clean up served container", logger.KeyContainer, container, "error", err)
	}
}
