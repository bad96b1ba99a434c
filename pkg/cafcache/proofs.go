package cafcache

import (
	"sync"
	"time"

	"github.com/caflabs/packd/pkg/blobstore"
)

// Proof cache defaults.
const (
	DefaultProofTTL      = 60 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

// ProofKey identifies one proof lookup.
type ProofKey struct {
	Container string
	FilePath  string
	TaskID    string
}

type proofEntry struct {
	proofs    []blobstore.Proof
	expiresAt time.Time
}

// ProofCache is a TTL cache for blob service proof lookups, shared across
// HTTP requests. A janitor goroutine drops expired entries periodically.
type ProofCache struct {
	mu      sync.Mutex
	entries map[ProofKey]proofEntry
	ttl     time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewProofCache starts a proof cache with the given entry TTL and janitor
// sweep interval. Zero values select the defaults.
func NewProofCache(ttl, sweep time.Duration) *ProofCache {
	if ttl <= 0 {
		ttl = DefaultProofTTL
	}
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}

	c := &ProofCache{
		entries: make(map[ProofKey]proofEntry),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}

	go c.janitor(sweep)
	return c
}

// Get returns the cached proofs for key, if present and not expired.
func (c *ProofCache) Get(key ProofKey) ([]blobstore.Proof, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.proofs, true
}

// Put stores proofs for key with the cache TTL.
func (c *ProofCache) Put(key ProofKey, proofs []blobstore.Proof) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = proofEntry{
		proofs:    proofs,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Len returns the number of live entries, for tests.
func (c *ProofCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the janitor. Safe to call multiple times.
func (c *ProofCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *ProofCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for key, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
