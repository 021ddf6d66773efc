// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"
	"sync"

	"github.com/gomlx/tensorexpr/counters"
	"github.com/gomlx/tensorexpr/pkg/support/xsync"
	"github.com/pkg/errors"
)

// CacheKey identifies a compiled kernel.
type CacheKey struct {
	// Signature of the ir.Program.
	Signature string

	// RankPattern of the shapes.IterationSpace.
	RankPattern string

	Kind Kind
}

// String implements fmt.Stringer.
func (k CacheKey) String() string {
	return fmt.Sprintf("%s/%s/%d-bytes-signature", k.Kind, k.RankPattern, len(k.Signature))
}

type compiled struct {
	exec Executable
	err  error
}

// Cache of compiled kernels. It's safe for concurrent use: for each key the compilation happens only once,
// and concurrent callers for the same key wait for it to finish. Failed compilations are cached as well.
type Cache struct {
	mu      sync.Mutex
	entries map[CacheKey]*xsync.LatchWithValue[compiled]
	order   []CacheKey
	maxSize int
}

// NewCache returns a cache holding at most maxSize entries: once full, the oldest entries are dropped.
// If maxSize <= 0 it is unbounded.
func NewCache(maxSize int) *Cache {
	return &Cache{
		entries: make(map[CacheKey]*xsync.LatchWithValue[compiled]),
		maxSize: maxSize,
	}
}

// SetMaxSize changes the maximum number of entries, dropping the oldest entries if needed.
func (c *Cache) SetMaxSize(maxSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSize = maxSize
	c.lockedEvict()
}

// Len returns the number of entries in the cache.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) lockedEvict() {
	if c.maxSize <= 0 {
		return
	}
	for len(c.order) > c.maxSize {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
}

// GetOrCompile returns the executable for the key, calling compile if the key is not in the cache yet.
// It returns whether the executable was found in the cache.
func (c *Cache) GetOrCompile(key CacheKey, compile func() (Executable, error)) (exec Executable, hit bool, err error) {
	c.mu.Lock()
	entry, found := c.entries[key]
	if found {
		c.mu.Unlock()
		counters.KernelCacheHits.Inc()
		result := entry.Wait()
		return result.exec, true, result.err
	}
	entry = xsync.NewLatchWithValue[compiled]()
	c.entries[key] = entry
	c.order = append(c.order, key)
	c.lockedEvict()
	c.mu.Unlock()

	counters.KernelCacheMisses.Inc()
	var result compiled
	func() {
		defer func() {
			if r := recover(); r != nil {
				result = compiled{err: errors.Errorf("compiling kernel %s panicked: %v", key, r)}
			}
		}()
		result.exec, result.err = compile()
	}()
	entry.Trigger(result)
	return result.exec, false, result.err
}
