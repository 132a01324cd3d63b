// Copyright 2024 AgentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"strings"
	"sync"
	"time"

	"agentfs/internal/common"
)

// AttrCache caches file/directory attributes with TTL-based expiration.
// A negative entry records that a path did not exist; it uses its own TTL
// and is disabled when that TTL is zero.
//
// Thread-safe: Uses RWMutex for concurrent access.
type AttrCache struct {
	mu          sync.RWMutex
	entries     map[string]*attrEntry
	ttl         time.Duration
	negativeTTL time.Duration
	maxSize     int
	now         func() time.Time
}

type attrEntry struct {
	attrs   common.Attributes
	missing bool
	expires time.Time
}

// NewAttrCache creates a new attribute cache.
// ttl: Time-to-live for positive entries (0 disables positive caching)
// negativeTTL: Time-to-live for missing-path entries (0 disables them)
// maxSize: Maximum number of entries (use 0 for unlimited)
func NewAttrCache(ttl, negativeTTL time.Duration, maxSize int) *AttrCache {
	return &AttrCache{
		entries:     make(map[string]*attrEntry, 256),
		ttl:         ttl,
		negativeTTL: negativeTTL,
		maxSize:     maxSize,
		now:         time.Now,
	}
}

// Get retrieves cached attributes for a path. found is false on a miss;
// missing is true when the cache remembers that the path does not exist.
func (c *AttrCache) Get(path string) (attrs common.Attributes, missing, found bool) {
	if Disabled {
		return common.Attributes{}, false, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[path]
	if !ok || c.now().After(entry.expires) {
		return common.Attributes{}, false, false
	}
	return entry.attrs, entry.missing, true
}

// Set stores attributes for a path.
func (c *AttrCache) Set(path string, attrs common.Attributes) {
	c.put(path, &attrEntry{attrs: attrs}, c.ttl)
}

// SetMissing records that path does not exist.
func (c *AttrCache) SetMissing(path string) {
	c.put(path, &attrEntry{missing: true}, c.negativeTTL)
}

func (c *AttrCache) put(path string, entry *attrEntry, ttl time.Duration) {
	if Disabled || ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		if _, exists := c.entries[path]; !exists {
			c.evictExpiredLocked()
			if len(c.entries) >= c.maxSize {
				return
			}
		}
	}

	entry.expires = c.now().Add(ttl)
	c.entries[path] = entry
}

func (c *AttrCache) evictExpiredLocked() {
	now := c.now()
	for path, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, path)
		}
	}
}

// Invalidate clears all entries from the cache.
func (c *AttrCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) > 0 {
		c.entries = make(map[string]*attrEntry, 256)
	}
}

// InvalidatePath removes a specific path from the cache.
func (c *AttrCache) InvalidatePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, path)
}

// InvalidatePrefix removes all paths with the given prefix.
// Useful for invalidating all entries under a directory.
func (c *AttrCache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, prefix)
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	for path := range c.entries {
		if strings.HasPrefix(path, prefix) || prefix == "/" {
			delete(c.entries, path)
		}
	}
}

// Size returns the current number of entries in the cache.
func (c *AttrCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// AttrCacheStats describes the cache configuration and occupancy.
type AttrCacheStats struct {
	Size        int
	MaxSize     int
	TTL         time.Duration
	NegativeTTL time.Duration
}

// Stats returns current cache statistics.
func (c *AttrCache) Stats() AttrCacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return AttrCacheStats{
		Size:        len(c.entries),
		MaxSize:     c.maxSize,
		TTL:         c.ttl,
		NegativeTTL: c.negativeTTL,
	}
}
