// Copyright 2025 TokenGate
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

package gateway

import (
	"sync"
	"time"
)

// cacheTTL bounds staleness of user, group and policy reads. Admin
// writes invalidate locally; other replicas converge within one TTL.
const cacheTTL = 60 * time.Second

// cacheEntry holds a cached value with its expiry
type cacheEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e cacheEntry[T]) expired() bool {
	return time.Now().After(e.expiresAt)
}

// ttlCache is a mutex-guarded map with per-entry TTL
type ttlCache[T any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry[T]
}

func newTTLCache[T any](ttl time.Duration) *ttlCache[T] {
	return &ttlCache[T]{
		ttl:     ttl,
		entries: make(map[string]cacheEntry[T]),
	}
}

// Get returns the cached value if present and fresh
func (c *ttlCache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || entry.expired() {
		if ok {
			delete(c.entries, key)
		}
		var zero T
		return zero, false
	}
	return entry.value, true
}

// Set stores a value with the cache's TTL
func (c *ttlCache[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry[T]{value: value, expiresAt: time.Now().Add(c.ttl)}
}

// Invalidate drops a single key
func (c *ttlCache[T]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Caches holds the three independent per-process memoization maps
type Caches struct {
	Users    *ttlCache[*User]
	Groups   *ttlCache[[]string]
	Policies *ttlCache[*Policy]
}

// NewCaches creates the three caches with the standard TTL
func NewCaches() *Caches {
	return &Caches{
		Users:    newTTLCache[*User](cacheTTL),
		Groups:   newTTLCache[[]string](cacheTTL),
		Policies: newTTLCache[*Policy](cacheTTL),
	}
}
