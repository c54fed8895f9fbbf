// Copyright © 2024 OpenIM. All rights reserved.
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

package parser

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/openimsdk/tools/log"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize bounds the number of distinct parsed leaves a Cache
// keeps, the same ballpark the teacher's pkg/localcache/lru uses for its
// own per-process lookup caches.
const DefaultCacheSize = 100_000

// Cache memoizes parsed leaf objects by source value, as spec §4.3
// requires ("the Parser MUST cache parsed leaf objects keyed by the
// source value ... to avoid reparsing identical scalars across many
// records"). It is adapted from the teacher's pkg/localcache/lru.LRU
// interface — same Get-with-fetch shape — generalized here to fold in a
// singleflight.Group so concurrent Sync Engine workers parsing the same
// repeated value (a common taxon name, a shared site code) collapse into
// one parse instead of racing duplicate work.
//
// A Cache is meant to be scoped to one sync run (or shared across a
// worker pool's lifetime) and discarded afterward; it never evicts based
// on TTL, only LRU size, matching the "bounded, may be per-worker"
// guidance in spec §5.
type Cache struct {
	mu    sync.Mutex
	lru   *simplelru.LRU[string, *Leaf]
	group singleflight.Group

	// Stats is optional; nil leaves hit/miss counting off entirely. Set it
	// to an *AtomicStats (the common case) or a *RedisStats when several
	// Sync Engine workers should pool one combined count.
	Stats Stats
}

// NewCache builds a Cache holding at most size entries. size <= 0 uses
// DefaultCacheSize. The returned Cache counts hits and misses in an
// AtomicStats by default; replace Cache.Stats to change that.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	l, _ := simplelru.NewLRU[string, *Leaf](size, nil)
	return &Cache{lru: l, Stats: &AtomicStats{}}
}

// getOrParse returns the cached Leaf for key, computing it with parse
// exactly once even under concurrent callers sharing the same key.
func (c *Cache) getOrParse(key string, parse func() *Leaf) *Leaf {
	c.mu.Lock()
	if v, ok := c.lru.Get(key); ok {
		c.mu.Unlock()
		c.recordHit()
		return v
	}
	c.mu.Unlock()
	c.recordMiss()

	v, _, _ := c.group.Do(key, func() (any, error) {
		leaf := parse()
		c.mu.Lock()
		c.lru.Add(key, leaf)
		c.mu.Unlock()
		return leaf, nil
	})
	return v.(*Leaf)
}

// recordHit/recordMiss run against context.Background(): the parse path
// above is synchronous and carries no context of its own, and a stats
// counter lagging or failing to update is never worth propagating as an
// error out of a cache lookup.
func (c *Cache) recordHit() {
	if c.Stats == nil {
		return
	}
	if err := c.Stats.IncrHit(context.Background()); err != nil {
		log.ZWarn(context.Background(), "parser cache stats incr hit failed", err)
	}
}

func (c *Cache) recordMiss() {
	if c.Stats == nil {
		return
	}
	if err := c.Stats.IncrMiss(context.Background()); err != nil {
		log.ZWarn(context.Background(), "parser cache stats incr miss failed", err)
	}
}

// leafKey derives a cache key from a leaf's kind and value. "Modulo
// container depth" (spec §4.3) just means the key never encodes where in
// the tree the leaf sat — only its kind and content, which is already
// true here since containers never reach this function.
func leafKey(k leafKind, v any) string {
	return fmt.Sprintf("%d:%v", k, v)
}

type leafKind int

const (
	leafBool leafKind = iota
	leafInt
	leafFloat
	leafString
)
