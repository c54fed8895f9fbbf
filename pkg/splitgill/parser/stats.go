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
	"sync/atomic"

	"github.com/openimsdk/tools/errs"
	"github.com/redis/go-redis/v9"
)

// Stats records a Cache's hit/miss counts. A Cache defaults to an
// in-process AtomicStats; a caller running many Cache instances across a
// fleet of Sync Engine workers can supply a RedisStats instead to pool
// one combined count rather than many disjoint per-process ones.
type Stats interface {
	IncrHit(ctx context.Context) error
	IncrMiss(ctx context.Context) error
	// Snapshot returns the current hit and miss totals.
	Snapshot(ctx context.Context) (hits, misses int64, err error)
}

// AtomicStats is the zero-dependency default Stats: two process-local
// counters. Safe for concurrent use.
type AtomicStats struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (s *AtomicStats) IncrHit(ctx context.Context) error {
	s.hits.Add(1)
	return nil
}

func (s *AtomicStats) IncrMiss(ctx context.Context) error {
	s.misses.Add(1)
	return nil
}

func (s *AtomicStats) Snapshot(ctx context.Context) (int64, int64, error) {
	return s.hits.Load(), s.misses.Load(), nil
}

// RedisStats pools hit/miss counts for every Cache sharing the same name
// in one redis.UniversalClient, using INCR the way the teacher's
// pkg/common/storage/cache/redis package uses simple counter keys for
// shared, cross-process state rather than per-process memory.
type RedisStats struct {
	Client redis.UniversalClient
	Name   string
}

func (s *RedisStats) hitKey() string  { return "sg-parser-cache:" + s.Name + ":hits" }
func (s *RedisStats) missKey() string { return "sg-parser-cache:" + s.Name + ":misses" }

func (s *RedisStats) IncrHit(ctx context.Context) error {
	if err := s.Client.Incr(ctx, s.hitKey()).Err(); err != nil {
		return errs.WrapMsg(err, "parser: redis stats incr hit failed", "name", s.Name)
	}
	return nil
}

func (s *RedisStats) IncrMiss(ctx context.Context) error {
	if err := s.Client.Incr(ctx, s.missKey()).Err(); err != nil {
		return errs.WrapMsg(err, "parser: redis stats incr miss failed", "name", s.Name)
	}
	return nil
}

func (s *RedisStats) Snapshot(ctx context.Context) (int64, int64, error) {
	hits, err := s.Client.Get(ctx, s.hitKey()).Int64()
	if err != nil && err != redis.Nil {
		return 0, 0, errs.WrapMsg(err, "parser: redis stats read hits failed", "name", s.Name)
	}
	misses, err := s.Client.Get(ctx, s.missKey()).Int64()
	if err != nil && err != redis.Nil {
		return 0, 0, errs.WrapMsg(err, "parser: redis stats read misses failed", "name", s.Name)
	}
	return hits, misses, nil
}
