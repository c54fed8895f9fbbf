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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAtomicStatsCountsHitsAndMisses(t *testing.T) {
	ctx := context.Background()
	s := &AtomicStats{}

	require.NoError(t, s.IncrMiss(ctx))
	require.NoError(t, s.IncrHit(ctx))
	require.NoError(t, s.IncrHit(ctx))

	hits, misses, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), hits)
	require.Equal(t, int64(1), misses)
}

func TestCacheRecordsHitAfterRepeatedLookup(t *testing.T) {
	c := NewCache(0)

	build := func() *Leaf { return &Leaf{} }
	first := c.getOrParse("k", build)
	second := c.getOrParse("k", build)
	require.Same(t, first, second)

	stats := c.Stats.(*AtomicStats)
	hits, misses, err := stats.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), hits)
	require.Equal(t, int64(1), misses)
}
