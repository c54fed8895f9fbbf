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

package search

import (
	"context"

	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/index"
)

// IndexSettings is the pair of dynamic settings the Sync Engine tunes on
// target indices for the duration of a sync (spec §4.6 step 4) and
// restores afterwards (step 7).
type IndexSettings struct {
	// RefreshInterval is an Elasticsearch/OpenSearch-style duration string
	// ("1s", "30s"); "-1" disables background refresh entirely.
	RefreshInterval string
	Replicas        int
}

// BulkFailure records one operation that a Bulk call could not apply.
type BulkFailure struct {
	// Op is "index" or "delete", naming which half of a BulkOp failed.
	Op string
	// Reason is a short, engine-supplied classification ("mapping
	// conflict", "version conflict", ...) used to key FailedByReason
	// counters; it is not the raw engine error string.
	Reason string
	// Permanent marks failures Bulk's caller should count and move past
	// rather than retry (a 400-class mapping rejection, for instance).
	Permanent bool
}

// BulkResult reports the outcome of one Bulk call.
type BulkResult struct {
	Indexed int
	Deleted int
	Failed  []BulkFailure
}

// Engine is the search-engine contract the Sync Engine is driven
// through (spec §4.6, §6). Splitgill never talks to a concrete search
// engine itself (spec §1 non-goals); callers supply an Engine backed by
// whatever client they use.
type Engine interface {
	// EnsureTemplate makes sure an index template covering every name in
	// names exists (matching the glob data-{db}-*, spec §4.4) and that
	// each named index has been created.
	EnsureTemplate(ctx context.Context, db string, names []string) error
	// DeleteByQuery removes every document in idx matching query,
	// returning the number deleted. Used by resync to clear arc indices
	// before a full rebuild.
	DeleteByQuery(ctx context.Context, idx string, query Query) (int, error)
	// Bulk submits ops (a mix of deletes and upserts) in one request and
	// reports what happened. A non-nil error means the whole request
	// could not be submitted (a transient connection failure, typically
	// wrapping svcerrs.ErrSearchUnavailable); partial per-document
	// failures are reported in BulkResult.Failed instead.
	Bulk(ctx context.Context, ops []index.BulkOp) (BulkResult, error)
	// SetIndexSettings applies settings to idx.
	SetIndexSettings(ctx context.Context, idx string, settings IndexSettings) error
	// Refresh makes every document written so far to the named indices
	// visible to search.
	Refresh(ctx context.Context, idx ...string) error
}
