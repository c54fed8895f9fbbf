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

// Package index maps (database, record, version) to a search-engine
// index name (spec §4.4) and generates the bulk operations a sync must
// issue to keep that index in sync with a record's diff chain (spec
// §4.5).
package index

import (
	"fmt"
)

// DefaultArcCount is the compile-time constant spec §4.4 calls ARC_COUNT.
const DefaultArcCount = 5

// Resolver maps a record version to its target index name.
type Resolver struct {
	// ArcCount is the number of archive shards. Zero means
	// DefaultArcCount.
	ArcCount int
}

func (r *Resolver) arcCount() int {
	if r.ArcCount <= 0 {
		return DefaultArcCount
	}
	return r.ArcCount
}

// LatestIndexName returns the latest index for db ("data-{db}-latest").
func LatestIndexName(db string) string {
	return fmt.Sprintf("data-%s-latest", db)
}

// ArcIndexName returns the archive index name for shard n.
func ArcIndexName(db string, n int) string {
	return fmt.Sprintf("data-%s-arc-%03d", db, n)
}

// TemplatePattern is the index-template glob covering every index for db.
func TemplatePattern(db string) string {
	return fmt.Sprintf("data-%s-*", db)
}

// ArcShard hashes recordID onto [0, arcCount) by summing the byte values
// of the id, per spec §4.4.
func (r *Resolver) ArcShard(recordID string) int {
	var sum int
	for _, b := range []byte(recordID) {
		sum += int(b)
	}
	return sum % r.arcCount()
}

// TargetIndex returns the index that should hold the search document for
// (recordID, version), given the record's current committed version.
// version == currentVersion (the record's newest state) targets latest;
// anything else targets its arc shard.
func (r *Resolver) TargetIndex(db, recordID string, version, currentVersion int64) string {
	if version == currentVersion {
		return LatestIndexName(db)
	}
	return ArcIndexName(db, r.ArcShard(recordID))
}

// IndexNames returns every index name a database's template can produce:
// latest plus each arc shard.
func (r *Resolver) IndexNames(db string) []string {
	names := make([]string, 0, r.arcCount()+1)
	names = append(names, LatestIndexName(db))
	for i := 0; i < r.arcCount(); i++ {
		names = append(names, ArcIndexName(db, i))
	}
	return names
}
