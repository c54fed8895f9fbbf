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

package index

import (
	"context"
	"iter"
	"sort"
	"strconv"

	"github.com/openimsdk/tools/errs"

	"github.com/NaturalHistoryMuseum/splitgill/internal/svcerrs"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/diff"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/parser"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/tree"
)

// SearchDocument is the shape a sync writes into a search-engine index:
// the record's data at one version, its parsed projection, and enough
// bookkeeping (Next, DataTypes, ParsedTypes) to reconstruct and query it
// without consulting the document store.
type SearchDocument struct {
	ID          string
	RecordID    string
	Version     int64
	Next        *int64
	Data        map[string]parser.Node
	DataTypes   []string
	ParsedTypes []string
}

// BulkOp is one operation an Indexer wants a sync to submit to the search
// engine: either a delete of (Index, DocID), or an upsert carrying Doc.
// RecordID is set on every op (delete or upsert) so a sync's worker pool
// can shard/order work by record without inspecting Doc, which is nil for
// deletes.
type BulkOp struct {
	Delete   bool
	Index    string
	DocID    string
	RecordID string
	Doc      *SearchDocument
}

// SearchDocID formats the deterministic search document id for a record
// version: "{record_id}:{version}".
func SearchDocID(recordID string, version int64) string {
	return recordID + ":" + tree.VersionKey(version)
}

// Indexer replays a record's diff chain and turns it into the bulk
// operations a sync must submit to keep the search engine's latest/arc
// indices consistent with the document store (spec §4.5).
type Indexer struct {
	Resolver *Resolver
	Options  parser.Options
	Cache    *parser.Cache
}

type recordState struct {
	version int64
	data    map[string]tree.Tree
}

// reconstructStates replays rec's diff chain backward from its current
// Data, returning every checkpoint state in ascending version order. The
// newest entry is always (rec.Version, rec.Data) itself.
func reconstructStates(rec tree.StoredRecord) ([]recordState, error) {
	keys := make([]int64, 0, len(rec.Diffs))
	for k := range rec.Diffs {
		v, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, errs.WrapMsg(svcerrs.ErrValidation, "index: malformed diff version key", "key", k)
		}
		keys = append(keys, v)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] > keys[j] })

	states := make([]recordState, 0, len(keys)+1)
	states = append(states, recordState{version: rec.Version, data: rec.Data})

	cur := tree.Clone(rec.Data)
	for _, k := range keys {
		raw := rec.Diffs[tree.VersionKey(k)]
		next, err := diff.Apply(cur, diff.FromRaw(raw))
		if err != nil {
			return nil, errs.WrapMsg(err, "index: replaying diff chain", "record", rec.ID, "version", k)
		}
		m, ok := next.(map[string]tree.Tree)
		if !ok {
			return nil, errs.WrapMsg(svcerrs.ErrValidation, "index: reconstructed state is not a map", "record", rec.ID, "version", k)
		}
		states = append(states, recordState{version: k, data: m})
		cur = m
	}

	sort.Slice(states, func(i, j int) bool { return states[i].version < states[j].version })
	return states, nil
}

// GenerateOps yields the bulk operations needed to bring the search
// engine's view of rec up to date for the half-open version window
// (since, until].
//
// For every state it touches it emits a pair of deletes (latest index,
// then rec's arc index) ahead of that state's upsert — this is what makes the
// "record transitions from current to historical" case (spec §4.5 step 3)
// fall out for free: the state that used to be latest is always deleted
// from latest even when its own version predates since, because it is
// included specifically to handle that transition (see below), and the
// delete targets both indices unconditionally rather than guessing which
// one currently holds it.
//
// Besides every state with since < version <= until, GenerateOps also
// re-emits the single checkpoint immediately preceding the first new
// version in that window: that was the previously-latest state, and
// unless this is the record's very first commit, it must move from
// latest into its arc index now that a newer state exists.
func (ix *Indexer) GenerateOps(ctx context.Context, db string, rec tree.StoredRecord, since, until int64) iter.Seq2[BulkOp, error] {
	return func(yield func(BulkOp, error) bool) {
		states, err := reconstructStates(rec)
		if err != nil {
			yield(BulkOp{}, err)
			return
		}

		firstNew := sort.Search(len(states), func(i int) bool { return states[i].version > since })
		if firstNew == len(states) {
			// Nothing in this record changed within the window.
			return
		}
		emitFrom := firstNew
		if firstNew > 0 {
			emitFrom = firstNew - 1
		}

		latest := LatestIndexName(db)
		arc := ArcIndexName(db, ix.Resolver.ArcShard(rec.ID))

		for i := emitFrom; i < len(states) && states[i].version <= until; i++ {
			if err := ctx.Err(); err != nil {
				yield(BulkOp{}, err)
				return
			}
			st := states[i]
			docID := SearchDocID(rec.ID, st.version)

			if !yield(BulkOp{Delete: true, Index: latest, DocID: docID, RecordID: rec.ID}, nil) {
				return
			}
			if !yield(BulkOp{Delete: true, Index: arc, DocID: docID, RecordID: rec.ID}, nil) {
				return
			}
			if len(st.data) == 0 {
				continue
			}

			target := ix.Resolver.TargetIndex(db, rec.ID, st.version, rec.Version)
			var next *int64
			if i+1 < len(states) {
				v := states[i+1].version
				next = &v
			}
			parsed := parser.Parse(st.data, ix.Options, ix.Cache)
			dataTypes, parsedTypes := parser.CollectTypes(parsed)
			doc := &SearchDocument{
				ID:          docID,
				RecordID:    rec.ID,
				Version:     st.version,
				Next:        next,
				Data:        parsed,
				DataTypes:   dataTypes,
				ParsedTypes: parsedTypes,
			}
			if !yield(BulkOp{Index: target, DocID: docID, RecordID: rec.ID, Doc: doc}, nil) {
				return
			}
		}
	}
}
