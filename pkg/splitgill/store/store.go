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

// Package store implements Splitgill's Record Store (spec §4.2): per
// database, a collection of records with version-keyed diff chains and
// commit/uncommitted discipline, built over a caller-supplied
// DocumentStore and lock.Manager.
package store

import (
	"bytes"
	"context"
	"iter"
	"sort"
	"strconv"
	"time"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"

	"github.com/NaturalHistoryMuseum/splitgill/internal/svcerrs"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/diff"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/lock"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/tree"
)

// Status is the per-database status document (spec §5 "Document store").
type Status struct {
	DB                 string
	CommittedVersion   int64
	LastIndexedVersion int64
	OptionsVersion     int64
}

// StatusUpdate carries the fields a CompareAndSetStatus call should
// change; nil fields are left untouched.
type StatusUpdate struct {
	CommittedVersion   *int64
	LastIndexedVersion *int64
	OptionsVersion     *int64
}

// DocumentStore is the black-box document-store contract the Record
// Store is driven through (spec §1, §6): a per-database collection of
// StoredRecords plus a status document, with bulk upsert, point lookup,
// a restartable range scan, and status reads/updates. internal/storedoc
// implements this over a *mongo.Database, modeled on
// pkg/common/storage/database/mgo/version_log.go's FindOneAndUpdate
// idiom.
type DocumentStore interface {
	// FindRecord returns the stored row for id, or nil if it doesn't exist.
	FindRecord(ctx context.Context, db, id string) (*tree.StoredRecord, error)
	// BulkUpsertRecords writes every record in records, keyed by ID.
	BulkUpsertRecords(ctx context.Context, db string, records []tree.StoredRecord) error
	// IterPendingRecords yields every record in db with a non-nil Next.
	IterPendingRecords(ctx context.Context, db string) iter.Seq2[tree.StoredRecord, error]
	// IterRecords yields every record whose Version falls in (since, until].
	IterRecords(ctx context.Context, db string, since, until int64) iter.Seq2[tree.StoredRecord, error]
	// GetStatus returns db's status document, or a zero-valued Status if
	// none exists yet (nothing is written in that case).
	GetStatus(ctx context.Context, db string) (Status, error)
	// CompareAndSetStatus atomically applies update to db's status
	// document and returns the result.
	CompareAndSetStatus(ctx context.Context, db string, update StatusUpdate) (Status, error)
}

// IngestResult reports what Ingest did with a batch (spec §4.2).
type IngestResult struct {
	Upserted int
	Modified int
	Same     int
	Version  *int64
}

type ingestOptions struct {
	commit        bool
	modifiedField string
}

// IngestOption configures a single Ingest call.
type IngestOption func(*ingestOptions)

// WithCommit controls whether Ingest folds staged changes into a new
// committed version immediately (the default) or only stages them.
func WithCommit(commit bool) IngestOption {
	return func(o *ingestOptions) { o.commit = commit }
}

// WithModifiedField names a single top-level field whose changes, taken
// alone, must not count as a "real" diff for classification purposes —
// used for volatile metadata that changes on every ingest but shouldn't
// be reported as a meaningful modification.
func WithModifiedField(field string) IngestOption {
	return func(o *ingestOptions) { o.modifiedField = field }
}

// Store implements the Record Store against a caller-supplied
// DocumentStore and lock.Manager.
type Store struct {
	DB    string
	Docs  DocumentStore
	Locks *lock.Manager
	// LockDeadline bounds how long Commit waits to acquire the commit
	// lock. Zero means 30s.
	LockDeadline time.Duration
	// Clock returns the current time in epoch milliseconds; overridable
	// for tests. Defaults to time.Now().UnixMilli.
	Clock func() int64
}

func (s *Store) clock() int64 {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UnixMilli()
}

func (s *Store) lockDeadline() time.Time {
	d := s.LockDeadline
	if d <= 0 {
		d = 30 * time.Second
	}
	return time.Now().Add(d)
}

// Ingest stages each record's diff against its current committed data,
// classifies the result (spec §4.2), and — unless WithCommit(false) is
// passed — immediately commits the batch.
func (s *Store) Ingest(ctx context.Context, records []tree.Record, opts ...IngestOption) (IngestResult, error) {
	o := ingestOptions{commit: true}
	for _, opt := range opts {
		opt(&o)
	}

	var res IngestResult
	var toUpsert []tree.StoredRecord

	for _, rec := range records {
		if err := tree.ValidateKeys(rec.Data); err != nil {
			return res, err
		}

		existing, err := s.Docs.FindRecord(ctx, s.DB, rec.ID)
		if err != nil {
			return res, errs.WrapMsg(err, "store: find record failed", "id", rec.ID)
		}

		var current tree.StoredRecord
		isNew := existing == nil
		if !isNew {
			current = *existing
		} else {
			current = tree.StoredRecord{ID: rec.ID, Data: map[string]tree.Tree{}}
		}

		// ContentHash lets an unchanged record skip the structural
		// tree.Equal walk entirely once it has one on file; a record
		// written before ContentHash existed (or a brand new one) falls
		// back to Equal.
		newHash := tree.ContentHash(rec.Data)
		var same bool
		if current.ContentHash != nil {
			same = bytes.Equal(current.ContentHash, newHash)
		} else {
			same = tree.Equal(current.Data, rec.Data)
		}
		if same {
			res.Same++
			continue
		}

		fullDiff := diff.Compute(current.Data, rec.Data)
		real := isRealChange(fullDiff, o.modifiedField)

		switch {
		case isNew:
			res.Upserted++
		case real:
			res.Modified++
		default:
			res.Same++
		}

		current.Next = rec.Data
		toUpsert = append(toUpsert, current)
	}

	if len(toUpsert) > 0 {
		if err := s.Docs.BulkUpsertRecords(ctx, s.DB, toUpsert); err != nil {
			return res, errs.WrapMsg(err, "store: staging bulk upsert failed")
		}
	}

	if o.commit {
		v, err := s.Commit(ctx)
		if err != nil {
			return res, err
		}
		if len(toUpsert) > 0 {
			res.Version = &v
		}
	}

	return res, nil
}

// isRealChange reports whether fullDiff contains any op outside
// modifiedField, i.e. whether the change is more than just that single
// volatile top-level field. An empty modifiedField means every op counts.
func isRealChange(fullDiff diff.Diff, modifiedField string) bool {
	if modifiedField == "" {
		return len(fullDiff) > 0
	}
	for _, op := range fullDiff {
		if len(op.Path) == 0 {
			return true
		}
		if key, ok := op.Path[0].(string); !ok || key != modifiedField {
			return true
		}
	}
	return false
}

// Commit acquires the database's commit lock, assigns a single fresh
// version to every record with staged (Next) changes, and folds Next
// into Data — the bulk update spec §4.2's "Commit protocol" describes.
// It returns svcerrs.ErrCommitConflict if the lock cannot be acquired
// before its deadline.
func (s *Store) Commit(ctx context.Context) (int64, error) {
	handle, err := s.Locks.Acquire(ctx, s.DB, "commit", s.lockDeadline())
	if err != nil {
		return 0, errs.WrapMsg(svcerrs.ErrCommitConflict, "store: commit lock not acquired", "db", s.DB, "cause", err.Error())
	}
	defer func() {
		if rerr := handle.Release(context.Background()); rerr != nil {
			log.ZWarn(ctx, "store: commit lock release failed", rerr, "db", s.DB)
		}
	}()

	status, err := s.Docs.GetStatus(ctx, s.DB)
	if err != nil {
		return 0, errs.WrapMsg(err, "store: read status failed", "db", s.DB)
	}

	newVersion := s.clock()
	if newVersion <= status.CommittedVersion {
		newVersion = status.CommittedVersion + 1
	}

	var updated []tree.StoredRecord
	var iterErr error
	for rec, err := range s.Docs.IterPendingRecords(ctx, s.DB) {
		if err != nil {
			iterErr = err
			break
		}
		if rec.Diffs == nil {
			rec.Diffs = map[string]tree.RawDiff{}
		}
		rec.Diffs[tree.VersionKey(rec.Version)] = diff.ToRaw(diff.Compute(rec.Next, rec.Data))
		rec.Data = rec.Next
		rec.ContentHash = tree.ContentHash(rec.Data)
		rec.Version = newVersion
		rec.Next = nil
		rec.NextVersion = nil
		updated = append(updated, rec)
	}
	if iterErr != nil {
		return 0, errs.WrapMsg(iterErr, "store: scanning pending records failed", "db", s.DB)
	}

	if len(updated) == 0 {
		return status.CommittedVersion, nil
	}

	if err := s.Docs.BulkUpsertRecords(ctx, s.DB, updated); err != nil {
		return 0, errs.WrapMsg(err, "store: commit bulk upsert failed", "db", s.DB)
	}

	if _, err := s.Docs.CompareAndSetStatus(ctx, s.DB, StatusUpdate{CommittedVersion: &newVersion}); err != nil {
		return 0, errs.WrapMsg(err, "store: status update failed", "db", s.DB)
	}

	log.ZDebug(ctx, "store: committed", "db", s.DB, "version", newVersion, "records", len(updated))
	return newVersion, nil
}

// Get materializes id's data at version (default: current committed),
// walking the diff chain backward from the current state when an older
// version is requested.
func (s *Store) Get(ctx context.Context, id string, version *int64) (*tree.Record, error) {
	rec, err := s.Docs.FindRecord(ctx, s.DB, id)
	if err != nil {
		return nil, errs.WrapMsg(err, "store: find record failed", "id", id)
	}
	if rec == nil {
		return nil, nil
	}
	if version == nil || *version == rec.Version {
		v := rec.Version
		return &tree.Record{ID: rec.ID, Data: rec.Data, Version: &v}, nil
	}

	data, err := reconstructAt(*rec, *version)
	if err != nil {
		return nil, err
	}
	v := *version
	return &tree.Record{ID: rec.ID, Data: data, Version: &v}, nil
}

// reconstructAt walks rec's diff chain backward from its current Data,
// applying stored diffs in descending version-key order until target is
// reached, per spec §4.2's "Uses diffs to walk back."
func reconstructAt(rec tree.StoredRecord, target int64) (map[string]tree.Tree, error) {
	if target > rec.Version {
		return nil, errs.WrapMsg(svcerrs.ErrValidation, "store: version does not exist", "id", rec.ID, "version", target)
	}

	keys := make([]int64, 0, len(rec.Diffs))
	for k := range rec.Diffs {
		n, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, errs.WrapMsg(svcerrs.ErrValidation, "store: malformed diff version key", "key", k)
		}
		keys = append(keys, n)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] > keys[j] })

	cur := tree.Clone(rec.Data).(map[string]tree.Tree)
	if target == rec.Version {
		return cur, nil
	}
	for _, k := range keys {
		next, err := diff.Apply(cur, diff.FromRaw(rec.Diffs[tree.VersionKey(k)]))
		if err != nil {
			return nil, errs.WrapMsg(err, "store: replaying diff chain failed", "id", rec.ID, "version", k)
		}
		m, ok := next.(map[string]tree.Tree)
		if !ok {
			return nil, errs.WrapMsg(svcerrs.ErrValidation, "store: reconstructed state is not a map", "id", rec.ID)
		}
		cur = m
		if k <= target {
			break
		}
	}
	return cur, nil
}

// RollbackUncommitted clears every pending (Next) change in the
// database without assigning a version.
func (s *Store) RollbackUncommitted(ctx context.Context) error {
	var toClear []tree.StoredRecord
	for rec, err := range s.Docs.IterPendingRecords(ctx, s.DB) {
		if err != nil {
			return errs.WrapMsg(err, "store: scanning pending records failed", "db", s.DB)
		}
		rec.Next = nil
		rec.NextVersion = nil
		toClear = append(toClear, rec)
	}
	if len(toClear) == 0 {
		return nil
	}
	if err := s.Docs.BulkUpsertRecords(ctx, s.DB, toClear); err != nil {
		return errs.WrapMsg(err, "store: rollback bulk upsert failed", "db", s.DB)
	}
	return nil
}

// IterRecords yields every stored record changed in the half-open
// version window (since, until], ordered by id then version ascending —
// the feed the Sync Engine drives the Indexer across.
func (s *Store) IterRecords(ctx context.Context, since, until int64) iter.Seq2[tree.StoredRecord, error] {
	return s.Docs.IterRecords(ctx, s.DB, since, until)
}
