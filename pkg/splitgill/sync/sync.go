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

// Package sync implements Splitgill's Sync Engine (spec §4.6): it drives
// the Indexer across a database's changed records and submits the
// resulting bulk operations to a search.Engine, via a bounded worker
// pool adapted from pkg/tools/batcher.Batcher.
package sync

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"
	"golang.org/x/sync/errgroup"

	"github.com/NaturalHistoryMuseum/splitgill/internal/svcerrs"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/index"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/lock"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/search"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/store"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/tools/batcher"
)

// Tunable defaults, overridable per Engine.
const (
	DefaultWorkerCount  = 5
	DefaultBulkSize     = 500
	DefaultLockDeadline = 30 * time.Second
	DefaultMaxAttempts  = 5
	DefaultBaseBackoff  = 200 * time.Millisecond
)

// RestingRefreshInterval and RestingReplicas are the settings a sync
// restores target indices to once it finishes (spec §4.6 step 7):
// Elasticsearch/OpenSearch's own defaults, since the Sync Engine never
// reads an index's pre-sync settings before overwriting them.
const (
	RestingRefreshInterval = "1s"
	RestingReplicas        = 1
)

// Result reports what one Sync call did (spec §4.6 step 8).
type Result struct {
	Indexed        int
	Deleted        int
	FailedByReason map[string]int
	Elapsed        time.Duration
}

type syncOptions struct {
	resync   bool
	parallel bool
}

// Option configures a single Sync call.
type Option func(*syncOptions)

// WithResync forces a full rebuild: every arc document for db is deleted
// and the whole committed history is replayed, rather than just the
// range since the last sync.
func WithResync(resync bool) Option {
	return func(o *syncOptions) { o.resync = resync }
}

// WithParallel controls whether the worker pool runs with its full
// configured WorkerCount (the default) or is forced down to a single
// worker.
func WithParallel(parallel bool) Option {
	return func(o *syncOptions) { o.parallel = parallel }
}

// Engine drives a database's records into a search.Engine (spec §4.6).
type Engine struct {
	Store   *store.Store
	Search  search.Engine
	Locks   *lock.Manager
	Indexer *index.Indexer

	// Progress reports running indexed/deleted counts while a Sync call
	// is in flight. Defaults to NopProgress.
	Progress Progress

	WorkerCount  int
	BulkSize     int
	LockDeadline time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
}

func (e *Engine) workerCount() int {
	if e.WorkerCount <= 0 {
		return DefaultWorkerCount
	}
	return e.WorkerCount
}

func (e *Engine) bulkSize() int {
	if e.BulkSize <= 0 {
		return DefaultBulkSize
	}
	return e.BulkSize
}

func (e *Engine) lockDeadline() time.Duration {
	if e.LockDeadline <= 0 {
		return DefaultLockDeadline
	}
	return e.LockDeadline
}

func (e *Engine) maxAttempts() int {
	if e.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return e.MaxAttempts
}

func (e *Engine) baseBackoff() time.Duration {
	if e.BaseBackoff <= 0 {
		return DefaultBaseBackoff
	}
	return e.BaseBackoff
}

func (e *Engine) progress() Progress {
	if e.Progress == nil {
		return NopProgress{}
	}
	return e.Progress
}

// Sync brings db's search indices up to the database's committed
// version, per spec §4.6's eight-step contract.
func (e *Engine) Sync(ctx context.Context, db string, opts ...Option) (Result, error) {
	start := time.Now()

	o := syncOptions{parallel: true}
	for _, opt := range opts {
		opt(&o)
	}

	handle, err := e.Locks.Acquire(ctx, db, "sync", time.Now().Add(e.lockDeadline()))
	if err != nil {
		if errors.Is(err, svcerrs.ErrLockTimeout) {
			return Result{}, errs.WrapMsg(svcerrs.ErrSyncBusy, "sync: could not acquire sync lock", "db", db)
		}
		return Result{}, err
	}
	defer func() {
		if rerr := handle.Release(context.Background()); rerr != nil {
			log.ZWarn(ctx, "sync: lock release failed", rerr, "db", db)
		}
	}()

	names := e.Indexer.Resolver.IndexNames(db)
	if err := e.Search.EnsureTemplate(ctx, db, names); err != nil {
		return Result{}, errs.WrapMsg(err, "sync: ensure template failed", "db", db)
	}

	status, err := e.Store.Docs.GetStatus(ctx, db)
	if err != nil {
		return Result{}, errs.WrapMsg(err, "sync: read status failed", "db", db)
	}
	since := status.LastIndexedVersion
	until := status.CommittedVersion

	if o.resync {
		for _, name := range names[1:] { // names[0] is always latest; the rest are arc shards.
			if _, err := e.Search.DeleteByQuery(ctx, name, search.Query{"match_all": search.Query{}}); err != nil {
				return Result{}, errs.WrapMsg(err, "sync: resync arc wipe failed", "index", name)
			}
		}
		since = 0
	} else if since == until {
		return Result{Elapsed: time.Since(start)}, nil
	}

	for _, name := range names {
		if err := e.Search.SetIndexSettings(ctx, name, search.IndexSettings{RefreshInterval: "-1", Replicas: 0}); err != nil {
			return Result{}, errs.WrapMsg(err, "sync: tune index settings failed", "index", name)
		}
	}
	defer e.restoreSettings(context.Background(), names)

	result, err := e.stream(ctx, db, since, until, o)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Result{}, errs.WrapMsg(svcerrs.ErrCancelled, "sync: cancelled", "db", db)
		}
		return Result{}, err
	}

	if err := e.refreshWithBackoff(context.Background(), names); err != nil {
		log.ZWarn(ctx, "sync: final refresh failed after retries", err, "db", db)
	}

	if _, err := e.Store.Docs.CompareAndSetStatus(ctx, db, store.StatusUpdate{LastIndexedVersion: &until}); err != nil {
		return Result{}, errs.WrapMsg(err, "sync: checkpoint write failed", "db", db)
	}

	result.Elapsed = time.Since(start)
	log.ZDebug(ctx, "sync: completed", "db", db, "indexed", result.Indexed, "deleted", result.Deleted, "elapsed", result.Elapsed)
	return result, nil
}

// stream drives the Indexer across every record changed in (since,
// until], fanning its bulk ops out across a Batcher-driven worker pool
// sharded by record id (spec §4.6 step 5). The Batcher itself owns the
// record-id sharding and the submit retry/backoff (spec §4.6 step 6) —
// Submit only needs to know how to flush one batch.
func (e *Engine) stream(ctx context.Context, db string, since, until int64, o syncOptions) (Result, error) {
	workers := e.workerCount()
	if !o.parallel {
		workers = 1
	}

	var mu sync.Mutex
	result := Result{FailedByReason: map[string]int{}}
	var submitErr error

	b := batcher.New[index.BulkOp](
		batcher.WithWorker(workers),
		batcher.WithSize(e.bulkSize()),
		batcher.WithBuffer(e.bulkSize()),
		batcher.WithInterval(2*time.Second),
		batcher.WithMaxAttempts(e.maxAttempts()),
		batcher.WithBaseBackoff(e.baseBackoff()),
	)
	b.Key = func(op *index.BulkOp) string { return op.RecordID }
	b.Retryable = func(err error) bool {
		return errors.Is(err, svcerrs.ErrSearchUnavailable) || errors.Is(err, svcerrs.ErrStoreUnavailable)
	}
	b.Submit = func(ctx context.Context, msg *batcher.Msg[index.BulkOp]) error {
		vals := msg.Val()
		ops := make([]index.BulkOp, len(vals))
		for i, v := range vals {
			ops[i] = *v
		}

		res, err := e.Search.Bulk(ctx, ops)
		if err != nil {
			return err
		}

		mu.Lock()
		result.Indexed += res.Indexed
		result.Deleted += res.Deleted
		for _, f := range res.Failed {
			result.FailedByReason[f.Op+":"+f.Reason]++
		}
		indexed, deleted := result.Indexed, result.Deleted
		mu.Unlock()

		if perr := e.progress().Set(ctx, db, indexed, deleted); perr != nil {
			log.ZWarn(ctx, "sync: progress update failed", perr, "db", db)
		}
		return nil
	}
	b.OnSubmitError = func(ctx context.Context, msg *batcher.Msg[index.BulkOp], err error) {
		mu.Lock()
		defer mu.Unlock()
		if submitErr == nil {
			submitErr = err
		}
	}

	if err := b.Start(); err != nil {
		return Result{}, errs.WrapMsg(err, "sync: starting worker pool failed")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for rec, err := range e.Store.IterRecords(gctx, since, until) {
			if err != nil {
				return errs.WrapMsg(err, "sync: scanning records failed", "db", db)
			}
			for op, err := range e.Indexer.GenerateOps(gctx, db, rec, since, until) {
				if err != nil {
					return errs.WrapMsg(err, "sync: generating ops failed", "record", rec.ID)
				}
				if perr := b.Put(gctx, &op); perr != nil {
					return perr
				}
			}
		}
		return nil
	})

	streamErr := g.Wait()
	b.Close()

	mu.Lock()
	finalErr := submitErr
	mu.Unlock()

	if streamErr != nil {
		return Result{}, streamErr
	}
	if finalErr != nil {
		return Result{}, finalErr
	}
	return result, nil
}

// refreshWithBackoff retries a final explicit refresh with increasing
// backoff, per spec §4.6 step 7.
func (e *Engine) refreshWithBackoff(ctx context.Context, names []string) error {
	var lastErr error
	for attempt := 0; attempt < e.maxAttempts(); attempt++ {
		if err := e.Search.Refresh(ctx, names...); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if err := sleepCtx(ctx, backoffDuration(e.baseBackoff(), attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

// restoreSettings returns target indices to their resting refresh
// interval and replica count (spec §4.6 step 7). It logs rather than
// fails on error, since it runs from a defer after the sync's real work
// is already done.
func (e *Engine) restoreSettings(ctx context.Context, names []string) {
	for _, name := range names {
		if err := e.Search.SetIndexSettings(ctx, name, search.IndexSettings{
			RefreshInterval: RestingRefreshInterval,
			Replicas:        RestingReplicas,
		}); err != nil {
			log.ZWarn(ctx, "sync: restoring index settings failed", err, "index", name)
		}
	}
}

func backoffDuration(base time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	return d + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
