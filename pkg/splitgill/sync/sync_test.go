package sync_test

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NaturalHistoryMuseum/splitgill/internal/svcerrs"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/index"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/lock"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/parser"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/search"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/store"
	syncpkg "github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/sync"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/tree"
)

// memDocs is an in-memory store.DocumentStore fake.
type memDocs struct {
	mu      sync.Mutex
	records map[string]tree.StoredRecord
	status  store.Status
}

func newMemDocs(db string) *memDocs {
	return &memDocs{records: map[string]tree.StoredRecord{}, status: store.Status{DB: db}}
}

func (m *memDocs) FindRecord(ctx context.Context, db, id string) (*tree.StoredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	cp := r
	return &cp, nil
}

func (m *memDocs) BulkUpsertRecords(ctx context.Context, db string, records []tree.StoredRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.records[r.ID] = r
	}
	return nil
}

func (m *memDocs) IterPendingRecords(ctx context.Context, db string) iter.Seq2[tree.StoredRecord, error] {
	m.mu.Lock()
	var pending []tree.StoredRecord
	for _, r := range m.records {
		if r.Next != nil {
			pending = append(pending, r)
		}
	}
	m.mu.Unlock()
	return func(yield func(tree.StoredRecord, error) bool) {
		for _, r := range pending {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (m *memDocs) IterRecords(ctx context.Context, db string, since, until int64) iter.Seq2[tree.StoredRecord, error] {
	m.mu.Lock()
	var matched []tree.StoredRecord
	for _, r := range m.records {
		if r.Version > since && r.Version <= until {
			matched = append(matched, r)
		}
	}
	m.mu.Unlock()
	return func(yield func(tree.StoredRecord, error) bool) {
		for _, r := range matched {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (m *memDocs) GetStatus(ctx context.Context, db string) (store.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, nil
}

func (m *memDocs) CompareAndSetStatus(ctx context.Context, db string, update store.StatusUpdate) (store.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if update.CommittedVersion != nil {
		m.status.CommittedVersion = *update.CommittedVersion
	}
	if update.LastIndexedVersion != nil {
		m.status.LastIndexedVersion = *update.LastIndexedVersion
	}
	if update.OptionsVersion != nil {
		m.status.OptionsVersion = *update.OptionsVersion
	}
	return m.status, nil
}

// memLockStore is a lock.Store fake with no artificial contention.
type memLockStore struct {
	mu   sync.Mutex
	docs map[string]lock.Doc
}

func newMemLockStore() *memLockStore { return &memLockStore{docs: map[string]lock.Doc{}} }

func (s *memLockStore) Insert(ctx context.Context, doc lock.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; ok {
		return svcerrs.ErrLockExists
	}
	s.docs[doc.ID] = doc
	return nil
}

func (s *memLockStore) Get(ctx context.Context, id string) (*lock.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *memLockStore) CompareAndSwap(ctx context.Context, id, expectedOwner string, next lock.Doc) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.docs[id]
	if !ok || cur.OwnerToken != expectedOwner {
		return false, nil
	}
	s.docs[id] = next
	return true, nil
}

func (s *memLockStore) Refresh(ctx context.Context, id, ownerToken string, acquiredAt int64) error {
	return nil
}

func (s *memLockStore) Delete(ctx context.Context, id, ownerToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

// fakeEngine is an in-memory search.Engine fake recording every call.
type fakeEngine struct {
	mu sync.Mutex

	ensuredTemplates []string
	deletedByQuery   []string
	bulkCalls        [][]index.BulkOp
	settings         map[string]search.IndexSettings
	refreshedAt      []string

	failBulkTimes int // number of leading Bulk calls to fail transiently
	bulkAttempts  int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{settings: map[string]search.IndexSettings{}}
}

func (f *fakeEngine) EnsureTemplate(ctx context.Context, db string, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensuredTemplates = append(f.ensuredTemplates, db)
	return nil
}

func (f *fakeEngine) DeleteByQuery(ctx context.Context, idx string, query search.Query) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedByQuery = append(f.deletedByQuery, idx)
	return 0, nil
}

func (f *fakeEngine) Bulk(ctx context.Context, ops []index.BulkOp) (search.BulkResult, error) {
	f.mu.Lock()
	f.bulkAttempts++
	shouldFail := f.bulkAttempts <= f.failBulkTimes
	f.mu.Unlock()

	if shouldFail {
		return search.BulkResult{}, svcerrs.ErrSearchUnavailable
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]index.BulkOp, len(ops))
	copy(cp, ops)
	f.bulkCalls = append(f.bulkCalls, cp)

	var res search.BulkResult
	for _, op := range ops {
		if op.Delete {
			res.Deleted++
		} else {
			res.Indexed++
		}
	}
	return res, nil
}

func (f *fakeEngine) SetIndexSettings(ctx context.Context, idx string, settings search.IndexSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[idx] = settings
	return nil
}

func (f *fakeEngine) Refresh(ctx context.Context, idx ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshedAt = append(f.refreshedAt, idx...)
	return nil
}

func newTestStore(db string) (*store.Store, *memDocs) {
	docs := newMemDocs(db)
	mgr := &lock.Manager{Store: newMemLockStore(), PollInterval: time.Millisecond}
	var tick int64
	clock := func() int64 { tick++; return tick }
	return &store.Store{DB: db, Docs: docs, Locks: mgr, Clock: clock}, docs
}

func mustParserOpts(t *testing.T) parser.Options {
	t.Helper()
	opts, err := parser.NewOptionsBuilder().Build()
	require.NoError(t, err)
	return opts
}

func newTestEngine(t *testing.T, s *store.Store, eng search.Engine) *syncpkg.Engine {
	mgr := &lock.Manager{Store: newMemLockStore(), PollInterval: time.Millisecond}
	return &syncpkg.Engine{
		Store:        s,
		Search:       eng,
		Locks:        mgr,
		Indexer:      &index.Indexer{Resolver: &index.Resolver{}, Options: mustParserOpts(t)},
		WorkerCount:  2,
		BulkSize:     10,
		LockDeadline: time.Second,
		MaxAttempts:  3,
		BaseBackoff:  time.Millisecond,
	}
}

func TestSyncNoOpWhenAlreadyCaughtUp(t *testing.T) {
	s, _ := newTestStore("nhm")
	eng := newFakeEngine()
	e := newTestEngine(t, s, eng)

	res, err := e.Sync(context.Background(), "nhm")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Indexed)
	assert.Len(t, eng.bulkCalls, 0)
	assert.Len(t, eng.ensuredTemplates, 1)
}

func TestSyncIndexesChangedRecords(t *testing.T) {
	s, _ := newTestStore("nhm")
	ctx := context.Background()

	_, err := s.Ingest(ctx, []tree.Record{
		{ID: "r1", Data: map[string]tree.Tree{"n": "Jeremy"}},
		{ID: "r2", Data: map[string]tree.Tree{"n": "Alex"}},
	})
	require.NoError(t, err)

	eng := newFakeEngine()
	e := newTestEngine(t, s, eng)

	res, err := e.Sync(ctx, "nhm")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Indexed)

	// The latest index is back on its resting settings after the
	// tune-for-bulk phase, and the checkpoint advanced to the committed
	// version.
	latest := index.LatestIndexName("nhm")
	require.Contains(t, eng.settings, latest)
	assert.Equal(t, syncpkg.RestingRefreshInterval, eng.settings[latest].RefreshInterval)
	assert.Equal(t, syncpkg.RestingReplicas, eng.settings[latest].Replicas)

	status, err := s.Docs.GetStatus(ctx, "nhm")
	require.NoError(t, err)
	assert.Equal(t, status.CommittedVersion, status.LastIndexedVersion)
}

func TestSyncResyncWipesEveryArcIndex(t *testing.T) {
	s, _ := newTestStore("nhm")
	ctx := context.Background()
	_, err := s.Ingest(ctx, []tree.Record{{ID: "r1", Data: map[string]tree.Tree{"n": "Jeremy"}}})
	require.NoError(t, err)

	eng := newFakeEngine()
	e := newTestEngine(t, s, eng)

	_, err = e.Sync(ctx, "nhm", syncpkg.WithResync(true))
	require.NoError(t, err)
	assert.Equal(t, index.DefaultArcCount, len(eng.deletedByQuery))
}

func TestSyncRetriesTransientBulkFailures(t *testing.T) {
	s, _ := newTestStore("nhm")
	ctx := context.Background()
	_, err := s.Ingest(ctx, []tree.Record{{ID: "r1", Data: map[string]tree.Tree{"n": "Jeremy"}}})
	require.NoError(t, err)

	eng := newFakeEngine()
	eng.failBulkTimes = 2
	e := newTestEngine(t, s, eng)

	res, err := e.Sync(ctx, "nhm")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Indexed)
	assert.Greater(t, eng.bulkAttempts, 2)
}

func TestSyncGivesUpAfterMaxAttemptsExhausted(t *testing.T) {
	s, _ := newTestStore("nhm")
	ctx := context.Background()
	_, err := s.Ingest(ctx, []tree.Record{{ID: "r1", Data: map[string]tree.Tree{"n": "Jeremy"}}})
	require.NoError(t, err)

	eng := newFakeEngine()
	eng.failBulkTimes = 100
	e := newTestEngine(t, s, eng)

	_, err = e.Sync(ctx, "nhm")
	require.Error(t, err)
}

func TestSyncReturnsSyncBusyWhenLockHeld(t *testing.T) {
	s, _ := newTestStore("nhm")
	lockStore := newMemLockStore()
	require.NoError(t, lockStore.Insert(context.Background(), lock.Doc{
		ID:         lock.LockID("nhm", "sync"),
		OwnerToken: "someone-else",
		AcquiredAt: time.Now().UnixMilli(),
	}))

	eng := newFakeEngine()
	e := &syncpkg.Engine{
		Store:        s,
		Search:       eng,
		Locks:        &lock.Manager{Store: lockStore, PollInterval: time.Millisecond, TTL: time.Hour},
		Indexer:      &index.Indexer{Resolver: &index.Resolver{}, Options: mustParserOpts(t)},
		LockDeadline: 20 * time.Millisecond,
	}

	_, err := e.Sync(context.Background(), "nhm")
	require.Error(t, err)
	assert.True(t, errors.Is(err, svcerrs.ErrSyncBusy))
}
