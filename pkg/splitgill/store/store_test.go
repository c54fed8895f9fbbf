package store_test

import (
	"context"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NaturalHistoryMuseum/splitgill/internal/svcerrs"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/lock"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/store"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/tree"
)

// memDocs is an in-memory store.DocumentStore fake for tests.
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

// memLockStore is a minimal lock.Store fake (no contention in these tests).
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

func newTestStore(db string) (*store.Store, *memDocs) {
	docs := newMemDocs(db)
	mgr := &lock.Manager{Store: newMemLockStore(), PollInterval: time.Millisecond}
	var tick int64
	clock := func() int64 { tick++; return tick }
	return &store.Store{DB: db, Docs: docs, Locks: mgr, Clock: clock}, docs
}

func TestIngestFirstCommitAssignsVersion(t *testing.T) {
	s, _ := newTestStore("nhm")
	res, err := s.Ingest(context.Background(), []tree.Record{
		{ID: "r1", Data: map[string]tree.Tree{"n": "Jeremy", "h": 40.6}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Upserted)
	require.NotNil(t, res.Version)

	got, err := s.Get(context.Background(), "r1", nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Jeremy", got.Data["n"])
}

func TestReingestIdenticalRecordIsNoOp(t *testing.T) {
	s, _ := newTestStore("nhm")
	ctx := context.Background()
	_, err := s.Ingest(ctx, []tree.Record{{ID: "r1", Data: map[string]tree.Tree{"n": "Jeremy"}}})
	require.NoError(t, err)

	res, err := s.Ingest(ctx, []tree.Record{{ID: "r1", Data: map[string]tree.Tree{"n": "Jeremy"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Same)
	assert.Equal(t, 0, res.Modified)
	assert.Nil(t, res.Version)
}

func TestCommitHistoryIsReconstructable(t *testing.T) {
	s, _ := newTestStore("nhm")
	ctx := context.Background()

	_, err := s.Ingest(ctx, []tree.Record{{ID: "r1", Data: map[string]tree.Tree{"n": "Jeremy", "t": "llama"}}})
	require.NoError(t, err)
	v1, err := s.Get(ctx, "r1", nil)
	require.NoError(t, err)
	version1 := *v1.Version

	_, err = s.Ingest(ctx, []tree.Record{{ID: "r1", Data: map[string]tree.Tree{"n": "Jeremy", "t": "alpaca"}}})
	require.NoError(t, err)

	atV1, err := s.Get(ctx, "r1", &version1)
	require.NoError(t, err)
	assert.Equal(t, "llama", atV1.Data["t"])

	current, err := s.Get(ctx, "r1", nil)
	require.NoError(t, err)
	assert.Equal(t, "alpaca", current.Data["t"])
}

func TestModifiedFieldExcludedFromClassification(t *testing.T) {
	s, _ := newTestStore("nhm")
	ctx := context.Background()

	_, err := s.Ingest(ctx, []tree.Record{{ID: "r1", Data: map[string]tree.Tree{"n": "Jeremy", "seen_at": int64(1)}}})
	require.NoError(t, err)

	res, err := s.Ingest(ctx, []tree.Record{{ID: "r1", Data: map[string]tree.Tree{"n": "Jeremy", "seen_at": int64(2)}}},
		store.WithModifiedField("seen_at"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Same)
	assert.Equal(t, 0, res.Modified)

	// But the new value is still committed.
	current, err := s.Get(ctx, "r1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), current.Data["seen_at"])
}

func TestIngestWithoutCommitStagesOnly(t *testing.T) {
	s, docs := newTestStore("nhm")
	ctx := context.Background()

	res, err := s.Ingest(ctx, []tree.Record{{ID: "r1", Data: map[string]tree.Tree{"n": "Jeremy"}}}, store.WithCommit(false))
	require.NoError(t, err)
	assert.Nil(t, res.Version)

	rec, err := docs.FindRecord(ctx, "nhm", "r1")
	require.NoError(t, err)
	require.NotNil(t, rec.Next)
	assert.Equal(t, int64(0), rec.Version)

	v, err := s.Commit(ctx)
	require.NoError(t, err)
	assert.Greater(t, v, int64(0))

	rec, err = docs.FindRecord(ctx, "nhm", "r1")
	require.NoError(t, err)
	assert.Nil(t, rec.Next)
	assert.Equal(t, v, rec.Version)
}

func TestRollbackUncommittedClearsStaging(t *testing.T) {
	s, docs := newTestStore("nhm")
	ctx := context.Background()

	_, err := s.Ingest(ctx, []tree.Record{{ID: "r1", Data: map[string]tree.Tree{"n": "Jeremy"}}}, store.WithCommit(false))
	require.NoError(t, err)

	require.NoError(t, s.RollbackUncommitted(ctx))

	rec, err := docs.FindRecord(ctx, "nhm", "r1")
	require.NoError(t, err)
	assert.Nil(t, rec.Next)
}

func TestIngestRejectsReservedKeys(t *testing.T) {
	s, _ := newTestStore("nhm")
	_, err := s.Ingest(context.Background(), []tree.Record{{ID: "r1", Data: map[string]tree.Tree{"_bad": 1}}})
	assert.Error(t, err)
}

func TestDeletingRecordLeavesHistoryQueryable(t *testing.T) {
	s, _ := newTestStore("nhm")
	ctx := context.Background()

	_, err := s.Ingest(ctx, []tree.Record{{ID: "r1", Data: map[string]tree.Tree{"n": "Jeremy"}}})
	require.NoError(t, err)
	v1, err := s.Get(ctx, "r1", nil)
	require.NoError(t, err)
	version1 := *v1.Version

	_, err = s.Ingest(ctx, []tree.Record{{ID: "r1", Data: map[string]tree.Tree{}}})
	require.NoError(t, err)

	current, err := s.Get(ctx, "r1", nil)
	require.NoError(t, err)
	assert.Empty(t, current.Data)

	historical, err := s.Get(ctx, "r1", &version1)
	require.NoError(t, err)
	assert.Equal(t, "Jeremy", historical.Data["n"])
}
