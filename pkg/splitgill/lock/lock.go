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

// Package lock implements Splitgill's cross-process mutual exclusion
// (spec §4.7): a machine-independent lock backed by a document store
// collection, with TTL-based stealing from a dead holder and periodic
// refresh while held.
package lock

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"

	"github.com/NaturalHistoryMuseum/splitgill/internal/svcerrs"
)

// DefaultTTL is how long a held lock is honored before another caller may
// steal it, on the assumption its holder died without releasing.
const DefaultTTL = 30 * time.Second

// DefaultPollInterval is the base retry wait while a caller is blocked on
// a lock someone else holds; actual waits are jittered around it.
const DefaultPollInterval = 100 * time.Millisecond

// Doc is the sg-locks collection row shape: one document per "{database}:
// {purpose}" lock id.
type Doc struct {
	ID         string            `bson:"_id"`
	OwnerToken string            `bson:"owner_token"`
	AcquiredAt int64             `bson:"acquired_at"`
	Metadata   map[string]string `bson:"metadata,omitempty"`
}

// Store is the document-store contract the Manager is driven through —
// the sg-locks collection, abstracted so callers can back it with
// whatever the concrete document store exposes (a *mongo.Collection in
// practice; see internal/storedoc).
type Store interface {
	// Insert creates doc. It returns an error wrapping svcerrs.ErrLockExists
	// if a document with doc.ID already exists.
	Insert(ctx context.Context, doc Doc) error
	// Get returns the current lock document, or nil if none exists.
	Get(ctx context.Context, id string) (*Doc, error)
	// CompareAndSwap atomically replaces the document at id with next,
	// but only if its current owner_token equals expectedOwner. It
	// returns false (no error) if the CAS lost the race.
	CompareAndSwap(ctx context.Context, id, expectedOwner string, next Doc) (bool, error)
	// Refresh atomically advances acquired_at on the document at id, but
	// only if its current owner_token equals ownerToken. It returns an
	// error wrapping svcerrs.ErrLockLost if ownership no longer matches.
	Refresh(ctx context.Context, id, ownerToken string, acquiredAt int64) error
	// Delete removes the document at id, but only if its current
	// owner_token equals ownerToken. A missing document or a token
	// mismatch are both treated as a successful release (idempotent).
	Delete(ctx context.Context, id, ownerToken string) error
}

// Manager acquires and releases database-scoped locks for the purposes
// spec §4.7 names ("commit", "sync").
type Manager struct {
	Store           Store
	TTL             time.Duration
	PollInterval    time.Duration
	RefreshInterval time.Duration
	// Now defaults to time.Now; overridable for tests.
	Now func() time.Time
}

func (m *Manager) ttl() time.Duration {
	if m.TTL <= 0 {
		return DefaultTTL
	}
	return m.TTL
}

func (m *Manager) pollInterval() time.Duration {
	if m.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return m.PollInterval
}

func (m *Manager) refreshInterval() time.Duration {
	if m.RefreshInterval > 0 {
		return m.RefreshInterval
	}
	return m.ttl() / 3
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Handle represents a held lock. Release must be called exactly once.
type Handle struct {
	mgr        *Manager
	id         string
	ownerToken string
	stop       chan struct{}
	done       chan struct{}
}

// LockID formats the sg-locks document id for a (database, purpose) pair.
func LockID(db, purpose string) string {
	return db + ":" + purpose
}

// Acquire blocks until the lock for (db, purpose) is held, ctx is
// cancelled, or deadline passes — whichever comes first. Past the
// deadline it returns an error wrapping svcerrs.ErrLockTimeout.
func (m *Manager) Acquire(ctx context.Context, db, purpose string, deadline time.Time) (*Handle, error) {
	id := LockID(db, purpose)
	token := uuid.NewString()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if m.now().After(deadline) {
			return nil, errs.WrapMsg(svcerrs.ErrLockTimeout, "lock: deadline exceeded", "id", id)
		}

		acquiredAt := m.now().UnixMilli()
		doc := Doc{ID: id, OwnerToken: token, AcquiredAt: acquiredAt}
		err := m.Store.Insert(ctx, doc)
		if err == nil {
			log.ZDebug(ctx, "lock acquired", "id", id, "owner", token)
			return m.startHandle(id, token), nil
		}
		if !errors.Is(err, svcerrs.ErrLockExists) {
			return nil, errs.WrapMsg(err, "lock: insert failed", "id", id)
		}

		existing, gerr := m.Store.Get(ctx, id)
		if gerr != nil {
			return nil, errs.WrapMsg(gerr, "lock: read holder failed", "id", id)
		}
		if existing != nil && acquiredAt-existing.AcquiredAt > m.ttl().Milliseconds() {
			log.ZWarn(ctx, "lock: stealing expired lock", nil, "id", id, "previous_owner", existing.OwnerToken)
			ok, cerr := m.Store.CompareAndSwap(ctx, id, existing.OwnerToken, doc)
			if cerr != nil {
				return nil, errs.WrapMsg(cerr, "lock: steal failed", "id", id)
			}
			if ok {
				log.ZDebug(ctx, "lock stolen", "id", id, "owner", token)
				return m.startHandle(id, token), nil
			}
		}

		if err := sleepJittered(ctx, m.pollInterval()); err != nil {
			return nil, err
		}
	}
}

func sleepJittered(ctx context.Context, base time.Duration) error {
	jitter := time.Duration(rand.Int63n(int64(base)))
	wait := base/2 + jitter
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) startHandle(id, token string) *Handle {
	h := &Handle{mgr: m, id: id, ownerToken: token, stop: make(chan struct{}), done: make(chan struct{})}
	go h.refreshLoop()
	return h
}

func (h *Handle) refreshLoop() {
	defer close(h.done)
	ticker := time.NewTicker(h.mgr.refreshInterval())
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			ctx := context.Background()
			if err := h.mgr.Store.Refresh(ctx, h.id, h.ownerToken, h.mgr.now().UnixMilli()); err != nil {
				log.ZWarn(ctx, "lock: refresh failed", err, "id", h.id)
			}
		}
	}
}

// Release stops the refresh loop and deletes the lock document, provided
// this handle's owner token still matches (it always does unless the
// lock was stolen out from under it, in which case release is a no-op).
func (h *Handle) Release(ctx context.Context) error {
	close(h.stop)
	<-h.done
	if err := h.mgr.Store.Delete(ctx, h.id, h.ownerToken); err != nil {
		return errs.WrapMsg(err, "lock: release failed", "id", h.id)
	}
	log.ZDebug(ctx, "lock released", "id", h.id, "owner", h.ownerToken)
	return nil
}
