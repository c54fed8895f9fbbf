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

package storedoc

import (
	"context"
	"errors"

	"github.com/openimsdk/tools/db/mongoutil"
	"github.com/openimsdk/tools/errs"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/NaturalHistoryMuseum/splitgill/internal/svcerrs"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/lock"
)

// Insert implements lock.Store.
func (s *Store) Insert(ctx context.Context, doc lock.Doc) error {
	_, err := s.locksColl().InsertOne(ctx, doc)
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return errs.WrapMsg(svcerrs.ErrLockExists, "storedoc: lock already held", "id", doc.ID)
	}
	return errs.WrapMsg(err, "storedoc: lock insert failed", "id", doc.ID)
}

// Get implements lock.Store.
func (s *Store) Get(ctx context.Context, id string) (*lock.Doc, error) {
	doc, err := mongoutil.FindOne[*lock.Doc](ctx, s.locksColl(), bson.M{"_id": id})
	if err == nil {
		return doc, nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	return nil, errs.WrapMsg(err, "storedoc: lock read failed", "id", id)
}

// CompareAndSwap implements lock.Store.
func (s *Store) CompareAndSwap(ctx context.Context, id, expectedOwner string, next lock.Doc) (bool, error) {
	res, err := s.locksColl().ReplaceOne(ctx, bson.M{"_id": id, "owner_token": expectedOwner}, next)
	if err != nil {
		return false, errs.WrapMsg(err, "storedoc: lock compare-and-swap failed", "id", id)
	}
	return res.MatchedCount == 1, nil
}

// Refresh implements lock.Store.
func (s *Store) Refresh(ctx context.Context, id, ownerToken string, acquiredAt int64) error {
	res, err := s.locksColl().UpdateOne(ctx,
		bson.M{"_id": id, "owner_token": ownerToken},
		bson.M{"$set": bson.M{"acquired_at": acquiredAt}})
	if err != nil {
		return errs.WrapMsg(err, "storedoc: lock refresh failed", "id", id)
	}
	if res.MatchedCount == 0 {
		return errs.WrapMsg(svcerrs.ErrLockLost, "storedoc: lock refresh lost ownership", "id", id)
	}
	return nil
}

// Delete implements lock.Store. A missing document or a token mismatch
// both leave DeletedCount at 0, which is treated as a successful,
// idempotent release per the interface contract.
func (s *Store) Delete(ctx context.Context, id, ownerToken string) error {
	if _, err := s.locksColl().DeleteOne(ctx, bson.M{"_id": id, "owner_token": ownerToken}); err != nil {
		return errs.WrapMsg(err, "storedoc: lock delete failed", "id", id)
	}
	return nil
}
