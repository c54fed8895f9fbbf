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
	"iter"

	"github.com/openimsdk/tools/db/mongoutil"
	"github.com/openimsdk/tools/errs"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/tree"
)

// FindRecord implements store.DocumentStore.
func (s *Store) FindRecord(ctx context.Context, db, id string) (*tree.StoredRecord, error) {
	rec, err := mongoutil.FindOne[*tree.StoredRecord](ctx, s.recordsColl(db), bson.M{"_id": id})
	if err == nil {
		return rec, nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	return nil, errs.WrapMsg(err, "storedoc: find record failed", "db", db, "id", id)
}

// BulkUpsertRecords implements store.DocumentStore.
func (s *Store) BulkUpsertRecords(ctx context.Context, db string, records []tree.StoredRecord) error {
	if len(records) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(records))
	for _, rec := range records {
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": rec.ID}).
			SetReplacement(rec).
			SetUpsert(true))
	}
	if _, err := s.recordsColl(db).BulkWrite(ctx, models); err != nil {
		return errs.WrapMsg(err, "storedoc: bulk upsert records failed", "db", db, "count", len(records))
	}
	return nil
}

// IterPendingRecords implements store.DocumentStore.
func (s *Store) IterPendingRecords(ctx context.Context, db string) iter.Seq2[tree.StoredRecord, error] {
	return s.iterRecords(ctx, db, bson.M{"next": bson.M{"$ne": nil}})
}

// IterRecords implements store.DocumentStore.
func (s *Store) IterRecords(ctx context.Context, db string, since, until int64) iter.Seq2[tree.StoredRecord, error] {
	return s.iterRecords(ctx, db, bson.M{"version": bson.M{"$gt": since, "$lte": until}})
}

func (s *Store) iterRecords(ctx context.Context, db string, filter bson.M) iter.Seq2[tree.StoredRecord, error] {
	return func(yield func(tree.StoredRecord, error) bool) {
		opt := mongoopts.Find().SetSort(bson.D{{Key: "_id", Value: 1}, {Key: "version", Value: 1}})
		cur, err := s.recordsColl(db).Find(ctx, filter, opt)
		if err != nil {
			yield(tree.StoredRecord{}, errs.WrapMsg(err, "storedoc: scanning records failed", "db", db))
			return
		}
		defer cur.Close(ctx)

		for cur.Next(ctx) {
			var rec tree.StoredRecord
			if err := cur.Decode(&rec); err != nil {
				yield(tree.StoredRecord{}, errs.WrapMsg(err, "storedoc: decoding record failed", "db", db))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(tree.StoredRecord{}, errs.WrapMsg(err, "storedoc: cursor error", "db", db))
		}
	}
}
