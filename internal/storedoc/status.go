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
	"strconv"

	"github.com/openimsdk/tools/db/mongoutil"
	"github.com/openimsdk/tools/errs"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/NaturalHistoryMuseum/splitgill/internal/options"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/store"
)

// statusDoc is the sg-status collection row shape (spec §6): "{_id:db,
// committed_version, last_indexed_version, options_version,
// parsing_options}".
type statusDoc struct {
	ID                 string      `bson:"_id"`
	DB                 string      `bson:"db"`
	CommittedVersion   int64       `bson:"committed_version"`
	LastIndexedVersion int64       `bson:"last_indexed_version"`
	OptionsVersion     int64       `bson:"options_version"`
	ParsingOptions     options.Doc `bson:"parsing_options,omitempty"`
}

func (d *statusDoc) toStatus() store.Status {
	return store.Status{
		DB:                 d.DB,
		CommittedVersion:   d.CommittedVersion,
		LastIndexedVersion: d.LastIndexedVersion,
		OptionsVersion:     d.OptionsVersion,
	}
}

// GetStatus implements store.DocumentStore.
func (s *Store) GetStatus(ctx context.Context, db string) (store.Status, error) {
	doc, err := mongoutil.FindOne[*statusDoc](ctx, s.statusColl(), bson.M{"_id": db})
	if err == nil {
		return doc.toStatus(), nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Status{DB: db}, nil
	}
	return store.Status{}, errs.WrapMsg(err, "storedoc: read status failed", "db", db)
}

// CompareAndSetStatus implements store.DocumentStore. It applies update's
// non-nil fields to db's status document via $set, creating the document
// (upsert) on first use, and returns the result.
func (s *Store) CompareAndSetStatus(ctx context.Context, db string, update store.StatusUpdate) (store.Status, error) {
	set := bson.M{"db": db}
	if update.CommittedVersion != nil {
		set["committed_version"] = *update.CommittedVersion
	}
	if update.LastIndexedVersion != nil {
		set["last_indexed_version"] = *update.LastIndexedVersion
	}
	if update.OptionsVersion != nil {
		set["options_version"] = *update.OptionsVersion
	}

	opt := mongoopts.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(mongoopts.After)
	doc, err := mongoutil.FindOneAndUpdate[*statusDoc](ctx, s.statusColl(), bson.M{"_id": db}, bson.M{"$set": set}, opt)
	if err != nil {
		return store.Status{}, errs.WrapMsg(err, "storedoc: status update failed", "db", db)
	}
	return doc.toStatus(), nil
}

// CurrentOptions implements options.Store.
func (s *Store) CurrentOptions(ctx context.Context, db string) (options.Doc, int64, error) {
	doc, err := mongoutil.FindOne[*statusDoc](ctx, s.statusColl(), bson.M{"_id": db})
	if err == nil {
		return doc.ParsingOptions, doc.OptionsVersion, nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return options.Doc{}, 0, nil
	}
	return options.Doc{}, 0, errs.WrapMsg(err, "storedoc: read current options failed", "db", db)
}

// historyDoc is one sg-options-history row.
type historyDoc struct {
	ID      string      `bson:"_id"`
	DB      string      `bson:"db"`
	Version int64       `bson:"version"`
	Options options.Doc `bson:"options"`
}

// historyRowID formats the deterministic sg-options-history document id
// for a (database, version) pair.
func historyRowID(db string, version int64) string {
	return db + ":" + strconv.FormatInt(version, 10)
}

// SetOptions implements options.Store. The history row is appended
// first, then the status document's options fields are advanced —
// matching the teacher's lack of any multi-document transaction use
// elsewhere: a crash between the two leaves an orphaned history row
// rather than a status document pointing at options that were never
// logged, which is the safer failure mode for an append-only audit log.
// The history row's id is deterministic ({db}:{version}), so a retry
// after such a crash re-inserts the same document; that duplicate key
// is treated as success rather than surfaced.
func (s *Store) SetOptions(ctx context.Context, db string, opts options.Doc, version int64) error {
	hdoc := historyDoc{ID: historyRowID(db, version), DB: db, Version: version, Options: opts}
	if _, err := s.historyColl().InsertOne(ctx, hdoc); err != nil && !mongo.IsDuplicateKeyError(err) {
		return errs.WrapMsg(err, "storedoc: options history append failed", "db", db, "version", version)
	}

	opt := mongoopts.FindOneAndUpdate().SetUpsert(true)
	set := bson.M{"db": db, "options_version": version, "parsing_options": opts}
	if _, err := mongoutil.FindOneAndUpdate[*statusDoc](ctx, s.statusColl(), bson.M{"_id": db}, bson.M{"$set": set}, opt); err != nil {
		return errs.WrapMsg(err, "storedoc: status options update failed", "db", db, "version", version)
	}
	return nil
}

// IterHistory implements options.Store.
func (s *Store) IterHistory(ctx context.Context, db string) iter.Seq2[options.Entry, error] {
	return func(yield func(options.Entry, error) bool) {
		cur, err := s.historyColl().Find(ctx, bson.M{"db": db}, mongoopts.Find().SetSort(bson.D{{Key: "version", Value: 1}}))
		if err != nil {
			yield(options.Entry{}, errs.WrapMsg(err, "storedoc: scanning options history failed", "db", db))
			return
		}
		defer cur.Close(ctx)

		for cur.Next(ctx) {
			var doc historyDoc
			if err := cur.Decode(&doc); err != nil {
				yield(options.Entry{}, errs.WrapMsg(err, "storedoc: decoding options history row failed", "db", db))
				return
			}
			if !yield(options.Entry{Version: doc.Version, Options: doc.Options}, nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(options.Entry{}, errs.WrapMsg(err, "storedoc: options history cursor error", "db", db))
		}
	}
}
