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

// Package storedoc is the concrete *mongo.Database-backed implementation
// of store.DocumentStore, lock.Store, and options.Store (spec §6
// "External interfaces"). It is modeled on
// pkg/common/storage/database/mgo/version_log.go's collection-per-concern
// layout and FindOneAndUpdate idiom (here an upserting $set with no
// compare condition); unlike the
// teacher, which gives every domain its own mgo.go file behind its own
// interface type, Splitgill's three stores share one *mongo.Database
// handle and are implemented as methods on a single Store, since nothing
// in any of the three contracts needs a distinct struct per collection.
package storedoc

import (
	"context"

	"github.com/openimsdk/tools/errs"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	// StatusCollectionName holds one document per database (spec §6).
	StatusCollectionName = "sg-status"
	// LocksCollectionName holds one document per held lock (spec §4.7).
	LocksCollectionName = "sg-locks"
	// HistoryCollectionName logs every options change (spec §6).
	HistoryCollectionName = "sg-options-history"

	recordCollectionPrefix = "data-"
)

// RecordCollectionName returns the per-database collection holding
// stored records: "data-{db}", echoing the data-{db}-* naming the search
// side uses for indices (spec §4.4).
func RecordCollectionName(db string) string {
	return recordCollectionPrefix + db
}

// Store bundles the document-store-backed implementations of
// store.DocumentStore, lock.Store, and options.Store against one shared
// *mongo.Database handle.
type Store struct {
	database *mongo.Database
}

// New wraps db. Call EnsureIndexes once per process before first use.
func New(db *mongo.Database) *Store {
	return &Store{database: db}
}

func (s *Store) recordsColl(db string) *mongo.Collection {
	return s.database.Collection(RecordCollectionName(db))
}

func (s *Store) statusColl() *mongo.Collection {
	return s.database.Collection(StatusCollectionName)
}

func (s *Store) locksColl() *mongo.Collection {
	return s.database.Collection(LocksCollectionName)
}

func (s *Store) historyColl() *mongo.Collection {
	return s.database.Collection(HistoryCollectionName)
}

// EnsureIndexes creates the indexes the record collections of databases
// and the shared collections need. Safe to call repeatedly (index
// creation is idempotent).
func (s *Store) EnsureIndexes(ctx context.Context, databases []string) error {
	for _, db := range databases {
		if _, err := s.recordsColl(db).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: "version", Value: 1}},
		}); err != nil {
			return errs.WrapMsg(err, "storedoc: record index creation failed", "db", db)
		}
	}
	if _, err := s.historyColl().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "db", Value: 1}, {Key: "version", Value: 1}},
	}); err != nil {
		return errs.WrapMsg(err, "storedoc: history index creation failed")
	}
	return nil
}
