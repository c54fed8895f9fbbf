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

// Package options persists and versions a database's parser.Options
// (spec §6 "Options surface": "Options are persisted and versioned
// identically to data; changes propagate via sync"). It is modeled
// directly on the teacher's VersionLogMgo: every change is appended to
// an immutable log at a freshly assigned version, and the current
// version is always resolvable without scanning the whole log.
package options

import (
	"context"
	"iter"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"

	"github.com/NaturalHistoryMuseum/splitgill/internal/svcerrs"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/parser"
)

// GeoHintDoc is the storage shape of parser.GeoHint.
type GeoHintDoc struct {
	LatField    string `bson:"lat_field"`
	LonField    string `bson:"lon_field"`
	RadiusField string `bson:"radius_field,omitempty"`
	Segments    int    `bson:"segments"`
}

// Doc is the storage shape of parser.Options: the sg-status document's
// parsing_options field, and the payload of each sg-options-history row.
type Doc struct {
	KeywordLength int          `bson:"keyword_length"`
	FloatFormat   string       `bson:"float_format"`
	DateFormats   []string     `bson:"date_formats"`
	TrueValues    []string     `bson:"true_values"`
	FalseValues   []string     `bson:"false_values"`
	GeoHints      []GeoHintDoc `bson:"geo_hints,omitempty"`
}

// FromOptions converts a built parser.Options into its storage shape.
func FromOptions(o parser.Options) Doc {
	d := Doc{
		KeywordLength: o.KeywordLength,
		FloatFormat:   o.FloatFormat,
		DateFormats:   append([]string(nil), o.DateFormats...),
		TrueValues:    setToSlice(o.TrueValues),
		FalseValues:   setToSlice(o.FalseValues),
	}
	for _, h := range o.GeoHints {
		d.GeoHints = append(d.GeoHints, GeoHintDoc{
			LatField:    h.LatField,
			LonField:    h.LonField,
			RadiusField: h.RadiusField,
			Segments:    h.Segments,
		})
	}
	return d
}

// ToOptions converts a stored Doc back into parser.Options.
func (d Doc) ToOptions() parser.Options {
	o := parser.Options{
		KeywordLength: d.KeywordLength,
		FloatFormat:   d.FloatFormat,
		DateFormats:   append([]string(nil), d.DateFormats...),
		TrueValues:    sliceToSet(d.TrueValues),
		FalseValues:   sliceToSet(d.FalseValues),
	}
	for _, h := range d.GeoHints {
		o.GeoHints = append(o.GeoHints, parser.GeoHint{
			LatField:    h.LatField,
			LonField:    h.LonField,
			RadiusField: h.RadiusField,
			Segments:    h.Segments,
		})
	}
	return o
}

func setToSlice(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func sliceToSet(s []string) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for _, v := range s {
		out[v] = struct{}{}
	}
	return out
}

// Entry is one sg-options-history row: the options that became active at
// Version.
type Entry struct {
	Version int64
	Options Doc
}

// Store is the document-store contract History is driven through: the
// sg-status document's options_version/parsing_options fields, and the
// append-only sg-options-history collection (spec §6).
type Store interface {
	// CurrentOptions returns db's active options and the version they
	// became active at. A database with no options set yet returns the
	// zero Doc and version 0.
	CurrentOptions(ctx context.Context, db string) (Doc, int64, error)
	// SetOptions advances db's active options to opts at version (which
	// must be strictly greater than the current one) and appends an
	// sg-options-history row recording the change. The two writes are
	// separate operations, not one atomic update.
	SetOptions(ctx context.Context, db string, opts Doc, version int64) error
	// IterHistory yields every sg-options-history row for db, oldest
	// version first.
	IterHistory(ctx context.Context, db string) iter.Seq2[Entry, error]
}

// History is Splitgill's options persistence/versioning glue.
type History struct {
	Store Store
}

// Current returns db's active parser.Options and the version they became
// active at.
func (h *History) Current(ctx context.Context, db string) (parser.Options, int64, error) {
	doc, version, err := h.Store.CurrentOptions(ctx, db)
	if err != nil {
		return parser.Options{}, 0, errs.WrapMsg(err, "options: read current failed", "db", db)
	}
	return doc.ToOptions(), version, nil
}

// Set records opts as db's active options as of version.
func (h *History) Set(ctx context.Context, db string, opts parser.Options, version int64) error {
	if err := h.Store.SetOptions(ctx, db, FromOptions(opts), version); err != nil {
		return errs.WrapMsg(err, "options: set failed", "db", db, "version", version)
	}
	log.ZDebug(ctx, "options: updated", "db", db, "version", version)
	return nil
}

// At returns the options that were active at version, i.e. the newest
// history entry whose Version is <= version.
func (h *History) At(ctx context.Context, db string, version int64) (parser.Options, error) {
	var found *Entry
	for e, err := range h.Store.IterHistory(ctx, db) {
		if err != nil {
			return parser.Options{}, errs.WrapMsg(err, "options: scanning history failed", "db", db)
		}
		if e.Version > version {
			continue
		}
		if found == nil || e.Version > found.Version {
			entry := e
			found = &entry
		}
	}
	if found == nil {
		return parser.Options{}, errs.WrapMsg(svcerrs.ErrNotFound, "options: no options active at version", "db", db, "version", version)
	}
	return found.Options.ToOptions(), nil
}
