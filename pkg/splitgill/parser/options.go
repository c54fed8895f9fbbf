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

// Package parser converts a tree.Tree into a type-aware ParsedTree with
// parallel typed projections per leaf (spec §4.3), driven by Options built
// through OptionsBuilder (spec §6 "Options surface").
package parser

import (
	"strings"
	"time"

	"github.com/openimsdk/tools/errs"

	"github.com/NaturalHistoryMuseum/splitgill/internal/svcerrs"
)

const (
	MinKeywordLength     = 1
	MaxKeywordLength     = 32766
	DefaultKeywordLength = 8191
	DefaultFloatFormat   = "%.15g"
)

// DefaultDateFormats lists the formats tried, in order, for a string leaf:
// a bare ISO date, a naive (zone-less) ISO datetime, and a zoned ISO
// datetime. First match wins (spec §4.3).
var DefaultDateFormats = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

// GeoHint describes one {lat_field, lon_field, radius_field?, segments}
// hint applied to every map encountered while parsing (spec §4.3).
type GeoHint struct {
	LatField    string
	LonField    string
	RadiusField string
	Segments    int
}

// Options controls how Parse renders a leaf and which maps get
// geo-hint treatment. The zero value is not valid; build one with
// OptionsBuilder.
type Options struct {
	KeywordLength int
	FloatFormat   string
	DateFormats   []string
	TrueValues    map[string]struct{}
	FalseValues   map[string]struct{}
	GeoHints      []GeoHint
}

// OptionsBuilder assembles Options via the chained setters spec §6 names
// (set_keyword_length, add_date_format, ...), mirroring the functional
// construction style the teacher uses for pkg/tools/batcher.Option, but
// exposed as a stateful builder since Options here is persisted and
// versioned (internal/options.History) rather than consumed once.
type OptionsBuilder struct {
	keywordLength int
	floatFormat   string
	dateFormats   []string
	trueValues    map[string]struct{}
	falseValues   map[string]struct{}
	geoHints      []GeoHint
	err           error
}

// NewOptionsBuilder starts a builder pre-loaded with the documented
// defaults (spec §4.3).
func NewOptionsBuilder() *OptionsBuilder {
	return &OptionsBuilder{
		keywordLength: DefaultKeywordLength,
		floatFormat:   DefaultFloatFormat,
		dateFormats:   append([]string(nil), DefaultDateFormats...),
		trueValues:    map[string]struct{}{"true": {}},
		falseValues:   map[string]struct{}{"false": {}},
	}
}

func (b *OptionsBuilder) SetKeywordLength(n int) *OptionsBuilder {
	if n < MinKeywordLength || n > MaxKeywordLength {
		b.err = errs.WrapMsg(svcerrs.ErrValidation, "keyword_length out of range", "value", n, "min", MinKeywordLength, "max", MaxKeywordLength)
		return b
	}
	b.keywordLength = n
	return b
}

func (b *OptionsBuilder) SetFloatFormat(format string) *OptionsBuilder {
	b.floatFormat = format
	return b
}

func (b *OptionsBuilder) AddDateFormat(format string) *OptionsBuilder {
	b.dateFormats = append(b.dateFormats, format)
	return b
}

// ClearDateFormats empties the date format list (no string will ever
// parse as a date).
func (b *OptionsBuilder) ClearDateFormats() *OptionsBuilder {
	b.dateFormats = nil
	return b
}

// ResetDateFormats restores DefaultDateFormats, discarding any prior
// Add/Clear calls.
func (b *OptionsBuilder) ResetDateFormats() *OptionsBuilder {
	b.dateFormats = append([]string(nil), DefaultDateFormats...)
	return b
}

func (b *OptionsBuilder) AddTrueValue(v string) *OptionsBuilder {
	b.trueValues[strings.ToLower(v)] = struct{}{}
	return b
}

func (b *OptionsBuilder) AddFalseValue(v string) *OptionsBuilder {
	b.falseValues[strings.ToLower(v)] = struct{}{}
	return b
}

// AddGeoHint registers a hint. Segments defaults to 16 when <= 0, per
// spec §4.3. The lat field name must be unique across hints already
// registered on this builder.
func (b *OptionsBuilder) AddGeoHint(hint GeoHint) *OptionsBuilder {
	for _, h := range b.geoHints {
		if h.LatField == hint.LatField {
			b.err = errs.WrapMsg(svcerrs.ErrValidation, "duplicate geo hint lat_field", "lat_field", hint.LatField)
			return b
		}
	}
	if hint.Segments <= 0 {
		hint.Segments = 16
	}
	b.geoHints = append(b.geoHints, hint)
	return b
}

func (b *OptionsBuilder) ClearGeoHints() *OptionsBuilder {
	b.geoHints = nil
	return b
}

// Build validates and returns the assembled Options, or the first error
// recorded by a setter.
func (b *OptionsBuilder) Build() (Options, error) {
	if b.err != nil {
		return Options{}, b.err
	}
	return Options{
		KeywordLength: b.keywordLength,
		FloatFormat:   b.floatFormat,
		DateFormats:   append([]string(nil), b.dateFormats...),
		TrueValues:    copyStringSet(b.trueValues),
		FalseValues:   copyStringSet(b.falseValues),
		GeoHints:      append([]GeoHint(nil), b.geoHints...),
	}, nil
}

func copyStringSet(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}
