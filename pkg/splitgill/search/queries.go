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

// Package search holds Splitgill's Search Helpers (spec §4.8): pure,
// I/O-free builders that assemble search-engine query bodies against the
// dynamic-template field layout the Indexer writes (§6), plus
// RebuildData, the Parser's exact inverse.
package search

import (
	"fmt"

	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/parser"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/tree"
)

// Query is an engine-agnostic query body: a JSON-shaped document a
// caller's search client serializes and submits. Splitgill never talks
// to a search engine directly (spec §1 non-goals), so this is as close
// to a concrete type as the builders get.
type Query map[string]any

// VersionQuery matches documents whose versions range contains v — the
// query a Get-at-version lookup issues against a historical index.
func VersionQuery(v int64) Query {
	return Query{"term": Query{"versions": v}}
}

// IDQuery matches the document for a single record id (its latest
// version, typically run against the latest index).
func IDQuery(id string) Query {
	return Query{"term": Query{"id": id}}
}

// TermQuery matches an exact value at path, choosing the parsed subfield
// from value's kind: bool -> "_b", int/float -> "_n", string -> "_k".
// Containers are not valid term query values.
func TermQuery(path string, value tree.Tree) (Query, error) {
	switch tree.KindOf(value) {
	case tree.KindBool:
		return Query{"term": Query{path + "._b": value}}, nil
	case tree.KindInt:
		return Query{"term": Query{path + "._n": float64(tree.AsInt64(value))}}, nil
	case tree.KindFloat:
		return Query{"term": Query{path + "._n": tree.AsFloat64(value)}}, nil
	case tree.KindString:
		return Query{"term": Query{path + "._k": value}}, nil
	default:
		return nil, fmt.Errorf("search: term query value must be bool, int, float or string, got %s", tree.KindOf(value).String())
	}
}

// RangeQuery matches numeric values at path between lo and hi
// (inclusive); either bound may be nil for an open range.
func RangeQuery(path string, lo, hi *float64) Query {
	bounds := Query{}
	if lo != nil {
		bounds["gte"] = *lo
	}
	if hi != nil {
		bounds["lte"] = *hi
	}
	return Query{"range": Query{path + "._n": bounds}}
}

// DateRangeQuery matches date values at path between lo and hi
// (epoch-millisecond bounds, inclusive); either bound may be nil.
func DateRangeQuery(path string, lo, hi *int64) Query {
	bounds := Query{}
	if lo != nil {
		bounds["gte"] = *lo
	}
	if hi != nil {
		bounds["lte"] = *hi
	}
	return Query{"range": Query{path + "._d": bounds}}
}

// TextQuery runs a full-text match against path's "_t" subfield.
func TextQuery(path, q string) Query {
	return Query{"match": Query{path + "._t": q}}
}

// GeoDistanceQuery matches documents whose "_gp" point at path lies
// within radiusMeters of (lat, lon).
func GeoDistanceQuery(path string, lat, lon, radiusMeters float64) Query {
	return Query{
		"geo_distance": Query{
			"distance":     fmt.Sprintf("%gm", radiusMeters),
			path + "._gp": Query{"lat": lat, "lon": lon},
		},
	}
}

// GeoShapeIntersectsQuery matches documents whose "_gs" shape at path
// intersects the shape described by wkt.
func GeoShapeIntersectsQuery(path, wkt string) Query {
	return Query{
		"geo_shape": Query{
			path + "._gs": Query{
				"shape":    Query{"type": "wkt", "value": wkt},
				"relation": "intersects",
			},
		},
	}
}

// RebuildData inverts the Parser: it strips every synthetic "_*" key and
// every parsed-leaf projection, returning the original Tree that was
// given to parser.Parse.
func RebuildData(parsed map[string]parser.Node) map[string]tree.Tree {
	return rebuildMap(parsed)
}

func rebuildMap(m map[string]parser.Node) map[string]tree.Tree {
	out := make(map[string]tree.Tree, len(m))
	for k, child := range m {
		if k == "_gp" || k == "_gs" {
			continue
		}
		out[k] = rebuildNode(child)
	}
	return out
}

func rebuildNode(node parser.Node) tree.Tree {
	switch v := node.(type) {
	case nil:
		return nil
	case *parser.Leaf:
		return v.Unparsed
	case map[string]parser.Node:
		return rebuildMap(v)
	case []parser.Node:
		out := make([]tree.Tree, len(v))
		for i, child := range v {
			out[i] = rebuildNode(child)
		}
		return out
	default:
		return nil
	}
}
