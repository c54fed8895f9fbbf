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

// Package tree defines Splitgill's versioned data model: the recursive
// JSON-like Tree value, the Record a caller ingests, and the StoredRecord
// document-store row that accumulates a diff chain across commits.
package tree

import (
	"math"
	"sort"
	"strings"

	"github.com/openimsdk/tools/errs"

	"github.com/NaturalHistoryMuseum/splitgill/internal/svcerrs"
)

// ErrReservedKey is svcerrs.ErrValidation, re-exported under a name local
// to this failure mode for callers that want to errors.Is against it
// specifically.
var ErrReservedKey = svcerrs.ErrValidation

// Tree is the recursive value grammar: nil | bool | int64 | float64 |
// string | []Tree | map[string]Tree. KindOf and Equal additionally accept
// Go's other sized int types and float32, folding them into KindInt and
// KindFloat; any other Go type is KindUnsupported.
type Tree = any

// Kind classifies a Tree value for diffing and parsing.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "str"
	case KindList:
		return "list"
	case KindMap:
		return "dict"
	default:
		return "unsupported"
	}
}

// KindOf classifies v. Integers arriving as any of Go's sized int types
// (as happens after BSON/JSON decode round-trips) are normalized to
// KindInt; likewise for floats.
func KindOf(v Tree) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return KindInt
	case float32, float64:
		return KindFloat
	case string:
		return KindString
	case []Tree:
		return KindList
	case map[string]Tree:
		return KindMap
	default:
		return KindUnsupported
	}
}

// AsInt64 normalizes any KindInt value to int64. It panics if v is not a
// KindInt value; callers must check KindOf first.
func AsInt64(v Tree) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	}
	panic("tree: AsInt64 called on non-int value")
}

// AsFloat64 normalizes any KindFloat value to float64.
func AsFloat64(v Tree) float64 {
	switch n := v.(type) {
	case float32:
		return float64(n)
	case float64:
		return n
	}
	panic("tree: AsFloat64 called on non-float value")
}

// Record is the caller-facing unit of ingest: a stable id, its current
// data tree, and (on read) the version it was materialized at.
type Record struct {
	ID      string
	Data    map[string]Tree
	Version *int64
}

// Equal reports whether a and b are the same Tree value. Float comparison
// is bit-exact (math.Float64bits), so 0.0 and -0.0 differ and a NaN only
// equals a NaN with the same bit pattern; nil and a missing map key are
// distinct by construction since callers only ever call Equal on two
// present values.
func Equal(a, b Tree) bool {
	ka, kb := KindOf(a), KindOf(b)
	if ka != kb {
		return false
	}
	switch ka {
	case KindNull:
		return true
	case KindBool:
		return a.(bool) == b.(bool)
	case KindInt:
		return AsInt64(a) == AsInt64(b)
	case KindFloat:
		return math.Float64bits(AsFloat64(a)) == math.Float64bits(AsFloat64(b))
	case KindString:
		return a.(string) == b.(string)
	case KindList:
		la, lb := a.([]Tree), b.([]Tree)
		if len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !Equal(la[i], lb[i]) {
				return false
			}
		}
		return true
	case KindMap:
		ma, mb := a.(map[string]Tree), b.(map[string]Tree)
		if len(ma) != len(mb) {
			return false
		}
		for k, v := range ma {
			ov, ok := mb[k]
			if !ok || !Equal(v, ov) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Clone deep-copies a Tree so mutating the result can never affect v.
// Diff replay (diff.Apply) mutates containers in place, so reconstructing
// a historical state from a StoredRecord's current Data must clone first.
func Clone(v Tree) Tree {
	switch t := v.(type) {
	case map[string]Tree:
		out := make(map[string]Tree, len(t))
		for k, child := range t {
			out[k] = Clone(child)
		}
		return out
	case []Tree:
		out := make([]Tree, len(t))
		for i, child := range t {
			out[i] = Clone(child)
		}
		return out
	default:
		return v
	}
}

// ValidateKeys rejects any map key beginning with "_" other than "_id",
// recursively through lists and nested maps, per spec §3/§9: the reserved
// namespace is enforced at ingest, not at parse time.
func ValidateKeys(data Tree) error {
	switch v := data.(type) {
	case map[string]Tree:
		for k, child := range v {
			if strings.HasPrefix(k, "_") && k != "_id" {
				return errs.WrapMsg(ErrReservedKey, "reserved key", "key", k)
			}
			if err := ValidateKeys(child); err != nil {
				return err
			}
		}
	case []Tree:
		for _, child := range v {
			if err := ValidateKeys(child); err != nil {
				return err
			}
		}
	}
	return nil
}

// SortedKeys returns a map's keys in sorted order, used wherever Compute
// or the Parser must emit in a deterministic order.
func SortedKeys(m map[string]Tree) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
