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

// Package diff computes and applies minimal, reversible patches between
// two tree.Tree values (spec §4.1). Compute walks both trees in parallel
// and is total over the Tree grammar; Apply replays a Diff's ops in
// order. Lists are compared index-aligned rather than via an LCS search:
// this can over-report the size of a middle-insertion diff, but the
// tradeoff is deliberate (spec §9 open question) — changing it would
// break round-trip reconstruction of diffs already persisted under the
// old strategy.
package diff

import (
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/tree"
)

// OpCode identifies a patch operation kind.
type OpCode int

const (
	// OpSet sets (or overwrites) the value at Path.
	OpSet OpCode = iota
	// OpDelete removes the map key at Path; Apply rejects it against a
	// list.
	OpDelete
	// OpInsert inserts Payload into the list at Path (a list index).
	OpInsert
	// OpRemove removes the list element at Path (a list index); it is the
	// list counterpart of OpDelete.
	OpRemove
	// OpReplaceContainer replaces the value at Path (a scalar, or a
	// container of the other shape) with the container in Payload (a map
	// or list).
	OpReplaceContainer
	// OpReplaceScalar replaces a container at Path with the scalar in
	// Payload.
	OpReplaceScalar
)

// Path is an ordered sequence of map keys (string) and list indices
// (int), root-relative.
type Path []any

// Op is one patch operation.
type Op struct {
	Code    OpCode
	Path    Path
	Payload tree.Tree
}

// Diff is an ordered list of patch operations transforming a into b, for
// whatever two trees a caller passed to Compute. Order is significant:
// Apply replays ops in the order they appear here.
//
// Splitgill's Record Store uses this in the "backwards from current"
// direction spec §3 describes: at commit, Store.Commit computes
// Compute(newData, previousData) and files it under the previous
// version's key, so that reconstructing any past version means starting
// at the current (newest) data and applying stored diffs, in descending
// version-key order, back down to the target version.
type Diff []Op

// Compute returns the minimal Diff transforming a into b: Apply(a,
// Compute(a, b)) == b.
func Compute(a, b tree.Tree) Diff {
	var d Diff
	computeInto(&d, Path{}, a, b)
	return d
}

func computeInto(d *Diff, path Path, a, b tree.Tree) {
	ka, kb := tree.KindOf(a), tree.KindOf(b)

	switch {
	case ka == tree.KindMap && kb == tree.KindMap:
		computeMap(d, path, a.(map[string]tree.Tree), b.(map[string]tree.Tree))
		return
	case ka == tree.KindList && kb == tree.KindList:
		computeList(d, path, a.([]tree.Tree), b.([]tree.Tree))
		return
	}

	// Shape mismatch or scalar change: emit a single replace/set op.
	if tree.Equal(a, b) {
		return
	}
	switch {
	case isContainer(ka) && !isContainer(kb):
		*d = append(*d, Op{Code: OpReplaceScalar, Path: clonePath(path), Payload: b})
	case !isContainer(ka) && isContainer(kb):
		*d = append(*d, Op{Code: OpReplaceContainer, Path: clonePath(path), Payload: b})
	case isContainer(ka) && isContainer(kb):
		// map<->list: wholesale replace, represented as a container swap.
		*d = append(*d, Op{Code: OpReplaceContainer, Path: clonePath(path), Payload: b})
	default:
		*d = append(*d, Op{Code: OpSet, Path: clonePath(path), Payload: b})
	}
}

func isContainer(k tree.Kind) bool {
	return k == tree.KindMap || k == tree.KindList
}

func computeMap(d *Diff, path Path, a, b map[string]tree.Tree) {
	for _, k := range tree.SortedKeys(a) {
		if _, ok := b[k]; !ok {
			*d = append(*d, Op{Code: OpDelete, Path: append(clonePath(path), k)})
		}
	}
	for _, k := range tree.SortedKeys(b) {
		av, ok := a[k]
		if !ok {
			*d = append(*d, Op{Code: OpSet, Path: append(clonePath(path), k), Payload: b[k]})
			continue
		}
		computeInto(d, append(clonePath(path), k), av, b[k])
	}
}

// computeList performs an index-aligned comparison: common indices are
// diffed in place, then the longer list's tail is inserted/removed at
// absolute indices. See the package doc for why this isn't LCS-based.
func computeList(d *Diff, path Path, a, b []tree.Tree) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		computeInto(d, append(clonePath(path), i), a[i], b[i])
	}
	switch {
	case len(b) > len(a):
		for i := len(a); i < len(b); i++ {
			*d = append(*d, Op{Code: OpInsert, Path: append(clonePath(path), i), Payload: b[i]})
		}
	case len(a) > len(b):
		// Remove from the end backwards so each op's index is still valid
		// against the list state at the moment it's applied.
		for i := len(a) - 1; i >= len(b); i-- {
			*d = append(*d, Op{Code: OpRemove, Path: append(clonePath(path), i)})
		}
	}
}

func clonePath(p Path) Path {
	out := make(Path, len(p))
	copy(out, p)
	return out
}
