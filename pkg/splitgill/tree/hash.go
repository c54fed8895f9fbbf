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

package tree

import (
	"encoding/binary"
	"strconv"

	"github.com/zeebo/blake3"
)

// ContentHashSize is the truncated BLAKE3 digest length used throughout,
// matching ImGajeed76-pgit/internal/util/hash.go's choice of 16 bytes
// (128 bits) as still-collision-resistant enough for a change-detection
// fingerprint rather than a cryptographic commitment.
const ContentHashSize = 16

// ContentHash returns a deterministic fingerprint of data, stable across
// process restarts and independent of Go map iteration order. Two trees
// with equal ContentHash are Equal; this lets callers skip an expensive
// structural Equal/diff when the hashes already differ, and skip a
// repeat of downstream work (e.g. re-parsing for search, spec §4.5) when
// they match.
func ContentHash(data map[string]Tree) []byte {
	h := blake3.New()
	hashValue(h, data)
	sum := h.Sum(nil)
	return sum[:ContentHashSize]
}

// hashValue feeds v into h using a self-delimiting encoding: every value
// is preceded by a one-byte kind tag so that, e.g., the string "1" and
// the int 1 never collide, and map keys are visited in sorted order so
// the result doesn't depend on Go's randomized map iteration.
func hashValue(h *blake3.Hasher, v Tree) {
	switch KindOf(v) {
	case KindNull:
		h.Write([]byte{0})
	case KindBool:
		if v.(bool) {
			h.Write([]byte{1, 1})
		} else {
			h.Write([]byte{1, 0})
		}
	case KindInt:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(AsInt64(v)))
		h.Write([]byte{2})
		h.Write(buf[:])
	case KindFloat:
		h.Write([]byte{3})
		h.Write([]byte(strconv.FormatFloat(AsFloat64(v), 'g', -1, 64)))
	case KindString:
		h.Write([]byte{4})
		writeLengthPrefixed(h, []byte(v.(string)))
	case KindList:
		list := v.([]Tree)
		h.Write([]byte{5})
		for _, e := range list {
			hashValue(h, e)
		}
		h.Write([]byte{6})
	case KindMap:
		m := v.(map[string]Tree)
		h.Write([]byte{7})
		for _, k := range SortedKeys(m) {
			writeLengthPrefixed(h, []byte(k))
			hashValue(h, m[k])
		}
		h.Write([]byte{8})
	default:
		h.Write([]byte{9})
	}
}

func writeLengthPrefixed(h *blake3.Hasher, b []byte) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(len(b)))
	h.Write(buf[:])
	h.Write(b)
}
