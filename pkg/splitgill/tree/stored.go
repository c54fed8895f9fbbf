package tree

import "strconv"

// StoredRecord is the document-store row shape (spec §3 "Stored Record").
// Diffs is keyed by the version string at which the record changed,
// excluding the most recent change (which is materialized directly in
// Data). Next/NextVersion are only populated while a mutation is staged
// but not yet committed.
type StoredRecord struct {
	ID      string          `bson:"_id"`
	Data    map[string]Tree `bson:"data"`
	Version int64           `bson:"version"`
	// ContentHash is ContentHash(Data), kept alongside Data so a caller
	// can cheaply tell two records' data apart (or tell a staged Next
	// apart from the current Data) without a structural Equal.
	ContentHash []byte             `bson:"content_hash,omitempty"`
	Diffs       map[string]RawDiff `bson:"diffs"`
	// Next has no omitempty: bson's omitempty treats a non-nil empty map
	// the same as a nil one, which would make a staged delete (Next set
	// to an empty map) indistinguishable from "nothing staged" once
	// round-tripped through a real document store. Leaving the tag bare
	// means nil encodes to BSON null and an empty map encodes to {},
	// so a $ne:null query still finds it.
	Next        map[string]Tree `bson:"next"`
	NextVersion *int64          `bson:"next_version,omitempty"`
}

// RawDiff is the on-the-wire representation of diff.Diff: an ordered list
// of [op_code, path, payload] triples. It lives in this package (rather
// than diff, which would otherwise be the natural home) purely to let
// StoredRecord avoid importing the diff package, which itself needs Tree
// from here — diff keeps its own Diff type ([]diff.Op) and converts to and
// from this shape with diff.ToRaw / diff.FromRaw.
type RawDiff = []RawOp

// RawOp is one [op_code, path, payload] triple.
type RawOp struct {
	Code    int    `bson:"op"`
	Path    []any  `bson:"path"`
	Payload Tree   `bson:"val,omitempty"`
}

// VersionKey formats a version as the string key used in StoredRecord.Diffs
// and in search-document ids ({record_id}:{version}).
func VersionKey(v int64) string {
	return strconv.FormatInt(v, 10)
}
