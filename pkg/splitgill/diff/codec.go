package diff

import "github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/tree"

// ToRaw converts a Diff to the bson-friendly tree.RawDiff shape used in
// tree.StoredRecord.Diffs.
func ToRaw(d Diff) tree.RawDiff {
	raw := make(tree.RawDiff, len(d))
	for i, op := range d {
		raw[i] = tree.RawOp{Code: int(op.Code), Path: []any(op.Path), Payload: op.Payload}
	}
	return raw
}

// FromRaw is ToRaw's inverse.
func FromRaw(raw tree.RawDiff) Diff {
	d := make(Diff, len(raw))
	for i, op := range raw {
		d[i] = Op{Code: OpCode(op.Code), Path: Path(op.Path), Payload: op.Payload}
	}
	return d
}
