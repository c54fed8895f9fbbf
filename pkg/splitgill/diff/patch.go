package diff

import (
	"github.com/openimsdk/tools/errs"

	"github.com/NaturalHistoryMuseum/splitgill/internal/svcerrs"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/tree"
)

// Apply replays d against root in order, returning the resulting tree.
// It is the inverse of Compute: for any a, b, Apply(a, Compute(a, b)) ==
// b. Apply only fails on a structurally invalid op against root — one a
// diff produced by Compute against the same root can never contain, but
// a foreign or corrupted diff might (e.g. an OpInsert against a map).
func Apply(root tree.Tree, d Diff) (tree.Tree, error) {
	cur := root
	for _, op := range d {
		next, err := applyOp(cur, op)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

func applyOp(root tree.Tree, op Op) (tree.Tree, error) {
	if len(op.Path) == 0 {
		switch op.Code {
		case OpSet, OpReplaceContainer, OpReplaceScalar:
			return op.Payload, nil
		default:
			return nil, errs.WrapMsg(svcerrs.ErrValidation, "diff: op requires a non-empty path", "code", int(op.Code))
		}
	}
	return applyAt(root, op.Path, op)
}

func applyAt(node tree.Tree, path Path, op Op) (tree.Tree, error) {
	key := path[0]
	if len(path) == 1 {
		return applyLeaf(node, key, op)
	}

	switch k := key.(type) {
	case string:
		m, ok := node.(map[string]tree.Tree)
		if !ok {
			return nil, errs.WrapMsg(svcerrs.ErrValidation, "diff: expected map at path segment", "key", k)
		}
		child, ok := m[k]
		if !ok {
			return nil, errs.WrapMsg(svcerrs.ErrValidation, "diff: missing key on apply", "key", k)
		}
		newChild, err := applyAt(child, path[1:], op)
		if err != nil {
			return nil, err
		}
		m[k] = newChild
		return m, nil
	case int:
		l, ok := node.([]tree.Tree)
		if !ok {
			return nil, errs.WrapMsg(svcerrs.ErrValidation, "diff: expected list at path segment", "index", k)
		}
		if k < 0 || k >= len(l) {
			return nil, errs.WrapMsg(svcerrs.ErrValidation, "diff: list index out of range", "index", k, "len", len(l))
		}
		newChild, err := applyAt(l[k], path[1:], op)
		if err != nil {
			return nil, err
		}
		l[k] = newChild
		return l, nil
	default:
		return nil, errs.WrapMsg(svcerrs.ErrValidation, "diff: unsupported path segment type")
	}
}

func applyLeaf(node tree.Tree, key any, op Op) (tree.Tree, error) {
	switch k := key.(type) {
	case string:
		m, ok := node.(map[string]tree.Tree)
		if !ok {
			return nil, errs.WrapMsg(svcerrs.ErrValidation, "diff: expected map for string key", "key", k)
		}
		switch op.Code {
		case OpSet, OpReplaceContainer, OpReplaceScalar:
			m[k] = op.Payload
		case OpDelete:
			delete(m, k)
		default:
			return nil, errs.WrapMsg(svcerrs.ErrValidation, "diff: op not valid on a map key", "code", int(op.Code))
		}
		return m, nil
	case int:
		l, ok := node.([]tree.Tree)
		if !ok {
			return nil, errs.WrapMsg(svcerrs.ErrValidation, "diff: expected list for index key", "index", k)
		}
		switch op.Code {
		case OpInsert:
			if k < 0 || k > len(l) {
				return nil, errs.WrapMsg(svcerrs.ErrValidation, "diff: insert index out of range", "index", k, "len", len(l))
			}
			l = append(l, nil)
			copy(l[k+1:], l[k:])
			l[k] = op.Payload
			return l, nil
		case OpRemove:
			if k < 0 || k >= len(l) {
				return nil, errs.WrapMsg(svcerrs.ErrValidation, "diff: remove index out of range", "index", k, "len", len(l))
			}
			l = append(l[:k], l[k+1:]...)
			return l, nil
		case OpSet, OpReplaceContainer, OpReplaceScalar:
			if k < 0 || k >= len(l) {
				return nil, errs.WrapMsg(svcerrs.ErrValidation, "diff: list index out of range", "index", k, "len", len(l))
			}
			l[k] = op.Payload
			return l, nil
		default:
			return nil, errs.WrapMsg(svcerrs.ErrValidation, "diff: unsupported op on list", "code", int(op.Code))
		}
	default:
		return nil, errs.WrapMsg(svcerrs.ErrValidation, "diff: unsupported path segment type")
	}
}
