package tree_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/tree"
)

func TestEqualBitExactFloat(t *testing.T) {
	assert.True(t, tree.Equal(1.0, 1.0))
	assert.False(t, tree.Equal(1.0, 1.0000000001))
	assert.True(t, tree.Equal(math.NaN(), math.NaN()))
}

func TestEqualNullVsMissing(t *testing.T) {
	a := map[string]tree.Tree{"x": nil}
	b := map[string]tree.Tree{}
	assert.False(t, tree.Equal(a, b))
}

func TestValidateKeysRejectsReserved(t *testing.T) {
	err := tree.ValidateKeys(map[string]tree.Tree{"_secret": 1})
	assert.Error(t, err)
}

func TestValidateKeysAllowsID(t *testing.T) {
	err := tree.ValidateKeys(map[string]tree.Tree{"_id": "r1"})
	assert.NoError(t, err)
}

func TestValidateKeysRecursesIntoListsAndMaps(t *testing.T) {
	err := tree.ValidateKeys(map[string]tree.Tree{
		"nested": []tree.Tree{map[string]tree.Tree{"_bad": 1}},
	})
	assert.Error(t, err)
}
