package parser_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/parser"
	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/tree"
)

func mustOpts(t *testing.T, build func(b *parser.OptionsBuilder) *parser.OptionsBuilder) parser.Options {
	t.Helper()
	opts, err := build(parser.NewOptionsBuilder()).Build()
	require.NoError(t, err)
	return opts
}

func TestDefaultOptions(t *testing.T) {
	opts := mustOpts(t, func(b *parser.OptionsBuilder) *parser.OptionsBuilder { return b })
	assert.Equal(t, parser.DefaultKeywordLength, opts.KeywordLength)
}

func TestKeywordLengthBoundaries(t *testing.T) {
	_, err := parser.NewOptionsBuilder().SetKeywordLength(1).Build()
	assert.NoError(t, err)
	_, err = parser.NewOptionsBuilder().SetKeywordLength(parser.MaxKeywordLength).Build()
	assert.NoError(t, err)
	_, err = parser.NewOptionsBuilder().SetKeywordLength(0).Build()
	assert.Error(t, err)
	_, err = parser.NewOptionsBuilder().SetKeywordLength(32767).Build()
	assert.Error(t, err)
}

func TestKeywordTruncationIsCodepointExact(t *testing.T) {
	opts := mustOpts(t, func(b *parser.OptionsBuilder) *parser.OptionsBuilder { return b.SetKeywordLength(1) })
	data := map[string]tree.Tree{"x": "héllo"}
	out := parser.Parse(data, opts, nil)
	leaf := out["x"].(*parser.Leaf)
	require.NotNil(t, leaf.Keyword)
	assert.Equal(t, "h", *leaf.Keyword)
}

func TestBoolLeafCaseInsensitive(t *testing.T) {
	opts := mustOpts(t, func(b *parser.OptionsBuilder) *parser.OptionsBuilder { return b })
	out := parser.Parse(map[string]tree.Tree{"x": "TRUE"}, opts, nil)
	leaf := out["x"].(*parser.Leaf)
	require.NotNil(t, leaf.Bool)
	assert.True(t, *leaf.Bool)

	out = parser.Parse(map[string]tree.Tree{"x": "True-ish"}, opts, nil)
	leaf = out["x"].(*parser.Leaf)
	assert.Nil(t, leaf.Bool)
}

func TestNaiveDateGetsUTC(t *testing.T) {
	opts := mustOpts(t, func(b *parser.OptionsBuilder) *parser.OptionsBuilder { return b })
	out := parser.Parse(map[string]tree.Tree{"x": "2020-01-02T03:04:05"}, opts, nil)
	leaf := out["x"].(*parser.Leaf)
	require.NotNil(t, leaf.DateMillis)
	assert.Equal(t, int64(1577934245000), *leaf.DateMillis)
}

func TestNullProducesNoLeafButEmptyStringDoes(t *testing.T) {
	opts := mustOpts(t, func(b *parser.OptionsBuilder) *parser.OptionsBuilder { return b })
	out := parser.Parse(map[string]tree.Tree{"a": "", "b": nil}, opts, nil)

	assert.Nil(t, out["b"])

	leaf, ok := out["a"].(*parser.Leaf)
	require.True(t, ok, "empty string must produce a Leaf, not nil, so it stays distinguishable from null")
	require.NotNil(t, leaf.Text)
	assert.Equal(t, "", *leaf.Text)
	require.NotNil(t, leaf.Keyword)
	assert.Equal(t, "", *leaf.Keyword)
	assert.Nil(t, leaf.Number)
	assert.Nil(t, leaf.DateMillis)
	assert.Nil(t, leaf.Bool)
}

func TestNullRetainsPositionInList(t *testing.T) {
	opts := mustOpts(t, func(b *parser.OptionsBuilder) *parser.OptionsBuilder { return b })
	out := parser.Parse(map[string]tree.Tree{"a": []tree.Tree{"x", nil, "y"}}, opts, nil)
	list := out["a"].([]parser.Node)
	require.Len(t, list, 3)
	assert.Nil(t, list[1])
}

func TestFloatLeaf(t *testing.T) {
	opts := mustOpts(t, func(b *parser.OptionsBuilder) *parser.OptionsBuilder { return b })
	out := parser.Parse(map[string]tree.Tree{"h": 40.6}, opts, nil)
	leaf := out["h"].(*parser.Leaf)
	require.NotNil(t, leaf.Number)
	assert.Equal(t, 40.6, *leaf.Number)
}

func TestGeoHintWithRadius(t *testing.T) {
	opts := mustOpts(t, func(b *parser.OptionsBuilder) *parser.OptionsBuilder {
		return b.AddGeoHint(parser.GeoHint{LatField: "lat", LonField: "lon", RadiusField: "r_m", Segments: 8})
	})
	out := parser.Parse(map[string]tree.Tree{"lat": 51.5, "lon": -0.1, "r_m": 100.0}, opts, nil)
	m := out
	require.Contains(t, m, "_gp")
	require.Contains(t, m, "_gs")
	assert.Contains(t, m["_gp"].(string), "POINT")
	assert.Contains(t, m["_gs"].(string), "POLYGON")
}

func TestGeoJSONPointDetection(t *testing.T) {
	opts := mustOpts(t, func(b *parser.OptionsBuilder) *parser.OptionsBuilder { return b })
	out := parser.Parse(map[string]tree.Tree{
		"loc": map[string]tree.Tree{"type": "Point", "coordinates": []tree.Tree{-0.1, 51.5}},
	}, opts, nil)
	loc := out["loc"].(map[string]parser.Node)
	require.Contains(t, loc, "_gs")
	assert.Contains(t, loc["_gs"].(string), "POINT")
}

func TestRootMapNotScannedForGeoJSON(t *testing.T) {
	opts := mustOpts(t, func(b *parser.OptionsBuilder) *parser.OptionsBuilder { return b })
	out := parser.Parse(map[string]tree.Tree{"type": "Point", "coordinates": []tree.Tree{-0.1, 51.5}}, opts, nil)
	assert.NotContains(t, out, "_gs")
}

func TestPolygonUnclosedRejected(t *testing.T) {
	opts := mustOpts(t, func(b *parser.OptionsBuilder) *parser.OptionsBuilder { return b })
	out := parser.Parse(map[string]tree.Tree{"x": "POLYGON((0 0, 1 0, 1 1, 0 0.5))"}, opts, nil)
	leaf := out["x"].(*parser.Leaf)
	assert.Nil(t, leaf.GeoShape)
}

func TestCollectTypesEndToEnd(t *testing.T) {
	opts := mustOpts(t, func(b *parser.OptionsBuilder) *parser.OptionsBuilder { return b })
	out := parser.Parse(map[string]tree.Tree{"n": "Jeremy", "t": "llama", "h": 40.6}, opts, nil)
	dataTypes, parsedTypes := parser.CollectTypes(out)
	assert.Contains(t, dataTypes, "h:float")
	assert.Contains(t, dataTypes, "t:str")
	assert.Contains(t, dataTypes, "n:str")
	assert.Contains(t, parsedTypes, "h:n")
}
