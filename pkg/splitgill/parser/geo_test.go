package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWKTPoint(t *testing.T) {
	sh, ok := parseWKT("POINT(-0.1 51.5)")
	require.True(t, ok)
	assert.True(t, sh.hasCentroid)
	assert.Equal(t, -0.1, sh.centroidLon)
	assert.Equal(t, 51.5, sh.centroidLat)
}

func TestParseWKTPointRejectsOutOfRangeCoords(t *testing.T) {
	_, ok := parseWKT("POINT(200 51.5)")
	assert.False(t, ok)
}

func TestParseWKTLineString(t *testing.T) {
	sh, ok := parseWKT("LINESTRING(-0.1 51.5, 0.1 51.6)")
	require.True(t, ok)
	assert.True(t, sh.hasCentroid)
}

func TestParseWKTValidPolygon(t *testing.T) {
	// Counter-clockwise unit square, closed.
	_, ok := parseWKT("POLYGON((0 0, 1 0, 1 1, 0 1, 0 0))")
	assert.True(t, ok)
}

func TestParseWKTRejectsUnclosedPolygon(t *testing.T) {
	_, ok := parseWKT("POLYGON((0 0, 1 0, 1 1, 0 1))")
	assert.False(t, ok)
}

func TestParseWKTRejectsClockwiseWinding(t *testing.T) {
	// Same square, reversed (clockwise) order: fails RFC 7946 winding.
	_, ok := parseWKT("POLYGON((0 0, 0 1, 1 1, 1 0, 0 0))")
	assert.False(t, ok)
}

func TestParseWKTRejectsSelfIntersectingPolygon(t *testing.T) {
	// Closed, in-bounds, and correctly wound counter-clockwise (positive
	// signedArea) — the only thing wrong with this ring is that its
	// edges cross, which only ringSimple catches.
	_, ok := parseWKT("POLYGON((0 0, 5 0, 5 5, 0 2, 2 6, 0 0))")
	assert.False(t, ok)
}

func TestRingSimpleAcceptsSquare(t *testing.T) {
	square := [][2]float64{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}
	assert.True(t, ringSimple(square))
}

func TestRingSimpleRejectsSelfIntersectingRingWithPositiveArea(t *testing.T) {
	ring := [][2]float64{{0, 0}, {5, 0}, {5, 5}, {0, 2}, {2, 6}, {0, 0}}
	require.Greater(t, signedArea(ring), 0.0, "fixture must have correct winding so only simplicity is under test")
	assert.False(t, ringSimple(ring))
}

func TestRingClosedRejectsOpenRing(t *testing.T) {
	open := [][2]float64{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
	assert.False(t, ringClosed(open))
}

func TestRingClosedAcceptsClosedRing(t *testing.T) {
	closed := [][2]float64{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}
	assert.True(t, ringClosed(closed))
}

func TestSignedAreaWindingDirection(t *testing.T) {
	ccw := [][2]float64{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}
	cw := [][2]float64{{0, 0}, {0, 1}, {1, 1}, {1, 0}, {0, 0}}
	assert.Greater(t, signedArea(ccw), 0.0)
	assert.Less(t, signedArea(cw), 0.0)
}

func TestCircleRingIsClosedAndSimple(t *testing.T) {
	ring := circleRing(51.5, -0.1, 1000, 8)
	assert.True(t, ringClosed(ring))
	assert.True(t, ringValidCoords(ring))
	assert.True(t, ringSimple(ring))
}

func TestSegmentsIntersectCrossing(t *testing.T) {
	assert.True(t, segmentsIntersect([2]float64{0, 0}, [2]float64{1, 1}, [2]float64{0, 1}, [2]float64{1, 0}))
}

func TestSegmentsIntersectParallelNonTouching(t *testing.T) {
	assert.False(t, segmentsIntersect([2]float64{0, 0}, [2]float64{1, 0}, [2]float64{0, 1}, [2]float64{1, 1}))
}
