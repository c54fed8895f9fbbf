package parser

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/NaturalHistoryMuseum/splitgill/pkg/splitgill/tree"
)

// Leaf is the parsed projection of one non-container value: the
// unparsed original plus whichever typed sub-fields apply (spec §4.3's
// leaf-rule table). A nil pointer field means that projection doesn't
// apply to this value.
type Leaf struct {
	Unparsed   tree.Tree
	Text       *string
	Keyword    *string
	Number     *float64
	DateMillis *int64
	Bool       *bool
	GeoPoint   *string
	GeoShape   *string
}

// Node is one position in a ParsedTree: *Leaf for a parsed scalar
// (including an empty string, which gets its own sentinel Leaf rather
// than collapsing into the null case below), nil for a null leaf
// (retained to preserve position inside lists), map[string]Node for an
// object (which may also carry synthetic string-valued "_gp"/"_gs"
// sibling keys from GeoJSON detection or geo hints), or []Node for an
// array.
type Node any

// Parse converts data into its ParsedTree. The root map is never
// scanned for GeoJSON (spec §4.3); geo hints apply to it like any other
// map. cache may be nil, in which case every leaf is parsed fresh.
func Parse(data map[string]tree.Tree, opts Options, cache *Cache) map[string]Node {
	return parseMap(data, opts, cache, true)
}

func parseValue(v tree.Tree, opts Options, cache *Cache) Node {
	switch tree.KindOf(v) {
	case tree.KindMap:
		return parseMap(v.(map[string]tree.Tree), opts, cache, false)
	case tree.KindList:
		return parseList(v.([]tree.Tree), opts, cache)
	case tree.KindNull:
		return nil
	case tree.KindBool:
		return parseBool(v.(bool), opts, cache)
	case tree.KindInt:
		return parseInt(tree.AsInt64(v), opts, cache)
	case tree.KindFloat:
		return parseFloat(tree.AsFloat64(v), opts, cache)
	case tree.KindString:
		return parseString(v.(string), opts, cache)
	default:
		return nil
	}
}

func parseMap(m map[string]tree.Tree, opts Options, cache *Cache, isRoot bool) map[string]Node {
	out := make(map[string]Node, len(m))
	for k, v := range m {
		out[k] = parseValue(v, opts, cache)
	}
	if !isRoot {
		if typ, coords, ok := detectGeoJSON(m); ok {
			if wkt, ok := geoJSONToWKT(typ, coords); ok {
				if sh, ok := parseWKT(wkt); ok {
					out["_gs"] = wkt
					if sh.hasCentroid {
						out["_gp"] = pointWKT(sh.centroidLon, sh.centroidLat)
					}
				}
			}
		}
	}
	for _, hint := range opts.GeoHints {
		applyGeoHint(m, hint, out)
	}
	return out
}

func parseList(l []tree.Tree, opts Options, cache *Cache) []Node {
	out := make([]Node, len(l))
	for i, v := range l {
		out[i] = parseValue(v, opts, cache)
	}
	return out
}

func detectGeoJSON(m map[string]tree.Tree) (string, any, bool) {
	if len(m) != 2 {
		return "", nil, false
	}
	typV, ok1 := m["type"]
	coords, ok2 := m["coordinates"]
	if !ok1 || !ok2 {
		return "", nil, false
	}
	typ, ok3 := typV.(string)
	if !ok3 {
		return "", nil, false
	}
	switch typ {
	case "Point", "LineString", "Polygon":
		return typ, coords, true
	default:
		return "", nil, false
	}
}

func applyGeoHint(m map[string]tree.Tree, hint GeoHint, out map[string]Node) {
	latV, ok1 := m[hint.LatField]
	lonV, ok2 := m[hint.LonField]
	if !ok1 || !ok2 {
		return
	}
	latF, ok3 := asTreeFloat(latV)
	lonF, ok4 := asTreeFloat(lonV)
	if !ok3 || !ok4 || !validLat(latF) || !validLon(lonF) {
		return
	}
	out["_gp"] = pointWKT(lonF, latF)
	if hint.RadiusField != "" {
		if rv, ok := m[hint.RadiusField]; ok {
			if r, ok := asTreeFloat(rv); ok && r > 0 {
				ring := circleRing(latF, lonF, r, hint.Segments)
				out["_gs"] = polygonWKT(ring)
				return
			}
		}
	}
	out["_gs"] = out["_gp"]
}

func asTreeFloat(v tree.Tree) (float64, bool) {
	switch tree.KindOf(v) {
	case tree.KindInt:
		return float64(tree.AsInt64(v)), true
	case tree.KindFloat:
		return tree.AsFloat64(v), true
	default:
		return 0, false
	}
}

func parseBool(v bool, opts Options, cache *Cache) *Leaf {
	build := func() *Leaf {
		s := strconv.FormatBool(v)
		b := v
		return &Leaf{
			Unparsed: v,
			Text:     &s,
			Keyword:  ptr(truncateRunes(s, opts.KeywordLength)),
			Bool:     &b,
		}
	}
	if cache == nil {
		return build()
	}
	return cache.getOrParse(leafKey(leafBool, v), build)
}

func parseInt(v int64, opts Options, cache *Cache) *Leaf {
	build := func() *Leaf {
		s := strconv.FormatInt(v, 10)
		n := float64(v)
		return &Leaf{
			Unparsed: v,
			Text:     &s,
			Keyword:  ptr(truncateRunes(s, opts.KeywordLength)),
			Number:   &n,
		}
	}
	if cache == nil {
		return build()
	}
	return cache.getOrParse(leafKey(leafInt, v), build)
}

func parseFloat(v float64, opts Options, cache *Cache) *Leaf {
	build := func() *Leaf {
		s := formatFloat(v, opts.FloatFormat)
		leaf := &Leaf{
			Unparsed: v,
			Text:     &s,
			Keyword:  ptr(truncateRunes(s, opts.KeywordLength)),
		}
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			n := v
			leaf.Number = &n
		}
		return leaf
	}
	if cache == nil {
		return build()
	}
	return cache.getOrParse(leafKey(leafFloat, v), build)
}

func parseString(s string, opts Options, cache *Cache) Node {
	if s == "" {
		// A distinct sentinel rather than nil: nil means "this position
		// was a null", and RebuildData can't tell the two apart unless
		// an empty string keeps its own Leaf with Unparsed == "".
		build := func() *Leaf {
			return &Leaf{Unparsed: s, Text: ptr(""), Keyword: ptr("")}
		}
		if cache == nil {
			return build()
		}
		return cache.getOrParse(leafKey(leafString, s), build)
	}
	build := func() *Leaf {
		leaf := &Leaf{
			Unparsed: s,
			Text:     &s,
			Keyword:  ptr(truncateRunes(s, opts.KeywordLength)),
		}
		if n, ok := tryParseNumber(s); ok {
			leaf.Number = &n
		}
		if ms, ok := tryParseDate(s, opts.DateFormats); ok {
			leaf.DateMillis = &ms
		}
		if b, ok := tryParseBool(s, opts); ok {
			leaf.Bool = &b
		}
		if sh, ok := parseWKT(s); ok {
			leaf.GeoShape = &sh.wkt
			if sh.hasCentroid {
				p := pointWKT(sh.centroidLon, sh.centroidLat)
				leaf.GeoPoint = &p
			}
		}
		return leaf
	}
	if cache == nil {
		return build()
	}
	return cache.getOrParse(leafKey(leafString, s), build)
}

func tryParseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func tryParseDate(s string, formats []string) (int64, bool) {
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

func tryParseBool(s string, opts Options) (bool, bool) {
	lower := strings.ToLower(s)
	if _, ok := opts.TrueValues[lower]; ok {
		return true, true
	}
	if _, ok := opts.FalseValues[lower]; ok {
		return false, true
	}
	return false, false
}

func formatFloat(v float64, format string) string {
	if format == "" {
		format = DefaultFloatFormat
	}
	return fmt.Sprintf(format, v)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func ptr[T any](v T) *T { return &v }

// CollectTypes walks a ParsedTree and returns the deduplicated,
// sorted "path:kind" (data_types) and "path:code" (parsed_types) lists
// spec §3's Search Document schema carries. List elements share their
// parent's path, matching how a search engine's dynamic field mapping
// treats every element of an array identically.
func CollectTypes(parsed map[string]Node) (dataTypes, parsedTypes []string) {
	dt := map[string]struct{}{}
	pt := map[string]struct{}{}
	collectTypes(parsed, "", dt, pt)
	return sortedKeysOf(dt), sortedKeysOf(pt)
}

func collectTypes(node Node, path string, dt, pt map[string]struct{}) {
	switch v := node.(type) {
	case nil:
		dt[path+":null"] = struct{}{}
	case *Leaf:
		dt[path+":"+tree.KindOf(v.Unparsed).String()] = struct{}{}
		if v.Text != nil {
			pt[path+":t"] = struct{}{}
		}
		if v.Keyword != nil {
			pt[path+":k"] = struct{}{}
		}
		if v.Number != nil {
			pt[path+":n"] = struct{}{}
		}
		if v.DateMillis != nil {
			pt[path+":d"] = struct{}{}
		}
		if v.Bool != nil {
			pt[path+":b"] = struct{}{}
		}
		if v.GeoPoint != nil {
			pt[path+":gp"] = struct{}{}
		}
		if v.GeoShape != nil {
			pt[path+":gs"] = struct{}{}
		}
	case map[string]Node:
		dt[path+":dict"] = struct{}{}
		for k, child := range v {
			if k == "_gp" || k == "_gs" {
				continue
			}
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			collectTypes(child, childPath, dt, pt)
		}
	case []Node:
		dt[path+":list"] = struct{}{}
		for _, child := range v {
			collectTypes(child, path, dt, pt)
		}
	}
}

func sortedKeysOf(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
