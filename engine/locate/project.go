package locate

import "github.com/geotrack/geovector/engine/semantic"

// CoordinateKey is the payload key Project reads.
const CoordinateKey = "coordinate"

// Project extracts the payload coordinate of each result, in input order.
// Results without a nested coordinate object holding numeric lat and lon are
// skipped. The returned slice is never nil.
func Project(results []semantic.SearchResult) []LatLon {
	return ProjectField(results, CoordinateKey)
}

// ProjectField is Project reading the coordinate object from field.
func ProjectField(results []semantic.SearchResult, field string) []LatLon {
	return projectField(results, field, nil)
}

// projectField calls skipped, when set, for every result it leaves out.
func projectField(results []semantic.SearchResult, field string, skipped func(semantic.SearchResult)) []LatLon {
	out := make([]LatLon, 0, len(results))
	for _, r := range results {
		ll, ok := coordinate(r.Payload, field)
		if !ok {
			if skipped != nil {
				skipped(r)
			}
			continue
		}
		out = append(out, ll)
	}
	return out
}

func coordinate(payload map[string]any, field string) (LatLon, bool) {
	c, ok := payload[field].(map[string]any)
	if !ok {
		return LatLon{}, false
	}
	lat, ok := number(c["lat"])
	if !ok {
		return LatLon{}, false
	}
	lon, ok := number(c["lon"])
	if !ok {
		return LatLon{}, false
	}
	return LatLon{Lat: lat, Lon: lon}, true
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
