package domain

import (
	"math"
	"strconv"
	"strings"
)

// ParseCoordinate parses a "lat,lon" string. Exactly one comma is required;
// each side is trimmed and parsed as a finite float32.
func ParseCoordinate(raw string) (Coordinate, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return Coordinate{}, &ParseError{Input: raw, Wrapped: ErrMalformedCoordinate}
	}

	lat, ok := parseComponent(parts[0])
	if !ok {
		return Coordinate{}, &ParseError{Input: raw, Component: "latitude", Wrapped: ErrInvalidComponent}
	}
	lon, ok := parseComponent(parts[1])
	if !ok {
		return Coordinate{}, &ParseError{Input: raw, Component: "longitude", Wrapped: ErrInvalidComponent}
	}
	return Coordinate{Latitude: lat, Longitude: lon}, nil
}

func parseComponent(s string) (float32, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return float32(v), true
}

// ParseMeasure parses a numeric-looking source string such as a speed or
// distance. Callers substitute 0 on error.
func ParseMeasure(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &ParseError{Input: raw, Wrapped: ErrInvalidMeasure}
	}
	return v, nil
}
