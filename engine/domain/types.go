// Package domain defines the location telemetry types shared by the ingestion
// and query pipelines, along with the coordinate and measure parsers that gate
// raw source values on their way into vector payloads.
package domain

import (
	"fmt"
	"strconv"
)

// LocationRecord is one row read from the relational telemetry source.
// Measures are kept as the strings the source stores them as; timestamps are
// RFC 3339 strings. NULL columns surface as zero values.
type LocationRecord struct {
	ID         int64  `json:"id"`
	Coordinate string `json:"coordinate"`

	DeviceID  int64  `json:"device_id"`
	VehicleID int64  `json:"vehicle_id"`
	UserID    int64  `json:"user_id"`
	CompanyID int64  `json:"company_id"`
	IMEI      string `json:"imei"`
	Plate     string `json:"plate"`
	EventType string `json:"event_type"`
	Ignition  bool   `json:"ignition"`

	Speed         string `json:"speed"`
	Distance      string `json:"distance"`
	TotalDistance string `json:"total_distance"`
	EngineHours   string `json:"engine_hours"`

	RecordedAt string `json:"recorded_at"`
	ReceivedAt string `json:"received_at"`
	CreatedAt  string `json:"created_at"`
}

// Coordinate is a validated latitude/longitude pair. Both components are finite.
type Coordinate struct {
	Latitude  float32 `json:"lat"`
	Longitude float32 `json:"lon"`
}

// Vector returns the coordinate as a two-dimensional vector [lat, lon].
func (c Coordinate) Vector() []float32 {
	return []float32{c.Latitude, c.Longitude}
}

// Float64s widens both components through their shortest decimal form, so a
// parsed 10.1 is reported as 10.1 rather than 10.100000381469727.
func (c Coordinate) Float64s() (lat, lon float64) {
	return widen(c.Latitude), widen(c.Longitude)
}

func widen(f float32) float64 {
	v, _ := strconv.ParseFloat(strconv.FormatFloat(float64(f), 'g', -1, 32), 64)
	return v
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%g,%g", c.Latitude, c.Longitude)
}

// VectorDims is the dimensionality of every location vector.
const VectorDims = 2
