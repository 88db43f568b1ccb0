package ingest

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/geotrack/geovector/engine/domain"
	"github.com/geotrack/geovector/engine/semantic"
)

// IDStrategy decides how a point identifier is derived from a source id
// that is not itself a UUID.
type IDStrategy string

const (
	// Deterministic derives a name-based UUID from the source id so re-runs
	// overwrite the same points.
	Deterministic IDStrategy = "deterministic"
	// Random assigns a fresh UUID on every run.
	Random IDStrategy = "random"
)

// ParseIDStrategy accepts "deterministic" (or empty) and "random".
func ParseIDStrategy(s string) (IDStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(Deterministic):
		return Deterministic, nil
	case string(Random):
		return Random, nil
	default:
		return "", fmt.Errorf("ingest: unknown id strategy %q", s)
	}
}

// LocationNamespace is the UUID namespace for deterministic point ids.
var LocationNamespace = uuid.MustParse("5b7c3a2e-9d41-4f0e-8a6b-1c2d3e4f5a60")

// CoordinateField is the payload key holding the nested {lat, lon} object.
const CoordinateField = "coordinate"

// TransformOptions configures a Transformer.
type TransformOptions struct {
	IDStrategy IDStrategy
	Namespace  uuid.UUID
}

// Transformer turns source records into vector points. It never drops a
// record: unparseable coordinates become {0, 0} and unparseable measures 0.
type Transformer struct {
	ids    IDStrategy
	ns     uuid.UUID
	logger *slog.Logger
}

// NewTransformer creates a Transformer. A nil logger uses slog.Default().
func NewTransformer(opts TransformOptions, logger *slog.Logger) *Transformer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.IDStrategy == "" {
		opts.IDStrategy = Deterministic
	}
	if opts.Namespace == uuid.Nil {
		opts.Namespace = LocationNamespace
	}
	return &Transformer{ids: opts.IDStrategy, ns: opts.Namespace, logger: logger}
}

// Transform converts one record into a point.
func (t *Transformer) Transform(rec domain.LocationRecord) semantic.VectorRecord {
	vr, _ := t.transform(rec)
	return vr
}

// TransformAll converts every record, preserving order and count.
func (t *Transformer) TransformAll(recs []domain.LocationRecord) []semantic.VectorRecord {
	out, _ := t.transformBatch(recs)
	return out
}

// transformBatch is TransformAll that also reports how many records had
// their coordinate replaced by the default.
func (t *Transformer) transformBatch(recs []domain.LocationRecord) ([]semantic.VectorRecord, int) {
	out := make([]semantic.VectorRecord, len(recs))
	degraded := 0
	for i, rec := range recs {
		var bad bool
		out[i], bad = t.transform(rec)
		if bad {
			degraded++
		}
	}
	return out, degraded
}

func (t *Transformer) transform(rec domain.LocationRecord) (semantic.VectorRecord, bool) {
	coord, err := domain.ParseCoordinate(rec.Coordinate)
	degraded := err != nil
	if degraded {
		t.logger.Warn("ingest: coordinate defaulted to 0,0",
			"id", rec.ID, "raw", rec.Coordinate, "kind", domain.KindOf(err), "error", err)
		coord = domain.Coordinate{}
	}

	return semantic.VectorRecord{
		ID:      t.pointID(rec.ID),
		Vector:  coord.Vector(),
		Payload: t.payload(rec, coord),
	}, degraded
}

func (t *Transformer) pointID(id int64) string {
	raw := strconv.FormatInt(id, 10)
	if u, err := uuid.Parse(raw); err == nil {
		return u.String()
	}
	if t.ids == Random {
		return uuid.New().String()
	}
	return uuid.NewSHA1(t.ns, []byte("location:"+raw)).String()
}

func (t *Transformer) payload(rec domain.LocationRecord, c domain.Coordinate) map[string]any {
	lat, lon := c.Float64s()
	return map[string]any{
		"source_id":      rec.ID,
		CoordinateField:  map[string]any{"lat": lat, "lon": lon},
		"device_id":      rec.DeviceID,
		"vehicle_id":     rec.VehicleID,
		"user_id":        rec.UserID,
		"company_id":     rec.CompanyID,
		"imei":           rec.IMEI,
		"plate":          rec.Plate,
		"event_type":     rec.EventType,
		"ignition":       rec.Ignition,
		"speed":          t.measure(rec.ID, "speed", rec.Speed),
		"distance":       t.measure(rec.ID, "distance", rec.Distance),
		"total_distance": t.measure(rec.ID, "total_distance", rec.TotalDistance),
		"engine_hours":   t.measure(rec.ID, "engine_hours", rec.EngineHours),
		"recorded_at":    rec.RecordedAt,
		"received_at":    rec.ReceivedAt,
		"created_at":     rec.CreatedAt,
	}
}

func (t *Transformer) measure(id int64, field, raw string) float64 {
	if raw == "" {
		return 0
	}
	v, err := domain.ParseMeasure(raw)
	if err != nil {
		t.logger.Debug("ingest: measure defaulted to 0", "id", id, "field", field, "raw", raw)
		return 0
	}
	return v
}
