package semantic

import (
	"fmt"
	"strings"
	"time"

	"github.com/geotrack/geovector/engine/domain"
	"github.com/geotrack/geovector/pkg/fn"
	pb "github.com/qdrant/go-client/qdrant"
	"golang.org/x/time/rate"
)

// VectorRecord represents a single point to store in Qdrant.
type VectorRecord struct {
	ID      string
	Vector  []float32
	Payload map[string]any // descriptive fields plus coordinate {lat, lon}
}

// SearchResult represents a single scored point returned by a search.
type SearchResult struct {
	ID      string         `json:"id"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Metric is the distance function a collection is created with.
type Metric string

const (
	MetricDot    Metric = "dot"
	MetricCosine Metric = "cosine"
	MetricEuclid Metric = "euclid"
)

// ParseMetric accepts dot, cosine and euclid (or euclidean), case-insensitively.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dot":
		return MetricDot, nil
	case "cosine":
		return MetricCosine, nil
	case "euclid", "euclidean":
		return MetricEuclid, nil
	default:
		return "", fmt.Errorf("semantic: unknown metric %q", s)
	}
}

func (m Metric) distance() pb.Distance {
	switch m {
	case MetricDot:
		return pb.Distance_Dot
	case MetricCosine:
		return pb.Distance_Cosine
	default:
		return pb.Distance_Euclid
	}
}

// CollectionSpec describes the collection EnsureCollection provisions.
type CollectionSpec struct {
	Name      string
	Dimension uint64
	Metric    Metric
	// GeoIndexField, if set, gets a geo payload index on every ensure.
	GeoIndexField string
}

// EnsureResult reports what EnsureCollection did.
type EnsureResult int

const (
	Created EnsureResult = iota + 1
	AlreadyExists
)

func (r EnsureResult) String() string {
	switch r {
	case Created:
		return "created"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// UpsertOptions controls how a batch is split and sent.
type UpsertOptions struct {
	// Wait blocks each call until Qdrant acknowledges the write.
	Wait bool
	// ChunkSize is the number of points per Upsert call.
	ChunkSize int
	// Workers bounds concurrent chunk uploads.
	Workers int
	// Dimension, when non-zero, is checked against every record's vector.
	Dimension int
	// Retry is applied per chunk. A nil Retryable defaults to IsTransient.
	Retry fn.RetryOpts
	// Limiter throttles chunk calls when set.
	Limiter *rate.Limiter
}

// Default chunking parameters.
const (
	DefaultChunkSize = 1000
	DefaultWorkers   = 4
)

func (o UpsertOptions) withDefaults() UpsertOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = fn.NoRetry
	}
	if o.Retry.Retryable == nil {
		o.Retry.Retryable = IsTransient
	}
	return o
}

// UpsertSummary describes a completed batch upsert.
type UpsertSummary struct {
	Points   int           `json:"points"`
	Chunks   int           `json:"chunks"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// GeoRadius selects points whose payload field lies within RadiusMeters of Center.
type GeoRadius struct {
	Field        string
	Center       domain.Coordinate
	RadiusMeters float64
}

// SearchRequest is a nearest-neighbour search constrained by an optional
// geo radius and optional equality matches, all combined with AND.
type SearchRequest struct {
	Collection string
	Vector     []float32
	Radius     *GeoRadius
	Match      map[string]any
	TopK       int
	// Exact disables approximate (HNSW) search.
	Exact bool
}

// Timeouts bounds individual Qdrant calls. Zero means no deadline beyond ctx.
type Timeouts struct {
	List   time.Duration
	Create time.Duration
	Upsert time.Duration
	Search time.Duration
}
