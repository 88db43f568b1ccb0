// Package locate answers "which recorded positions lie within R meters of a
// point" and shapes the answer for map rendering.
package locate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/geotrack/geovector/engine/domain"
	"github.com/geotrack/geovector/engine/semantic"
	"github.com/geotrack/geovector/pkg/fn"
	"github.com/geotrack/geovector/pkg/resilience"
)

// ErrInvalidQuery is returned for an out-of-range center or radius.
var ErrInvalidQuery = errors.New("invalid query")

// Searcher abstracts the vector store's filtered search.
type Searcher interface {
	Search(ctx context.Context, req semantic.SearchRequest) ([]semantic.SearchResult, error)
}

// LatLon is a presentation coordinate.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// View is the JSON envelope consumed by the map page.
type View struct {
	Coordinates []LatLon `json:"coordinates"`
	Center      LatLon   `json:"center"`
	Radius      float64  `json:"radius"`
}

// Options configures a Service.
type Options struct {
	Collection string
	// Field is the payload key holding the {lat, lon} object.
	Field string
	TopK  int
	// Exact disables approximate search.
	Exact         bool
	SearchTimeout time.Duration
	// CacheTTL keeps views for repeated queries. Zero disables caching.
	CacheTTL time.Duration
	Breaker  resilience.BreakerOpts
}

// DefaultOptions returns the options used by the serve command.
func DefaultOptions() Options {
	return Options{
		Collection:    "locations",
		Field:         CoordinateKey,
		TopK:          1000,
		Exact:         true,
		SearchTimeout: 5 * time.Second,
		Breaker:       resilience.DefaultBreakerOpts,
	}
}

type cacheKey struct {
	center domain.Coordinate
	radius float64
}

type cacheEntry struct {
	view    View
	expires time.Time
}

// Service runs radius queries.
type Service struct {
	search  Searcher
	opts    Options
	breaker *resilience.Breaker
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
	now   func() time.Time
}

// New creates a Service. A nil logger uses slog.Default().
func New(search Searcher, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Field == "" {
		opts.Field = CoordinateKey
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultOptions().TopK
	}
	bo := opts.Breaker
	bo.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	bo.OnStateChange = func(from, to resilience.State) {
		logger.Warn("locate: search breaker", "from", from, "to", to)
	}
	return &Service{
		search:  search,
		opts:    opts,
		breaker: resilience.NewBreaker(bo),
		logger:  logger,
		cache:   make(map[cacheKey]cacheEntry),
		now:     time.Now,
	}
}

// MaxRadiusMeters is the Earth's equatorial circumference. A larger radius
// covers nothing more and may not fit the float32 sent to Qdrant.
const MaxRadiusMeters = 40_075_017.0

// Validate checks that center is a real position and radius a positive
// distance in meters no larger than MaxRadiusMeters.
func Validate(center domain.Coordinate, radiusMeters float64) error {
	lat, lon := float64(center.Latitude), float64(center.Longitude)
	switch {
	case math.IsNaN(lat) || lat < -90 || lat > 90:
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidQuery, center.Latitude)
	case math.IsNaN(lon) || lon < -180 || lon > 180:
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidQuery, center.Longitude)
	case math.IsNaN(radiusMeters) || math.IsInf(radiusMeters, 0) || radiusMeters <= 0:
		return fmt.Errorf("%w: radius must be a positive number of meters", ErrInvalidQuery)
	case radiusMeters > MaxRadiusMeters:
		return fmt.Errorf("%w: radius %v exceeds %v meters", ErrInvalidQuery, radiusMeters, MaxRadiusMeters)
	}
	return nil
}

// Nearby returns the positions within radiusMeters of center. The query
// vector is the center itself so results come back nearest first.
func (s *Service) Nearby(ctx context.Context, center domain.Coordinate, radiusMeters float64) (View, error) {
	if err := Validate(center, radiusMeters); err != nil {
		return View{}, err
	}
	key := cacheKey{center: center, radius: radiusMeters}
	if v, ok := s.cached(key); ok {
		return v, nil
	}

	req := semantic.SearchRequest{
		Collection: s.opts.Collection,
		Vector:     center.Vector(),
		Radius:     &semantic.GeoRadius{Field: s.opts.Field, Center: center, RadiusMeters: radiusMeters},
		TopK:       s.opts.TopK,
		Exact:      s.opts.Exact,
	}

	start := time.Now()
	r := resilience.CallResult(s.breaker, ctx, func(ctx context.Context) fn.Result[[]semantic.SearchResult] {
		if s.opts.SearchTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.opts.SearchTimeout)
			defer cancel()
		}
		return fn.FromPair(s.search.Search(ctx, req))
	})
	results, err := r.Unwrap()
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			err = domain.NewError(domain.KindSearch, "nearby", err)
		}
		return View{}, err
	}

	coords := projectField(results, s.opts.Field, func(r semantic.SearchResult) {
		s.logger.Debug("locate: result without coordinate", "id", r.ID, "field", s.opts.Field)
	})
	lat, lon := center.Float64s()
	view := View{
		Coordinates: coords,
		Center:      LatLon{Lat: lat, Lon: lon},
		Radius:      radiusMeters,
	}
	s.logger.Debug("locate: nearby",
		"center", center.String(),
		"radius", radiusMeters,
		"hits", len(results),
		"projected", len(view.Coordinates),
		"duration", time.Since(start),
	)
	s.store(key, view)
	return view, nil
}

// Invalidate drops every cached view.
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.cache)
}

func (s *Service) cached(key cacheKey) (View, bool) {
	if s.opts.CacheTTL <= 0 {
		return View{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[key]
	if !ok || s.now().After(e.expires) {
		delete(s.cache, key)
		return View{}, false
	}
	return e.view, true
}

func (s *Service) store(key cacheKey, v View) {
	if s.opts.CacheTTL <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = cacheEntry{view: v, expires: s.now().Add(s.opts.CacheTTL)}
}
