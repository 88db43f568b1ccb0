package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/geotrack/geovector/engine/domain"
	"github.com/geotrack/geovector/engine/ingest"
	"github.com/geotrack/geovector/engine/locate"
	"github.com/geotrack/geovector/pkg/config"
	"github.com/geotrack/geovector/pkg/metrics"
	"github.com/geotrack/geovector/pkg/mid"
	"github.com/geotrack/geovector/pkg/natsutil"
)

type nearbyFinder interface {
	Nearby(ctx context.Context, center domain.Coordinate, radiusMeters float64) (locate.View, error)
}

// server answers map queries against a preconfigured envelope.
type server struct {
	loc      nearbyFinder
	envelope config.QueryConfig
	reg      *metrics.Registry
	static   string
	log      *slog.Logger

	requests  func(status string) *metrics.Counter
	queryTime *metrics.Histogram
}

func newServer(loc nearbyFinder, cfg *config.Config, reg *metrics.Registry, log *slog.Logger) *server {
	return &server{
		loc:      loc,
		envelope: cfg.Query,
		reg:      reg,
		static:   cfg.HTTP.StaticDir,
		log:      log,
		requests: func(status string) *metrics.Counter {
			return reg.Counter(metrics.WithLabels("geovector_http_locations_requests_total", "status", status), "GET /locations responses by status")
		},
		queryTime: reg.Histogram("geovector_http_locations_duration_seconds", "GET /locations latency", nil),
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /locations", s.handleLocations)
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.Handle("GET /metrics", s.reg.Handler())
	if s.static != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.static)))
	}
	return mux
}

func (s *server) handler(hc config.HTTPConfig) http.Handler {
	var lim *rate.Limiter
	if hc.RateLimit > 0 {
		lim = rate.NewLimiter(rate.Limit(hc.RateLimit), max(hc.RateBurst, 1))
	}
	return mid.Chain(s.routes(),
		mid.Recover(s.log),
		mid.Logger(s.log),
		mid.CORS(hc.CORSOrigin),
		mid.RateLimit(lim),
		mid.OTel("geovector"),
	)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	mid.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleLocations(w http.ResponseWriter, r *http.Request) {
	defer s.queryTime.Since(time.Now())

	center, radius, err := s.parseEnvelope(r.URL.Query())
	if err != nil {
		s.requests("400").Inc()
		mid.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	view, err := s.loc.Nearby(r.Context(), center, radius)
	switch {
	case errors.Is(err, locate.ErrInvalidQuery):
		s.requests("400").Inc()
		mid.WriteError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.log.Error("locations: search failed", "error", err, "kind", domain.KindOf(err))
		s.requests("502").Inc()
		mid.WriteError(w, http.StatusBadGateway, "location search unavailable")
		return
	}
	s.requests("200").Inc()
	mid.WriteJSON(w, http.StatusOK, view)
}

// parseEnvelope applies the lat, lon and radius query parameters over the
// configured envelope.
func (s *server) parseEnvelope(q url.Values) (domain.Coordinate, float64, error) {
	lat, lon, radius := s.envelope.Center.Lat, s.envelope.Center.Lon, s.envelope.Radius
	for _, p := range []struct {
		key string
		dst *float64
	}{{"lat", &lat}, {"lon", &lon}, {"radius", &radius}} {
		raw := q.Get(p.key)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return domain.Coordinate{}, 0, fmt.Errorf("%s: %q is not a number", p.key, raw)
		}
		*p.dst = v
	}
	return domain.Coordinate{Latitude: float32(lat), Longitude: float32(lon)}, radius, nil
}

// listen binds addr, reporting failure as a presentation bind error.
func listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, domain.NewError(domain.KindPresentationBind, "listen "+addr, err)
	}
	return ln, nil
}

func (a *app) serve(ctx context.Context) error {
	vs, err := a.vectorStore()
	if err != nil {
		return err
	}
	defer vs.Close()

	loc := a.locator(vs)
	if a.cfg.NATS.Enabled {
		nc, err := nats.Connect(a.cfg.NATS.URL, nats.Name("geovector-serve"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		sub, err := natsutil.Subscribe(nc, ingest.DoneSubject, func(_ context.Context, ev ingest.RunEvent) {
			if ev.OK() {
				a.log.Info("serve: new load, dropping cached views", "points", ev.Summary.Points)
				loc.Invalidate()
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", ingest.DoneSubject, err)
		}
		defer sub.Unsubscribe()
	}

	ln, err := listen(a.cfg.HTTP.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      newServer(loc, a.cfg, a.reg, a.log).handler(a.cfg.HTTP),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("serve: listening", "addr", ln.Addr().String(), "collection", a.cfg.Collection.Name)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		a.log.Info("serve: shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
