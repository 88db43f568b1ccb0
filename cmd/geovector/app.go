package main

import (
	"context"
	"io"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/geotrack/geovector/engine/ingest"
	"github.com/geotrack/geovector/engine/locate"
	"github.com/geotrack/geovector/engine/semantic"
	"github.com/geotrack/geovector/engine/source"
	"github.com/geotrack/geovector/pkg/config"
	"github.com/geotrack/geovector/pkg/metrics"
)

// app carries what every subcommand needs once configuration is loaded.
type app struct {
	cfg *config.Config
	log *slog.Logger
	reg *metrics.Registry
}

func newApp(configPath string, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	lvl, _ := cfg.Log.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return &app{cfg: cfg, log: logger, reg: metrics.New()}, nil
}

func (a *app) vectorStore() (*semantic.VectorStore, error) {
	t := a.cfg.Qdrant.Timeouts
	return semantic.New(a.cfg.Qdrant.Addr, semantic.Options{
		Timeouts: semantic.Timeouts{List: t.List, Create: t.Create, Upsert: t.Upsert, Search: t.Search},
		Logger:   a.log,
	})
}

func (a *app) collectionSpec() (semantic.CollectionSpec, error) {
	metric, err := semantic.ParseMetric(a.cfg.Collection.Metric)
	if err != nil {
		return semantic.CollectionSpec{}, err
	}
	spec := semantic.CollectionSpec{
		Name:      a.cfg.Collection.Name,
		Dimension: a.cfg.Collection.Dimension,
		Metric:    metric,
	}
	if a.cfg.Collection.GeoIndex {
		spec.GeoIndexField = ingest.CoordinateField
	}
	return spec, nil
}

// pipeline opens the source and the vector store and wires them into an
// ingestion pipeline. The returned func closes both.
func (a *app) pipeline(ctx context.Context) (*ingest.Pipeline, func(), error) {
	spec, err := a.collectionSpec()
	if err != nil {
		return nil, nil, err
	}
	ids, err := ingest.ParseIDStrategy(a.cfg.Ingest.IDStrategy)
	if err != nil {
		return nil, nil, err
	}

	sc := a.cfg.Source
	src, err := source.Open(ctx, source.Config{
		Driver:       sc.Driver,
		DSN:          sc.DSN,
		Table:        sc.Table,
		Projection:   source.Projection(sc.Projection),
		QueryTimeout: sc.QueryTimeout,
		MaxOpenConns: sc.MaxOpenConns,
	}, a.log)
	if err != nil {
		return nil, nil, err
	}
	vs, err := a.vectorStore()
	if err != nil {
		src.Close()
		return nil, nil, err
	}

	var limiter *rate.Limiter
	if r := a.cfg.Ingest.RateLimit; r > 0 {
		limiter = rate.NewLimiter(rate.Limit(r), 1)
	}

	ic := a.cfg.Ingest
	p := ingest.New(ingest.Deps{
		Source:  src,
		Store:   vs,
		Logger:  a.log,
		Metrics: ingest.NewMetrics(a.reg),
	}, ingest.Options{
		Collection: spec,
		Limit:      ic.Limit,
		ForceLoad:  ic.ForceLoad,
		Upsert: semantic.UpsertOptions{
			Wait:      ic.Wait,
			ChunkSize: ic.ChunkSize,
			Workers:   ic.Workers,
			Limiter:   limiter,
		},
		Transform: ingest.TransformOptions{IDStrategy: ids},
	})

	closeFn := func() {
		if err := src.Close(); err != nil {
			a.log.Warn("source close", "error", err)
		}
		if err := vs.Close(); err != nil {
			a.log.Warn("qdrant close", "error", err)
		}
	}
	return p, closeFn, nil
}

func (a *app) locator(search locate.Searcher) *locate.Service {
	opts := locate.DefaultOptions()
	opts.Collection = a.cfg.Collection.Name
	opts.Field = ingest.CoordinateField
	opts.TopK = a.cfg.Query.TopK
	opts.Exact = a.cfg.Query.Exact
	opts.CacheTTL = a.cfg.Query.CacheTTL
	if t := a.cfg.Qdrant.Timeouts.Search; t > 0 {
		opts.SearchTimeout = t
	}
	return locate.New(search, opts, a.log)
}
