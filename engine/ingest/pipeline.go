// Package ingest loads location telemetry into the vector store. A run
// fetches a bounded batch of source rows, converts each row into a 2-D
// point, makes sure the target collection exists and uploads the points.
// Stages run strictly in sequence and hand their full batch to the next.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/geotrack/geovector/engine/domain"
	"github.com/geotrack/geovector/engine/semantic"
	"github.com/geotrack/geovector/pkg/fn"
	"github.com/geotrack/geovector/pkg/metrics"
)

// Fetcher reads a batch of source records.
type Fetcher interface {
	Fetch(ctx context.Context, limit int) ([]domain.LocationRecord, error)
}

// Store provisions the collection and writes points.
type Store interface {
	EnsureCollection(ctx context.Context, spec semantic.CollectionSpec) (semantic.EnsureResult, error)
	Upsert(ctx context.Context, collection string, records []semantic.VectorRecord, opts semantic.UpsertOptions) (semantic.UpsertSummary, error)
}

// Deps holds the external dependencies for the ingestion pipeline.
type Deps struct {
	Source  Fetcher
	Store   Store
	Logger  *slog.Logger
	Metrics *Metrics
}

// RetryTable maps a failure kind to the retry policy applied to it.
// Kinds without an entry run once.
type RetryTable map[domain.Kind]fn.RetryOpts

// For returns the policy for kind.
func (t RetryTable) For(kind domain.Kind) fn.RetryOpts {
	if o, ok := t[kind]; ok {
		return o
	}
	return fn.NoRetry
}

// DefaultRetryTable retries source and upload failures with backoff and
// runs searches once.
func DefaultRetryTable() RetryTable {
	return RetryTable{
		domain.KindSourceConnection: {MaxAttempts: 3, InitialWait: 500 * time.Millisecond, MaxWait: 5 * time.Second, Jitter: true},
		domain.KindSourceQuery:      {MaxAttempts: 3, InitialWait: 500 * time.Millisecond, MaxWait: 5 * time.Second, Jitter: true},
		domain.KindCollectionCreate: {MaxAttempts: 2, InitialWait: time.Second, MaxWait: 5 * time.Second},
		domain.KindUpsert:           {MaxAttempts: 5, InitialWait: 200 * time.Millisecond, MaxWait: 10 * time.Second, Jitter: true},
		domain.KindSearch:           fn.NoRetry,
	}
}

// Options configures a pipeline run.
type Options struct {
	Collection semantic.CollectionSpec
	// Limit is the maximum number of source rows per run.
	Limit int
	// ForceLoad uploads even when the collection already existed.
	ForceLoad bool
	Upsert    semantic.UpsertOptions
	Transform TransformOptions
	Retries   RetryTable
}

// RunRequest overrides Options for a single run. Zero values keep the
// configured settings.
type RunRequest struct {
	Limit     int  `json:"limit,omitempty"`
	ForceLoad bool `json:"force_load,omitempty"`
}

// RunSummary describes one completed (or failed) run.
type RunSummary struct {
	Fetched    int                    `json:"fetched"`
	Points     int                    `json:"points"`
	Degraded   int                    `json:"degraded"`
	Collection string                 `json:"collection"`
	Created    bool                   `json:"created"`
	Skipped    bool                   `json:"skipped"`
	Upsert     semantic.UpsertSummary `json:"upsert"`
	Duration   time.Duration          `json:"duration"`
}

// Pipeline runs ingestion. Runs are serialized.
type Pipeline struct {
	mu          sync.Mutex
	deps        Deps
	opts        Options
	transformer *Transformer
	log         *slog.Logger
	met         *Metrics
}

// New constructs a pipeline. A nil logger uses slog.Default() and nil
// metrics register on a private registry.
func New(deps Deps, opts Options) *Pipeline {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	met := deps.Metrics
	if met == nil {
		met = NewMetrics(metrics.New())
	}
	if opts.Retries == nil {
		opts.Retries = DefaultRetryTable()
	}
	if opts.Collection.Dimension == 0 {
		opts.Collection.Dimension = domain.VectorDims
	}
	if opts.Collection.Metric == "" {
		opts.Collection.Metric = semantic.MetricEuclid
	}
	return &Pipeline{
		deps:        deps,
		opts:        opts,
		transformer: NewTransformer(opts.Transform, log),
		log:         log,
		met:         met,
	}
}

// Run executes one run with the configured options.
func (p *Pipeline) Run(ctx context.Context) (RunSummary, error) {
	return p.RunWith(ctx, RunRequest{})
}

// loadBatch is what the ensure stage hands to the load stage.
type loadBatch struct {
	records []semantic.VectorRecord
	ensured semantic.EnsureResult
}

// RunWith executes one run, applying req on top of the configured options.
func (p *Pipeline) RunWith(ctx context.Context, req RunRequest) (RunSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	limit := p.opts.Limit
	if req.Limit > 0 {
		limit = req.Limit
	}
	force := p.opts.ForceLoad || req.ForceLoad
	sum := &RunSummary{Collection: p.opts.Collection.Name}
	p.met.Runs.Inc()
	if limit <= 0 {
		return *sum, domain.NewError(domain.KindSourceQuery, "run", fmt.Errorf("ingest: limit must be positive, got %d", limit))
	}

	fetch := logged(p, "fetch", p.fetchStage())
	transform := logged(p, "transform", p.transformStage(sum))
	ensure := logged(p, "ensure", p.ensureStage(sum))
	load := logged(p, "load", p.loadStage(sum, force))

	run := fn.Then(fetch, fn.Then(transform, fn.Then(ensure, load)))
	_, err := run(ctx, limit).Unwrap()
	sum.Duration = time.Since(start)

	if err != nil {
		p.met.RunErrors(domain.KindOf(err).String()).Inc()
		p.log.Error("ingest: run failed", "kind", domain.KindOf(err), "error", err, "duration", sum.Duration)
		return *sum, err
	}
	p.met.LastRun.SetToCurrentTime()
	p.log.Info("ingest: run complete",
		"collection", sum.Collection,
		"fetched", sum.Fetched,
		"points", sum.Points,
		"degraded", sum.Degraded,
		"created", sum.Created,
		"skipped", sum.Skipped,
		"duration", sum.Duration,
	)
	return *sum, nil
}

// logged wraps s with a span, enter/exit logs and a duration histogram.
func logged[In, Out any](p *Pipeline, name string, s fn.Stage[In, Out]) fn.Stage[In, Out] {
	return fn.TracedStage("ingest."+name, func(ctx context.Context, in In) fn.Result[Out] {
		p.log.Debug("stage.enter", "stage", name)
		start := time.Now()
		r := s(ctx, in)
		p.met.StageDur(name).Since(start)
		if r.IsErr() {
			_, err := r.Unwrap()
			p.log.Debug("stage.fail", "stage", name, "duration", time.Since(start), "error", err)
			return r
		}
		p.log.Debug("stage.exit", "stage", name, "duration", time.Since(start))
		return r
	})
}

// retry returns the policy for kind with a hook that counts retries.
func (p *Pipeline) retry(stage string, kind domain.Kind) fn.RetryOpts {
	opts := p.opts.Retries.For(kind)
	opts.OnRetry = func(attempt int, err error) {
		p.met.Retries(stage).Inc()
		p.log.Warn("ingest: retrying", "stage", stage, "attempt", attempt, "error", err)
	}
	return opts
}

func (p *Pipeline) fetchStage() fn.Stage[int, []domain.LocationRecord] {
	return func(ctx context.Context, limit int) fn.Result[[]domain.LocationRecord] {
		opts := p.retry("fetch", domain.KindSourceQuery)
		opts.Retryable = func(err error) bool {
			return p.opts.Retries.For(domain.KindOf(err)).MaxAttempts > 1
		}
		return fn.Retry(ctx, opts, func(ctx context.Context) fn.Result[[]domain.LocationRecord] {
			return fn.FromPair(p.deps.Source.Fetch(ctx, limit))
		})
	}
}

func (p *Pipeline) transformStage(sum *RunSummary) fn.Stage[[]domain.LocationRecord, []semantic.VectorRecord] {
	return func(_ context.Context, recs []domain.LocationRecord) fn.Result[[]semantic.VectorRecord] {
		points, degraded := p.transformer.transformBatch(recs)
		sum.Fetched = len(recs)
		sum.Points = len(points)
		sum.Degraded = degraded
		p.met.Fetched.Add(int64(len(recs)))
		p.met.Points.Add(int64(len(points)))
		p.met.Degraded.Add(int64(degraded))
		return fn.Ok(points)
	}
}

func (p *Pipeline) ensureStage(sum *RunSummary) fn.Stage[[]semantic.VectorRecord, loadBatch] {
	return func(ctx context.Context, points []semantic.VectorRecord) fn.Result[loadBatch] {
		opts := p.retry("ensure", domain.KindCollectionCreate)
		opts.Retryable = semantic.IsTransient
		// A failed attempt may still have created the collection; the retry
		// then finds it and must not skip the load.
		createSent := false
		r := fn.Retry(ctx, opts, func(ctx context.Context) fn.Result[semantic.EnsureResult] {
			res, err := p.deps.Store.EnsureCollection(ctx, p.opts.Collection)
			if res == semantic.Created {
				createSent = true
			}
			return fn.FromPair(res, err)
		})
		res, err := r.Unwrap()
		if err != nil {
			return fn.Err[loadBatch](err)
		}
		if res == semantic.AlreadyExists && createSent {
			p.log.Info("ingest: collection created by an earlier attempt", "collection", p.opts.Collection.Name)
			res = semantic.Created
		}
		sum.Created = res == semantic.Created
		return fn.Ok(loadBatch{records: points, ensured: res})
	}
}

func (p *Pipeline) loadStage(sum *RunSummary, force bool) fn.Stage[loadBatch, *RunSummary] {
	return func(ctx context.Context, batch loadBatch) fn.Result[*RunSummary] {
		if batch.ensured == semantic.AlreadyExists && !force {
			sum.Skipped = true
			p.met.Skipped.Inc()
			p.log.Info("ingest: collection exists, skipping load", "collection", p.opts.Collection.Name)
			return fn.Ok(sum)
		}

		opts := p.opts.Upsert
		if opts.Dimension == 0 {
			opts.Dimension = int(p.opts.Collection.Dimension)
		}
		if opts.Retry.MaxAttempts == 0 {
			opts.Retry = p.retry("load", domain.KindUpsert)
		}
		us, err := p.deps.Store.Upsert(ctx, p.opts.Collection.Name, batch.records, opts)
		sum.Upsert = us
		if err != nil {
			return fn.Err[*RunSummary](err)
		}
		p.met.Upserted.Add(int64(us.Points))
		return fn.Ok(sum)
	}
}
