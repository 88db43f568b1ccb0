package ingest

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/geotrack/geovector/engine/domain"
	"github.com/geotrack/geovector/engine/semantic"
	"github.com/geotrack/geovector/engine/semantic/semantictest"
	"github.com/geotrack/geovector/engine/source"
	"github.com/geotrack/geovector/pkg/fn"
	"github.com/geotrack/geovector/pkg/metrics"
)

var fastRetries = RetryTable{
	domain.KindSourceConnection: {MaxAttempts: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond},
	domain.KindSourceQuery:      {MaxAttempts: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond},
	domain.KindCollectionCreate: {MaxAttempts: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond},
	domain.KindUpsert:           {MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond},
}

// sqliteSource creates a locations table holding one row per coordinate,
// with ids 1..n in order.
func sqliteSource(t *testing.T, coords ...string) *source.Reader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "telemetry.db")
	db, err := sql.Open(source.DriverSQLite, path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`CREATE TABLE locations (
		id INTEGER PRIMARY KEY, coordinate TEXT,
		device_id INTEGER, vehicle_id INTEGER, user_id INTEGER, company_id INTEGER,
		imei TEXT, plate TEXT, event_type TEXT, ignition INTEGER,
		speed TEXT, distance TEXT, total_distance TEXT, engine_hours TEXT,
		recorded_at TEXT, received_at TEXT, created_at TEXT)`); err != nil {
		t.Fatal(err)
	}
	for i, c := range coords {
		if _, err := db.Exec(`INSERT INTO locations (id, coordinate, plate, speed) VALUES (?, ?, ?, ?)`,
			i+1, c, "AB-123", "12.5"); err != nil {
			t.Fatal(err)
		}
	}
	db.Close()

	r, err := source.Open(context.Background(), source.Config{Driver: source.DriverSQLite, DSN: path, Table: "locations"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func newPipeline(src Fetcher, store Store, reg *metrics.Registry, opts Options) *Pipeline {
	if opts.Collection.Name == "" {
		opts.Collection = semantic.CollectionSpec{Name: "locations", GeoIndexField: CoordinateField}
	}
	if opts.Limit == 0 {
		opts.Limit = 10
	}
	if opts.Retries == nil {
		opts.Retries = fastRetries
	}
	var met *Metrics
	if reg != nil {
		met = NewMetrics(reg)
	}
	return New(Deps{Source: src, Store: store, Metrics: met}, opts)
}

func TestPipeline_EndToEnd(t *testing.T) {
	src := sqliteSource(t, "10.0,20.0", "not,valid", "30.0,40.0")
	fake := semantictest.New()
	vs := semantic.NewWithClients(fake, fake, semantic.Options{})
	reg := metrics.New()
	p := newPipeline(src, vs, reg, Options{})
	ctx := context.Background()

	sum, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Fetched != 3 || sum.Points != 3 || sum.Degraded != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if !sum.Created || sum.Skipped || sum.Upsert.Points != 3 {
		t.Fatalf("unexpected load outcome: %+v", sum)
	}
	if !fake.GeoIndexed("locations", CoordinateField) {
		t.Error("geo index not created")
	}
	if got := fake.Params("locations"); got.GetSize() != 2 {
		t.Errorf("collection dimension = %d", got.GetSize())
	}

	points := fake.Points("locations")
	if len(points) != 3 {
		t.Fatalf("stored %d points", len(points))
	}
	origin := 0
	for _, pt := range points {
		v := pt.GetVectors().GetVector().GetData()
		if v[0] == 0 && v[1] == 0 {
			origin++
		}
	}
	if origin != 1 {
		t.Errorf("expected exactly one defaulted point, got %d", origin)
	}

	results, err := vs.Search(ctx, semantic.SearchRequest{
		Collection: "locations",
		Vector:     []float32{10, 20},
		Radius: &semantic.GeoRadius{
			Field:        CoordinateField,
			Center:       domain.Coordinate{Latitude: 10, Longitude: 20},
			RadiusMeters: 10000,
		},
		TopK:  10,
		Exact: true,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Payload["source_id"] != int64(1) {
		t.Fatalf("expected only source row 1, got %+v", results)
	}

	out := reg.Render()
	for _, want := range []string{
		"geovector_ingest_records_fetched_total 3",
		"geovector_ingest_coordinates_defaulted_total 1",
		"geovector_ingest_points_upserted_total 3",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestPipeline_SkipsLoadWhenCollectionExists(t *testing.T) {
	src := sqliteSource(t, "10.0,20.0", "30.0,40.0")
	fake := semantictest.New()
	vs := semantic.NewWithClients(fake, fake, semantic.Options{})
	p := newPipeline(src, vs, nil, Options{})
	ctx := context.Background()

	if _, err := p.Run(ctx); err != nil {
		t.Fatal(err)
	}
	calls := fake.UpsertCalls

	sum, err := p.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !sum.Skipped || sum.Created {
		t.Fatalf("expected skipped load, got %+v", sum)
	}
	if fake.UpsertCalls != calls {
		t.Fatalf("upsert called on skipped run")
	}

	sum, err = p.RunWith(ctx, RunRequest{ForceLoad: true})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Skipped || sum.Upsert.Points != 2 {
		t.Fatalf("forced load not applied: %+v", sum)
	}
	if n := len(fake.Points("locations")); n != 2 {
		t.Fatalf("deterministic ids should overwrite, got %d points", n)
	}
}

// lossyQdrant fails index requests with indexErrs, and applies creates but
// answers them with createErrs, like a reply lost after the server acted.
type lossyQdrant struct {
	*semantictest.Qdrant
	createErrs []error
	indexErrs  []error
}

func (q *lossyQdrant) Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	resp, err := q.Qdrant.Create(ctx, in, opts...)
	if err == nil && len(q.createErrs) > 0 {
		err, q.createErrs = q.createErrs[0], q.createErrs[1:]
	}
	return resp, err
}

func (q *lossyQdrant) CreateFieldIndex(ctx context.Context, in *pb.CreateFieldIndexCollection, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	if len(q.indexErrs) > 0 {
		err := q.indexErrs[0]
		q.indexErrs = q.indexErrs[1:]
		return nil, err
	}
	return q.Qdrant.CreateFieldIndex(ctx, in, opts...)
}

func TestPipeline_LoadsAfterPartialEnsure(t *testing.T) {
	unavailable := status.Error(codes.Unavailable, "qdrant restarting")
	cases := map[string]*lossyQdrant{
		"index fails once":  {Qdrant: semantictest.New(), indexErrs: []error{unavailable}},
		"create reply lost": {Qdrant: semantictest.New(), createErrs: []error{status.Error(codes.DeadlineExceeded, "timeout")}},
	}
	for name, fake := range cases {
		t.Run(name, func(t *testing.T) {
			src := sqliteSource(t, "10.0,20.0", "30.0,40.0")
			vs := semantic.NewWithClients(fake, fake, semantic.Options{})
			reg := metrics.New()
			p := newPipeline(src, vs, reg, Options{})

			sum, err := p.Run(context.Background())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if !sum.Created || sum.Skipped || sum.Upsert.Points != 2 {
				t.Fatalf("expected a full load, got %+v", sum)
			}
			if n := len(fake.Points("locations")); n != 2 {
				t.Fatalf("stored %d points", n)
			}
			if !fake.GeoIndexed("locations", CoordinateField) {
				t.Fatal("geo index missing after retry")
			}
			if !strings.Contains(reg.Render(), `geovector_ingest_retries_total{stage="ensure"} 1`) {
				t.Errorf("ensure retry not counted:\n%s", reg.Render())
			}
		})
	}
}

func TestPipeline_RunRequestLimit(t *testing.T) {
	src := sqliteSource(t, "1,1", "2,2", "3,3", "4,4")
	fake := semantictest.New()
	vs := semantic.NewWithClients(fake, fake, semantic.Options{})
	p := newPipeline(src, vs, nil, Options{})

	sum, err := p.RunWith(context.Background(), RunRequest{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Fetched != 2 {
		t.Fatalf("fetched %d rows, want 2", sum.Fetched)
	}
}

func TestPipeline_RetriesTransientUpsert(t *testing.T) {
	src := sqliteSource(t, "10.0,20.0")
	fake := semantictest.New()
	fake.UpsertErrs = []error{status.Error(codes.Unavailable, "qdrant restarting")}
	vs := semantic.NewWithClients(fake, fake, semantic.Options{})
	reg := metrics.New()
	p := newPipeline(src, vs, reg, Options{})

	sum, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Upsert.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", sum.Upsert.Attempts)
	}
	if !strings.Contains(reg.Render(), `geovector_ingest_retries_total{stage="load"} 1`) {
		t.Errorf("retry not counted:\n%s", reg.Render())
	}
}

func TestPipeline_UpsertFailureIsFatal(t *testing.T) {
	src := sqliteSource(t, "10.0,20.0")
	fake := semantictest.New()
	fake.UpsertErrs = []error{status.Error(codes.InvalidArgument, "bad vector")}
	vs := semantic.NewWithClients(fake, fake, semantic.Options{})
	p := newPipeline(src, vs, nil, Options{})

	sum, err := p.Run(context.Background())
	if domain.KindOf(err) != domain.KindUpsert {
		t.Fatalf("expected upsert error, got %v", err)
	}
	if sum.Points != 1 || !sum.Created {
		t.Fatalf("summary should describe the completed stages: %+v", sum)
	}
}

type stubSource struct {
	calls int
	recs  []domain.LocationRecord
	err   error
}

func (s *stubSource) Fetch(_ context.Context, limit int) ([]domain.LocationRecord, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.recs) > limit {
		return s.recs[:limit], nil
	}
	return s.recs, nil
}

type stubStore struct {
	ensureCalls int
	ensureErr   error
	upserted    []semantic.VectorRecord
}

func (s *stubStore) EnsureCollection(_ context.Context, _ semantic.CollectionSpec) (semantic.EnsureResult, error) {
	s.ensureCalls++
	if s.ensureErr != nil {
		return 0, s.ensureErr
	}
	return semantic.Created, nil
}

func (s *stubStore) Upsert(_ context.Context, _ string, records []semantic.VectorRecord, _ semantic.UpsertOptions) (semantic.UpsertSummary, error) {
	s.upserted = append(s.upserted, records...)
	return semantic.UpsertSummary{Points: len(records), Chunks: 1, Attempts: 1}, nil
}

func TestPipeline_SourceConnectionRetried(t *testing.T) {
	src := &stubSource{err: domain.NewError(domain.KindSourceConnection, "ping", errors.New("refused"))}
	store := &stubStore{}
	p := newPipeline(src, store, nil, Options{})

	_, err := p.Run(context.Background())
	if domain.KindOf(err) != domain.KindSourceConnection {
		t.Fatalf("expected source connection error, got %v", err)
	}
	if src.calls != 2 {
		t.Fatalf("fetch calls = %d, want 2", src.calls)
	}
	if store.ensureCalls != 0 {
		t.Fatal("ensure ran after a failed fetch")
	}
}

func TestPipeline_UnclassifiedSourceErrorNotRetried(t *testing.T) {
	src := &stubSource{err: errors.New("boom")}
	p := newPipeline(src, &stubStore{}, nil, Options{})

	if _, err := p.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if src.calls != 1 {
		t.Fatalf("fetch calls = %d, want 1", src.calls)
	}
}

func TestPipeline_EnsureFailure(t *testing.T) {
	src := &stubSource{recs: []domain.LocationRecord{{ID: 1, Coordinate: "1,2"}}}
	store := &stubStore{ensureErr: domain.NewError(domain.KindCollectionCreate, "ensure", errors.New("denied"))}
	p := newPipeline(src, store, nil, Options{})

	_, err := p.Run(context.Background())
	if domain.KindOf(err) != domain.KindCollectionCreate {
		t.Fatalf("expected collection create error, got %v", err)
	}
	if len(store.upserted) != 0 {
		t.Fatal("upsert ran after a failed ensure")
	}
}

func TestPipeline_EmptySource(t *testing.T) {
	store := &stubStore{}
	p := newPipeline(&stubSource{}, store, nil, Options{})

	sum, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Fetched != 0 || sum.Points != 0 || !sum.Created {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestPipeline_InvalidLimit(t *testing.T) {
	src := &stubSource{}
	p := New(Deps{Source: src, Store: &stubStore{}}, Options{Collection: semantic.CollectionSpec{Name: "locations"}})

	_, err := p.Run(context.Background())
	if domain.KindOf(err) != domain.KindSourceQuery {
		t.Fatalf("expected source query error, got %v", err)
	}
	if src.calls != 0 {
		t.Fatal("source queried with a non-positive limit")
	}
}

func TestPipeline_Handle(t *testing.T) {
	src := &stubSource{err: domain.NewError(domain.KindSourceQuery, "query", errors.New("no such table"))}
	p := newPipeline(src, &stubStore{}, nil, Options{Retries: RetryTable{}})

	ev := p.Handle(context.Background(), RunRequest{Limit: 5})
	if ev.OK() || ev.Kind != "source_query" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	src.err = nil
	src.recs = []domain.LocationRecord{{ID: 1, Coordinate: "1,2"}}
	ev = p.Handle(context.Background(), RunRequest{})
	if !ev.OK() || ev.Summary.Points != 1 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestRetryTable_For(t *testing.T) {
	table := DefaultRetryTable()
	if got := table.For(domain.KindUpsert).MaxAttempts; got != 5 {
		t.Errorf("upsert attempts = %d", got)
	}
	if got := table.For(domain.KindSearch); got.MaxAttempts != fn.NoRetry.MaxAttempts {
		t.Errorf("search should not retry: %+v", got)
	}
	if got := table.For(domain.KindUnknown); got.MaxAttempts != 1 {
		t.Errorf("unknown kinds should run once: %+v", got)
	}
}
