package semantic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geotrack/geovector/engine/domain"
	"github.com/geotrack/geovector/pkg/fn"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
)

// pointsAPI is the subset of pb.PointsClient the store uses.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	CreateFieldIndex(ctx context.Context, in *pb.CreateFieldIndexCollection, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
}

// collectionsAPI is the subset of pb.CollectionsClient the store uses.
type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Options configures a VectorStore.
type Options struct {
	Timeouts Timeouts
	Logger   *slog.Logger
}

// VectorStore is the sole owner of all Qdrant operations. It is safe for
// concurrent use and meant to be constructed once per process.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	timeouts    Timeouts
	logger      *slog.Logger
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr string, opts Options) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	vs := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), opts)
	vs.conn = conn
	return vs, nil
}

// NewWithClients creates a VectorStore over already constructed clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, opts Options) *VectorStore {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &VectorStore{
		points:      points,
		collections: collections,
		timeouts:    opts.Timeouts,
		logger:      logger,
	}
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// CollectionExists reports whether name is among the listed collections.
func (v *VectorStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	ctx, cancel := withTimeout(ctx, v.timeouts.List)
	defer cancel()

	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return false, fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == name {
			return true, nil
		}
	}
	return false, nil
}

// EnsureCollection creates the collection if it doesn't exist. An existing
// collection keeps its dimension and metric; only the geo payload index is
// (re)applied, which Qdrant treats as a no-op when it is already there.
//
// Once a Create request has been sent the result is Created even when an
// error is returned, since the server may have applied it.
func (v *VectorStore) EnsureCollection(ctx context.Context, spec CollectionSpec) (EnsureResult, error) {
	exists, err := v.CollectionExists(ctx, spec.Name)
	if err != nil {
		return 0, domain.NewError(domain.KindCollectionCreate, "ensure "+spec.Name, err)
	}
	if exists {
		v.logger.Info("semantic: collection exists", "collection", spec.Name)
		if spec.GeoIndexField != "" {
			if err := v.createGeoIndex(ctx, spec.Name, spec.GeoIndexField); err != nil {
				return AlreadyExists, domain.NewError(domain.KindCollectionCreate, "ensure "+spec.Name, err)
			}
		}
		return AlreadyExists, nil
	}

	cctx, cancel := withTimeout(ctx, v.timeouts.Create)
	defer cancel()
	_, err = v.collections.Create(cctx, &pb.CreateCollection{
		CollectionName: spec.Name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     spec.Dimension,
					Distance: spec.Metric.distance(),
				},
			},
		},
	})
	if err != nil {
		return Created, domain.NewError(domain.KindCollectionCreate, "ensure "+spec.Name,
			fmt.Errorf("semantic: create collection %s: %w", spec.Name, err))
	}
	v.logger.Info("semantic: collection created",
		"collection", spec.Name, "dims", spec.Dimension, "metric", string(spec.Metric))

	if spec.GeoIndexField != "" {
		if err := v.createGeoIndex(ctx, spec.Name, spec.GeoIndexField); err != nil {
			return Created, domain.NewError(domain.KindCollectionCreate, "ensure "+spec.Name, err)
		}
	}
	return Created, nil
}

func (v *VectorStore) createGeoIndex(ctx context.Context, collection, field string) error {
	ctx, cancel := withTimeout(ctx, v.timeouts.Create)
	defer cancel()

	wait := true
	fieldType := pb.FieldType_FieldTypeGeo
	_, err := v.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
		CollectionName: collection,
		Wait:           &wait,
		FieldName:      field,
		FieldType:      &fieldType,
	})
	if err != nil {
		return fmt.Errorf("semantic: create geo index %s.%s: %w", collection, field, err)
	}
	return nil
}

// DeleteCollection deletes the collection.
func (v *VectorStore) DeleteCollection(ctx context.Context, name string) error {
	ctx, cancel := withTimeout(ctx, v.timeouts.Create)
	defer cancel()

	_, err := v.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: name})
	if err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", name, err)
	}
	return nil
}

// Upsert stores records in fixed-size chunks using a bounded pool of
// uploaders. Each chunk is retried per opts.Retry; the first chunk that still
// fails cancels the remaining uploads and fails the batch.
func (v *VectorStore) Upsert(ctx context.Context, collection string, records []VectorRecord, opts UpsertOptions) (UpsertSummary, error) {
	start := time.Now()
	if len(records) == 0 {
		return UpsertSummary{}, nil
	}
	opts = opts.withDefaults()

	points, err := toPoints(records, opts.Dimension)
	if err != nil {
		return UpsertSummary{}, domain.NewError(domain.KindUpsert, "upsert "+collection, err)
	}
	chunks := fn.Chunk(points, opts.ChunkSize)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		attempts atomic.Int64
		once     sync.Once
		firstErr error
	)
	retry := opts.Retry
	userOnRetry := retry.OnRetry
	retry.OnRetry = func(attempt int, err error) {
		v.logger.Warn("semantic: retrying chunk", "collection", collection, "attempt", attempt, "error", err)
		if userOnRetry != nil {
			userOnRetry(attempt, err)
		}
	}

	results := fn.ParMapResult(chunks, opts.Workers, func(chunk []*pb.PointStruct) fn.Result[int] {
		r := fn.Retry(ctx, retry, func(ctx context.Context) fn.Result[int] {
			attempts.Add(1)
			return v.upsertChunk(ctx, collection, chunk, opts)
		})
		if r.IsErr() {
			_, err := r.Unwrap()
			once.Do(func() {
				firstErr = err
				cancel()
			})
		}
		return r
	})

	summary := UpsertSummary{
		Chunks:   len(chunks),
		Attempts: int(attempts.Load()),
		Duration: time.Since(start),
	}
	if r := fn.Collect(results); r.IsErr() {
		return summary, domain.NewError(domain.KindUpsert, "upsert "+collection,
			fmt.Errorf("semantic: upsert %d points: %w", len(records), firstErr))
	}
	summary.Points = len(records)
	return summary, nil
}

func (v *VectorStore) upsertChunk(ctx context.Context, collection string, chunk []*pb.PointStruct, opts UpsertOptions) fn.Result[int] {
	if opts.Limiter != nil {
		if err := opts.Limiter.Wait(ctx); err != nil {
			return fn.Err[int](err)
		}
	}
	ctx, cancel := withTimeout(ctx, v.timeouts.Upsert)
	defer cancel()

	wait := opts.Wait
	_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         chunk,
	})
	if err != nil {
		return fn.Err[int](err)
	}
	return fn.Ok(len(chunk))
}

func toPoints(records []VectorRecord, dims int) ([]*pb.PointStruct, error) {
	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		if dims > 0 && len(r.Vector) != dims {
			return nil, fmt.Errorf("semantic: record %s: vector length %d, want %d", r.ID, len(r.Vector), dims)
		}
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: r.ID},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: r.Vector},
				},
			},
			Payload: toPayload(r.Payload),
		}
	}
	return points, nil
}

// Search performs a filtered nearest-neighbour search and returns scored
// points with their payload, ordered by descending relevance.
func (v *VectorStore) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	if req.TopK <= 0 {
		return nil, domain.NewError(domain.KindSearch, "search "+req.Collection,
			errors.New("semantic: top_k must be positive"))
	}
	exact := req.Exact
	sp := &pb.SearchPoints{
		CollectionName: req.Collection,
		Vector:         req.Vector,
		Limit:          uint64(req.TopK),
		Filter:         buildFilter(req),
		Params:         &pb.SearchParams{Exact: &exact},
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if v.logger.Enabled(ctx, slog.LevelDebug) && sp.Filter != nil {
		v.logger.Debug("semantic: search", "collection", req.Collection, "filter", protojson.Format(sp.Filter))
	}

	ctx, cancel := withTimeout(ctx, v.timeouts.Search)
	defer cancel()
	resp, err := v.points.Search(ctx, sp)
	if err != nil {
		return nil, domain.NewError(domain.KindSearch, "search "+req.Collection,
			fmt.Errorf("semantic: search: %w", err))
	}

	results := make([]SearchResult, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		results[i] = SearchResult{
			ID:      pointID(r.GetId()),
			Score:   r.GetScore(),
			Payload: fromPayload(r.GetPayload()),
		}
	}
	return results, nil
}

func pointID(id *pb.PointId) string {
	if u := id.GetUuid(); u != "" {
		return u
	}
	return fmt.Sprintf("%d", id.GetNum())
}
