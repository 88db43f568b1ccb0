// Package semantictest provides an in-memory stand-in for the Qdrant gRPC
// points and collections services, sufficient for pipeline tests: upsert by
// id, geo-radius and equality filters, and metric-ordered search.
package semantictest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
)

type collection struct {
	params *pb.VectorParams
	order  []string
	points map[string]*pb.PointStruct
	geo    map[string]bool
}

// Qdrant implements the points and collections client methods used by
// semantic.VectorStore.
type Qdrant struct {
	mu          sync.Mutex
	collections map[string]*collection

	// UpsertErrs, when non-empty, are returned (and consumed) by successive Upsert calls.
	UpsertErrs []error
	// SearchErr is returned by every Search call when set.
	SearchErr error

	UpsertCalls int
	CreateCalls int
	LastSearch  *pb.SearchPoints
}

// New returns an empty fake.
func New() *Qdrant {
	return &Qdrant{collections: make(map[string]*collection)}
}

// Points returns the stored points of a collection in first-insert order.
func (q *Qdrant) Points(name string) []*pb.PointStruct {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.collections[name]
	if !ok {
		return nil
	}
	out := make([]*pb.PointStruct, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.points[id])
	}
	return out
}

// Params returns the vector params a collection was created with.
func (q *Qdrant) Params(name string) *pb.VectorParams {
	q.mu.Lock()
	defer q.mu.Unlock()
	if c, ok := q.collections[name]; ok {
		return c.params
	}
	return nil
}

// GeoIndexed reports whether a geo payload index exists on field.
func (q *Qdrant) GeoIndexed(name, field string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.collections[name]
	return ok && c.geo[field]
}

func (q *Qdrant) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	names := make([]string, 0, len(q.collections))
	for name := range q.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	resp := &pb.ListCollectionsResponse{}
	for _, name := range names {
		resp.Collections = append(resp.Collections, &pb.CollectionDescription{Name: name})
	}
	return resp, nil
}

func (q *Qdrant) Create(_ context.Context, in *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.CreateCalls++
	if _, ok := q.collections[in.GetCollectionName()]; ok {
		return nil, fmt.Errorf("collection %s already exists", in.GetCollectionName())
	}
	q.collections[in.GetCollectionName()] = &collection{
		params: in.GetVectorsConfig().GetParams(),
		points: make(map[string]*pb.PointStruct),
		geo:    make(map[string]bool),
	}
	return &pb.CollectionOperationResponse{Result: true}, nil
}

func (q *Qdrant) Delete(_ context.Context, in *pb.DeleteCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.collections, in.GetCollectionName())
	return &pb.CollectionOperationResponse{Result: true}, nil
}

func (q *Qdrant) CreateFieldIndex(_ context.Context, in *pb.CreateFieldIndexCollection, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.collections[in.GetCollectionName()]
	if !ok {
		return nil, fmt.Errorf("collection %s not found", in.GetCollectionName())
	}
	if in.GetFieldType() == pb.FieldType_FieldTypeGeo {
		c.geo[in.GetFieldName()] = true
	}
	return &pb.PointsOperationResponse{}, nil
}

func (q *Qdrant) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.UpsertCalls++
	if len(q.UpsertErrs) > 0 {
		err := q.UpsertErrs[0]
		q.UpsertErrs = q.UpsertErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	c, ok := q.collections[in.GetCollectionName()]
	if !ok {
		return nil, fmt.Errorf("collection %s not found", in.GetCollectionName())
	}
	for _, p := range in.GetPoints() {
		id := p.GetId().GetUuid()
		if _, seen := c.points[id]; !seen {
			c.order = append(c.order, id)
		}
		c.points[id] = p
	}
	return &pb.PointsOperationResponse{
		Result: &pb.UpdateResult{Status: pb.UpdateStatus_Completed},
	}, nil
}

func (q *Qdrant) Search(_ context.Context, in *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.LastSearch = in
	if q.SearchErr != nil {
		return nil, q.SearchErr
	}
	c, ok := q.collections[in.GetCollectionName()]
	if !ok {
		return nil, fmt.Errorf("collection %s not found", in.GetCollectionName())
	}

	var hits []*pb.ScoredPoint
	for _, id := range c.order {
		p := c.points[id]
		if !matches(in.GetFilter(), p.GetPayload()) {
			continue
		}
		hits = append(hits, &pb.ScoredPoint{
			Id:      p.GetId(),
			Payload: p.GetPayload(),
			Score:   score(c.params.GetDistance(), in.GetVector(), p.GetVectors().GetVector().GetData()),
		})
	}

	ascending := c.params.GetDistance() == pb.Distance_Euclid || c.params.GetDistance() == pb.Distance_Manhattan
	sort.SliceStable(hits, func(i, j int) bool {
		if ascending {
			return hits[i].Score < hits[j].Score
		}
		return hits[i].Score > hits[j].Score
	})
	if limit := int(in.GetLimit()); limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return &pb.SearchResponse{Result: hits}, nil
}

func matches(f *pb.Filter, payload map[string]*pb.Value) bool {
	for _, cond := range f.GetMust() {
		fc := cond.GetField()
		if fc == nil {
			continue
		}
		v := payload[fc.GetKey()]
		switch {
		case fc.GetGeoRadius() != nil:
			if !withinRadius(fc.GetGeoRadius(), v) {
				return false
			}
		case fc.GetMatch() != nil:
			if !matchValue(fc.GetMatch(), v) {
				return false
			}
		}
	}
	return true
}

func withinRadius(g *pb.GeoRadius, v *pb.Value) bool {
	fields := v.GetStructValue().GetFields()
	lat, okLat := fields["lat"].GetKind().(*pb.Value_DoubleValue)
	lon, okLon := fields["lon"].GetKind().(*pb.Value_DoubleValue)
	if !okLat || !okLon {
		return false
	}
	d := Haversine(g.GetCenter().GetLat(), g.GetCenter().GetLon(), lat.DoubleValue, lon.DoubleValue)
	return d <= float64(g.GetRadius())
}

func matchValue(m *pb.Match, v *pb.Value) bool {
	switch mv := m.GetMatchValue().(type) {
	case *pb.Match_Keyword:
		return v.GetStringValue() == mv.Keyword
	case *pb.Match_Integer:
		iv, ok := v.GetKind().(*pb.Value_IntegerValue)
		return ok && iv.IntegerValue == mv.Integer
	case *pb.Match_Boolean:
		bv, ok := v.GetKind().(*pb.Value_BoolValue)
		return ok && bv.BoolValue == mv.Boolean
	default:
		return false
	}
}

func score(d pb.Distance, a, b []float32) float32 {
	var dot, na, nb, sq float64
	for i := range a {
		if i >= len(b) {
			break
		}
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
		diff := float64(a[i]) - float64(b[i])
		sq += diff * diff
	}
	switch d {
	case pb.Distance_Dot:
		return float32(dot)
	case pb.Distance_Cosine:
		if na == 0 || nb == 0 {
			return 0
		}
		return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
	default:
		return float32(math.Sqrt(sq))
	}
}

const earthRadiusMeters = 6371008.8

// Haversine returns the great-circle distance in meters between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(a))
}
