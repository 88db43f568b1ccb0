package semantic

import (
	"fmt"
	"sort"

	pb "github.com/qdrant/go-client/qdrant"
)

// buildFilter ANDs the geo radius with every equality match. Match keys are
// sorted so the same request always produces the same filter.
func buildFilter(req SearchRequest) *pb.Filter {
	var must []*pb.Condition
	if req.Radius != nil {
		must = append(must, geoRadius(*req.Radius))
	}

	keys := make([]string, 0, len(req.Match))
	for k := range req.Match {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		must = append(must, fieldMatch(k, req.Match[k]))
	}

	if len(must) == 0 {
		return nil
	}
	return &pb.Filter{Must: must}
}

func geoRadius(g GeoRadius) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: g.Field,
				GeoRadius: &pb.GeoRadius{
					Center: &pb.GeoPoint{
						Lat: float64(g.Center.Latitude),
						Lon: float64(g.Center.Longitude),
					},
					Radius: float32(g.RadiusMeters),
				},
			},
		},
	}
}

func fieldMatch(key string, value any) *pb.Condition {
	var match *pb.Match
	switch v := value.(type) {
	case string:
		match = &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: v}}
	case int:
		match = &pb.Match{MatchValue: &pb.Match_Integer{Integer: int64(v)}}
	case int64:
		match = &pb.Match{MatchValue: &pb.Match_Integer{Integer: v}}
	case bool:
		match = &pb.Match{MatchValue: &pb.Match_Boolean{Boolean: v}}
	default:
		match = &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: fmt.Sprint(v)}}
	}
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: match,
			},
		},
	}
}
