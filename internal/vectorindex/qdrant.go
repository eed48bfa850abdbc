package vectorindex

import (
	"context"
	"fmt"

	qpb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Qdrant stores points in a Qdrant collection over gRPC.
type Qdrant struct {
	conn        *grpc.ClientConn
	points      qpb.PointsClient
	collections qpb.CollectionsClient
	collection  string
	dimensions  int
}

// OpenQdrant dials addr and makes sure the collection exists with cosine
// distance and the given vector size.
func OpenQdrant(ctx context.Context, addr, collection string, dimensions int, opts ...grpc.DialOption) (*Qdrant, error) {
	if addr == "" {
		addr = "127.0.0.1:6334"
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial qdrant %s: %w", addr, err)
	}

	q := &Qdrant{
		conn:        conn,
		points:      qpb.NewPointsClient(conn),
		collections: qpb.NewCollectionsClient(conn),
		collection:  collection,
		dimensions:  dimensions,
	}
	if err := q.ensureCollection(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return q, nil
}

func (q *Qdrant) ensureCollection(ctx context.Context) error {
	resp, err := q.collections.CollectionExists(ctx, &qpb.CollectionExistsRequest{CollectionName: q.collection})
	if err != nil {
		return fmt.Errorf("check collection %s: %w", q.collection, err)
	}
	if resp.GetResult().GetExists() {
		return nil
	}

	_, err = q.collections.Create(ctx, &qpb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &qpb.VectorsConfig{
			Config: &qpb.VectorsConfig_Params{
				Params: &qpb.VectorParams{
					Size:     uint64(q.dimensions),
					Distance: qpb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", q.collection, err)
	}
	return nil
}

// AddPoint upserts entry id and waits for the write to be applied.
func (q *Qdrant) AddPoint(ctx context.Context, id int64, vector []float32, meta Metadata) error {
	if len(vector) != q.dimensions {
		return fmt.Errorf("add point %d: dimension mismatch: got %d, expected %d", id, len(vector), q.dimensions)
	}

	payload := make(map[string]*qpb.Value, 6)
	for k, v := range meta.payload(id) {
		payload[k] = toValue(v)
	}

	wait := true
	_, err := q.points.Upsert(ctx, &qpb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: []*qpb.PointStruct{
			{
				Id: pointID(id),
				Vectors: &qpb.Vectors{
					VectorsOptions: &qpb.Vectors_Vector{Vector: &qpb.Vector{Data: vector}},
				},
				Payload: payload,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("upsert point %d: %w", id, err)
	}
	return nil
}

// DeletePoint removes the point of entry id. A missing point is not an error.
func (q *Qdrant) DeletePoint(ctx context.Context, id int64) error {
	wait := true
	_, err := q.points.Delete(ctx, &qpb.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &qpb.PointsSelector{
			PointsSelectorOneOf: &qpb.PointsSelector_Points{
				Points: &qpb.PointsIdsList{Ids: []*qpb.PointId{pointID(id)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("delete point %d: %w", id, err)
	}
	return nil
}

// DeleteSource removes the points whose source_id payload matches.
func (q *Qdrant) DeleteSource(ctx context.Context, sourceID int64) (int64, error) {
	filter := sourceFilter(sourceID)

	exact := true
	countResp, err := q.points.Count(ctx, &qpb.CountPoints{CollectionName: q.collection, Exact: &exact, Filter: filter})
	if err != nil {
		return 0, fmt.Errorf("count points of source %d: %w", sourceID, err)
	}
	n := int64(countResp.GetResult().GetCount())
	if n == 0 {
		return 0, nil
	}

	wait := true
	_, err = q.points.Delete(ctx, &qpb.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &qpb.PointsSelector{
			PointsSelectorOneOf: &qpb.PointsSelector_Filter{Filter: filter},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("delete points of source %d: %w", sourceID, err)
	}
	return n, nil
}

// Count returns the exact number of points in the collection.
func (q *Qdrant) Count(ctx context.Context) (int64, error) {
	exact := true
	resp, err := q.points.Count(ctx, &qpb.CountPoints{CollectionName: q.collection, Exact: &exact})
	if err != nil {
		return 0, fmt.Errorf("count points: %w", err)
	}
	return int64(resp.GetResult().GetCount()), nil
}

// Ping checks that the collection is reachable.
func (q *Qdrant) Ping(ctx context.Context) error {
	resp, err := q.collections.CollectionExists(ctx, &qpb.CollectionExistsRequest{CollectionName: q.collection})
	if err != nil {
		return fmt.Errorf("ping qdrant: %w", err)
	}
	if !resp.GetResult().GetExists() {
		return fmt.Errorf("ping qdrant: collection %s missing", q.collection)
	}
	return nil
}

// Close closes the gRPC connection.
func (q *Qdrant) Close() error {
	return q.conn.Close()
}

func pointID(id int64) *qpb.PointId {
	return &qpb.PointId{PointIdOptions: &qpb.PointId_Num{Num: uint64(id)}}
}

func sourceFilter(sourceID int64) *qpb.Filter {
	return &qpb.Filter{
		Must: []*qpb.Condition{
			{
				ConditionOneOf: &qpb.Condition_Field{
					Field: &qpb.FieldCondition{
						Key:   KeySourceID,
						Match: &qpb.Match{MatchValue: &qpb.Match_Integer{Integer: sourceID}},
					},
				},
			},
		},
	}
}

func toValue(v any) *qpb.Value {
	switch x := v.(type) {
	case string:
		return &qpb.Value{Kind: &qpb.Value_StringValue{StringValue: x}}
	case int64:
		return &qpb.Value{Kind: &qpb.Value_IntegerValue{IntegerValue: x}}
	case int:
		return &qpb.Value{Kind: &qpb.Value_IntegerValue{IntegerValue: int64(x)}}
	case float64:
		return &qpb.Value{Kind: &qpb.Value_DoubleValue{DoubleValue: x}}
	case bool:
		return &qpb.Value{Kind: &qpb.Value_BoolValue{BoolValue: x}}
	default:
		return &qpb.Value{Kind: &qpb.Value_NullValue{}}
	}
}
