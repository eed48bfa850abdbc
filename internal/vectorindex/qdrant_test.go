package vectorindex

import (
	"context"
	"net"
	"sync"
	"testing"

	qpb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// fakeQdrant keeps points in memory and understands the source_id filter.
// The client package only ships client stubs, so the fake answers every
// call through an unknown-service handler keyed on the full method name.
type fakeQdrant struct {
	mu          sync.Mutex
	collections map[string]uint64
	points      map[uint64]*qpb.PointStruct
	failUpsert  bool
}

func (f *fakeQdrant) handle(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	switch method {
	case qpb.Collections_CollectionExists_FullMethodName:
		req := new(qpb.CollectionExistsRequest)
		return unary(stream, req, func() (any, error) { return f.collectionExists(req), nil })
	case qpb.Collections_Create_FullMethodName:
		req := new(qpb.CreateCollection)
		return unary(stream, req, func() (any, error) { return f.create(req) })
	case qpb.Points_Upsert_FullMethodName:
		req := new(qpb.UpsertPoints)
		return unary(stream, req, func() (any, error) { return f.upsert(req) })
	case qpb.Points_Count_FullMethodName:
		req := new(qpb.CountPoints)
		return unary(stream, req, func() (any, error) { return f.count(req), nil })
	case qpb.Points_Delete_FullMethodName:
		req := new(qpb.DeletePoints)
		return unary(stream, req, func() (any, error) { return f.delete(req), nil })
	default:
		return status.Errorf(codes.Unimplemented, "fake qdrant: %s", method)
	}
}

func unary(stream grpc.ServerStream, req any, fn func() (any, error)) error {
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	resp, err := fn()
	if err != nil {
		return err
	}
	return stream.SendMsg(resp)
}

func (f *fakeQdrant) collectionExists(req *qpb.CollectionExistsRequest) *qpb.CollectionExistsResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.collections[req.GetCollectionName()]
	return &qpb.CollectionExistsResponse{Result: &qpb.CollectionExists{Exists: ok}}
}

func (f *fakeQdrant) create(req *qpb.CreateCollection) (*qpb.CollectionOperationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	params := req.GetVectorsConfig().GetParams()
	if params.GetDistance() != qpb.Distance_Cosine {
		return nil, status.Error(codes.InvalidArgument, "expected cosine")
	}
	f.collections[req.GetCollectionName()] = params.GetSize()
	return &qpb.CollectionOperationResponse{Result: true}, nil
}

func (f *fakeQdrant) upsert(req *qpb.UpsertPoints) (*qpb.PointsOperationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpsert {
		return nil, status.Error(codes.Unavailable, "down")
	}
	if !req.GetWait() {
		return nil, status.Error(codes.InvalidArgument, "expected wait")
	}
	for _, p := range req.GetPoints() {
		f.points[p.GetId().GetNum()] = p
	}
	return completed(), nil
}

func (f *fakeQdrant) matches(p *qpb.PointStruct, filter *qpb.Filter) bool {
	for _, c := range filter.GetMust() {
		field := c.GetField()
		if p.GetPayload()[field.GetKey()].GetIntegerValue() != field.GetMatch().GetInteger() {
			return false
		}
	}
	return true
}

func (f *fakeQdrant) count(req *qpb.CountPoints) *qpb.CountResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n uint64
	for _, p := range f.points {
		if f.matches(p, req.GetFilter()) {
			n++
		}
	}
	return &qpb.CountResponse{Result: &qpb.CountResult{Count: n}}
}

func (f *fakeQdrant) delete(req *qpb.DeletePoints) *qpb.PointsOperationResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ids := req.GetPoints().GetPoints(); ids != nil {
		for _, id := range ids.GetIds() {
			delete(f.points, id.GetNum())
		}
		return completed()
	}
	filter := req.GetPoints().GetFilter()
	for id, p := range f.points {
		if f.matches(p, filter) {
			delete(f.points, id)
		}
	}
	return completed()
}

func completed() *qpb.PointsOperationResponse {
	return &qpb.PointsOperationResponse{Result: &qpb.UpdateResult{Status: qpb.UpdateStatus_Completed}}
}

func startFakeQdrant(t *testing.T) (*fakeQdrant, grpc.DialOption) {
	t.Helper()

	fake := &fakeQdrant{collections: map[string]uint64{}, points: map[uint64]*qpb.PointStruct{}}
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(fake.handle))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	return fake, dialer
}

func openTestQdrant(t *testing.T) (*Qdrant, *fakeQdrant) {
	t.Helper()
	fake, dialer := startFakeQdrant(t)
	q, err := OpenQdrant(context.Background(), "passthrough:///bufnet", "entries", 3,
		dialer, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("OpenQdrant: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q, fake
}

func TestQdrant_EnsureCollection(t *testing.T) {
	q, fake := openTestQdrant(t)
	if size := fake.collections["entries"]; size != 3 {
		t.Errorf("collection size = %d, want 3", size)
	}
	if err := q.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestQdrant_AddPoint(t *testing.T) {
	ctx := context.Background()
	q, fake := openTestQdrant(t)

	meta := Metadata{SourceID: 7, Title: "Hello", Content: "world", TokenCount: 3, SiteURL: "https://example.com"}
	for i := 0; i < 2; i++ {
		if err := q.AddPoint(ctx, 42, []float32{0.1, 0.2, 0.3}, meta); err != nil {
			t.Fatalf("AddPoint: %v", err)
		}
	}

	if len(fake.points) != 1 {
		t.Fatalf("points = %d, want 1", len(fake.points))
	}
	p := fake.points[42]
	payload := p.GetPayload()
	if payload[KeySourceID].GetIntegerValue() != 7 ||
		payload[KeyTitle].GetStringValue() != "Hello" ||
		payload[KeySiteURL].GetStringValue() != "https://example.com" ||
		payload[KeyTokenCount].GetIntegerValue() != 3 {
		t.Errorf("payload = %v", payload)
	}
	if got := p.GetVectors().GetVector().GetData(); len(got) != 3 {
		t.Errorf("vector = %v", got)
	}

	if err := q.AddPoint(ctx, 43, []float32{1}, meta); err == nil {
		t.Error("expected dimension mismatch")
	}
}

func TestQdrant_AddPointFailure(t *testing.T) {
	q, fake := openTestQdrant(t)
	fake.failUpsert = true

	if err := q.AddPoint(context.Background(), 1, []float32{1, 2, 3}, Metadata{}); err == nil {
		t.Error("expected upsert error")
	}
}

func TestQdrant_DeleteSource(t *testing.T) {
	ctx := context.Background()
	q, _ := openTestQdrant(t)

	_ = q.AddPoint(ctx, 1, []float32{1, 0, 0}, Metadata{SourceID: 5})
	_ = q.AddPoint(ctx, 2, []float32{0, 1, 0}, Metadata{SourceID: 5})
	_ = q.AddPoint(ctx, 3, []float32{0, 0, 1}, Metadata{SourceID: 6})

	n, err := q.DeleteSource(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	if c, _ := q.Count(ctx); c != 1 {
		t.Errorf("Count = %d, want 1", c)
	}
	if n, _ := q.DeleteSource(ctx, 99); n != 0 {
		t.Errorf("deleted unknown source = %d", n)
	}
}

func TestQdrant_DeletePoint(t *testing.T) {
	ctx := context.Background()
	q, fake := openTestQdrant(t)

	_ = q.AddPoint(ctx, 1, []float32{1, 0, 0}, Metadata{SourceID: 5})
	_ = q.AddPoint(ctx, 2, []float32{0, 1, 0}, Metadata{SourceID: 5})

	if err := q.DeletePoint(ctx, 1); err != nil {
		t.Fatalf("DeletePoint: %v", err)
	}
	if _, ok := fake.points[1]; ok {
		t.Error("point 1 survived DeletePoint")
	}
	if _, ok := fake.points[2]; !ok {
		t.Error("DeletePoint removed a sibling point")
	}
	if err := q.DeletePoint(ctx, 99); err != nil {
		t.Errorf("DeletePoint of missing point: %v", err)
	}
}
