package vectorindex

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestVecLite(t *testing.T) *VecLite {
	t.Helper()
	v, err := OpenVecLite(filepath.Join(t.TempDir(), "test.veclite"), DefaultCollection, 3)
	if err != nil {
		t.Fatalf("OpenVecLite: %v", err)
	}
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func TestVecLite_AddPointIsUpsert(t *testing.T) {
	ctx := context.Background()
	v := openTestVecLite(t)

	meta := Metadata{SourceID: 10, Title: "t", Content: "c", TokenCount: 4, SiteURL: "https://example.com"}
	for i := 0; i < 3; i++ {
		if err := v.AddPoint(ctx, 1, []float32{1, 0, 0}, meta); err != nil {
			t.Fatalf("AddPoint #%d: %v", i+1, err)
		}
	}
	if err := v.AddPoint(ctx, 2, []float32{0, 1, 0}, meta); err != nil {
		t.Fatal(err)
	}

	n, _ := v.Count(ctx)
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
	if deleted, _ := v.DeleteSource(ctx, 10); deleted != 2 {
		t.Errorf("points of source 10 = %d, want 2", deleted)
	}
}

func TestVecLite_DimensionMismatch(t *testing.T) {
	v := openTestVecLite(t)
	if err := v.AddPoint(context.Background(), 1, []float32{1, 2}, Metadata{}); err == nil {
		t.Error("expected dimension mismatch error")
	}
}

func TestVecLite_DeleteSource(t *testing.T) {
	ctx := context.Background()
	v := openTestVecLite(t)

	_ = v.AddPoint(ctx, 1, []float32{1, 0, 0}, Metadata{SourceID: 1})
	_ = v.AddPoint(ctx, 2, []float32{0, 1, 0}, Metadata{SourceID: 1})
	_ = v.AddPoint(ctx, 3, []float32{0, 0, 1}, Metadata{SourceID: 2})

	n, err := v.DeleteSource(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	if c, _ := v.Count(ctx); c != 1 {
		t.Errorf("Count = %d, want 1", c)
	}

	// Emptying the collection recreates it; it must stay writable.
	if _, err := v.DeleteSource(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if err := v.AddPoint(ctx, 4, []float32{1, 1, 0}, Metadata{SourceID: 3}); err != nil {
		t.Fatalf("AddPoint after reset: %v", err)
	}
	if c, _ := v.Count(ctx); c != 1 {
		t.Errorf("Count after reset = %d, want 1", c)
	}
}

func TestVecLite_DeletePoint(t *testing.T) {
	ctx := context.Background()
	v := openTestVecLite(t)

	_ = v.AddPoint(ctx, 1, []float32{1, 0, 0}, Metadata{SourceID: 1})
	_ = v.AddPoint(ctx, 2, []float32{0, 1, 0}, Metadata{SourceID: 1})

	if err := v.DeletePoint(ctx, 1); err != nil {
		t.Fatalf("DeletePoint: %v", err)
	}
	if c, _ := v.Count(ctx); c != 1 {
		t.Errorf("Count = %d, want 1", c)
	}
	if err := v.DeletePoint(ctx, 1); err != nil {
		t.Errorf("DeletePoint of missing point: %v", err)
	}

	// Removing the last point resets the collection.
	if err := v.DeletePoint(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if err := v.AddPoint(ctx, 3, []float32{0, 0, 1}, Metadata{SourceID: 2}); err != nil {
		t.Fatalf("AddPoint after reset: %v", err)
	}
}

func TestOpen_Config(t *testing.T) {
	ctx := context.Background()

	if _, err := Open(ctx, Config{Kind: KindVecLite, Path: filepath.Join(t.TempDir(), "x.veclite")}); err == nil {
		t.Error("expected error without dimensions")
	}
	if _, err := Open(ctx, Config{Kind: "pinecone", Dimensions: 3}); err == nil {
		t.Error("expected error for unknown kind")
	}

	idx, err := Open(ctx, Config{Kind: KindVecLite, Path: filepath.Join(t.TempDir(), "y.veclite"), Dimensions: 3})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()
	if err := idx.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
