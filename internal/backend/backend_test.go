package backend

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/abdul-hamid-achik/embedq/internal/store"
)

func TestToggle(t *testing.T) {
	tg := NewToggle(false)
	if tg.IsActive() {
		t.Fatal("new toggle should be inactive")
	}
	if !tg.Set(true) {
		t.Error("Set(true) should report a change")
	}
	if tg.Set(true) {
		t.Error("repeated Set(true) should not report a change")
	}
	if !tg.IsActive() {
		t.Error("toggle should be active")
	}
}

type fakePinger struct{ err error }

func (p *fakePinger) Ping(context.Context) error { return p.err }

func TestMonitor(t *testing.T) {
	ctx := context.Background()
	enabled := NewToggle(true)
	target := &fakePinger{}
	m := NewMonitor(enabled, target, nil)

	if !m.IsActive() {
		t.Fatal("monitor should start active")
	}

	target.err = errors.New("connection refused")
	if err := m.Check(ctx); err == nil {
		t.Error("Check should return the ping error")
	}
	if m.IsActive() {
		t.Error("active after a failed ping")
	}

	target.err = nil
	if err := m.Check(ctx); err != nil {
		t.Fatal(err)
	}
	if !m.IsActive() {
		t.Error("inactive after a successful ping")
	}

	enabled.Set(false)
	if m.IsActive() {
		t.Error("active while switched off")
	}
}

func TestMonitor_NoTarget(t *testing.T) {
	m := NewMonitor(NewToggle(true), nil, nil)
	if m.IsActive() {
		t.Error("monitor without a target should be inactive")
	}
	if err := m.Check(context.Background()); err == nil {
		t.Error("Check without a target should fail")
	}
}

func TestSelector_Active(t *testing.T) {
	tests := []struct {
		name   string
		health Health
		want   store.Backend
	}{
		{"nil health", nil, store.BackendLocal},
		{"inactive", NewToggle(false), store.BackendLocal},
		{"active", NewToggle(true), store.BackendExternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Selector{Health: tt.health}
			if got := s.Active(); got != tt.want {
				t.Errorf("Active() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSelector_Rehome(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{Path: filepath.Join(t.TempDir(), "embedq.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	for i := 0; i < 3; i++ {
		if _, err := st.Insert(ctx, store.Fields{
			store.ColSourceID:   int64(i),
			store.ColEmbeddings: []float32{1, 2},
			store.ColStorage:    string(store.BackendExternal),
		}); err != nil {
			t.Fatal(err)
		}
	}

	s := &Selector{Health: NewToggle(false), Store: st}
	n, err := s.Rehome(ctx, store.BackendLocal, store.BackendExternal)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("rehomed = %d, want 3", n)
	}

	local, _ := st.GetByBackend(ctx, store.BackendLocal, 0)
	if len(local) != 3 {
		t.Fatalf("local entries = %d, want 3", len(local))
	}
	for _, e := range local {
		if len(e.Embedding) != 2 {
			t.Errorf("entry %d embedding changed: %v", e.ID, e.Embedding)
		}
	}

	if n, _ := s.Rehome(ctx, store.BackendLocal, store.BackendLocal); n != 0 {
		t.Errorf("same-backend rehome = %d", n)
	}
}
