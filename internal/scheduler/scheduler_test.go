package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type payload struct {
	EntryID int64 `json:"entry_id"`
}

func waitIdle(t *testing.T, l *Local) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestLocal_ScheduleRunsHandler(t *testing.T) {
	l := NewLocal(Options{})
	defer l.Close()

	var mu sync.Mutex
	var got []int64
	l.Handle("process_entry", func(_ context.Context, args json.RawMessage) error {
		var p payload
		if err := json.Unmarshal(args, &p); err != nil {
			return err
		}
		mu.Lock()
		got = append(got, p.EntryID)
		mu.Unlock()
		return nil
	})
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := l.Schedule(context.Background(), 0, "process_entry", payload{EntryID: 1}); err != nil {
		t.Fatal(err)
	}
	if err := l.Schedule(context.Background(), 20*time.Millisecond, "process_entry", payload{EntryID: 2}); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, l)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("ran %v, want two tasks", got)
	}
	if got[0]+got[1] != 3 {
		t.Errorf("args = %v", got)
	}
}

func TestLocal_ScheduleErrors(t *testing.T) {
	l := NewLocal(Options{})
	l.Handle("known", func(context.Context, json.RawMessage) error { return nil })

	if err := l.Schedule(context.Background(), 0, "missing", nil); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("unknown task err = %v", err)
	}
	if err := l.Schedule(context.Background(), 0, "known", make(chan int)); err == nil {
		t.Error("expected encode error")
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := l.Start(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("second Start err = %v", err)
	}

	_ = l.Close()
	if err := l.Schedule(context.Background(), 0, "known", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("after Close err = %v", err)
	}
}

func TestLocal_WorkersBounded(t *testing.T) {
	l := NewLocal(Options{Workers: 2})
	defer l.Close()

	var running, peak atomic.Int32
	l.Handle("slow", func(context.Context, json.RawMessage) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return nil
	})
	_ = l.Start(context.Background())

	for i := 0; i < 10; i++ {
		_ = l.Schedule(context.Background(), 0, "slow", i)
	}
	waitIdle(t, l)

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestLocal_HandlerFailures(t *testing.T) {
	l := NewLocal(Options{Workers: 1})
	defer l.Close()

	var after atomic.Bool
	l.Handle("panics", func(context.Context, json.RawMessage) error { panic("boom") })
	l.Handle("fails", func(context.Context, json.RawMessage) error { return errors.New("nope") })
	l.Handle("after", func(context.Context, json.RawMessage) error {
		after.Store(true)
		return nil
	})
	_ = l.Start(context.Background())

	_ = l.Schedule(context.Background(), 0, "panics", nil)
	_ = l.Schedule(context.Background(), 0, "fails", nil)
	waitIdle(t, l)

	_ = l.Schedule(context.Background(), 0, "after", nil)
	waitIdle(t, l)
	if !after.Load() {
		t.Error("worker did not survive a panicking task")
	}
}

func TestLocal_Continuation(t *testing.T) {
	l := NewLocal(Options{})
	defer l.Close()

	var runs atomic.Int32
	l.Handle("step", func(ctx context.Context, args json.RawMessage) error {
		var remaining int
		if err := json.Unmarshal(args, &remaining); err != nil {
			return err
		}
		runs.Add(1)
		if remaining > 0 {
			return l.Schedule(ctx, time.Millisecond, "step", remaining-1)
		}
		return nil
	})
	_ = l.Start(context.Background())

	_ = l.Schedule(context.Background(), 0, "step", 3)
	waitIdle(t, l)

	if n := runs.Load(); n != 4 {
		t.Errorf("runs = %d, want 4", n)
	}
}

func TestLocal_CloseDropsTimers(t *testing.T) {
	l := NewLocal(Options{})

	var ran atomic.Bool
	l.Handle("later", func(context.Context, json.RawMessage) error {
		ran.Store(true)
		return nil
	})
	_ = l.Start(context.Background())

	_ = l.Schedule(context.Background(), time.Hour, "later", nil)
	if n := l.Pending(); n != 1 {
		t.Errorf("Pending = %d, want 1", n)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if n := l.Pending(); n != 0 {
		t.Errorf("Pending after Close = %d", n)
	}
	waitIdle(t, l)
	if ran.Load() {
		t.Error("dropped task ran")
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestLocal_RunStopsWithContext(t *testing.T) {
	l := NewLocal(Options{})
	l.Handle("noop", func(context.Context, json.RawMessage) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
