// Package backend decides where new vectors go and moves entries between
// backends.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/abdul-hamid-achik/embedq/internal/store"
)

// Health reports whether the external vector index should receive writes.
type Health interface {
	IsActive() bool
}

// Toggle is a Health flipped by configuration.
type Toggle struct {
	active atomic.Bool
}

// NewToggle returns a Toggle in the given state.
func NewToggle(active bool) *Toggle {
	t := &Toggle{}
	t.active.Store(active)
	return t
}

// Set changes the state and reports whether it differed.
func (t *Toggle) Set(active bool) bool {
	return t.active.Swap(active) != active
}

// IsActive implements Health.
func (t *Toggle) IsActive() bool {
	return t.active.Load()
}

// Pinger checks that a service answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DefaultPingTimeout bounds one health check.
const DefaultPingTimeout = 5 * time.Second

// Monitor is a Health that is active while its switch is on and the last
// ping of the index succeeded. A nil target is never active.
type Monitor struct {
	enabled   Health
	target    Pinger
	reachable atomic.Bool
	logger    *slog.Logger
}

// NewMonitor returns a Monitor that assumes target is reachable until the
// first failed Check.
func NewMonitor(enabled Health, target Pinger, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{enabled: enabled, target: target, logger: logger}
	m.reachable.Store(target != nil)
	return m
}

// IsActive implements Health.
func (m *Monitor) IsActive() bool {
	return m.target != nil && m.enabled.IsActive() && m.reachable.Load()
}

// Check pings the target once and records the result.
func (m *Monitor) Check(ctx context.Context) error {
	if m.target == nil {
		return fmt.Errorf("no vector index configured")
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
	defer cancel()

	err := m.target.Ping(ctx)
	if m.reachable.Swap(err == nil) != (err == nil) {
		if err != nil {
			m.logger.Warn("vector index unreachable, storing embeddings locally", "err", err)
		} else {
			m.logger.Info("vector index reachable again")
		}
	}
	return err
}

// Run checks the target every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if m.target == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = m.Check(ctx)
		}
	}
}

// Rehomer is the part of the entry store the selector writes to.
type Rehomer interface {
	UpdateBackend(ctx context.Context, to, from store.Backend) (int64, error)
}

// Selector maps index health to a backend tag.
type Selector struct {
	Health Health
	Store  Rehomer
	Logger *slog.Logger
}

// Active returns external while the index is healthy, local otherwise.
func (s *Selector) Active() store.Backend {
	if s.Health != nil && s.Health.IsActive() {
		return store.BackendExternal
	}
	return store.BackendLocal
}

// Rehome retags every entry at from as to. Only the tag changes.
func (s *Selector) Rehome(ctx context.Context, to, from store.Backend) (int64, error) {
	if to == from {
		return 0, nil
	}
	n, err := s.Store.UpdateBackend(ctx, to, from)
	if err != nil {
		return 0, fmt.Errorf("rehome: %w", err)
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("entries rehomed", "from", from, "to", to, "count", n)
	return n, nil
}
