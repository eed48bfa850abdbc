package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lease hands out short-lived exclusive claims on a name, backed by the
// cache's set-if-absent primitive. A claim expires on its own after ttl, so a
// crashed holder never blocks others for longer than that.
type Lease struct {
	backend Backend
	prefix  string
}

// NewLease creates a Lease storing claims under prefix.
func NewLease(backend Backend, prefix string) *Lease {
	return &Lease{backend: backend, prefix: prefix}
}

// Acquire tries to claim name for ttl. It returns the holder token and true
// on success, or false when another holder owns the claim.
func (l *Lease) Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.backend.Add(ctx, l.prefix+name, []byte(token), ttl)
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release drops the claim on name if token still holds it.
func (l *Lease) Release(ctx context.Context, name, token string) error {
	current, ok, err := l.backend.Get(ctx, l.prefix+name)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	if !ok || string(current) != token {
		return nil
	}
	return l.backend.Delete(ctx, l.prefix+name)
}
