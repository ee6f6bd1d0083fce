// Package lease provides a TTL lease over the external store's atomic
// set-if-absent primitive. It guards the recompute cycle so at most one
// runs per deployment; a holder that dies without releasing self-heals at
// expiry instead of deadlocking future cycles.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lease grants exclusive, expiring ownership of a key. Failing to acquire
// is an expected, frequent outcome under concurrent triggers, so it is
// reported as ok=false rather than an error.
type Lease interface {
	// Acquire tries to take the lease. On success it returns an opaque
	// token identifying this holder and ok=true; on contention ok=false.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)

	// Release frees the lease only if the token still matches; a stale
	// token (expired and re-acquired elsewhere) is a silent no-op.
	Release(ctx context.Context, key, token string) error
}

// MemoryLease is an in-process Lease for the memory backend and tests.
type MemoryLease struct {
	mu      sync.Mutex
	holders map[string]memHolder

	now func() time.Time
}

type memHolder struct {
	token     string
	expiresAt time.Time
}

// NewMemoryLease creates an empty in-process lease registry.
func NewMemoryLease() *MemoryLease {
	return &MemoryLease{
		holders: make(map[string]memHolder),
		now:     time.Now,
	}
}

func (m *MemoryLease) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if holder, held := m.holders[key]; held && m.now().Before(holder.expiresAt) {
		return "", false, nil
	}

	token := uuid.NewString()
	m.holders[key] = memHolder{token: token, expiresAt: m.now().Add(ttl)}
	return token, true, nil
}

func (m *MemoryLease) Release(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if holder, held := m.holders[key]; held && holder.token == token {
		delete(m.holders, key)
	}
	return nil
}
