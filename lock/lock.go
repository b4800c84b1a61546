// Package lock provides the in-process per-tenant lock used to serialize
// provisioning and migration work for one tenant while leaving different
// tenants fully parallel.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/tenantdb/tenantdb"
	"github.com/tenantdb/tenantdb/kit/platform"
)

// Service implements tenantdb.TenantLockService with one channel-based
// mutex per tenant id. Entries are created lazily and reclaimed when the
// last waiter releases.
type Service struct {
	mu    sync.Mutex
	locks map[platform.ID]*entry
	clock clock.Clock
}

type entry struct {
	ch   chan struct{} // capacity 1; holding the token means holding the lock
	refs int
}

// Option configures a Service.
type Option func(*Service)

// WithClock substitutes the wall clock; used by tests.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// NewService returns an empty lock service.
func NewService(opts ...Option) *Service {
	s := &Service{
		locks: map[platform.ID]*entry{},
		clock: clock.New(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ tenantdb.TenantLockService = (*Service)(nil)

// Acquire obtains the tenant's lock, waiting at most wait. A zero wait
// uses tenantdb.DefaultLockWait.
func (s *Service) Acquire(ctx context.Context, tenantID platform.ID, wait time.Duration) (func(), error) {
	if wait <= 0 {
		wait = tenantdb.DefaultLockWait
	}

	s.mu.Lock()
	e, ok := s.locks[tenantID]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{}
		s.locks[tenantID] = e
	}
	e.refs++
	s.mu.Unlock()

	timer := s.clock.Timer(wait)
	defer timer.Stop()

	select {
	case <-e.ch:
		var once sync.Once
		release := func() {
			once.Do(func() {
				e.ch <- struct{}{}
				s.unref(tenantID, e)
			})
		}
		return release, nil
	case <-timer.C:
		s.unref(tenantID, e)
		return nil, tenantdb.ErrLockTimeout
	case <-ctx.Done():
		s.unref(tenantID, e)
		return nil, ctx.Err()
	}
}

func (s *Service) unref(tenantID platform.ID, e *entry) {
	s.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(s.locks, tenantID)
	}
	s.mu.Unlock()
}
