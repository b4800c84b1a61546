package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tenantdb/tenantdb"
	"github.com/tenantdb/tenantdb/kit/platform"
)

func TestAcquireRelease(t *testing.T) {
	s := NewService()
	ctx := context.Background()

	release, err := s.Acquire(ctx, 1, time.Second)
	require.NoError(t, err)
	release()

	// releasing twice is harmless
	release()

	release, err = s.Acquire(ctx, 1, time.Second)
	require.NoError(t, err)
	release()
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	mock := clock.NewMock()
	s := NewService(WithClock(mock))
	ctx := context.Background()

	release, err := s.Acquire(ctx, 1, time.Second)
	require.NoError(t, err)
	defer release()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Acquire(ctx, 1, time.Second)
		errCh <- err
	}()

	// let the second acquirer block on the token before firing the timer
	time.Sleep(10 * time.Millisecond)
	mock.Add(2 * time.Second)

	select {
	case err := <-errCh:
		assert.Equal(t, tenantdb.ErrLockTimeout, err)
	case <-time.After(5 * time.Second):
		t.Fatal("second acquire neither succeeded nor timed out")
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	s := NewService()

	release, err := s.Acquire(context.Background(), 1, time.Minute)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Acquire(ctx, 1, time.Minute)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled acquire did not return")
	}
}

func TestDifferentTenantsDoNotContend(t *testing.T) {
	s := NewService()
	ctx := context.Background()

	r1, err := s.Acquire(ctx, 1, 100*time.Millisecond)
	require.NoError(t, err)
	defer r1()

	r2, err := s.Acquire(ctx, 2, 100*time.Millisecond)
	require.NoError(t, err)
	defer r2()
}

func TestSerializesSameTenant(t *testing.T) {
	s := NewService()
	ctx := context.Background()

	const workers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		inside int
		peak   int
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := s.Acquire(ctx, 42, 10*time.Second)
			if err != nil {
				t.Error(err)
				return
			}
			defer release()

			mu.Lock()
			inside++
			if inside > peak {
				peak = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, peak, "more than one worker held the same tenant lock")
}

func TestEntriesReclaimed(t *testing.T) {
	s := NewService()
	ctx := context.Background()

	release, err := s.Acquire(ctx, platform.ID(7), time.Second)
	require.NoError(t, err)
	release()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.locks)
}
