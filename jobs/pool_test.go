package jobs_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tenantdb/tenantdb"
	"github.com/tenantdb/tenantdb/inmem"
	"github.com/tenantdb/tenantdb/jobs"
	"github.com/tenantdb/tenantdb/kit/platform"
	"github.com/tenantdb/tenantdb/migrate"
	"github.com/tenantdb/tenantdb/mock"
	"github.com/tenantdb/tenantdb/provision"
	"go.uber.org/zap/zaptest"
)

type provisionerFunc func(ctx context.Context, tenantID platform.ID, optionalModules []string) (*provision.Result, error)

func (f provisionerFunc) Provision(ctx context.Context, tenantID platform.ID, optionalModules []string) (*provision.Result, error) {
	return f(ctx, tenantID, optionalModules)
}

type migratorFunc func(ctx context.Context, tenantID, migrationID platform.ID) (*migrate.ApplyResult, error)

func (f migratorFunc) Apply(ctx context.Context, tenantID, migrationID platform.ID) (*migrate.ApplyResult, error) {
	return f(ctx, tenantID, migrationID)
}

func newPoolQueue(t *testing.T) *jobs.KVQueue {
	t.Helper()
	return jobs.NewKVQueue(inmem.NewKVStore(), mock.NewIncrementingIDGenerator(1))
}

func awaitSignal(t *testing.T, ch <-chan *jobs.Job) *jobs.Job {
	t.Helper()
	select {
	case j := <-ch:
		return j
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the pool to execute a job")
		return nil
	}
}

func TestPoolExecutesJobs(t *testing.T) {
	q := newPoolQueue(t)
	ctx := context.Background()

	provisioned := make(chan *jobs.Job, 1)
	migrated := make(chan *jobs.Job, 1)

	pool := jobs.NewPool(
		zaptest.NewLogger(t), q,
		provisionerFunc(func(ctx context.Context, tenantID platform.ID, optionalModules []string) (*provision.Result, error) {
			provisioned <- &jobs.Job{TenantID: tenantID, OptionalModules: optionalModules}
			return &provision.Result{TenantID: tenantID, Status: tenantdb.TenantStatusActive}, nil
		}),
		migratorFunc(func(ctx context.Context, tenantID, migrationID platform.ID) (*migrate.ApplyResult, error) {
			migrated <- &jobs.Job{TenantID: tenantID, MigrationID: migrationID}
			return &migrate.ApplyResult{MigrationID: migrationID, Status: tenantdb.AppliedMigrationApplied}, nil
		}),
		jobs.WithWorkers(2),
		jobs.WithPollInterval(5*time.Millisecond),
	)

	require.NoError(t, q.Enqueue(ctx, &jobs.Job{
		Kind:            jobs.KindProvision,
		TenantID:        10,
		OptionalModules: []string{"membership"},
	}))
	require.NoError(t, q.Enqueue(ctx, &jobs.Job{
		Kind:        jobs.KindMigrate,
		TenantID:    11,
		MigrationID: 42,
	}))

	pool.Start(ctx)

	p := awaitSignal(t, provisioned)
	assert.Equal(t, platform.ID(10), p.TenantID)
	assert.Equal(t, []string{"membership"}, p.OptionalModules)

	m := awaitSignal(t, migrated)
	assert.Equal(t, platform.ID(11), m.TenantID)
	assert.Equal(t, platform.ID(42), m.MigrationID)

	require.NoError(t, pool.Close())

	// both jobs completed and left the queue
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPoolRequeuesOnLockTimeout(t *testing.T) {
	q := newPoolQueue(t)
	ctx := context.Background()

	var calls atomic.Int32
	done := make(chan *jobs.Job, 1)

	pool := jobs.NewPool(
		zaptest.NewLogger(t), q,
		provisionerFunc(func(ctx context.Context, tenantID platform.ID, optionalModules []string) (*provision.Result, error) {
			if calls.Add(1) == 1 {
				return nil, tenantdb.ErrLockTimeout
			}
			done <- &jobs.Job{TenantID: tenantID}
			return &provision.Result{TenantID: tenantID, Status: tenantdb.TenantStatusActive}, nil
		}),
		nil,
		jobs.WithWorkers(1),
		jobs.WithPollInterval(5*time.Millisecond),
		jobs.WithRequeueDelay(10*time.Millisecond),
	)

	require.NoError(t, q.Enqueue(ctx, &jobs.Job{Kind: jobs.KindProvision, TenantID: 10}))
	pool.Start(ctx)

	awaitSignal(t, done)
	require.NoError(t, pool.Close())

	assert.Equal(t, int32(2), calls.Load())
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPoolCompletesTerminalFailures(t *testing.T) {
	q := newPoolQueue(t)
	ctx := context.Background()

	var calls atomic.Int32
	done := make(chan *jobs.Job, 1)

	pool := jobs.NewPool(
		zaptest.NewLogger(t), q,
		nil,
		migratorFunc(func(ctx context.Context, tenantID, migrationID platform.ID) (*migrate.ApplyResult, error) {
			calls.Add(1)
			done <- &jobs.Job{TenantID: tenantID}
			return nil, migrate.ErrTenantNotActive
		}),
		jobs.WithWorkers(1),
		jobs.WithPollInterval(5*time.Millisecond),
	)

	require.NoError(t, q.Enqueue(ctx, &jobs.Job{Kind: jobs.KindMigrate, TenantID: 10, MigrationID: 42}))
	pool.Start(ctx)

	awaitSignal(t, done)

	// give the worker a chance to (wrongly) redeliver before stopping
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, pool.Close())

	assert.Equal(t, int32(1), calls.Load())
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}
