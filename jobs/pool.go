package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tenantdb/tenantdb"
	"github.com/tenantdb/tenantdb/kit/platform"
	"github.com/tenantdb/tenantdb/migrate"
	"github.com/tenantdb/tenantdb/provision"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultWorkers is the number of concurrent job workers.
	DefaultWorkers = 4
	// DefaultPollInterval is how long an idle worker waits before polling
	// the queue again.
	DefaultPollInterval = time.Second
	// DefaultRequeueDelay hides a lock-timeout job before redelivery.
	DefaultRequeueDelay = 5 * time.Second
)

// Provisioner runs provisioning for one tenant.
type Provisioner interface {
	Provision(ctx context.Context, tenantID platform.ID, optionalModules []string) (*provision.Result, error)
}

// Migrator applies one migration to one tenant.
type Migrator interface {
	Apply(ctx context.Context, tenantID, migrationID platform.ID) (*migrate.ApplyResult, error)
}

// Pool consumes jobs from the queue with a fixed set of workers. Jobs for
// different tenants execute in parallel; jobs for one tenant serialize on
// the per-tenant lock held inside the provisioner and migrator. A job
// that loses the lock race is requeued rather than failed.
type Pool struct {
	log         *zap.Logger
	queue       Queue
	provisioner Provisioner
	migrator    Migrator
	metrics     *poolMetrics
	clock       clock.Clock

	workers      int
	pollInterval time.Duration
	requeueDelay time.Duration

	cancel context.CancelFunc
	group  *errgroup.Group
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithWorkers sets the worker count.
func WithWorkers(n int) PoolOption {
	return func(p *Pool) { p.workers = n }
}

// WithPollInterval sets the idle polling interval.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithRequeueDelay sets how long a lock-timeout job stays hidden.
func WithRequeueDelay(d time.Duration) PoolOption {
	return func(p *Pool) { p.requeueDelay = d }
}

// WithPoolClock substitutes the wall clock; used by tests.
func WithPoolClock(c clock.Clock) PoolOption {
	return func(p *Pool) { p.clock = c }
}

// NewPool constructs a worker pool over the queue.
func NewPool(log *zap.Logger, queue Queue, provisioner Provisioner, migrator Migrator, opts ...PoolOption) *Pool {
	p := &Pool{
		log:          log,
		queue:        queue,
		provisioner:  provisioner,
		migrator:     migrator,
		metrics:      newPoolMetrics(),
		clock:        clock.New(),
		workers:      DefaultWorkers,
		pollInterval: DefaultPollInterval,
		requeueDelay: DefaultRequeueDelay,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PrometheusCollectors exposes the pool's metrics for registration.
func (p *Pool) PrometheusCollectors() []prometheus.Collector {
	return p.metrics.PrometheusCollectors()
}

// Start launches the workers. They run until Close is called or ctx is
// cancelled.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		p.group.Go(func() error {
			return p.run(ctx, worker)
		})
	}
}

// Close stops the workers and waits for in-flight jobs to finish. A job
// inside a schema mutation runs to completion before its worker exits.
func (p *Pool) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.group != nil {
		return p.group.Wait()
	}
	return nil
}

func (p *Pool) run(ctx context.Context, worker int) error {
	log := p.log.With(zap.Int("worker", worker))
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		j, err := p.queue.Dequeue(ctx)
		if err != nil {
			log.Error("Dequeue failed", zap.Error(err))
			p.idle(ctx)
			continue
		}
		if j == nil {
			p.idle(ctx)
			continue
		}
		p.execute(ctx, log, j)
	}
}

func (p *Pool) idle(ctx context.Context) {
	t := p.clock.Timer(p.pollInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (p *Pool) execute(ctx context.Context, log *zap.Logger, j *Job) {
	kind := string(j.Kind)
	p.metrics.started.WithLabelValues(kind).Inc()
	start := p.clock.Now()

	var err error
	switch j.Kind {
	case KindProvision:
		_, err = p.provisioner.Provision(ctx, j.TenantID, j.OptionalModules)
	case KindMigrate:
		_, err = p.migrator.Apply(ctx, j.TenantID, j.MigrationID)
	default:
		err = errors.New("unknown job kind " + kind)
	}
	p.metrics.duration.WithLabelValues(kind).Observe(p.clock.Now().Sub(start).Seconds())

	if errors.Is(err, tenantdb.ErrLockTimeout) {
		log.Info("Tenant busy, requeueing job",
			zap.Stringer("job_id", j.ID),
			zap.Stringer("tenant_id", j.TenantID),
		)
		p.metrics.requeued.WithLabelValues(kind).Inc()
		if rqErr := p.queue.Requeue(ctx, j.ID, p.requeueDelay); rqErr != nil {
			log.Error("Requeue failed", zap.Stringer("job_id", j.ID), zap.Error(rqErr))
		}
		return
	}

	if err != nil {
		// terminal failure: the outcome is recorded on the tenant record,
		// redelivering the job would not change it
		log.Error("Job failed",
			zap.Stringer("job_id", j.ID),
			zap.Stringer("tenant_id", j.TenantID),
			zap.String("kind", kind),
			zap.Error(err),
		)
		p.metrics.failed.WithLabelValues(kind).Inc()
	} else {
		p.metrics.completed.WithLabelValues(kind).Inc()
	}

	if err := p.queue.Complete(ctx, j.ID); err != nil {
		log.Error("Completing job failed", zap.Stringer("job_id", j.ID), zap.Error(err))
	}
}
