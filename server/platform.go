// Package server wires the registry, orchestrator, migration engine, job
// queue and safety guard into one platform surface.
package server

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tenantdb/tenantdb"
	"github.com/tenantdb/tenantdb/jobs"
	"github.com/tenantdb/tenantdb/kit/platform"
	"github.com/tenantdb/tenantdb/kv"
	"github.com/tenantdb/tenantdb/lock"
	"github.com/tenantdb/tenantdb/migrate"
	"github.com/tenantdb/tenantdb/provision"
	"github.com/tenantdb/tenantdb/schema"
	"github.com/tenantdb/tenantdb/snowflake"
	"github.com/tenantdb/tenantdb/template"
	"github.com/tenantdb/tenantdb/tenant"
	"github.com/tenantdb/tenantdb/tenantctx"
	"go.uber.org/zap"
)

// TenantStatusSummary is the externally exposed view of one tenant.
type TenantStatusSummary struct {
	Status            tenantdb.TenantStatus `json:"status"`
	Drift             tenantdb.DriftLevel   `json:"schemaDriftLevel"`
	AppliedMigrations int                   `json:"appliedMigrationCount"`
}

// Platform is the assembled system. Subsystems are exported so callers
// and tests can reach them directly.
type Platform struct {
	Templates tenantdb.TemplateService
	Tenants   tenantdb.TenantService
	Guard     *tenantctx.Guard
	Locks     tenantdb.TenantLockService
	Queue     jobs.Queue
	Pool      *jobs.Pool

	Provisioner *provision.Orchestrator
	Engine      *migrate.Engine

	log *zap.Logger
}

// Option tunes the assembled platform.
type Option func(*options)

type options struct {
	workers     int
	lockWait    time.Duration
	maxAttempts int
	backoff     time.Duration
}

// WithWorkers sets the job pool worker count.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithLockWait bounds how long provisioning and migration runs wait for
// a busy tenant before failing with the lock-timeout error.
func WithLockWait(d time.Duration) Option {
	return func(o *options) { o.lockWait = d }
}

// WithRetryPolicy sets the provisioning retry attempt cap and initial
// backoff.
func WithRetryPolicy(maxAttempts int, backoff time.Duration) Option {
	return func(o *options) {
		o.maxAttempts = maxAttempts
		o.backoff = backoff
	}
}

// NewPlatform assembles the platform over the registry kv store and the
// configured database provider.
func NewPlatform(log *zap.Logger, store kv.Store, provider tenantdb.DatabaseProvider, audit tenantdb.AuditSink, opts ...Option) *Platform {
	if audit == nil {
		audit = tenantdb.NopAuditSink
	}
	o := options{
		workers:  jobs.DefaultWorkers,
		lockWait: tenantdb.DefaultLockWait,
	}
	for _, opt := range opts {
		opt(&o)
	}
	idGen := snowflake.NewDefaultIDGenerator()

	templateSvc := template.NewService(template.NewStore(store, idGen))
	tenantSvc := tenant.NewService(tenant.NewStore(store, idGen), audit)
	locks := lock.NewService()
	guard := tenantctx.NewGuard(log.With(zap.String("service", "tenantctx")), tenantSvc, provider, audit)

	provisionOpts := []provision.Option{provision.WithLockWait(o.lockWait)}
	if o.maxAttempts > 0 {
		provisionOpts = append(provisionOpts, provision.WithRetryPolicy(o.maxAttempts, o.backoff))
	}
	provisioner := provision.NewOrchestrator(
		log.With(zap.String("service", "provision")),
		templateSvc, tenantSvc, provider, guard, locks, audit,
		provisionOpts...,
	)
	engine := migrate.NewEngine(
		log.With(zap.String("service", "migrate")),
		templateSvc, tenantSvc, provider, guard, locks, audit,
		migrate.WithLockWait(o.lockWait),
	)

	queue := jobs.NewKVQueue(store, idGen)
	pool := jobs.NewPool(log.With(zap.String("service", "jobs")), queue, provisioner, engine,
		jobs.WithWorkers(o.workers))

	return &Platform{
		Templates:   templateSvc,
		Tenants:     tenantSvc,
		Guard:       guard,
		Locks:       locks,
		Queue:       queue,
		Pool:        pool,
		Provisioner: provisioner,
		Engine:      engine,
		log:         log,
	}
}

// PrometheusCollectors exposes the platform's metrics for registration.
func (p *Platform) PrometheusCollectors() []prometheus.Collector {
	return p.Pool.PrometheusCollectors()
}

// Open starts the worker pool.
func (p *Platform) Open(ctx context.Context) {
	p.Pool.Start(ctx)
}

// Close stops the worker pool and waits for in-flight jobs.
func (p *Platform) Close() error {
	return p.Pool.Close()
}

// CreateTenant registers the tenant in requested status and enqueues its
// provisioning job. The job id allows cancellation before a worker picks
// the job up.
func (p *Platform) CreateTenant(ctx context.Context, t *tenantdb.Tenant, optionalModules []string) (platform.ID, error) {
	if _, err := p.Templates.FindTemplateByID(ctx, t.TemplateID); err != nil {
		return 0, err
	}
	if err := p.Tenants.CreateTenant(ctx, t); err != nil {
		return 0, err
	}

	j := &jobs.Job{
		Kind:            jobs.KindProvision,
		TenantID:        t.ID,
		TemplateID:      t.TemplateID,
		OptionalModules: optionalModules,
	}
	if err := p.Queue.Enqueue(ctx, j); err != nil {
		return 0, err
	}
	return j.ID, nil
}

// TenantStatus reports the tenant's lifecycle status, drift level and
// applied-migration count.
func (p *Platform) TenantStatus(ctx context.Context, tenantID platform.ID) (*TenantStatusSummary, error) {
	t, err := p.Tenants.FindTenantByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	applied, err := p.Tenants.AppliedMigrations(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	count := 0
	for _, am := range applied {
		if am.Status == tenantdb.AppliedMigrationApplied {
			count++
		}
	}
	return &TenantStatusSummary{
		Status:            t.Status,
		Drift:             t.Drift,
		AppliedMigrations: count,
	}, nil
}

// PlanMigrations returns the migrations pending for the tenant.
func (p *Platform) PlanMigrations(ctx context.Context, tenantID platform.ID) ([]*tenantdb.Migration, error) {
	return p.Engine.Plan(ctx, tenantID)
}

// ApplyMigration applies one migration synchronously and returns its
// discriminated result.
func (p *Platform) ApplyMigration(ctx context.Context, tenantID, migrationID platform.ID) (*migrate.ApplyResult, error) {
	return p.Engine.Apply(ctx, tenantID, migrationID)
}

// EnqueueMigration schedules the migration for asynchronous application
// and returns the job id.
func (p *Platform) EnqueueMigration(ctx context.Context, tenantID, migrationID platform.ID) (platform.ID, error) {
	j := &jobs.Job{
		Kind:        jobs.KindMigrate,
		TenantID:    tenantID,
		MigrationID: migrationID,
	}
	if err := p.Queue.Enqueue(ctx, j); err != nil {
		return 0, err
	}
	return j.ID, nil
}

// RollbackMigration restores the tenant schema to the snapshot of the
// given history entry.
func (p *Platform) RollbackMigration(ctx context.Context, tenantID, historyEntryID platform.ID) error {
	return p.Engine.Rollback(ctx, tenantID, historyEntryID)
}

// SchemaDiff returns the live-versus-expected schema difference for the
// tenant.
func (p *Platform) SchemaDiff(ctx context.Context, tenantID platform.ID) (schema.SchemaDiff, error) {
	return p.Engine.SchemaDiff(ctx, tenantID)
}
