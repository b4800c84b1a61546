// Package provision implements the provisioning orchestrator: it creates
// a tenant's isolated database, applies the composed template bundle, and
// compensates by dropping the database on any failure. A tenant is never
// left active with a partially applied schema.
package provision

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/tenantdb/tenantdb"
	"github.com/tenantdb/tenantdb/kit/platform"
	"github.com/tenantdb/tenantdb/logger"
	"github.com/tenantdb/tenantdb/schema"
	"github.com/tenantdb/tenantdb/tenantctx"
	"go.uber.org/zap"
)

const (
	// DefaultMaxAttempts bounds retries of transient infrastructure failures.
	DefaultMaxAttempts = 3
	// DefaultBackoff is the base of the exponential retry backoff.
	DefaultBackoff = 500 * time.Millisecond
	// DefaultTimeout is the hard wall-clock bound for one provisioning attempt.
	DefaultTimeout = 2 * time.Minute
)

// Result reports the outcome of one provisioning run.
type Result struct {
	TenantID platform.ID
	Status   tenantdb.TenantStatus
	Attempts int
}

// Orchestrator drives the Requested -> Provisioning -> {Active | Failed}
// state machine for a tenant.
type Orchestrator struct {
	log       *zap.Logger
	templates tenantdb.TemplateService
	tenants   tenantdb.TenantService
	provider  tenantdb.DatabaseProvider
	guard     *tenantctx.Guard
	locks     tenantdb.TenantLockService
	audit     tenantdb.AuditSink
	clock     clock.Clock

	maxAttempts int
	backoff     time.Duration
	timeout     time.Duration
	lockWait    time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock substitutes the wall clock; used by tests to make backoff
// deterministic.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithRetryPolicy bounds the retry loop.
func WithRetryPolicy(maxAttempts int, backoff time.Duration) Option {
	return func(o *Orchestrator) {
		o.maxAttempts = maxAttempts
		o.backoff = backoff
	}
}

// WithTimeout sets the per-attempt wall-clock bound.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithLockWait bounds the wait for the per-tenant lock.
func WithLockWait(d time.Duration) Option {
	return func(o *Orchestrator) { o.lockWait = d }
}

// NewOrchestrator constructs a provisioning orchestrator.
func NewOrchestrator(
	log *zap.Logger,
	templates tenantdb.TemplateService,
	tenants tenantdb.TenantService,
	provider tenantdb.DatabaseProvider,
	guard *tenantctx.Guard,
	locks tenantdb.TenantLockService,
	audit tenantdb.AuditSink,
	opts ...Option,
) *Orchestrator {
	if audit == nil {
		audit = tenantdb.NopAuditSink
	}
	o := &Orchestrator{
		log:         log,
		templates:   templates,
		tenants:     tenants,
		provider:    provider,
		guard:       guard,
		locks:       locks,
		audit:       audit,
		clock:       clock.New(),
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		timeout:     DefaultTimeout,
		lockWait:    tenantdb.DefaultLockWait,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Provision creates the tenant's database and applies its template bundle.
// The per-tenant lock guarantees at most one concurrent provisioning per
// tenant id; transient infrastructure failures retry with bounded
// exponential backoff, structural bundle failures fail immediately.
func (o *Orchestrator) Provision(ctx context.Context, tenantID platform.ID, optionalModules []string) (*Result, error) {
	release, err := o.locks.Acquire(ctx, tenantID, o.lockWait)
	if err != nil {
		return nil, err
	}
	defer release()

	log, logEnd := logger.NewOperation(o.log, "Provisioning tenant", "provision",
		zap.Stringer("tenant_id", tenantID))
	defer logEnd()

	if err := o.tenants.TransitionStatus(ctx, tenantID, tenantdb.TenantStatusRequested, tenantdb.TenantStatusProvisioning); err != nil {
		return nil, err
	}

	t, err := o.tenants.FindTenantByID(ctx, tenantID)
	if err != nil {
		return nil, o.fail(ctx, tenantID, err)
	}

	// Structural failures in the bundle are fatal before any database
	// exists; nothing to compensate yet.
	bundle, err := o.templates.ComposeBundle(ctx, t.TemplateID, optionalModules)
	if err != nil {
		return nil, o.fail(ctx, tenantID, err)
	}

	attempts := 0
	for {
		attempts++
		err = o.attempt(ctx, log, t, bundle)
		if err == nil {
			break
		}
		if !tenantdb.ErrIsRetryable(err) || attempts >= o.maxAttempts {
			return &Result{TenantID: tenantID, Status: tenantdb.TenantStatusFailed, Attempts: attempts},
				o.fail(ctx, tenantID, err)
		}

		wait := o.backoff << (attempts - 1)
		log.Warn("Provisioning attempt failed, backing off",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-o.clock.Timer(wait).C:
		case <-ctx.Done():
			return &Result{TenantID: tenantID, Status: tenantdb.TenantStatusFailed, Attempts: attempts},
				o.fail(ctx, tenantID, ctx.Err())
		}
	}

	if err := o.tenants.TransitionStatus(ctx, tenantID, tenantdb.TenantStatusProvisioning, tenantdb.TenantStatusActive); err != nil {
		return nil, err
	}
	none := tenantdb.DriftNone
	now := o.clock.Now().UTC()
	if _, err := o.tenants.UpdateTenant(ctx, tenantID, tenantdb.TenantUpdate{
		Drift:          &none,
		LastSchemaSync: &now,
	}); err != nil {
		return nil, err
	}

	return &Result{TenantID: tenantID, Status: tenantdb.TenantStatusActive, Attempts: attempts}, nil
}

// attempt runs one full create-and-apply pass. On any failure the database
// created within the attempt is dropped before the error is returned, so
// every attempt starts from a clean slate.
func (o *Orchestrator) attempt(ctx context.Context, log *zap.Logger, t *tenantdb.Tenant, bundle *tenantdb.Bundle) (err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	desc, handle, err := o.provider.CreateDatabase(attemptCtx, t.Descriptor)
	if err != nil {
		return err
	}

	defer func() {
		if err == nil {
			return
		}
		// compensating rollback: the partially built database must not
		// survive the failed attempt
		if dropErr := o.provider.DropDatabase(context.WithoutCancel(attemptCtx), desc); dropErr != nil {
			log.Error("Compensating drop failed; database may be orphaned",
				logger.DBInstance(desc.Database), zap.Error(dropErr))
			err = multierror.Append(err, dropErr)
		}
	}()

	tc, err := o.guard.BindProvisioning(attemptCtx, t.ID, desc, handle)
	if err != nil {
		return err
	}
	defer o.guard.End(attemptCtx, tc)

	err = o.guard.With(attemptCtx, tc, func(ctx context.Context) error {
		return o.applyBundle(ctx, tc, t, bundle)
	})
	if err != nil {
		return err
	}

	if err := o.tenants.SetBaseline(attemptCtx, t.ID, bundle.Snapshot); err != nil {
		return err
	}
	version := bundle.TemplateVersion
	if _, err := o.tenants.UpdateTenant(attemptCtx, t.ID, tenantdb.TenantUpdate{
		Descriptor:      &desc,
		TemplateVersion: &version,
	}); err != nil {
		return err
	}

	return nil
}

// applyBundle applies each module's schema fragment in composed order,
// recording a history entry with the pre-change snapshot per module, and
// finally seeds the database.
func (o *Orchestrator) applyBundle(ctx context.Context, tc *tenantctx.Context, t *tenantdb.Tenant, bundle *tenantdb.Bundle) error {
	handle, err := tc.Handle()
	if err != nil {
		return err
	}

	var current schema.Snapshot
	for _, m := range bundle.Modules {
		before := current.Clone()
		if err := o.provider.ExecuteChangeSet(ctx, handle, m.Schema); err != nil {
			return err
		}
		if err := m.Schema.Apply(&current); err != nil {
			return FatalBundleError(err)
		}
		if err := o.tenants.AddHistory(ctx, &tenantdb.HistoryEntry{
			TenantID: t.ID,
			Kind:     tenantdb.HistoryProvision,
			Module:   m.Name,
			Before:   before,
			Note:     "template module applied",
		}); err != nil {
			return err
		}
	}

	return o.provider.ApplySeed(ctx, handle, bundle.Seed)
}

// fail records the terminal failure: the tenant moves to failed with the
// underlying cause attached for operator review.
func (o *Orchestrator) fail(ctx context.Context, tenantID platform.ID, cause error) error {
	causeMsg := cause.Error()
	if _, err := o.tenants.UpdateTenant(ctx, tenantID, tenantdb.TenantUpdate{StatusCause: &causeMsg}); err != nil {
		o.log.Error("Recording provisioning failure cause failed", zap.Error(err))
	}
	if err := o.tenants.TransitionStatus(ctx, tenantID, tenantdb.TenantStatusProvisioning, tenantdb.TenantStatusFailed); err != nil {
		o.log.Error("Transition to failed status failed", zap.Error(err))
	}

	o.audit.Record(ctx, tenantdb.AuditEvent{
		Type:     tenantdb.AuditProvisionFailed,
		TenantID: tenantID,
		Fields:   map[string]interface{}{"cause": causeMsg},
	})
	return ProvisioningFailure(cause)
}
