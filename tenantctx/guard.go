// Package tenantctx provides the tenant context switch and its safety
// guard. A tenant context is an explicit value carrying the tenant id, its
// resolved connection and a monotonically increasing switch sequence
// number; it is never ambient process-wide state. Every schema-mutating
// operation runs inside a context obtained from Guard.Begin.
package tenantctx

import (
	"context"
	"sync/atomic"

	"github.com/tenantdb/tenantdb"
	"github.com/tenantdb/tenantdb/kit/platform"
	"go.uber.org/zap"
)

// Context binds one unit of work to one tenant database connection. It is
// immutable after creation; End invalidates it.
type Context struct {
	tenantID   platform.ID
	descriptor tenantdb.Descriptor
	handle     tenantdb.ConnectionHandle
	seq        uint64

	released atomic.Bool
}

// TenantID returns the tenant the context is bound to.
func (c *Context) TenantID() platform.ID { return c.tenantID }

// Descriptor returns the connection descriptor the context was resolved
// against.
func (c *Context) Descriptor() tenantdb.Descriptor { return c.descriptor }

// Seq returns the context's switch sequence number.
func (c *Context) Seq() uint64 { return c.seq }

// Handle returns the connection handle owned by this context. It fails
// with ErrStaleContext once the context has been released.
func (c *Context) Handle() (tenantdb.ConnectionHandle, error) {
	if c.released.Load() {
		return nil, ErrStaleContext
	}
	return c.handle, nil
}

type contextKey struct{}

// FromContext returns the tenant context bound to ctx, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	tc, ok := ctx.Value(contextKey{}).(*Context)
	return tc, ok
}

// Guard validates every connection switch against the tenant registry
// before allowing queries to run.
type Guard struct {
	tenants  tenantdb.TenantService
	provider tenantdb.DatabaseProvider
	audit    tenantdb.AuditSink
	log      *zap.Logger

	seq atomic.Uint64
}

// NewGuard constructs a safety guard.
func NewGuard(log *zap.Logger, tenants tenantdb.TenantService, provider tenantdb.DatabaseProvider, audit tenantdb.AuditSink) *Guard {
	if audit == nil {
		audit = tenantdb.NopAuditSink
	}
	return &Guard{
		tenants:  tenants,
		provider: provider,
		audit:    audit,
		log:      log,
	}
}

// Begin validates that the tenant exists and is active, opens a connection
// to its database, and verifies the live database identity against the
// registry's descriptor before handing out the context. The handle is
// owned by the returned context until End.
func (g *Guard) Begin(ctx context.Context, tenantID platform.ID) (*Context, error) {
	t, err := g.tenants.FindTenantByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t.Status != tenantdb.TenantStatusActive {
		return nil, TenantNotProvisionedError(tenantID, t.Status)
	}

	handle, err := g.provider.Open(ctx, t.Descriptor)
	if err != nil {
		return nil, err
	}

	return g.bind(ctx, tenantID, t.Descriptor, handle)
}

// BindProvisioning builds a context over a handle returned by
// CreateDatabase for a tenant still in provisioning status. The identity
// check runs exactly as in Begin; only the active-status requirement is
// waived, since the tenant becomes active only after the bundle applies.
func (g *Guard) BindProvisioning(ctx context.Context, tenantID platform.ID, d tenantdb.Descriptor, handle tenantdb.ConnectionHandle) (*Context, error) {
	return g.bind(ctx, tenantID, d, handle)
}

func (g *Guard) bind(ctx context.Context, tenantID platform.ID, d tenantdb.Descriptor, handle tenantdb.ConnectionHandle) (*Context, error) {
	identity, err := handle.Identity(ctx)
	if err != nil {
		handle.Close()
		return nil, err
	}
	if identity != d.Instance {
		handle.Close()
		rejection := ConnectionMismatchError(tenantID, d.Instance, identity)
		g.reject(ctx, tenantID, rejection)
		return nil, rejection
	}

	tc := &Context{
		tenantID:   tenantID,
		descriptor: d,
		handle:     handle,
		seq:        g.seq.Add(1),
	}

	g.audit.Record(ctx, tenantdb.AuditEvent{
		Type:     tenantdb.AuditContextBegan,
		TenantID: tenantID,
		Fields:   map[string]interface{}{"seq": tc.seq, "database": d.Database},
	})
	return tc, nil
}

// With runs a unit of work bound to exactly one tenant context. If ctx is
// already bound to a context for a different tenant the unit of work is
// rejected; use Scoped for a deliberate inner switch.
func (g *Guard) With(ctx context.Context, tc *Context, fn func(ctx context.Context) error) error {
	if tc.released.Load() {
		g.reject(ctx, tc.tenantID, ErrStaleContext)
		return ErrStaleContext
	}
	if outer, ok := FromContext(ctx); ok && outer.tenantID != tc.tenantID {
		g.reject(ctx, tc.tenantID, ErrNestedContextViolation)
		return ErrNestedContextViolation
	}
	return fn(context.WithValue(ctx, contextKey{}, tc))
}

// Scoped runs a unit of work under an explicitly scoped inner context,
// even when ctx is bound to a different tenant. The outer binding is
// restored when fn returns, because the inner binding only lives on the
// derived context.
func (g *Guard) Scoped(ctx context.Context, inner *Context, fn func(ctx context.Context) error) error {
	if inner.released.Load() {
		g.reject(ctx, inner.tenantID, ErrStaleContext)
		return ErrStaleContext
	}
	return fn(context.WithValue(ctx, contextKey{}, inner))
}

// End releases the context's connection handle and invalidates the
// context; any later use fails with ErrStaleContext.
func (g *Guard) End(ctx context.Context, tc *Context) error {
	if !tc.released.CompareAndSwap(false, true) {
		return ErrStaleContext
	}

	err := tc.handle.Close()

	g.audit.Record(ctx, tenantdb.AuditEvent{
		Type:     tenantdb.AuditContextEnded,
		TenantID: tc.tenantID,
		Fields:   map[string]interface{}{"seq": tc.seq},
	})
	return err
}

// reject records a safety-guard violation. Violations indicate potential
// cross-tenant data exposure and are logged at the highest severity.
func (g *Guard) reject(ctx context.Context, tenantID platform.ID, cause error) {
	g.log.Error("Safety guard rejected connection switch",
		zap.Stringer("tenant_id", tenantID),
		zap.Error(cause),
	)
	g.audit.Record(ctx, tenantdb.AuditEvent{
		Type:     tenantdb.AuditGuardRejected,
		TenantID: tenantID,
		Fields:   map[string]interface{}{"cause": cause.Error()},
	})
}
