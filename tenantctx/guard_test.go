package tenantctx_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tenantdb/tenantdb"
	"github.com/tenantdb/tenantdb/inmem"
	"github.com/tenantdb/tenantdb/inmemprovider"
	"github.com/tenantdb/tenantdb/kit/platform/errors"
	"github.com/tenantdb/tenantdb/mock"
	"github.com/tenantdb/tenantdb/tenant"
	"github.com/tenantdb/tenantdb/tenantctx"
	"go.uber.org/zap/zaptest"
)

type guardFixture struct {
	guard    *tenantctx.Guard
	tenants  *tenant.Service
	provider *inmemprovider.Provider
	sink     *mock.AuditSink
}

// newGuardFixture registers one active tenant with a live database whose
// identity matches the registry descriptor.
func newGuardFixture(t *testing.T) (*guardFixture, *tenantdb.Tenant) {
	t.Helper()
	ctx := context.Background()

	sink := mock.NewAuditSink()
	tenants := tenant.NewService(tenant.NewStore(inmem.NewKVStore(), mock.NewIncrementingIDGenerator(1)), tenantdb.NopAuditSink)
	provider := inmemprovider.NewProvider()
	guard := tenantctx.NewGuard(zaptest.NewLogger(t), tenants, provider, sink)

	tn := &tenantdb.Tenant{Name: "acme", TemplateID: 100}
	require.NoError(t, tenants.CreateTenant(ctx, tn))

	desc, handle, err := provider.CreateDatabase(ctx, tenantdb.Descriptor{})
	require.NoError(t, err)
	require.NoError(t, handle.Close())

	_, err = tenants.UpdateTenant(ctx, tn.ID, tenantdb.TenantUpdate{Descriptor: &desc})
	require.NoError(t, err)
	require.NoError(t, tenants.TransitionStatus(ctx, tn.ID, tenantdb.TenantStatusRequested, tenantdb.TenantStatusProvisioning))
	require.NoError(t, tenants.TransitionStatus(ctx, tn.ID, tenantdb.TenantStatusProvisioning, tenantdb.TenantStatusActive))

	tn, err = tenants.FindTenantByID(ctx, tn.ID)
	require.NoError(t, err)

	return &guardFixture{guard: guard, tenants: tenants, provider: provider, sink: sink}, tn
}

func TestGuardBegin(t *testing.T) {
	f, tn := newGuardFixture(t)
	ctx := context.Background()

	tc, err := f.guard.Begin(ctx, tn.ID)
	require.NoError(t, err)
	assert.Equal(t, tn.ID, tc.TenantID())
	assert.Equal(t, tn.Descriptor, tc.Descriptor())

	handle, err := tc.Handle()
	require.NoError(t, err)
	identity, err := handle.Identity(ctx)
	require.NoError(t, err)
	assert.Equal(t, tn.Descriptor.Instance, identity)

	require.NoError(t, f.guard.End(ctx, tc))
	assert.Len(t, f.sink.EventsOfType(tenantdb.AuditContextBegan), 1)
	assert.Len(t, f.sink.EventsOfType(tenantdb.AuditContextEnded), 1)
}

func TestGuardBeginRequiresActiveTenant(t *testing.T) {
	f, tn := newGuardFixture(t)
	ctx := context.Background()

	require.NoError(t, f.tenants.TransitionStatus(ctx, tn.ID, tenantdb.TenantStatusActive, tenantdb.TenantStatusSuspended))

	_, err := f.guard.Begin(ctx, tn.ID)
	require.Error(t, err)
	assert.Equal(t, errors.EConflict, errors.ErrorCode(err))
}

func TestGuardRejectsIdentityMismatch(t *testing.T) {
	f, tn := newGuardFixture(t)
	ctx := context.Background()

	// the registry now claims a different instance than the live database
	stale := tn.Descriptor
	stale.Instance = "00000000-0000-0000-0000-000000000000"
	_, err := f.tenants.UpdateTenant(ctx, tn.ID, tenantdb.TenantUpdate{Descriptor: &stale})
	require.NoError(t, err)

	_, err = f.guard.Begin(ctx, tn.ID)
	require.Error(t, err)
	assert.Equal(t, errors.EForbidden, errors.ErrorCode(err))
	assert.Len(t, f.sink.EventsOfType(tenantdb.AuditGuardRejected), 1)
}

func TestGuardBindProvisioningClosesHandleOnMismatch(t *testing.T) {
	f, tn := newGuardFixture(t)
	ctx := context.Background()

	handle := mock.NewConnectionHandle(tn.Descriptor, "imposter")
	_, err := f.guard.BindProvisioning(ctx, tn.ID, tn.Descriptor, handle)
	require.Error(t, err)
	assert.Equal(t, errors.EForbidden, errors.ErrorCode(err))
	assert.Equal(t, int32(1), handle.Closed.Load())
}

func TestGuardStaleContext(t *testing.T) {
	f, tn := newGuardFixture(t)
	ctx := context.Background()

	tc, err := f.guard.Begin(ctx, tn.ID)
	require.NoError(t, err)
	require.NoError(t, f.guard.End(ctx, tc))

	_, err = tc.Handle()
	assert.Equal(t, tenantctx.ErrStaleContext, err)

	err = f.guard.With(ctx, tc, func(ctx context.Context) error { return nil })
	assert.Equal(t, tenantctx.ErrStaleContext, err)

	assert.Equal(t, tenantctx.ErrStaleContext, f.guard.End(ctx, tc))
}

func TestGuardNestedContextViolation(t *testing.T) {
	f, tn := newGuardFixture(t)
	ctx := context.Background()

	other := &tenantdb.Tenant{Name: "globex", TemplateID: 100}
	require.NoError(t, f.tenants.CreateTenant(ctx, other))
	desc, handle, err := f.provider.CreateDatabase(ctx, tenantdb.Descriptor{})
	require.NoError(t, err)
	require.NoError(t, handle.Close())
	_, err = f.tenants.UpdateTenant(ctx, other.ID, tenantdb.TenantUpdate{Descriptor: &desc})
	require.NoError(t, err)
	require.NoError(t, f.tenants.TransitionStatus(ctx, other.ID, tenantdb.TenantStatusRequested, tenantdb.TenantStatusProvisioning))
	require.NoError(t, f.tenants.TransitionStatus(ctx, other.ID, tenantdb.TenantStatusProvisioning, tenantdb.TenantStatusActive))

	tcA, err := f.guard.Begin(ctx, tn.ID)
	require.NoError(t, err)
	defer f.guard.End(ctx, tcA)
	tcB, err := f.guard.Begin(ctx, other.ID)
	require.NoError(t, err)
	defer f.guard.End(ctx, tcB)

	err = f.guard.With(ctx, tcA, func(inner context.Context) error {
		// implicitly running tenant B work under tenant A's binding is a
		// violation
		return f.guard.With(inner, tcB, func(context.Context) error { return nil })
	})
	assert.Equal(t, tenantctx.ErrNestedContextViolation, err)
	assert.NotEmpty(t, f.sink.EventsOfType(tenantdb.AuditGuardRejected))
}

func TestGuardScopedRestoresOuterBinding(t *testing.T) {
	f, tn := newGuardFixture(t)
	ctx := context.Background()

	other := &tenantdb.Tenant{Name: "globex", TemplateID: 100}
	require.NoError(t, f.tenants.CreateTenant(ctx, other))
	desc, handle, err := f.provider.CreateDatabase(ctx, tenantdb.Descriptor{})
	require.NoError(t, err)
	require.NoError(t, handle.Close())
	_, err = f.tenants.UpdateTenant(ctx, other.ID, tenantdb.TenantUpdate{Descriptor: &desc})
	require.NoError(t, err)
	require.NoError(t, f.tenants.TransitionStatus(ctx, other.ID, tenantdb.TenantStatusRequested, tenantdb.TenantStatusProvisioning))
	require.NoError(t, f.tenants.TransitionStatus(ctx, other.ID, tenantdb.TenantStatusProvisioning, tenantdb.TenantStatusActive))

	tcA, err := f.guard.Begin(ctx, tn.ID)
	require.NoError(t, err)
	defer f.guard.End(ctx, tcA)
	tcB, err := f.guard.Begin(ctx, other.ID)
	require.NoError(t, err)
	defer f.guard.End(ctx, tcB)

	err = f.guard.With(ctx, tcA, func(outer context.Context) error {
		err := f.guard.Scoped(outer, tcB, func(inner context.Context) error {
			bound, ok := tenantctx.FromContext(inner)
			require.True(t, ok)
			assert.Equal(t, other.ID, bound.TenantID())
			return nil
		})
		require.NoError(t, err)

		// the outer binding is intact after the scoped switch returns
		bound, ok := tenantctx.FromContext(outer)
		require.True(t, ok)
		assert.Equal(t, tn.ID, bound.TenantID())
		return nil
	})
	require.NoError(t, err)
}
