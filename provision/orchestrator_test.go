package provision_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tenantdb/tenantdb"
	"github.com/tenantdb/tenantdb/inmem"
	"github.com/tenantdb/tenantdb/inmemprovider"
	"github.com/tenantdb/tenantdb/kit/platform/errors"
	"github.com/tenantdb/tenantdb/lock"
	"github.com/tenantdb/tenantdb/mock"
	"github.com/tenantdb/tenantdb/provision"
	"github.com/tenantdb/tenantdb/schema"
	"github.com/tenantdb/tenantdb/template"
	"github.com/tenantdb/tenantdb/tenant"
	"github.com/tenantdb/tenantdb/tenantctx"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	templates *template.Service
	tenants   *tenant.Service
	provider  *inmemprovider.Provider
	guard     *tenantctx.Guard
	locks     *lock.Service
	sink      *mock.AuditSink

	template *tenantdb.Template
	tenant   *tenantdb.Tenant
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := inmem.NewKVStore()
	idGen := mock.NewIncrementingIDGenerator(1)
	sink := mock.NewAuditSink()

	f := &fixture{
		templates: template.NewService(template.NewStore(store, idGen)),
		provider:  inmemprovider.NewProvider(),
		locks:     lock.NewService(),
		sink:      sink,
	}
	f.tenants = tenant.NewService(tenant.NewStore(store, idGen), sink)
	f.guard = tenantctx.NewGuard(zaptest.NewLogger(t), f.tenants, f.provider, sink)

	f.template = &tenantdb.Template{
		Name:    "basic",
		Version: "1.0.0",
		Type:    tenantdb.TemplateBasic,
		Modules: []tenantdb.Module{
			{
				Name: "core",
				Type: tenantdb.ModuleCore,
				Schema: schema.ChangeSet{
					schema.AddTable{Table: schema.Table{
						Name: "users",
						Columns: []schema.Column{
							{Name: "id", Type: "bigint"},
							{Name: "email", Type: "text"},
						},
					}},
				},
				Seed: schema.SeedSet{
					{Table: "users", Values: map[string]interface{}{"id": 1, "email": "admin@example.com"}},
				},
			},
			{
				Name:     "membership",
				Type:     tenantdb.ModuleOptional,
				Requires: []string{"core"},
				Schema: schema.ChangeSet{
					schema.AddTable{Table: schema.Table{
						Name:    "members",
						Columns: []schema.Column{{Name: "id", Type: "bigint"}},
					}},
				},
			},
		},
	}
	require.NoError(t, f.templates.RegisterTemplate(ctx, f.template))

	f.tenant = &tenantdb.Tenant{Name: "acme", TemplateID: f.template.ID}
	require.NoError(t, f.tenants.CreateTenant(ctx, f.tenant))

	return f
}

func (f *fixture) orchestrator(t *testing.T, provider tenantdb.DatabaseProvider, opts ...provision.Option) *provision.Orchestrator {
	t.Helper()
	opts = append([]provision.Option{provision.WithRetryPolicy(3, time.Millisecond)}, opts...)
	return provision.NewOrchestrator(
		zaptest.NewLogger(t), f.templates, f.tenants, provider, f.guard, f.locks, f.sink, opts...,
	)
}

func TestProvision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.orchestrator(t, f.provider)

	res, err := o.Provision(ctx, f.tenant.ID, []string{"membership"})
	require.NoError(t, err)
	assert.Equal(t, tenantdb.TenantStatusActive, res.Status)
	assert.Equal(t, 1, res.Attempts)

	got, err := f.tenants.FindTenantByID(ctx, f.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenantdb.TenantStatusActive, got.Status)
	assert.Equal(t, tenantdb.DriftNone, got.Drift)
	assert.Equal(t, "1.0.0", got.TemplateVersion)
	assert.NotEmpty(t, got.Descriptor.Database)
	assert.NotEmpty(t, got.Descriptor.Instance)
	assert.Equal(t, []string{"members", "users"}, got.Baseline.TableNames())

	// one history entry per applied module, in composed order
	hs, err := f.tenants.History(ctx, f.tenant.ID)
	require.NoError(t, err)
	require.Len(t, hs, 2)
	assert.Equal(t, "core", hs[0].Module)
	assert.Empty(t, hs[0].Before.Tables)
	assert.Equal(t, "membership", hs[1].Module)
	assert.Equal(t, []string{"users"}, hs[1].Before.TableNames())

	// seed rows landed in the new database
	rows := f.provider.Rows(got.Descriptor.Database)
	require.Len(t, rows, 1)
	assert.Equal(t, "users", rows[0].Table)
}

func TestProvisionStructuralFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	creates := 0
	counting := mock.NewDatabaseProvider()
	counting.CreateDatabaseFn = func(ctx context.Context, d tenantdb.Descriptor) (tenantdb.Descriptor, tenantdb.ConnectionHandle, error) {
		creates++
		return f.provider.CreateDatabase(ctx, d)
	}
	o := f.orchestrator(t, counting)

	_, err := o.Provision(ctx, f.tenant.ID, []string{"billing"})
	require.Error(t, err)
	// the bundle never composed, so no database was requested
	assert.Zero(t, creates)

	got, err := f.tenants.FindTenantByID(ctx, f.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenantdb.TenantStatusFailed, got.Status)
	assert.NotEmpty(t, got.StatusCause)
	assert.Len(t, f.sink.EventsOfType(tenantdb.AuditProvisionFailed), 1)
}

func TestProvisionRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	attempts := 0
	flaky := mock.NewDatabaseProvider()
	flaky.CreateDatabaseFn = func(ctx context.Context, d tenantdb.Descriptor) (tenantdb.Descriptor, tenantdb.ConnectionHandle, error) {
		attempts++
		if attempts < 3 {
			return tenantdb.Descriptor{}, nil, tenantdb.MarkRetryable(&errors.Error{
				Code: errors.EUnavailable,
				Msg:  "connection timeout",
			})
		}
		return f.provider.CreateDatabase(ctx, d)
	}
	flaky.OpenFn = f.provider.Open
	flaky.DropDatabaseFn = f.provider.DropDatabase
	flaky.ExecuteChangeSetFn = f.provider.ExecuteChangeSet
	flaky.ApplySeedFn = f.provider.ApplySeed
	flaky.IntrospectSchemaFn = f.provider.IntrospectSchema
	flaky.RestoreSchemaFn = f.provider.RestoreSchema
	o := f.orchestrator(t, flaky)

	res, err := o.Provision(ctx, f.tenant.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, tenantdb.TenantStatusActive, res.Status)
}

func TestProvisionCompensatesOnApplyFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	drops := 0
	failing := mock.NewDatabaseProvider()
	failing.CreateDatabaseFn = f.provider.CreateDatabase
	failing.OpenFn = f.provider.Open
	failing.DropDatabaseFn = func(ctx context.Context, d tenantdb.Descriptor) error {
		drops++
		return f.provider.DropDatabase(ctx, d)
	}
	failing.ExecuteChangeSetFn = func(ctx context.Context, h tenantdb.ConnectionHandle, cs schema.ChangeSet) error {
		return &errors.Error{Code: errors.EInternal, Msg: "disk full"}
	}
	o := f.orchestrator(t, failing)

	_, err := o.Provision(ctx, f.tenant.ID, nil)
	require.Error(t, err)

	got, err := f.tenants.FindTenantByID(ctx, f.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenantdb.TenantStatusFailed, got.Status)
	assert.Contains(t, got.StatusCause, "disk full")

	// the partially built database did not survive
	assert.Equal(t, 1, drops)
	assert.Len(t, f.sink.EventsOfType(tenantdb.AuditProvisionFailed), 1)
}

func TestProvisionRequiresRequestedStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.orchestrator(t, f.provider)

	_, err := o.Provision(ctx, f.tenant.ID, nil)
	require.NoError(t, err)

	// a second provisioning run loses the status compare-and-swap
	_, err = o.Provision(ctx, f.tenant.ID, nil)
	require.Error(t, err)
	assert.Equal(t, errors.EConflict, errors.ErrorCode(err))
}

func TestProvisionLockTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.orchestrator(t, f.provider, provision.WithLockWait(10*time.Millisecond))

	release, err := f.locks.Acquire(ctx, f.tenant.ID, time.Second)
	require.NoError(t, err)
	defer release()

	_, err = o.Provision(ctx, f.tenant.ID, nil)
	require.Equal(t, tenantdb.ErrLockTimeout, err)

	// nothing happened to the tenant
	got, err := f.tenants.FindTenantByID(ctx, f.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenantdb.TenantStatusRequested, got.Status)
}
