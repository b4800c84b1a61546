package migrate_test

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
	"github.com/tenantdb/tenantdb/migrate"
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
	engine    *migrate.Engine

	template *tenantdb.Template
	tenant   *tenantdb.Tenant
}

// newFixture provisions one active tenant from a template with a users
// table, ready for migrations.
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
	f.engine = migrate.NewEngine(
		zaptest.NewLogger(t), f.templates, f.tenants, f.provider, f.guard, f.locks, sink,
	)

	f.template = &tenantdb.Template{
		Name:    "basic",
		Version: "1.0.0",
		Type:    tenantdb.TemplateBasic,
		Modules: []tenantdb.Module{{
			Name: "core",
			Type: tenantdb.ModuleCore,
			Schema: schema.ChangeSet{
				schema.AddTable{Table: schema.Table{
					Name: "users",
					Columns: []schema.Column{
						{Name: "id", Type: "bigint"},
						{Name: "email", Type: "text"},
						{Name: "phone", Type: "text", Nullable: true},
					},
				}},
			},
		}},
	}
	require.NoError(t, f.templates.RegisterTemplate(ctx, f.template))

	f.tenant = &tenantdb.Tenant{Name: "acme", TemplateID: f.template.ID}
	require.NoError(t, f.tenants.CreateTenant(ctx, f.tenant))

	o := provision.NewOrchestrator(
		zaptest.NewLogger(t), f.templates, f.tenants, f.provider, f.guard, f.locks, sink,
	)
	_, err := o.Provision(ctx, f.tenant.ID, nil)
	require.NoError(t, err)

	f.tenant, err = f.tenants.FindTenantByID(ctx, f.tenant.ID)
	require.NoError(t, err)
	return f
}

func (f *fixture) registerMigration(t *testing.T, m *tenantdb.Migration) *tenantdb.Migration {
	t.Helper()
	require.NoError(t, f.templates.RegisterMigration(context.Background(), f.template.ID, m))
	return m
}

func addEventsMigration() *tenantdb.Migration {
	return &tenantdb.Migration{
		Name: "add events",
		Up: schema.ChangeSet{
			schema.AddTable{Table: schema.Table{
				Name:    "events",
				Columns: []schema.Column{{Name: "id", Type: "bigint"}},
			}},
		},
		Down: schema.ChangeSet{schema.DropTable{Name: "events"}},
	}
}

func alterPhoneMigration() *tenantdb.Migration {
	return &tenantdb.Migration{
		Name: "normalize phone type",
		Up: schema.ChangeSet{
			schema.AlterColumn{Table: "users", Column: schema.Column{Name: "phone", Type: "varchar(32)", Nullable: true}},
		},
	}
}

func (f *fixture) liveSchema(t *testing.T) schema.Snapshot {
	t.Helper()
	ctx := context.Background()
	handle, err := f.provider.Open(ctx, f.tenant.Descriptor)
	require.NoError(t, err)
	defer handle.Close()
	live, err := f.provider.IntrospectSchema(ctx, handle)
	require.NoError(t, err)
	return live
}

func TestPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m1 := f.registerMigration(t, addEventsMigration())
	m2 := f.registerMigration(t, alterPhoneMigration())

	scoped := &tenantdb.Migration{
		Name:      "ngo only",
		AppliesTo: []tenantdb.TemplateType{tenantdb.TemplateNGO},
		Up: schema.ChangeSet{
			schema.AddColumn{Table: "users", Column: schema.Column{Name: "donor_no", Type: "bigint", Nullable: true}},
		},
	}
	f.registerMigration(t, scoped)

	future := &tenantdb.Migration{
		Name:       "needs v2",
		MinVersion: "2.0.0",
		Up: schema.ChangeSet{
			schema.AddColumn{Table: "users", Column: schema.Column{Name: "tier", Type: "text", Nullable: true}},
		},
	}
	f.registerMigration(t, future)

	plan, err := f.engine.Plan(ctx, f.tenant.ID)
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, m1.ID, plan[0].ID)
	assert.Equal(t, m2.ID, plan[1].ID)

	t.Run("applied migrations drop out", func(t *testing.T) {
		_, err := f.engine.Apply(ctx, f.tenant.ID, m1.ID)
		require.NoError(t, err)

		plan, err := f.engine.Plan(ctx, f.tenant.ID)
		require.NoError(t, err)
		require.Len(t, plan, 1)
		assert.Equal(t, m2.ID, plan[0].ID)
	})
}

func TestApply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.registerMigration(t, addEventsMigration())

	res, err := f.engine.Apply(ctx, f.tenant.ID, m.ID)
	require.NoError(t, err)
	assert.Equal(t, tenantdb.AppliedMigrationApplied, res.Status)
	assert.Equal(t, tenantdb.DriftNone, res.Drift)
	assert.Empty(t, res.Conflicts)

	live := f.liveSchema(t)
	assert.Equal(t, []string{"events", "users"}, live.TableNames())

	// history carries the pre-change snapshot
	hs, err := f.tenants.History(ctx, f.tenant.ID)
	require.NoError(t, err)
	last := hs[len(hs)-1]
	assert.Equal(t, tenantdb.HistoryMigration, last.Kind)
	assert.Equal(t, m.ID, last.MigrationID)
	assert.Equal(t, []string{"users"}, last.Before.TableNames())

	assert.Len(t, f.sink.EventsOfType(tenantdb.AuditMigrationApplied), 1)

	t.Run("re-apply rejected", func(t *testing.T) {
		_, err := f.engine.Apply(ctx, f.tenant.ID, m.ID)
		require.Error(t, err)
		assert.Equal(t, errors.EConflict, errors.ErrorCode(err))
	})
}

func TestApplyConflictLeavesSchemaUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// the tenant customized users.phone; the template migration also
	// touches users
	require.NoError(t, f.tenants.AddCustomization(ctx, &tenantdb.Customization{
		TenantID: f.tenant.ID,
		Type:     tenantdb.CustomizationColumn,
		Change: schema.ChangeSet{
			schema.AlterColumn{Table: "users", Column: schema.Column{Name: "phone", Type: "bigint"}},
		},
		BaseVersion: "1.0.0",
	}))

	m := f.registerMigration(t, alterPhoneMigration())

	before := f.liveSchema(t)

	conflicts, err := f.engine.DetectConflicts(ctx, f.tenant.ID, m.ID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "users", conflicts[0].Table)

	res, err := f.engine.Apply(ctx, f.tenant.ID, m.ID)
	require.NoError(t, err)
	assert.Equal(t, tenantdb.AppliedMigrationNeedsReview, res.Status)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, tenantdb.DriftHigh, res.Drift)

	// byte-identical schema: the conflicting migration must not mutate
	assert.True(t, schema.Equal(before, f.liveSchema(t)))

	ams, err := f.tenants.AppliedMigrations(ctx, f.tenant.ID)
	require.NoError(t, err)
	require.Len(t, ams, 1)
	assert.Equal(t, tenantdb.AppliedMigrationNeedsReview, ams[0].Status)

	assert.Len(t, f.sink.EventsOfType(tenantdb.AuditConflictDetected), 1)

	t.Run("still planned for review", func(t *testing.T) {
		plan, err := f.engine.Plan(ctx, f.tenant.ID)
		require.NoError(t, err)
		require.Len(t, plan, 1)
		assert.Equal(t, m.ID, plan[0].ID)
	})
}

func TestRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.registerMigration(t, addEventsMigration())

	_, err := f.engine.Apply(ctx, f.tenant.ID, m.ID)
	require.NoError(t, err)

	hs, err := f.tenants.History(ctx, f.tenant.ID)
	require.NoError(t, err)
	entry := hs[len(hs)-1]
	require.Equal(t, tenantdb.HistoryMigration, entry.Kind)

	require.NoError(t, f.engine.Rollback(ctx, f.tenant.ID, entry.ID))

	// the live schema matches the pre-change snapshot again
	live := f.liveSchema(t)
	assert.Equal(t, []string{"users"}, live.TableNames())
	assert.Len(t, f.sink.EventsOfType(tenantdb.AuditMigrationRolledBack), 1)

	t.Run("migration is applicable again", func(t *testing.T) {
		plan, err := f.engine.Plan(ctx, f.tenant.ID)
		require.NoError(t, err)
		require.Len(t, plan, 1)

		res, err := f.engine.Apply(ctx, f.tenant.ID, m.ID)
		require.NoError(t, err)
		assert.Equal(t, tenantdb.AppliedMigrationApplied, res.Status)
		assert.Equal(t, tenantdb.DriftNone, res.Drift)
	})

	t.Run("missing snapshot", func(t *testing.T) {
		err := f.engine.Rollback(ctx, f.tenant.ID, 9999)
		require.Equal(t, tenant.ErrHistoryEntryNotFound, err)
	})
}

func TestDriftClassification(t *testing.T) {
	ctx := context.Background()

	mutate := func(t *testing.T, f *fixture, cs schema.ChangeSet) {
		t.Helper()
		handle, err := f.provider.Open(ctx, f.tenant.Descriptor)
		require.NoError(t, err)
		defer handle.Close()
		require.NoError(t, f.provider.ExecuteChangeSet(ctx, handle, cs))
	}

	t.Run("none after provisioning", func(t *testing.T) {
		f := newFixture(t)
		drift, err := f.engine.Drift(ctx, f.tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, tenantdb.DriftNone, drift)
	})

	t.Run("low for additive tables", func(t *testing.T) {
		f := newFixture(t)
		mutate(t, f, schema.ChangeSet{
			schema.AddTable{Table: schema.Table{Name: "notes", Columns: []schema.Column{{Name: "id", Type: "bigint"}}}},
		})
		drift, err := f.engine.Drift(ctx, f.tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, tenantdb.DriftLow, drift)
	})

	t.Run("medium for modified template structures", func(t *testing.T) {
		f := newFixture(t)
		mutate(t, f, schema.ChangeSet{
			schema.AddColumn{Table: "users", Column: schema.Column{Name: "nickname", Type: "text", Nullable: true}},
		})
		drift, err := f.engine.Drift(ctx, f.tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, tenantdb.DriftMedium, drift)
	})

	t.Run("high for dropped template structures", func(t *testing.T) {
		f := newFixture(t)
		mutate(t, f, schema.ChangeSet{schema.DropColumn{Table: "users", Column: "phone"}})
		drift, err := f.engine.Drift(ctx, f.tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, tenantdb.DriftHigh, drift)
	})

	t.Run("persisted on the tenant", func(t *testing.T) {
		f := newFixture(t)
		mutate(t, f, schema.ChangeSet{
			schema.AddTable{Table: schema.Table{Name: "notes", Columns: []schema.Column{{Name: "id", Type: "bigint"}}}},
		})
		_, err := f.engine.Drift(ctx, f.tenant.ID)
		require.NoError(t, err)

		got, err := f.tenants.FindTenantByID(ctx, f.tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, tenantdb.DriftLow, got.Drift)
	})
}

func TestSchemaDiff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	handle, err := f.provider.Open(ctx, f.tenant.Descriptor)
	require.NoError(t, err)
	require.NoError(t, f.provider.ExecuteChangeSet(ctx, handle, schema.ChangeSet{
		schema.AddTable{Table: schema.Table{Name: "notes", Columns: []schema.Column{{Name: "id", Type: "bigint"}}}},
	}))
	require.NoError(t, handle.Close())

	diff, err := f.engine.SchemaDiff(ctx, f.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"notes"}, diff.TablesWithState(schema.StateStatusNew))
}

func TestDryRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("low risk additive", func(t *testing.T) {
		m := f.registerMigration(t, addEventsMigration())
		before := f.liveSchema(t)

		report, err := f.engine.DryRun(ctx, f.tenant.ID, m.ID)
		require.NoError(t, err)
		assert.Equal(t, migrate.RiskLow, report.Risk)
		assert.Equal(t, []string{"events"}, report.AffectedTables)
		assert.Equal(t, []string{"events", "users"}, report.Result.TableNames())

		// dry run never touches the database
		assert.True(t, schema.Equal(before, f.liveSchema(t)))
	})

	t.Run("medium risk destructive", func(t *testing.T) {
		m := f.registerMigration(t, &tenantdb.Migration{
			Name: "drop phone",
			Up:   schema.ChangeSet{schema.DropColumn{Table: "users", Column: "phone"}},
		})
		report, err := f.engine.DryRun(ctx, f.tenant.ID, m.ID)
		require.NoError(t, err)
		assert.Equal(t, migrate.RiskMedium, report.Risk)
		assert.True(t, report.Destructive)
	})

	t.Run("high risk breaking", func(t *testing.T) {
		m := f.registerMigration(t, &tenantdb.Migration{
			Name:     "rework emails",
			Breaking: true,
			Up: schema.ChangeSet{
				schema.AddColumn{Table: "users", Column: schema.Column{Name: "email_verified", Type: "boolean", Nullable: true}},
			},
		})
		report, err := f.engine.DryRun(ctx, f.tenant.ID, m.ID)
		require.NoError(t, err)
		assert.Equal(t, migrate.RiskHigh, report.Risk)
	})

	t.Run("high risk conflicting", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.tenants.AddCustomization(ctx, &tenantdb.Customization{
			TenantID: f.tenant.ID,
			Type:     tenantdb.CustomizationColumn,
			Change: schema.ChangeSet{
				schema.AlterColumn{Table: "users", Column: schema.Column{Name: "phone", Type: "bigint"}},
			},
			BaseVersion: "1.0.0",
		}))
		m := f.registerMigration(t, alterPhoneMigration())

		report, err := f.engine.DryRun(ctx, f.tenant.ID, m.ID)
		require.NoError(t, err)
		assert.Equal(t, migrate.RiskHigh, report.Risk)
		require.Len(t, report.Conflicts, 1)
	})
}

func TestApplyRequiresActiveTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.registerMigration(t, addEventsMigration())

	require.NoError(t, f.tenants.TransitionStatus(ctx, f.tenant.ID, tenantdb.TenantStatusActive, tenantdb.TenantStatusSuspended))

	_, err := f.engine.Apply(ctx, f.tenant.ID, m.ID)
	require.Equal(t, migrate.ErrTenantNotActive, err)
}

func TestApplyLockTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.registerMigration(t, addEventsMigration())

	engine := migrate.NewEngine(
		zaptest.NewLogger(t), f.templates, f.tenants, f.provider, f.guard, f.locks, f.sink,
		migrate.WithLockWait(10*time.Millisecond),
	)

	release, err := f.locks.Acquire(ctx, f.tenant.ID, time.Second)
	require.NoError(t, err)
	defer release()

	_, err = engine.Apply(ctx, f.tenant.ID, m.ID)
	require.Equal(t, tenantdb.ErrLockTimeout, err)
}

func TestCrossTenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.registerMigration(t, addEventsMigration())

	// provision a second tenant from the same template
	other := &tenantdb.Tenant{Name: "globex", TemplateID: f.template.ID}
	require.NoError(t, f.tenants.CreateTenant(ctx, other))
	o := provision.NewOrchestrator(
		zaptest.NewLogger(t), f.templates, f.tenants, f.provider, f.guard, f.locks, f.sink,
	)
	_, err := o.Provision(ctx, other.ID, nil)
	require.NoError(t, err)
	other, err = f.tenants.FindTenantByID(ctx, other.ID)
	require.NoError(t, err)

	_, err = f.engine.Apply(ctx, f.tenant.ID, m.ID)
	require.NoError(t, err)

	// the second tenant's database is untouched
	handle, err := f.provider.Open(ctx, other.Descriptor)
	require.NoError(t, err)
	defer handle.Close()
	live, err := f.provider.IntrospectSchema(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, live.TableNames())

	otherDrift, err := f.engine.Drift(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, tenantdb.DriftNone, otherDrift)
}
