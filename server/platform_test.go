package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tenantdb/tenantdb"
	"github.com/tenantdb/tenantdb/inmem"
	"github.com/tenantdb/tenantdb/inmemprovider"
	"github.com/tenantdb/tenantdb/kit/platform"
	"github.com/tenantdb/tenantdb/mock"
	"github.com/tenantdb/tenantdb/schema"
	"github.com/tenantdb/tenantdb/server"
	"go.uber.org/zap/zaptest"
)

func newPlatform(t *testing.T) (*server.Platform, *inmemprovider.Provider) {
	t.Helper()
	provider := inmemprovider.NewProvider()
	p := server.NewPlatform(zaptest.NewLogger(t), inmem.NewKVStore(), provider, mock.NewAuditSink())
	return p, provider
}

func registerBasicTemplate(t *testing.T, p *server.Platform) *tenantdb.Template {
	t.Helper()
	tmpl := &tenantdb.Template{
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
					},
				}},
			},
			Seed: schema.SeedSet{
				{Table: "users", Values: map[string]interface{}{"id": 1, "email": "admin@example.com"}},
			},
		}},
	}
	require.NoError(t, p.Templates.RegisterTemplate(context.Background(), tmpl))
	return tmpl
}

// waitForStatus polls until the tenant leaves the transitional statuses.
func waitForStatus(t *testing.T, p *server.Platform, tenantID platform.ID) *server.TenantStatusSummary {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := p.TenantStatus(ctx, tenantID)
		require.NoError(t, err)
		if s.Status != tenantdb.TenantStatusRequested && s.Status != tenantdb.TenantStatusProvisioning {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("tenant never reached a terminal status")
	return nil
}

func TestPlatformProvisioningLifecycle(t *testing.T) {
	p, provider := newPlatform(t)
	ctx := context.Background()
	tmpl := registerBasicTemplate(t, p)

	p.Open(ctx)
	defer p.Close()

	acme := &tenantdb.Tenant{Name: "acme", TemplateID: tmpl.ID}
	jobID, err := p.CreateTenant(ctx, acme, nil)
	require.NoError(t, err)
	assert.True(t, jobID.Valid())

	s := waitForStatus(t, p, acme.ID)
	assert.Equal(t, tenantdb.TenantStatusActive, s.Status)
	assert.Equal(t, tenantdb.DriftNone, s.Drift)
	assert.Equal(t, 0, s.AppliedMigrations)

	got, err := p.Tenants.FindTenantByID(ctx, acme.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.TemplateVersion)
	assert.Equal(t, []string{"users"}, got.Baseline.TableNames())
	assert.Len(t, provider.Rows(got.Descriptor.Database), 1)

	t.Run("unknown template rejected", func(t *testing.T) {
		_, err := p.CreateTenant(ctx, &tenantdb.Tenant{Name: "ghost", TemplateID: 9999}, nil)
		require.Error(t, err)
	})
}

func TestPlatformMigrationLifecycle(t *testing.T) {
	p, _ := newPlatform(t)
	ctx := context.Background()
	tmpl := registerBasicTemplate(t, p)

	p.Open(ctx)
	defer p.Close()

	acme := &tenantdb.Tenant{Name: "acme", TemplateID: tmpl.ID}
	_, err := p.CreateTenant(ctx, acme, nil)
	require.NoError(t, err)
	require.Equal(t, tenantdb.TenantStatusActive, waitForStatus(t, p, acme.ID).Status)

	m := &tenantdb.Migration{
		Name: "add events",
		Up: schema.ChangeSet{
			schema.AddTable{Table: schema.Table{
				Name:    "events",
				Columns: []schema.Column{{Name: "id", Type: "bigint"}},
			}},
		},
	}
	require.NoError(t, p.Templates.RegisterMigration(ctx, tmpl.ID, m))

	plan, err := p.PlanMigrations(ctx, acme.ID)
	require.NoError(t, err)
	require.Len(t, plan, 1)

	res, err := p.ApplyMigration(ctx, acme.ID, m.ID)
	require.NoError(t, err)
	assert.Equal(t, tenantdb.AppliedMigrationApplied, res.Status)

	s, err := p.TenantStatus(ctx, acme.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, s.AppliedMigrations)
	assert.Equal(t, tenantdb.DriftNone, s.Drift)

	plan, err = p.PlanMigrations(ctx, acme.ID)
	require.NoError(t, err)
	assert.Empty(t, plan)

	diff, err := p.SchemaDiff(ctx, acme.ID)
	require.NoError(t, err)
	assert.False(t, diff.HasChanges())

	t.Run("rollback through history", func(t *testing.T) {
		hs, err := p.Tenants.History(ctx, acme.ID)
		require.NoError(t, err)
		entry := hs[len(hs)-1]
		require.Equal(t, tenantdb.HistoryMigration, entry.Kind)

		require.NoError(t, p.RollbackMigration(ctx, acme.ID, entry.ID))

		plan, err := p.PlanMigrations(ctx, acme.ID)
		require.NoError(t, err)
		assert.Len(t, plan, 1)
	})
}

func TestPlatformAsyncMigration(t *testing.T) {
	p, _ := newPlatform(t)
	ctx := context.Background()
	tmpl := registerBasicTemplate(t, p)

	p.Open(ctx)
	defer p.Close()

	acme := &tenantdb.Tenant{Name: "acme", TemplateID: tmpl.ID}
	_, err := p.CreateTenant(ctx, acme, nil)
	require.NoError(t, err)
	require.Equal(t, tenantdb.TenantStatusActive, waitForStatus(t, p, acme.ID).Status)

	m := &tenantdb.Migration{
		Name: "add events",
		Up: schema.ChangeSet{
			schema.AddTable{Table: schema.Table{
				Name:    "events",
				Columns: []schema.Column{{Name: "id", Type: "bigint"}},
			}},
		},
	}
	require.NoError(t, p.Templates.RegisterMigration(ctx, tmpl.ID, m))

	jobID, err := p.EnqueueMigration(ctx, acme.ID, m.ID)
	require.NoError(t, err)
	assert.True(t, jobID.Valid())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := p.TenantStatus(ctx, acme.ID)
		require.NoError(t, err)
		if s.AppliedMigrations == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("migration job never applied")
}
