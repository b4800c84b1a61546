// Package tenant implements the tenant registry: the authoritative record
// of every tenant, its lifecycle status, and its per-tenant migration and
// customization bookkeeping.
package tenant

import (
	"context"

	"github.com/tenantdb/tenantdb"
	"github.com/tenantdb/tenantdb/kit/platform"
	"github.com/tenantdb/tenantdb/kv"
	"github.com/tenantdb/tenantdb/schema"
)

// Service implements tenantdb.TenantService over a Store.
type Service struct {
	store *Store
	audit tenantdb.AuditSink
}

// NewService constructs a tenant service. A nil audit sink drops events.
func NewService(st *Store, audit tenantdb.AuditSink) *Service {
	if audit == nil {
		audit = tenantdb.NopAuditSink
	}
	return &Service{store: st, audit: audit}
}

var _ tenantdb.TenantService = (*Service)(nil)

// FindTenantByID returns a single tenant by ID.
func (s *Service) FindTenantByID(ctx context.Context, id platform.ID) (*tenantdb.Tenant, error) {
	var t *tenantdb.Tenant
	err := s.store.View(ctx, func(tx kv.Tx) error {
		tn, err := s.store.GetTenant(ctx, tx, id)
		if err != nil {
			return err
		}
		t = tn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// FindTenants returns the tenants matching filter.
func (s *Service) FindTenants(ctx context.Context, filter tenantdb.TenantFilter) ([]*tenantdb.Tenant, error) {
	var ts []*tenantdb.Tenant
	err := s.store.View(ctx, func(tx kv.Tx) error {
		list, err := s.store.ListTenants(ctx, tx, filter)
		if err != nil {
			return err
		}
		ts = list
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ts, nil
}

// CreateTenant creates a tenant record in status requested and sets t.ID.
func (s *Service) CreateTenant(ctx context.Context, t *tenantdb.Tenant) error {
	return s.store.Update(ctx, func(tx kv.Tx) error {
		return s.store.CreateTenant(ctx, tx, t)
	})
}

// UpdateTenant applies upd to the tenant.
func (s *Service) UpdateTenant(ctx context.Context, id platform.ID, upd tenantdb.TenantUpdate) (*tenantdb.Tenant, error) {
	var t *tenantdb.Tenant
	err := s.store.Update(ctx, func(tx kv.Tx) error {
		tn, err := s.store.GetTenant(ctx, tx, id)
		if err != nil {
			return err
		}

		if upd.Descriptor != nil {
			tn.Descriptor = *upd.Descriptor
		}
		if upd.TemplateVersion != nil {
			tn.TemplateVersion = *upd.TemplateVersion
		}
		if upd.StatusCause != nil {
			tn.StatusCause = *upd.StatusCause
		}
		if upd.Drift != nil {
			tn.Drift = *upd.Drift
		}
		if upd.LastSchemaSync != nil {
			tn.LastSchemaSync = *upd.LastSchemaSync
		}
		if upd.Customizations != nil {
			tn.Customizations = *upd.Customizations
		}

		if err := s.store.PutTenant(ctx, tx, tn); err != nil {
			return err
		}
		t = tn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// TransitionStatus moves the tenant from exactly `from` to `to` under the
// store's write lock; a tenant observed in any other status fails the swap
// with EConflict. This is the mechanism that keeps two workers from
// mutating the same tenant concurrently.
func (s *Service) TransitionStatus(ctx context.Context, id platform.ID, from, to tenantdb.TenantStatus) error {
	if !from.Valid() {
		return InvalidStatusError(from)
	}
	if !to.Valid() {
		return InvalidStatusError(to)
	}

	err := s.store.Update(ctx, func(tx kv.Tx) error {
		t, err := s.store.GetTenant(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status != from {
			return StatusTransitionError(t.Status, from)
		}
		t.Status = to
		return s.store.PutTenant(ctx, tx, t)
	})
	if err != nil {
		return err
	}

	s.audit.Record(ctx, tenantdb.AuditEvent{
		Type:     tenantdb.AuditTenantStatusChanged,
		TenantID: id,
		Fields:   map[string]interface{}{"from": string(from), "to": string(to)},
	})
	return nil
}

// SetBaseline persists the post-provision schema snapshot used as the
// drift comparison baseline.
func (s *Service) SetBaseline(ctx context.Context, id platform.ID, baseline schema.Snapshot) error {
	return s.store.Update(ctx, func(tx kv.Tx) error {
		t, err := s.store.GetTenant(ctx, tx, id)
		if err != nil {
			return err
		}
		t.Baseline = baseline
		t.LastSchemaSync = s.store.now()
		return s.store.PutTenant(ctx, tx, t)
	})
}

// PutAppliedMigration inserts or replaces the (tenant, migration) record.
func (s *Service) PutAppliedMigration(ctx context.Context, am tenantdb.AppliedMigration) error {
	return s.store.Update(ctx, func(tx kv.Tx) error {
		if _, err := s.store.GetTenant(ctx, tx, am.TenantID); err != nil {
			return err
		}
		return s.store.PutAppliedMigration(ctx, tx, am)
	})
}

// DeleteAppliedMigration removes the (tenant, migration) record so the
// migration becomes applicable again.
func (s *Service) DeleteAppliedMigration(ctx context.Context, tenantID, migrationID platform.ID) error {
	return s.store.Update(ctx, func(tx kv.Tx) error {
		return s.store.DeleteAppliedMigration(ctx, tx, tenantID, migrationID)
	})
}

// AppliedMigrations lists all migration records for a tenant.
func (s *Service) AppliedMigrations(ctx context.Context, id platform.ID) ([]tenantdb.AppliedMigration, error) {
	var ams []tenantdb.AppliedMigration
	err := s.store.View(ctx, func(tx kv.Tx) error {
		list, err := s.store.ListAppliedMigrations(ctx, tx, id)
		if err != nil {
			return err
		}
		ams = list
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ams, nil
}

// AddCustomization records a tenant-authored schema change and bumps the
// tenant's customization count.
func (s *Service) AddCustomization(ctx context.Context, c *tenantdb.Customization) error {
	return s.store.Update(ctx, func(tx kv.Tx) error {
		t, err := s.store.GetTenant(ctx, tx, c.TenantID)
		if err != nil {
			return err
		}
		if err := s.store.CreateCustomization(ctx, tx, c); err != nil {
			return err
		}
		t.Customizations++
		return s.store.PutTenant(ctx, tx, t)
	})
}

// Customizations lists customizations for a tenant.
func (s *Service) Customizations(ctx context.Context, id platform.ID, activeOnly bool) ([]tenantdb.Customization, error) {
	var cs []tenantdb.Customization
	err := s.store.View(ctx, func(tx kv.Tx) error {
		list, err := s.store.ListCustomizations(ctx, tx, id, activeOnly)
		if err != nil {
			return err
		}
		cs = list
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cs, nil
}

// AddHistory appends an immutable history entry.
func (s *Service) AddHistory(ctx context.Context, e *tenantdb.HistoryEntry) error {
	return s.store.Update(ctx, func(tx kv.Tx) error {
		if _, err := s.store.GetTenant(ctx, tx, e.TenantID); err != nil {
			return err
		}
		return s.store.CreateHistoryEntry(ctx, tx, e)
	})
}

// History lists history entries for a tenant in application order.
func (s *Service) History(ctx context.Context, id platform.ID) ([]tenantdb.HistoryEntry, error) {
	var es []tenantdb.HistoryEntry
	err := s.store.View(ctx, func(tx kv.Tx) error {
		list, err := s.store.ListHistory(ctx, tx, id)
		if err != nil {
			return err
		}
		es = list
		return nil
	})
	if err != nil {
		return nil, err
	}
	return es, nil
}

// FindHistoryEntry returns a single history entry by ID.
func (s *Service) FindHistoryEntry(ctx context.Context, tenantID, entryID platform.ID) (*tenantdb.HistoryEntry, error) {
	var e *tenantdb.HistoryEntry
	err := s.store.View(ctx, func(tx kv.Tx) error {
		entry, err := s.store.GetHistoryEntry(ctx, tx, tenantID, entryID)
		if err != nil {
			return err
		}
		e = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}
