// Package template implements the template registry and composer: named,
// versioned schema templates built from composable modules, and the
// migrations that evolve them.
package template

import (
	"context"

	"github.com/tenantdb/tenantdb"
	"github.com/tenantdb/tenantdb/kit/platform"
	"github.com/tenantdb/tenantdb/kv"
)

// Service implements tenantdb.TemplateService over a Store.
type Service struct {
	store *Store
}

// NewService constructs a template service.
func NewService(st *Store) *Service {
	return &Service{store: st}
}

var _ tenantdb.TemplateService = (*Service)(nil)

// FindTemplateByID returns a single template by ID.
func (s *Service) FindTemplateByID(ctx context.Context, id platform.ID) (*tenantdb.Template, error) {
	var t *tenantdb.Template
	err := s.store.View(ctx, func(tx kv.Tx) error {
		tmpl, err := s.store.GetTemplate(ctx, tx, id)
		if err != nil {
			return err
		}
		t = tmpl
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// FindTemplates returns templates matching filter.
func (s *Service) FindTemplates(ctx context.Context, filter tenantdb.TemplateFilter) ([]*tenantdb.Template, error) {
	var ts []*tenantdb.Template
	err := s.store.View(ctx, func(tx kv.Tx) error {
		list, err := s.store.ListTemplates(ctx, tx, filter)
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

// RegisterTemplate validates the definition and persists it.
//
// Validation rejects, before any side effect: empty name or version,
// unknown template types, missing core modules, duplicate module names,
// dependencies on undeclared modules, dependency cycles, and module
// fragments that do not compose into a clean snapshot.
func (s *Service) RegisterTemplate(ctx context.Context, t *tenantdb.Template) error {
	if t.Name == "" {
		return ErrNameisEmpty
	}
	if t.Version == "" {
		return ErrVersionisEmpty
	}
	if !t.Type.Valid() {
		return UnknownTemplateTypeError(t.Type)
	}

	seen := map[string]bool{}
	hasCore := false
	for _, m := range t.Modules {
		if seen[m.Name] {
			return DuplicateModuleError(m.Name)
		}
		seen[m.Name] = true
		if m.Type == tenantdb.ModuleCore {
			hasCore = true
		}
	}
	if !hasCore {
		return ErrNoCoreModule
	}

	// Composing every module proves the dependency graph is acyclic and
	// the fragments apply cleanly; the resulting snapshot is stored as the
	// template's full schema.
	var allOptional []string
	for _, m := range t.Modules {
		if m.Type == tenantdb.ModuleOptional {
			allOptional = append(allOptional, m.Name)
		}
	}
	ordered, err := composeOrder(t, allOptional)
	if err != nil {
		return err
	}
	_, _, snapshot, err := flatten(ordered)
	if err != nil {
		return err
	}
	t.Snapshot = snapshot
	t.Active = true

	return s.store.Update(ctx, func(tx kv.Tx) error {
		return s.store.CreateTemplate(ctx, tx, t)
	})
}

// ComposeBundle deterministically composes the template's core modules
// plus the selected optional modules. Pure: repeated calls with the same
// arguments yield identical bundles, and no tenant database is touched.
func (s *Service) ComposeBundle(ctx context.Context, templateID platform.ID, optional []string) (*tenantdb.Bundle, error) {
	t, err := s.FindTemplateByID(ctx, templateID)
	if err != nil {
		return nil, err
	}

	ordered, err := composeOrder(t, optional)
	if err != nil {
		return nil, err
	}
	cs, seed, snapshot, err := flatten(ordered)
	if err != nil {
		return nil, err
	}

	return &tenantdb.Bundle{
		TemplateID:      t.ID,
		TemplateVersion: t.Version,
		Modules:         ordered,
		Schema:          cs,
		Seed:            seed,
		Snapshot:        snapshot,
	}, nil
}

// RegisterMigration stores a migration for the template. The up change
// set must apply cleanly on top of the template snapshot with every prior
// migration already applied.
func (s *Service) RegisterMigration(ctx context.Context, templateID platform.ID, m *tenantdb.Migration) error {
	if len(m.Up) == 0 {
		return ErrMigrationEmpty
	}

	return s.store.Update(ctx, func(tx kv.Tx) error {
		t, err := s.store.GetTemplate(ctx, tx, templateID)
		if err != nil {
			return err
		}
		if t.Locked {
			return ErrTemplateLocked
		}

		prior, err := s.store.ListMigrations(ctx, tx, templateID)
		if err != nil {
			return err
		}

		expected := t.Snapshot.Clone()
		for _, p := range prior {
			if err := p.Up.Apply(&expected); err != nil {
				return ErrInternalServiceError(err)
			}
		}
		if err := m.Up.Apply(&expected); err != nil {
			return InvalidSchemaError(err)
		}

		m.TemplateID = templateID
		return s.store.CreateMigration(ctx, tx, m)
	})
}

// FindMigrationByID returns a single migration by ID.
func (s *Service) FindMigrationByID(ctx context.Context, id platform.ID) (*tenantdb.Migration, error) {
	var m *tenantdb.Migration
	err := s.store.View(ctx, func(tx kv.Tx) error {
		mig, err := s.store.GetMigration(ctx, tx, id)
		if err != nil {
			return err
		}
		m = mig
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Migrations lists the template's migrations in sequence order.
func (s *Service) Migrations(ctx context.Context, templateID platform.ID) ([]*tenantdb.Migration, error) {
	var ms []*tenantdb.Migration
	err := s.store.View(ctx, func(tx kv.Tx) error {
		list, err := s.store.ListMigrations(ctx, tx, templateID)
		if err != nil {
			return err
		}
		ms = list
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ms, nil
}

// SetTemplateLock locks or unlocks a template for migration registration.
func (s *Service) SetTemplateLock(ctx context.Context, id platform.ID, locked bool) error {
	return s.store.Update(ctx, func(tx kv.Tx) error {
		t, err := s.store.GetTemplate(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Locked == locked {
			return nil
		}
		t.Locked = locked
		return s.store.PutTemplate(ctx, tx, t)
	})
}
