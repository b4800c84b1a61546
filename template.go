package tenantdb

import (
	"context"
	"time"

	"github.com/tenantdb/tenantdb/kit/platform"
	"github.com/tenantdb/tenantdb/schema"
)

// TemplateType tags a template with the kind of organization it serves.
type TemplateType string

const (
	TemplateBasic          TemplateType = "basic"
	TemplateNGO            TemplateType = "ngo"
	TemplatePoliticalParty TemplateType = "political_party"
	TemplateCorporate      TemplateType = "corporate"
)

// Valid reports whether t is a known template type.
func (t TemplateType) Valid() bool {
	switch t {
	case TemplateBasic, TemplateNGO, TemplatePoliticalParty, TemplateCorporate:
		return true
	}
	return false
}

// ModuleType distinguishes mandatory core modules from opt-in ones.
type ModuleType string

const (
	ModuleCore     ModuleType = "core"
	ModuleOptional ModuleType = "optional"
)

// Module is a named, composable fragment of a template.
type Module struct {
	Name string     `json:"name"`
	Type ModuleType `json:"type"`
	// DisplayOrder breaks ordering ties between modules at the same
	// dependency depth.
	DisplayOrder int `json:"displayOrder"`
	// Requires lists module names that must be composed before this one.
	Requires []string         `json:"requires,omitempty"`
	Schema   schema.ChangeSet `json:"schema"`
	Seed     schema.SeedSet   `json:"seed,omitempty"`
}

// Template is a versioned blueprint for a tenant database's schema and
// seed data. A published version is immutable once any tenant references
// it; evolution happens by registering migrations.
type Template struct {
	ID          platform.ID     `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Type        TemplateType    `json:"type"`
	Version     string          `json:"version"`
	Modules     []Module        `json:"modules"`
	Snapshot    schema.Snapshot `json:"snapshot,omitempty"`
	Active      bool            `json:"active"`
	// Locked templates reject new migrations while an active rollout is
	// in flight.
	Locked    bool      `json:"locked"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Module returns the module with the given name.
func (t *Template) Module(name string) (*Module, bool) {
	for i := range t.Modules {
		if t.Modules[i].Name == name {
			return &t.Modules[i], true
		}
	}
	return nil, false
}

// Migration is one template evolution step. Immutable once created;
// superseded only by a new migration.
type Migration struct {
	ID         platform.ID `json:"id"`
	TemplateID platform.ID `json:"templateID"`
	// Sequence orders migrations within a template; assigned by the
	// registry at creation time.
	Sequence int              `json:"sequence"`
	Name     string           `json:"name"`
	Up       schema.ChangeSet `json:"up"`
	Down     schema.ChangeSet `json:"down,omitempty"`
	// AppliesTo limits the migration to tenants of the listed template
	// types; empty means all tenants of the template.
	AppliesTo []TemplateType `json:"appliesTo,omitempty"`
	// MinVersion and MaxVersion bound the template versions the migration
	// is compatible with, inclusive; empty means unbounded.
	MinVersion string    `json:"minVersion,omitempty"`
	MaxVersion string    `json:"maxVersion,omitempty"`
	Breaking   bool      `json:"breaking,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Bundle is the executable result of composing a template with a module
// selection: the ordered module fragments, the flattened change set and
// seed, and the composed target snapshot.
type Bundle struct {
	TemplateID      platform.ID      `json:"templateID"`
	TemplateVersion string           `json:"templateVersion"`
	Modules         []Module         `json:"modules"`
	Schema          schema.ChangeSet `json:"schema"`
	Seed            schema.SeedSet   `json:"seed,omitempty"`
	Snapshot        schema.Snapshot  `json:"snapshot"`
}

// TemplateFilter restricts the templates returned by find operations.
type TemplateFilter struct {
	ID      *platform.ID
	Name    *string
	Version *string
	Type    *TemplateType
	Active  *bool
}

// TemplateService is the registry and composer of templates, modules and
// migrations.
type TemplateService interface {
	// FindTemplateByID returns a single template by ID.
	FindTemplateByID(ctx context.Context, id platform.ID) (*Template, error)

	// FindTemplates returns templates matching filter.
	FindTemplates(ctx context.Context, filter TemplateFilter) ([]*Template, error)

	// RegisterTemplate validates and stores a template definition, setting
	// t.ID. Fails with EInvalid if the module dependency graph has a cycle.
	RegisterTemplate(ctx context.Context, t *Template) error

	// ComposeBundle deterministically composes the template's core modules
	// plus the selected optional modules into one ordered bundle. Pure: it
	// never touches a tenant database.
	ComposeBundle(ctx context.Context, templateID platform.ID, optional []string) (*Bundle, error)

	// RegisterMigration stores a migration for the template, setting m.ID
	// and m.Sequence. Fails with EConflict if the template is locked.
	RegisterMigration(ctx context.Context, templateID platform.ID, m *Migration) error

	// FindMigrationByID returns a single migration by ID.
	FindMigrationByID(ctx context.Context, id platform.ID) (*Migration, error)

	// Migrations lists the template's migrations in sequence order.
	Migrations(ctx context.Context, templateID platform.ID) ([]*Migration, error)

	// SetTemplateLock locks or unlocks a template for migration registration.
	SetTemplateLock(ctx context.Context, id platform.ID, locked bool) error
}
