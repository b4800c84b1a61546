package tenantdb

import (
	"context"
	"time"

	"github.com/tenantdb/tenantdb/kit/platform"
	"github.com/tenantdb/tenantdb/schema"
)

// TenantStatus is the lifecycle state of a tenant. The registry's status
// field is the single source of truth for whether a tenant is currently
// being mutated; all transitions go through compare-and-swap.
type TenantStatus string

const (
	TenantStatusRequested    TenantStatus = "requested"
	TenantStatusProvisioning TenantStatus = "provisioning"
	TenantStatusActive       TenantStatus = "active"
	TenantStatusFailed       TenantStatus = "failed"
	TenantStatusSuspended    TenantStatus = "suspended"
	TenantStatusArchived     TenantStatus = "archived"
)

// Valid reports whether s is a known status.
func (s TenantStatus) Valid() bool {
	switch s {
	case TenantStatusRequested, TenantStatusProvisioning, TenantStatusActive,
		TenantStatusFailed, TenantStatusSuspended, TenantStatusArchived:
		return true
	}
	return false
}

// DriftLevel classifies how far a tenant's live schema has diverged from
// the schema its template plus applied migrations would produce.
type DriftLevel string

const (
	// DriftNone means the live schema is identical to the expected schema.
	DriftNone DriftLevel = "none"
	// DriftLow means the tenant has strictly additive, non-conflicting tables.
	DriftLow DriftLevel = "low"
	// DriftMedium means the tenant modified template-owned structures without conflicts.
	DriftMedium DriftLevel = "medium"
	// DriftHigh means there are unresolved conflicts or destructive changes
	// to core template structures.
	DriftHigh DriftLevel = "high"
)

// Descriptor identifies a tenant's isolated database at its backend. It is
// opaque to the core; only the connection provider interprets it.
type Descriptor struct {
	// Backend is the name of the connection provider backend.
	Backend string `json:"backend"`
	// Database is the backend-scoped database name.
	Database string `json:"database"`
	// Instance is a unique identity assigned when the database is created;
	// the safety guard matches it against the live database on every switch.
	Instance string `json:"instance,omitempty"`
}

// Tenant is one isolated customer database provisioned from a template.
type Tenant struct {
	ID              platform.ID     `json:"id"`
	Name            string          `json:"name"`
	TemplateID      platform.ID     `json:"templateID"`
	TemplateVersion string          `json:"templateVersion"`
	Descriptor      Descriptor      `json:"descriptor"`
	Status          TenantStatus    `json:"status"`
	StatusCause     string          `json:"statusCause,omitempty"`
	Customizations  int             `json:"customizationCount"`
	Drift           DriftLevel      `json:"schemaDriftLevel"`
	LastSchemaSync  time.Time       `json:"lastSchemaSync,omitempty"`
	Baseline        schema.Snapshot `json:"baseline,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// AppliedMigrationStatus is the outcome recorded for a (tenant, migration) pair.
type AppliedMigrationStatus string

const (
	AppliedMigrationPending     AppliedMigrationStatus = "pending"
	AppliedMigrationApplied     AppliedMigrationStatus = "applied"
	AppliedMigrationSkipped     AppliedMigrationStatus = "skipped"
	AppliedMigrationFailed      AppliedMigrationStatus = "failed"
	AppliedMigrationNeedsReview AppliedMigrationStatus = "needs_review"
)

// AppliedMigration records what happened when a template migration met a
// tenant. At most one record exists per (tenant, migration) pair.
type AppliedMigration struct {
	TenantID    platform.ID            `json:"tenantID"`
	MigrationID platform.ID            `json:"migrationID"`
	Status      AppliedMigrationStatus `json:"status"`
	AppliedAt   time.Time              `json:"appliedAt"`
	Notes       string                 `json:"notes,omitempty"`
}

// CustomizationType is the kind of structure a customization adds or alters.
type CustomizationType string

const (
	CustomizationTable  CustomizationType = "table"
	CustomizationColumn CustomizationType = "column"
	CustomizationIndex  CustomizationType = "index"
	CustomizationView   CustomizationType = "view"
)

// Customization records a tenant-authored schema change that did not
// originate from any template migration. The drift engine uses these to
// avoid overwriting tenant structures during later migrations.
type Customization struct {
	ID          platform.ID       `json:"id"`
	TenantID    platform.ID       `json:"tenantID"`
	Type        CustomizationType `json:"type"`
	Change      schema.ChangeSet  `json:"change"`
	BaseVersion string            `json:"baseVersion"`
	Active      bool              `json:"active"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// HistoryKind distinguishes the origins of schema history entries.
type HistoryKind string

const (
	HistoryProvision     HistoryKind = "provision"
	HistoryMigration     HistoryKind = "migration"
	HistoryCustomization HistoryKind = "customization"
	HistoryRollback      HistoryKind = "rollback"
)

// HistoryEntry is an immutable audit record of one schema change applied
// to a tenant database. Before holds the pre-change snapshot, sufficient
// for point-in-time rollback.
type HistoryEntry struct {
	ID          platform.ID     `json:"id"`
	TenantID    platform.ID     `json:"tenantID"`
	Kind        HistoryKind     `json:"kind"`
	MigrationID platform.ID     `json:"migrationID,omitempty"`
	Module      string          `json:"module,omitempty"`
	Before      schema.Snapshot `json:"before"`
	Note        string          `json:"note,omitempty"`
	AppliedAt   time.Time       `json:"appliedAt"`
}

// TenantFilter restricts the tenants returned by find operations.
type TenantFilter struct {
	ID         *platform.ID
	Name       *string
	TemplateID *platform.ID
	Status     *TenantStatus
}

// TenantUpdate describes mutable tenant registry fields. Only set fields
// are written.
type TenantUpdate struct {
	Descriptor      *Descriptor
	TemplateVersion *string
	StatusCause     *string
	Drift           *DriftLevel
	LastSchemaSync  *time.Time
	Customizations  *int
}

// TenantService is the authoritative registry of tenants and their
// per-tenant bookkeeping records.
type TenantService interface {
	// FindTenantByID returns a single tenant by ID.
	FindTenantByID(ctx context.Context, id platform.ID) (*Tenant, error)

	// FindTenants returns the tenants matching filter.
	FindTenants(ctx context.Context, filter TenantFilter) ([]*Tenant, error)

	// CreateTenant creates a tenant record in status requested and sets t.ID.
	CreateTenant(ctx context.Context, t *Tenant) error

	// UpdateTenant applies upd to the tenant.
	UpdateTenant(ctx context.Context, id platform.ID, upd TenantUpdate) (*Tenant, error)

	// TransitionStatus moves the tenant from exactly `from` to `to`,
	// failing with EConflict if the current status differs from `from`.
	TransitionStatus(ctx context.Context, id platform.ID, from, to TenantStatus) error

	// SetBaseline persists the post-provision schema snapshot used as the
	// drift comparison baseline.
	SetBaseline(ctx context.Context, id platform.ID, baseline schema.Snapshot) error

	// PutAppliedMigration inserts or replaces the (tenant, migration) record.
	PutAppliedMigration(ctx context.Context, am AppliedMigration) error

	// AppliedMigrations lists all migration records for a tenant.
	AppliedMigrations(ctx context.Context, id platform.ID) ([]AppliedMigration, error)

	// DeleteAppliedMigration removes the (tenant, migration) record so the
	// migration becomes applicable again after a rollback.
	DeleteAppliedMigration(ctx context.Context, tenantID, migrationID platform.ID) error

	// AddCustomization records a tenant-authored schema change and sets c.ID.
	AddCustomization(ctx context.Context, c *Customization) error

	// Customizations lists customizations for a tenant; activeOnly limits
	// the result to unretired ones.
	Customizations(ctx context.Context, id platform.ID, activeOnly bool) ([]Customization, error)

	// AddHistory appends an immutable history entry and sets e.ID.
	AddHistory(ctx context.Context, e *HistoryEntry) error

	// History lists history entries for a tenant in application order.
	History(ctx context.Context, id platform.ID) ([]HistoryEntry, error)

	// FindHistoryEntry returns a single history entry by ID.
	FindHistoryEntry(ctx context.Context, tenantID, entryID platform.ID) (*HistoryEntry, error)
}
