// Package migrate implements the migration and drift engine. It plans and
// applies template migrations against provisioned tenants, detects schema
// conflicts with tenant customizations, restores pre-change snapshots, and
// classifies schema drift against the expected template schema.
package migrate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/tenantdb/tenantdb"
	"github.com/tenantdb/tenantdb/kit/platform"
	"github.com/tenantdb/tenantdb/logger"
	"github.com/tenantdb/tenantdb/schema"
	"github.com/tenantdb/tenantdb/tenantctx"
	"go.uber.org/zap"
)

// RiskLevel classifies how dangerous a migration is for a tenant.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Conflict is a schema overlap between a migration and one active tenant
// customization.
type Conflict struct {
	MigrationID     platform.ID `json:"migrationID"`
	CustomizationID platform.ID `json:"customizationID"`
	Table           string      `json:"table"`
}

// SimulationReport is the outcome of a dry run. The result snapshot is
// computed purely from registry state; the tenant database is not touched.
type SimulationReport struct {
	MigrationID    platform.ID     `json:"migrationID"`
	Risk           RiskLevel       `json:"risk"`
	AffectedTables []string        `json:"affectedTables"`
	Conflicts      []Conflict      `json:"conflicts,omitempty"`
	Breaking       bool            `json:"breaking"`
	Destructive    bool            `json:"destructive"`
	Result         schema.Snapshot `json:"result"`
}

// ApplyResult is the discriminated outcome of one apply call. Conflicting
// applies succeed as calls but report status needs_review and leave the
// tenant's schema untouched.
type ApplyResult struct {
	MigrationID platform.ID                     `json:"migrationID"`
	Status      tenantdb.AppliedMigrationStatus `json:"status"`
	Conflicts   []Conflict                      `json:"conflicts,omitempty"`
	Drift       tenantdb.DriftLevel             `json:"drift"`
}

// Engine coordinates template migrations, conflict detection, rollback and
// drift computation for provisioned tenants.
type Engine struct {
	log       *zap.Logger
	templates tenantdb.TemplateService
	tenants   tenantdb.TenantService
	provider  tenantdb.DatabaseProvider
	guard     *tenantctx.Guard
	locks     tenantdb.TenantLockService
	audit     tenantdb.AuditSink

	lockWait time.Duration
	timeout  time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLockWait bounds the wait for the per-tenant lock.
func WithLockWait(d time.Duration) Option {
	return func(e *Engine) { e.lockWait = d }
}

// WithTimeout sets the hard wall-clock bound for one schema mutation.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// NewEngine constructs a migration engine.
func NewEngine(
	log *zap.Logger,
	templates tenantdb.TemplateService,
	tenants tenantdb.TenantService,
	provider tenantdb.DatabaseProvider,
	guard *tenantctx.Guard,
	locks tenantdb.TenantLockService,
	audit tenantdb.AuditSink,
	opts ...Option,
) *Engine {
	if audit == nil {
		audit = tenantdb.NopAuditSink
	}
	e := &Engine{
		log:       log,
		templates: templates,
		tenants:   tenants,
		provider:  provider,
		guard:     guard,
		locks:     locks,
		audit:     audit,
		lockWait:  tenantdb.DefaultLockWait,
		timeout:   2 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Plan returns the template migrations the tenant has not yet applied,
// filtered by template-type scope and version bounds, in sequence order.
func (e *Engine) Plan(ctx context.Context, tenantID platform.ID) ([]*tenantdb.Migration, error) {
	t, err := e.tenants.FindTenantByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	tmpl, err := e.templates.FindTemplateByID(ctx, t.TemplateID)
	if err != nil {
		return nil, err
	}
	migrations, err := e.templates.Migrations(ctx, t.TemplateID)
	if err != nil {
		return nil, err
	}
	settled, err := e.settledMigrations(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var plan []*tenantdb.Migration
	for _, m := range migrations {
		if _, ok := settled[m.ID]; ok {
			continue
		}
		if !applicable(m, tmpl.Type, t.TemplateVersion) {
			continue
		}
		plan = append(plan, m)
	}
	return plan, nil
}

// DryRun simulates applying the migration against the tenant's expected
// schema and classifies the risk. Nothing is persisted and the tenant's
// database is not contacted.
func (e *Engine) DryRun(ctx context.Context, tenantID, migrationID platform.ID) (*SimulationReport, error) {
	t, m, err := e.tenantMigration(ctx, tenantID, migrationID)
	if err != nil {
		return nil, err
	}
	expected, err := e.expectedSnapshot(ctx, t)
	if err != nil {
		return nil, err
	}
	result, err := m.Up.ApplyTo(expected)
	if err != nil {
		return nil, SimulationError(m.Name, err)
	}
	conflicts, err := e.conflicts(ctx, t, m)
	if err != nil {
		return nil, err
	}

	report := &SimulationReport{
		MigrationID:    m.ID,
		AffectedTables: m.Up.AffectedTables(),
		Conflicts:      conflicts,
		Breaking:       m.Breaking,
		Destructive:    m.Up.HasDestructive(),
		Result:         result,
	}
	switch {
	case len(conflicts) > 0 || m.Breaking:
		report.Risk = RiskHigh
	case report.Destructive:
		report.Risk = RiskMedium
	default:
		report.Risk = RiskLow
	}
	return report, nil
}

// DetectConflicts intersects the migration's affected tables with the
// affected tables of the tenant's active customizations.
func (e *Engine) DetectConflicts(ctx context.Context, tenantID, migrationID platform.ID) ([]Conflict, error) {
	t, m, err := e.tenantMigration(ctx, tenantID, migrationID)
	if err != nil {
		return nil, err
	}
	return e.conflicts(ctx, t, m)
}

// Apply executes the migration inside a tenant context. If the migration
// conflicts with active customizations the tenant's schema is left
// untouched and the record is stored as needs_review; auto-merge is never
// attempted.
func (e *Engine) Apply(ctx context.Context, tenantID, migrationID platform.ID) (*ApplyResult, error) {
	release, err := e.locks.Acquire(ctx, tenantID, e.lockWait)
	if err != nil {
		return nil, err
	}
	defer release()

	t, m, err := e.tenantMigration(ctx, tenantID, migrationID)
	if err != nil {
		return nil, err
	}
	if t.Status != tenantdb.TenantStatusActive {
		return nil, ErrTenantNotActive
	}
	settled, err := e.settledMigrations(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if _, ok := settled[m.ID]; ok {
		return nil, AlreadyAppliedError(m.ID)
	}

	log, logEnd := logger.NewOperation(e.log, "Applying migration", "migration_apply",
		zap.Stringer("tenant_id", tenantID),
		zap.Stringer("migration_id", migrationID),
	)
	defer logEnd()

	conflicts, err := e.conflicts(ctx, t, m)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		return e.flagConflicts(ctx, log, t, m, conflicts)
	}

	applyCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tc, err := e.guard.Begin(applyCtx, tenantID)
	if err != nil {
		return nil, err
	}
	defer e.guard.End(applyCtx, tc)

	var drift tenantdb.DriftLevel
	err = e.guard.With(applyCtx, tc, func(ctx context.Context) error {
		handle, err := tc.Handle()
		if err != nil {
			return err
		}
		before, err := e.provider.IntrospectSchema(ctx, handle)
		if err != nil {
			return err
		}
		if err := e.provider.ExecuteChangeSet(ctx, handle, m.Up); err != nil {
			return err
		}
		if err := e.tenants.PutAppliedMigration(ctx, tenantdb.AppliedMigration{
			TenantID:    tenantID,
			MigrationID: m.ID,
			Status:      tenantdb.AppliedMigrationApplied,
		}); err != nil {
			return err
		}
		if err := e.tenants.AddHistory(ctx, &tenantdb.HistoryEntry{
			TenantID:    tenantID,
			Kind:        tenantdb.HistoryMigration,
			MigrationID: m.ID,
			Before:      before,
			Note:        m.Name,
		}); err != nil {
			return err
		}
		drift, err = e.refreshDrift(ctx, tc, t)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.audit.Record(ctx, tenantdb.AuditEvent{
		Type:        tenantdb.AuditMigrationApplied,
		TenantID:    tenantID,
		MigrationID: m.ID,
	})

	return &ApplyResult{
		MigrationID: m.ID,
		Status:      tenantdb.AppliedMigrationApplied,
		Drift:       drift,
	}, nil
}

// flagConflicts records the conflicting migration as needs_review without
// touching the tenant database.
func (e *Engine) flagConflicts(ctx context.Context, log *zap.Logger, t *tenantdb.Tenant, m *tenantdb.Migration, conflicts []Conflict) (*ApplyResult, error) {
	tables := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		tables = append(tables, c.Table)
	}
	log.Warn("Migration conflicts with tenant customizations, flagging for review",
		zap.Strings("tables", tables))

	if err := e.tenants.PutAppliedMigration(ctx, tenantdb.AppliedMigration{
		TenantID:    t.ID,
		MigrationID: m.ID,
		Status:      tenantdb.AppliedMigrationNeedsReview,
		Notes:       fmt.Sprintf("conflicts with customizations on tables %v", tables),
	}); err != nil {
		return nil, err
	}

	high := tenantdb.DriftHigh
	if _, err := e.tenants.UpdateTenant(ctx, t.ID, tenantdb.TenantUpdate{Drift: &high}); err != nil {
		return nil, err
	}

	e.audit.Record(ctx, tenantdb.AuditEvent{
		Type:        tenantdb.AuditConflictDetected,
		TenantID:    t.ID,
		MigrationID: m.ID,
		Fields:      map[string]interface{}{"tables": tables},
	})

	return &ApplyResult{
		MigrationID: m.ID,
		Status:      tenantdb.AppliedMigrationNeedsReview,
		Conflicts:   conflicts,
		Drift:       high,
	}, nil
}

// Rollback restores the tenant's schema to the pre-change snapshot held by
// the history entry and makes the rolled-back migration applicable again.
func (e *Engine) Rollback(ctx context.Context, tenantID, entryID platform.ID) error {
	release, err := e.locks.Acquire(ctx, tenantID, e.lockWait)
	if err != nil {
		return err
	}
	defer release()

	entry, err := e.tenants.FindHistoryEntry(ctx, tenantID, entryID)
	if err != nil {
		return err
	}
	t, err := e.tenants.FindTenantByID(ctx, tenantID)
	if err != nil {
		return err
	}

	log, logEnd := logger.NewOperation(e.log, "Rolling back schema", "migration_rollback",
		zap.Stringer("tenant_id", tenantID),
		zap.Stringer("history_entry_id", entryID),
	)
	defer logEnd()

	rollbackCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tc, err := e.guard.Begin(rollbackCtx, tenantID)
	if err != nil {
		return err
	}
	defer e.guard.End(rollbackCtx, tc)

	err = e.guard.With(rollbackCtx, tc, func(ctx context.Context) error {
		handle, err := tc.Handle()
		if err != nil {
			return err
		}
		before, err := e.provider.IntrospectSchema(ctx, handle)
		if err != nil {
			return err
		}
		if err := e.provider.RestoreSchema(ctx, handle, entry.Before); err != nil {
			return err
		}
		if entry.MigrationID.Valid() {
			if err := e.tenants.DeleteAppliedMigration(ctx, tenantID, entry.MigrationID); err != nil {
				return err
			}
		}
		if err := e.tenants.AddHistory(ctx, &tenantdb.HistoryEntry{
			TenantID:    tenantID,
			Kind:        tenantdb.HistoryRollback,
			MigrationID: entry.MigrationID,
			Before:      before,
			Note:        fmt.Sprintf("rolled back to snapshot of entry %s", entryID),
		}); err != nil {
			return err
		}
		_, err = e.refreshDrift(ctx, tc, t)
		return err
	})
	if err != nil {
		return err
	}

	log.Info("Schema restored from snapshot")
	e.audit.Record(ctx, tenantdb.AuditEvent{
		Type:        tenantdb.AuditMigrationRolledBack,
		TenantID:    tenantID,
		MigrationID: entry.MigrationID,
	})
	return nil
}

// Drift introspects the tenant's live schema, classifies its divergence
// from the expected schema and persists the classification on the tenant.
func (e *Engine) Drift(ctx context.Context, tenantID platform.ID) (tenantdb.DriftLevel, error) {
	release, err := e.locks.Acquire(ctx, tenantID, e.lockWait)
	if err != nil {
		return "", err
	}
	defer release()

	t, err := e.tenants.FindTenantByID(ctx, tenantID)
	if err != nil {
		return "", err
	}

	tc, err := e.guard.Begin(ctx, tenantID)
	if err != nil {
		return "", err
	}
	defer e.guard.End(ctx, tc)

	var drift tenantdb.DriftLevel
	err = e.guard.With(ctx, tc, func(ctx context.Context) error {
		drift, err = e.refreshDrift(ctx, tc, t)
		return err
	})
	if err != nil {
		return "", err
	}
	return drift, nil
}

// SchemaDiff returns the structured difference between the tenant's
// expected schema and its live, introspected one.
func (e *Engine) SchemaDiff(ctx context.Context, tenantID platform.ID) (schema.SchemaDiff, error) {
	t, err := e.tenants.FindTenantByID(ctx, tenantID)
	if err != nil {
		return schema.SchemaDiff{}, err
	}
	expected, err := e.expectedSnapshot(ctx, t)
	if err != nil {
		return schema.SchemaDiff{}, err
	}

	tc, err := e.guard.Begin(ctx, tenantID)
	if err != nil {
		return schema.SchemaDiff{}, err
	}
	defer e.guard.End(ctx, tc)

	var diff schema.SchemaDiff
	err = e.guard.With(ctx, tc, func(ctx context.Context) error {
		handle, err := tc.Handle()
		if err != nil {
			return err
		}
		live, err := e.provider.IntrospectSchema(ctx, handle)
		if err != nil {
			return err
		}
		diff = schema.Diff(expected, live)
		return nil
	})
	if err != nil {
		return schema.SchemaDiff{}, err
	}
	return diff, nil
}

// refreshDrift recomputes the drift level from a live introspection and
// persists it. Callers hold the per-tenant lock and an open context.
func (e *Engine) refreshDrift(ctx context.Context, tc *tenantctx.Context, t *tenantdb.Tenant) (tenantdb.DriftLevel, error) {
	handle, err := tc.Handle()
	if err != nil {
		return "", err
	}
	live, err := e.provider.IntrospectSchema(ctx, handle)
	if err != nil {
		return "", err
	}
	expected, err := e.expectedSnapshot(ctx, t)
	if err != nil {
		return "", err
	}
	applied, err := e.tenants.AppliedMigrations(ctx, t.ID)
	if err != nil {
		return "", err
	}

	drift := classifyDrift(schema.Diff(expected, live), applied)
	now := time.Now().UTC()
	if _, err := e.tenants.UpdateTenant(ctx, t.ID, tenantdb.TenantUpdate{
		Drift:          &drift,
		LastSchemaSync: &now,
	}); err != nil {
		return "", err
	}
	return drift, nil
}

// expectedSnapshot rebuilds the schema the tenant should have: the
// provisioning baseline plus every applied migration in sequence order.
func (e *Engine) expectedSnapshot(ctx context.Context, t *tenantdb.Tenant) (schema.Snapshot, error) {
	applied, err := e.tenants.AppliedMigrations(ctx, t.ID)
	if err != nil {
		return schema.Snapshot{}, err
	}
	appliedSet := map[platform.ID]struct{}{}
	for _, am := range applied {
		if am.Status == tenantdb.AppliedMigrationApplied {
			appliedSet[am.MigrationID] = struct{}{}
		}
	}

	expected := t.Baseline.Clone()
	if len(appliedSet) == 0 {
		return expected, nil
	}

	migrations, err := e.templates.Migrations(ctx, t.TemplateID)
	if err != nil {
		return schema.Snapshot{}, err
	}
	for _, m := range migrations {
		if _, ok := appliedSet[m.ID]; !ok {
			continue
		}
		next, err := m.Up.ApplyTo(expected)
		if err != nil {
			return schema.Snapshot{}, err
		}
		expected = next
	}
	return expected, nil
}

// conflicts intersects the migration's affected tables with those of the
// tenant's active customizations.
func (e *Engine) conflicts(ctx context.Context, t *tenantdb.Tenant, m *tenantdb.Migration) ([]Conflict, error) {
	customizations, err := e.tenants.Customizations(ctx, t.ID, true)
	if err != nil {
		return nil, err
	}

	affected := map[string]struct{}{}
	for _, table := range m.Up.AffectedTables() {
		affected[table] = struct{}{}
	}

	var out []Conflict
	for _, c := range customizations {
		for _, table := range c.Change.AffectedTables() {
			if _, ok := affected[table]; ok {
				out = append(out, Conflict{
					MigrationID:     m.ID,
					CustomizationID: c.ID,
					Table:           table,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		return out[i].CustomizationID < out[j].CustomizationID
	})
	return out, nil
}

// settledMigrations returns migration ids with a terminal applied record
// (applied or skipped). needs_review records are not settled; the
// migration stays in the plan until an operator resolves it.
func (e *Engine) settledMigrations(ctx context.Context, tenantID platform.ID) (map[platform.ID]tenantdb.AppliedMigrationStatus, error) {
	applied, err := e.tenants.AppliedMigrations(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := map[platform.ID]tenantdb.AppliedMigrationStatus{}
	for _, am := range applied {
		if am.Status == tenantdb.AppliedMigrationApplied || am.Status == tenantdb.AppliedMigrationSkipped {
			out[am.MigrationID] = am.Status
		}
	}
	return out, nil
}

// tenantMigration loads both records and verifies the migration targets
// the tenant's template and scope.
func (e *Engine) tenantMigration(ctx context.Context, tenantID, migrationID platform.ID) (*tenantdb.Tenant, *tenantdb.Migration, error) {
	t, err := e.tenants.FindTenantByID(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	m, err := e.templates.FindMigrationByID(ctx, migrationID)
	if err != nil {
		return nil, nil, err
	}
	if m.TemplateID != t.TemplateID {
		return nil, nil, ErrTemplateMismatch
	}
	tmpl, err := e.templates.FindTemplateByID(ctx, t.TemplateID)
	if err != nil {
		return nil, nil, err
	}
	if !applicable(m, tmpl.Type, t.TemplateVersion) {
		return nil, nil, ErrMigrationNotApplicable
	}
	return t, m, nil
}

// applicable reports whether the migration's template-type scope and
// inclusive version bounds admit the tenant.
func applicable(m *tenantdb.Migration, tmplType tenantdb.TemplateType, version string) bool {
	if len(m.AppliesTo) > 0 {
		found := false
		for _, t := range m.AppliesTo {
			if t == tmplType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if m.MinVersion == "" && m.MaxVersion == "" {
		return true
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		// unparsable tenant versions cannot be bounds-checked; scope
		// filtering alone decides
		return true
	}
	if m.MinVersion != "" {
		if min, err := semver.NewVersion(m.MinVersion); err == nil && v.LessThan(min) {
			return false
		}
	}
	if m.MaxVersion != "" {
		if max, err := semver.NewVersion(m.MaxVersion); err == nil && v.GreaterThan(max) {
			return false
		}
	}
	return true
}

// classifyDrift maps a live/expected diff and the applied-migration set to
// a drift level. Unresolved needs_review records or destructive divergence
// from template-owned structures classify as high.
func classifyDrift(diff schema.SchemaDiff, applied []tenantdb.AppliedMigration) tenantdb.DriftLevel {
	for _, am := range applied {
		if am.Status == tenantdb.AppliedMigrationNeedsReview {
			return tenantdb.DriftHigh
		}
	}
	if !diff.HasChanges() {
		return tenantdb.DriftNone
	}

	level := tenantdb.DriftLow
	for _, t := range diff.Tables {
		switch t.State {
		case schema.StateStatusRemove:
			return tenantdb.DriftHigh
		case schema.StateStatusModified:
			for _, c := range t.Columns {
				if c.State == schema.StateStatusRemove {
					return tenantdb.DriftHigh
				}
			}
			level = tenantdb.DriftMedium
		}
	}
	return level
}
