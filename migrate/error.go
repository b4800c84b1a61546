package migrate

import (
	"fmt"

	"github.com/tenantdb/tenantdb/kit/platform"
	"github.com/tenantdb/tenantdb/kit/platform/errors"
)

var (
	// ErrTenantNotActive is returned when a migration operation targets a
	// tenant outside the active status.
	ErrTenantNotActive = &errors.Error{
		Code: errors.EConflict,
		Msg:  "tenant is not active",
	}

	// ErrMigrationNotApplicable is returned when a migration's template
	// scope or version bounds exclude the tenant.
	ErrMigrationNotApplicable = &errors.Error{
		Code: errors.EInvalid,
		Msg:  "migration does not apply to tenant",
	}

	// ErrTemplateMismatch is returned when a migration belongs to a
	// different template than the tenant was created from.
	ErrTemplateMismatch = &errors.Error{
		Code: errors.EInvalid,
		Msg:  "migration belongs to a different template",
	}
)

// AlreadyAppliedError is returned when an apply targets a migration the
// tenant has already settled.
func AlreadyAppliedError(migrationID platform.ID) *errors.Error {
	return &errors.Error{
		Code: errors.EConflict,
		Msg:  fmt.Sprintf("migration %s is already applied to this tenant", migrationID),
	}
}

// SimulationError is returned when a dry run cannot compute the resulting
// snapshot because the migration does not apply over the expected schema.
func SimulationError(migration string, err error) *errors.Error {
	return &errors.Error{
		Code: errors.EInvalid,
		Msg:  fmt.Sprintf("migration %q cannot be simulated", migration),
		Err:  err,
	}
}

// ConflictError reports a schema overlap between a migration and a
// tenant's active customizations. It is never auto-resolved.
func ConflictError(migrationID platform.ID, tables []string) *errors.Error {
	return &errors.Error{
		Code: errors.EConflict,
		Msg:  fmt.Sprintf("migration %s conflicts with tenant customizations on tables %v", migrationID, tables),
	}
}
