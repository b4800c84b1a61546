package tenantctx

import (
	"fmt"

	"github.com/tenantdb/tenantdb"
	"github.com/tenantdb/tenantdb/kit/platform"
	"github.com/tenantdb/tenantdb/kit/platform/errors"
)

var (
	// ErrStaleContext is used when a context is used after End released it.
	ErrStaleContext = &errors.Error{
		Code: errors.EForbidden,
		Msg:  "tenant context used after release",
	}

	// ErrNestedContextViolation is used when a unit of work bound to one
	// tenant attempts to run under a context for a different tenant
	// without explicit scoping.
	ErrNestedContextViolation = &errors.Error{
		Code: errors.EForbidden,
		Msg:  "nested tenant context for a different tenant",
	}

	// ErrNoContext is used when a unit of work requires a tenant context
	// and none is bound.
	ErrNoContext = &errors.Error{
		Code: errors.EForbidden,
		Msg:  "no tenant context bound",
	}
)

// TenantNotProvisionedError is used when beginning a context for a tenant
// that is not in active status.
func TenantNotProvisionedError(id platform.ID, status tenantdb.TenantStatus) *errors.Error {
	return &errors.Error{
		Code: errors.EConflict,
		Msg:  fmt.Sprintf("tenant %s is %s, not active", id, status),
	}
}

// ConnectionMismatchError is used when the live database identity behind a
// connection does not match the descriptor the registry holds for the
// tenant. This is the primary cross-tenant-leak guard; it is always fatal
// to the unit of work.
func ConnectionMismatchError(id platform.ID, want, got string) *errors.Error {
	return &errors.Error{
		Code: errors.EForbidden,
		Msg:  fmt.Sprintf("connection identity mismatch for tenant %s: registry has %q, live database reports %q", id, want, got),
	}
}
