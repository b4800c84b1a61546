package tenant

import (
	"fmt"

	"github.com/tenantdb/tenantdb"
	"github.com/tenantdb/tenantdb/kit/platform/errors"
)

var (
	// ErrTenantNotFound is used when the tenant cannot be found.
	ErrTenantNotFound = &errors.Error{
		Code: errors.ENotFound,
		Msg:  "tenant not found",
	}

	// ErrHistoryEntryNotFound is used when a schema history entry is missing,
	// which makes point-in-time rollback unavailable.
	ErrHistoryEntryNotFound = &errors.Error{
		Code: errors.ENotFound,
		Msg:  "schema history entry not found; rollback unavailable",
	}

	// ErrNameisEmpty is when a tenant name is empty.
	ErrNameisEmpty = &errors.Error{
		Code: errors.EInvalid,
		Msg:  "tenant name is empty",
	}
)

// TenantAlreadyExistsError is used when creating a tenant with a name that
// already exists.
func TenantAlreadyExistsError(name string) *errors.Error {
	return &errors.Error{
		Code: errors.EConflict,
		Msg:  fmt.Sprintf("tenant with name %s already exists", name),
	}
}

// StatusTransitionError is used when a compare-and-swap status transition
// finds the tenant in an unexpected state. Two workers racing for the same
// tenant surface here.
func StatusTransitionError(current, expected tenantdb.TenantStatus) *errors.Error {
	return &errors.Error{
		Code: errors.EConflict,
		Msg:  fmt.Sprintf("tenant status is %q, expected %q", current, expected),
	}
}

// InvalidStatusError is used when a transition names an unknown status.
func InvalidStatusError(s tenantdb.TenantStatus) *errors.Error {
	return &errors.Error{
		Code: errors.EInvalid,
		Msg:  fmt.Sprintf("invalid tenant status %q", s),
	}
}

// ErrCorruptTenant is used when a stored tenant record fails to decode.
func ErrCorruptTenant(err error) *errors.Error {
	return &errors.Error{
		Code: errors.EInternal,
		Msg:  "tenant could not be unmarshalled",
		Err:  err,
		Op:   "tenant.unmarshalTenant",
	}
}

// ErrInternalServiceError is used when the error comes from an internal system.
func ErrInternalServiceError(err error) *errors.Error {
	return &errors.Error{
		Code: errors.EInternal,
		Err:  err,
	}
}
