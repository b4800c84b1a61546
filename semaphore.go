package tenantdb

import (
	"context"
	"time"

	"github.com/tenantdb/tenantdb/kit/platform"
	"github.com/tenantdb/tenantdb/kit/platform/errors"
)

// DefaultLockWait is used when a specific lock wait bound is not requested.
const DefaultLockWait = 30 * time.Second

// ErrLockTimeout is returned when the per-tenant lock could not be
// acquired within the wait bound. Jobs failing with it are requeued.
var ErrLockTimeout = &errors.Error{
	Code: errors.ETooManyRequests,
	Msg:  "timed out waiting for tenant lock",
}

// TenantLockService serializes mutating work per tenant. Acquire blocks
// until the tenant's lock is free or the wait bound elapses, in which case
// it fails with ErrLockTimeout. Locks for different tenants are fully
// independent.
type TenantLockService interface {
	// Acquire obtains exclusive ownership of the tenant's lock, waiting at
	// most `wait`. The returned release function must be called exactly
	// once.
	Acquire(ctx context.Context, tenantID platform.ID, wait time.Duration) (release func(), err error)
}
