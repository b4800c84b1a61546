package tenantdb

import (
	"context"
	"errors"

	"github.com/tenantdb/tenantdb/schema"
)

// ConnectionHandle is an open connection to one isolated tenant database.
// Handles are owned by exactly one tenant context for their lifetime and
// are never shared across contexts.
type ConnectionHandle interface {
	// Descriptor returns the descriptor this handle was opened against.
	Descriptor() Descriptor
	// Identity returns the unique identity of the connected database, as
	// reported by the database itself. The safety guard compares it with
	// the registry's descriptor on every switch.
	Identity(ctx context.Context) (string, error)
	// Close releases the handle.
	Close() error
}

// DatabaseProvider is the capability interface over a database lifecycle
// backend. Backends are interchangeable; the core never depends on a
// specific one.
type DatabaseProvider interface {
	// CreateDatabase provisions a new isolated database for the descriptor
	// and returns a handle to it. The returned descriptor carries the
	// backend-assigned instance identity.
	CreateDatabase(ctx context.Context, d Descriptor) (Descriptor, ConnectionHandle, error)

	// Open returns a handle to an existing database.
	Open(ctx context.Context, d Descriptor) (ConnectionHandle, error)

	// DropDatabase destroys the database identified by the descriptor.
	DropDatabase(ctx context.Context, d Descriptor) error

	// ExecuteChangeSet applies a structured schema change set through the
	// handle as one schema-mutation unit.
	ExecuteChangeSet(ctx context.Context, h ConnectionHandle, cs schema.ChangeSet) error

	// ApplySeed inserts seed rows through the handle.
	ApplySeed(ctx context.Context, h ConnectionHandle, seed schema.SeedSet) error

	// IntrospectSchema returns a structured snapshot of the live schema.
	IntrospectSchema(ctx context.Context, h ConnectionHandle) (schema.Snapshot, error)

	// RestoreSchema forces the database schema to exactly match the
	// snapshot; used for point-in-time rollback.
	RestoreSchema(ctx context.Context, h ConnectionHandle, s schema.Snapshot) error
}

// retryableError marks provider failures that are transient and safe to
// retry with backoff. Structural failures (malformed change sets) must not
// carry the marker.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// MarkRetryable wraps err so that ErrIsRetryable reports true for it.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// ErrIsRetryable reports whether err was marked as a transient
// infrastructure failure.
func ErrIsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
