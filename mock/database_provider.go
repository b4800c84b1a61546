package mock

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tenantdb/tenantdb"
	"github.com/tenantdb/tenantdb/schema"
)

// DatabaseProvider is a mock implementation of tenantdb.DatabaseProvider.
type DatabaseProvider struct {
	CreateDatabaseFn   func(ctx context.Context, d tenantdb.Descriptor) (tenantdb.Descriptor, tenantdb.ConnectionHandle, error)
	OpenFn             func(ctx context.Context, d tenantdb.Descriptor) (tenantdb.ConnectionHandle, error)
	DropDatabaseFn     func(ctx context.Context, d tenantdb.Descriptor) error
	ExecuteChangeSetFn func(ctx context.Context, h tenantdb.ConnectionHandle, cs schema.ChangeSet) error
	ApplySeedFn        func(ctx context.Context, h tenantdb.ConnectionHandle, seed schema.SeedSet) error
	IntrospectSchemaFn func(ctx context.Context, h tenantdb.ConnectionHandle) (schema.Snapshot, error)
	RestoreSchemaFn    func(ctx context.Context, h tenantdb.ConnectionHandle, s schema.Snapshot) error
}

var _ tenantdb.DatabaseProvider = (*DatabaseProvider)(nil)

// NewDatabaseProvider returns a mock DatabaseProvider where its methods
// will return zero values.
func NewDatabaseProvider() *DatabaseProvider {
	return &DatabaseProvider{
		CreateDatabaseFn: func(ctx context.Context, d tenantdb.Descriptor) (tenantdb.Descriptor, tenantdb.ConnectionHandle, error) {
			return tenantdb.Descriptor{}, nil, fmt.Errorf("not implemented")
		},
		OpenFn: func(ctx context.Context, d tenantdb.Descriptor) (tenantdb.ConnectionHandle, error) {
			return nil, fmt.Errorf("not implemented")
		},
		DropDatabaseFn: func(ctx context.Context, d tenantdb.Descriptor) error { return nil },
		ExecuteChangeSetFn: func(ctx context.Context, h tenantdb.ConnectionHandle, cs schema.ChangeSet) error {
			return nil
		},
		ApplySeedFn: func(ctx context.Context, h tenantdb.ConnectionHandle, seed schema.SeedSet) error {
			return nil
		},
		IntrospectSchemaFn: func(ctx context.Context, h tenantdb.ConnectionHandle) (schema.Snapshot, error) {
			return schema.Snapshot{}, nil
		},
		RestoreSchemaFn: func(ctx context.Context, h tenantdb.ConnectionHandle, s schema.Snapshot) error {
			return nil
		},
	}
}

// CreateDatabase provisions a database via CreateDatabaseFn.
func (p *DatabaseProvider) CreateDatabase(ctx context.Context, d tenantdb.Descriptor) (tenantdb.Descriptor, tenantdb.ConnectionHandle, error) {
	return p.CreateDatabaseFn(ctx, d)
}

// Open opens a handle via OpenFn.
func (p *DatabaseProvider) Open(ctx context.Context, d tenantdb.Descriptor) (tenantdb.ConnectionHandle, error) {
	return p.OpenFn(ctx, d)
}

// DropDatabase destroys a database via DropDatabaseFn.
func (p *DatabaseProvider) DropDatabase(ctx context.Context, d tenantdb.Descriptor) error {
	return p.DropDatabaseFn(ctx, d)
}

// ExecuteChangeSet applies changes via ExecuteChangeSetFn.
func (p *DatabaseProvider) ExecuteChangeSet(ctx context.Context, h tenantdb.ConnectionHandle, cs schema.ChangeSet) error {
	return p.ExecuteChangeSetFn(ctx, h, cs)
}

// ApplySeed inserts rows via ApplySeedFn.
func (p *DatabaseProvider) ApplySeed(ctx context.Context, h tenantdb.ConnectionHandle, seed schema.SeedSet) error {
	return p.ApplySeedFn(ctx, h, seed)
}

// IntrospectSchema reads the live schema via IntrospectSchemaFn.
func (p *DatabaseProvider) IntrospectSchema(ctx context.Context, h tenantdb.ConnectionHandle) (schema.Snapshot, error) {
	return p.IntrospectSchemaFn(ctx, h)
}

// RestoreSchema restores a snapshot via RestoreSchemaFn.
func (p *DatabaseProvider) RestoreSchema(ctx context.Context, h tenantdb.ConnectionHandle, s schema.Snapshot) error {
	return p.RestoreSchemaFn(ctx, h, s)
}

// ConnectionHandle is a mock implementation of tenantdb.ConnectionHandle.
type ConnectionHandle struct {
	DescriptorFn func() tenantdb.Descriptor
	IdentityFn   func(ctx context.Context) (string, error)
	CloseFn      func() error

	// Closed counts Close calls; tests assert handles are released.
	Closed atomic.Int32
}

var _ tenantdb.ConnectionHandle = (*ConnectionHandle)(nil)

// NewConnectionHandle returns a handle reporting the given descriptor and
// identity.
func NewConnectionHandle(d tenantdb.Descriptor, identity string) *ConnectionHandle {
	h := &ConnectionHandle{}
	h.DescriptorFn = func() tenantdb.Descriptor { return d }
	h.IdentityFn = func(ctx context.Context) (string, error) { return identity, nil }
	h.CloseFn = func() error { return nil }
	return h
}

// Descriptor returns the handle's descriptor via DescriptorFn.
func (h *ConnectionHandle) Descriptor() tenantdb.Descriptor { return h.DescriptorFn() }

// Identity returns the connected database identity via IdentityFn.
func (h *ConnectionHandle) Identity(ctx context.Context) (string, error) {
	return h.IdentityFn(ctx)
}

// Close records the call and delegates to CloseFn.
func (h *ConnectionHandle) Close() error {
	h.Closed.Add(1)
	return h.CloseFn()
}
