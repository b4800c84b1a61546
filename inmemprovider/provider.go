// Package inmemprovider implements the database lifecycle provider over an
// in-memory database fleet. It is the default development backend and the
// provider used by tests; every database is a held schema snapshot plus
// its seed rows, with a uuid identity that the safety guard verifies on
// every context switch.
package inmemprovider

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tenantdb/tenantdb"
	"github.com/tenantdb/tenantdb/kit/platform/errors"
	"github.com/tenantdb/tenantdb/schema"
)

// BackendName is the configuration name this provider registers under.
const BackendName = "inmem"

// ErrDatabaseNotFound is returned for operations on unknown databases.
var ErrDatabaseNotFound = &errors.Error{
	Code: errors.ENotFound,
	Msg:  "database not found",
}

// ErrHandleClosed is returned when operating through a closed handle.
var ErrHandleClosed = &errors.Error{
	Code: errors.EInternal,
	Msg:  "connection handle is closed",
}

type database struct {
	descriptor tenantdb.Descriptor
	identity   string
	snapshot   schema.Snapshot
	rows       []schema.SeedRow
}

// Provider is an in-memory DatabaseProvider.
type Provider struct {
	mu        sync.RWMutex
	databases map[string]*database
	seq       atomic.Uint64
}

var _ tenantdb.DatabaseProvider = (*Provider)(nil)

// NewProvider constructs an empty in-memory fleet.
func NewProvider() *Provider {
	return &Provider{databases: map[string]*database{}}
}

// CreateDatabase provisions a fresh database. The returned descriptor
// carries the generated database name and its uuid instance identity.
func (p *Provider) CreateDatabase(ctx context.Context, d tenantdb.Descriptor) (tenantdb.Descriptor, tenantdb.ConnectionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := d.Database
	if name == "" {
		name = fmt.Sprintf("tenant_%06d", p.seq.Add(1))
	}
	if _, ok := p.databases[name]; ok {
		return tenantdb.Descriptor{}, nil, &errors.Error{
			Code: errors.EConflict,
			Msg:  fmt.Sprintf("database %q already exists", name),
		}
	}

	db := &database{
		identity: uuid.NewString(),
	}
	db.descriptor = tenantdb.Descriptor{
		Backend:  BackendName,
		Database: name,
		Instance: db.identity,
	}
	p.databases[name] = db

	return db.descriptor, &handle{provider: p, descriptor: db.descriptor}, nil
}

// Open returns a handle to an existing database.
func (p *Provider) Open(ctx context.Context, d tenantdb.Descriptor) (tenantdb.ConnectionHandle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	db, ok := p.databases[d.Database]
	if !ok {
		return nil, ErrDatabaseNotFound
	}
	return &handle{provider: p, descriptor: db.descriptor}, nil
}

// DropDatabase destroys the database. Open handles against it fail on the
// next operation.
func (p *Provider) DropDatabase(ctx context.Context, d tenantdb.Descriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.databases[d.Database]; !ok {
		return ErrDatabaseNotFound
	}
	delete(p.databases, d.Database)
	return nil
}

// ExecuteChangeSet applies the change set to the database's schema as one
// unit: either every change applies or the schema is left untouched.
func (p *Provider) ExecuteChangeSet(ctx context.Context, h tenantdb.ConnectionHandle, cs schema.ChangeSet) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	db, err := p.lookup(h)
	if err != nil {
		return err
	}
	next, err := cs.ApplyTo(db.snapshot)
	if err != nil {
		return err
	}
	db.snapshot = next
	return nil
}

// ApplySeed validates the rows against the current schema and inserts
// them.
func (p *Provider) ApplySeed(ctx context.Context, h tenantdb.ConnectionHandle, seed schema.SeedSet) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	db, err := p.lookup(h)
	if err != nil {
		return err
	}
	if err := seed.Validate(db.snapshot); err != nil {
		return err
	}
	db.rows = append(db.rows, seed...)
	return nil
}

// IntrospectSchema returns a copy of the database's live schema.
func (p *Provider) IntrospectSchema(ctx context.Context, h tenantdb.ConnectionHandle) (schema.Snapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	db, err := p.lookup(h)
	if err != nil {
		return schema.Snapshot{}, err
	}
	return db.snapshot.Clone(), nil
}

// RestoreSchema forces the database's schema to exactly match the
// snapshot.
func (p *Provider) RestoreSchema(ctx context.Context, h tenantdb.ConnectionHandle, s schema.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	db, err := p.lookup(h)
	if err != nil {
		return err
	}
	db.snapshot = s.Clone()
	return nil
}

// Rows returns a copy of the seeded rows of a database; used by tests to
// observe seed application.
func (p *Provider) Rows(database string) []schema.SeedRow {
	p.mu.RLock()
	defer p.mu.RUnlock()

	db, ok := p.databases[database]
	if !ok {
		return nil
	}
	return append([]schema.SeedRow(nil), db.rows...)
}

func (p *Provider) lookup(h tenantdb.ConnectionHandle) (*database, error) {
	hh, ok := h.(*handle)
	if !ok || hh.closed.Load() {
		return nil, ErrHandleClosed
	}
	db, ok := p.databases[hh.descriptor.Database]
	if !ok {
		return nil, ErrDatabaseNotFound
	}
	return db, nil
}

type handle struct {
	provider   *Provider
	descriptor tenantdb.Descriptor
	closed     atomic.Bool
}

var _ tenantdb.ConnectionHandle = (*handle)(nil)

// Descriptor returns the descriptor the handle was opened against.
func (h *handle) Descriptor() tenantdb.Descriptor { return h.descriptor }

// Identity asks the connected database for its own identity.
func (h *handle) Identity(ctx context.Context) (string, error) {
	h.provider.mu.RLock()
	defer h.provider.mu.RUnlock()

	if h.closed.Load() {
		return "", ErrHandleClosed
	}
	db, ok := h.provider.databases[h.descriptor.Database]
	if !ok {
		return "", ErrDatabaseNotFound
	}
	return db.identity, nil
}

// Close releases the handle. Closing twice is allowed.
func (h *handle) Close() error {
	h.closed.Store(true)
	return nil
}
