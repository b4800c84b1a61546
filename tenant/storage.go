package tenant

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/tenantdb/tenantdb"
	"github.com/tenantdb/tenantdb/kit/platform"
	"github.com/tenantdb/tenantdb/kv"
)

var (
	tenantBucket = []byte("tenantsv1")
	tenantIndex  = []byte("tenantindexv1")
)

// Store wraps the registry kv store with tenant record access. It owns the
// Tenant and AppliedMigration records exclusively; no other subsystem
// writes them.
type Store struct {
	kvStore kv.Store

	IDGen platform.IDGenerator

	now func() time.Time
}

// NewStore constructs a tenant store over the provided kv store.
func NewStore(kvStore kv.Store, idGen platform.IDGenerator) *Store {
	return &Store{
		kvStore: kvStore,
		IDGen:   idGen,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// View opens a read transaction against the store.
func (s *Store) View(ctx context.Context, fn func(kv.Tx) error) error {
	return s.kvStore.View(ctx, fn)
}

// Update opens a write transaction against the store.
func (s *Store) Update(ctx context.Context, fn func(kv.Tx) error) error {
	return s.kvStore.Update(ctx, fn)
}

func tenantIndexKey(n string) []byte {
	return []byte(strings.TrimSpace(n))
}

func unmarshalTenant(v []byte) (*tenantdb.Tenant, error) {
	t := &tenantdb.Tenant{}
	if err := json.Unmarshal(v, t); err != nil {
		return nil, ErrCorruptTenant(err)
	}
	return t, nil
}

func marshalTenant(t *tenantdb.Tenant) ([]byte, error) {
	v, err := json.Marshal(t)
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}
	return v, nil
}

// GetTenant fetches a tenant record by id.
func (s *Store) GetTenant(ctx context.Context, tx kv.Tx, id platform.ID) (*tenantdb.Tenant, error) {
	encodedID, err := id.Encode()
	if err != nil {
		return nil, platform.ErrCorruptID(err)
	}

	b, err := tx.Bucket(tenantBucket)
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}

	v, err := b.Get(encodedID)
	if kv.IsNotFound(err) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}

	return unmarshalTenant(v)
}

// GetTenantByName fetches a tenant record by its name index.
func (s *Store) GetTenantByName(ctx context.Context, tx kv.Tx, n string) (*tenantdb.Tenant, error) {
	idx, err := tx.Bucket(tenantIndex)
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}

	uid, err := idx.Get(tenantIndexKey(n))
	if kv.IsNotFound(err) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}

	var id platform.ID
	if err := id.Decode(uid); err != nil {
		return nil, platform.ErrCorruptID(err)
	}
	return s.GetTenant(ctx, tx, id)
}

// ListTenants returns all tenants matching filter.
func (s *Store) ListTenants(ctx context.Context, tx kv.Tx, filter tenantdb.TenantFilter) ([]*tenantdb.Tenant, error) {
	if filter.ID != nil {
		t, err := s.GetTenant(ctx, tx, *filter.ID)
		if err != nil {
			return nil, err
		}
		return []*tenantdb.Tenant{t}, nil
	}
	if filter.Name != nil {
		t, err := s.GetTenantByName(ctx, tx, *filter.Name)
		if err != nil {
			return nil, err
		}
		return []*tenantdb.Tenant{t}, nil
	}

	b, err := tx.Bucket(tenantBucket)
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}

	cursor, err := b.ForwardCursor(nil)
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}
	defer cursor.Close()

	ts := []*tenantdb.Tenant{}
	for k, v := cursor.Next(); k != nil; k, v = cursor.Next() {
		t, err := unmarshalTenant(v)
		if err != nil {
			continue
		}
		if filter.TemplateID != nil && t.TemplateID != *filter.TemplateID {
			continue
		}
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		ts = append(ts, t)
	}

	return ts, cursor.Err()
}

// CreateTenant persists t in status requested, assigning its id and
// enforcing name uniqueness.
func (s *Store) CreateTenant(ctx context.Context, tx kv.Tx, t *tenantdb.Tenant) error {
	key := tenantIndexKey(t.Name)
	if len(key) == 0 {
		return ErrNameisEmpty
	}

	idx, err := tx.Bucket(tenantIndex)
	if err != nil {
		return ErrInternalServiceError(err)
	}

	if _, err := idx.Get(key); err == nil {
		return TenantAlreadyExistsError(t.Name)
	} else if !kv.IsNotFound(err) {
		return ErrInternalServiceError(err)
	}

	t.ID = s.IDGen.ID()
	encodedID, err := t.ID.Encode()
	if err != nil {
		return platform.ErrCorruptID(err)
	}

	t.Status = tenantdb.TenantStatusRequested
	t.Drift = tenantdb.DriftNone
	t.CreatedAt = s.now()
	t.UpdatedAt = t.CreatedAt

	v, err := marshalTenant(t)
	if err != nil {
		return err
	}

	b, err := tx.Bucket(tenantBucket)
	if err != nil {
		return ErrInternalServiceError(err)
	}

	if err := idx.Put(key, encodedID); err != nil {
		return ErrInternalServiceError(err)
	}
	if err := b.Put(encodedID, v); err != nil {
		return ErrInternalServiceError(err)
	}

	return nil
}

// PutTenant overwrites the stored tenant record.
func (s *Store) PutTenant(ctx context.Context, tx kv.Tx, t *tenantdb.Tenant) error {
	encodedID, err := t.ID.Encode()
	if err != nil {
		return platform.ErrCorruptID(err)
	}

	t.UpdatedAt = s.now()

	v, err := marshalTenant(t)
	if err != nil {
		return err
	}

	b, err := tx.Bucket(tenantBucket)
	if err != nil {
		return ErrInternalServiceError(err)
	}
	if err := b.Put(encodedID, v); err != nil {
		return ErrInternalServiceError(err)
	}
	return nil
}
