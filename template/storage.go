package template

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tenantdb/tenantdb"
	"github.com/tenantdb/tenantdb/kit/platform"
	"github.com/tenantdb/tenantdb/kv"
)

var (
	templateBucket       = []byte("templatesv1")
	templateIndex        = []byte("templateindexv1")
	migrationBucket      = []byte("templatemigrationsv1")
	migrationIndexBucket = []byte("templatemigrationindexv1")
)

// Store wraps the registry kv store with template/migration record access.
type Store struct {
	kvStore kv.Store

	IDGen platform.IDGenerator

	now func() time.Time
}

// NewStore constructs a template store over the provided kv store.
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

func templateIndexKey(name, version string) []byte {
	return []byte(strings.TrimSpace(name) + "/" + strings.TrimSpace(version))
}

// migrationIndexKey orders migrations of one template by sequence.
func migrationIndexKey(templateID platform.ID, seq int) []byte {
	encodedID, _ := templateID.Encode()
	return []byte(fmt.Sprintf("%s/%08d", encodedID, seq))
}

func migrationIndexPrefix(templateID platform.ID) []byte {
	encodedID, _ := templateID.Encode()
	return []byte(string(encodedID) + "/")
}

func unmarshalTemplate(v []byte) (*tenantdb.Template, error) {
	t := &tenantdb.Template{}
	if err := json.Unmarshal(v, t); err != nil {
		return nil, ErrCorruptTemplate(err)
	}
	return t, nil
}

func marshalTemplate(t *tenantdb.Template) ([]byte, error) {
	v, err := json.Marshal(t)
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}
	return v, nil
}

func unmarshalMigration(v []byte) (*tenantdb.Migration, error) {
	m := &tenantdb.Migration{}
	if err := json.Unmarshal(v, m); err != nil {
		return nil, ErrCorruptMigration(err)
	}
	return m, nil
}

func marshalMigration(m *tenantdb.Migration) ([]byte, error) {
	v, err := json.Marshal(m)
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}
	return v, nil
}

// GetTemplate fetches a template record by id.
func (s *Store) GetTemplate(ctx context.Context, tx kv.Tx, id platform.ID) (*tenantdb.Template, error) {
	encodedID, err := id.Encode()
	if err != nil {
		return nil, platform.ErrCorruptID(err)
	}

	b, err := tx.Bucket(templateBucket)
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}

	v, err := b.Get(encodedID)
	if kv.IsNotFound(err) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}

	return unmarshalTemplate(v)
}

// GetTemplateByNameVersion fetches a template record by its name+version index.
func (s *Store) GetTemplateByNameVersion(ctx context.Context, tx kv.Tx, name, version string) (*tenantdb.Template, error) {
	idx, err := tx.Bucket(templateIndex)
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}

	uid, err := idx.Get(templateIndexKey(name, version))
	if kv.IsNotFound(err) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}

	var id platform.ID
	if err := id.Decode(uid); err != nil {
		return nil, platform.ErrCorruptID(err)
	}
	return s.GetTemplate(ctx, tx, id)
}

// ListTemplates returns all templates matching filter.
func (s *Store) ListTemplates(ctx context.Context, tx kv.Tx, filter tenantdb.TemplateFilter) ([]*tenantdb.Template, error) {
	if filter.ID != nil {
		t, err := s.GetTemplate(ctx, tx, *filter.ID)
		if err != nil {
			return nil, err
		}
		return []*tenantdb.Template{t}, nil
	}

	b, err := tx.Bucket(templateBucket)
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}

	cursor, err := b.ForwardCursor(nil)
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}
	defer cursor.Close()

	ts := []*tenantdb.Template{}
	for k, v := cursor.Next(); k != nil; k, v = cursor.Next() {
		t, err := unmarshalTemplate(v)
		if err != nil {
			continue
		}
		if filter.Name != nil && t.Name != *filter.Name {
			continue
		}
		if filter.Version != nil && t.Version != *filter.Version {
			continue
		}
		if filter.Type != nil && t.Type != *filter.Type {
			continue
		}
		if filter.Active != nil && t.Active != *filter.Active {
			continue
		}
		ts = append(ts, t)
	}

	return ts, cursor.Err()
}

// CreateTemplate persists t, assigning its id and enforcing name+version
// uniqueness.
func (s *Store) CreateTemplate(ctx context.Context, tx kv.Tx, t *tenantdb.Template) error {
	idx, err := tx.Bucket(templateIndex)
	if err != nil {
		return ErrInternalServiceError(err)
	}

	key := templateIndexKey(t.Name, t.Version)
	if _, err := idx.Get(key); err == nil {
		return TemplateAlreadyExistsError(t.Name, t.Version)
	} else if !kv.IsNotFound(err) {
		return ErrInternalServiceError(err)
	}

	t.ID = s.IDGen.ID()
	encodedID, err := t.ID.Encode()
	if err != nil {
		return platform.ErrCorruptID(err)
	}

	t.CreatedAt = s.now()
	t.UpdatedAt = t.CreatedAt

	v, err := marshalTemplate(t)
	if err != nil {
		return err
	}

	b, err := tx.Bucket(templateBucket)
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

// PutTemplate overwrites the stored template record.
func (s *Store) PutTemplate(ctx context.Context, tx kv.Tx, t *tenantdb.Template) error {
	encodedID, err := t.ID.Encode()
	if err != nil {
		return platform.ErrCorruptID(err)
	}

	t.UpdatedAt = s.now()

	v, err := marshalTemplate(t)
	if err != nil {
		return err
	}

	b, err := tx.Bucket(templateBucket)
	if err != nil {
		return ErrInternalServiceError(err)
	}
	if err := b.Put(encodedID, v); err != nil {
		return ErrInternalServiceError(err)
	}
	return nil
}

// GetMigration fetches a migration record by id.
func (s *Store) GetMigration(ctx context.Context, tx kv.Tx, id platform.ID) (*tenantdb.Migration, error) {
	encodedID, err := id.Encode()
	if err != nil {
		return nil, platform.ErrCorruptID(err)
	}

	b, err := tx.Bucket(migrationBucket)
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}

	v, err := b.Get(encodedID)
	if kv.IsNotFound(err) {
		return nil, ErrMigrationNotFound
	}
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}

	return unmarshalMigration(v)
}

// ListMigrations returns the template's migrations in sequence order.
func (s *Store) ListMigrations(ctx context.Context, tx kv.Tx, templateID platform.ID) ([]*tenantdb.Migration, error) {
	idx, err := tx.Bucket(migrationIndexBucket)
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}

	prefix := migrationIndexPrefix(templateID)
	cursor, err := idx.ForwardCursor(prefix)
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}
	defer cursor.Close()

	ms := []*tenantdb.Migration{}
	for k, v := cursor.Next(); k != nil; k, v = cursor.Next() {
		if !strings.HasPrefix(string(k), string(prefix)) {
			break
		}
		var id platform.ID
		if err := id.Decode(v); err != nil {
			return nil, platform.ErrCorruptID(err)
		}
		m, err := s.GetMigration(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}

	return ms, cursor.Err()
}

// CreateMigration persists m, assigning its id and the next sequence
// number for the template.
func (s *Store) CreateMigration(ctx context.Context, tx kv.Tx, m *tenantdb.Migration) error {
	existing, err := s.ListMigrations(ctx, tx, m.TemplateID)
	if err != nil {
		return err
	}
	m.Sequence = len(existing) + 1

	m.ID = s.IDGen.ID()
	encodedID, err := m.ID.Encode()
	if err != nil {
		return platform.ErrCorruptID(err)
	}

	m.CreatedAt = s.now()

	v, err := marshalMigration(m)
	if err != nil {
		return err
	}

	b, err := tx.Bucket(migrationBucket)
	if err != nil {
		return ErrInternalServiceError(err)
	}
	idx, err := tx.Bucket(migrationIndexBucket)
	if err != nil {
		return ErrInternalServiceError(err)
	}

	if err := b.Put(encodedID, v); err != nil {
		return ErrInternalServiceError(err)
	}
	if err := idx.Put(migrationIndexKey(m.TemplateID, m.Sequence), encodedID); err != nil {
		return ErrInternalServiceError(err)
	}

	return nil
}
