package tenant

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tenantdb/tenantdb"
	"github.com/tenantdb/tenantdb/kit/platform"
	"github.com/tenantdb/tenantdb/kv"
)

var (
	appliedMigrationBucket = []byte("appliedmigrationsv1")
	customizationBucket    = []byte("customizationsv1")
	historyBucket          = []byte("schemahistoryv1")
)

// pairKey builds a composite tenant-scoped key. Snowflake ids are roughly
// time ordered, so iterating a tenant's prefix yields records in creation
// order.
func pairKey(tenantID, secondID platform.ID) []byte {
	a, _ := tenantID.Encode()
	b, _ := secondID.Encode()
	return []byte(string(a) + "/" + string(b))
}

func tenantPrefix(tenantID platform.ID) []byte {
	a, _ := tenantID.Encode()
	return []byte(string(a) + "/")
}

// PutAppliedMigration inserts or replaces the (tenant, migration) record.
// The composite key enforces the at-most-one-row invariant structurally.
func (s *Store) PutAppliedMigration(ctx context.Context, tx kv.Tx, am tenantdb.AppliedMigration) error {
	b, err := tx.Bucket(appliedMigrationBucket)
	if err != nil {
		return ErrInternalServiceError(err)
	}

	if am.AppliedAt.IsZero() {
		am.AppliedAt = s.now()
	}

	v, err := json.Marshal(am)
	if err != nil {
		return ErrInternalServiceError(err)
	}
	if err := b.Put(pairKey(am.TenantID, am.MigrationID), v); err != nil {
		return ErrInternalServiceError(err)
	}
	return nil
}

// ListAppliedMigrations lists all migration records for a tenant.
func (s *Store) ListAppliedMigrations(ctx context.Context, tx kv.Tx, tenantID platform.ID) ([]tenantdb.AppliedMigration, error) {
	b, err := tx.Bucket(appliedMigrationBucket)
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}

	prefix := tenantPrefix(tenantID)
	cursor, err := b.ForwardCursor(prefix)
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}
	defer cursor.Close()

	ams := []tenantdb.AppliedMigration{}
	for k, v := cursor.Next(); k != nil; k, v = cursor.Next() {
		if !strings.HasPrefix(string(k), string(prefix)) {
			break
		}
		var am tenantdb.AppliedMigration
		if err := json.Unmarshal(v, &am); err != nil {
			return nil, ErrInternalServiceError(err)
		}
		ams = append(ams, am)
	}

	return ams, cursor.Err()
}

// DeleteAppliedMigration removes the (tenant, migration) record; used when
// a rollback makes the migration applicable again.
func (s *Store) DeleteAppliedMigration(ctx context.Context, tx kv.Tx, tenantID, migrationID platform.ID) error {
	b, err := tx.Bucket(appliedMigrationBucket)
	if err != nil {
		return ErrInternalServiceError(err)
	}
	if err := b.Delete(pairKey(tenantID, migrationID)); err != nil {
		return ErrInternalServiceError(err)
	}
	return nil
}

// CreateCustomization persists a tenant-authored schema change record.
func (s *Store) CreateCustomization(ctx context.Context, tx kv.Tx, c *tenantdb.Customization) error {
	c.ID = s.IDGen.ID()
	c.CreatedAt = s.now()
	c.Active = true

	b, err := tx.Bucket(customizationBucket)
	if err != nil {
		return ErrInternalServiceError(err)
	}

	v, err := json.Marshal(c)
	if err != nil {
		return ErrInternalServiceError(err)
	}
	if err := b.Put(pairKey(c.TenantID, c.ID), v); err != nil {
		return ErrInternalServiceError(err)
	}
	return nil
}

// ListCustomizations lists a tenant's customizations in creation order.
func (s *Store) ListCustomizations(ctx context.Context, tx kv.Tx, tenantID platform.ID, activeOnly bool) ([]tenantdb.Customization, error) {
	b, err := tx.Bucket(customizationBucket)
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}

	prefix := tenantPrefix(tenantID)
	cursor, err := b.ForwardCursor(prefix)
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}
	defer cursor.Close()

	cs := []tenantdb.Customization{}
	for k, v := cursor.Next(); k != nil; k, v = cursor.Next() {
		if !strings.HasPrefix(string(k), string(prefix)) {
			break
		}
		var c tenantdb.Customization
		if err := json.Unmarshal(v, &c); err != nil {
			return nil, ErrInternalServiceError(err)
		}
		if activeOnly && !c.Active {
			continue
		}
		cs = append(cs, c)
	}

	return cs, cursor.Err()
}

// CreateHistoryEntry appends an immutable schema history entry.
func (s *Store) CreateHistoryEntry(ctx context.Context, tx kv.Tx, e *tenantdb.HistoryEntry) error {
	e.ID = s.IDGen.ID()
	if e.AppliedAt.IsZero() {
		e.AppliedAt = s.now()
	}

	b, err := tx.Bucket(historyBucket)
	if err != nil {
		return ErrInternalServiceError(err)
	}

	v, err := json.Marshal(e)
	if err != nil {
		return ErrInternalServiceError(err)
	}
	if err := b.Put(pairKey(e.TenantID, e.ID), v); err != nil {
		return ErrInternalServiceError(err)
	}
	return nil
}

// ListHistory lists a tenant's schema history in application order.
func (s *Store) ListHistory(ctx context.Context, tx kv.Tx, tenantID platform.ID) ([]tenantdb.HistoryEntry, error) {
	b, err := tx.Bucket(historyBucket)
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}

	prefix := tenantPrefix(tenantID)
	cursor, err := b.ForwardCursor(prefix)
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}
	defer cursor.Close()

	es := []tenantdb.HistoryEntry{}
	for k, v := cursor.Next(); k != nil; k, v = cursor.Next() {
		if !strings.HasPrefix(string(k), string(prefix)) {
			break
		}
		var e tenantdb.HistoryEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return nil, ErrInternalServiceError(err)
		}
		es = append(es, e)
	}

	return es, cursor.Err()
}

// GetHistoryEntry fetches one schema history entry.
func (s *Store) GetHistoryEntry(ctx context.Context, tx kv.Tx, tenantID, entryID platform.ID) (*tenantdb.HistoryEntry, error) {
	b, err := tx.Bucket(historyBucket)
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}

	v, err := b.Get(pairKey(tenantID, entryID))
	if kv.IsNotFound(err) {
		return nil, ErrHistoryEntryNotFound
	}
	if err != nil {
		return nil, ErrInternalServiceError(err)
	}

	e := &tenantdb.HistoryEntry{}
	if err := json.Unmarshal(v, e); err != nil {
		return nil, ErrInternalServiceError(err)
	}
	return e, nil
}
