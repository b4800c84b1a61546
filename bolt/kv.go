package bolt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tenantdb/tenantdb/kv"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// KVStore is a kv.Store backed by boltdb.
type KVStore struct {
	path string
	db   *bolt.DB
	log  *zap.Logger
}

// NewKVStore returns an instance of KVStore with the file at
// the provided path.
func NewKVStore(log *zap.Logger, path string) *KVStore {
	return &KVStore{
		path: path,
		log:  log,
	}
}

// Open creates the boltDB file if it doesn't exist and opens it otherwise.
func (s *KVStore) Open(ctx context.Context) error {
	// Ensure the required directory structure exists.
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("unable to create directory %s: %v", s.path, err)
	}

	if _, err := os.Stat(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}

	// Open database file.
	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return fmt.Errorf("unable to open boltdb file %v", err)
	}
	s.db = db

	s.log.Info("Resources opened", zap.String("path", s.path))
	return nil
}

// Close the connection to the bolt database.
func (s *KVStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// WithDB sets the boltdb on the store.
func (s *KVStore) WithDB(db *bolt.DB) {
	s.db = db
}

// View opens up a view transaction against the store.
func (s *KVStore) View(ctx context.Context, fn func(tx kv.Tx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&Tx{
			tx:  tx,
			ctx: ctx,
		})
	})
}

// Update opens up an update transaction against the store.
func (s *KVStore) Update(ctx context.Context, fn func(tx kv.Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&Tx{
			tx:  tx,
			ctx: ctx,
		})
	})
}

// Tx is a light wrapper around a boltdb transaction. It implements kv.Tx.
type Tx struct {
	tx  *bolt.Tx
	ctx context.Context
}

// Context returns the context for the transaction.
func (tx *Tx) Context() context.Context {
	return tx.ctx
}

// WithContext sets the context for the transaction.
func (tx *Tx) WithContext(ctx context.Context) {
	tx.ctx = ctx
}

// Bucket retrieves the bucket named b, creating it on first use inside a
// writable transaction. A read transaction sees an absent bucket as an
// empty view; writes through it still fail with ErrTxNotWritable.
func (tx *Tx) Bucket(b []byte) (kv.Bucket, error) {
	bkt := tx.tx.Bucket(b)
	if bkt == nil {
		if !tx.tx.Writable() {
			return emptyBucket{}, nil
		}
		var err error
		bkt, err = tx.tx.CreateBucketIfNotExists(b)
		if err != nil {
			return nil, err
		}
	}
	return &Bucket{
		bucket: bkt,
	}, nil
}

// emptyBucket is the read view of a bucket no write transaction has
// created yet.
type emptyBucket struct{}

func (emptyBucket) Get(key []byte) ([]byte, error) { return nil, kv.ErrKeyNotFound }
func (emptyBucket) Put(key, value []byte) error    { return kv.ErrTxNotWritable }
func (emptyBucket) Delete(key []byte) error        { return kv.ErrTxNotWritable }

func (emptyBucket) Cursor() (kv.Cursor, error) {
	return kv.NewStaticCursor(nil), nil
}

func (emptyBucket) ForwardCursor(seek []byte) (kv.ForwardCursor, error) {
	return kv.NewStaticForwardCursor(nil, seek), nil
}

// Bucket implements kv.Bucket.
type Bucket struct {
	bucket *bolt.Bucket
}

// Get retrieves the value at the provided key.
func (b *Bucket) Get(key []byte) ([]byte, error) {
	val := b.bucket.Get(key)
	if len(val) == 0 {
		return nil, kv.ErrKeyNotFound
	}

	return val, nil
}

// Put sets the value at the provided key.
func (b *Bucket) Put(key []byte, value []byte) error {
	err := b.bucket.Put(key, value)
	if err == bolt.ErrTxNotWritable {
		return kv.ErrTxNotWritable
	}
	return err
}

// Delete removes the provided key.
func (b *Bucket) Delete(key []byte) error {
	err := b.bucket.Delete(key)
	if err == bolt.ErrTxNotWritable {
		return kv.ErrTxNotWritable
	}
	return err
}

// Cursor retrieves a cursor for iterating through the entries
// in the key value store.
func (b *Bucket) Cursor() (kv.Cursor, error) {
	return &Cursor{
		cursor: b.bucket.Cursor(),
	}, nil
}

// ForwardCursor retrieves a forward cursor for iterating through the entries
// in the key value store in a single direction.
func (b *Bucket) ForwardCursor(seek []byte) (kv.ForwardCursor, error) {
	cursor := b.bucket.Cursor()

	var k, v []byte
	if len(seek) == 0 {
		k, v = cursor.First()
	} else {
		k, v = cursor.Seek(seek)
	}

	return &forwardCursor{cursor: cursor, k: k, v: v}, nil
}

// Cursor is a struct for iterating through the entries
// in the key value store.
type Cursor struct {
	cursor *bolt.Cursor
}

// Seek seeks for the first key that matches the prefix provided.
func (c *Cursor) Seek(prefix []byte) ([]byte, []byte) {
	k, v := c.cursor.Seek(prefix)
	if !bytes.HasPrefix(k, prefix) {
		return nil, nil
	}
	if len(v) == 0 {
		return k, nil
	}
	return k, v
}

// First retrieves the first key value pair in the bucket.
func (c *Cursor) First() ([]byte, []byte) {
	k, v := c.cursor.First()
	if len(v) == 0 {
		return k, nil
	}
	return k, v
}

// Last retrieves the last key value pair in the bucket.
func (c *Cursor) Last() ([]byte, []byte) {
	k, v := c.cursor.Last()
	if len(v) == 0 {
		return k, nil
	}
	return k, v
}

// Next retrieves the next key in the bucket.
func (c *Cursor) Next() ([]byte, []byte) {
	k, v := c.cursor.Next()
	if len(v) == 0 {
		return k, nil
	}
	return k, v
}

// Prev retrieves the previous key in the bucket.
func (c *Cursor) Prev() ([]byte, []byte) {
	k, v := c.cursor.Prev()
	if len(v) == 0 {
		return k, nil
	}
	return k, v
}

// forwardCursor is a kv.ForwardCursor over a bolt cursor.
type forwardCursor struct {
	cursor *bolt.Cursor
	k, v   []byte
	primed bool
}

func (c *forwardCursor) Next() ([]byte, []byte) {
	if !c.primed {
		c.primed = true
		return c.k, c.v
	}
	return c.cursor.Next()
}

func (c *forwardCursor) Err() error { return nil }

func (c *forwardCursor) Close() error { return nil }
