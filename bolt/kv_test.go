package bolt_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tenantdb/tenantdb/bolt"
	"github.com/tenantdb/tenantdb/kv"
	"go.uber.org/zap/zaptest"
)

func newTestKVStore(t *testing.T) *bolt.KVStore {
	t.Helper()
	s := bolt.NewKVStore(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "test.bolt"))
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestKVStoreReadAbsentBucket(t *testing.T) {
	s := newTestKVStore(t)
	ctx := context.Background()

	// a read transaction over a bucket no write has created yet sees an
	// empty view
	err := s.View(ctx, func(tx kv.Tx) error {
		b, err := tx.Bucket([]byte("neverwritten"))
		require.NoError(t, err)

		_, err = b.Get([]byte("k"))
		assert.True(t, kv.IsNotFound(err))

		cur, err := b.ForwardCursor(nil)
		require.NoError(t, err)
		defer cur.Close()
		k, _ := cur.Next()
		assert.Nil(t, k)

		// the view stays read-only
		assert.Equal(t, kv.ErrTxNotWritable, b.Put([]byte("k"), []byte("v")))
		assert.Equal(t, kv.ErrTxNotWritable, b.Delete([]byte("k")))
		return nil
	})
	require.NoError(t, err)
}

func TestKVStoreRoundTrip(t *testing.T) {
	s := newTestKVStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx kv.Tx) error {
		b, err := tx.Bucket([]byte("tenants"))
		require.NoError(t, err)
		return b.Put([]byte("k"), []byte("v"))
	}))

	err := s.View(ctx, func(tx kv.Tx) error {
		b, err := tx.Bucket([]byte("tenants"))
		require.NoError(t, err)
		v, err := b.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v)
		return nil
	})
	require.NoError(t, err)
}
