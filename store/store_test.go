package store

import (
	"context"
	"testing"
	"time"

	"github.com/ipfs/boxo/ipld/merkledag"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mesh "github.com/contentmesh/go-mesh"
	"github.com/contentmesh/go-mesh/meshtest"
)

func TestStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	store := NewTestStore(t, WithStoreCacheSize(8))

	data := meshtest.RandBytes(256)
	id, err := store.Put(ctx, data)
	require.NoError(t, err)

	want, err := meshtest.RawCID(data)
	require.NoError(t, err)
	assert.True(t, want.Equals(id))

	ok, err := store.Has(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	missing := meshtest.RandCID(t)
	ok, err = store.Has(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Get(ctx, missing)
	assert.ErrorIs(t, err, mesh.ErrNotFound)
}

func TestStore_Persisted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	ds := sync.MutexWrap(datastore.NewMapDatastore())
	store, err := NewStore(ds)
	require.NoError(t, err)

	data := meshtest.RandBytes(64)
	id, err := store.Put(ctx, data)
	require.NoError(t, err)

	// a fresh Store over the same datastore starts with a cold cache
	reopened, err := NewStore(ds)
	require.NoError(t, err)
	got, err := reopened.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// distinct prefixes do not see each other's blocks
	other, err := NewStore(ds, WithStorePrefix("other"))
	require.NoError(t, err)
	ok, err := other.Has(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_PutBlock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	store := NewTestStore(t)

	leaf := merkledag.NewRawNode(meshtest.RandBytes(32))
	root := new(merkledag.ProtoNode)
	require.NoError(t, root.AddNodeLink("leaf", leaf))

	require.NoError(t, store.PutBlock(ctx, root.Cid(), root.RawData()))
	got, err := store.Get(ctx, root.Cid())
	require.NoError(t, err)
	assert.Equal(t, root.RawData(), got)

	err = store.PutBlock(ctx, root.Cid(), leaf.RawData())
	assert.ErrorIs(t, err, ErrCIDMismatch)
}

func TestStore_Delete(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	store := NewTestStore(t)

	id, err := store.Put(ctx, meshtest.RandBytes(16))
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, id))
	require.NoError(t, store.Delete(ctx, id))

	ok, err := store.Has(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_MaxBlockSize(t *testing.T) {
	store := NewTestStore(t, WithMaxBlockSize(8))

	_, err := store.Put(context.Background(), meshtest.RandBytes(9))
	assert.ErrorIs(t, err, ErrBlockTooLarge)
}
