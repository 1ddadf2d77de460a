package store

import (
	"testing"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"
)

// NewTestStore creates an in memory Store which is useful for testing.
func NewTestStore(tb testing.TB, opts ...Option) *Store {
	store, err := NewStore(sync.MutexWrap(datastore.NewMapDatastore()), opts...)
	require.NoError(tb, err)
	return store
}
