package local

import (
	"context"
	"testing"

	"github.com/ipfs/boxo/ipld/merkledag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentmesh/go-mesh/engine"
	"github.com/contentmesh/go-mesh/meshtest"
)

func TestExchange_Get(t *testing.T) {
	store := meshtest.NewStore()
	id, err := store.Put(context.Background(), meshtest.RandBytes(32))
	require.NoError(t, err)

	waker := engine.NewWaker()
	ex := NewExchange(store, waker)

	qid := ex.Get(id, nil)
	select {
	case <-waker.C():
	default:
		t.Fatal("waker not signalled")
	}

	ev, ok := ex.Poll()
	require.True(t, ok)
	assert.Equal(t, qid, ev.ID)
	assert.Equal(t, engine.BlockComplete, ev.Kind)
	assert.NoError(t, ev.Err)

	qid = ex.Get(meshtest.RandCID(t), nil)
	ev, ok = ex.Poll()
	require.True(t, ok)
	assert.Equal(t, qid, ev.ID)
	assert.True(t, IsNotFound(ev.Err))

	_, ok = ex.Poll()
	assert.False(t, ok)
}

func TestExchange_Sync(t *testing.T) {
	store := meshtest.NewStore()
	leafA := merkledag.NewRawNode(meshtest.RandBytes(32))
	leafB := merkledag.NewRawNode(meshtest.RandBytes(32))
	root := new(merkledag.ProtoNode)
	require.NoError(t, root.AddNodeLink("a", leafA))
	require.NoError(t, root.AddNodeLink("b", leafB))
	store.PutBlock(root.Cid(), root.RawData())
	store.PutBlock(leafA.Cid(), leafA.RawData())

	ex := NewExchange(store, nil)
	qid := ex.Sync(root.Cid(), nil)

	var progress []int
	for {
		ev, ok := ex.Poll()
		require.True(t, ok)
		require.Equal(t, qid, ev.ID)
		if ev.Kind == engine.BlockComplete {
			// leafB is missing from the store
			assert.True(t, IsNotFound(ev.Err))
			break
		}
		progress = append(progress, ev.Missing)
	}
	assert.Equal(t, []int{2, 1}, progress)

	store.PutBlock(leafB.Cid(), leafB.RawData())
	ex.Sync(root.Cid(), nil)
	for {
		ev, ok := ex.Poll()
		require.True(t, ok)
		if ev.Kind == engine.BlockComplete {
			assert.NoError(t, ev.Err)
			break
		}
	}
}

func TestExchange_Cancel(t *testing.T) {
	store := meshtest.NewStore()
	ex := NewExchange(store, nil)

	qid := ex.Get(meshtest.RandCID(t), nil)
	ex.Cancel(qid)

	_, ok := ex.Poll()
	assert.False(t, ok)
}

func TestExchange_CancelAfterCompletion(t *testing.T) {
	store := meshtest.NewStore()
	ex := NewExchange(store, nil)

	qid := ex.Get(meshtest.RandCID(t), nil)
	ev, ok := ex.Poll()
	require.True(t, ok)
	require.Equal(t, engine.BlockComplete, ev.Kind)

	// cancelling a finished query leaves nothing behind
	ex.Cancel(qid)
	assert.Zero(t, ex.Tracked())

	// and does not swallow events of later queries
	next := ex.Get(meshtest.RandCID(t), nil)
	ev, ok = ex.Poll()
	require.True(t, ok)
	assert.Equal(t, next, ev.ID)
	assert.Zero(t, ex.Tracked())
}
