package meshtest

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"

	mesh "github.com/contentmesh/go-mesh"
)

// Store is an in-memory mesh.ContentStore.
type Store struct {
	lk     sync.RWMutex
	blocks map[cid.Cid][]byte
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{blocks: make(map[cid.Cid][]byte)}
}

func (s *Store) Has(_ context.Context, id cid.Cid) (bool, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	_, ok := s.blocks[id]
	return ok, nil
}

func (s *Store) Get(_ context.Context, id cid.Cid) ([]byte, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	data, ok := s.blocks[id]
	if !ok {
		return nil, mesh.ErrNotFound
	}
	return data, nil
}

func (s *Store) Put(_ context.Context, data []byte) (cid.Cid, error) {
	id, err := RawCID(data)
	if err != nil {
		return cid.Undef, err
	}
	s.PutBlock(id, data)
	return id, nil
}

// PutBlock stores data under the given CID without hashing it.
func (s *Store) PutBlock(id cid.Cid, data []byte) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.blocks[id] = data
}
