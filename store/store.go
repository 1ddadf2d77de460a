package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/boxo/blockstore"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	ipld "github.com/ipfs/go-ipld-format"
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/zap/zapcore"

	mesh "github.com/contentmesh/go-mesh"
)

var log = logging.Logger("mesh/store")

var (
	// defaultStorePrefix defines default datastore prefix
	defaultStorePrefix = datastore.NewKey("content")
	// ErrCIDMismatch is returned when block bytes do not hash to the given CID.
	ErrCIDMismatch = errors.New("store: data does not match cid")
	// ErrBlockTooLarge is returned for blocks above Parameters.MaxBlockSize.
	ErrBlockTooLarge = errors.New("store: block too large")
)

// Store implements mesh.ContentStore over Datastore. It keeps blocks in a
// boxo blockstore and caches recently used ones in memory.
type Store struct {
	// underlying KV store
	ds datastore.Batching
	// blockstore over ds, shared with the block exchange
	bs blockstore.Blockstore
	// adaptive replacement cache of block bytes
	cache *lru.TwoQueueCache[cid.Cid, []byte]
	// metrics collection instance
	metrics *metrics

	Params Parameters
}

var _ mesh.ContentStore = (*Store)(nil)

// NewStore constructs a Store over datastore. The datastore must be safe for
// concurrent use, e.g. wrapped with sync.MutexWrap.
func NewStore(ds datastore.Batching, opts ...Option) (*Store, error) {
	params := DefaultParameters()
	for _, opt := range opts {
		opt(&params)
	}

	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("mesh/store: store creation failed: %w", err)
	}

	cache, err := lru.New2Q[cid.Cid, []byte](params.StoreCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create block cache: %w", err)
	}

	prefix := params.storePrefix
	if len(prefix.String()) == 0 || prefix.String() == "/" {
		prefix = defaultStorePrefix
	}
	wrappedStore := namespace.Wrap(ds, prefix)

	var metrics *metrics
	if params.metrics {
		metrics, err = newMetrics()
		if err != nil {
			return nil, err
		}
	}

	return &Store{
		ds:      wrappedStore,
		bs:      blockstore.NewBlockstore(wrappedStore),
		cache:   cache,
		metrics: metrics,
		Params:  params,
	}, nil
}

// Blockstore exposes the underlying blockstore, e.g. for the block exchange
// to write fetched blocks into.
func (s *Store) Blockstore() blockstore.Blockstore {
	return s.bs
}

// Has reports whether the block is stored.
func (s *Store) Has(ctx context.Context, id cid.Cid) (bool, error) {
	if s.cache.Contains(id) {
		return true, nil
	}
	return s.bs.Has(ctx, id)
}

// Get returns the block bytes or mesh.ErrNotFound.
func (s *Store) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	if data, ok := s.cache.Get(id); ok {
		s.metrics.cacheLookup(ctx, true)
		return data, nil
	}
	s.metrics.cacheLookup(ctx, false)

	startTime := time.Now()
	blk, err := s.bs.Get(ctx, id)
	s.metrics.readSingle(ctx, time.Since(startTime), err != nil && !ipld.IsNotFound(err))
	switch {
	case ipld.IsNotFound(err):
		return nil, fmt.Errorf("%w: %s", mesh.ErrNotFound, id)
	case err != nil:
		return nil, fmt.Errorf("mesh/store: reading %s: %w", id, err)
	}

	data := blk.RawData()
	s.cache.Add(id, data)
	return data, nil
}

// Put stores the bytes under a CID computed with Parameters.Prefix.
func (s *Store) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	id, err := s.Params.Prefix.Sum(data)
	if err != nil {
		return cid.Undef, fmt.Errorf("mesh/store: hashing block: %w", err)
	}
	return id, s.put(ctx, id, data)
}

// PutBlock stores bytes addressed by an externally provided CID of any codec.
// The bytes must hash to the CID.
func (s *Store) PutBlock(ctx context.Context, id cid.Cid, data []byte) error {
	sum, err := id.Prefix().Sum(data)
	if err != nil {
		return fmt.Errorf("mesh/store: hashing block: %w", err)
	}
	if !sum.Equals(id) {
		return fmt.Errorf("%w: %s", ErrCIDMismatch, id)
	}
	return s.put(ctx, id, data)
}

func (s *Store) put(ctx context.Context, id cid.Cid, data []byte) error {
	if len(data) > s.Params.MaxBlockSize {
		return fmt.Errorf("%w: %d bytes", ErrBlockTooLarge, len(data))
	}

	blk, err := blocks.NewBlockWithCid(data, id)
	if err != nil {
		return fmt.Errorf("mesh/store: building block: %w", err)
	}
	if err := s.bs.Put(ctx, blk); err != nil {
		return fmt.Errorf("mesh/store: writing %s: %w", id, err)
	}
	s.cache.Add(id, data)
	s.metrics.written(ctx, len(data))

	if log.Level() == zapcore.DebugLevel {
		log.Debugw("stored block", "cid", id, "size", len(data))
	}
	return nil
}

// Delete removes the block. Deleting an absent block is not an error.
func (s *Store) Delete(ctx context.Context, id cid.Cid) error {
	s.cache.Remove(id)
	if err := s.bs.DeleteBlock(ctx, id); err != nil && !ipld.IsNotFound(err) {
		return fmt.Errorf("mesh/store: deleting %s: %w", id, err)
	}
	return nil
}
