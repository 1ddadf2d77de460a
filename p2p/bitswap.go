package p2p

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ipfs/boxo/bitswap"
	"github.com/ipfs/boxo/bitswap/network/bsnet"
	"github.com/ipfs/boxo/blockstore"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"golang.org/x/sync/errgroup"

	mesh "github.com/contentmesh/go-mesh"
	"github.com/contentmesh/go-mesh/engine"
)

// syncParallelism bounds concurrent block fetches of a single Sync.
const syncParallelism = 8

// Bitswap is the engine.BlockExchange over boxo bitswap. Fetched blocks are
// written into the given blockstore by bitswap itself.
type Bitswap struct {
	eventQueue[engine.BlockExchangeEvent]

	host   host.Host
	bs     *bitswap.Bitswap
	bstore blockstore.Blockstore

	nextID  atomic.Uint64
	queryLk sync.Mutex
	queries map[engine.QueryID]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
}

var _ engine.BlockExchange = (*Bitswap)(nil)

// NewBitswap starts bitswap on the host. Providers of content are looked up
// through providers when the explicitly given ones do not have it.
func NewBitswap(
	h host.Host,
	waker *engine.Waker,
	bstore blockstore.Blockstore,
	providers routing.ContentDiscovery,
) *Bitswap {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bitswap{
		host:    h,
		bs:      bitswap.New(ctx, bsnet.NewFromIpfsHost(h), providers, bstore),
		bstore:  bstore,
		queries: make(map[engine.QueryID]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
	b.waker = waker
	return b
}

func (b *Bitswap) Stop(context.Context) error {
	b.cancel()
	return b.bs.Close()
}

func (b *Bitswap) Get(id cid.Cid, providers []peer.ID) engine.QueryID {
	return b.start(providers, func(ctx context.Context, _ engine.QueryID) error {
		_, err := b.fetch(ctx, id)
		return err
	})
}

func (b *Bitswap) Sync(id cid.Cid, providers []peer.ID) engine.QueryID {
	return b.start(providers, func(ctx context.Context, qid engine.QueryID) error {
		return b.sync(ctx, qid, id)
	})
}

func (b *Bitswap) Cancel(qid engine.QueryID) {
	b.queryLk.Lock()
	cancel, ok := b.queries[qid]
	delete(b.queries, qid)
	b.queryLk.Unlock()
	if ok {
		cancel()
	}
}

func (b *Bitswap) start(providers []peer.ID, run func(context.Context, engine.QueryID) error) engine.QueryID {
	qid := engine.QueryID(b.nextID.Add(1))
	ctx, cancel := context.WithCancel(b.ctx)

	b.queryLk.Lock()
	b.queries[qid] = cancel
	b.queryLk.Unlock()

	go func() {
		b.connect(ctx, providers)
		b.finish(qid, run(ctx, qid))
	}()
	return qid
}

// finish reports completion unless the query was cancelled.
func (b *Bitswap) finish(qid engine.QueryID, err error) {
	b.queryLk.Lock()
	cancel, ok := b.queries[qid]
	delete(b.queries, qid)
	b.queryLk.Unlock()
	if !ok {
		return
	}
	cancel()
	b.push(engine.BlockExchangeEvent{Kind: engine.BlockComplete, ID: qid, Err: err})
}

func (b *Bitswap) connect(ctx context.Context, providers []peer.ID) {
	for _, p := range providers {
		if p == b.host.ID() {
			continue
		}
		err := b.host.Connect(ctx, b.host.Peerstore().PeerInfo(p))
		if err != nil {
			log.Debugw("connecting to provider", "peer", p, "err", err)
		}
	}
}

func (b *Bitswap) fetch(ctx context.Context, id cid.Cid) ([]byte, error) {
	blk, err := b.bstore.Get(ctx, id)
	if err == nil {
		return blk.RawData(), nil
	}
	blk, err = b.bs.GetBlock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", id, err)
	}
	return blk.RawData(), nil
}

// sync fetches the DAG level by level, reporting the number of blocks known
// to be missing after each level.
func (b *Bitswap) sync(ctx context.Context, qid engine.QueryID, root cid.Cid) error {
	seen := map[cid.Cid]struct{}{root: {}}
	level := []cid.Cid{root}
	for len(level) > 0 {
		var (
			nextLk sync.Mutex
			next   []cid.Cid
		)
		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(syncParallelism)
		for _, id := range level {
			eg.Go(func() error {
				data, err := b.fetch(egCtx, id)
				if err != nil {
					return err
				}
				links, err := mesh.Links(id, data)
				if err != nil {
					return err
				}
				nextLk.Lock()
				next = append(next, links...)
				nextLk.Unlock()
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}

		level = level[:0]
		for _, id := range next {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			level = append(level, id)
		}
		b.push(engine.BlockExchangeEvent{Kind: engine.BlockProgress, ID: qid, Missing: len(level)})
	}
	return nil
}
