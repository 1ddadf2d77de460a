package engine

import (
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// BlockQuery is an in-flight block-exchange query.
type BlockQuery struct {
	CID   cid.Cid
	ID    QueryID
	Found bool
}

// queryRegistry tracks block-exchange queries from issue to completion.
// A query yields at most one outcome; cancelled or unknown queries yield none.
type queryRegistry struct {
	blocks  BlockExchange
	queries map[QueryID]*BlockQuery
}

func newQueryRegistry(blocks BlockExchange) *queryRegistry {
	return &queryRegistry{
		blocks:  blocks,
		queries: make(map[QueryID]*BlockQuery),
	}
}

func (r *queryRegistry) get(id cid.Cid, providers []peer.ID) QueryID {
	qid := r.blocks.Get(id, providers)
	r.track(qid, id)
	return qid
}

func (r *queryRegistry) sync(id cid.Cid, providers []peer.ID) QueryID {
	qid := r.blocks.Sync(id, providers)
	r.track(qid, id)
	return qid
}

func (r *queryRegistry) track(qid QueryID, id cid.Cid) {
	if prev, ok := r.queries[qid]; ok {
		log.Errorw("block exchange reused a query id", "id", qid, "prev", prev.CID, "cid", id)
	}
	r.queries[qid] = &BlockQuery{CID: id, ID: qid}
}

func (r *queryRegistry) cancel(qid QueryID) {
	delete(r.queries, qid)
	r.blocks.Cancel(qid)
}

// handle translates a native event into an outcome, if any is due.
func (r *queryRegistry) handle(ev BlockExchangeEvent) (BlockExchangeOutcome, bool) {
	q, ok := r.queries[ev.ID]
	if !ok {
		log.Debugw("dropping event of unknown query", "id", ev.ID, "kind", ev.Kind)
		return BlockExchangeOutcome{}, false
	}

	switch ev.Kind {
	case BlockProgress:
		log.Debugw("block sync progress", "id", ev.ID, "cid", q.CID, "missing", ev.Missing)
		return BlockExchangeOutcome{}, false
	case BlockComplete:
		delete(r.queries, ev.ID)
		q.Found = ev.Err == nil
		if ev.Err != nil {
			log.Warnw("block query failed", "id", ev.ID, "cid", q.CID, "err", ev.Err)
		}
		return BlockExchangeOutcome{CID: q.CID, ID: q.ID, Found: q.Found}, true
	default:
		log.Warnw("unknown block exchange event", "id", ev.ID, "kind", ev.Kind)
		return BlockExchangeOutcome{}, false
	}
}

func (r *queryRegistry) len() int {
	return len(r.queries)
}
