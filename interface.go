package mesh

import (
	"context"

	"github.com/ipfs/go-cid"
)

// ContentStore is the content-addressed block storage the network serves from
// and writes into. Implementations must be safe for concurrent use.
type ContentStore interface {
	// Has reports whether the block identified by the given CID is stored.
	Has(context.Context, cid.Cid) (bool, error)
	// Get returns the raw bytes of the block or ErrNotFound.
	Get(context.Context, cid.Cid) ([]byte, error)
	// Put stores the given raw bytes and returns their CID.
	Put(context.Context, []byte) (cid.Cid, error)
}
