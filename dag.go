package mesh

import (
	"fmt"

	"github.com/ipfs/boxo/ipld/merkledag"
	"github.com/ipfs/go-cid"
)

// Links returns the children of the block with the given CID and raw bytes.
// Raw blocks are leaves. Only dag-pb nodes are traversed.
func Links(id cid.Cid, data []byte) ([]cid.Cid, error) {
	switch id.Prefix().Codec {
	case cid.Raw:
		return nil, nil
	case cid.DagProtobuf:
		nd, err := merkledag.DecodeProtobuf(data)
		if err != nil {
			return nil, fmt.Errorf("mesh: decoding dag-pb node %s: %w", id, err)
		}
		links := nd.Links()
		out := make([]cid.Cid, 0, len(links))
		for _, l := range links {
			out = append(out, l.Cid)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("mesh: unsupported codec %d for %s", id.Prefix().Codec, id)
	}
}
