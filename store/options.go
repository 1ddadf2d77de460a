package store

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/multiformats/go-multihash"
)

// Option is the functional option that is applied to the Store instance
// to configure its parameters.
type Option func(*Parameters)

// Parameters is the set of parameters that must be configured for the Store.
type Parameters struct {
	// StoreCacheSize defines the maximum amount of blocks cached in memory.
	StoreCacheSize int
	// MaxBlockSize bounds the size of a single stored block.
	MaxBlockSize int
	// Prefix is the CID prefix used to address bytes passed to Put.
	Prefix cid.Prefix

	// storePrefix defines the datastore namespace the blocks are kept under.
	storePrefix datastore.Key
	// metrics is a flag that enables metrics collection.
	metrics bool
}

// DefaultParameters returns the default params to configure the Store.
func DefaultParameters() Parameters {
	return Parameters{
		StoreCacheSize: 4096,
		MaxBlockSize:   2 << 20,
		Prefix: cid.Prefix{
			Version:  1,
			Codec:    cid.Raw,
			MhType:   multihash.SHA2_256,
			MhLength: -1,
		},
	}
}

func (p *Parameters) Validate() error {
	if p.StoreCacheSize <= 0 {
		return fmt.Errorf("invalid store cache size: %d", p.StoreCacheSize)
	}
	if p.MaxBlockSize <= 0 {
		return fmt.Errorf("invalid max block size: %d", p.MaxBlockSize)
	}
	if p.Prefix.Version != 1 {
		return fmt.Errorf("invalid cid version: %d", p.Prefix.Version)
	}
	return nil
}

// WithStoreCacheSize is a functional option that configures the
// `StoreCacheSize` parameter.
func WithStoreCacheSize(size int) Option {
	return func(p *Parameters) {
		p.StoreCacheSize = size
	}
}

// WithMaxBlockSize is a functional option that configures the
// `MaxBlockSize` parameter.
func WithMaxBlockSize(size int) Option {
	return func(p *Parameters) {
		p.MaxBlockSize = size
	}
}

// WithStorePrefix is a functional option that configures the
// `storePrefix` parameter.
func WithStorePrefix(prefix string) Option {
	return func(p *Parameters) {
		p.storePrefix = datastore.NewKey(prefix)
	}
}

// WithMetrics enables metrics collection.
func WithMetrics() Option {
	return func(p *Parameters) {
		p.metrics = true
	}
}

// WithParams is a functional option that overrides Parameters.
func WithParams(new Parameters) Option {
	return func(old *Parameters) {
		*old = new
	}
}
