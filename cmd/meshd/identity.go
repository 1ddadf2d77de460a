package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/ipfs/go-datastore"
	"github.com/libp2p/go-libp2p/core/crypto"
)

var identityKey = datastore.NewKey("identity")

// loadIdentity returns the node key kept in ds, generating and storing a new
// Ed25519 key on first use.
func loadIdentity(ctx context.Context, ds datastore.Datastore) (crypto.PrivKey, bool, error) {
	raw, err := ds.Get(ctx, identityKey)
	switch {
	case err == nil:
		key, err := crypto.UnmarshalPrivateKey(raw)
		if err != nil {
			return nil, false, fmt.Errorf("decoding identity: %w", err)
		}
		return key, false, nil
	case !errors.Is(err, datastore.ErrNotFound):
		return nil, false, fmt.Errorf("reading identity: %w", err)
	}

	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, false, err
	}
	raw, err = crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, false, err
	}
	if err := ds.Put(ctx, identityKey, raw); err != nil {
		return nil, false, fmt.Errorf("writing identity: %w", err)
	}
	return key, true, nil
}
