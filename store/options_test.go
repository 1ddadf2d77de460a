package store

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParameters_Validate(t *testing.T) {
	require.NoError(t, DefaultParameters().Validate())

	tests := []struct {
		name string
		opt  Option
	}{
		{"zero cache", WithStoreCacheSize(0)},
		{"zero block size", WithMaxBlockSize(0)},
		{"cid v0", func(p *Parameters) { p.Prefix.Version = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := DefaultParameters()
			tt.opt(&params)
			assert.Error(t, params.Validate())
		})
	}
}

func TestWithParams(t *testing.T) {
	params := DefaultParameters()
	WithParams(Parameters{StoreCacheSize: 16, MaxBlockSize: 1024})(&params)

	assert.Equal(t, 16, params.StoreCacheSize)
	assert.Equal(t, 1024, params.MaxBlockSize)
	// the prefix is overwritten too, leaving an unusable cid version
	assert.Equal(t, cid.Prefix{}, params.Prefix)
	assert.Error(t, params.Validate())
}
