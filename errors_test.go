package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestError(t *testing.T) {
	err := &RequestError{Kind: FailureTimeout, Reason: ErrTimeout}
	assert.Contains(t, err.Error(), "timeout")
	assert.ErrorIs(t, err, ErrTimeout)

	// a failure without a cause still formats
	bare := &RequestError{Kind: FailureDial}
	assert.NotPanics(t, func() { _ = bare.Error() })
	assert.Contains(t, bare.Error(), "dial")
	assert.Nil(t, bare.Unwrap())
}
