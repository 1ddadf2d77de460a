package mesh

import (
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	// ErrNotFound is returned when the requested content is not present.
	ErrNotFound = errors.New("mesh: not found")
	// ErrTimeout is returned when a request was not answered in time.
	ErrTimeout = errors.New("mesh: request timed out")
	// ErrAbandoned is returned when delivering into a Promise whose receiver is gone.
	ErrAbandoned = errors.New("mesh: receiver abandoned the result")
	// ErrAlreadyCompleted is returned on a second delivery into a single-use slot.
	ErrAlreadyCompleted = errors.New("mesh: result already delivered")
	// ErrConfigConflict is returned when enabled features depend on disabled ones.
	ErrConfigConflict = errors.New("mesh: conflicting configuration")
)

// FailureKind classifies why an outbound request failed.
type FailureKind uint8

const (
	FailureOther FailureKind = iota
	FailureTimeout
	FailureDial
	FailureUnsupportedProtocol
	FailureConnectionClosed
)

func (k FailureKind) String() string {
	switch k {
	case FailureTimeout:
		return "timeout"
	case FailureDial:
		return "dial"
	case FailureUnsupportedProtocol:
		return "unsupported_protocol"
	case FailureConnectionClosed:
		return "connection_closed"
	default:
		return "other"
	}
}

// RequestError is delivered when an outbound request fails before a response arrives.
type RequestError struct {
	// Peer the request was addressed to.
	Peer peer.ID
	// Kind classifies the failure.
	Kind FailureKind
	// Reason why the request failed as inner error.
	Reason error
}

func (re *RequestError) Error() string {
	if re.Reason == nil {
		return fmt.Sprintf("mesh: request to %s: %s", re.Peer.String(), re.Kind)
	}
	return fmt.Sprintf("mesh: request to %s: %s: %s", re.Peer.String(), re.Kind, re.Reason.Error())
}

func (re *RequestError) Unwrap() error {
	return re.Reason
}
