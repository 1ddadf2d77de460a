package mesh

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// MessageID identifies a published pub/sub message. It is the SHA3-256 digest
// of the message payload, so identical payloads deduplicate network-wide.
type MessageID []byte

// NewMessageID computes the MessageID of the given payload.
func NewMessageID(data []byte) MessageID {
	sum := sha3.Sum256(data)
	return sum[:]
}

// String implements fmt.Stringer interface.
func (id MessageID) String() string {
	return hex.EncodeToString(id)
}

// MarshalJSON serializes MessageID into a JSON hex string.
func (id MessageID) MarshalJSON() ([]byte, error) {
	jbz := make([]byte, 2+hex.EncodedLen(len(id)))
	jbz[0] = '"'
	hex.Encode(jbz[1:], id)
	jbz[len(jbz)-1] = '"'
	return jbz, nil
}

// UnmarshalJSON deserializes JSON hex string into MessageID.
func (id *MessageID) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("invalid hex string: %s", data)
	}

	bz := make([]byte, hex.DecodedLen(len(data)-2))
	_, err := hex.Decode(bz, data[1:len(data)-1])
	if err != nil {
		return err
	}
	*id = bz
	return nil
}
