package mesh

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/ipfs/go-cid"
	"google.golang.org/protobuf/encoding/protowire"
)

// RequestType enumerates what a Request asks for.
type RequestType uint8

const (
	// RequestContent asks for the raw bytes of a single block.
	RequestContent RequestType = iota + 1
)

func (t RequestType) String() string {
	switch t {
	case RequestContent:
		return "content"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// StatusCode describes the outcome of a Request.
type StatusCode uint8

const (
	StatusOK StatusCode = iota + 1
	StatusNotFound
	StatusInvalid
	StatusInternal
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusInvalid:
		return "invalid"
	case StatusInternal:
		return "internal"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

var errInvalidMessage = errors.New("mesh: invalid message")

const (
	fieldType   protowire.Number = 1
	fieldCID    protowire.Number = 2
	fieldStatus protowire.Number = 1
	fieldData   protowire.Number = 3
)

// Request is the payload of the generic request/response protocol. It
// implements the length-prefixed framing contract of the messenger serde.
type Request struct {
	Type RequestType
	CID  cid.Cid
}

// Validate checks the Request is well formed.
func (r *Request) Validate() error {
	if r.Type != RequestContent {
		return fmt.Errorf("%w: request type %s", errInvalidMessage, r.Type)
	}
	if !r.CID.Defined() {
		return fmt.Errorf("%w: undefined cid", errInvalidMessage)
	}
	return nil
}

// Size returns the encoded length of the Request.
func (r *Request) Size() int {
	n := protowire.SizeTag(fieldType) + protowire.SizeVarint(uint64(r.Type))
	if r.CID.Defined() {
		n += protowire.SizeTag(fieldCID) + protowire.SizeBytes(r.CID.ByteLen())
	}
	return n
}

// MarshalTo encodes the Request into buf, which must hold at least Size bytes.
func (r *Request) MarshalTo(buf []byte) (int, error) {
	if len(buf) < r.Size() {
		return 0, io.ErrShortBuffer
	}
	b := protowire.AppendTag(buf[:0], fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Type))
	if r.CID.Defined() {
		b = protowire.AppendTag(b, fieldCID, protowire.BytesType)
		b = protowire.AppendBytes(b, r.CID.Bytes())
	}
	return len(b), nil
}

// Unmarshal decodes the Request from data.
func (r *Request) Unmarshal(data []byte) error {
	*r = Request{}
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n >= 0 && v > math.MaxUint8 {
				return 0, fmt.Errorf("%w: request type %d out of range", errInvalidMessage, v)
			}
			r.Type = RequestType(v)
			return n, nil
		case num == fieldCID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return n, nil
			}
			c, err := cid.Cast(v)
			if err != nil {
				return 0, fmt.Errorf("%w: %w", errInvalidMessage, err)
			}
			r.CID = c
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, data), nil
		}
	})
}

// Response is the answer to a Request.
type Response struct {
	Status StatusCode
	CID    cid.Cid
	Data   []byte
}

// Size returns the encoded length of the Response.
func (r *Response) Size() int {
	n := protowire.SizeTag(fieldStatus) + protowire.SizeVarint(uint64(r.Status))
	if r.CID.Defined() {
		n += protowire.SizeTag(fieldCID) + protowire.SizeBytes(r.CID.ByteLen())
	}
	if len(r.Data) > 0 {
		n += protowire.SizeTag(fieldData) + protowire.SizeBytes(len(r.Data))
	}
	return n
}

// MarshalTo encodes the Response into buf, which must hold at least Size bytes.
func (r *Response) MarshalTo(buf []byte) (int, error) {
	if len(buf) < r.Size() {
		return 0, io.ErrShortBuffer
	}
	b := protowire.AppendTag(buf[:0], fieldStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Status))
	if r.CID.Defined() {
		b = protowire.AppendTag(b, fieldCID, protowire.BytesType)
		b = protowire.AppendBytes(b, r.CID.Bytes())
	}
	if len(r.Data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Data)
	}
	return len(b), nil
}

// Unmarshal decodes the Response from data.
func (r *Response) Unmarshal(data []byte) error {
	*r = Response{}
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch {
		case num == fieldStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n >= 0 && v > math.MaxUint8 {
				return 0, fmt.Errorf("%w: status %d out of range", errInvalidMessage, v)
			}
			r.Status = StatusCode(v)
			return n, nil
		case num == fieldCID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return n, nil
			}
			c, err := cid.Cast(v)
			if err != nil {
				return 0, fmt.Errorf("%w: %w", errInvalidMessage, err)
			}
			r.CID = c
			return n, nil
		case num == fieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return n, nil
			}
			r.Data = append([]byte(nil), v...)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, data), nil
		}
	})
}

// consumeFields walks protobuf fields, handing each value to fn. fn returns
// the number of bytes consumed or a negative protowire error code.
func consumeFields(
	data []byte,
	fn func(protowire.Number, protowire.Type, []byte) (int, error),
) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %w", errInvalidMessage, protowire.ParseError(n))
		}
		data = data[n:]

		n, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("%w: %w", errInvalidMessage, protowire.ParseError(n))
		}
		data = data[n:]
	}
	return nil
}
