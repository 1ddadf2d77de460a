package mesh

import (
	"bytes"
	"testing"

	"github.com/celestiaorg/go-libp2p-messenger/serde"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRequest_Framing(t *testing.T) {
	req := &Request{Type: RequestContent, CID: randCID(t)}
	require.NoError(t, req.Validate())

	buf := new(bytes.Buffer)
	_, err := serde.Write(buf, req)
	require.NoError(t, err)

	got := new(Request)
	_, err = serde.Read(buf, got)
	require.NoError(t, err)
	assert.Equal(t, req.Type, got.Type)
	assert.True(t, req.CID.Equals(got.CID))
}

func TestResponse_Framing(t *testing.T) {
	resp := &Response{Status: StatusOK, CID: randCID(t), Data: randBytes(512)}

	buf := new(bytes.Buffer)
	_, err := serde.Write(buf, resp)
	require.NoError(t, err)

	got := new(Response)
	_, err = serde.Read(buf, got)
	require.NoError(t, err)
	assert.Equal(t, resp.Status, got.Status)
	assert.True(t, resp.CID.Equals(got.CID))
	assert.Equal(t, resp.Data, got.Data)
}

func TestResponse_NotFoundCarriesNoData(t *testing.T) {
	resp := &Response{Status: StatusNotFound}
	buf := make([]byte, resp.Size())
	n, err := resp.MarshalTo(buf)
	require.NoError(t, err)

	got := new(Response)
	require.NoError(t, got.Unmarshal(buf[:n]))
	assert.Equal(t, StatusNotFound, got.Status)
	assert.False(t, got.CID.Defined())
	assert.Empty(t, got.Data)
}

func TestRequest_SkipsUnknownFields(t *testing.T) {
	req := &Request{Type: RequestContent, CID: randCID(t)}
	buf := make([]byte, req.Size())
	n, err := req.MarshalTo(buf)
	require.NoError(t, err)

	buf = protowire.AppendTag(buf[:n], 9, protowire.BytesType)
	buf = protowire.AppendBytes(buf, []byte("future"))

	got := new(Request)
	require.NoError(t, got.Unmarshal(buf))
	assert.True(t, req.CID.Equals(got.CID))
}

func TestRequest_Invalid(t *testing.T) {
	req := &Request{Type: RequestContent, CID: randCID(t)}
	buf := make([]byte, req.Size())
	n, err := req.MarshalTo(buf)
	require.NoError(t, err)

	got := new(Request)
	require.Error(t, got.Unmarshal(buf[:n-1]))

	_, err = req.MarshalTo(make([]byte, 1))
	require.Error(t, err)

	assert.Error(t, (&Request{CID: randCID(t)}).Validate())
	assert.Error(t, (&Request{Type: RequestContent}).Validate())
}

func TestDecode_OutOfRangeEnums(t *testing.T) {
	id := randCID(t)

	// 257 would truncate to RequestContent and StatusOK
	buf := protowire.AppendTag(nil, fieldType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, 257)
	buf = protowire.AppendTag(buf, fieldCID, protowire.BytesType)
	buf = protowire.AppendBytes(buf, id.Bytes())
	req := new(Request)
	assert.ErrorIs(t, req.Unmarshal(buf), errInvalidMessage)

	buf = protowire.AppendTag(nil, fieldStatus, protowire.VarintType)
	buf = protowire.AppendVarint(buf, 257)
	buf = protowire.AppendTag(buf, fieldCID, protowire.BytesType)
	buf = protowire.AppendBytes(buf, id.Bytes())
	resp := new(Response)
	assert.ErrorIs(t, resp.Unmarshal(buf), errInvalidMessage)
}

func randCID(t *testing.T) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum(randBytes(32), multihash.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.Raw, mh)
}
