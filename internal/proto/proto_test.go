package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	b := make([]byte, CtrlMsgSize)
	PutHeader(b, MsgF2BReqCreateFile)
	assert.Equal(t, MsgF2BReqCreateFile, Header(b))
}

func TestControlMessageRoundTrip(t *testing.T) {
	b := make([]byte, CtrlMsgSize)

	req := ReqCreateFile{FileID: 9, DirID: 3, Attributes: 0x44, FileName: "alpha"}
	n := req.Marshal(b)
	assert.Equal(t, ReqCreateFileSize, n)

	var got ReqCreateFile
	require.NoError(t, got.Unmarshal(b))
	assert.Equal(t, req, got)
}

func TestNamePaddingAndTruncation(t *testing.T) {
	b := make([]byte, CtrlMsgSize)

	long := make([]byte, MaxNameLen+50)
	for i := range long {
		long[i] = 'x'
	}
	req := ReqMoveFile{FileID: 1, NewName: string(long)}
	req.Marshal(b)

	var got ReqMoveFile
	require.NoError(t, got.Unmarshal(b))
	assert.Len(t, got.NewName, MaxNameLen)

	// A shorter name reusing the buffer must not leak the previous one.
	req2 := ReqMoveFile{FileID: 2, NewName: "tiny"}
	req2.Marshal(b)
	require.NoError(t, got.Unmarshal(b))
	assert.Equal(t, "tiny", got.NewName)
}

func TestAckWithPayloadRoundTrip(t *testing.T) {
	b := make([]byte, CtrlMsgSize)

	ack := AckGetFileInfo{
		Result: ErrSuccess,
		Properties: FileProperties{
			Attributes: 7,
			Size:       1 << 30,
			FileName:   "volume-3",
		},
	}
	ack.Marshal(b)

	var got AckGetFileInfo
	require.NoError(t, got.Unmarshal(b))
	assert.Equal(t, ack, got)
}

func TestBuffHandshakeRoundTrip(t *testing.T) {
	b := make([]byte, CtrlMsgSize)

	req := BuffRequestID{
		ClientID:      3,
		BufferAddress: 0xDEAD0000BEEF,
		Capacity:      1 << 20,
		AccessToken:   0x1234,
	}
	req.Marshal(b)

	var got BuffRequestID
	require.NoError(t, got.Unmarshal(b))
	assert.Equal(t, req, got)
}

func TestShortBuffer(t *testing.T) {
	var req ReqCreateFile
	assert.ErrorIs(t, req.Unmarshal(make([]byte, 4)), ErrShortBuffer)
}

func TestFrameHeaderRoundTrip(t *testing.T) {
	var b [F2BReqHeaderSize]byte
	hdr := F2BReqHeader{RequestID: 77, FileID: 5, Offset: 123456, Bytes: 4096, Flags: 1}
	hdr.MarshalTo(b[:])

	var got F2BReqHeader
	require.NoError(t, got.UnmarshalFrom(b[:]))
	assert.Equal(t, hdr, got)

	var ab [B2FAckHeaderSize]byte
	ack := B2FAckHeader{RequestID: 77, Result: ErrSuccess, BytesServiced: 4096}
	ack.MarshalTo(ab[:])
	var gotAck B2FAckHeader
	require.NoError(t, gotAck.UnmarshalFrom(ab[:]))
	assert.Equal(t, ack, gotAck)
}

func TestResponseSizing(t *testing.T) {
	// A read request frame is exactly the length word plus the header.
	assert.Equal(t, uint32(ReadReqFrameSize), WriteReqFrameSize(0))

	// Read responses round up to the alignment unit.
	assert.Equal(t, uint32(ResponseAlign), ReadRespSize(0))
	assert.Equal(t, uint32(2*ResponseAlign), ReadRespSize(1))
	assert.Equal(t, uint32(2*ResponseAlign), ReadRespSize(ResponseAlign))
	assert.Equal(t, uint32(3*ResponseAlign), ReadRespSize(ResponseAlign+1))
}
