package proto

import "encoding/binary"

// Data-plane frames. A request frame on the request ring is
//
//	u32 length        (includes the length word itself)
//	F2BReqHeader
//	payload           (present iff the request is a write)
//
// A read request is identified by length == ReadReqFrameSize. Response frames
// are symmetric with a B2FAckHeader and, for reads, the serviced payload; every
// response is padded to a multiple of ResponseAlign.

const (
	// LenWordSize is the size of the frame length prefix.
	LenWordSize = 4

	// F2BReqHeaderSize is the wire size of F2BReqHeader.
	F2BReqHeaderSize = 28

	// B2FAckHeaderSize is the wire size of B2FAckHeader.
	B2FAckHeaderSize = 16

	// ReadReqFrameSize is the exact frame length of a read request.
	ReadReqFrameSize = LenWordSize + F2BReqHeaderSize

	// ResponseAlign is the response slot granularity. Write responses occupy
	// exactly one unit; read responses are rounded up to a multiple of it.
	// The batch header, when response batching is enabled, also occupies one
	// unit even though only its first length word is meaningful.
	ResponseAlign = LenWordSize + B2FAckHeaderSize
)

// F2BReqHeader describes one offset-addressed file I/O request.
type F2BReqHeader struct {
	RequestID uint64
	FileID    uint32
	Offset    uint64
	Bytes     uint32
	Flags     uint32
}

// MarshalTo writes the header at b[0:F2BReqHeaderSize].
func (h *F2BReqHeader) MarshalTo(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], h.RequestID)
	binary.LittleEndian.PutUint32(b[8:], h.FileID)
	binary.LittleEndian.PutUint64(b[12:], h.Offset)
	binary.LittleEndian.PutUint32(b[20:], h.Bytes)
	binary.LittleEndian.PutUint32(b[24:], h.Flags)
}

// UnmarshalFrom reads the header from b[0:F2BReqHeaderSize].
func (h *F2BReqHeader) UnmarshalFrom(b []byte) error {
	if len(b) < F2BReqHeaderSize {
		return ErrShortBuffer
	}
	h.RequestID = binary.LittleEndian.Uint64(b[0:])
	h.FileID = binary.LittleEndian.Uint32(b[8:])
	h.Offset = binary.LittleEndian.Uint64(b[12:])
	h.Bytes = binary.LittleEndian.Uint32(b[20:])
	h.Flags = binary.LittleEndian.Uint32(b[24:])
	return nil
}

// B2FAckHeader completes one data-plane request.
type B2FAckHeader struct {
	RequestID     uint64
	Result        ErrorCode
	BytesServiced uint32
}

// MarshalTo writes the header at b[0:B2FAckHeaderSize].
func (h *B2FAckHeader) MarshalTo(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], h.RequestID)
	binary.LittleEndian.PutUint32(b[8:], uint32(h.Result))
	binary.LittleEndian.PutUint32(b[12:], h.BytesServiced)
}

// UnmarshalFrom reads the header from b[0:B2FAckHeaderSize].
func (h *B2FAckHeader) UnmarshalFrom(b []byte) error {
	if len(b) < B2FAckHeaderSize {
		return ErrShortBuffer
	}
	h.RequestID = binary.LittleEndian.Uint64(b[0:])
	h.Result = ErrorCode(binary.LittleEndian.Uint32(b[8:]))
	h.BytesServiced = binary.LittleEndian.Uint32(b[12:])
	return nil
}

// WriteReqFrameSize returns the frame length of a write request carrying
// payloadBytes of data.
func WriteReqFrameSize(payloadBytes uint32) uint32 {
	return ReadReqFrameSize + payloadBytes
}

// ReadRespSize returns the padded response slot size for a read of n bytes.
func ReadRespSize(n uint32) uint32 {
	sz := uint32(ResponseAlign) + n
	if rem := sz % ResponseAlign; rem != 0 {
		sz += ResponseAlign - rem
	}
	return sz
}
