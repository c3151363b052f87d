package ring

import (
	"github.com/substratefs/substrate/internal/proto"
)

// Response is one completed data-plane operation surfaced to the host.
type Response struct {
	Hdr     proto.B2FAckHeader
	Payload []byte
}

// ResponseReader is the host-side consumer of the response ring. The backend
// writes completed frames into the ring and mirrors its transmit tail into
// the metadata peer word; the reader consumes frames in order and publishes
// the advanced head into both metadata copies so the backend can reuse the
// bytes.
//
// When response batching is enabled, every transmitted batch starts with one
// alignment-sized slot whose first word is the batch total; the reader skips
// it transparently.
type ResponseReader struct {
	data     []byte
	meta     []byte
	cap      uint32
	head     uint32
	batching bool

	// remaining payload bytes of the batch being consumed, zero between
	// batches
	batchLeft uint32
}

// NewResponseReader wraps the response data and metadata slices of a DMA
// region.
func NewResponseReader(data, meta []byte, batching bool) *ResponseReader {
	return &ResponseReader{data: data, meta: meta, cap: uint32(len(data)), batching: batching}
}

// Poll returns the next completed response, or nil when none is available.
// Read payloads are copied out of the ring before the head is advanced.
func (r *ResponseReader) Poll() *Response {
	tailC := ReadPeer(r.meta)

	if r.batching && r.batchLeft == 0 {
		if tailC == r.head {
			return nil
		}
		total := Get32(r.data, r.head)
		r.batchLeft = total - proto.ResponseAlign
		r.head = (r.head + proto.ResponseAlign) % r.cap
	}
	if tailC == r.head {
		return nil
	}

	slotSize := Get32(r.data, r.head)
	var hdrBytes [proto.B2FAckHeaderSize]byte
	hdrView := Slice(r.data, (r.head+proto.LenWordSize)%r.cap, proto.B2FAckHeaderSize)
	hdrView.CopyOut(hdrBytes[:])

	resp := &Response{}
	_ = resp.Hdr.UnmarshalFrom(hdrBytes[:])
	if resp.Hdr.BytesServiced > 0 && slotSize > proto.ResponseAlign {
		resp.Payload = make([]byte, resp.Hdr.BytesServiced)
		payView := Slice(r.data, (r.head+proto.ResponseAlign)%r.cap, resp.Hdr.BytesServiced)
		payView.CopyOut(resp.Payload)
	}

	r.head = (r.head + slotSize) % r.cap
	if r.batching {
		r.batchLeft -= slotSize
	}
	PutOwner(r.meta, r.head)
	return resp
}

// Head returns the consumer cursor, for tests and diagnostics.
func (r *ResponseReader) Head() uint32 { return r.head }
