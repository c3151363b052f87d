package ring

import (
	"github.com/substratefs/substrate/internal/proto"
)

// RequestWriter is the host-side producer of the request ring. Frames are
// staged with Push and made visible to the backend with Publish, which writes
// the tail into both metadata copies. The backend writes the consumer head
// into the metadata peer word as it claims bytes; the producer never
// overwrites unconsumed bytes.
type RequestWriter struct {
	data []byte
	meta []byte
	cap  uint32
	tail uint32
}

// NewRequestWriter wraps the request data and metadata slices of a DMA region.
func NewRequestWriter(data, meta []byte) *RequestWriter {
	return &RequestWriter{data: data, meta: meta, cap: uint32(len(data))}
}

// Free returns the bytes that can be staged without overtaking the consumer.
// One byte is kept in reserve so a full ring is distinguishable from an empty
// one.
func (w *RequestWriter) Free() uint32 {
	head := ReadPeer(w.meta)
	return w.cap - Distance(w.tail, head, w.cap) - 1
}

// Push stages one request frame. A nil payload produces a read request; a
// write request carries the payload and must have hdr.Bytes == len(payload).
func (w *RequestWriter) Push(hdr *proto.F2BReqHeader, payload []byte) error {
	frameLen := uint32(proto.ReadReqFrameSize)
	if payload != nil {
		frameLen = proto.WriteReqFrameSize(uint32(len(payload)))
	}
	if frameLen > w.Free() {
		return ErrRingFull
	}

	var scratch [proto.ReadReqFrameSize]byte
	Put32(w.data, w.tail, frameLen)
	hdr.MarshalTo(scratch[:proto.F2BReqHeaderSize])
	hdrView := Slice(w.data, (w.tail+proto.LenWordSize)%w.cap, proto.F2BReqHeaderSize)
	hdrView.CopyIn(scratch[:proto.F2BReqHeaderSize])
	if payload != nil {
		payView := Slice(w.data, (w.tail+proto.ReadReqFrameSize)%w.cap, uint32(len(payload)))
		payView.CopyIn(payload)
	}

	w.tail = (w.tail + frameLen) % w.cap
	return nil
}

// Publish makes all staged frames visible to the backend.
func (w *RequestWriter) Publish() {
	PutOwner(w.meta, w.tail)
}

// Tail returns the producer cursor, for tests and diagnostics.
func (w *RequestWriter) Tail() uint32 { return w.tail }
