package ring

import (
	"github.com/substratefs/substrate/internal/proto"
)

// Staging is the backend-side bookkeeping of one response ring. Three tails
// partition the staged bytes:
//
//	TailA: parse tail, the next slot allocation point
//	TailB: completion tail, the prefix whose file-service results are in
//	TailC: transmit tail, the prefix pushed to the host
//
// Head <= TailC <= TailB <= TailA in ring order. Outstanding counts every
// reserved-but-untransmitted byte, so a batch may fill the ring to exactly its
// capacity; one byte more is a capacity violation, which the backend treats
// as a bug.
type Staging struct {
	Buf      []byte
	Cap      uint32
	TailA    uint32
	TailB    uint32
	TailC    uint32
	Batching bool

	outstanding uint32
	completed   uint32
}

// NewStaging wraps the backend's local response staging buffer.
func NewStaging(buf []byte, batching bool) *Staging {
	return &Staging{Buf: buf, Cap: uint32(len(buf)), Batching: batching}
}

// Free returns the bytes available for new reservations.
func (s *Staging) Free() uint32 { return s.Cap - s.outstanding }

// Outstanding returns the reserved-but-untransmitted byte count.
func (s *Staging) Outstanding() uint32 { return s.outstanding }

// BeginBatch reserves the batch header slot and returns its offset. Only
// meaningful when batching is enabled.
func (s *Staging) BeginBatch() (uint32, error) {
	return s.Reserve(proto.ResponseAlign)
}

// Reserve allocates n bytes at TailA.
func (s *Staging) Reserve(n uint32) (uint32, error) {
	if n > s.Free() {
		return 0, ErrCapacity
	}
	off := s.TailA
	s.TailA = (s.TailA + n) % s.Cap
	s.outstanding += n
	return off, nil
}

// FinishBatch records the batch total (header slot included) in the header
// slot so the completion scanner knows when the batch is entirely ready.
func (s *Staging) FinishBatch(hdrOff, total uint32) {
	Put32(s.Buf, hdrOff, total)
}

// Complete advances TailB over n bytes of finished responses.
func (s *Staging) Complete(n uint32) {
	s.TailB = (s.TailB + n) % s.Cap
	s.completed += n
}

// Completed returns the finished-but-untransmitted byte count. The counter,
// not TailB/TailC pointer equality, disambiguates a ring filled to exactly
// its capacity from an empty one.
func (s *Staging) Completed() uint32 { return s.completed }

// TransmitSpan returns the ring offset and length of the [TailC, TailB)
// prefix awaiting transmission.
func (s *Staging) TransmitSpan() (off, n uint32) {
	return s.TailC, s.completed
}

// Transmitted advances TailC over n pushed bytes and releases them.
func (s *Staging) Transmitted(n uint32) {
	s.TailC = (s.TailC + n) % s.Cap
	s.outstanding -= n
	s.completed -= n
}

// Frame is one parsed request-ring record.
type Frame struct {
	Len        uint32
	Hdr        proto.F2BReqHeader
	PayloadOff uint32
	IsRead     bool
}

// FrameIter walks the framed records of a fetched request span in order. The
// parser is restartable across the ring boundary: a record may wrap and is
// read as two contiguous segments.
type FrameIter struct {
	buf       []byte
	cap       uint32
	off       uint32
	remaining uint32
}

// NewFrameIter iterates total bytes of frames starting at start.
func NewFrameIter(buf []byte, start, total uint32) *FrameIter {
	return &FrameIter{buf: buf, cap: uint32(len(buf)), off: start, remaining: total}
}

// Next returns the next frame, or false when the span is exhausted.
func (it *FrameIter) Next() (Frame, bool) {
	if it.remaining == 0 {
		return Frame{}, false
	}

	frameLen := Get32(it.buf, it.off)
	var hdrBytes [proto.F2BReqHeaderSize]byte
	hdrView := Slice(it.buf, (it.off+proto.LenWordSize)%it.cap, proto.F2BReqHeaderSize)
	hdrView.CopyOut(hdrBytes[:])

	f := Frame{
		Len:        frameLen,
		PayloadOff: (it.off + proto.ReadReqFrameSize) % it.cap,
		IsRead:     frameLen == proto.ReadReqFrameSize,
	}
	_ = f.Hdr.UnmarshalFrom(hdrBytes[:])

	it.off = (it.off + frameLen) % it.cap
	it.remaining -= frameLen
	return f, true
}
