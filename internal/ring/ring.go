// Package ring implements the shared-memory ring protocol of the Substrate
// dataplane: the host-owned DMA region layout, the head/tail pointer
// discipline with torn-read detection, wrap-aware frame access, and the
// three-tail response staging bookkeeping used by the backend.
//
// A client's DMA region holds both rings and their metadata blocks:
//
//	+--------------+----------------+---------------+-----------------+
//	| request meta | request data   | response meta | response data   |
//	|  (MetaSize)  |  (Capacity)    |  (MetaSize)   |  (Capacity)     |
//	+--------------+----------------+---------------+-----------------+
//
// Each metadata block is three cache lines: the owner pointer and its check
// copy on separate lines (so the remote reader can detect a torn read), and
// one word the remote peer writes back. For the request ring the owner pointer
// is the producer tail and the peer word is the consumer head; for the
// response ring the owner pointer is the consumer head and the peer word is
// the transmit tail.
package ring

import (
	"encoding/binary"
	"errors"
)

const (
	// CacheLine is the pointer spacing inside a metadata block.
	CacheLine = 64

	// MetaSize is the size of one ring's metadata block.
	MetaSize = 3 * CacheLine

	ownerOff = 0
	checkOff = CacheLine
	peerOff  = 2 * CacheLine

	// MinCapacity bounds the per-ring byte capacity from below.
	MinCapacity = 4 * 1024
)

var (
	// ErrRingFull is returned by the producer when a frame does not fit in
	// the unconsumed span of the ring.
	ErrRingFull = errors.New("ring: not enough free space")

	// ErrCapacity is returned when a reservation would exceed the response
	// staging capacity. The backend treats it as fatal.
	ErrCapacity = errors.New("ring: response capacity exceeded")

	// ErrBadCapacity rejects capacities that are not powers of two or are
	// too small.
	ErrBadCapacity = errors.New("ring: capacity must be a power of two >= 4KiB")
)

// ValidCapacity reports whether c is an acceptable per-ring capacity.
func ValidCapacity(c uint32) bool {
	return c >= MinCapacity && c&(c-1) == 0
}

// Layout describes the offsets of a client DMA region holding two rings of
// the given capacity.
type Layout struct {
	Capacity uint32
	ReqMeta  int
	ReqData  int
	RespMeta int
	RespData int
	Total    int
}

// NewLayout computes the region layout for a per-ring capacity.
func NewLayout(capacity uint32) (Layout, error) {
	if !ValidCapacity(capacity) {
		return Layout{}, ErrBadCapacity
	}
	c := int(capacity)
	return Layout{
		Capacity: capacity,
		ReqMeta:  0,
		ReqData:  MetaSize,
		RespMeta: MetaSize + c,
		RespData: 2*MetaSize + c,
		Total:    2*MetaSize + 2*c,
	}, nil
}

// Distance returns the ring-order byte distance from head to tail.
func Distance(tail, head, capacity uint32) uint32 {
	if tail >= head {
		return tail - head
	}
	return capacity - head + tail
}

// PutOwner publishes the owner pointer into both cache-line copies.
func PutOwner(meta []byte, v uint32) {
	binary.LittleEndian.PutUint32(meta[ownerOff:], v)
	binary.LittleEndian.PutUint32(meta[checkOff:], v)
}

// ReadOwner reads the owner pointer; ok is false when the two copies disagree
// (a torn remote read) and the caller must re-poll.
func ReadOwner(meta []byte) (v uint32, ok bool) {
	a := binary.LittleEndian.Uint32(meta[ownerOff:])
	b := binary.LittleEndian.Uint32(meta[checkOff:])
	return a, a == b
}

// PutPeer writes the peer word.
func PutPeer(meta []byte, v uint32) {
	binary.LittleEndian.PutUint32(meta[peerOff:], v)
}

// ReadPeer reads the peer word.
func ReadPeer(meta []byte) uint32 {
	return binary.LittleEndian.Uint32(meta[peerOff:])
}

// PeerOffset is the byte offset of the peer word within a metadata block,
// used to compute the remote address for the head/tail write-back.
const PeerOffset = peerOff

// Put32 writes a little-endian word at off, wrapping at the ring boundary.
func Put32(buf []byte, off uint32, v uint32) {
	var w [4]byte
	binary.LittleEndian.PutUint32(w[:], v)
	s := Slice(buf, off, 4)
	s.CopyIn(w[:])
}

// Get32 reads a little-endian word at off, wrapping at the ring boundary.
func Get32(buf []byte, off uint32) uint32 {
	var w [4]byte
	s := Slice(buf, off, 4)
	s.CopyOut(w[:])
	return binary.LittleEndian.Uint32(w[:])
}
