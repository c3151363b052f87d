package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratefs/substrate/internal/proto"
)

func TestStagingReserveExactFit(t *testing.T) {
	buf := make([]byte, 4096)
	s := NewStaging(buf, false)

	// A reservation equal to the free capacity must succeed.
	off, err := s.Reserve(4096)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), off)
	assert.Equal(t, uint32(0), s.Free())

	// One more byte is a capacity violation.
	_, err = s.Reserve(1)
	assert.ErrorIs(t, err, ErrCapacity)
}

func TestStagingReserveOverflow(t *testing.T) {
	buf := make([]byte, 4096)
	s := NewStaging(buf, false)

	_, err := s.Reserve(4097)
	assert.ErrorIs(t, err, ErrCapacity)
}

func TestStagingTailDiscipline(t *testing.T) {
	buf := make([]byte, 4096)
	s := NewStaging(buf, true)

	hdrOff, err := s.BeginBatch()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), hdrOff)

	off1, err := s.Reserve(proto.ResponseAlign)
	require.NoError(t, err)
	assert.Equal(t, uint32(proto.ResponseAlign), off1)

	off2, err := s.Reserve(proto.ReadRespSize(100))
	require.NoError(t, err)
	assert.Equal(t, uint32(2*proto.ResponseAlign), off2)

	total := uint32(proto.ResponseAlign) + proto.ResponseAlign + proto.ReadRespSize(100)
	s.FinishBatch(hdrOff, total)
	assert.Equal(t, total, Get32(buf, hdrOff))

	assert.Equal(t, total, s.Outstanding())
	assert.Equal(t, total, s.TailA)
	assert.Equal(t, uint32(0), s.TailB)
	assert.Equal(t, uint32(0), s.TailC)

	// Completions commit the whole batch.
	s.Complete(total)
	assert.Equal(t, total, s.TailB)

	off, n := s.TransmitSpan()
	assert.Equal(t, uint32(0), off)
	assert.Equal(t, total, n)

	s.Transmitted(n)
	assert.Equal(t, total, s.TailC)
	assert.Equal(t, uint32(0), s.Outstanding())

	_, n = s.TransmitSpan()
	assert.Equal(t, uint32(0), n)
}

func TestStagingFullRingTransmitSpan(t *testing.T) {
	// An exact-capacity batch leaves TailB == TailC after completion; the
	// completed counter, not pointer equality, disambiguates a full ring
	// from an empty one.
	buf := make([]byte, 4096)
	s := NewStaging(buf, false)

	_, err := s.Reserve(4096)
	require.NoError(t, err)
	s.Complete(4096)

	assert.Equal(t, s.TailC, s.TailB)
	_, n := s.TransmitSpan()
	assert.Equal(t, uint32(4096), n)

	s.Transmitted(4096)
	_, n = s.TransmitSpan()
	assert.Equal(t, uint32(0), n)
}

func TestResponseReaderUnbatched(t *testing.T) {
	const capacity = 4096
	hostData := make([]byte, capacity)
	hostMeta := make([]byte, MetaSize)
	r := NewResponseReader(hostData, hostMeta, false)

	// Two write acks staged back to back, no batch header.
	for i, id := range []uint64{5, 6} {
		off := uint32(i * proto.ResponseAlign)
		Put32(hostData, off, proto.ResponseAlign)
		ack := proto.B2FAckHeader{RequestID: id, Result: proto.ErrSuccess}
		var hdrBytes [proto.B2FAckHeaderSize]byte
		ack.MarshalTo(hdrBytes[:])
		v := Slice(hostData, off+proto.LenWordSize, proto.B2FAckHeaderSize)
		v.CopyIn(hdrBytes[:])
	}
	PutPeer(hostMeta, 2*proto.ResponseAlign)

	resp := r.Poll()
	require.NotNil(t, resp)
	assert.Equal(t, uint64(5), resp.Hdr.RequestID)
	resp = r.Poll()
	require.NotNil(t, resp)
	assert.Equal(t, uint64(6), resp.Hdr.RequestID)
	assert.Nil(t, r.Poll())
}

func TestResponseReaderBatch(t *testing.T) {
	const capacity = 4096
	hostData := make([]byte, capacity)
	hostMeta := make([]byte, MetaSize)
	r := NewResponseReader(hostData, hostMeta, true)

	// Stage a batch the way the backend does: header slot, one write ack,
	// one read ack with payload.
	staging := make([]byte, capacity)
	s := NewStaging(staging, true)
	hdrOff, err := s.BeginBatch()
	require.NoError(t, err)

	wOff, err := s.Reserve(proto.ResponseAlign)
	require.NoError(t, err)
	Put32(staging, wOff, proto.ResponseAlign)
	ack := proto.B2FAckHeader{RequestID: 11, Result: proto.ErrSuccess, BytesServiced: 512}
	var hdrBytes [proto.B2FAckHeaderSize]byte
	ack.MarshalTo(hdrBytes[:])
	hv := Slice(staging, (wOff+proto.LenWordSize)%capacity, proto.B2FAckHeaderSize)
	hv.CopyIn(hdrBytes[:])

	payload := []byte("read me back")
	rSize := proto.ReadRespSize(uint32(len(payload)))
	rOff, err := s.Reserve(rSize)
	require.NoError(t, err)
	Put32(staging, rOff, rSize)
	ack = proto.B2FAckHeader{RequestID: 12, Result: proto.ErrSuccess, BytesServiced: uint32(len(payload))}
	ack.MarshalTo(hdrBytes[:])
	hv = Slice(staging, (rOff+proto.LenWordSize)%capacity, proto.B2FAckHeaderSize)
	hv.CopyIn(hdrBytes[:])
	pv := Slice(staging, (rOff+proto.ResponseAlign)%capacity, uint32(len(payload)))
	pv.CopyIn(payload)

	total := uint32(2*proto.ResponseAlign) + rSize
	s.FinishBatch(hdrOff, total)
	s.Complete(total)

	// "Transmit": mirror the staged span into host memory and publish TailC.
	off, n := s.TransmitSpan()
	src := Slice(staging, off, n)
	dst := Slice(hostData, off, n)
	tmp := make([]byte, n)
	src.CopyOut(tmp)
	dst.CopyIn(tmp)
	s.Transmitted(n)
	PutPeer(hostMeta, s.TailC)

	resp := r.Poll()
	require.NotNil(t, resp)
	assert.Equal(t, uint64(11), resp.Hdr.RequestID)
	assert.Equal(t, proto.ErrSuccess, resp.Hdr.Result)
	assert.Nil(t, resp.Payload)

	resp = r.Poll()
	require.NotNil(t, resp)
	assert.Equal(t, uint64(12), resp.Hdr.RequestID)
	assert.Equal(t, payload, resp.Payload)

	assert.Nil(t, r.Poll())

	// The reader published its head for the backend's transmit window.
	head, ok := ReadOwner(hostMeta)
	require.True(t, ok)
	assert.Equal(t, s.TailC, head)
}
