package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratefs/substrate/internal/fileservice"
	"github.com/substratefs/substrate/internal/proto"
	"github.com/substratefs/substrate/internal/ring"
	"github.com/substratefs/substrate/internal/transport/rdma"
)

// newScanServer builds a server with one hand-wired buffer session so the
// completion scanner can be driven directly.
func newScanServer(t *testing.T) (*Server, *buffSession) {
	t.Helper()
	srv, err := New(DefaultConfig(), rdma.NewSimulated(), nil, nil)
	require.NoError(t, err)

	bs := &srv.buffs[0]
	bs.state = stateConnected
	bs.bound = true
	bs.staging = ring.NewStaging(make([]byte, 4096), true)
	bs.pool = make([]fileservice.DataRequest, 8)
	return srv, bs
}

// The completion tail must not pass the batch-header word until the batch's
// first completed response is committed.
func TestScannerHeaderSkipConvention(t *testing.T) {
	srv, bs := newScanServer(t)
	st := bs.staging

	hdrOff, err := st.BeginBatch()
	require.NoError(t, err)
	off1, err := st.Reserve(proto.ResponseAlign)
	require.NoError(t, err)
	off2, err := st.Reserve(proto.ResponseAlign)
	require.NoError(t, err)
	total := uint32(3 * proto.ResponseAlign)
	st.FinishBatch(hdrOff, total)
	bs.batches = append(bs.batches, batchInfo{total: total})

	bs.pool[0].Reset(proto.F2BReqHeader{RequestID: 1}, ring.SplittableBuffer{}, false)
	bs.pool[1].Reset(proto.F2BReqHeader{RequestID: 2}, ring.SplittableBuffer{}, false)
	bs.inflight = []inflightResp{
		{poolIndex: 0, off: off1, size: proto.ResponseAlign},
		{poolIndex: 1, off: off2, size: proto.ResponseAlign},
	}

	// Nothing completed: TailB stays at the batch start, on the header word.
	srv.scanDataCompletions()
	assert.Equal(t, uint32(0), st.TailB)
	assert.False(t, bs.batches[0].skipped)

	// First completion commits the header word and the response together.
	bs.pool[0].Complete(proto.ErrSuccess, 0)
	srv.scanDataCompletions()
	assert.Equal(t, uint32(2*proto.ResponseAlign), st.TailB)
	assert.True(t, bs.batches[0].skipped)
	assert.Len(t, bs.inflight, 1)

	// The committed slot carries the final result.
	var got proto.B2FAckHeader
	var raw [proto.B2FAckHeaderSize]byte
	v := ring.Slice(st.Buf, off1+proto.LenWordSize, proto.B2FAckHeaderSize)
	v.CopyOut(raw[:])
	require.NoError(t, got.UnmarshalFrom(raw[:]))
	assert.Equal(t, uint64(1), got.RequestID)
	assert.Equal(t, proto.ErrSuccess, got.Result)
}

// Completions arriving out of order advance the completion tail only over
// the committed prefix.
func TestScannerStopsAtPendingPrefix(t *testing.T) {
	srv, bs := newScanServer(t)
	st := bs.staging

	hdrOff, err := st.BeginBatch()
	require.NoError(t, err)
	off1, err := st.Reserve(proto.ResponseAlign)
	require.NoError(t, err)
	off2, err := st.Reserve(proto.ResponseAlign)
	require.NoError(t, err)
	total := uint32(3 * proto.ResponseAlign)
	st.FinishBatch(hdrOff, total)
	bs.batches = append(bs.batches, batchInfo{total: total})

	bs.pool[0].Reset(proto.F2BReqHeader{RequestID: 1}, ring.SplittableBuffer{}, false)
	bs.pool[1].Reset(proto.F2BReqHeader{RequestID: 2}, ring.SplittableBuffer{}, false)
	bs.inflight = []inflightResp{
		{poolIndex: 0, off: off1, size: proto.ResponseAlign},
		{poolIndex: 1, off: off2, size: proto.ResponseAlign},
	}

	// The second request finishes first; the prefix is still pending.
	bs.pool[1].Complete(proto.ErrSuccess, 0)
	srv.scanDataCompletions()
	assert.Equal(t, uint32(0), st.TailB)
	assert.Len(t, bs.inflight, 2)

	// Once the head of line completes, both commit in order and the batch
	// becomes ready for transmission. A poll is already in flight so the
	// scanner leaves the transmit trigger alone.
	bs.respPolling = true
	bs.pool[0].Complete(proto.ErrSuccess, 0)
	srv.scanDataCompletions()
	assert.Equal(t, total, st.Completed())
	assert.True(t, bs.frontBatchReady())
}
