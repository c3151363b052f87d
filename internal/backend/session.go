// Package backend implements the Substrate storage backend: the connection
// registry for control and buffer sessions, the control message handler, the
// RDMA ring dataplane pipeline, and the single-threaded polling event loop
// that drives them.
package backend

import (
	"github.com/substratefs/substrate/internal/fileservice"
	"github.com/substratefs/substrate/internal/proto"
	"github.com/substratefs/substrate/internal/ring"
	"github.com/substratefs/substrate/internal/transport/rdma"
)

// Work request ids tag completions so the dataplane state machine can tell
// the transfers of one queue pair apart.
const (
	wrCtrlRecv uint64 = iota + 1
	wrCtrlSend
	wrBuffRecv
	wrBuffSend
	wrReadReqMeta
	wrReadReqData
	wrReadReqDataSplit
	wrWriteReqMeta
	wrReadRespMeta
	wrWriteRespData
	wrWriteRespDataSplit
	wrWriteRespMeta
)

type connState int

const (
	stateAvailable connState = iota
	stateOccupied
	stateConnected
)

// ctrlSession is one control-channel slot. At most one control-plane
// operation is outstanding per session: the pending slot.
type ctrlSession struct {
	id    int
	state connState

	conn rdma.Conn
	pd   rdma.PD
	cq   rdma.CQ
	qp   rdma.QP

	recvBuf []byte
	sendBuf []byte
	recvMR  rdma.MemoryRegion
	sendMR  rdma.MemoryRegion

	pending    *fileservice.ControlRequest
	pendingAck proto.MsgID
}

// batchInfo tracks one parsed-but-untransmitted response batch.
type batchInfo struct {
	total   uint32
	skipped bool // header slot already passed by TailB
}

// inflightResp is one reserved response slot awaiting its file-service
// completion, in parse order.
type inflightResp struct {
	poolIndex int
	off       uint32
	size      uint32
}

// buffSession is one buffer-channel slot: the local mirror of the remote
// request ring, the local staging of the response ring, and the pending
// data-plane request pool.
type buffSession struct {
	id       int
	clientID int32
	state    connState

	conn rdma.Conn
	pd   rdma.PD
	cq   rdma.CQ
	qp   rdma.QP

	msgRecvBuf []byte
	msgSendBuf []byte
	msgRecvMR  rdma.MemoryRegion
	msgSendMR  rdma.MemoryRegion

	// Remote ring region, learned from the buffer handshake.
	bound      bool
	remoteBase uint64
	rkey       uint32
	layout     ring.Layout

	// Local mirror of the request ring and its metadata read target.
	reqBuf     []byte
	reqMR      rdma.MemoryRegion
	reqMetaBuf []byte
	reqMetaMR  rdma.MemoryRegion

	// Local staging of the response ring and the host head read target.
	staging     *ring.Staging
	stagingMR   rdma.MemoryRegion
	respMetaBuf []byte
	respMetaMR  rdma.MemoryRegion

	// Request consumption state.
	reqHead    uint32
	fetchStart uint32
	fetchBytes uint32
	reqSplit   ring.SplitState

	// Response transmission state.
	respSplit   ring.SplitState
	respPolling bool

	pool     []fileservice.DataRequest
	nextCtx  int
	inflight []inflightResp
	batches  []batchInfo
}

func (bs *buffSession) reset() {
	bs.clientID = -1
	bs.bound = false
	bs.reqHead = 0
	bs.fetchStart = 0
	bs.fetchBytes = 0
	bs.reqSplit = ring.NotSplit
	bs.respSplit = ring.NotSplit
	bs.respPolling = false
	bs.nextCtx = 0
	bs.inflight = nil
	bs.batches = nil
	bs.reqBuf = nil
	bs.reqMetaBuf = nil
	bs.respMetaBuf = nil
	bs.staging = nil
	bs.pool = nil
}

// frontBatchReady reports whether the whole front batch has completed and
// awaits transmission.
func (bs *buffSession) frontBatchReady() bool {
	if len(bs.batches) == 0 {
		return false
	}
	return bs.staging.Completed() == bs.batches[0].total
}
