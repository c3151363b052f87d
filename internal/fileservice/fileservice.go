// Package fileservice defines the file-service collaborator of the Substrate
// backend and provides the reference in-memory implementation.
//
// The dataplane talks to the service through two submission calls and plain
// memory writes back: the service signals completion by writing the result
// (and, for data operations, the serviced byte count) into the request
// envelope, which the backend's single-threaded event loop scans. There are
// no callbacks and no retries.
package fileservice

import (
	"sync/atomic"

	"github.com/substratefs/substrate/internal/proto"
	"github.com/substratefs/substrate/internal/ring"
)

// ControlRequest is the one outstanding control-plane operation of a control
// session. Kind is the request's message id; Req and Resp point at the typed
// decoded request and the staged acknowledgement.
type ControlRequest struct {
	Kind proto.MsgID
	Req  any
	Resp proto.Ack

	result atomic.Uint32
}

// NewControlRequest stages a pending operation; the result starts as
// io-pending and flips exactly once when the service completes it.
func NewControlRequest(kind proto.MsgID, req any, resp proto.Ack) *ControlRequest {
	r := &ControlRequest{Kind: kind, Req: req, Resp: resp}
	resp.SetResult(proto.ErrIoPending)
	r.result.Store(uint32(proto.ErrIoPending))
	return r
}

// Complete publishes the final result. The acknowledgement payload must be
// fully written before this call.
func (r *ControlRequest) Complete(code proto.ErrorCode) {
	r.Resp.SetResult(code)
	r.result.Store(uint32(code))
}

// Result returns the current result code.
func (r *ControlRequest) Result() proto.ErrorCode {
	return proto.ErrorCode(r.result.Load())
}

// Pending reports whether the service has not completed the request yet.
func (r *ControlRequest) Pending() bool {
	return r.Result() == proto.ErrIoPending
}

// DataRequest is one slot of a buffer session's pending request pool. The
// Buffer points into the session's ring mirror: the write source for writes,
// the read destination for reads. The service fills BytesServiced and the
// read payload before publishing the result.
type DataRequest struct {
	Hdr    proto.F2BReqHeader
	Buffer ring.SplittableBuffer
	IsRead bool

	// BytesServiced is written by the service before Complete; the atomic
	// result publication orders it.
	BytesServiced uint32

	result atomic.Uint32
}

// Reset rearms a pool slot for a freshly parsed request.
func (r *DataRequest) Reset(hdr proto.F2BReqHeader, buf ring.SplittableBuffer, isRead bool) {
	r.Hdr = hdr
	r.Buffer = buf
	r.IsRead = isRead
	r.BytesServiced = 0
	r.result.Store(uint32(proto.ErrIoPending))
}

// Complete publishes the result and serviced byte count.
func (r *DataRequest) Complete(code proto.ErrorCode, bytesServiced uint32) {
	r.BytesServiced = bytesServiced
	r.result.Store(uint32(code))
}

// Done returns the result when the request has completed.
func (r *DataRequest) Done() (proto.ErrorCode, uint32, bool) {
	code := proto.ErrorCode(r.result.Load())
	if code == proto.ErrIoPending {
		return code, 0, false
	}
	return code, r.BytesServiced, true
}

// Service is the collaborator interface the backend drives. Both calls are
// asynchronous; completion is observed through the request envelopes.
//
// SubmitDataPlaneRequest receives the session's whole slot pool plus the
// first index and count of the batch; slot indices wrap around the pool.
// Requests of one batch execute in submission order, and batches sharing an
// ioSlotBase execute in submission order relative to each other.
type Service interface {
	SubmitControlPlaneRequest(req *ControlRequest)
	SubmitDataPlaneRequest(pool []DataRequest, firstIndex, batchSize, ioSlotBase int)
	Close() error
}
