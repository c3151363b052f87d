package hostbridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/substratefs/substrate/internal/proto"
	"github.com/substratefs/substrate/internal/ring"
	"github.com/substratefs/substrate/internal/transport/rdma"
)

// DMABuffer owns one client's ring region: the host allocates and registers
// it, hands the backend its address and access token through the buffer
// handshake, and from then on produces request frames and consumes response
// frames while the backend moves the bytes with one-sided transfers.
type DMABuffer struct {
	fabric rdma.Backend
	events rdma.EventChannel
	conn   rdma.Conn
	pd     rdma.PD
	cq     rdma.CQ
	qp     rdma.QP

	msgRecvBuf []byte
	msgSendBuf []byte
	msgRecvMR  rdma.MemoryRegion
	msgSendMR  rdma.MemoryRegion

	region   []byte
	regionMR rdma.MemoryRegion
	layout   ring.Layout
	writer   *ring.RequestWriter
	reader   *ring.ResponseReader

	// BufferID is the buffer slot index assigned by the backend.
	BufferID int32

	clientID  int32
	nextReqID uint64

	mu     sync.Mutex
	closed bool
}

// Attach allocates the ring region, dials the buffer channel, and binds the
// region to the given client session. Capacity is the per-ring byte capacity
// and must be a power of two; batching must match the backend's
// response-batching setting.
func Attach(ctx context.Context, fabric rdma.Backend, addr string, clientID int32, capacity uint32, batching bool) (*DMABuffer, error) {
	layout, err := ring.NewLayout(capacity)
	if err != nil {
		return nil, err
	}

	d := &DMABuffer{
		fabric:    fabric,
		events:    fabric.NewEventChannel(),
		layout:    layout,
		clientID:  clientID,
		nextReqID: 1,
	}

	conn, err := fabric.Dial(ctx, d.events, addr, proto.BuffConnPrivData)
	if err != nil {
		return nil, err
	}
	d.conn = conn

	if d.pd, err = fabric.AllocPD(conn); err != nil {
		return nil, err
	}
	if d.cq, err = fabric.CreateCQ(conn, 64); err != nil {
		return nil, err
	}
	if d.qp, err = fabric.CreateQP(conn, d.pd, d.cq, 64, 64, 1); err != nil {
		return nil, err
	}

	d.region = make([]byte, layout.Total)
	if d.regionMR, err = fabric.RegMR(d.pd, d.region, rdma.AccessFull); err != nil {
		return nil, err
	}
	d.msgRecvBuf = make([]byte, proto.CtrlMsgSize)
	d.msgSendBuf = make([]byte, proto.CtrlMsgSize)
	if d.msgRecvMR, err = fabric.RegMR(d.pd, d.msgRecvBuf, rdma.AccessLocalWrite); err != nil {
		return nil, err
	}
	if d.msgSendMR, err = fabric.RegMR(d.pd, d.msgSendBuf, 0); err != nil {
		return nil, err
	}

	// Bind the region to the client session.
	if err = fabric.PostRecv(d.qp, d.msgRecvMR, 0, proto.CtrlMsgSize, 1); err != nil {
		return nil, err
	}
	req := proto.BuffRequestID{
		ClientID:      clientID,
		BufferAddress: d.regionMR.Base,
		Capacity:      capacity,
		AccessToken:   d.regionMR.RKey,
	}
	proto.PutHeader(d.msgSendBuf, proto.MsgBuffF2BRequestID)
	n := proto.HeaderSize + req.Marshal(d.msgSendBuf[proto.HeaderSize:])
	if err = fabric.PostSend(d.qp, d.msgSendMR, 0, n, 2); err != nil {
		return nil, err
	}
	if err = d.awaitRecv(ctx); err != nil {
		return nil, err
	}
	if got := proto.Header(d.msgRecvBuf); got != proto.MsgBuffB2FRespondID {
		return nil, fmt.Errorf("hostbridge: unexpected buffer handshake reply %d", got)
	}
	var resp proto.BuffRespondID
	if err = resp.Unmarshal(d.msgRecvBuf[proto.HeaderSize:]); err != nil {
		return nil, err
	}
	d.BufferID = resp.BufferID

	d.writer = ring.NewRequestWriter(
		d.region[layout.ReqData:layout.ReqData+int(capacity)],
		d.region[layout.ReqMeta:layout.ReqMeta+ring.MetaSize],
	)
	d.reader = ring.NewResponseReader(
		d.region[layout.RespData:layout.RespData+int(capacity)],
		d.region[layout.RespMeta:layout.RespMeta+ring.MetaSize],
		batching,
	)

	log.Debug().Int32("buffer", d.BufferID).Int32("client", clientID).Msg("Buffer session bound")
	return d, nil
}

func (d *DMABuffer) awaitRecv(ctx context.Context) error {
	for {
		wc, err := d.fabric.WaitCQ(ctx, d.cq)
		if err != nil {
			return err
		}
		if wc.Status != rdma.StatusSuccess {
			return &rdma.RdmaError{Op: "buff-completion", Err: rdma.ErrNotConnected}
		}
		if wc.Op == rdma.OpRecv {
			return nil
		}
	}
}

// EnqueueWrite stages a write request without publishing it. Staged requests
// become visible to the backend on the next Flush.
func (d *DMABuffer) EnqueueWrite(fileID uint32, offset uint64, data []byte) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextReqID
	hdr := proto.F2BReqHeader{
		RequestID: id,
		FileID:    fileID,
		Offset:    offset,
		Bytes:     uint32(len(data)),
	}
	if err := d.writer.Push(&hdr, data); err != nil {
		return 0, err
	}
	d.nextReqID++
	return id, nil
}

// EnqueueRead stages a read request without publishing it.
func (d *DMABuffer) EnqueueRead(fileID uint32, offset uint64, n uint32) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextReqID
	hdr := proto.F2BReqHeader{
		RequestID: id,
		FileID:    fileID,
		Offset:    offset,
		Bytes:     n,
	}
	if err := d.writer.Push(&hdr, nil); err != nil {
		return 0, err
	}
	d.nextReqID++
	return id, nil
}

// Flush publishes all staged requests in one producer publish.
func (d *DMABuffer) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writer.Publish()
}

// WriteFile enqueues and publishes one write request.
func (d *DMABuffer) WriteFile(fileID uint32, offset uint64, data []byte) (uint64, error) {
	id, err := d.EnqueueWrite(fileID, offset, data)
	if err != nil {
		return 0, err
	}
	d.Flush()
	return id, nil
}

// ReadFile enqueues and publishes one read request.
func (d *DMABuffer) ReadFile(fileID uint32, offset uint64, n uint32) (uint64, error) {
	id, err := d.EnqueueRead(fileID, offset, n)
	if err != nil {
		return 0, err
	}
	d.Flush()
	return id, nil
}

// Poll returns the next completed response, or nil.
func (d *DMABuffer) Poll() *ring.Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reader.Poll()
}

// WaitResponse polls until a response arrives or ctx expires.
func (d *DMABuffer) WaitResponse(ctx context.Context) (*ring.Response, error) {
	for {
		if r := d.Poll(); r != nil {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Microsecond):
		}
	}
}

// Release detaches the buffer session and disconnects.
func (d *DMABuffer) Release(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	req := proto.BuffRelease{ClientID: d.clientID, BufferID: d.BufferID}
	proto.PutHeader(d.msgSendBuf, proto.MsgBuffF2BRelease)
	n := proto.HeaderSize + req.Marshal(d.msgSendBuf[proto.HeaderSize:])
	if err := d.fabric.PostSend(d.qp, d.msgSendMR, 0, n, 2); err != nil {
		return err
	}
	if _, err := d.fabric.WaitCQ(ctx, d.cq); err != nil {
		return err
	}
	return d.fabric.Disconnect(d.conn)
}
