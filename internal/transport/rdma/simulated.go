package rdma

import (
	"context"
	"sync"
)

// Simulated is the in-process loopback backend. Both ends of a connection
// live in the same process; one-sided reads and writes resolve the remote key
// against the peer's registered regions and move real bytes, and sends land
// in the peer's posted receive buffers. Completions are delivered in post
// order per queue pair, which models the in-order delivery of a reliable
// connection.
type Simulated struct {
	mu         sync.Mutex
	nextHandle uint64

	listeners map[string]*simListener
	conns     map[Conn]*simConn
	pds       map[PD]*simPD
	cqs       map[CQ]*simCQ
	qps       map[QP]*simQP
	mrs       map[uint64]*simMR
	mrByRKey  map[uint32]*simMR
}

var _ Backend = (*Simulated)(nil)

// NewSimulated creates an empty loopback fabric.
func NewSimulated() *Simulated {
	return &Simulated{
		listeners: make(map[string]*simListener),
		conns:     make(map[Conn]*simConn),
		pds:       make(map[PD]*simPD),
		cqs:       make(map[CQ]*simCQ),
		qps:       make(map[QP]*simQP),
		mrs:       make(map[uint64]*simMR),
		mrByRKey:  make(map[uint32]*simMR),
	}
}

type simListener struct {
	addr string
	ch   *SimEventChannel
	conn Conn
}

type connState int

const (
	connPending connState = iota
	connConnected
	connClosed
)

type simConn struct {
	id       Conn
	peer     *simConn
	ch       *SimEventChannel
	qp       *simQP
	state    connState
	privData byte
	dialDone chan error
}

type simPD struct {
	conn Conn
}

type simCQ struct {
	queue  []Completion
	notify chan struct{}
}

func (q *simCQ) push(c Completion) {
	q.queue = append(q.queue, c)
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

type postedRecv struct {
	mr   *simMR
	off  int
	n    int
	wrID uint64
}

type pendingDelivery struct {
	data  []byte
	imm   uint32
	isImm bool
}

type simQP struct {
	conn    *simConn
	cq      *simCQ
	recvs   []postedRecv
	pending []pendingDelivery
}

type simMR struct {
	handle uint64
	buf    []byte
	base   uint64
	key    uint32
}

// SimEventChannel queues connection-manager events for one endpoint.
type SimEventChannel struct {
	s      *Simulated
	events []Event
}

// Poll pops the next pending event, or nil.
func (ch *SimEventChannel) Poll() *Event {
	ch.s.mu.Lock()
	defer ch.s.mu.Unlock()
	if len(ch.events) == 0 {
		return nil
	}
	ev := ch.events[0]
	ch.events = ch.events[1:]
	return &ev
}

func (ch *SimEventChannel) post(ev Event) {
	ch.events = append(ch.events, ev)
}

func (s *Simulated) handle() uint64 {
	s.nextHandle++
	return s.nextHandle
}

// NewEventChannel creates an endpoint event channel.
func (s *Simulated) NewEventChannel() EventChannel {
	return &SimEventChannel{s: s}
}

// Listen binds a listener at addr delivering events to ch.
func (s *Simulated) Listen(ch EventChannel, addr string) (Conn, error) {
	sch, ok := ch.(*SimEventChannel)
	if !ok {
		return 0, verbErr("listen", ErrBadHandle)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := Conn(s.handle())
	s.listeners[addr] = &simListener{addr: addr, ch: sch, conn: id}
	return id, nil
}

// Dial connects to the listener at addr, carrying one byte of private data.
// It blocks until the listener accepts or rejects, or ctx is cancelled.
func (s *Simulated) Dial(ctx context.Context, ch EventChannel, addr string, privData byte) (Conn, error) {
	sch, ok := ch.(*SimEventChannel)
	if !ok {
		return 0, verbErr("dial", ErrBadHandle)
	}

	s.mu.Lock()
	l, ok := s.listeners[addr]
	if !ok {
		s.mu.Unlock()
		return 0, verbErr("dial", ErrNoListener)
	}

	local := &simConn{id: Conn(s.handle()), ch: sch, privData: privData, dialDone: make(chan error, 1)}
	remote := &simConn{id: Conn(s.handle()), ch: l.ch, privData: privData}
	local.peer = remote
	remote.peer = local
	s.conns[local.id] = local
	s.conns[remote.id] = remote
	l.ch.post(Event{Type: EventConnectRequest, Conn: remote.id, PrivData: privData})
	s.mu.Unlock()

	select {
	case err := <-local.dialDone:
		if err != nil {
			return 0, verbErr("dial", err)
		}
		return local.id, nil
	case <-ctx.Done():
		return 0, verbErr("dial", ctx.Err())
	}
}

// Accept completes the handshake of a pending connect request.
func (s *Simulated) Accept(c Conn, responderResources, initiatorDepth int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[c]
	if !ok || conn.peer == nil {
		return verbErr("accept", ErrBadHandle)
	}
	conn.state = connConnected
	conn.peer.state = connConnected
	conn.ch.post(Event{Type: EventEstablished, Conn: c})
	conn.peer.dialDone <- nil
	return nil
}

// Reject refuses a pending connect request.
func (s *Simulated) Reject(c Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[c]
	if !ok || conn.peer == nil {
		return verbErr("reject", ErrBadHandle)
	}
	conn.state = connClosed
	conn.peer.state = connClosed
	conn.peer.dialDone <- ErrRejected
	delete(s.conns, conn.id)
	delete(s.conns, conn.peer.id)
	return nil
}

// Disconnect tears down an established connection; the peer observes an
// EventDisconnected on its channel.
func (s *Simulated) Disconnect(c Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[c]
	if !ok {
		return verbErr("disconnect", ErrBadHandle)
	}
	conn.state = connClosed
	delete(s.conns, c)
	if peer := conn.peer; peer != nil && peer.state != connClosed {
		peer.state = connClosed
		peer.ch.post(Event{Type: EventDisconnected, Conn: peer.id})
	}
	return nil
}

// AllocPD creates a protection domain for a connection.
func (s *Simulated) AllocPD(c Conn) (PD, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c]; !ok {
		return 0, verbErr("alloc-pd", ErrBadHandle)
	}
	pd := PD(s.handle())
	s.pds[pd] = &simPD{conn: c}
	return pd, nil
}

// DeallocPD releases a protection domain.
func (s *Simulated) DeallocPD(pd PD) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pds, pd)
	return nil
}

// CreateCQ creates a completion queue of the given depth.
func (s *Simulated) CreateCQ(c Conn, depth int) (CQ, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c]; !ok {
		return 0, verbErr("create-cq", ErrBadHandle)
	}
	cq := CQ(s.handle())
	s.cqs[cq] = &simCQ{notify: make(chan struct{}, 1)}
	return cq, nil
}

// DestroyCQ releases a completion queue.
func (s *Simulated) DestroyCQ(cq CQ) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cqs, cq)
	return nil
}

// CreateQP creates the queue pair of a connection.
func (s *Simulated) CreateQP(c Conn, pd PD, cq CQ, sendDepth, recvDepth, maxSGE int) (QP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[c]
	if !ok {
		return 0, verbErr("create-qp", ErrBadHandle)
	}
	scq, ok := s.cqs[cq]
	if !ok {
		return 0, verbErr("create-qp", ErrBadHandle)
	}
	qp := QP(s.handle())
	sqp := &simQP{conn: conn, cq: scq}
	s.qps[qp] = sqp
	conn.qp = sqp
	return qp, nil
}

// DestroyQP releases a queue pair.
func (s *Simulated) DestroyQP(qp QP) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sqp, ok := s.qps[qp]; ok && sqp.conn != nil && sqp.conn.qp == sqp {
		sqp.conn.qp = nil
	}
	delete(s.qps, qp)
	return nil
}

// RegMR registers buf and assigns it a fabric-unique base address and key.
func (s *Simulated) RegMR(pd PD, buf []byte, access Access) (MemoryRegion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pds[pd]; !ok {
		return MemoryRegion{}, verbErr("reg-mr", ErrBadHandle)
	}
	h := s.handle()
	mr := &simMR{handle: h, buf: buf, base: h << 32, key: uint32(h)}
	s.mrs[h] = mr
	s.mrByRKey[mr.key] = mr
	return MemoryRegion{Handle: h, Base: mr.base, Length: len(buf), LKey: mr.key, RKey: mr.key}, nil
}

// DeregMR removes a registration.
func (s *Simulated) DeregMR(mr MemoryRegion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.mrs[mr.Handle]; ok {
		delete(s.mrByRKey, m.key)
		delete(s.mrs, mr.Handle)
	}
	return nil
}

func (s *Simulated) localSpan(op string, mr MemoryRegion, off, n int) (*simMR, error) {
	m, ok := s.mrs[mr.Handle]
	if !ok {
		return nil, verbErr(op, ErrBadHandle)
	}
	if off < 0 || n < 0 || off+n > len(m.buf) {
		return nil, verbErr(op, ErrBadAccess)
	}
	return m, nil
}

func (s *Simulated) remoteSpan(rkey uint32, addr uint64, n int) ([]byte, bool) {
	m, ok := s.mrByRKey[rkey]
	if !ok {
		return nil, false
	}
	if addr < m.base || addr+uint64(n) > m.base+uint64(len(m.buf)) {
		return nil, false
	}
	off := int(addr - m.base)
	return m.buf[off : off+n], true
}

// PostRecv posts a receive buffer. A buffered delivery that arrived before
// the receive is consumed immediately.
func (s *Simulated) PostRecv(qp QP, mr MemoryRegion, off, n int, wrID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sqp, ok := s.qps[qp]
	if !ok {
		return verbErr("post-recv", ErrBadHandle)
	}
	m, err := s.localSpan("post-recv", mr, off, n)
	if err != nil {
		return err
	}
	if len(sqp.pending) > 0 {
		d := sqp.pending[0]
		sqp.pending = sqp.pending[1:]
		s.deliver(sqp, postedRecv{mr: m, off: off, n: n, wrID: wrID}, d)
		return nil
	}
	sqp.recvs = append(sqp.recvs, postedRecv{mr: m, off: off, n: n, wrID: wrID})
	return nil
}

func (s *Simulated) deliver(sqp *simQP, r postedRecv, d pendingDelivery) {
	if d.isImm {
		sqp.cq.push(Completion{WRID: r.wrID, Status: StatusSuccess, Op: OpRecvImm, Imm: d.imm})
		return
	}
	n := copy(r.mr.buf[r.off:r.off+r.n], d.data)
	sqp.cq.push(Completion{WRID: r.wrID, Status: StatusSuccess, Op: OpRecv, ByteLen: uint32(n)})
}

func (s *Simulated) peerQP(op string, sqp *simQP) (*simQP, error) {
	conn := sqp.conn
	if conn == nil || conn.state != connConnected {
		return nil, verbErr(op, ErrNotConnected)
	}
	peer := conn.peer
	if peer == nil || peer.qp == nil {
		return nil, verbErr(op, ErrNotConnected)
	}
	return peer.qp, nil
}

// PostSend transfers a message into the peer's next posted receive.
func (s *Simulated) PostSend(qp QP, mr MemoryRegion, off, n int, wrID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sqp, ok := s.qps[qp]
	if !ok {
		return verbErr("post-send", ErrBadHandle)
	}
	m, err := s.localSpan("post-send", mr, off, n)
	if err != nil {
		return err
	}
	pqp, err := s.peerQP("post-send", sqp)
	if err != nil {
		return err
	}

	data := make([]byte, n)
	copy(data, m.buf[off:off+n])
	if len(pqp.recvs) > 0 {
		r := pqp.recvs[0]
		pqp.recvs = pqp.recvs[1:]
		s.deliver(pqp, r, pendingDelivery{data: data})
	} else {
		pqp.pending = append(pqp.pending, pendingDelivery{data: data})
	}
	sqp.cq.push(Completion{WRID: wrID, Status: StatusSuccess, Op: OpSend, ByteLen: uint32(n)})
	return nil
}

// PostRead copies remote bytes into the local region.
func (s *Simulated) PostRead(qp QP, mr MemoryRegion, off, n int, remoteAddr uint64, rkey uint32, wrID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sqp, ok := s.qps[qp]
	if !ok {
		return verbErr("post-read", ErrBadHandle)
	}
	m, err := s.localSpan("post-read", mr, off, n)
	if err != nil {
		return err
	}
	if _, err := s.peerQP("post-read", sqp); err != nil {
		return err
	}

	remote, ok := s.remoteSpan(rkey, remoteAddr, n)
	if !ok {
		sqp.cq.push(Completion{WRID: wrID, Status: StatusRemoteAccessError, Op: OpRead})
		return nil
	}
	copy(m.buf[off:off+n], remote)
	sqp.cq.push(Completion{WRID: wrID, Status: StatusSuccess, Op: OpRead, ByteLen: uint32(n)})
	return nil
}

// PostWrite copies local bytes into the remote region.
func (s *Simulated) PostWrite(qp QP, mr MemoryRegion, off, n int, remoteAddr uint64, rkey uint32, wrID uint64) error {
	return s.postWrite(qp, mr, off, n, remoteAddr, rkey, 0, false, wrID)
}

// PostWriteImm is PostWrite followed by an immediate notification consuming
// one posted receive at the peer.
func (s *Simulated) PostWriteImm(qp QP, mr MemoryRegion, off, n int, remoteAddr uint64, rkey uint32, imm uint32, wrID uint64) error {
	return s.postWrite(qp, mr, off, n, remoteAddr, rkey, imm, true, wrID)
}

func (s *Simulated) postWrite(qp QP, mr MemoryRegion, off, n int, remoteAddr uint64, rkey uint32, imm uint32, withImm bool, wrID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sqp, ok := s.qps[qp]
	if !ok {
		return verbErr("post-write", ErrBadHandle)
	}
	m, err := s.localSpan("post-write", mr, off, n)
	if err != nil {
		return err
	}
	pqp, err := s.peerQP("post-write", sqp)
	if err != nil {
		return err
	}

	remote, ok := s.remoteSpan(rkey, remoteAddr, n)
	if !ok {
		sqp.cq.push(Completion{WRID: wrID, Status: StatusRemoteAccessError, Op: OpWrite})
		return nil
	}
	copy(remote, m.buf[off:off+n])
	if withImm {
		if len(pqp.recvs) > 0 {
			r := pqp.recvs[0]
			pqp.recvs = pqp.recvs[1:]
			s.deliver(pqp, r, pendingDelivery{imm: imm, isImm: true})
		} else {
			pqp.pending = append(pqp.pending, pendingDelivery{imm: imm, isImm: true})
		}
	}
	sqp.cq.push(Completion{WRID: wrID, Status: StatusSuccess, Op: OpWrite, ByteLen: uint32(n)})
	return nil
}

// PollCQ pops one completion, or returns nil when the queue is empty.
func (s *Simulated) PollCQ(cq CQ) (*Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.cqs[cq]
	if !ok {
		return nil, verbErr("poll-cq", ErrBadHandle)
	}
	if len(q.queue) == 0 {
		return nil, nil
	}
	c := q.queue[0]
	q.queue = q.queue[1:]
	return &c, nil
}

// WaitCQ blocks until a completion is available or ctx is cancelled.
func (s *Simulated) WaitCQ(ctx context.Context, cq CQ) (*Completion, error) {
	for {
		s.mu.Lock()
		q, ok := s.cqs[cq]
		if !ok {
			s.mu.Unlock()
			return nil, verbErr("wait-cq", ErrBadHandle)
		}
		if len(q.queue) > 0 {
			c := q.queue[0]
			q.queue = q.queue[1:]
			s.mu.Unlock()
			return &c, nil
		}
		notify := q.notify
		s.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return nil, verbErr("wait-cq", ctx.Err())
		}
	}
}
