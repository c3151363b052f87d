// Package rdma provides the RDMA transport abstraction of the Substrate
// dataplane: connection-manager events, queue pairs, completion queues,
// memory registration, and one-sided read/write verbs.
//
// The Backend interface is the seam between the dataplane and the underlying
// fabric. The default backend is an in-process loopback that moves real bytes
// between registered regions, which is what the test suite and the embedded
// demo mode run on. It is the only backend in this package; another fabric
// plugs in by implementing Backend.
//
// All calls are non-blocking except Dial (connection establishment) and
// WaitCQ (the explicit blocking completion wait). Verb failures surface as
// *RdmaError; no retries happen at this layer.
package rdma

import (
	"context"
	"errors"
	"fmt"
)

// Handle types for fabric objects.
type (
	// Conn identifies one connection-manager id.
	Conn uint64
	// PD identifies a protection domain.
	PD uint64
	// CQ identifies a completion queue.
	CQ uint64
	// QP identifies a queue pair.
	QP uint64
)

// Access flags for memory registration.
type Access int

const (
	AccessLocalWrite Access = 1 << iota
	AccessRemoteRead
	AccessRemoteWrite
)

// AccessFull is the registration set used for ring regions.
const AccessFull = AccessLocalWrite | AccessRemoteRead | AccessRemoteWrite

// Opcode tags a work completion.
type Opcode int

const (
	OpSend Opcode = iota
	OpRecv
	OpRead
	OpWrite
	OpRecvImm
)

// Status of a work completion.
type Status int

const (
	StatusSuccess Status = iota
	StatusRemoteAccessError
	StatusFlushed
	StatusError
)

// Completion is one work-completion entry.
type Completion struct {
	WRID    uint64
	Status  Status
	Op      Opcode
	ByteLen uint32
	Imm     uint32
}

// MemoryRegion describes a registered region. Base and RKey are what a peer
// needs to address the region remotely; LKey authorizes local use.
type MemoryRegion struct {
	Handle uint64
	Base   uint64
	Length int
	LKey   uint32
	RKey   uint32
}

// EventType enumerates connection-manager events.
type EventType int

const (
	EventAddrResolved EventType = iota
	EventRouteResolved
	EventConnectRequest
	EventEstablished
	EventDisconnected
	EventAddrError
	EventRouteError
	EventConnectError
	EventUnreachable
	EventRejected
	EventDeviceRemoval
)

func (t EventType) String() string {
	switch t {
	case EventAddrResolved:
		return "addr-resolved"
	case EventRouteResolved:
		return "route-resolved"
	case EventConnectRequest:
		return "connect-request"
	case EventEstablished:
		return "established"
	case EventDisconnected:
		return "disconnected"
	case EventAddrError:
		return "addr-error"
	case EventRouteError:
		return "route-error"
	case EventConnectError:
		return "connect-error"
	case EventUnreachable:
		return "unreachable"
	case EventRejected:
		return "rejected"
	case EventDeviceRemoval:
		return "device-removal"
	default:
		return "unknown"
	}
}

// Event is one connection-manager event. PrivData carries the one-byte
// connection private data on EventConnectRequest.
type Event struct {
	Type     EventType
	Conn     Conn
	PrivData byte
}

// EventChannel delivers connection-manager events. Poll never blocks and
// returns nil when no event is pending.
type EventChannel interface {
	Poll() *Event
}

// Sentinel failure causes wrapped by RdmaError.
var (
	ErrBadHandle    = errors.New("unknown handle")
	ErrNoListener   = errors.New("no listener at address")
	ErrRejected     = errors.New("connection rejected")
	ErrNotConnected = errors.New("connection not established")
	ErrBadAccess    = errors.New("remote address outside registered region")
	ErrCQEmpty      = errors.New("completion queue empty")
)

// RdmaError is the failure type of every verb call.
type RdmaError struct {
	Op  string
	Err error
}

func (e *RdmaError) Error() string {
	return fmt.Sprintf("rdma: %s: %v", e.Op, e.Err)
}

func (e *RdmaError) Unwrap() error { return e.Err }

func verbErr(op string, err error) *RdmaError {
	return &RdmaError{Op: op, Err: err}
}

// Backend is the fabric seam.
type Backend interface {
	// Connection management.
	NewEventChannel() EventChannel
	Listen(ch EventChannel, addr string) (Conn, error)
	Dial(ctx context.Context, ch EventChannel, addr string, privData byte) (Conn, error)
	Accept(c Conn, responderResources, initiatorDepth int) error
	Reject(c Conn) error
	Disconnect(c Conn) error

	// Resources.
	AllocPD(c Conn) (PD, error)
	DeallocPD(pd PD) error
	CreateCQ(c Conn, depth int) (CQ, error)
	DestroyCQ(cq CQ) error
	CreateQP(c Conn, pd PD, cq CQ, sendDepth, recvDepth, maxSGE int) (QP, error)
	DestroyQP(qp QP) error
	RegMR(pd PD, buf []byte, access Access) (MemoryRegion, error)
	DeregMR(mr MemoryRegion) error

	// Work requests. off and n select a span of the local region; remote
	// addresses are Base-relative peer addresses under the given rkey.
	PostRecv(qp QP, mr MemoryRegion, off, n int, wrID uint64) error
	PostSend(qp QP, mr MemoryRegion, off, n int, wrID uint64) error
	PostRead(qp QP, mr MemoryRegion, off, n int, remoteAddr uint64, rkey uint32, wrID uint64) error
	PostWrite(qp QP, mr MemoryRegion, off, n int, remoteAddr uint64, rkey uint32, wrID uint64) error
	PostWriteImm(qp QP, mr MemoryRegion, off, n int, remoteAddr uint64, rkey uint32, imm uint32, wrID uint64) error

	// Completion polling: PollCQ returns nil when the queue is empty;
	// WaitCQ blocks until a completion or ctx cancellation.
	PollCQ(cq CQ) (*Completion, error)
	WaitCQ(ctx context.Context, cq CQ) (*Completion, error)
}
