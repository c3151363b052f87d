// Package hostbridge is the host-resident client library of the Substrate
// dataplane. A Bridge carries typed control operations over the control
// channel; a DMABuffer owns the shared ring region and moves file data
// through it.
package hostbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/substratefs/substrate/internal/proto"
	"github.com/substratefs/substrate/internal/transport/rdma"
)

// StatusError carries a non-success result code returned by the backend.
type StatusError struct {
	Code proto.ErrorCode
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: %s", e.Code)
}

// ErrNotFound and friends let callers test common results without unwrapping.
var (
	ErrNotFound      = &StatusError{Code: proto.ErrNotFound}
	ErrAlreadyExists = &StatusError{Code: proto.ErrAlreadyExists}
)

// Is matches StatusError values by code.
func (e *StatusError) Is(target error) bool {
	var se *StatusError
	if errors.As(target, &se) {
		return se.Code == e.Code
	}
	return false
}

func codeErr(code proto.ErrorCode) error {
	if code == proto.ErrSuccess {
		return nil
	}
	return &StatusError{Code: code}
}

// Bridge is one client's control session. Control operations serialize: the
// backend holds at most one outstanding operation per session.
type Bridge struct {
	fabric rdma.Backend
	events rdma.EventChannel
	conn   rdma.Conn
	pd     rdma.PD
	cq     rdma.CQ
	qp     rdma.QP

	recvBuf []byte
	sendBuf []byte
	recvMR  rdma.MemoryRegion
	sendMR  rdma.MemoryRegion

	// ClientID is the slot index assigned by the backend.
	ClientID int32

	mu     sync.Mutex
	closed bool
}

// Connect dials the backend control channel and performs the id handshake.
func Connect(ctx context.Context, fabric rdma.Backend, addr string) (*Bridge, error) {
	b := &Bridge{fabric: fabric, events: fabric.NewEventChannel()}

	conn, err := fabric.Dial(ctx, b.events, addr, proto.CtrlConnPrivData)
	if err != nil {
		return nil, err
	}
	b.conn = conn

	if b.pd, err = fabric.AllocPD(conn); err != nil {
		return nil, err
	}
	if b.cq, err = fabric.CreateCQ(conn, 32); err != nil {
		return nil, err
	}
	if b.qp, err = fabric.CreateQP(conn, b.pd, b.cq, 16, 16, 1); err != nil {
		return nil, err
	}

	b.recvBuf = make([]byte, proto.CtrlMsgSize)
	b.sendBuf = make([]byte, proto.CtrlMsgSize)
	if b.recvMR, err = fabric.RegMR(b.pd, b.recvBuf, rdma.AccessLocalWrite); err != nil {
		return nil, err
	}
	if b.sendMR, err = fabric.RegMR(b.pd, b.sendBuf, 0); err != nil {
		return nil, err
	}

	// Ask for a client id.
	if err = fabric.PostRecv(b.qp, b.recvMR, 0, proto.CtrlMsgSize, 1); err != nil {
		return nil, err
	}
	proto.PutHeader(b.sendBuf, proto.MsgF2BRequestID)
	if err = fabric.PostSend(b.qp, b.sendMR, 0, proto.HeaderSize, 2); err != nil {
		return nil, err
	}
	if err = b.awaitRecv(ctx); err != nil {
		return nil, err
	}
	if got := proto.Header(b.recvBuf); got != proto.MsgB2FRespondID {
		return nil, fmt.Errorf("hostbridge: unexpected handshake reply %d", got)
	}
	var resp proto.RespondID
	if err = resp.Unmarshal(b.recvBuf[proto.HeaderSize:]); err != nil {
		return nil, err
	}
	b.ClientID = resp.ClientID
	log.Debug().Int32("client", b.ClientID).Msg("Control session established")
	return b, nil
}

// awaitRecv blocks until the next receive completion, draining send
// completions on the way.
func (b *Bridge) awaitRecv(ctx context.Context) error {
	for {
		wc, err := b.fabric.WaitCQ(ctx, b.cq)
		if err != nil {
			return err
		}
		if wc.Status != rdma.StatusSuccess {
			return &rdma.RdmaError{Op: "ctrl-completion", Err: rdma.ErrNotConnected}
		}
		if wc.Op == rdma.OpRecv {
			return nil
		}
	}
}

// roundTrip posts a receive, sends the request, and decodes the typed reply.
func (b *Bridge) roundTrip(ctx context.Context, reqID, ackID proto.MsgID, req marshaler, ack unmarshaler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return codeErr(proto.ErrNotConnected)
	}

	if err := b.fabric.PostRecv(b.qp, b.recvMR, 0, proto.CtrlMsgSize, 1); err != nil {
		return err
	}
	proto.PutHeader(b.sendBuf, reqID)
	n := proto.HeaderSize
	if req != nil {
		n += req.Marshal(b.sendBuf[proto.HeaderSize:])
	}
	if err := b.fabric.PostSend(b.qp, b.sendMR, 0, n, 2); err != nil {
		return err
	}
	if err := b.awaitRecv(ctx); err != nil {
		return err
	}
	if got := proto.Header(b.recvBuf); got != ackID {
		return fmt.Errorf("hostbridge: unexpected reply %d to request %d", got, reqID)
	}
	return ack.Unmarshal(b.recvBuf[proto.HeaderSize:])
}

type marshaler interface{ Marshal([]byte) int }
type unmarshaler interface{ Unmarshal([]byte) error }

// CreateDirectory creates a directory under parent.
func (b *Bridge) CreateDirectory(ctx context.Context, dirID, parentID uint32, name string) error {
	ack := &proto.AckCreateDirectory{}
	err := b.roundTrip(ctx, proto.MsgF2BReqCreateDir, proto.MsgB2FAckCreateDir,
		&proto.ReqCreateDirectory{DirID: dirID, ParentID: parentID, PathName: name}, ack)
	if err != nil {
		return err
	}
	return codeErr(ack.Result)
}

// RemoveDirectory removes an empty directory.
func (b *Bridge) RemoveDirectory(ctx context.Context, dirID uint32) error {
	ack := &proto.AckRemoveDirectory{}
	err := b.roundTrip(ctx, proto.MsgF2BReqRemoveDir, proto.MsgB2FAckRemoveDir,
		&proto.ReqRemoveDirectory{DirID: dirID}, ack)
	if err != nil {
		return err
	}
	return codeErr(ack.Result)
}

// CreateFile creates a file in a directory.
func (b *Bridge) CreateFile(ctx context.Context, fileID, dirID, attributes uint32, name string) error {
	ack := &proto.AckCreateFile{}
	err := b.roundTrip(ctx, proto.MsgF2BReqCreateFile, proto.MsgB2FAckCreateFile,
		&proto.ReqCreateFile{FileID: fileID, DirID: dirID, Attributes: attributes, FileName: name}, ack)
	if err != nil {
		return err
	}
	return codeErr(ack.Result)
}

// DeleteFile removes a file.
func (b *Bridge) DeleteFile(ctx context.Context, fileID, dirID uint32) error {
	ack := &proto.AckDeleteFile{}
	err := b.roundTrip(ctx, proto.MsgF2BReqDeleteFile, proto.MsgB2FAckDeleteFile,
		&proto.ReqDeleteFile{FileID: fileID, DirID: dirID}, ack)
	if err != nil {
		return err
	}
	return codeErr(ack.Result)
}

// ChangeFileSize truncates or extends a file.
func (b *Bridge) ChangeFileSize(ctx context.Context, fileID uint32, newSize uint64) error {
	ack := &proto.AckChangeFileSize{}
	err := b.roundTrip(ctx, proto.MsgF2BReqChangeFileSize, proto.MsgB2FAckChangeFileSize,
		&proto.ReqChangeFileSize{FileID: fileID, NewSize: newSize}, ack)
	if err != nil {
		return err
	}
	return codeErr(ack.Result)
}

// GetFileSize returns the current size of a file.
func (b *Bridge) GetFileSize(ctx context.Context, fileID uint32) (uint64, error) {
	ack := &proto.AckGetFileSize{}
	err := b.roundTrip(ctx, proto.MsgF2BReqGetFileSize, proto.MsgB2FAckGetFileSize,
		&proto.ReqGetFileSize{FileID: fileID}, ack)
	if err != nil {
		return 0, err
	}
	return ack.Size, codeErr(ack.Result)
}

// GetFileInfo returns the properties of a file.
func (b *Bridge) GetFileInfo(ctx context.Context, fileID uint32) (proto.FileProperties, error) {
	ack := &proto.AckGetFileInfo{}
	err := b.roundTrip(ctx, proto.MsgF2BReqGetFileInfo, proto.MsgB2FAckGetFileInfo,
		&proto.ReqGetFileInfo{FileID: fileID}, ack)
	if err != nil {
		return proto.FileProperties{}, err
	}
	return ack.Properties, codeErr(ack.Result)
}

// GetFileAttributes returns the attribute word of a file by id.
func (b *Bridge) GetFileAttributes(ctx context.Context, fileID uint32) (uint32, error) {
	ack := &proto.AckGetFileAttr{}
	err := b.roundTrip(ctx, proto.MsgF2BReqGetFileAttr, proto.MsgB2FAckGetFileAttr,
		&proto.ReqGetFileAttr{FileID: fileID}, ack)
	if err != nil {
		return 0, err
	}
	return ack.Attributes, codeErr(ack.Result)
}

// GetStorageFreeSpace returns the free capacity of the store.
func (b *Bridge) GetStorageFreeSpace(ctx context.Context) (uint64, error) {
	ack := &proto.AckGetFreeSpace{}
	err := b.roundTrip(ctx, proto.MsgF2BReqGetFreeSpace, proto.MsgB2FAckGetFreeSpace,
		&proto.ReqGetFreeSpace{}, ack)
	if err != nil {
		return 0, err
	}
	return ack.Bytes, codeErr(ack.Result)
}

// MoveFile renames a file, keeping its id.
func (b *Bridge) MoveFile(ctx context.Context, fileID uint32, newName string) error {
	ack := &proto.AckMoveFile{}
	err := b.roundTrip(ctx, proto.MsgF2BReqMoveFile, proto.MsgB2FAckMoveFile,
		&proto.ReqMoveFile{FileID: fileID, NewName: newName}, ack)
	if err != nil {
		return err
	}
	return codeErr(ack.Result)
}

// Close sends a terminate (which has no acknowledgement) and disconnects.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	proto.PutHeader(b.sendBuf, proto.MsgF2BTerminate)
	req := proto.Terminate{ClientID: b.ClientID}
	n := proto.HeaderSize + req.Marshal(b.sendBuf[proto.HeaderSize:])
	if err := b.fabric.PostSend(b.qp, b.sendMR, 0, n, 2); err != nil {
		return err
	}
	if _, err := b.fabric.WaitCQ(ctx, b.cq); err != nil {
		return err
	}
	return b.fabric.Disconnect(b.conn)
}
