// Package proto defines the wire formats of the Substrate dataplane: the typed
// control messages exchanged on a client's control channel, the handshake and
// release messages of the buffer channel, and the framed records that travel
// through the request and response rings.
//
// Everything on the wire is little-endian. Control messages are a MsgHeader
// (just the message id) followed by a fixed-size payload; there is no length
// prefix. Ring frames are self-describing by a leading length word.
package proto

import (
	"encoding/binary"
	"fmt"
)

// MsgID identifies a control message type.
type MsgID uint16

const (
	MsgInvalid MsgID = iota

	// Control channel, front-end to back-end.
	MsgF2BRequestID
	MsgF2BTerminate
	MsgF2BReqCreateDir
	MsgF2BReqRemoveDir
	MsgF2BReqCreateFile
	MsgF2BReqDeleteFile
	MsgF2BReqChangeFileSize
	MsgF2BReqGetFileSize
	MsgF2BReqGetFileInfo
	MsgF2BReqGetFileAttr
	MsgF2BReqGetFreeSpace
	MsgF2BReqMoveFile

	// Control channel, back-end to front-end.
	MsgB2FRespondID
	MsgB2FAckCreateDir
	MsgB2FAckRemoveDir
	MsgB2FAckCreateFile
	MsgB2FAckDeleteFile
	MsgB2FAckChangeFileSize
	MsgB2FAckGetFileSize
	MsgB2FAckGetFileInfo
	MsgB2FAckGetFileAttr
	MsgB2FAckGetFreeSpace
	MsgB2FAckMoveFile

	// Buffer channel.
	MsgBuffF2BRequestID
	MsgBuffB2FRespondID
	MsgBuffF2BRelease
)

// Name returns a short label for metrics and logs.
func (id MsgID) Name() string {
	switch id {
	case MsgF2BRequestID:
		return "request-id"
	case MsgF2BTerminate:
		return "terminate"
	case MsgF2BReqCreateDir:
		return "create-dir"
	case MsgF2BReqRemoveDir:
		return "remove-dir"
	case MsgF2BReqCreateFile:
		return "create-file"
	case MsgF2BReqDeleteFile:
		return "delete-file"
	case MsgF2BReqChangeFileSize:
		return "change-file-size"
	case MsgF2BReqGetFileSize:
		return "get-file-size"
	case MsgF2BReqGetFileInfo:
		return "get-file-info"
	case MsgF2BReqGetFileAttr:
		return "get-file-attr"
	case MsgF2BReqGetFreeSpace:
		return "get-free-space"
	case MsgF2BReqMoveFile:
		return "move-file"
	case MsgBuffF2BRequestID:
		return "buff-request-id"
	case MsgBuffF2BRelease:
		return "buff-release"
	default:
		return "unknown"
	}
}

// Connection private data, one byte carried in the CM connect request.
const (
	CtrlConnPrivData byte = 0x11
	BuffConnPrivData byte = 0x22
)

const (
	// HeaderSize is the size of the MsgHeader on the wire.
	HeaderSize = 2

	// MaxNameLen bounds directory and file names in control messages. Names
	// are NUL-padded fixed fields so every MsgID has a fixed wire size.
	MaxNameLen = 224

	// CtrlMsgSize is the size of the control send/recv staging regions. Every
	// control message fits.
	CtrlMsgSize = 512

	// RootDirID is the identifier of the namespace root.
	RootDirID uint32 = 0
)

// ErrShortBuffer is returned by Unmarshal when the input cannot hold the
// fixed-size payload.
var ErrShortBuffer = fmt.Errorf("proto: short buffer")

// PutHeader writes the message header into b.
func PutHeader(b []byte, id MsgID) {
	binary.LittleEndian.PutUint16(b, uint16(id))
}

// Header reads the message id from b.
func Header(b []byte) MsgID {
	return MsgID(binary.LittleEndian.Uint16(b))
}

// Ack is implemented by every acknowledgement payload; the file service sets
// the result through it when completing a control-plane request.
type Ack interface {
	SetResult(ErrorCode)
}

func putName(b []byte, name string) {
	n := copy(b[:MaxNameLen], name)
	for i := n; i < MaxNameLen; i++ {
		b[i] = 0
	}
}

func getName(b []byte) string {
	n := 0
	for n < MaxNameLen && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// RespondID answers MsgF2BRequestID with the client slot index.
type RespondID struct {
	ClientID int32
}

const RespondIDSize = 4

func (m *RespondID) Marshal(b []byte) int {
	binary.LittleEndian.PutUint32(b, uint32(m.ClientID))
	return RespondIDSize
}

func (m *RespondID) Unmarshal(b []byte) error {
	if len(b) < RespondIDSize {
		return ErrShortBuffer
	}
	m.ClientID = int32(binary.LittleEndian.Uint32(b))
	return nil
}

// Terminate releases the client's control session.
type Terminate struct {
	ClientID int32
}

const TerminateSize = 4

func (m *Terminate) Marshal(b []byte) int {
	binary.LittleEndian.PutUint32(b, uint32(m.ClientID))
	return TerminateSize
}

func (m *Terminate) Unmarshal(b []byte) error {
	if len(b) < TerminateSize {
		return ErrShortBuffer
	}
	m.ClientID = int32(binary.LittleEndian.Uint32(b))
	return nil
}

// ReqCreateDirectory creates a directory under an existing parent.
type ReqCreateDirectory struct {
	DirID    uint32
	ParentID uint32
	PathName string
}

const ReqCreateDirectorySize = 8 + MaxNameLen

func (m *ReqCreateDirectory) Marshal(b []byte) int {
	binary.LittleEndian.PutUint32(b[0:], m.DirID)
	binary.LittleEndian.PutUint32(b[4:], m.ParentID)
	putName(b[8:], m.PathName)
	return ReqCreateDirectorySize
}

func (m *ReqCreateDirectory) Unmarshal(b []byte) error {
	if len(b) < ReqCreateDirectorySize {
		return ErrShortBuffer
	}
	m.DirID = binary.LittleEndian.Uint32(b[0:])
	m.ParentID = binary.LittleEndian.Uint32(b[4:])
	m.PathName = getName(b[8:])
	return nil
}

// AckCreateDirectory carries only the result.
type AckCreateDirectory struct {
	Result ErrorCode
}

const AckCreateDirectorySize = 4

func (m *AckCreateDirectory) SetResult(c ErrorCode) { m.Result = c }

func (m *AckCreateDirectory) Marshal(b []byte) int {
	binary.LittleEndian.PutUint32(b, uint32(m.Result))
	return AckCreateDirectorySize
}

func (m *AckCreateDirectory) Unmarshal(b []byte) error {
	if len(b) < AckCreateDirectorySize {
		return ErrShortBuffer
	}
	m.Result = ErrorCode(binary.LittleEndian.Uint32(b))
	return nil
}

// ReqRemoveDirectory removes an empty directory.
type ReqRemoveDirectory struct {
	DirID uint32
}

const ReqRemoveDirectorySize = 4

func (m *ReqRemoveDirectory) Marshal(b []byte) int {
	binary.LittleEndian.PutUint32(b, m.DirID)
	return ReqRemoveDirectorySize
}

func (m *ReqRemoveDirectory) Unmarshal(b []byte) error {
	if len(b) < ReqRemoveDirectorySize {
		return ErrShortBuffer
	}
	m.DirID = binary.LittleEndian.Uint32(b)
	return nil
}

// AckRemoveDirectory carries only the result.
type AckRemoveDirectory struct {
	Result ErrorCode
}

const AckRemoveDirectorySize = 4

func (m *AckRemoveDirectory) SetResult(c ErrorCode) { m.Result = c }

func (m *AckRemoveDirectory) Marshal(b []byte) int {
	binary.LittleEndian.PutUint32(b, uint32(m.Result))
	return AckRemoveDirectorySize
}

func (m *AckRemoveDirectory) Unmarshal(b []byte) error {
	if len(b) < AckRemoveDirectorySize {
		return ErrShortBuffer
	}
	m.Result = ErrorCode(binary.LittleEndian.Uint32(b))
	return nil
}

// ReqCreateFile creates a file in an existing directory.
type ReqCreateFile struct {
	FileID     uint32
	DirID      uint32
	Attributes uint32
	FileName   string
}

const ReqCreateFileSize = 12 + MaxNameLen

func (m *ReqCreateFile) Marshal(b []byte) int {
	binary.LittleEndian.PutUint32(b[0:], m.FileID)
	binary.LittleEndian.PutUint32(b[4:], m.DirID)
	binary.LittleEndian.PutUint32(b[8:], m.Attributes)
	putName(b[12:], m.FileName)
	return ReqCreateFileSize
}

func (m *ReqCreateFile) Unmarshal(b []byte) error {
	if len(b) < ReqCreateFileSize {
		return ErrShortBuffer
	}
	m.FileID = binary.LittleEndian.Uint32(b[0:])
	m.DirID = binary.LittleEndian.Uint32(b[4:])
	m.Attributes = binary.LittleEndian.Uint32(b[8:])
	m.FileName = getName(b[12:])
	return nil
}

// AckCreateFile carries only the result.
type AckCreateFile struct {
	Result ErrorCode
}

const AckCreateFileSize = 4

func (m *AckCreateFile) SetResult(c ErrorCode) { m.Result = c }

func (m *AckCreateFile) Marshal(b []byte) int {
	binary.LittleEndian.PutUint32(b, uint32(m.Result))
	return AckCreateFileSize
}

func (m *AckCreateFile) Unmarshal(b []byte) error {
	if len(b) < AckCreateFileSize {
		return ErrShortBuffer
	}
	m.Result = ErrorCode(binary.LittleEndian.Uint32(b))
	return nil
}

// ReqDeleteFile removes a file from a directory.
type ReqDeleteFile struct {
	FileID uint32
	DirID  uint32
}

const ReqDeleteFileSize = 8

func (m *ReqDeleteFile) Marshal(b []byte) int {
	binary.LittleEndian.PutUint32(b[0:], m.FileID)
	binary.LittleEndian.PutUint32(b[4:], m.DirID)
	return ReqDeleteFileSize
}

func (m *ReqDeleteFile) Unmarshal(b []byte) error {
	if len(b) < ReqDeleteFileSize {
		return ErrShortBuffer
	}
	m.FileID = binary.LittleEndian.Uint32(b[0:])
	m.DirID = binary.LittleEndian.Uint32(b[4:])
	return nil
}

// AckDeleteFile carries only the result.
type AckDeleteFile struct {
	Result ErrorCode
}

const AckDeleteFileSize = 4

func (m *AckDeleteFile) SetResult(c ErrorCode) { m.Result = c }

func (m *AckDeleteFile) Marshal(b []byte) int {
	binary.LittleEndian.PutUint32(b, uint32(m.Result))
	return AckDeleteFileSize
}

func (m *AckDeleteFile) Unmarshal(b []byte) error {
	if len(b) < AckDeleteFileSize {
		return ErrShortBuffer
	}
	m.Result = ErrorCode(binary.LittleEndian.Uint32(b))
	return nil
}

// ReqChangeFileSize truncates or extends a file.
type ReqChangeFileSize struct {
	FileID  uint32
	NewSize uint64
}

const ReqChangeFileSizeSize = 12

func (m *ReqChangeFileSize) Marshal(b []byte) int {
	binary.LittleEndian.PutUint32(b[0:], m.FileID)
	binary.LittleEndian.PutUint64(b[4:], m.NewSize)
	return ReqChangeFileSizeSize
}

func (m *ReqChangeFileSize) Unmarshal(b []byte) error {
	if len(b) < ReqChangeFileSizeSize {
		return ErrShortBuffer
	}
	m.FileID = binary.LittleEndian.Uint32(b[0:])
	m.NewSize = binary.LittleEndian.Uint64(b[4:])
	return nil
}

// AckChangeFileSize carries only the result.
type AckChangeFileSize struct {
	Result ErrorCode
}

const AckChangeFileSizeSize = 4

func (m *AckChangeFileSize) SetResult(c ErrorCode) { m.Result = c }

func (m *AckChangeFileSize) Marshal(b []byte) int {
	binary.LittleEndian.PutUint32(b, uint32(m.Result))
	return AckChangeFileSizeSize
}

func (m *AckChangeFileSize) Unmarshal(b []byte) error {
	if len(b) < AckChangeFileSizeSize {
		return ErrShortBuffer
	}
	m.Result = ErrorCode(binary.LittleEndian.Uint32(b))
	return nil
}

// ReqGetFileSize queries the current size of a file.
type ReqGetFileSize struct {
	FileID uint32
}

const ReqGetFileSizeSize = 4

func (m *ReqGetFileSize) Marshal(b []byte) int {
	binary.LittleEndian.PutUint32(b, m.FileID)
	return ReqGetFileSizeSize
}

func (m *ReqGetFileSize) Unmarshal(b []byte) error {
	if len(b) < ReqGetFileSizeSize {
		return ErrShortBuffer
	}
	m.FileID = binary.LittleEndian.Uint32(b)
	return nil
}

// AckGetFileSize returns the size on success.
type AckGetFileSize struct {
	Result ErrorCode
	Size   uint64
}

const AckGetFileSizeSize = 12

func (m *AckGetFileSize) SetResult(c ErrorCode) { m.Result = c }

func (m *AckGetFileSize) Marshal(b []byte) int {
	binary.LittleEndian.PutUint32(b[0:], uint32(m.Result))
	binary.LittleEndian.PutUint64(b[4:], m.Size)
	return AckGetFileSizeSize
}

func (m *AckGetFileSize) Unmarshal(b []byte) error {
	if len(b) < AckGetFileSizeSize {
		return ErrShortBuffer
	}
	m.Result = ErrorCode(binary.LittleEndian.Uint32(b[0:]))
	m.Size = binary.LittleEndian.Uint64(b[4:])
	return nil
}

// FileProperties describes a file for MsgB2FAckGetFileInfo.
type FileProperties struct {
	Attributes uint32
	Size       uint64
	FileName   string
}

const FilePropertiesSize = 12 + MaxNameLen

func (p *FileProperties) marshal(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], p.Attributes)
	binary.LittleEndian.PutUint64(b[4:], p.Size)
	putName(b[12:], p.FileName)
}

func (p *FileProperties) unmarshal(b []byte) {
	p.Attributes = binary.LittleEndian.Uint32(b[0:])
	p.Size = binary.LittleEndian.Uint64(b[4:])
	p.FileName = getName(b[12:])
}

// ReqGetFileInfo queries the properties of a file.
type ReqGetFileInfo struct {
	FileID uint32
}

const ReqGetFileInfoSize = 4

func (m *ReqGetFileInfo) Marshal(b []byte) int {
	binary.LittleEndian.PutUint32(b, m.FileID)
	return ReqGetFileInfoSize
}

func (m *ReqGetFileInfo) Unmarshal(b []byte) error {
	if len(b) < ReqGetFileInfoSize {
		return ErrShortBuffer
	}
	m.FileID = binary.LittleEndian.Uint32(b)
	return nil
}

// AckGetFileInfo returns the file properties on success.
type AckGetFileInfo struct {
	Result     ErrorCode
	Properties FileProperties
}

const AckGetFileInfoSize = 4 + FilePropertiesSize

func (m *AckGetFileInfo) SetResult(c ErrorCode) { m.Result = c }

func (m *AckGetFileInfo) Marshal(b []byte) int {
	binary.LittleEndian.PutUint32(b[0:], uint32(m.Result))
	m.Properties.marshal(b[4:])
	return AckGetFileInfoSize
}

func (m *AckGetFileInfo) Unmarshal(b []byte) error {
	if len(b) < AckGetFileInfoSize {
		return ErrShortBuffer
	}
	m.Result = ErrorCode(binary.LittleEndian.Uint32(b[0:]))
	m.Properties.unmarshal(b[4:])
	return nil
}

// ReqGetFileAttr queries the attribute word of a file by id.
type ReqGetFileAttr struct {
	FileID uint32
}

const ReqGetFileAttrSize = 4

func (m *ReqGetFileAttr) Marshal(b []byte) int {
	binary.LittleEndian.PutUint32(b, m.FileID)
	return ReqGetFileAttrSize
}

func (m *ReqGetFileAttr) Unmarshal(b []byte) error {
	if len(b) < ReqGetFileAttrSize {
		return ErrShortBuffer
	}
	m.FileID = binary.LittleEndian.Uint32(b)
	return nil
}

// AckGetFileAttr returns the attribute word on success.
type AckGetFileAttr struct {
	Result     ErrorCode
	Attributes uint32
}

const AckGetFileAttrSize = 8

func (m *AckGetFileAttr) SetResult(c ErrorCode) { m.Result = c }

func (m *AckGetFileAttr) Marshal(b []byte) int {
	binary.LittleEndian.PutUint32(b[0:], uint32(m.Result))
	binary.LittleEndian.PutUint32(b[4:], m.Attributes)
	return AckGetFileAttrSize
}

func (m *AckGetFileAttr) Unmarshal(b []byte) error {
	if len(b) < AckGetFileAttrSize {
		return ErrShortBuffer
	}
	m.Result = ErrorCode(binary.LittleEndian.Uint32(b[0:]))
	m.Attributes = binary.LittleEndian.Uint32(b[4:])
	return nil
}

// ReqGetFreeSpace queries the free capacity of the store.
type ReqGetFreeSpace struct{}

const ReqGetFreeSpaceSize = 0

func (m *ReqGetFreeSpace) Marshal(b []byte) int { return ReqGetFreeSpaceSize }

func (m *ReqGetFreeSpace) Unmarshal(b []byte) error { return nil }

// AckGetFreeSpace returns the free byte count on success.
type AckGetFreeSpace struct {
	Result ErrorCode
	Bytes  uint64
}

const AckGetFreeSpaceSize = 12

func (m *AckGetFreeSpace) SetResult(c ErrorCode) { m.Result = c }

func (m *AckGetFreeSpace) Marshal(b []byte) int {
	binary.LittleEndian.PutUint32(b[0:], uint32(m.Result))
	binary.LittleEndian.PutUint64(b[4:], m.Bytes)
	return AckGetFreeSpaceSize
}

func (m *AckGetFreeSpace) Unmarshal(b []byte) error {
	if len(b) < AckGetFreeSpaceSize {
		return ErrShortBuffer
	}
	m.Result = ErrorCode(binary.LittleEndian.Uint32(b[0:]))
	m.Bytes = binary.LittleEndian.Uint64(b[4:])
	return nil
}

// ReqMoveFile renames a file, keeping its id.
type ReqMoveFile struct {
	FileID  uint32
	NewName string
}

const ReqMoveFileSize = 4 + MaxNameLen

func (m *ReqMoveFile) Marshal(b []byte) int {
	binary.LittleEndian.PutUint32(b[0:], m.FileID)
	putName(b[4:], m.NewName)
	return ReqMoveFileSize
}

func (m *ReqMoveFile) Unmarshal(b []byte) error {
	if len(b) < ReqMoveFileSize {
		return ErrShortBuffer
	}
	m.FileID = binary.LittleEndian.Uint32(b[0:])
	m.NewName = getName(b[4:])
	return nil
}

// AckMoveFile carries only the result.
type AckMoveFile struct {
	Result ErrorCode
}

const AckMoveFileSize = 4

func (m *AckMoveFile) SetResult(c ErrorCode) { m.Result = c }

func (m *AckMoveFile) Marshal(b []byte) int {
	binary.LittleEndian.PutUint32(b, uint32(m.Result))
	return AckMoveFileSize
}

func (m *AckMoveFile) Unmarshal(b []byte) error {
	if len(b) < AckMoveFileSize {
		return ErrShortBuffer
	}
	m.Result = ErrorCode(binary.LittleEndian.Uint32(b))
	return nil
}

// BuffRequestID binds a buffer channel to a control session and hands the
// backend the remote ring region. Capacity is the per-ring byte capacity (a
// power of two); the registered region holds both rings plus their metadata
// blocks (see the ring package for the layout).
type BuffRequestID struct {
	ClientID      int32
	BufferAddress uint64
	Capacity      uint32
	AccessToken   uint32
}

const BuffRequestIDSize = 20

func (m *BuffRequestID) Marshal(b []byte) int {
	binary.LittleEndian.PutUint32(b[0:], uint32(m.ClientID))
	binary.LittleEndian.PutUint64(b[4:], m.BufferAddress)
	binary.LittleEndian.PutUint32(b[12:], m.Capacity)
	binary.LittleEndian.PutUint32(b[16:], m.AccessToken)
	return BuffRequestIDSize
}

func (m *BuffRequestID) Unmarshal(b []byte) error {
	if len(b) < BuffRequestIDSize {
		return ErrShortBuffer
	}
	m.ClientID = int32(binary.LittleEndian.Uint32(b[0:]))
	m.BufferAddress = binary.LittleEndian.Uint64(b[4:])
	m.Capacity = binary.LittleEndian.Uint32(b[12:])
	m.AccessToken = binary.LittleEndian.Uint32(b[16:])
	return nil
}

// BuffRespondID answers BuffRequestID with the buffer slot index.
type BuffRespondID struct {
	BufferID int32
}

const BuffRespondIDSize = 4

func (m *BuffRespondID) Marshal(b []byte) int {
	binary.LittleEndian.PutUint32(b, uint32(m.BufferID))
	return BuffRespondIDSize
}

func (m *BuffRespondID) Unmarshal(b []byte) error {
	if len(b) < BuffRespondIDSize {
		return ErrShortBuffer
	}
	m.BufferID = int32(binary.LittleEndian.Uint32(b))
	return nil
}

// BuffRelease tears down a buffer session.
type BuffRelease struct {
	ClientID int32
	BufferID int32
}

const BuffReleaseSize = 8

func (m *BuffRelease) Marshal(b []byte) int {
	binary.LittleEndian.PutUint32(b[0:], uint32(m.ClientID))
	binary.LittleEndian.PutUint32(b[4:], uint32(m.BufferID))
	return BuffReleaseSize
}

func (m *BuffRelease) Unmarshal(b []byte) error {
	if len(b) < BuffReleaseSize {
		return ErrShortBuffer
	}
	m.ClientID = int32(binary.LittleEndian.Uint32(b[0:]))
	m.BufferID = int32(binary.LittleEndian.Uint32(b[4:]))
	return nil
}
