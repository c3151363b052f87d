package backend

import (
	"github.com/rs/zerolog/log"

	"github.com/substratefs/substrate/internal/fileservice"
	"github.com/substratefs/substrate/internal/metrics"
	"github.com/substratefs/substrate/internal/proto"
	"github.com/substratefs/substrate/internal/transport/rdma"
)

// pollCtrlCQs drains at most one completion per connected control session.
func (s *Server) pollCtrlCQs() bool {
	progress := false
	for i := range s.ctrls {
		cs := &s.ctrls[i]
		if cs.state == stateAvailable {
			continue
		}
		wc, err := s.fabric.PollCQ(cs.cq)
		if err != nil || wc == nil {
			continue
		}
		progress = true
		if wc.Status != rdma.StatusSuccess {
			log.Error().Int("ctrl", cs.id).Int("status", int(wc.Status)).Msg("Control CQ error")
			s.teardownCtrl(cs)
			continue
		}
		if wc.Op == rdma.OpRecv {
			s.ctrlMsgHandler(cs, int(wc.ByteLen))
		}
	}
	return progress
}

// ctrlMsgHandler dispatches one received control message of n bytes. A fresh
// receive is posted before the message is acted on, so the session keeps
// receiving on every outcome, malformed or mismatched included. For requests
// bound for the file service the response result is set to io-pending and the
// operation lands in the session's single pending slot; the completion
// scanner sends the acknowledgement.
func (s *Server) ctrlMsgHandler(cs *ctrlSession, n int) {
	if err := s.fabric.PostRecv(cs.qp, cs.recvMR, 0, proto.CtrlMsgSize, wrCtrlRecv); err != nil {
		log.Error().Err(err).Msg("Posting control receive failed")
	}

	if n < proto.HeaderSize {
		log.Error().Int("bytes", n).Msg("Short control message")
		return
	}
	msgID := proto.Header(cs.recvBuf)
	// The payload view is bounded by the received byte count so a truncated
	// send fails the fixed-size checks instead of parsing stale bytes.
	payload := cs.recvBuf[proto.HeaderSize:n]

	switch msgID {
	case proto.MsgF2BRequestID:
		// Synchronous: answer with the slot index immediately.
		resp := proto.RespondID{ClientID: int32(cs.id)}
		proto.PutHeader(cs.sendBuf, proto.MsgB2FRespondID)
		sz := resp.Marshal(cs.sendBuf[proto.HeaderSize:])
		if err := s.fabric.PostSend(cs.qp, cs.sendMR, 0, proto.HeaderSize+sz, wrCtrlSend); err != nil {
			log.Error().Err(err).Msg("Sending client id failed")
		}

	case proto.MsgF2BTerminate:
		var req proto.Terminate
		if err := req.Unmarshal(payload); err != nil {
			log.Error().Err(err).Msg("Malformed terminate")
			return
		}
		if req.ClientID != int32(cs.id) {
			log.Error().Int32("client", req.ClientID).Int("slot", cs.id).
				Msg("Terminate with mismatched client id")
			return
		}
		log.Info().Int("ctrl", cs.id).Msg("Client terminated control session")
		// The receive posted above is flushed with the queue pair.
		s.teardownCtrl(cs)

	case proto.MsgF2BReqCreateDir:
		req := &proto.ReqCreateDirectory{}
		if err := req.Unmarshal(payload); err != nil {
			log.Error().Err(err).Msg("Malformed create-directory")
			return
		}
		s.submitControl(cs, msgID, proto.MsgB2FAckCreateDir, req, &proto.AckCreateDirectory{})

	case proto.MsgF2BReqRemoveDir:
		req := &proto.ReqRemoveDirectory{}
		if err := req.Unmarshal(payload); err != nil {
			log.Error().Err(err).Msg("Malformed remove-directory")
			return
		}
		s.submitControl(cs, msgID, proto.MsgB2FAckRemoveDir, req, &proto.AckRemoveDirectory{})

	case proto.MsgF2BReqCreateFile:
		req := &proto.ReqCreateFile{}
		if err := req.Unmarshal(payload); err != nil {
			log.Error().Err(err).Msg("Malformed create-file")
			return
		}
		s.submitControl(cs, msgID, proto.MsgB2FAckCreateFile, req, &proto.AckCreateFile{})

	case proto.MsgF2BReqDeleteFile:
		req := &proto.ReqDeleteFile{}
		if err := req.Unmarshal(payload); err != nil {
			log.Error().Err(err).Msg("Malformed delete-file")
			return
		}
		s.submitControl(cs, msgID, proto.MsgB2FAckDeleteFile, req, &proto.AckDeleteFile{})

	case proto.MsgF2BReqChangeFileSize:
		req := &proto.ReqChangeFileSize{}
		if err := req.Unmarshal(payload); err != nil {
			log.Error().Err(err).Msg("Malformed change-file-size")
			return
		}
		s.submitControl(cs, msgID, proto.MsgB2FAckChangeFileSize, req, &proto.AckChangeFileSize{})

	case proto.MsgF2BReqGetFileSize:
		req := &proto.ReqGetFileSize{}
		if err := req.Unmarshal(payload); err != nil {
			log.Error().Err(err).Msg("Malformed get-file-size")
			return
		}
		s.submitControl(cs, msgID, proto.MsgB2FAckGetFileSize, req, &proto.AckGetFileSize{})

	case proto.MsgF2BReqGetFileInfo:
		req := &proto.ReqGetFileInfo{}
		if err := req.Unmarshal(payload); err != nil {
			log.Error().Err(err).Msg("Malformed get-file-info")
			return
		}
		s.submitControl(cs, msgID, proto.MsgB2FAckGetFileInfo, req, &proto.AckGetFileInfo{})

	case proto.MsgF2BReqGetFileAttr:
		req := &proto.ReqGetFileAttr{}
		if err := req.Unmarshal(payload); err != nil {
			log.Error().Err(err).Msg("Malformed get-file-attributes")
			return
		}
		s.submitControl(cs, msgID, proto.MsgB2FAckGetFileAttr, req, &proto.AckGetFileAttr{})

	case proto.MsgF2BReqGetFreeSpace:
		s.submitControl(cs, msgID, proto.MsgB2FAckGetFreeSpace, &proto.ReqGetFreeSpace{}, &proto.AckGetFreeSpace{})

	case proto.MsgF2BReqMoveFile:
		req := &proto.ReqMoveFile{}
		if err := req.Unmarshal(payload); err != nil {
			log.Error().Err(err).Msg("Malformed move-file")
			return
		}
		s.submitControl(cs, msgID, proto.MsgB2FAckMoveFile, req, &proto.AckMoveFile{})

	default:
		// Unrecognized control messages are logged and dropped without an
		// acknowledgement.
		log.Error().Uint16("msg", uint16(msgID)).Msg("Unrecognized control message")
	}
}

type marshaler interface {
	Marshal([]byte) int
}

func (s *Server) submitControl(cs *ctrlSession, reqID, ackID proto.MsgID, req any, resp proto.Ack) {
	if cs.pending != nil {
		// The host broke the one-outstanding-op contract; drop the message.
		log.Error().Int("ctrl", cs.id).Msg("Control request while another is pending")
		return
	}

	metrics.ControlRequestsTotal.WithLabelValues(reqID.Name()).Inc()
	cs.pendingAck = ackID
	cs.pending = fileservice.NewControlRequest(reqID, req, resp)
	s.fs.SubmitControlPlaneRequest(cs.pending)
}

// scanCtrlCompletions reposts the send work request of every session whose
// pending operation has completed, then clears the pending slot.
func (s *Server) scanCtrlCompletions() bool {
	progress := false
	for i := range s.ctrls {
		cs := &s.ctrls[i]
		if cs.state == stateAvailable || cs.pending == nil || cs.pending.Pending() {
			continue
		}

		proto.PutHeader(cs.sendBuf, cs.pendingAck)
		m, ok := cs.pending.Resp.(marshaler)
		if !ok {
			log.Error().Msg("Pending response is not marshalable")
			cs.pending = nil
			continue
		}
		n := m.Marshal(cs.sendBuf[proto.HeaderSize:])
		if err := s.fabric.PostSend(cs.qp, cs.sendMR, 0, proto.HeaderSize+n, wrCtrlSend); err != nil {
			log.Error().Err(err).Msg("Sending control acknowledgement failed")
		}
		cs.pending = nil
		progress = true
	}
	return progress
}
