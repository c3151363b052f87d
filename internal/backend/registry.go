package backend

import (
	"github.com/rs/zerolog/log"

	"github.com/substratefs/substrate/internal/metrics"
	"github.com/substratefs/substrate/internal/proto"
	"github.com/substratefs/substrate/internal/transport/rdma"
)

// pollCMEvent handles at most one connection-manager event per tick.
func (s *Server) pollCMEvent() bool {
	ev := s.events.Poll()
	if ev == nil {
		return false
	}

	switch ev.Type {
	case rdma.EventConnectRequest:
		s.handleConnectRequest(ev)

	case rdma.EventEstablished:
		if cs := s.findCtrl(ev.Conn); cs != nil {
			cs.state = stateConnected
			log.Info().Int("ctrl", cs.id).Msg("Control connection established")
			break
		}
		if bs := s.findBuff(ev.Conn); bs != nil {
			bs.state = stateConnected
			log.Info().Int("buff", bs.id).Msg("Buffer connection established")
			break
		}
		log.Warn().Msg("CM: established event for unknown connection")

	case rdma.EventDisconnected:
		if cs := s.findCtrl(ev.Conn); cs != nil {
			log.Info().Int("ctrl", cs.id).Msg("Control connection disconnected")
			s.teardownCtrl(cs)
			break
		}
		if bs := s.findBuff(ev.Conn); bs != nil {
			log.Info().Int("buff", bs.id).Msg("Buffer connection disconnected")
			s.teardownBuff(bs)
			break
		}
		log.Warn().Msg("CM: disconnect event for unknown connection")

	case rdma.EventAddrResolved, rdma.EventRouteResolved:
		// Client-side resolution steps; acknowledge only.

	case rdma.EventDeviceRemoval:
		log.Error().Msg("CM: device removal, stopping backend")
		s.fatal.Store(true)
		s.stop.Store(true)

	case rdma.EventAddrError, rdma.EventRouteError, rdma.EventConnectError,
		rdma.EventUnreachable, rdma.EventRejected:
		log.Error().Stringer("event", ev.Type).Msg("CM error event")

	default:
		log.Error().Stringer("event", ev.Type).Msg("CM: unrecognized event")
	}
	return true
}

func (s *Server) handleConnectRequest(ev *rdma.Event) {
	switch ev.PrivData {
	case proto.CtrlConnPrivData:
		cs := s.freeCtrl()
		if cs == nil {
			log.Warn().Msg("No available control slot, rejecting")
			_ = s.fabric.Reject(ev.Conn)
			return
		}
		if err := s.acceptCtrl(cs, ev.Conn); err != nil {
			log.Error().Err(err).Msg("Accepting control connection failed")
			_ = s.fabric.Reject(ev.Conn)
			return
		}
		metrics.ConnectionsTotal.WithLabelValues("control").Inc()
		log.Info().Int("ctrl", cs.id).Msg("Control connection accepted")

	case proto.BuffConnPrivData:
		bs := s.freeBuff()
		if bs == nil {
			log.Warn().Msg("No available buffer slot, rejecting")
			_ = s.fabric.Reject(ev.Conn)
			return
		}
		if err := s.acceptBuff(bs, ev.Conn); err != nil {
			log.Error().Err(err).Msg("Accepting buffer connection failed")
			_ = s.fabric.Reject(ev.Conn)
			return
		}
		metrics.ConnectionsTotal.WithLabelValues("buffer").Inc()
		log.Info().Int("buff", bs.id).Msg("Buffer connection accepted")

	default:
		log.Error().Uint8("priv", ev.PrivData).Msg("CM: unrecognized connection type")
		_ = s.fabric.Reject(ev.Conn)
	}
}

func (s *Server) freeCtrl() *ctrlSession {
	for i := range s.ctrls {
		if s.ctrls[i].state == stateAvailable {
			return &s.ctrls[i]
		}
	}
	return nil
}

func (s *Server) freeBuff() *buffSession {
	for i := range s.buffs {
		if s.buffs[i].state == stateAvailable {
			return &s.buffs[i]
		}
	}
	return nil
}

// Slot lookup by connection id is a linear scan; the slot arrays are small.

func (s *Server) findCtrl(c rdma.Conn) *ctrlSession {
	for i := range s.ctrls {
		if s.ctrls[i].state != stateAvailable && s.ctrls[i].conn == c {
			return &s.ctrls[i]
		}
	}
	return nil
}

func (s *Server) findBuff(c rdma.Conn) *buffSession {
	for i := range s.buffs {
		if s.buffs[i].state != stateAvailable && s.buffs[i].conn == c {
			return &s.buffs[i]
		}
	}
	return nil
}

func (s *Server) acceptCtrl(cs *ctrlSession, conn rdma.Conn) error {
	cs.conn = conn
	var err error
	if cs.pd, err = s.fabric.AllocPD(conn); err != nil {
		return err
	}
	if cs.cq, err = s.fabric.CreateCQ(conn, s.cfg.CtrlQueueDepth*2); err != nil {
		return err
	}
	if cs.qp, err = s.fabric.CreateQP(conn, cs.pd, cs.cq, s.cfg.CtrlQueueDepth, s.cfg.CtrlQueueDepth, 1); err != nil {
		return err
	}

	cs.recvBuf = make([]byte, proto.CtrlMsgSize)
	cs.sendBuf = make([]byte, proto.CtrlMsgSize)
	if cs.recvMR, err = s.fabric.RegMR(cs.pd, cs.recvBuf, rdma.AccessLocalWrite); err != nil {
		return err
	}
	if cs.sendMR, err = s.fabric.RegMR(cs.pd, cs.sendBuf, 0); err != nil {
		return err
	}

	if err = s.fabric.PostRecv(cs.qp, cs.recvMR, 0, proto.CtrlMsgSize, wrCtrlRecv); err != nil {
		return err
	}
	if err = s.fabric.Accept(conn, s.cfg.CtrlQueueDepth, s.cfg.CtrlQueueDepth); err != nil {
		return err
	}
	cs.state = stateOccupied
	return nil
}

func (s *Server) acceptBuff(bs *buffSession, conn rdma.Conn) error {
	bs.conn = conn
	var err error
	if bs.pd, err = s.fabric.AllocPD(conn); err != nil {
		return err
	}
	if bs.cq, err = s.fabric.CreateCQ(conn, s.cfg.BuffQueueDepth*2); err != nil {
		return err
	}
	if bs.qp, err = s.fabric.CreateQP(conn, bs.pd, bs.cq, s.cfg.BuffQueueDepth, s.cfg.BuffQueueDepth, 1); err != nil {
		return err
	}

	bs.msgRecvBuf = make([]byte, proto.CtrlMsgSize)
	bs.msgSendBuf = make([]byte, proto.CtrlMsgSize)
	if bs.msgRecvMR, err = s.fabric.RegMR(bs.pd, bs.msgRecvBuf, rdma.AccessLocalWrite); err != nil {
		return err
	}
	if bs.msgSendMR, err = s.fabric.RegMR(bs.pd, bs.msgSendBuf, 0); err != nil {
		return err
	}

	if err = s.fabric.PostRecv(bs.qp, bs.msgRecvMR, 0, proto.CtrlMsgSize, wrBuffRecv); err != nil {
		return err
	}
	if err = s.fabric.Accept(conn, s.cfg.BuffQueueDepth, s.cfg.BuffQueueDepth); err != nil {
		return err
	}
	bs.state = stateOccupied
	return nil
}
