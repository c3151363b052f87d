package backend

import (
	"github.com/rs/zerolog/log"

	"github.com/substratefs/substrate/internal/metrics"
	"github.com/substratefs/substrate/internal/proto"
	"github.com/substratefs/substrate/internal/ring"
	"github.com/substratefs/substrate/internal/transport/rdma"
)

// pollBuffCQs advances every connected buffer session's state machine by at
// most one completion.
func (s *Server) pollBuffCQs() bool {
	progress := false
	for i := range s.buffs {
		bs := &s.buffs[i]
		if bs.state != stateConnected {
			continue
		}
		wc, err := s.fabric.PollCQ(bs.cq)
		if err != nil || wc == nil {
			continue
		}
		progress = true
		if wc.Status != rdma.StatusSuccess {
			s.fatalSession(bs, "completion error")
			continue
		}

		switch wc.Op {
		case rdma.OpRecv:
			s.buffMsgHandler(bs, int(wc.ByteLen))
		case rdma.OpRead:
			switch wc.WRID {
			case wrReadReqMeta:
				s.onReqMetaRead(bs)
			case wrReadReqData, wrReadReqDataSplit:
				s.onReqDataRead(bs)
			case wrReadRespMeta:
				s.onRespMetaRead(bs)
			default:
				log.Error().Uint64("wr", wc.WRID).Msg("Unknown read completion")
			}
		case rdma.OpWrite:
			switch wc.WRID {
			case wrWriteReqMeta:
				// The head write-back completed; resume polling.
				s.postReqMetaRead(bs)
			case wrWriteRespData, wrWriteRespDataSplit:
				bs.respSplit, _ = bs.respSplit.Advance()
			case wrWriteRespMeta:
				// Response completions are checked in the main loop.
			default:
				log.Error().Uint64("wr", wc.WRID).Msg("Unknown write completion")
			}
		case rdma.OpSend:
		default:
			log.Error().Int("op", int(wc.Op)).Msg("Unknown completion")
		}
	}
	return progress
}

// buffMsgHandler handles one typed message of n bytes on the buffer channel:
// the handshake binding it to a client session, and the release tearing it
// down. A fresh receive is posted before the message is acted on, so the
// session keeps receiving on every outcome.
func (s *Server) buffMsgHandler(bs *buffSession, n int) {
	if err := s.fabric.PostRecv(bs.qp, bs.msgRecvMR, 0, proto.CtrlMsgSize, wrBuffRecv); err != nil {
		log.Error().Err(err).Msg("Posting buffer receive failed")
	}

	if n < proto.HeaderSize {
		log.Error().Int("bytes", n).Msg("Short buffer message")
		return
	}
	msgID := proto.Header(bs.msgRecvBuf)
	// The payload view is bounded by the received byte count so a truncated
	// send fails the fixed-size checks instead of parsing stale bytes.
	payload := bs.msgRecvBuf[proto.HeaderSize:n]

	switch msgID {
	case proto.MsgBuffF2BRequestID:
		var req proto.BuffRequestID
		if err := req.Unmarshal(payload); err != nil {
			log.Error().Err(err).Msg("Malformed buffer handshake")
			return
		}

		bs.clientID = req.ClientID
		if err := s.bindRings(bs, req.BufferAddress, req.AccessToken, req.Capacity); err != nil {
			log.Error().Err(err).Int("buff", bs.id).Msg("Binding ring region failed")
			s.fatalSession(bs, "ring bind")
			return
		}

		resp := proto.BuffRespondID{BufferID: int32(bs.id)}
		proto.PutHeader(bs.msgSendBuf, proto.MsgBuffB2FRespondID)
		sz := resp.Marshal(bs.msgSendBuf[proto.HeaderSize:])
		if err := s.fabric.PostSend(bs.qp, bs.msgSendMR, 0, proto.HeaderSize+sz, wrBuffSend); err != nil {
			log.Error().Err(err).Msg("Sending buffer id failed")
			return
		}

		log.Info().Int("buff", bs.id).Int32("client", bs.clientID).
			Uint32("capacity", req.Capacity).
			Msg("Buffer session bound, polling requests")
		s.postReqMetaRead(bs)

	case proto.MsgBuffF2BRelease:
		var req proto.BuffRelease
		if err := req.Unmarshal(payload); err != nil {
			log.Error().Err(err).Msg("Malformed buffer release")
			return
		}
		if req.BufferID != int32(bs.id) || req.ClientID != bs.clientID {
			log.Error().Int32("client", req.ClientID).Int32("buffer", req.BufferID).
				Msg("Release with mismatched ids")
			return
		}
		log.Info().Int("buff", bs.id).Msg("Buffer session released")
		// The receive posted above is flushed with the queue pair.
		s.teardownBuff(bs)

	default:
		log.Error().Uint16("msg", uint16(msgID)).Msg("Unrecognized buffer message")
	}
}

func (s *Server) postReqMetaRead(bs *buffSession) {
	if !bs.bound {
		return
	}
	err := s.fabric.PostRead(bs.qp, bs.reqMetaMR, 0, 2*ring.CacheLine,
		bs.remoteReqMeta(), bs.rkey, wrReadReqMeta)
	if err != nil {
		s.fatalSession(bs, "posting request meta read")
	}
}

// onReqMetaRead inspects the polled producer tail. A torn read or an
// unchanged tail re-issues the poll; otherwise the new span is claimed and
// fetched with one or two reads, and the advanced head is written back to
// the producer immediately.
func (s *Server) onReqMetaRead(bs *buffSession) {
	tail, ok := ring.ReadOwner(bs.reqMetaBuf)
	if !ok || tail == bs.reqHead {
		s.postReqMetaRead(bs)
		return
	}

	capacity := bs.layout.Capacity
	head := bs.reqHead
	avail := ring.Distance(tail, head, capacity)
	bs.fetchStart = head
	bs.fetchBytes = avail

	if head+avail > capacity {
		firstLen := capacity - head
		bs.reqSplit = ring.SplitPartOne
		if err := s.fabric.PostRead(bs.qp, bs.reqMR, int(head), int(firstLen),
			bs.remoteReqData(head), bs.rkey, wrReadReqData); err != nil {
			s.fatalSession(bs, "posting request data read")
			return
		}
		if err := s.fabric.PostRead(bs.qp, bs.reqMR, 0, int(avail-firstLen),
			bs.remoteReqData(0), bs.rkey, wrReadReqDataSplit); err != nil {
			s.fatalSession(bs, "posting split request data read")
			return
		}
	} else {
		bs.reqSplit = ring.NotSplit
		if err := s.fabric.PostRead(bs.qp, bs.reqMR, int(head), int(avail),
			bs.remoteReqData(head), bs.rkey, wrReadReqData); err != nil {
			s.fatalSession(bs, "posting request data read")
			return
		}
	}

	// The bytes are claimed: advance the consumer head and publish it while
	// the data reads are in flight; the queue pair delivers in order.
	bs.reqHead = tail
	ring.PutPeer(bs.reqMetaBuf, tail)
	if err := s.fabric.PostWrite(bs.qp, bs.reqMetaMR, ring.PeerOffset, 4,
		bs.remoteReqHead(), bs.rkey, wrWriteReqMeta); err != nil {
		s.fatalSession(bs, "posting head write-back")
	}
}

func (s *Server) onReqDataRead(bs *buffSession) {
	var done bool
	bs.reqSplit, done = bs.reqSplit.Advance()
	if done {
		s.executeRequests(bs)
	}
}

func putAckHeader(buf []byte, slotOff uint32, ack *proto.B2FAckHeader) {
	var b [proto.B2FAckHeaderSize]byte
	ack.MarshalTo(b[:])
	v := ring.Slice(buf, (slotOff+proto.LenWordSize)%uint32(len(buf)), proto.B2FAckHeaderSize)
	v.CopyIn(b[:])
}

// executeRequests parses the fetched span in order, reserves a response slot
// per frame at the parse tail, records a request context, and submits the
// whole batch to the file service.
func (s *Server) executeRequests(bs *buffSession) {
	st := bs.staging

	var batchHdrOff uint32
	batchTotal := uint32(0)
	if st.Batching {
		off, err := st.BeginBatch()
		if err != nil {
			log.Panic().Int("buff", bs.id).Msg("Response ring overflow")
		}
		batchHdrOff = off
		batchTotal = proto.ResponseAlign
	}

	firstIndex := bs.nextCtx
	batchSize := 0

	it := ring.NewFrameIter(bs.reqBuf, bs.fetchStart, bs.fetchBytes)
	for {
		f, more := it.Next()
		if !more {
			break
		}
		if len(bs.inflight) == len(bs.pool) {
			s.fatalSession(bs, "pending request pool exhausted")
			return
		}

		var respSize uint32
		if f.IsRead {
			respSize = proto.ReadRespSize(f.Hdr.Bytes)
		} else {
			respSize = proto.ResponseAlign
		}
		slotOff, err := st.Reserve(respSize)
		if err != nil {
			// Overflow means the rings were mis-sized; this is a bug, not a
			// recoverable condition.
			log.Panic().Int("buff", bs.id).Uint32("resp_size", respSize).
				Msg("Response ring overflow")
		}
		ring.Put32(st.Buf, slotOff, respSize)
		putAckHeader(st.Buf, slotOff, &proto.B2FAckHeader{
			RequestID: f.Hdr.RequestID,
			Result:    proto.ErrIoPending,
		})

		var dataBuf ring.SplittableBuffer
		if f.IsRead {
			dataBuf = ring.Slice(st.Buf, (slotOff+proto.ResponseAlign)%st.Cap, f.Hdr.Bytes)
			metrics.DataRequestsTotal.WithLabelValues("read").Inc()
		} else {
			dataBuf = ring.Slice(bs.reqBuf, f.PayloadOff, f.Hdr.Bytes)
			metrics.DataRequestsTotal.WithLabelValues("write").Inc()
		}

		bs.pool[bs.nextCtx].Reset(f.Hdr, dataBuf, f.IsRead)
		bs.inflight = append(bs.inflight, inflightResp{
			poolIndex: bs.nextCtx,
			off:       slotOff,
			size:      respSize,
		})
		bs.nextCtx = (bs.nextCtx + 1) % len(bs.pool)
		batchSize++
		batchTotal += respSize
	}

	if st.Batching {
		st.FinishBatch(batchHdrOff, batchTotal)
		bs.batches = append(bs.batches, batchInfo{total: batchTotal})
	}
	if batchSize > 0 {
		metrics.BatchSize.Observe(float64(batchSize))
		s.fs.SubmitDataPlaneRequest(bs.pool, firstIndex, batchSize, bs.id)
	}
}

// scanDataCompletions walks each session's in-flight responses in parse
// order, commits finished results into their slots, and advances the
// completion tail over the committed prefix. The batch header slot is passed
// only once the batch's first completion exists; that is the convention for
// the completion tail sitting on the header word.
func (s *Server) scanDataCompletions() bool {
	progress := false
	for i := range s.buffs {
		bs := &s.buffs[i]
		if bs.state != stateConnected || !bs.bound {
			continue
		}
		st := bs.staging

		if st.Batching && bs.frontBatchReady() {
			// The front batch awaits transmission; scanning resumes after
			// the transmit tail catches up.
			continue
		}

		advanced := false
		for len(bs.inflight) > 0 {
			fr := bs.inflight[0]
			slot := &bs.pool[fr.poolIndex]
			code, n, done := slot.Done()
			if !done {
				break
			}

			if st.Batching && len(bs.batches) > 0 && !bs.batches[0].skipped {
				st.Complete(proto.ResponseAlign)
				bs.batches[0].skipped = true
			}

			putAckHeader(st.Buf, fr.off, &proto.B2FAckHeader{
				RequestID:     slot.Hdr.RequestID,
				Result:        code,
				BytesServiced: n,
			})
			st.Complete(fr.size)
			if slot.IsRead {
				metrics.DataBytesTotal.WithLabelValues("read").Add(float64(n))
			} else {
				metrics.DataBytesTotal.WithLabelValues("write").Add(float64(n))
			}
			bs.inflight = bs.inflight[1:]
			advanced = true

			if st.Batching && bs.frontBatchReady() {
				break
			}
		}

		if advanced && !bs.respPolling {
			if !st.Batching || bs.frontBatchReady() {
				s.postRespMetaRead(bs)
			}
		}
		progress = progress || advanced
	}
	return progress
}

func (s *Server) postRespMetaRead(bs *buffSession) {
	err := s.fabric.PostRead(bs.qp, bs.respMetaMR, 0, 2*ring.CacheLine,
		bs.remoteRespMeta(), bs.rkey, wrReadRespMeta)
	if err != nil {
		s.fatalSession(bs, "posting response meta read")
		return
	}
	bs.respPolling = true
}

// onRespMetaRead decides whether the host has drained enough of its response
// ring for the pending span; if so the span is pushed with one or two writes
// and the transmit tail is published.
func (s *Server) onRespMetaRead(bs *buffSession) {
	if !bs.bound {
		return
	}
	st := bs.staging
	_, n := st.TransmitSpan()
	if st.Batching && len(bs.batches) > 0 {
		n = 0
		if bs.frontBatchReady() {
			n = bs.batches[0].total
		}
	}
	if n == 0 {
		bs.respPolling = false
		return
	}

	head, ok := ring.ReadOwner(bs.respMetaBuf)
	if !ok {
		s.postRespMetaRead(bs)
		return
	}

	// Free bytes between the transmit tail and the host's consumer head.
	var free uint32
	if st.TailC >= head {
		free = head + st.Cap - st.TailC
	} else {
		free = head - st.TailC
	}
	if free < n {
		s.postRespMetaRead(bs)
		return
	}

	off := st.TailC
	if off+n > st.Cap {
		firstLen := st.Cap - off
		bs.respSplit = ring.SplitPartOne
		if err := s.fabric.PostWrite(bs.qp, bs.stagingMR, int(off), int(firstLen),
			bs.remoteRespData(off), bs.rkey, wrWriteRespData); err != nil {
			s.fatalSession(bs, "posting response data write")
			return
		}
		if err := s.fabric.PostWrite(bs.qp, bs.stagingMR, 0, int(n-firstLen),
			bs.remoteRespData(0), bs.rkey, wrWriteRespDataSplit); err != nil {
			s.fatalSession(bs, "posting split response data write")
			return
		}
	} else {
		bs.respSplit = ring.NotSplit
		if err := s.fabric.PostWrite(bs.qp, bs.stagingMR, int(off), int(n),
			bs.remoteRespData(off), bs.rkey, wrWriteRespData); err != nil {
			s.fatalSession(bs, "posting response data write")
			return
		}
	}

	st.Transmitted(n)
	if st.Batching && len(bs.batches) > 0 {
		bs.batches = bs.batches[1:]
	}

	// Publish the new transmit tail after the data writes; in-order
	// delivery makes the host observe the data first.
	ring.PutPeer(bs.respMetaBuf, st.TailC)
	var err error
	if s.cfg.NotifyImmediate {
		err = s.fabric.PostWriteImm(bs.qp, bs.respMetaMR, ring.PeerOffset, 4,
			bs.remoteRespTailC(), bs.rkey, st.TailC, wrWriteRespMeta)
	} else {
		err = s.fabric.PostWrite(bs.qp, bs.respMetaMR, ring.PeerOffset, 4,
			bs.remoteRespTailC(), bs.rkey, wrWriteRespMeta)
	}
	if err != nil {
		s.fatalSession(bs, "posting transmit tail write-back")
		return
	}
	bs.respPolling = false

	// More completed responses may already be waiting behind the span just
	// pushed.
	if _, pending := st.TransmitSpan(); pending > 0 {
		if !st.Batching || bs.frontBatchReady() {
			s.postRespMetaRead(bs)
		}
	}
}
