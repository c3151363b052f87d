package backend

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/substratefs/substrate/internal/cache/cuckoo"
	"github.com/substratefs/substrate/internal/fileservice"
	"github.com/substratefs/substrate/internal/ring"
	"github.com/substratefs/substrate/internal/transport/rdma"
)

// Config configures the backend server.
type Config struct {
	// ListenAddr is the CM listen address, host:port.
	ListenAddr string `mapstructure:"listen_addr"`

	// MaxClients bounds the control session slots.
	MaxClients int `mapstructure:"max_clients"`

	// MaxBuffs bounds the buffer session slots.
	MaxBuffs int `mapstructure:"max_buffs"`

	// DataPlaneWeight samples control-plane progress once per this many
	// data-plane iterations.
	DataPlaneWeight int `mapstructure:"data_plane_weight"`

	// MaxOutstandingIO sizes the per-session data-plane request pool.
	MaxOutstandingIO int `mapstructure:"max_outstanding_io"`

	// ResponseBatching prepends a batch-total slot to every response batch
	// and transmits whole batches.
	ResponseBatching bool `mapstructure:"response_batching"`

	// NotifyImmediate uses write-with-immediate for the final transmit-tail
	// update so hosts can block on a completion instead of polling.
	NotifyImmediate bool `mapstructure:"notify_immediate"`

	// CtrlQueueDepth and BuffQueueDepth size the per-session queues.
	CtrlQueueDepth int `mapstructure:"ctrl_queue_depth"`
	BuffQueueDepth int `mapstructure:"buff_queue_depth"`
}

// DefaultConfig returns the defaults used by the daemon.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       "0.0.0.0:4420",
		MaxClients:       32,
		MaxBuffs:         32,
		DataPlaneWeight:  16,
		MaxOutstandingIO: 256,
		ResponseBatching: true,
		NotifyImmediate:  false,
		CtrlQueueDepth:   16,
		BuffQueueDepth:   64,
	}
}

// ErrStopped is the error value for a server that was stopped explicitly.
// Server has no Wait method; callers observe shutdown through Done.
var ErrStopped = errors.New("backend: stopped")

// Server is the backend: a fixed array of control and buffer session slots
// driven by one polling goroutine.
type Server struct {
	cfg     Config
	fabric  rdma.Backend
	fs      fileservice.Service
	cache   *cuckoo.Table
	events  rdma.EventChannel
	listen  rdma.Conn
	ctrls   []ctrlSession
	buffs   []buffSession
	stop    atomic.Bool
	fatal   atomic.Bool
	started bool
	mu      sync.Mutex
	done    chan struct{}
}

// New builds a server over the given fabric, file service, and shared
// metadata cache.
func New(cfg Config, fabric rdma.Backend, fs fileservice.Service, cache *cuckoo.Table) (*Server, error) {
	if cfg.MaxClients <= 0 || cfg.MaxBuffs <= 0 {
		return nil, fmt.Errorf("backend: session slots must be positive")
	}
	if cfg.DataPlaneWeight <= 0 {
		cfg.DataPlaneWeight = 1
	}
	if cfg.MaxOutstandingIO <= 0 {
		cfg.MaxOutstandingIO = 256
	}

	s := &Server{
		cfg:    cfg,
		fabric: fabric,
		fs:     fs,
		cache:  cache,
		ctrls:  make([]ctrlSession, cfg.MaxClients),
		buffs:  make([]buffSession, cfg.MaxBuffs),
		done:   make(chan struct{}),
	}
	for i := range s.ctrls {
		s.ctrls[i].id = i
	}
	for i := range s.buffs {
		s.buffs[i].id = i
		s.buffs[i].clientID = -1
	}
	return s, nil
}

// Start listens for connections and launches the polling loop.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("backend: already started")
	}

	s.events = s.fabric.NewEventChannel()
	l, err := s.fabric.Listen(s.events, s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("backend: listen: %w", err)
	}
	s.listen = l
	s.started = true

	log.Info().Str("addr", s.cfg.ListenAddr).
		Int("max_clients", s.cfg.MaxClients).
		Int("max_buffs", s.cfg.MaxBuffs).
		Msg("Backend listening")

	go s.run()
	return nil
}

// Stop raises the stop flag; the loop drains and exits.
func (s *Server) Stop() {
	s.stop.Store(true)
}

// Done is closed when the polling loop has exited.
func (s *Server) Done() <-chan struct{} { return s.done }

// Cache returns the shared metadata cache handle.
func (s *Server) Cache() *cuckoo.Table { return s.cache }

func (s *Server) fatalSession(bs *buffSession, why string) {
	log.Error().Int("buff", bs.id).Str("reason", why).Msg("Buffer session fatal error, tearing down")
	s.teardownBuff(bs)
}

func (s *Server) teardownCtrl(cs *ctrlSession) {
	if cs.state == stateAvailable {
		return
	}
	_ = s.fabric.DeregMR(cs.recvMR)
	_ = s.fabric.DeregMR(cs.sendMR)
	_ = s.fabric.DestroyQP(cs.qp)
	_ = s.fabric.DestroyCQ(cs.cq)
	_ = s.fabric.DeallocPD(cs.pd)
	_ = s.fabric.Disconnect(cs.conn)
	cs.pending = nil
	cs.state = stateAvailable
}

func (s *Server) teardownBuff(bs *buffSession) {
	if bs.state == stateAvailable {
		return
	}
	if bs.bound {
		_ = s.fabric.DeregMR(bs.reqMR)
		_ = s.fabric.DeregMR(bs.reqMetaMR)
		_ = s.fabric.DeregMR(bs.stagingMR)
		_ = s.fabric.DeregMR(bs.respMetaMR)
	}
	_ = s.fabric.DeregMR(bs.msgRecvMR)
	_ = s.fabric.DeregMR(bs.msgSendMR)
	_ = s.fabric.DestroyQP(bs.qp)
	_ = s.fabric.DestroyCQ(bs.cq)
	_ = s.fabric.DeallocPD(bs.pd)
	_ = s.fabric.Disconnect(bs.conn)
	bs.reset()
	bs.state = stateAvailable
}

// bindRings allocates and registers the local mirror and staging for the
// remote ring region announced in the buffer handshake.
func (s *Server) bindRings(bs *buffSession, remoteBase uint64, rkey, capacity uint32) error {
	layout, err := ring.NewLayout(capacity)
	if err != nil {
		return err
	}

	bs.remoteBase = remoteBase
	bs.rkey = rkey
	bs.layout = layout

	bs.reqBuf = make([]byte, capacity)
	bs.reqMetaBuf = make([]byte, ring.MetaSize)
	bs.respMetaBuf = make([]byte, ring.MetaSize)
	staging := make([]byte, capacity)
	bs.staging = ring.NewStaging(staging, s.cfg.ResponseBatching)

	if bs.reqMR, err = s.fabric.RegMR(bs.pd, bs.reqBuf, rdma.AccessFull); err != nil {
		return err
	}
	if bs.reqMetaMR, err = s.fabric.RegMR(bs.pd, bs.reqMetaBuf, rdma.AccessFull); err != nil {
		return err
	}
	if bs.stagingMR, err = s.fabric.RegMR(bs.pd, staging, rdma.AccessFull); err != nil {
		return err
	}
	if bs.respMetaMR, err = s.fabric.RegMR(bs.pd, bs.respMetaBuf, rdma.AccessFull); err != nil {
		return err
	}

	bs.pool = make([]fileservice.DataRequest, s.cfg.MaxOutstandingIO)
	bs.bound = true
	return nil
}

// Remote addresses of the four metadata words the backend touches.

func (bs *buffSession) remoteReqMeta() uint64 {
	return bs.remoteBase + uint64(bs.layout.ReqMeta)
}

func (bs *buffSession) remoteReqHead() uint64 {
	return bs.remoteBase + uint64(bs.layout.ReqMeta) + ring.PeerOffset
}

func (bs *buffSession) remoteReqData(off uint32) uint64 {
	return bs.remoteBase + uint64(bs.layout.ReqData) + uint64(off)
}

func (bs *buffSession) remoteRespMeta() uint64 {
	return bs.remoteBase + uint64(bs.layout.RespMeta)
}

func (bs *buffSession) remoteRespTailC() uint64 {
	return bs.remoteBase + uint64(bs.layout.RespMeta) + ring.PeerOffset
}

func (bs *buffSession) remoteRespData(off uint32) uint64 {
	return bs.remoteBase + uint64(bs.layout.RespData) + uint64(off)
}
