package rdma

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

// connect establishes a loopback connection and returns both sides with a QP
// and CQ each.
func connect(t *testing.T, s *Simulated) (client, server Conn, clientQP, serverQP QP, clientCQ, serverCQ CQ) {
	t.Helper()

	serverCh := s.NewEventChannel()
	if _, err := s.Listen(serverCh, "10.0.0.1:4420"); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	clientCh := s.NewEventChannel()
	dialErr := make(chan error, 1)
	dialConn := make(chan Conn, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c, err := s.Dial(ctx, clientCh, "10.0.0.1:4420", 0x7)
		dialConn <- c
		dialErr <- err
	}()

	var ev *Event
	deadline := time.Now().Add(5 * time.Second)
	for ev == nil {
		if time.Now().After(deadline) {
			t.Fatal("no connect request event")
		}
		ev = serverCh.Poll()
	}
	if ev.Type != EventConnectRequest {
		t.Fatalf("expected connect-request, got %v", ev.Type)
	}
	if ev.PrivData != 0x7 {
		t.Fatalf("expected private data 0x7, got %#x", ev.PrivData)
	}
	server = ev.Conn

	pd, err := s.AllocPD(server)
	if err != nil {
		t.Fatalf("AllocPD failed: %v", err)
	}
	serverCQ, err = s.CreateCQ(server, 32)
	if err != nil {
		t.Fatalf("CreateCQ failed: %v", err)
	}
	serverQP, err = s.CreateQP(server, pd, serverCQ, 32, 32, 1)
	if err != nil {
		t.Fatalf("CreateQP failed: %v", err)
	}
	if err := s.Accept(server, 32, 32); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	if err := <-dialErr; err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	client = <-dialConn

	cpd, err := s.AllocPD(client)
	if err != nil {
		t.Fatalf("AllocPD (client) failed: %v", err)
	}
	clientCQ, err = s.CreateCQ(client, 32)
	if err != nil {
		t.Fatalf("CreateCQ (client) failed: %v", err)
	}
	clientQP, err = s.CreateQP(client, cpd, clientCQ, 32, 32, 1)
	if err != nil {
		t.Fatalf("CreateQP (client) failed: %v", err)
	}

	return client, server, clientQP, serverQP, clientCQ, serverCQ
}

func mustPoll(t *testing.T, s *Simulated, cq CQ) *Completion {
	t.Helper()
	c, err := s.PollCQ(cq)
	if err != nil {
		t.Fatalf("PollCQ failed: %v", err)
	}
	if c == nil {
		t.Fatal("expected a completion")
	}
	return c
}

func TestDialNoListener(t *testing.T) {
	s := NewSimulated()
	ch := s.NewEventChannel()
	_, err := s.Dial(context.Background(), ch, "nowhere:1", 0)
	if !errors.Is(err, ErrNoListener) {
		t.Fatalf("expected ErrNoListener, got %v", err)
	}
}

func TestReject(t *testing.T) {
	s := NewSimulated()
	serverCh := s.NewEventChannel()
	if _, err := s.Listen(serverCh, "a:1"); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	dialErr := make(chan error, 1)
	go func() {
		_, err := s.Dial(context.Background(), s.NewEventChannel(), "a:1", 0)
		dialErr <- err
	}()

	var ev *Event
	for ev == nil {
		ev = serverCh.Poll()
	}
	if err := s.Reject(ev.Conn); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if err := <-dialErr; !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestSendRecv(t *testing.T) {
	s := NewSimulated()
	client, server, clientQP, serverQP, clientCQ, serverCQ := connect(t, s)
	_ = client
	_ = server

	srvBuf := make([]byte, 64)
	srvPD, _ := s.AllocPD(server)
	srvMR, err := s.RegMR(srvPD, srvBuf, AccessLocalWrite)
	if err != nil {
		t.Fatalf("RegMR failed: %v", err)
	}
	if err := s.PostRecv(serverQP, srvMR, 0, 64, 100); err != nil {
		t.Fatalf("PostRecv failed: %v", err)
	}

	cliBuf := []byte("hello over the fabric")
	cliPD, _ := s.AllocPD(client)
	cliMR, err := s.RegMR(cliPD, cliBuf, 0)
	if err != nil {
		t.Fatalf("RegMR failed: %v", err)
	}
	if err := s.PostSend(clientQP, cliMR, 0, len(cliBuf), 200); err != nil {
		t.Fatalf("PostSend failed: %v", err)
	}

	c := mustPoll(t, s, clientCQ)
	if c.Op != OpSend || c.WRID != 200 {
		t.Fatalf("unexpected sender completion %+v", c)
	}
	c = mustPoll(t, s, serverCQ)
	if c.Op != OpRecv || c.WRID != 100 || int(c.ByteLen) != len(cliBuf) {
		t.Fatalf("unexpected receiver completion %+v", c)
	}
	if !bytes.Equal(srvBuf[:len(cliBuf)], cliBuf) {
		t.Fatal("message bytes not delivered")
	}
}

func TestSendBeforeRecvIsBuffered(t *testing.T) {
	s := NewSimulated()
	client, server, clientQP, serverQP, _, serverCQ := connect(t, s)
	_ = client

	cliPD, _ := s.AllocPD(client)
	msg := []byte("early bird")
	cliMR, _ := s.RegMR(cliPD, msg, 0)
	if err := s.PostSend(clientQP, cliMR, 0, len(msg), 1); err != nil {
		t.Fatalf("PostSend failed: %v", err)
	}

	srvPD, _ := s.AllocPD(server)
	srvBuf := make([]byte, 32)
	srvMR, _ := s.RegMR(srvPD, srvBuf, AccessLocalWrite)
	if err := s.PostRecv(serverQP, srvMR, 0, 32, 2); err != nil {
		t.Fatalf("PostRecv failed: %v", err)
	}

	c := mustPoll(t, s, serverCQ)
	if c.Op != OpRecv || !bytes.Equal(srvBuf[:len(msg)], msg) {
		t.Fatalf("buffered delivery failed: %+v", c)
	}
}

func TestRDMAReadWrite(t *testing.T) {
	s := NewSimulated()
	client, server, _, serverQP, _, serverCQ := connect(t, s)
	_ = client

	// The client registers a region the server addresses remotely.
	cliPD, _ := s.AllocPD(client)
	remoteBuf := make([]byte, 4096)
	copy(remoteBuf[128:], []byte("remote payload"))
	remoteMR, err := s.RegMR(cliPD, remoteBuf, AccessFull)
	if err != nil {
		t.Fatalf("RegMR failed: %v", err)
	}

	srvPD, _ := s.AllocPD(server)
	localBuf := make([]byte, 4096)
	localMR, _ := s.RegMR(srvPD, localBuf, AccessFull)

	// One-sided read.
	if err := s.PostRead(serverQP, localMR, 0, 64, remoteMR.Base+128, remoteMR.RKey, 11); err != nil {
		t.Fatalf("PostRead failed: %v", err)
	}
	c := mustPoll(t, s, serverCQ)
	if c.Op != OpRead || c.Status != StatusSuccess {
		t.Fatalf("unexpected read completion %+v", c)
	}
	if !bytes.Equal(localBuf[:14], []byte("remote payload")) {
		t.Fatal("read bytes mismatch")
	}

	// One-sided write.
	copy(localBuf[512:], []byte("written back"))
	if err := s.PostWrite(serverQP, localMR, 512, 12, remoteMR.Base+1024, remoteMR.RKey, 12); err != nil {
		t.Fatalf("PostWrite failed: %v", err)
	}
	c = mustPoll(t, s, serverCQ)
	if c.Op != OpWrite || c.Status != StatusSuccess {
		t.Fatalf("unexpected write completion %+v", c)
	}
	if !bytes.Equal(remoteBuf[1024:1036], []byte("written back")) {
		t.Fatal("write bytes mismatch")
	}
}

func TestRDMAReadOutOfBounds(t *testing.T) {
	s := NewSimulated()
	client, server, _, serverQP, _, serverCQ := connect(t, s)
	_ = client

	cliPD, _ := s.AllocPD(client)
	remoteBuf := make([]byte, 256)
	remoteMR, _ := s.RegMR(cliPD, remoteBuf, AccessFull)

	srvPD, _ := s.AllocPD(server)
	localBuf := make([]byte, 256)
	localMR, _ := s.RegMR(srvPD, localBuf, AccessFull)

	if err := s.PostRead(serverQP, localMR, 0, 128, remoteMR.Base+200, remoteMR.RKey, 5); err != nil {
		t.Fatalf("PostRead failed: %v", err)
	}
	c := mustPoll(t, s, serverCQ)
	if c.Status != StatusRemoteAccessError {
		t.Fatalf("expected remote access error, got %+v", c)
	}
}

func TestWriteWithImmediate(t *testing.T) {
	s := NewSimulated()
	client, server, clientQP, serverQP, _, serverCQ := connect(t, s)
	_ = client
	_ = serverQP

	srvPD, _ := s.AllocPD(server)
	srvBuf := make([]byte, 64)
	srvMR, _ := s.RegMR(srvPD, srvBuf, AccessFull)
	if err := s.PostRecv(serverQP, srvMR, 0, 64, 77); err != nil {
		t.Fatalf("PostRecv failed: %v", err)
	}

	cliPD, _ := s.AllocPD(client)
	cliBuf := []byte{1, 2, 3, 4}
	cliMR, _ := s.RegMR(cliPD, cliBuf, AccessFull)

	if err := s.PostWriteImm(clientQP, cliMR, 0, 4, srvMR.Base, srvMR.RKey, 0xBEEF, 9); err != nil {
		t.Fatalf("PostWriteImm failed: %v", err)
	}

	c := mustPoll(t, s, serverCQ)
	if c.Op != OpRecvImm || c.Imm != 0xBEEF || c.WRID != 77 {
		t.Fatalf("unexpected immediate completion %+v", c)
	}
	if !bytes.Equal(srvBuf[:4], cliBuf) {
		t.Fatal("immediate write bytes mismatch")
	}
}

func TestDisconnectEvent(t *testing.T) {
	s := NewSimulated()
	serverCh := s.NewEventChannel()
	if _, err := s.Listen(serverCh, "b:1"); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	dialConn := make(chan Conn, 1)
	go func() {
		c, err := s.Dial(context.Background(), s.NewEventChannel(), "b:1", 0)
		if err != nil {
			t.Errorf("Dial failed: %v", err)
		}
		dialConn <- c
	}()

	var ev *Event
	for ev == nil {
		ev = serverCh.Poll()
	}
	if err := s.Accept(ev.Conn, 1, 1); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	client := <-dialConn

	if err := s.Disconnect(client); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	for {
		if ev = serverCh.Poll(); ev == nil {
			continue
		}
		if ev.Type == EventEstablished {
			continue
		}
		if ev.Type != EventDisconnected {
			t.Fatalf("expected disconnected, got %v", ev.Type)
		}
		break
	}
}

func TestWaitCQ(t *testing.T) {
	s := NewSimulated()
	client, server, clientQP, serverQP, clientCQ, _ := connect(t, s)
	_ = server
	_ = serverQP

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.WaitCQ(ctx, clientCQ); err == nil {
		t.Fatal("expected timeout waiting on empty CQ")
	}

	cliPD, _ := s.AllocPD(client)
	buf := []byte("x")
	mr, _ := s.RegMR(cliPD, buf, 0)
	srvPD, _ := s.AllocPD(server)
	srvBuf := make([]byte, 8)
	srvMR, _ := s.RegMR(srvPD, srvBuf, AccessLocalWrite)
	if err := s.PostRecv(serverQP, srvMR, 0, 8, 1); err != nil {
		t.Fatalf("PostRecv failed: %v", err)
	}
	if err := s.PostSend(clientQP, mr, 0, 1, 2); err != nil {
		t.Fatalf("PostSend failed: %v", err)
	}

	c, err := s.WaitCQ(context.Background(), clientCQ)
	if err != nil {
		t.Fatalf("WaitCQ failed: %v", err)
	}
	if c.Op != OpSend {
		t.Fatalf("unexpected completion %+v", c)
	}
}
