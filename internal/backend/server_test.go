package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratefs/substrate/internal/cache/cuckoo"
	"github.com/substratefs/substrate/internal/fileservice"
	"github.com/substratefs/substrate/internal/hostbridge"
	"github.com/substratefs/substrate/internal/proto"
	"github.com/substratefs/substrate/internal/transport/rdma"
)

const testAddr = "192.168.1.1:4420"

type testEnv struct {
	fabric *rdma.Simulated
	srv    *Server
	fs     *fileservice.Memory
}

func newEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	fabric := rdma.NewSimulated()
	cache, err := cuckoo.New(1024)
	require.NoError(t, err)
	fs, err := fileservice.NewMemory(fileservice.DefaultConfig(), cache)
	require.NoError(t, err)

	cfg.ListenAddr = testAddr
	srv, err := New(cfg, fabric, fs, cache)
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	t.Cleanup(func() {
		srv.Stop()
		select {
		case <-srv.Done():
		case <-time.After(5 * time.Second):
			t.Error("backend loop did not exit")
		}
		_ = fs.Close()
	})
	return &testEnv{fabric: fabric, srv: srv, fs: fs}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestHandshake(t *testing.T) {
	env := newEnv(t, DefaultConfig())
	ctx := testCtx(t)

	bridge, err := hostbridge.Connect(ctx, env.fabric, testAddr)
	require.NoError(t, err)
	assert.Equal(t, int32(0), bridge.ClientID)

	buf, err := hostbridge.Attach(ctx, env.fabric, testAddr, bridge.ClientID, 64*1024, true)
	require.NoError(t, err)
	assert.Equal(t, int32(0), buf.BufferID)

	// No data posted: the backend keeps polling and nothing surfaces.
	assert.Nil(t, buf.Poll())

	require.NoError(t, buf.Release(ctx))
	require.NoError(t, bridge.Close(ctx))
}

func TestControlOperations(t *testing.T) {
	env := newEnv(t, DefaultConfig())
	ctx := testCtx(t)

	bridge, err := hostbridge.Connect(ctx, env.fabric, testAddr)
	require.NoError(t, err)
	defer bridge.Close(ctx)

	require.NoError(t, bridge.CreateDirectory(ctx, 1, proto.RootDirID, "vols"))
	require.NoError(t, bridge.CreateFile(ctx, 7, 1, 0x2, "segment"))

	info, err := bridge.GetFileInfo(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "segment", info.FileName)
	assert.Equal(t, uint32(0x2), info.Attributes)

	require.NoError(t, bridge.ChangeFileSize(ctx, 7, 1<<20))
	size, err := bridge.GetFileSize(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), size)

	attrs, err := bridge.GetFileAttributes(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x2), attrs)

	free, err := bridge.GetStorageFreeSpace(ctx)
	require.NoError(t, err)
	assert.Positive(t, free)

	require.NoError(t, bridge.MoveFile(ctx, 7, "segment-renamed"))

	require.NoError(t, bridge.DeleteFile(ctx, 7, 1))
	_, err = bridge.GetFileInfo(ctx, 7)
	assert.ErrorIs(t, err, hostbridge.ErrNotFound)

	require.NoError(t, bridge.RemoveDirectory(ctx, 1))
}

func setupDataPlane(t *testing.T, env *testEnv, capacity uint32) (*hostbridge.Bridge, *hostbridge.DMABuffer) {
	t.Helper()
	ctx := testCtx(t)

	bridge, err := hostbridge.Connect(ctx, env.fabric, testAddr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bridge.Close(context.Background()) })

	buf, err := hostbridge.Attach(ctx, env.fabric, testAddr, bridge.ClientID, capacity, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = buf.Release(context.Background()) })

	require.NoError(t, bridge.CreateFile(ctx, 7, proto.RootDirID, 0, "data"))
	return bridge, buf
}

func TestSingleWriteThenRead(t *testing.T) {
	env := newEnv(t, DefaultConfig())
	ctx := testCtx(t)
	_, buf := setupDataPlane(t, env, 64*1024)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	id, err := buf.WriteFile(7, 0, payload)
	require.NoError(t, err)
	resp, err := buf.WaitResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, resp.Hdr.RequestID)
	assert.Equal(t, proto.ErrSuccess, resp.Hdr.Result)
	assert.Equal(t, uint32(4096), resp.Hdr.BytesServiced)

	id, err = buf.ReadFile(7, 0, 4096)
	require.NoError(t, err)
	resp, err = buf.WaitResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, resp.Hdr.RequestID)
	assert.Equal(t, proto.ErrSuccess, resp.Hdr.Result)
	require.Equal(t, uint32(4096), resp.Hdr.BytesServiced)
	assert.Equal(t, payload, resp.Payload)
}

func TestBatchedMixedRequests(t *testing.T) {
	env := newEnv(t, DefaultConfig())
	ctx := testCtx(t)
	_, buf := setupDataPlane(t, env, 64*1024)

	w1 := make([]byte, 1024)
	for i := range w1 {
		w1[i] = 0x11
	}
	w2 := make([]byte, 2048)
	for i := range w2 {
		w2[i] = 0x22
	}

	// Four requests in one producer publish.
	id1, err := buf.EnqueueWrite(7, 0, w1)
	require.NoError(t, err)
	id2, err := buf.EnqueueRead(7, 0, 1024)
	require.NoError(t, err)
	id3, err := buf.EnqueueWrite(7, 4096, w2)
	require.NoError(t, err)
	id4, err := buf.EnqueueRead(7, 4096, 512)
	require.NoError(t, err)
	buf.Flush()

	// Responses arrive in enqueue order with matching request ids.
	resp1, err := buf.WaitResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, id1, resp1.Hdr.RequestID)
	assert.Equal(t, proto.ErrSuccess, resp1.Hdr.Result)

	resp2, err := buf.WaitResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, id2, resp2.Hdr.RequestID)
	require.Equal(t, uint32(1024), resp2.Hdr.BytesServiced)
	assert.Equal(t, w1, resp2.Payload)

	resp3, err := buf.WaitResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, id3, resp3.Hdr.RequestID)

	resp4, err := buf.WaitResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, id4, resp4.Hdr.RequestID)
	require.Equal(t, uint32(512), resp4.Hdr.BytesServiced)
	assert.Equal(t, w2[:512], resp4.Payload)
}

func TestWrapAroundRequest(t *testing.T) {
	env := newEnv(t, DefaultConfig())
	ctx := testCtx(t)
	_, buf := setupDataPlane(t, env, 128*1024)

	// Push the producer tail near the ring end, then publish a request that
	// must straddle the boundary.
	lead := make([]byte, 100*1024)
	id, err := buf.WriteFile(7, 0, lead)
	require.NoError(t, err)
	resp, err := buf.WaitResponse(ctx)
	require.NoError(t, err)
	require.Equal(t, id, resp.Hdr.RequestID)
	require.Equal(t, proto.ErrSuccess, resp.Hdr.Result)

	wrap := make([]byte, 64*1024)
	for i := range wrap {
		wrap[i] = byte(i % 253)
	}
	id, err = buf.WriteFile(7, 1<<20, wrap)
	require.NoError(t, err)
	resp, err = buf.WaitResponse(ctx)
	require.NoError(t, err)
	require.Equal(t, id, resp.Hdr.RequestID)
	require.Equal(t, proto.ErrSuccess, resp.Hdr.Result)
	require.Equal(t, uint32(64*1024), resp.Hdr.BytesServiced)

	// Read the span back and verify byte identity.
	id, err = buf.ReadFile(7, 1<<20, 64*1024)
	require.NoError(t, err)
	resp, err = buf.WaitResponse(ctx)
	require.NoError(t, err)
	require.Equal(t, id, resp.Hdr.RequestID)
	require.Equal(t, uint32(64*1024), resp.Hdr.BytesServiced)
	assert.Equal(t, wrap, resp.Payload)
}

func TestDataOpOnMissingFile(t *testing.T) {
	env := newEnv(t, DefaultConfig())
	ctx := testCtx(t)
	_, buf := setupDataPlane(t, env, 64*1024)

	id, err := buf.ReadFile(4242, 0, 512)
	require.NoError(t, err)
	resp, err := buf.WaitResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, resp.Hdr.RequestID)
	assert.Equal(t, proto.ErrNotFound, resp.Hdr.Result)
}

func TestSessionTeardownAndReuse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClients = 1
	env := newEnv(t, cfg)
	ctx := testCtx(t)

	bridge, err := hostbridge.Connect(ctx, env.fabric, testAddr)
	require.NoError(t, err)
	require.Equal(t, int32(0), bridge.ClientID)
	require.NoError(t, bridge.Close(ctx))

	// The slot returns to Available and a new handshake reuses it.
	deadline := time.Now().Add(5 * time.Second)
	var second *hostbridge.Bridge
	for {
		second, err = hostbridge.Connect(ctx, env.fabric, testAddr)
		if err == nil {
			break
		}
		require.False(t, time.Now().After(deadline), "slot never became available")
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, int32(0), second.ClientID)
	require.NoError(t, second.Close(ctx))
}

func TestConnectRejectedWhenSlotsFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClients = 1
	env := newEnv(t, cfg)
	ctx := testCtx(t)

	first, err := hostbridge.Connect(ctx, env.fabric, testAddr)
	require.NoError(t, err)
	defer first.Close(ctx)

	_, err = hostbridge.Connect(ctx, env.fabric, testAddr)
	require.ErrorIs(t, err, rdma.ErrRejected)

	// The existing session is unaffected.
	require.NoError(t, first.CreateFile(ctx, 1, proto.RootDirID, 0, "still-alive"))
}

// A truncated request or a terminate with the wrong client id must be
// dropped without wedging the session's receive queue.
func TestControlSessionSurvivesBadMessages(t *testing.T) {
	env := newEnv(t, DefaultConfig())
	ctx := testCtx(t)
	fabric := env.fabric

	ch := fabric.NewEventChannel()
	conn, err := fabric.Dial(ctx, ch, testAddr, proto.CtrlConnPrivData)
	require.NoError(t, err)
	pd, err := fabric.AllocPD(conn)
	require.NoError(t, err)
	cq, err := fabric.CreateCQ(conn, 16)
	require.NoError(t, err)
	qp, err := fabric.CreateQP(conn, pd, cq, 8, 8, 1)
	require.NoError(t, err)

	recvBuf := make([]byte, proto.CtrlMsgSize)
	sendBuf := make([]byte, proto.CtrlMsgSize)
	recvMR, err := fabric.RegMR(pd, recvBuf, rdma.AccessLocalWrite)
	require.NoError(t, err)
	sendMR, err := fabric.RegMR(pd, sendBuf, 0)
	require.NoError(t, err)
	require.NoError(t, fabric.PostRecv(qp, recvMR, 0, proto.CtrlMsgSize, 1))

	// A create-file cut off after four payload bytes.
	proto.PutHeader(sendBuf, proto.MsgF2BReqCreateFile)
	require.NoError(t, fabric.PostSend(qp, sendMR, 0, proto.HeaderSize+4, 2))

	// A terminate that names a client this slot does not hold.
	proto.PutHeader(sendBuf, proto.MsgF2BTerminate)
	term := proto.Terminate{ClientID: 99}
	n := proto.HeaderSize + term.Marshal(sendBuf[proto.HeaderSize:])
	require.NoError(t, fabric.PostSend(qp, sendMR, 0, n, 3))

	// The session must still answer a request for its id.
	proto.PutHeader(sendBuf, proto.MsgF2BRequestID)
	require.NoError(t, fabric.PostSend(qp, sendMR, 0, proto.HeaderSize, 4))

	for {
		wc, err := fabric.WaitCQ(ctx, cq)
		require.NoError(t, err)
		if wc.Op != rdma.OpRecv {
			continue
		}
		require.Equal(t, proto.MsgB2FRespondID, proto.Header(recvBuf))
		var resp proto.RespondID
		require.NoError(t, resp.Unmarshal(recvBuf[proto.HeaderSize:wc.ByteLen]))
		assert.Equal(t, int32(0), resp.ClientID)
		break
	}
}

func TestInterleavedBatches(t *testing.T) {
	env := newEnv(t, DefaultConfig())
	ctx := testCtx(t)
	_, buf := setupDataPlane(t, env, 64*1024)

	// Several publishes in flight back to back; FIFO must hold across
	// batches.
	var ids []uint64
	for round := 0; round < 5; round++ {
		payload := make([]byte, 256)
		for i := range payload {
			payload[i] = byte(round)
		}
		id, err := buf.WriteFile(7, uint64(round)*256, payload)
		require.NoError(t, err)
		ids = append(ids, id)
		id, err = buf.ReadFile(7, uint64(round)*256, 256)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, want := range ids {
		resp, err := buf.WaitResponse(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, resp.Hdr.RequestID)
		assert.Equal(t, proto.ErrSuccess, resp.Hdr.Result)
	}
}
