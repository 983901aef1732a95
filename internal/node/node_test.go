package node

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/rmcemu/internal/config"
	"github.com/yuuki/rmcemu/internal/guest"
	"github.com/yuuki/rmcemu/internal/rmc"
	"github.com/yuuki/rmcemu/internal/transport"
)

const (
	testBufAddr     = 0x20000
	testContextAddr = 0x40000
	testCID         = 3
)

func testConfig(nid uint16) *config.NodeConfig {
	return &config.NodeConfig{
		NodeID:            nid,
		ContextID:         testCID,
		MACAddr:           config.DefaultMACAddr(nid),
		ListenAddr:        "127.0.0.1:0",
		LogLevel:          "error",
		TickRate:          2000,
		StagingBufferSize: 64,
		MemorySize:        1 << 20,
		PageTableRoot:     0x1000,
		WQAddr:            0x10000,
		CQAddr:            0x11000,
		ContextAddr:       testContextAddr,
	}
}

// startPair starts nodes 1 and 2 joined by an in-process hub
func startPair(t *testing.T) (*Node, *Node) {
	t.Helper()
	hub := transport.NewHub()
	var nodes []*Node
	for _, nid := range []uint16{1, 2} {
		ep, err := hub.Attach(nid, 64)
		require.NoError(t, err)
		n, err := New(testConfig(nid), WithLink(ep))
		require.NoError(t, err)
		require.NoError(t, n.Start())
		t.Cleanup(n.Stop)
		nodes = append(nodes, n)
	}
	return nodes[0], nodes[1]
}

func pattern(seed byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func waitCompletion(t *testing.T, qp *guest.QueuePair) rmc.CompletionQueueEntry {
	t.Helper()
	var cqe rmc.CompletionQueueEntry
	require.Eventually(t, func() bool {
		e, ok, err := qp.PollCompletion()
		if err != nil {
			return false
		}
		if ok {
			cqe = e
		}
		return ok
	}, 5*time.Second, time.Millisecond)
	return cqe
}

// TestNodeRemoteWrite tests a two line write between nodes on a hub
func TestNodeRemoteWrite(t *testing.T) {
	a, b := startPair(t)

	data := pattern(0x10, 2*rmc.CacheLineSize)
	require.NoError(t, a.Memory().WritePhysical(testBufAddr, data))

	qp, err := a.QueuePair(DefaultQueuePair)
	require.NoError(t, err)
	require.NoError(t, qp.Post(guest.WorkRequest{
		Op:      rmc.OpWrite,
		BufAddr: testBufAddr,
		CID:     testCID,
		NID:     b.ID(),
		Offset:  0x100,
		Length:  2,
	}))

	cqe := waitCompletion(t, qp)
	assert.True(t, cqe.Succeeded())
	assert.Equal(t, uint8(0), cqe.TID)
	assert.Equal(t, uint64(testBufAddr), cqe.RecvBufAddr)

	got := make([]byte, len(data))
	require.NoError(t, b.Memory().ReadPhysical(testContextAddr+0x100, got))
	assert.Equal(t, data, got)

	assert.Equal(t, uint64(2), a.Stats().FramesSent)
	assert.Equal(t, uint64(1), a.Stats().CompletionsWritten)
	assert.Equal(t, uint64(2), b.Stats().FramesReceived)
}

// TestNodeRemoteRead tests that read data lands in the local buffer
func TestNodeRemoteRead(t *testing.T) {
	a, b := startPair(t)

	data := pattern(0x80, 3*rmc.CacheLineSize)
	require.NoError(t, b.Memory().WritePhysical(testContextAddr+0x40, data))

	qp, err := a.QueuePair(DefaultQueuePair)
	require.NoError(t, err)
	require.NoError(t, qp.Post(guest.WorkRequest{
		Op:      rmc.OpRead,
		BufAddr: testBufAddr,
		CID:     testCID,
		NID:     b.ID(),
		Offset:  0x40,
		Length:  3,
	}))

	cqe := waitCompletion(t, qp)
	assert.True(t, cqe.Succeeded())

	got := make([]byte, len(data))
	require.NoError(t, a.Memory().ReadPhysical(testBufAddr, got))
	assert.Equal(t, data, got)
}

// TestNodeContextMismatch tests that a wrong context id completes unsuccessfully
func TestNodeContextMismatch(t *testing.T) {
	a, b := startPair(t)

	qp, err := a.QueuePair(DefaultQueuePair)
	require.NoError(t, err)
	require.NoError(t, qp.Post(guest.WorkRequest{
		Op:      rmc.OpWrite,
		BufAddr: testBufAddr,
		CID:     testCID + 1,
		NID:     b.ID(),
		Length:  1,
	}))

	cqe := waitCompletion(t, qp)
	assert.False(t, cqe.Succeeded())
	assert.Equal(t, uint64(1), b.Stats().RejectionsSent)
}

// TestNodeExtraQueuePair tests completions routed to a second queue pair
func TestNodeExtraQueuePair(t *testing.T) {
	hub := transport.NewHub()
	ep, err := hub.Attach(5, 16)
	require.NoError(t, err)

	n, err := New(testConfig(5), WithLink(ep), WithQueuePair(1, 0x12000, 0x13000))
	require.NoError(t, err)
	require.NoError(t, n.Start())
	defer n.Stop()

	_, err = n.QueuePair(2)
	assert.ErrorIs(t, err, rmc.ErrQueuePairNotRegistered)

	qp0, err := n.QueuePair(DefaultQueuePair)
	require.NoError(t, err)
	qp1, err := n.QueuePair(1)
	require.NoError(t, err)

	data := pattern(1, rmc.CacheLineSize)
	require.NoError(t, n.Memory().WritePhysical(testBufAddr, data))
	require.NoError(t, qp1.Post(guest.WorkRequest{
		Op:      rmc.OpWrite,
		BufAddr: testBufAddr,
		CID:     testCID,
		NID:     n.ID(),
		Offset:  0x800,
		Length:  1,
	}))

	cqe := waitCompletion(t, qp1)
	assert.True(t, cqe.Succeeded())

	_, ok, err := qp0.PollCompletion()
	require.NoError(t, err)
	assert.False(t, ok)

	got := make([]byte, len(data))
	require.NoError(t, n.Memory().ReadPhysical(testContextAddr+0x800, got))
	assert.Equal(t, data, got)
}

// TestNodeOverRelay tests a write carried by gRPC relays over TCP
func TestNodeOverRelay(t *testing.T) {
	lisA, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	lisB, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	relayA := transport.NewRelay(transport.StaticPeers{2: lisB.Addr().String()}, 64)
	relayA.Serve(lisA)
	relayB := transport.NewRelay(transport.StaticPeers{1: lisA.Addr().String()}, 64)
	relayB.Serve(lisB)

	a, err := New(testConfig(1), WithLink(relayA))
	require.NoError(t, err)
	b, err := New(testConfig(2), WithLink(relayB))
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()
	require.NoError(t, b.Start())
	defer b.Stop()

	data := pattern(0x33, rmc.CacheLineSize)
	require.NoError(t, a.Memory().WritePhysical(testBufAddr, data))
	qp, err := a.QueuePair(DefaultQueuePair)
	require.NoError(t, err)
	require.NoError(t, qp.Post(guest.WorkRequest{
		Op:      rmc.OpWrite,
		BufAddr: testBufAddr,
		CID:     testCID,
		NID:     2,
		Offset:  0xC0,
		Length:  1,
	}))

	cqe := waitCompletion(t, qp)
	assert.True(t, cqe.Succeeded())

	got := make([]byte, len(data))
	require.NoError(t, b.Memory().ReadPhysical(testContextAddr+0xC0, got))
	assert.Equal(t, data, got)
}

// TestNodeDefaultRelayLifecycle tests that a node builds and tears down its own relay
func TestNodeDefaultRelayLifecycle(t *testing.T) {
	n, err := New(testConfig(9))
	require.NoError(t, err)
	require.NotNil(t, n.relay)
	require.NoError(t, n.Start())
	n.Stop()
}

// TestStartFailsOnBusyListenAddr tests that a failed Start releases the relay
func TestStartFailsOnBusyListenAddr(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig(4)
	cfg.ListenAddr = busy.Addr().String()
	n, err := New(cfg)
	require.NoError(t, err)

	require.Error(t, n.Start())
	_, ok := <-n.link.Frames()
	assert.False(t, ok, "relay closed")
	assert.Error(t, n.ctx.Err())

	assert.NotPanics(t, n.Stop)
}

// TestNewRejectsInvalidConfig tests configuration errors surfaced by New
func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(1)
	cfg.TickRate = 0
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = testConfig(1)
	cfg.ContextAddr = cfg.MemorySize
	_, err = New(cfg)
	assert.Error(t, err)
}
