package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/rmcemu/internal/rmc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func frameTo(t *testing.T, from, to uint16, tid uint8) []byte {
	t.Helper()
	raw, err := (&rmc.Frame{Op: rmc.OpWriteCompletion, SrcIP: rmc.NodeIP(from), DstIP: rmc.NodeIP(to), TID: tid}).Marshal()
	require.NoError(t, err)
	return raw
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case f, ok := <-ch:
		require.True(t, ok, "channel closed")
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// TestHubRoutesByDestination tests delivery between attached endpoints
func TestHubRoutesByDestination(t *testing.T) {
	hub := NewHub()
	a, err := hub.Attach(1, 4)
	require.NoError(t, err)
	b, err := hub.Attach(2, 1)
	require.NoError(t, err)

	_, err = hub.Attach(258, 1)
	assert.ErrorIs(t, err, ErrAlreadyAttached, "ids alias on the node octet")

	sent := frameTo(t, 1, 2, 5)
	require.NoError(t, a.SendFrame(sent))
	sent[rmc.OpOffset+1] = 0xFF
	got := receive(t, b.Frames())
	tid, err := rmc.PeekTID(got)
	require.NoError(t, err)
	assert.Equal(t, uint8(5), tid, "hub delivers a copy")

	require.NoError(t, a.SendFrame(frameTo(t, 1, 2, 6)))
	assert.ErrorIs(t, a.SendFrame(frameTo(t, 1, 2, 7)), ErrInboxFull)
	assert.ErrorIs(t, a.SendFrame(frameTo(t, 1, 9, 1)), ErrUnknownPeer)
	assert.ErrorIs(t, a.SendFrame([]byte{1, 2, 3}), rmc.ErrFrameTooShort)

	require.NoError(t, b.Close())
	_, ok := <-b.Frames()
	assert.True(t, ok, "buffered frame survives close")
	_, ok = <-b.Frames()
	assert.False(t, ok)
	assert.ErrorIs(t, a.SendFrame(frameTo(t, 1, 2, 8)), ErrUnknownPeer)

	_, err = hub.Attach(2, 1)
	assert.NoError(t, err, "id is free again after close")
}

// TestResolvers tests static and chained resolution
func TestResolvers(t *testing.T) {
	ctx := context.Background()
	static := StaticPeers{1: "a:1"}
	addr, err := static.ResolvePeer(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "a:1", addr)

	_, err = static.ResolvePeer(ctx, 2)
	assert.ErrorIs(t, err, ErrUnknownPeer)

	chain := Resolvers{static, StaticPeers{2: "b:2"}}
	addr, err = chain.ResolvePeer(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "b:2", addr)

	_, err = chain.ResolvePeer(ctx, 3)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

// TestRelayOverBufconn tests frame delivery through the gRPC relay
func TestRelayOverBufconn(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	dialOpts := WithDialOptions(
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)

	receiver := NewRelay(StaticPeers{}, 1)
	receiver.Serve(lis)

	sender := NewRelay(StaticPeers{2: "passthrough:///bufnet"}, 1, dialOpts, WithSendTimeout(5*time.Second))
	t.Cleanup(func() {
		require.NoError(t, sender.Close())
	})

	require.NoError(t, sender.SendFrame(frameTo(t, 1, 2, 42)))
	got := receive(t, receiver.Frames())
	tid, err := rmc.PeekTID(got)
	require.NoError(t, err)
	assert.Equal(t, uint8(42), tid)

	// the receiver inbox holds one frame
	require.NoError(t, sender.SendFrame(frameTo(t, 1, 2, 43)))
	assert.Error(t, sender.SendFrame(frameTo(t, 1, 2, 44)))

	assert.ErrorIs(t, sender.SendFrame(frameTo(t, 1, 3, 1)), ErrUnknownPeer)

	require.NoError(t, receiver.Close())
	f, ok := <-receiver.Frames()
	require.True(t, ok)
	assert.NotEmpty(t, f)
	_, ok = <-receiver.Frames()
	assert.False(t, ok)
}

// TestRelayCloseTwice tests that a second Close is a no-op
func TestRelayCloseTwice(t *testing.T) {
	r := NewRelay(StaticPeers{}, 1)
	require.NoError(t, r.Close())
	assert.NotPanics(t, func() {
		assert.NoError(t, r.Close())
	})
	_, ok := <-r.Frames()
	assert.False(t, ok)
}
