package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	frameRelayService = "rmcemu.FrameRelay"
	deliverMethod     = "/" + frameRelayService + "/Deliver"

	// DefaultSendTimeout bounds one Deliver call
	DefaultSendTimeout = 2 * time.Second
)

// frameRelayServer is the server side of the FrameRelay service
type frameRelayServer interface {
	Deliver(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(frameRelayServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(frameRelayServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var frameRelayServiceDesc = grpc.ServiceDesc{
	ServiceName: frameRelayService,
	HandlerType: (*frameRelayServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rmcemu/frame_relay",
}

// RelayOption customises a Relay
type RelayOption func(*Relay)

// WithDialOptions replaces the options used to dial peers
func WithDialOptions(opts ...grpc.DialOption) RelayOption {
	return func(r *Relay) { r.dialOpts = opts }
}

// WithSendTimeout sets the deadline of each Deliver call
func WithSendTimeout(d time.Duration) RelayOption {
	return func(r *Relay) { r.sendTimeout = d }
}

// Relay carries frames between processes over gRPC. Inbound frames are queued
// without blocking the caller; a full queue fails the remote Deliver call.
type Relay struct {
	resolver    PeerResolver
	server      *grpc.Server
	frames      chan []byte
	dialOpts    []grpc.DialOption
	sendTimeout time.Duration

	mu        sync.Mutex
	conns     map[uint16]*grpc.ClientConn
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRelay creates a relay that resolves peers with resolver
func NewRelay(resolver PeerResolver, depth int, opts ...RelayOption) *Relay {
	if depth <= 0 {
		depth = DefaultInboxDepth
	}
	r := &Relay{
		resolver:    resolver,
		frames:      make(chan []byte, depth),
		dialOpts:    []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		sendTimeout: DefaultSendTimeout,
		conns:       make(map[uint16]*grpc.ClientConn),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.server = grpc.NewServer()
	r.server.RegisterService(&frameRelayServiceDesc, r)
	return r
}

// Serve accepts Deliver calls on lis in the background
func (r *Relay) Serve(lis net.Listener) {
	log.Info().Str("addr", lis.Addr().String()).Msg("Starting frame relay")
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.server.Serve(lis); err != nil {
			log.Error().Err(err).Msg("Frame relay server error")
		}
	}()
}

// Listen opens addr and serves on it
func (r *Relay) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	r.Serve(lis)
	return nil
}

// Deliver implements the FrameRelay service
func (r *Relay) Deliver(_ context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	frame := append([]byte(nil), in.GetValue()...)
	select {
	case r.frames <- frame:
		return &emptypb.Empty{}, nil
	default:
		return nil, status.Error(codes.ResourceExhausted, ErrInboxFull.Error())
	}
}

// Frames yields frames delivered by peers
func (r *Relay) Frames() <-chan []byte { return r.frames }

// SendFrame delivers frame to the relay of the node it is addressed to
func (r *Relay) SendFrame(frame []byte) error {
	dst, err := destination(frame)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)
	defer cancel()

	conn, err := r.conn(ctx, dst)
	if err != nil {
		return err
	}
	if err := conn.Invoke(ctx, deliverMethod, wrapperspb.Bytes(frame), new(emptypb.Empty)); err != nil {
		return fmt.Errorf("failed to deliver frame to node %d: %w", dst, err)
	}
	return nil
}

func (r *Relay) conn(ctx context.Context, nid uint16) (*grpc.ClientConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[nid]; ok {
		return conn, nil
	}

	addr, err := r.resolver.ResolvePeer(ctx, nid)
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(addr, r.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for node %d at %s: %w", nid, addr, err)
	}
	r.conns[nid] = conn
	log.Debug().Uint16("nid", nid).Str("addr", addr).Msg("Connected to peer relay")
	return conn, nil
}

// Close stops the server, closes peer connections and then the frame channel.
// Only the first call has any effect.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		r.server.GracefulStop()
		r.wg.Wait()

		r.mu.Lock()
		for nid, conn := range r.conns {
			if err := conn.Close(); err != nil {
				log.Warn().Err(err).Uint16("nid", nid).Msg("Failed to close peer connection")
			}
			delete(r.conns, nid)
		}
		r.mu.Unlock()

		close(r.frames)
	})
	return nil
}
