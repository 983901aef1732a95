package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/yuuki/rmcemu/internal/rmc"
)

var (
	// ErrUnknownPeer is returned when no address is known for a destination node
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrInboxFull is returned when the destination cannot accept another frame
	ErrInboxFull = errors.New("peer inbox full")
	// ErrAlreadyAttached is returned when a node id is attached twice
	ErrAlreadyAttached = errors.New("node already attached")
)

// DefaultInboxDepth is the number of undelivered frames a link buffers
const DefaultInboxDepth = 1024

// Link carries frames for one controller in both directions
type Link interface {
	rmc.Transport
	// Frames yields inbound frames; it is closed by Close
	Frames() <-chan []byte
	Close() error
}

// PeerResolver maps a node id to the address of its frame relay
type PeerResolver interface {
	ResolvePeer(ctx context.Context, nid uint16) (string, error)
}

// StaticPeers is a fixed node id to address table
type StaticPeers map[uint16]string

// ResolvePeer implements PeerResolver
func (p StaticPeers) ResolvePeer(_ context.Context, nid uint16) (string, error) {
	addr, ok := p[nid]
	if !ok {
		return "", fmt.Errorf("%w: node %d", ErrUnknownPeer, nid)
	}
	return addr, nil
}

// Resolvers tries each resolver in order and returns the first address found
type Resolvers []PeerResolver

// ResolvePeer implements PeerResolver
func (rs Resolvers) ResolvePeer(ctx context.Context, nid uint16) (string, error) {
	var errs []error
	for _, r := range rs {
		addr, err := r.ResolvePeer(ctx, nid)
		if err == nil {
			return addr, nil
		}
		errs = append(errs, err)
	}
	return "", fmt.Errorf("%w: node %d: %w", ErrUnknownPeer, nid, errors.Join(errs...))
}

// destination returns the node a frame is addressed to
func destination(frame []byte) (uint16, error) {
	dst, err := rmc.PeekDestinationNode(frame)
	if err != nil {
		return 0, err
	}
	return uint16(dst), nil
}
