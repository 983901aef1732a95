package transport

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Hub connects controllers in one process. Delivery is by the node octet of
// the destination IP and never blocks the sender.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[uint16]*Endpoint
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{endpoints: make(map[uint16]*Endpoint)}
}

// Attach creates the endpoint for nid with room for depth pending frames
func (h *Hub) Attach(nid uint16, depth int) (*Endpoint, error) {
	if depth <= 0 {
		depth = DefaultInboxDepth
	}
	nid &= 0xFF

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.endpoints[nid]; ok {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyAttached, nid)
	}
	e := &Endpoint{hub: h, nid: nid, frames: make(chan []byte, depth)}
	h.endpoints[nid] = e
	log.Debug().Uint16("nid", nid).Msg("Endpoint attached to hub")
	return e, nil
}

func (h *Hub) detach(e *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.endpoints[e.nid] != e {
		return
	}
	delete(h.endpoints, e.nid)
	close(e.frames)
}

// Endpoint is one node's attachment to a Hub
type Endpoint struct {
	hub    *Hub
	nid    uint16
	frames chan []byte
}

// SendFrame copies frame into the inbox of the node it is addressed to
func (e *Endpoint) SendFrame(frame []byte) error {
	dst, err := destination(frame)
	if err != nil {
		return err
	}

	e.hub.mu.RLock()
	defer e.hub.mu.RUnlock()
	peer, ok := e.hub.endpoints[dst]
	if !ok {
		return fmt.Errorf("%w: node %d", ErrUnknownPeer, dst)
	}
	select {
	case peer.frames <- append([]byte(nil), frame...):
		return nil
	default:
		return fmt.Errorf("%w: node %d", ErrInboxFull, dst)
	}
}

// Frames yields frames addressed to this endpoint
func (e *Endpoint) Frames() <-chan []byte { return e.frames }

// Close detaches the endpoint and closes its frame channel
func (e *Endpoint) Close() error {
	e.hub.detach(e)
	return nil
}
