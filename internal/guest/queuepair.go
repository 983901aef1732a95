package guest

import (
	"fmt"
	"sync"

	"github.com/yuuki/rmcemu/internal/rmc"
)

// WorkRequest is what guest software asks the controller to do
type WorkRequest struct {
	Op rmc.Op
	// BufAddr is the local guest virtual buffer
	BufAddr uint64
	CID     uint8
	NID     uint16
	// Offset is relative to the remote node's context base
	Offset uint64
	// Length counts cache lines
	Length uint32
}

// QueuePair is the guest software side of one WQ/CQ pair: it produces WQ
// entries and consumes CQ entries directly in guest memory.
type QueuePair struct {
	mu     sync.Mutex
	mem    rmc.Memory
	wqBase uint64
	cqBase uint64
	wq     rmc.RingCursor
	cq     rmc.RingCursor
}

// NewQueuePair binds to rings at the given guest physical addresses
func NewQueuePair(mem rmc.Memory, wqBase, cqBase uint64) *QueuePair {
	return &QueuePair{
		mem:    mem,
		wqBase: wqBase,
		cqBase: cqBase,
		wq:     rmc.NewRingCursor(),
		cq:     rmc.NewRingCursor(),
	}
}

// Init zeroes the WQ ring and publishes producer index 0 with sense bit 1
func (q *QueuePair) Init() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.wq = rmc.NewRingCursor()
	q.cq = rmc.NewRingCursor()
	if err := q.mem.WritePhysical(q.wqBase, make([]byte, rmc.WorkQueueBytes)); err != nil {
		return fmt.Errorf("failed to clear WQ: %w", err)
	}
	return q.publish()
}

// Post writes a work request into the next WQ slot
func (q *QueuePair) Post(wr WorkRequest) error {
	if wr.Length > rmc.MaxLength {
		return fmt.Errorf("length %d exceeds %d cache lines", wr.Length, rmc.MaxLength)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	e := rmc.WorkQueueEntry{
		Op:      wr.Op,
		SR:      q.wq.SR,
		Valid:   true,
		BufAddr: wr.BufAddr,
		CID:     wr.CID,
		NID:     wr.NID,
		Offset:  wr.Offset,
		Length:  wr.Length,
	}
	raw := e.Pack()
	if err := q.mem.WritePhysical(rmc.WorkQueueSlotAddr(q.wqBase, q.wq.Index), raw[:]); err != nil {
		return fmt.Errorf("failed to post to WQ slot %d: %w", q.wq.Index, err)
	}
	q.wq.Advance()
	return q.publish()
}

func (q *QueuePair) publish() error {
	hdr := []byte{q.wq.Index, q.wq.SR}
	if err := q.mem.WritePhysical(q.wqBase, hdr); err != nil {
		return fmt.Errorf("failed to publish WQ header: %w", err)
	}
	return nil
}

// PollCompletion consumes the next CQ entry if the controller has produced one
func (q *QueuePair) PollCompletion() (rmc.CompletionQueueEntry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var raw [rmc.CompletionQueueEntrySize]byte
	if err := q.mem.ReadPhysical(rmc.CompletionQueueSlotAddr(q.cqBase, q.cq.Index), raw[:]); err != nil {
		return rmc.CompletionQueueEntry{}, false, fmt.Errorf("failed to read CQ slot %d: %w", q.cq.Index, err)
	}
	e, err := rmc.UnpackCompletionQueueEntry(raw[:])
	if err != nil {
		return rmc.CompletionQueueEntry{}, false, err
	}
	if e.SR != q.cq.SR {
		return rmc.CompletionQueueEntry{}, false, nil
	}
	q.cq.Advance()
	return e, true, nil
}
