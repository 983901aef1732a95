package rmc

import (
	"fmt"
)

const (
	// QueueCapacity is the number of entries in every WQ and CQ ring
	QueueCapacity = 128
	// WorkQueueEntrySize is the stride of WQ entries in guest memory
	WorkQueueEntrySize = 16
	// CompletionQueueEntrySize is the stride of CQ entries in guest memory
	CompletionQueueEntrySize = 8
	// RingHeaderLen covers the producer index byte and the producer sense byte
	RingHeaderLen = 2

	// WorkQueueBytes is the guest memory footprint of a WQ ring
	WorkQueueBytes = RingHeaderLen + QueueCapacity*WorkQueueEntrySize
	// CompletionQueueBytes is the guest memory footprint of a CQ ring
	CompletionQueueBytes = RingHeaderLen + QueueCapacity*CompletionQueueEntrySize
)

// Field widths of a work queue entry
const (
	wqeOpBits      = 6
	wqeBufAddrBits = 42
	wqeCIDBits     = 4
	wqeNIDBits     = 10
	wqeOffsetBits  = 40
	wqeLengthBits  = 24

	// MaxLength is the largest cache line count a WQE can request
	MaxLength = 1<<wqeLengthBits - 1
)

func mask(bits uint) uint64 { return 1<<bits - 1 }

// WorkQueueEntry is one request posted by guest software
type WorkQueueEntry struct {
	Op      Op
	SR      uint8
	Valid   bool
	BufAddr uint64 // guest virtual, 42 bits
	CID     uint8  // 4 bits
	NID     uint16 // 10 bits
	Offset  uint64 // 40 bits
	Length  uint32 // cache lines, 24 bits
}

// Pack encodes the entry as two little-endian words. Fields are truncated to their widths.
func (e WorkQueueEntry) Pack() [WorkQueueEntrySize]byte {
	var valid uint64
	if e.Valid {
		valid = 1
	}
	w0 := uint64(e.Op)&mask(wqeOpBits) |
		uint64(e.SR&1)<<6 |
		valid<<7 |
		(e.BufAddr&mask(wqeBufAddrBits))<<8 |
		(uint64(e.CID)&mask(wqeCIDBits))<<50 |
		(uint64(e.NID)&mask(wqeNIDBits))<<54
	w1 := e.Offset&mask(wqeOffsetBits) |
		(uint64(e.Length)&mask(wqeLengthBits))<<40

	var b [WorkQueueEntrySize]byte
	putUint64LE(b[:], 0, w0)
	putUint64LE(b[:], 8, w1)
	return b
}

// UnpackWorkQueueEntry decodes a 16 byte entry
func UnpackWorkQueueEntry(b []byte) (WorkQueueEntry, error) {
	if len(b) < WorkQueueEntrySize {
		return WorkQueueEntry{}, fmt.Errorf("work queue entry needs %d bytes, got %d", WorkQueueEntrySize, len(b))
	}
	w0 := uint64LE(b, 0)
	w1 := uint64LE(b, 8)
	return WorkQueueEntry{
		Op:      Op(w0 & mask(wqeOpBits)),
		SR:      uint8(w0>>6) & 1,
		Valid:   w0>>7&1 == 1,
		BufAddr: w0 >> 8 & mask(wqeBufAddrBits),
		CID:     uint8(w0 >> 50 & mask(wqeCIDBits)),
		NID:     uint16(w0 >> 54 & mask(wqeNIDBits)),
		Offset:  w1 & mask(wqeOffsetBits),
		Length:  uint32(w1 >> 40 & mask(wqeLengthBits)),
	}, nil
}

// CompletionQueueEntry reports the outcome of one work request
type CompletionQueueEntry struct {
	SR uint8
	// Success is 1 when every sub-request completed and 0 when any was rejected
	Success     uint8
	TID         uint8
	RecvBufAddr uint64 // 48 bits
}

// Succeeded reports whether no sub-request was rejected
func (e CompletionQueueEntry) Succeeded() bool { return e.Success == 1 }

// Pack encodes the entry as one little-endian word
func (e CompletionQueueEntry) Pack() [CompletionQueueEntrySize]byte {
	w := uint64(e.SR&1) |
		uint64(e.Success&0x7F)<<1 |
		uint64(e.TID)<<8 |
		(e.RecvBufAddr&mask(48))<<16
	var b [CompletionQueueEntrySize]byte
	putUint64LE(b[:], 0, w)
	return b
}

// UnpackCompletionQueueEntry decodes an 8 byte entry
func UnpackCompletionQueueEntry(b []byte) (CompletionQueueEntry, error) {
	if len(b) < CompletionQueueEntrySize {
		return CompletionQueueEntry{}, fmt.Errorf("completion queue entry needs %d bytes, got %d", CompletionQueueEntrySize, len(b))
	}
	w := uint64LE(b, 0)
	return CompletionQueueEntry{
		SR:          uint8(w & 1),
		Success:     uint8(w>>1) & 0x7F,
		TID:         uint8(w >> 8),
		RecvBufAddr: w >> 16,
	}, nil
}

// RingCursor is one side's position in a sense-bit ring
type RingCursor struct {
	Index uint8
	SR    uint8
}

// NewRingCursor returns a cursor at slot 0 expecting sense bit 1
func NewRingCursor() RingCursor {
	return RingCursor{Index: 0, SR: 1}
}

// Advance moves to the next slot, flipping the sense bit when the index wraps to 0
func (c *RingCursor) Advance() {
	c.Index = uint8((int(c.Index) + 1) % QueueCapacity)
	if c.Index == 0 {
		c.SR ^= 1
	}
}

// WorkQueueSlotAddr returns the address of WQ slot i in a ring based at base
func WorkQueueSlotAddr(base uint64, i uint8) uint64 {
	return base + RingHeaderLen + uint64(i)*WorkQueueEntrySize
}

// CompletionQueueSlotAddr returns the address of CQ slot i in a ring based at base
func CompletionQueueSlotAddr(base uint64, i uint8) uint64 {
	return base + RingHeaderLen + uint64(i)*CompletionQueueEntrySize
}

// WorkQueue is the controller's consumer view of a guest WQ ring
type WorkQueue struct {
	mem    Memory
	base   uint64 // guest physical
	cursor RingCursor
}

// NewWorkQueue binds a consumer cursor to the ring at base
func NewWorkQueue(mem Memory, base uint64) *WorkQueue {
	return &WorkQueue{mem: mem, base: base, cursor: NewRingCursor()}
}

// Poll returns the entry at the tail if it is new. It does not consume it.
func (q *WorkQueue) Poll() (WorkQueueEntry, bool, error) {
	var raw [WorkQueueEntrySize]byte
	addr := WorkQueueSlotAddr(q.base, q.cursor.Index)
	if err := q.mem.ReadPhysical(addr, raw[:]); err != nil {
		return WorkQueueEntry{}, false, fmt.Errorf("failed to read WQ slot %d at 0x%x: %w", q.cursor.Index, addr, err)
	}
	e, err := UnpackWorkQueueEntry(raw[:])
	if err != nil {
		return WorkQueueEntry{}, false, err
	}
	if !e.Valid || e.SR != q.cursor.SR {
		return WorkQueueEntry{}, false, nil
	}
	return e, true, nil
}

// Advance consumes the entry at the tail
func (q *WorkQueue) Advance() {
	q.cursor.Advance()
}

// Cursor returns the consumer position
func (q *WorkQueue) Cursor() RingCursor { return q.cursor }

// CompletionQueue is the controller's producer view of a guest CQ ring
type CompletionQueue struct {
	mem    Memory
	base   uint64 // guest physical
	cursor RingCursor
}

// NewCompletionQueue binds a producer cursor to the ring at base
func NewCompletionQueue(mem Memory, base uint64) *CompletionQueue {
	return &CompletionQueue{mem: mem, base: base, cursor: NewRingCursor()}
}

// Reset publishes index 0 and sense bit 1 and clears the sense bit of every entry
func (q *CompletionQueue) Reset() error {
	q.cursor = NewRingCursor()
	if err := q.publish(); err != nil {
		return err
	}
	var raw [CompletionQueueEntrySize]byte
	for i := 0; i < QueueCapacity; i++ {
		addr := CompletionQueueSlotAddr(q.base, uint8(i))
		if err := q.mem.ReadPhysical(addr, raw[:1]); err != nil {
			return fmt.Errorf("failed to read CQ slot %d: %w", i, err)
		}
		raw[0] &^= 1
		if err := q.mem.WritePhysical(addr, raw[:1]); err != nil {
			return fmt.Errorf("failed to clear CQ slot %d: %w", i, err)
		}
	}
	return nil
}

// Push writes e at the head with the producer sense bit and advances the head.
// Unconsumed entries are overwritten after one revolution.
func (q *CompletionQueue) Push(e CompletionQueueEntry) error {
	e.SR = q.cursor.SR
	raw := e.Pack()
	addr := CompletionQueueSlotAddr(q.base, q.cursor.Index)
	if err := q.mem.WritePhysical(addr, raw[:]); err != nil {
		return fmt.Errorf("failed to write CQ slot %d at 0x%x: %w", q.cursor.Index, addr, err)
	}
	q.cursor.Advance()
	return q.publish()
}

// Cursor returns the producer position
func (q *CompletionQueue) Cursor() RingCursor { return q.cursor }

func (q *CompletionQueue) publish() error {
	hdr := [RingHeaderLen]byte{q.cursor.Index, q.cursor.SR}
	if err := q.mem.WritePhysical(q.base, hdr[:]); err != nil {
		return fmt.Errorf("failed to publish CQ header at 0x%x: %w", q.base, err)
	}
	return nil
}
