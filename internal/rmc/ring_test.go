package rmc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWorkQueueEntryLayout tests the bit positions of a packed WQE
func TestWorkQueueEntryLayout(t *testing.T) {
	e := WorkQueueEntry{
		Op:      OpWrite,
		SR:      1,
		Valid:   true,
		BufAddr: 0x1000,
		CID:     3,
		NID:     7,
		Offset:  0x2000,
		Length:  2,
	}
	raw := e.Pack()

	// op | SR<<6 | valid<<7
	assert.Equal(t, byte(0xC1), raw[0])
	// buf_addr starts at bit 8
	assert.Equal(t, []byte{0x00, 0x10, 0x00}, raw[1:4])
	// cid at bits 50..53, nid at 54..63 of word 0
	w0 := uint64LE(raw[:], 0)
	assert.Equal(t, uint64(3), w0>>50&0xF)
	assert.Equal(t, uint64(7), w0>>54)
	// offset at bits 0..39, length at 40..63 of word 1
	assert.Equal(t, []byte{0x00, 0x20, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00}, raw[8:16])

	got, err := UnpackWorkQueueEntry(raw[:])
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

// TestWorkQueueEntryTruncation tests that oversized fields are cut to their widths
func TestWorkQueueEntryTruncation(t *testing.T) {
	e := WorkQueueEntry{
		Op:      Op(0xFF),
		BufAddr: 1<<42 | 0x40,
		CID:     0x1F,
		NID:     0x7FF,
		Offset:  1<<40 | 0x80,
		Length:  MaxLength + 2,
	}
	raw := e.Pack()
	got, err := UnpackWorkQueueEntry(raw[:])
	require.NoError(t, err)
	assert.Equal(t, Op(0x3F), got.Op)
	assert.Equal(t, uint8(0), got.SR)
	assert.False(t, got.Valid)
	assert.Equal(t, uint64(0x40), got.BufAddr)
	assert.Equal(t, uint8(0xF), got.CID)
	assert.Equal(t, uint16(0x3FF), got.NID)
	assert.Equal(t, uint64(0x80), got.Offset)
	assert.Equal(t, uint32(1), got.Length)
}

// TestCompletionQueueEntryLayout tests the bit positions of a packed CQE
func TestCompletionQueueEntryLayout(t *testing.T) {
	e := CompletionQueueEntry{SR: 1, Success: 1, TID: 5, RecvBufAddr: 0x1000}
	raw := e.Pack()
	assert.Equal(t, []byte{0x03, 0x05, 0x00, 0x10, 0, 0, 0, 0}, raw[:])

	got, err := UnpackCompletionQueueEntry(raw[:])
	require.NoError(t, err)
	assert.Equal(t, e, got)
	assert.True(t, got.Succeeded())

	_, err = UnpackCompletionQueueEntry(raw[:4])
	assert.Error(t, err)
}

// TestRingCursorSenseToggle tests that the sense bit flips once per revolution
func TestRingCursorSenseToggle(t *testing.T) {
	c := NewRingCursor()
	require.Equal(t, uint8(1), c.SR)

	for i := 1; i < QueueCapacity; i++ {
		c.Advance()
		require.Equal(t, uint8(1), c.SR, "flipped early at step %d", i)
	}
	c.Advance()
	assert.Equal(t, uint8(0), c.Index)
	assert.Equal(t, uint8(0), c.SR)

	for i := 0; i < QueueCapacity; i++ {
		c.Advance()
	}
	assert.Equal(t, uint8(0), c.Index)
	assert.Equal(t, uint8(1), c.SR)
}

// TestWorkQueuePoll tests which entries the consumer treats as new
func TestWorkQueuePoll(t *testing.T) {
	mem := newFlatMemory(testMemSize)
	q := NewWorkQueue(mem, testWQAddr)

	_, ok, err := q.Poll()
	require.NoError(t, err)
	assert.False(t, ok, "zeroed memory is not a new entry")

	write := func(slot uint8, e WorkQueueEntry) {
		raw := e.Pack()
		require.NoError(t, mem.WritePhysical(WorkQueueSlotAddr(testWQAddr, slot), raw[:]))
	}

	write(0, WorkQueueEntry{Op: OpRead, SR: 1, Valid: false, Length: 1})
	_, ok, err = q.Poll()
	require.NoError(t, err)
	assert.False(t, ok, "invalid entry")

	write(0, WorkQueueEntry{Op: OpRead, SR: 0, Valid: true, Length: 1})
	_, ok, err = q.Poll()
	require.NoError(t, err)
	assert.False(t, ok, "stale sense bit")

	write(0, WorkQueueEntry{Op: OpRead, SR: 1, Valid: true, NID: 4, Length: 1})
	e, ok, err := q.Poll()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint16(4), e.NID)

	// Poll does not consume
	_, ok, _ = q.Poll()
	assert.True(t, ok)
	q.Advance()
	assert.Equal(t, RingCursor{Index: 1, SR: 1}, q.Cursor())
	_, ok, _ = q.Poll()
	assert.False(t, ok)
}

// TestWorkQueuePollFault tests that memory errors are reported
func TestWorkQueuePollFault(t *testing.T) {
	q := NewWorkQueue(newFlatMemory(64), testWQAddr)
	_, _, err := q.Poll()
	assert.ErrorIs(t, err, errTestOutOfRange)
}

// TestCompletionQueueResetAndPush tests production into the CQ ring
func TestCompletionQueueResetAndPush(t *testing.T) {
	mem := newFlatMemory(testMemSize)
	// stale entries with SR set
	for i := 0; i < QueueCapacity; i++ {
		raw := CompletionQueueEntry{SR: 1, Success: 1, TID: uint8(i)}.Pack()
		require.NoError(t, mem.WritePhysical(CompletionQueueSlotAddr(testCQAddr, uint8(i)), raw[:]))
	}

	q := NewCompletionQueue(mem, testCQAddr)
	require.NoError(t, q.Reset())
	assert.Equal(t, []byte{0, 1}, mem.data[testCQAddr:testCQAddr+2])
	for i := 0; i < QueueCapacity; i++ {
		assert.Zero(t, mem.data[CompletionQueueSlotAddr(testCQAddr, uint8(i))]&1)
	}

	require.NoError(t, q.Push(CompletionQueueEntry{Success: 1, TID: 9, RecvBufAddr: 0x1000}))
	assert.Equal(t, []byte{1, 1}, mem.data[testCQAddr:testCQAddr+2])
	got, err := UnpackCompletionQueueEntry(mem.data[CompletionQueueSlotAddr(testCQAddr, 0):])
	require.NoError(t, err)
	assert.Equal(t, CompletionQueueEntry{SR: 1, Success: 1, TID: 9, RecvBufAddr: 0x1000}, got)

	for i := 1; i < QueueCapacity; i++ {
		require.NoError(t, q.Push(CompletionQueueEntry{TID: uint8(i)}))
	}
	assert.Equal(t, RingCursor{Index: 0, SR: 0}, q.Cursor())
	assert.Equal(t, []byte{0, 0}, mem.data[testCQAddr:testCQAddr+2])

	// second revolution overwrites slot 0 with SR 0
	require.NoError(t, q.Push(CompletionQueueEntry{TID: 200}))
	got, err = UnpackCompletionQueueEntry(mem.data[CompletionQueueSlotAddr(testCQAddr, 0):])
	require.NoError(t, err)
	assert.Equal(t, uint8(0), got.SR)
	assert.Equal(t, uint8(200), got.TID)
}
