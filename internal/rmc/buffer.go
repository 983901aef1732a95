package rmc

// DefaultStagingCapacity is the number of frames a staging buffer holds
const DefaultStagingCapacity = 1000

// StagingBuffer is a fixed-capacity FIFO of raw frames. Every slot is sized
// to the largest frame so a push never allocates.
type StagingBuffer struct {
	name  string
	slots [][MaxFrameLen]byte
	lens  []int
	head  int
	size  int
}

// NewStagingBuffer creates an empty buffer holding up to capacity frames
func NewStagingBuffer(name string, capacity int) *StagingBuffer {
	if capacity <= 0 {
		capacity = DefaultStagingCapacity
	}
	return &StagingBuffer{
		name:  name,
		slots: make([][MaxFrameLen]byte, capacity),
		lens:  make([]int, capacity),
	}
}

// Name returns the name of the buffer
func (b *StagingBuffer) Name() string { return b.name }

// CanPush reports whether a push would be accepted
func (b *StagingBuffer) CanPush() bool { return b.size < len(b.slots) }

// Push copies frame into the tail slot. It returns false and stores nothing
// when the buffer is full or the frame does not fit a slot.
func (b *StagingBuffer) Push(frame []byte) bool {
	if !b.CanPush() || len(frame) > MaxFrameLen {
		return false
	}
	i := (b.head + b.size) % len(b.slots)
	b.lens[i] = copy(b.slots[i][:], frame)
	b.size++
	return true
}

// Pop removes the oldest frame. The returned slice is a copy owned by the caller.
func (b *StagingBuffer) Pop() ([]byte, bool) {
	if b.size == 0 {
		return nil, false
	}
	i := b.head
	frame := make([]byte, b.lens[i])
	copy(frame, b.slots[i][:b.lens[i]])
	b.head = (b.head + 1) % len(b.slots)
	b.size--
	return frame, true
}

// Capacity returns the number of slots
func (b *StagingBuffer) Capacity() int { return len(b.slots) }

// Size returns the number of buffered frames
func (b *StagingBuffer) Size() int { return b.size }

// Clear drops every buffered frame
func (b *StagingBuffer) Clear() {
	b.head = 0
	b.size = 0
}
