package rmc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	errTestOutOfRange = errors.New("test memory: out of range")
	errTestUnmapped   = errors.New("test translator: unmapped")
)

// flatMemory is guest physical memory for tests
type flatMemory struct {
	data []byte
}

func newFlatMemory(size int) *flatMemory {
	return &flatMemory{data: make([]byte, size)}
}

func (m *flatMemory) ReadPhysical(addr uint64, buf []byte) error {
	if addr+uint64(len(buf)) > uint64(len(m.data)) {
		return fmt.Errorf("%w: 0x%x", errTestOutOfRange, addr)
	}
	copy(buf, m.data[addr:])
	return nil
}

func (m *flatMemory) WritePhysical(addr uint64, buf []byte) error {
	if addr+uint64(len(buf)) > uint64(len(m.data)) {
		return fmt.Errorf("%w: 0x%x", errTestOutOfRange, addr)
	}
	copy(m.data[addr:], buf)
	return nil
}

// offsetTranslator maps gva to gva+delta, except for addresses listed as holes
type offsetTranslator struct {
	delta uint64
	holes map[uint64]bool
}

func (x *offsetTranslator) Translate(_ uint64, gva uint64) (uint64, error) {
	if x.holes[gva] {
		return 0, fmt.Errorf("%w: 0x%x", errTestUnmapped, gva)
	}
	return gva + x.delta, nil
}

// recordingTransport keeps every frame it is asked to send
type recordingTransport struct {
	frames [][]byte
	err    error
}

func (t *recordingTransport) SendFrame(frame []byte) error {
	if t.err != nil {
		return t.err
	}
	t.frames = append(t.frames, append([]byte(nil), frame...))
	return nil
}

func (t *recordingTransport) take() [][]byte {
	f := t.frames
	t.frames = nil
	return f
}

const (
	testMemSize     = 1 << 20
	testWQAddr      = 0x10000
	testCQAddr      = 0x11000
	testContextAddr = 0x40000
)

// testNode is one controller with its memory, transport and guest-side cursors
type testNode struct {
	c   *Controller
	mem *flatMemory
	tx  *recordingTransport
	wq  map[uint8]*RingCursor
	cq  map[uint8]*RingCursor
}

func newTestNode(t *testing.T, nid uint16, cid uint8, qps ...uint8) *testNode {
	t.Helper()
	if len(qps) == 0 {
		qps = []uint8{0}
	}
	n := &testNode{
		mem: newFlatMemory(testMemSize),
		tx:  &recordingTransport{},
		wq:  make(map[uint8]*RingCursor),
		cq:  make(map[uint8]*RingCursor),
	}
	n.c = New(Config{NodeID: nid, ContextID: cid, MAC: [6]byte{0x02, 0, 0, 0, 0, uint8(nid)}},
		n.mem, &offsetTranslator{}, n.tx)
	n.c.SetContextBase(testContextAddr)
	for _, qp := range qps {
		n.c.RegisterWorkQueue(qp, wqAddr(qp))
		n.c.RegisterCompletionQueue(qp, cqAddr(qp))
		wc, cc := NewRingCursor(), NewRingCursor()
		n.wq[qp], n.cq[qp] = &wc, &cc
	}
	require.NoError(t, n.c.Activate())
	return n
}

func wqAddr(qp uint8) uint64 { return testWQAddr + uint64(qp)*0x2000 }
func cqAddr(qp uint8) uint64 { return testCQAddr + uint64(qp)*0x2000 }

// post writes a WQE the way guest software would
func (n *testNode) post(t *testing.T, qp uint8, e WorkQueueEntry) {
	t.Helper()
	cur := n.wq[qp]
	e.SR = cur.SR
	e.Valid = true
	raw := e.Pack()
	require.NoError(t, n.mem.WritePhysical(WorkQueueSlotAddr(wqAddr(qp), cur.Index), raw[:]))
	cur.Advance()
}

// pollCQ consumes the next CQ entry of qp if there is one
func (n *testNode) pollCQ(t *testing.T, qp uint8) (CompletionQueueEntry, bool) {
	t.Helper()
	cur := n.cq[qp]
	var raw [CompletionQueueEntrySize]byte
	require.NoError(t, n.mem.ReadPhysical(CompletionQueueSlotAddr(cqAddr(qp), cur.Index), raw[:]))
	e, err := UnpackCompletionQueueEntry(raw[:])
	require.NoError(t, err)
	if e.SR != cur.SR {
		return CompletionQueueEntry{}, false
	}
	cur.Advance()
	return e, true
}

// deliver hands frames to n and runs its pipelines to quiescence
func (n *testNode) deliver(t *testing.T, frames ...[]byte) {
	t.Helper()
	for _, f := range frames {
		n.c.OnFrameReceived(f)
	}
	require.NoError(t, n.c.AdvancePipelines())
}

func fill(b []byte, seed byte) {
	for i := range b {
		b[i] = seed + byte(i)
	}
}

func mustParse(t *testing.T, raw []byte) *Frame {
	t.Helper()
	f, err := ParseFrame(raw)
	require.NoError(t, err)
	return f
}
