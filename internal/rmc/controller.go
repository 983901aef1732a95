package rmc

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// MaxQueuePairs bounds queue pair ids to one byte
const MaxQueuePairs = 256

var (
	// ErrQueuePairNotRegistered is returned when a queue pair is used before both rings are registered
	ErrQueuePairNotRegistered = errors.New("queue pair not registered")
	// ErrNotActivated is returned when the driver runs before Activate
	ErrNotActivated = errors.New("controller not activated")
)

// Translator resolves guest virtual addresses under a page table root
type Translator interface {
	Translate(root, gva uint64) (uint64, error)
}

// Memory gives access to guest physical memory
type Memory interface {
	ReadPhysical(addr uint64, buf []byte) error
	WritePhysical(addr uint64, buf []byte) error
}

// Transport transmits raw frames
type Transport interface {
	SendFrame(frame []byte) error
}

// Config holds the identity of a controller
type Config struct {
	NodeID    uint16
	ContextID uint8
	MAC       [6]byte
	// StagingCapacity is the number of frames per staging buffer
	StagingCapacity int
}

// Stats is a snapshot of controller counters
type Stats struct {
	FramesSent         uint64
	FramesReceived     uint64
	FramesDropped      uint64
	RejectionsSent     uint64
	CompletionsWritten uint64
	Faults             uint64
}

type counters struct {
	framesSent         atomic.Uint64
	framesReceived     atomic.Uint64
	framesDropped      atomic.Uint64
	rejectionsSent     atomic.Uint64
	completionsWritten atomic.Uint64
	faults             atomic.Uint64
}

type queuePair struct {
	id         uint8
	wqAddr     uint64 // guest virtual
	cqAddr     uint64 // guest virtual
	hasWQ      bool
	hasCQ      bool
	translated bool
	wq         *WorkQueue
	cq         *CompletionQueue
}

// Controller is one emulated remote memory controller. It is not safe for
// concurrent use: callers serialise OnFrameReceived, AdvancePipelines and
// registration.
type Controller struct {
	cfg  Config
	mem  Memory
	xlat Translator
	tx   Transport

	translationRoot uint64
	contextAddr     uint64 // guest virtual
	contextBase     uint64 // guest physical
	activated       bool

	queuePairs [MaxQueuePairs]*queuePair
	active     []uint8

	itt      *InflightTable
	rcpBuf   *StagingBuffer
	rrppBuf  *StagingBuffer
	rgp      *requestGenerator
	rcp      *completionProcessor
	rrpp     *remoteRequestProcessor
	counters counters
}

// New creates a controller. Rings and the context base must be registered and
// Activate called before the pipelines do any work.
func New(cfg Config, mem Memory, xlat Translator, tx Transport) *Controller {
	if cfg.StagingCapacity <= 0 {
		cfg.StagingCapacity = DefaultStagingCapacity
	}
	c := &Controller{
		cfg:     cfg,
		mem:     mem,
		xlat:    xlat,
		tx:      tx,
		itt:     NewInflightTable(),
		rcpBuf:  NewStagingBuffer("rcp", cfg.StagingCapacity),
		rrppBuf: NewStagingBuffer("rrpp", cfg.StagingCapacity),
	}
	c.rgp = newRequestGenerator(c)
	c.rcp = newCompletionProcessor(c)
	c.rrpp = newRemoteRequestProcessor(c)
	return c
}

// Config returns the controller identity
func (c *Controller) Config() Config { return c.cfg }

// SetTranslationContext sets the page table root used for every translation
func (c *Controller) SetTranslationContext(root uint64) {
	c.translationRoot = root
}

// SetContextBase sets the guest virtual base that remote offsets are relative to
func (c *Controller) SetContextBase(gva uint64) {
	c.contextAddr = gva
}

// RegisterWorkQueue records the guest virtual address of the WQ of queue pair id
func (c *Controller) RegisterWorkQueue(id uint8, gva uint64) {
	qp := c.queuePair(id)
	qp.wqAddr = gva
	qp.hasWQ = true
	qp.translated = false
}

// RegisterCompletionQueue records the guest virtual address of the CQ of queue pair id
func (c *Controller) RegisterCompletionQueue(id uint8, gva uint64) {
	qp := c.queuePair(id)
	qp.cqAddr = gva
	qp.hasCQ = true
	qp.translated = false
}

func (c *Controller) queuePair(id uint8) *queuePair {
	if c.queuePairs[id] == nil {
		c.queuePairs[id] = &queuePair{id: id}
	}
	return c.queuePairs[id]
}

// Activate translates the context base and every registered queue pair, resets
// the controller side of each ring, clears staging buffers and pipeline state
// and restarts tid allocation at 0. Queue pairs with only one ring registered
// are skipped and reported.
func (c *Controller) Activate() error {
	base, err := c.xlat.Translate(c.translationRoot, c.contextAddr)
	if err != nil {
		return fmt.Errorf("failed to translate context base 0x%x: %w", c.contextAddr, err)
	}
	c.contextBase = base

	var errs []error
	c.active = c.active[:0]
	for _, qp := range c.queuePairs {
		if qp == nil {
			continue
		}
		if err := c.activateQueuePair(qp); err != nil {
			errs = append(errs, err)
			continue
		}
		c.active = append(c.active, qp.id)
	}

	c.rcpBuf.Clear()
	c.rrppBuf.Clear()
	c.rgp.reset()
	c.rcp.reset()
	c.rrpp.reset()
	c.activated = true

	log.Info().
		Uint16("nid", c.cfg.NodeID).
		Uint8("cid", c.cfg.ContextID).
		Uint64("context_base", c.contextBase).
		Int("queue_pairs", len(c.active)).
		Msg("Controller activated")
	return errors.Join(errs...)
}

func (c *Controller) activateQueuePair(qp *queuePair) error {
	if !qp.hasWQ || !qp.hasCQ {
		return fmt.Errorf("queue pair %d: %w", qp.id, ErrQueuePairNotRegistered)
	}
	wqPA, err := c.xlat.Translate(c.translationRoot, qp.wqAddr)
	if err != nil {
		return fmt.Errorf("failed to translate WQ of queue pair %d: %w", qp.id, err)
	}
	cqPA, err := c.xlat.Translate(c.translationRoot, qp.cqAddr)
	if err != nil {
		return fmt.Errorf("failed to translate CQ of queue pair %d: %w", qp.id, err)
	}
	qp.wq = NewWorkQueue(c.mem, wqPA)
	qp.cq = NewCompletionQueue(c.mem, cqPA)
	if err := qp.cq.Reset(); err != nil {
		return fmt.Errorf("failed to reset CQ of queue pair %d: %w", qp.id, err)
	}
	qp.translated = true
	log.Debug().
		Uint8("qp", qp.id).
		Uint64("wq_pa", wqPA).
		Uint64("cq_pa", cqPA).
		Msg("Queue pair activated")
	return nil
}

// AdvancePipelines steps RCP, RGP and RRPP in turn until a full round makes no
// progress. Faults abort only the unit of work they hit; they are returned joined.
func (c *Controller) AdvancePipelines() error {
	if !c.activated {
		return ErrNotActivated
	}
	var errs []error
	for {
		progressed := false
		for _, p := range [...]pipeline{c.rcp, c.rgp, c.rrpp} {
			moved, err := p.step()
			if err != nil {
				c.counters.faults.Add(1)
				errs = append(errs, err)
			}
			progressed = progressed || moved
		}
		if !progressed {
			break
		}
	}
	return errors.Join(errs...)
}

// Idle reports whether every pipeline sits in its idle state
func (c *Controller) Idle() bool {
	return c.rcp.idle() && c.rgp.idle() && c.rrpp.idle()
}

// Stats returns a snapshot of the counters. It is safe to call concurrently.
func (c *Controller) Stats() Stats {
	return Stats{
		FramesSent:         c.counters.framesSent.Load(),
		FramesReceived:     c.counters.framesReceived.Load(),
		FramesDropped:      c.counters.framesDropped.Load(),
		RejectionsSent:     c.counters.rejectionsSent.Load(),
		CompletionsWritten: c.counters.completionsWritten.Load(),
		Faults:             c.counters.faults.Load(),
	}
}

// ITTEntry returns the inflight table entry for tid
func (c *Controller) ITTEntry(tid uint8) ITTEntry {
	return c.itt.Entry(tid)
}

type pipeline interface {
	// step performs one state transition and reports whether any work was done
	step() (bool, error)
	idle() bool
	reset()
}

func (c *Controller) translate(gva uint64) (uint64, error) {
	pa, err := c.xlat.Translate(c.translationRoot, gva)
	if err != nil {
		return 0, fmt.Errorf("failed to translate 0x%x: %w", gva, err)
	}
	return pa, nil
}

// send transmits a frame. Failures are logged and counted, never returned.
func (c *Controller) send(frame []byte) {
	if err := c.tx.SendFrame(frame); err != nil {
		c.counters.framesDropped.Add(1)
		log.Warn().Err(err).Msg("Failed to send frame")
		return
	}
	c.counters.framesSent.Add(1)
}

func (c *Controller) newFrame(op Op, peer uint16) Frame {
	return Frame{
		SrcMAC: c.cfg.MAC,
		DstMAC: BroadcastMAC,
		SrcIP:  NodeIP(c.cfg.NodeID),
		DstIP:  NodeIP(peer),
		Op:     op,
	}
}

// writeCompletion produces the CQ entry for a finished transaction on the
// queue pair that issued it
func (c *Controller) writeCompletion(tid uint8) error {
	entry := c.itt.Entry(tid)
	qp := c.queuePairs[entry.QueuePair]
	if qp == nil || !qp.translated {
		return fmt.Errorf("completion for tid %d: queue pair %d: %w", tid, entry.QueuePair, ErrQueuePairNotRegistered)
	}
	cqe := CompletionQueueEntry{
		Success:     entry.Success(),
		TID:         tid,
		RecvBufAddr: entry.LocalAddr,
	}
	if err := qp.cq.Push(cqe); err != nil {
		return fmt.Errorf("completion for tid %d: %w", tid, err)
	}
	c.counters.completionsWritten.Add(1)
	log.Debug().
		Uint8("tid", tid).
		Uint8("qp", qp.id).
		Uint8("success", cqe.Success).
		Msg("Completion written")
	return nil
}
