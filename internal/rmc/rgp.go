package rmc

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
)

type rgpState int

const (
	rgpPoll rgpState = iota
	rgpFetch
	rgpTranslation
	rgpRead
	rgpInitITT
	rgpPacketGen
	rgpPacketSend
)

func (s rgpState) String() string {
	switch s {
	case rgpPoll:
		return "Poll"
	case rgpFetch:
		return "Fetch"
	case rgpTranslation:
		return "Translation"
	case rgpRead:
		return "Read"
	case rgpInitITT:
		return "InitITT"
	case rgpPacketGen:
		return "PacketGen"
	case rgpPacketSend:
		return "PacketSend"
	default:
		return fmt.Sprintf("rgpState(%d)", int(s))
	}
}

// rgpContext is the work request currently being unrolled
type rgpContext struct {
	qp    uint8
	wqe   WorkQueueEntry
	bufPA uint64
	tid   uint8
	line  uint32
	frame []byte
}

// requestGenerator turns WQ entries into request frames
type requestGenerator struct {
	c       *Controller
	state   rgpState
	ctx     rgpContext
	next    int // position in c.active where the next poll starts
	nextTID uint8
}

func newRequestGenerator(c *Controller) *requestGenerator {
	return &requestGenerator{c: c}
}

func (g *requestGenerator) idle() bool { return g.state == rgpPoll }

func (g *requestGenerator) reset() {
	g.state = rgpPoll
	g.ctx = rgpContext{}
	g.next = 0
	g.nextTID = 0
}

func (g *requestGenerator) transition(to rgpState) {
	log.Trace().Stringer("from", g.state).Stringer("to", to).Msg("RGP transition")
	g.state = to
}

// abort drops the work request in progress
func (g *requestGenerator) abort(err error) error {
	log.Error().
		Err(err).
		Uint8("qp", g.ctx.qp).
		Stringer("state", g.state).
		Msg("RGP fault, dropping work request")
	g.ctx = rgpContext{}
	g.state = rgpPoll
	return err
}

func (g *requestGenerator) step() (bool, error) {
	switch g.state {
	case rgpPoll:
		return g.poll()

	case rgpFetch:
		g.c.queuePairs[g.ctx.qp].wq.Advance()
		switch g.ctx.wqe.Op {
		case OpWrite:
			g.transition(rgpTranslation)
		case OpRead:
			g.transition(rgpInitITT)
		default:
			log.Warn().
				Uint8("qp", g.ctx.qp).
				Stringer("op", g.ctx.wqe.Op).
				Msg("Ignoring work request with unsupported op")
			g.ctx = rgpContext{}
			g.transition(rgpPoll)
		}
		return true, nil

	case rgpTranslation:
		pa, err := g.c.translate(g.ctx.wqe.BufAddr)
		if err != nil {
			return true, g.abort(err)
		}
		g.ctx.bufPA = pa
		g.transition(rgpRead)
		return true, nil

	case rgpRead:
		if err := g.checkBuffer(); err != nil {
			return true, g.abort(err)
		}
		g.transition(rgpInitITT)
		return true, nil

	case rgpInitITT:
		g.ctx.tid = g.nextTID
		g.nextTID = uint8((int(g.nextTID) + 1) % ITTCapacity)
		g.c.itt.Create(g.ctx.tid, g.ctx.wqe.Length, g.ctx.wqe.BufAddr, g.ctx.wqe.Offset, g.ctx.qp)
		g.ctx.line = 0
		log.Debug().
			Uint8("tid", g.ctx.tid).
			Uint8("qp", g.ctx.qp).
			Stringer("op", g.ctx.wqe.Op).
			Uint16("nid", g.ctx.wqe.NID).
			Uint64("offset", g.ctx.wqe.Offset).
			Uint32("length", g.ctx.wqe.Length).
			Msg("Work request accepted")
		if g.ctx.wqe.Length == 0 {
			g.ctx = rgpContext{}
			g.transition(rgpPoll)
			return true, nil
		}
		g.transition(rgpPacketGen)
		return true, nil

	case rgpPacketGen:
		frame, err := g.buildRequest()
		if err != nil {
			return true, g.abort(err)
		}
		g.ctx.frame = frame
		g.transition(rgpPacketSend)
		return true, nil

	case rgpPacketSend:
		g.c.send(g.ctx.frame)
		g.ctx.frame = nil
		g.ctx.line++
		if g.ctx.line < g.ctx.wqe.Length {
			g.transition(rgpPacketGen)
		} else {
			g.ctx = rgpContext{}
			g.transition(rgpPoll)
		}
		return true, nil

	default:
		g.state = rgpPoll
		return true, fmt.Errorf("RGP in unknown state %d", int(g.state))
	}
}

// poll checks every active WQ once, starting after the last one served
func (g *requestGenerator) poll() (bool, error) {
	n := len(g.c.active)
	var errs []error
	for i := 0; i < n; i++ {
		pos := (g.next + i) % n
		qp := g.c.queuePairs[g.c.active[pos]]
		wqe, ok, err := qp.wq.Poll()
		if err != nil {
			log.Error().Err(err).Uint8("qp", qp.id).Msg("Failed to poll work queue")
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		g.next = (pos + 1) % n
		g.ctx = rgpContext{qp: qp.id, wqe: wqe}
		g.transition(rgpFetch)
		return true, errors.Join(errs...)
	}
	return false, errors.Join(errs...)
}

// checkBuffer verifies that the whole local buffer is readable. Lines are
// read one at a time in PacketGen.
func (g *requestGenerator) checkBuffer() error {
	span := uint64(g.ctx.wqe.Length) * CacheLineSize
	if span == 0 {
		return nil
	}
	if g.ctx.bufPA > math.MaxUint64-(span-1) {
		return fmt.Errorf("buffer of %d bytes at 0x%x wraps the address space", span, g.ctx.bufPA)
	}
	var b [1]byte
	for _, addr := range [...]uint64{g.ctx.bufPA, g.ctx.bufPA + span - 1} {
		if err := g.c.mem.ReadPhysical(addr, b[:]); err != nil {
			return fmt.Errorf("failed to read %d bytes at 0x%x: %w", span, g.ctx.bufPA, err)
		}
	}
	return nil
}

func (g *requestGenerator) buildRequest() ([]byte, error) {
	f := g.c.newFrame(g.ctx.wqe.Op, g.ctx.wqe.NID)
	f.DestNID = g.ctx.wqe.NID
	f.TID = g.ctx.tid
	f.CID = g.ctx.wqe.CID
	f.Offset = g.ctx.wqe.Offset + uint64(g.ctx.line)*CacheLineSize
	if g.ctx.wqe.Op == OpWrite {
		addr := g.ctx.bufPA + uint64(g.ctx.line)*CacheLineSize
		if err := g.c.mem.ReadPhysical(addr, f.Payload[:]); err != nil {
			return nil, fmt.Errorf("failed to read line %d at 0x%x: %w", g.ctx.line, addr, err)
		}
	}
	return f.Marshal()
}
