package rmc

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

type rcpState int

const (
	rcpDecode rcpState = iota
	rcpComputeVirtual
	rcpTranslate
	rcpWriteData
	rcpUpdateITT
	rcpWriteCQ
)

func (s rcpState) String() string {
	switch s {
	case rcpDecode:
		return "Decode"
	case rcpComputeVirtual:
		return "ComputeVirtual"
	case rcpTranslate:
		return "Translate"
	case rcpWriteData:
		return "WriteData"
	case rcpUpdateITT:
		return "UpdateITT"
	case rcpWriteCQ:
		return "WriteCQ"
	default:
		return fmt.Sprintf("rcpState(%d)", int(s))
	}
}

type rcpContext struct {
	op      Op
	tid     uint8
	offset  uint64
	payload [CacheLineSize]byte
	gva     uint64
	pa      uint64
}

// completionProcessor applies inbound completions to local memory and the CQ
type completionProcessor struct {
	c     *Controller
	state rcpState
	ctx   rcpContext
}

func newCompletionProcessor(c *Controller) *completionProcessor {
	return &completionProcessor{c: c}
}

func (p *completionProcessor) idle() bool { return p.state == rcpDecode }

func (p *completionProcessor) reset() {
	p.state = rcpDecode
	p.ctx = rcpContext{}
}

func (p *completionProcessor) transition(to rcpState) {
	log.Trace().Stringer("from", p.state).Stringer("to", to).Msg("RCP transition")
	p.state = to
}

func (p *completionProcessor) abort(err error) error {
	log.Error().
		Err(err).
		Uint8("tid", p.ctx.tid).
		Stringer("state", p.state).
		Msg("RCP fault, dropping completion")
	p.ctx = rcpContext{}
	p.state = rcpDecode
	return err
}

func (p *completionProcessor) step() (bool, error) {
	switch p.state {
	case rcpDecode:
		raw, ok := p.c.rcpBuf.Pop()
		if !ok {
			return false, nil
		}
		f, err := ParseFrame(raw)
		if err != nil {
			p.c.counters.framesDropped.Add(1)
			log.Warn().Err(err).Msg("RCP dropping undecodable frame")
			return true, nil
		}
		p.ctx = rcpContext{op: f.Op, tid: f.TID, offset: f.Offset}
		switch f.Op {
		case OpWriteCompletion:
			p.transition(rcpUpdateITT)
		case OpReadCompletion:
			p.ctx.payload = f.Payload
			p.transition(rcpComputeVirtual)
		default:
			p.c.counters.framesDropped.Add(1)
			log.Warn().Stringer("op", f.Op).Msg("RCP dropping non-completion frame")
		}
		return true, nil

	case rcpComputeVirtual:
		e := p.c.itt.Entry(p.ctx.tid)
		p.ctx.gva = e.LocalAddr + p.ctx.offset - e.BaselineOffset
		p.transition(rcpTranslate)
		return true, nil

	case rcpTranslate:
		pa, err := p.c.translate(p.ctx.gva)
		if err != nil {
			return true, p.abort(err)
		}
		p.ctx.pa = pa
		p.transition(rcpWriteData)
		return true, nil

	case rcpWriteData:
		if err := p.c.mem.WritePhysical(p.ctx.pa, p.ctx.payload[:]); err != nil {
			return true, p.abort(fmt.Errorf("failed to write completion data at 0x%x: %w", p.ctx.pa, err))
		}
		p.transition(rcpUpdateITT)
		return true, nil

	case rcpUpdateITT:
		if p.c.itt.RecordCompletion(p.ctx.tid) {
			p.transition(rcpWriteCQ)
		} else {
			p.ctx = rcpContext{}
			p.transition(rcpDecode)
		}
		return true, nil

	case rcpWriteCQ:
		err := p.c.writeCompletion(p.ctx.tid)
		if err != nil {
			return true, p.abort(err)
		}
		p.ctx = rcpContext{}
		p.transition(rcpDecode)
		return true, nil

	default:
		p.state = rcpDecode
		return true, fmt.Errorf("RCP in unknown state %d", int(p.state))
	}
}
