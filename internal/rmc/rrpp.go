package rmc

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

type rrppState int

const (
	rrppDecode rrppState = iota
	rrppValidate
	rrppReadWrite
	rrppPacketGen
	rrppPacketSend
	rrppSendRejection
)

func (s rrppState) String() string {
	switch s {
	case rrppDecode:
		return "Decode"
	case rrppValidate:
		return "Validate"
	case rrppReadWrite:
		return "ReadWrite"
	case rrppPacketGen:
		return "PacketGen"
	case rrppPacketSend:
		return "PacketSend"
	case rrppSendRejection:
		return "SendRejection"
	default:
		return fmt.Sprintf("rrppState(%d)", int(s))
	}
}

type rrppContext struct {
	req    *Frame
	target uint64 // guest physical
	reply  [CacheLineSize]byte
	frame  []byte
}

// requester is the node the current request came from
func (c *rrppContext) requester() uint16 { return uint16(c.req.SourceNode()) }

// remoteRequestProcessor serves request frames from peers
type remoteRequestProcessor struct {
	c     *Controller
	state rrppState
	ctx   rrppContext
}

func newRemoteRequestProcessor(c *Controller) *remoteRequestProcessor {
	return &remoteRequestProcessor{c: c}
}

func (p *remoteRequestProcessor) idle() bool { return p.state == rrppDecode }

func (p *remoteRequestProcessor) reset() {
	p.state = rrppDecode
	p.ctx = rrppContext{}
}

func (p *remoteRequestProcessor) transition(to rrppState) {
	log.Trace().Stringer("from", p.state).Stringer("to", to).Msg("RRPP transition")
	p.state = to
}

func (p *remoteRequestProcessor) abort(err error) error {
	ev := log.Error().Err(err).Stringer("state", p.state)
	if p.ctx.req != nil {
		ev = ev.Uint8("tid", p.ctx.req.TID).Uint16("requester", p.ctx.requester())
	}
	ev.Msg("RRPP fault, dropping request")
	p.ctx = rrppContext{}
	p.state = rrppDecode
	return err
}

func (p *remoteRequestProcessor) step() (bool, error) {
	switch p.state {
	case rrppDecode:
		raw, ok := p.c.rrppBuf.Pop()
		if !ok {
			return false, nil
		}
		f, err := ParseFrame(raw)
		if err != nil || !f.Op.IsRequest() {
			p.c.counters.framesDropped.Add(1)
			log.Warn().Err(err).Msg("RRPP dropping frame that is not a request")
			return true, nil
		}
		p.ctx = rrppContext{req: f}
		p.transition(rrppValidate)
		return true, nil

	case rrppValidate:
		p.ctx.target = p.c.contextBase + p.ctx.req.Offset
		if p.ctx.req.CID != p.c.cfg.ContextID {
			log.Debug().
				Uint8("tid", p.ctx.req.TID).
				Uint8("cid", p.ctx.req.CID).
				Uint8("local_cid", p.c.cfg.ContextID).
				Msg("Context mismatch, rejecting request")
			p.transition(rrppSendRejection)
		} else {
			p.transition(rrppReadWrite)
		}
		return true, nil

	case rrppReadWrite:
		var err error
		if p.ctx.req.Op == OpWrite {
			err = p.c.mem.WritePhysical(p.ctx.target, p.ctx.req.Payload[:])
		} else {
			err = p.c.mem.ReadPhysical(p.ctx.target, p.ctx.reply[:])
		}
		if err != nil {
			return true, p.abort(fmt.Errorf("failed to serve %s at 0x%x: %w", p.ctx.req.Op, p.ctx.target, err))
		}
		p.transition(rrppPacketGen)
		return true, nil

	case rrppPacketGen:
		op := OpWriteCompletion
		if p.ctx.req.Op == OpRead {
			op = OpReadCompletion
		}
		f := p.c.newFrame(op, p.ctx.requester())
		f.TID = p.ctx.req.TID
		f.Offset = p.ctx.req.Offset
		if op == OpReadCompletion {
			f.Payload = p.ctx.reply
		}
		frame, err := f.Marshal()
		if err != nil {
			return true, p.abort(err)
		}
		p.ctx.frame = frame
		p.transition(rrppPacketSend)
		return true, nil

	case rrppPacketSend:
		p.c.send(p.ctx.frame)
		p.ctx = rrppContext{}
		p.transition(rrppDecode)
		return true, nil

	case rrppSendRejection:
		f := p.c.newFrame(OpRejection, p.ctx.requester())
		f.TID = p.ctx.req.TID
		f.Offset = p.ctx.req.Offset
		frame, err := f.Marshal()
		if err != nil {
			return true, p.abort(err)
		}
		p.c.send(frame)
		p.c.counters.rejectionsSent.Add(1)
		p.ctx = rrppContext{}
		p.transition(rrppDecode)
		return true, nil

	default:
		p.state = rrppDecode
		return true, fmt.Errorf("RRPP in unknown state %d", int(p.state))
	}
}
