package rmc

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// OnFrameReceived classifies an inbound frame. Completions are staged for the
// RCP, requests for the RRPP, and rejections are applied to the ITT at once.
// Malformed frames, frames addressed to another node and frames that do not
// fit a full staging buffer are dropped. The pipelines run on the next
// AdvancePipelines call.
func (c *Controller) OnFrameReceived(frame []byte) {
	c.counters.framesReceived.Add(1)

	if err := ValidateHeader(frame); err != nil {
		c.drop(err.Error(), frame)
		return
	}
	if dst, _ := PeekDestinationNode(frame); dst != uint8(c.cfg.NodeID) {
		c.drop("addressed to another node", frame)
		return
	}
	op, _ := PeekOp(frame)
	n, err := frameLen(op)
	if err != nil {
		c.drop(err.Error(), frame)
		return
	}
	if len(frame) < n {
		c.drop(ErrFrameTooShort.Error(), frame)
		return
	}
	frame = frame[:n]

	if e := log.Trace(); e.Enabled() {
		e.Stringer("op", op).Str("header", headerSummary(frame)).Msg("Frame received")
	}

	switch {
	case op.IsCompletion():
		if !c.rcpBuf.Push(frame) {
			c.drop("RCP staging buffer full", frame)
		}
	case op.IsRequest():
		if !c.rrppBuf.Push(frame) {
			c.drop("RRPP staging buffer full", frame)
		}
	case op == OpRejection:
		c.handleRejection(frame)
	}
}

func (c *Controller) handleRejection(frame []byte) {
	tid, _ := PeekTID(frame)
	log.Debug().Uint8("tid", tid).Msg("Rejection received")
	if !c.itt.RecordRejection(tid) {
		return
	}
	if err := c.writeCompletion(tid); err != nil {
		c.counters.faults.Add(1)
		log.Error().Err(err).Uint8("tid", tid).Msg("Failed to complete rejected transaction")
	}
}

func (c *Controller) drop(reason string, frame []byte) {
	c.counters.framesDropped.Add(1)
	ev := log.Warn().Str("reason", reason).Int("len", len(frame))
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		ev = ev.Str("header", headerSummary(frame))
	}
	ev.Msg("Dropping inbound frame")
}
