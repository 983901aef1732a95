package rmc

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

const (
	// CacheLineSize is the unit transferred by every sub-request
	CacheLineSize = 64

	// EthernetHeaderLen is dest-mac + src-mac + ethertype
	EthernetHeaderLen = 14
	// FrameHeaderLen is the Ethernet header followed by a 20 byte IPv4 header
	FrameHeaderLen = EthernetHeaderLen + ipv4.HeaderLen
	// OpOffset is the position of the op byte in every frame
	OpOffset = FrameHeaderLen

	// ReadRequestLen is the on-wire size of a read request
	ReadRequestLen = FrameHeaderLen + 1 + 2 + 1 + 1 + 8 + 13
	// WriteRequestLen is the on-wire size of a write request, the largest frame
	WriteRequestLen = FrameHeaderLen + 1 + 2 + 1 + 1 + 8 + CacheLineSize
	// ReadCompletionLen is the on-wire size of a read completion
	ReadCompletionLen = FrameHeaderLen + 1 + 1 + 8 + CacheLineSize
	// WriteCompletionLen is the on-wire size of a write completion or rejection
	WriteCompletionLen = FrameHeaderLen + 1 + 1 + 8 + 16
	// MaxFrameLen is the size of a staging buffer slot
	MaxFrameLen = WriteRequestLen

	// EtherTypeIPv4 marks controller frames at the Ethernet layer
	EtherTypeIPv4 uint16 = 0x0800
	// IPProtocolRMC identifies controller frames in the IPv4 protocol field
	IPProtocolRMC = 200
	// DefaultTTL is written into every outbound IPv4 header
	DefaultTTL = 20
)

// IPv4 total-length values written per op. Pure control frames share one value.
const (
	controlTotalLen        = 0x2E
	readCompletionTotalLen = CacheLineSize + 30
	writeRequestTotalLen   = CacheLineSize + 32
)

// Field offsets relative to the start of the frame.
const (
	offDstMAC    = 0
	offSrcMAC    = 6
	offEtherType = 12
	offIPVerIHL  = 14
	offIPTOS     = 15
	offIPLen     = 16
	offIPID      = 18
	offIPFrag    = 20
	offIPTTL     = 22
	offIPProto   = 23
	offIPSum     = 24
	offIPSrc     = 26
	offIPDst     = 30

	// request frames: op, dest_nid[2], tid, cid, offset[8], payload/pad
	offReqDestNID = OpOffset + 1
	offReqTID     = OpOffset + 3
	offReqCID     = OpOffset + 4
	offReqOffset  = OpOffset + 5
	offReqPayload = OpOffset + 13

	// completion frames: op, tid, offset[8], payload/pad
	offCompTID     = OpOffset + 1
	offCompOffset  = OpOffset + 2
	offCompPayload = OpOffset + 10
)

// Op is the controller operation code carried after the IPv4 header
type Op uint8

const (
	OpRead           Op = 0
	OpWrite          Op = 1
	OpReadCompletion Op = 3
	// OpWriteCompletion also acknowledges a successful write
	OpWriteCompletion Op = 4
	// OpRejection reports a context-id mismatch at the remote side
	OpRejection Op = 5
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "Read"
	case OpWrite:
		return "Write"
	case OpReadCompletion:
		return "ReadCompletion"
	case OpWriteCompletion:
		return "WriteCompletion"
	case OpRejection:
		return "Rejection"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// IsRequest reports whether frames with this op are served by the RRPP
func (o Op) IsRequest() bool { return o == OpRead || o == OpWrite }

// IsCompletion reports whether frames with this op are consumed by the RCP
func (o Op) IsCompletion() bool { return o == OpReadCompletion || o == OpWriteCompletion }

// frameLen returns the on-wire length for op
func frameLen(op Op) (int, error) {
	switch op {
	case OpRead:
		return ReadRequestLen, nil
	case OpWrite:
		return WriteRequestLen, nil
	case OpReadCompletion:
		return ReadCompletionLen, nil
	case OpWriteCompletion, OpRejection:
		return WriteCompletionLen, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownOp, uint8(op))
	}
}

func ipTotalLen(op Op) uint16 {
	switch op {
	case OpReadCompletion:
		return readCompletionTotalLen
	case OpWrite:
		return writeRequestTotalLen
	default:
		return controlTotalLen
	}
}

var (
	// ErrFrameTooShort is returned when a buffer cannot hold the frame its op announces
	ErrFrameTooShort = errors.New("frame too short")
	// ErrUnknownOp is returned for op codes outside the protocol
	ErrUnknownOp = errors.New("unknown op")
	// ErrBadChecksum is returned when the IPv4 header checksum does not verify
	ErrBadChecksum = errors.New("bad IPv4 header checksum")
	// ErrNotRMCFrame is returned for frames that do not carry the controller protocol
	ErrNotRMCFrame = errors.New("not a controller frame")
)

// BroadcastMAC is the destination MAC of every outbound frame
var BroadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// NodeIP returns the IPv4 address of node nid: 10.1.<nid>.1.
// Only the low byte of the node id fits in the address.
func NodeIP(nid uint16) [4]byte {
	return [4]byte{0x0A, 0x01, uint8(nid), 0x01}
}

// Frame is the decoded form of every controller frame, tagged by Op.
// Fields that do not belong to the op are zero.
type Frame struct {
	SrcMAC [6]byte
	DstMAC [6]byte
	SrcIP  [4]byte
	DstIP  [4]byte

	Op      Op
	DestNID uint16 // requests only
	TID     uint8
	CID     uint8 // requests only
	Offset  uint64
	Payload [CacheLineSize]byte // WriteRequest and ReadCompletion only
}

// SourceNode returns the node octet of the sender's IP address
func (f *Frame) SourceNode() uint8 { return f.SrcIP[2] }

// DestinationNode returns the node octet of the receiver's IP address
func (f *Frame) DestinationNode() uint8 { return f.DstIP[2] }

func (f *Frame) hasPayload() bool { return f.Op == OpWrite || f.Op == OpReadCompletion }

// Marshal encodes the frame with a freshly computed IPv4 header checksum
func (f *Frame) Marshal() ([]byte, error) {
	n, err := frameLen(f.Op)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)

	copy(b[offDstMAC:], f.DstMAC[:])
	copy(b[offSrcMAC:], f.SrcMAC[:])
	putUint16BE(b, offEtherType, EtherTypeIPv4)

	b[offIPVerIHL] = ipv4.Version<<4 | ipv4.HeaderLen/4
	b[offIPTOS] = 0
	putUint16BE(b, offIPLen, ipTotalLen(f.Op))
	putUint16BE(b, offIPID, 0)
	putUint16BE(b, offIPFrag, 0)
	b[offIPTTL] = DefaultTTL
	b[offIPProto] = IPProtocolRMC
	copy(b[offIPSrc:], f.SrcIP[:])
	copy(b[offIPDst:], f.DstIP[:])
	putUint16BE(b, offIPSum, 0)
	putUint16BE(b, offIPSum, Checksum(b[EthernetHeaderLen:FrameHeaderLen]))

	b[OpOffset] = uint8(f.Op)
	if f.Op.IsRequest() {
		putUint16BE(b, offReqDestNID, f.DestNID)
		b[offReqTID] = f.TID
		b[offReqCID] = f.CID
		putUint64LE(b, offReqOffset, f.Offset)
		if f.hasPayload() {
			copy(b[offReqPayload:], f.Payload[:])
		}
		return b, nil
	}

	b[offCompTID] = f.TID
	putUint64LE(b, offCompOffset, f.Offset)
	if f.hasPayload() {
		copy(b[offCompPayload:], f.Payload[:])
	}
	return b, nil
}

// ParseFrame decodes b. It does not verify the IPv4 checksum; see ValidateHeader.
func ParseFrame(b []byte) (*Frame, error) {
	if len(b) <= OpOffset {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(b))
	}
	op := Op(b[OpOffset])
	n, err := frameLen(op)
	if err != nil {
		return nil, err
	}
	if len(b) < n {
		return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrFrameTooShort, op, n, len(b))
	}

	f := &Frame{Op: op}
	copy(f.DstMAC[:], b[offDstMAC:])
	copy(f.SrcMAC[:], b[offSrcMAC:])
	copy(f.SrcIP[:], b[offIPSrc:offIPSrc+4])
	copy(f.DstIP[:], b[offIPDst:offIPDst+4])

	if op.IsRequest() {
		f.DestNID = uint16BE(b, offReqDestNID)
		f.TID = b[offReqTID]
		f.CID = b[offReqCID]
		f.Offset = uint64LE(b, offReqOffset)
		if f.hasPayload() {
			copy(f.Payload[:], b[offReqPayload:offReqPayload+CacheLineSize])
		}
		return f, nil
	}

	f.TID = b[offCompTID]
	f.Offset = uint64LE(b, offCompOffset)
	if f.hasPayload() {
		copy(f.Payload[:], b[offCompPayload:offCompPayload+CacheLineSize])
	}
	return f, nil
}

// ValidateHeader checks that b carries a controller frame with a correct IPv4 header checksum
func ValidateHeader(b []byte) error {
	if len(b) <= OpOffset {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(b))
	}
	if et := uint16BE(b, offEtherType); et != EtherTypeIPv4 {
		return fmt.Errorf("%w: ethertype 0x%04x", ErrNotRMCFrame, et)
	}
	if b[offIPProto] != IPProtocolRMC {
		return fmt.Errorf("%w: ip protocol %d", ErrNotRMCFrame, b[offIPProto])
	}
	if sum := onesComplementSum(b[EthernetHeaderLen:FrameHeaderLen]); sum != 0xFFFF {
		return fmt.Errorf("%w: header sums to 0x%04x", ErrBadChecksum, sum)
	}
	return nil
}

// PeekOp returns the op byte of a raw frame
func PeekOp(b []byte) (Op, error) {
	if len(b) <= OpOffset {
		return 0, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(b))
	}
	return Op(b[OpOffset]), nil
}

// PeekTID returns the tid of a raw completion or rejection frame
func PeekTID(b []byte) (uint8, error) {
	if len(b) <= offCompTID {
		return 0, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(b))
	}
	return b[offCompTID], nil
}

// PeekDestinationNode returns the node octet of a raw frame's destination IP
func PeekDestinationNode(b []byte) (uint8, error) {
	if len(b) < FrameHeaderLen {
		return 0, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(b))
	}
	return b[offIPDst+2], nil
}

// headerSummary renders the IPv4 header for debug logs
func headerSummary(b []byte) string {
	if len(b) < FrameHeaderLen {
		return ""
	}
	h, err := ipv4.ParseHeader(b[EthernetHeaderLen:FrameHeaderLen])
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("%s -> %s proto=%d ttl=%d src-mac=%s",
		h.Src, h.Dst, h.Protocol, h.TTL, net.HardwareAddr(b[offSrcMAC:offSrcMAC+6]))
}

// Checksum computes the RFC 1071 Internet checksum of b. An odd trailing byte
// is treated as if padded with a zero byte.
func Checksum(b []byte) uint16 {
	return ^onesComplementSum(b)
}

func onesComplementSum(b []byte) uint16 {
	var sum uint32
	i := 0
	for ; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if i < len(b) {
		sum += uint32(b[i]) << 8
	}
	for sum > 0xFFFF {
		sum = sum&0xFFFF + sum>>16
	}
	return uint16(sum)
}

func putUint16BE(b []byte, off int, v uint16) {
	b[off] = uint8(v >> 8)
	b[off+1] = uint8(v)
}

func uint16BE(b []byte, off int) uint16 {
	return uint16(b[off])<<8 | uint16(b[off+1])
}

func putUint64LE(b []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		b[off+i] = uint8(v >> (8 * i))
	}
}

func uint64LE(b []byte, off int) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[off+i])
	}
	return v
}
