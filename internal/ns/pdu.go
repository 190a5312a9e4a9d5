// Package ns implements the GSM Network Service layer of spec.md §4.3: one
// NsInstance per local endpoint, owning a set of Nsvc state machines that
// each drive RESET -> UNBLOCK -> ALIVE before user data flows, bound to
// either a UDP or an FR-over-GRE transport.
package ns

import (
	"encoding/binary"
	"fmt"
)

// PDUType identifies an NS PDU, per spec.md §6.
type PDUType uint8

const (
	PDUUnitData    PDUType = 0x00
	PDUReset       PDUType = 0x02
	PDUResetAck    PDUType = 0x03
	PDUBlock       PDUType = 0x04
	PDUBlockAck    PDUType = 0x05
	PDUUnblock     PDUType = 0x06
	PDUUnblockAck  PDUType = 0x07
	PDUStatus      PDUType = 0x08
	PDUAlive       PDUType = 0x0A
	PDUAliveAck    PDUType = 0x0B
)

func (t PDUType) String() string {
	switch t {
	case PDUUnitData:
		return "UNITDATA"
	case PDUReset:
		return "RESET"
	case PDUResetAck:
		return "RESET-ACK"
	case PDUBlock:
		return "BLOCK"
	case PDUBlockAck:
		return "BLOCK-ACK"
	case PDUUnblock:
		return "UNBLOCK"
	case PDUUnblockAck:
		return "UNBLOCK-ACK"
	case PDUStatus:
		return "STATUS"
	case PDUAlive:
		return "ALIVE"
	case PDUAliveAck:
		return "ALIVE-ACK"
	default:
		return fmt.Sprintf("PDU(0x%02x)", uint8(t))
	}
}

// IE tags, per spec.md §6.
type IETag uint8

const (
	IECause IETag = 0x00
	IENSVCI IETag = 0x01
	IENSEI  IETag = 0x04
	IEBVCI  IETag = 0x05
	IEPDU   IETag = 0x06
)

// Cause values for STATUS and RESET/BLOCK IEs. Supplements spec.md's
// minimal "appropriate cause" language with a subset of the original's
// STATUS cause enum (per SPEC_FULL.md §11).
type Cause uint8

const (
	CauseNetworkServiceUnavailable Cause = 0x00
	CauseNSVCBlocked               Cause = 0x03
	CauseNSVCUnknown               Cause = 0x04
	CauseSemanticError             Cause = 0x08
	CauseInvalidEssentialIE        Cause = 0x09
	CauseMissingEssentialIE        Cause = 0x0A
	CauseProtocolError             Cause = 0x0B
)

// TLV is one decoded information element.
type TLV struct {
	Tag   IETag
	Value []byte
}

// ErrShortPDU is returned when a PDU is too short to contain its declared
// header, one of the MalformedPdu cases of spec.md §7.
var ErrShortPDU = fmt.Errorf("ns: short PDU")

// ErrUnknownIE is returned when a TLV's length byte would read past the
// end of the buffer.
var ErrUnknownIE = fmt.Errorf("ns: truncated IE")

// PDU is a decoded NS PDU: its type plus, for UNITDATA, the embedded BVCI
// and payload; for everything else, its TLV-encoded IEs.
type PDU struct {
	Type PDUType

	// UNITDATA-only fields.
	BVCI    uint16
	Payload []byte

	// Signalling-PDU-only field.
	IEs []TLV
}

// Find returns the value of the first IE with the given tag, or
// (nil, false).
func (p *PDU) Find(tag IETag) ([]byte, bool) {
	for _, ie := range p.IEs {
		if ie.Tag == tag {
			return ie.Value, true
		}
	}
	return nil, false
}

// NSEI returns the decoded NSEI IE, if present.
func (p *PDU) NSEI() (uint16, bool) {
	v, ok := p.Find(IENSEI)
	if !ok || len(v) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(v), true
}

// NSVCI returns the decoded NSVCI IE, if present.
func (p *PDU) NSVCI() (uint16, bool) {
	v, ok := p.Find(IENSVCI)
	if !ok || len(v) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(v), true
}

// Cause returns the decoded Cause IE, if present.
func (p *PDU) Cause() (Cause, bool) {
	v, ok := p.Find(IECause)
	if !ok || len(v) < 1 {
		return 0, false
	}
	return Cause(v[0]), true
}

// Decode parses a raw NS PDU: 1-byte type followed either by
// "reserved byte + 2-byte BVCI + payload" (UNITDATA) or a TLV sequence
// (everything else). Short PDUs and truncated IEs return errors the
// caller must treat as MalformedPdu: count, log, drop — never propagate.
func Decode(buf []byte) (*PDU, error) {
	if len(buf) < 1 {
		return nil, ErrShortPDU
	}
	p := &PDU{Type: PDUType(buf[0])}
	rest := buf[1:]

	if p.Type == PDUUnitData {
		if len(rest) < 3 {
			return nil, ErrShortPDU
		}
		p.BVCI = binary.BigEndian.Uint16(rest[1:3])
		p.Payload = append([]byte(nil), rest[3:]...)
		return p, nil
	}

	for len(rest) > 0 {
		if len(rest) < 2 {
			return nil, ErrUnknownIE
		}
		tag := IETag(rest[0])
		l := int(rest[1])
		if len(rest) < 2+l {
			return nil, ErrUnknownIE
		}
		val := append([]byte(nil), rest[2:2+l]...)
		p.IEs = append(p.IEs, TLV{Tag: tag, Value: val})
		rest = rest[2+l:]
	}
	return p, nil
}

// Encode serializes a PDU back to wire format, the inverse of Decode.
func (p *PDU) Encode() []byte {
	if p.Type == PDUUnitData {
		out := make([]byte, 4, 4+len(p.Payload))
		out[0] = byte(p.Type)
		out[1] = 0 // reserved
		binary.BigEndian.PutUint16(out[2:4], p.BVCI)
		return append(out, p.Payload...)
	}

	out := []byte{byte(p.Type)}
	for _, ie := range p.IEs {
		out = append(out, byte(ie.Tag), byte(len(ie.Value)))
		out = append(out, ie.Value...)
	}
	return out
}

// tlvU16 builds a 2-byte-value TLV, the shape every IE used by gsmstack's
// signalling PDUs (Cause excepted, which is single-byte) takes.
func tlvU16(tag IETag, v uint16) TLV {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return TLV{Tag: tag, Value: b}
}

func tlvU8(tag IETag, v uint8) TLV {
	return TLV{Tag: tag, Value: []byte{v}}
}

// BuildReset constructs a RESET PDU: Cause, NSVCI, NSEI.
func BuildReset(cause Cause, nsvci, nsei uint16) *PDU {
	return &PDU{Type: PDUReset, IEs: []TLV{
		tlvU8(IECause, uint8(cause)),
		tlvU16(IENSVCI, nsvci),
		tlvU16(IENSEI, nsei),
	}}
}

// BuildResetAck constructs a RESET-ACK PDU: NSVCI, NSEI.
func BuildResetAck(nsvci, nsei uint16) *PDU {
	return &PDU{Type: PDUResetAck, IEs: []TLV{
		tlvU16(IENSVCI, nsvci),
		tlvU16(IENSEI, nsei),
	}}
}

// BuildBlock constructs a BLOCK PDU: Cause, NSVCI.
func BuildBlock(cause Cause, nsvci uint16) *PDU {
	return &PDU{Type: PDUBlock, IEs: []TLV{
		tlvU8(IECause, uint8(cause)),
		tlvU16(IENSVCI, nsvci),
	}}
}

// BuildBlockAck constructs a BLOCK-ACK PDU: NSVCI.
func BuildBlockAck(nsvci uint16) *PDU {
	return &PDU{Type: PDUBlockAck, IEs: []TLV{tlvU16(IENSVCI, nsvci)}}
}

// BuildUnblock constructs an UNBLOCK PDU (no IEs).
func BuildUnblock() *PDU { return &PDU{Type: PDUUnblock} }

// BuildUnblockAck constructs an UNBLOCK-ACK PDU (no IEs).
func BuildUnblockAck() *PDU { return &PDU{Type: PDUUnblockAck} }

// BuildAlive constructs an ALIVE PDU (no IEs).
func BuildAlive() *PDU { return &PDU{Type: PDUAlive} }

// BuildAliveAck constructs an ALIVE-ACK PDU (no IEs).
func BuildAliveAck() *PDU { return &PDU{Type: PDUAliveAck} }

// BuildStatus constructs a STATUS PDU: Cause, optional NSVCI, optional
// embedded PDU IE.
func BuildStatus(cause Cause, nsvci *uint16, origPDU []byte) *PDU {
	p := &PDU{Type: PDUStatus, IEs: []TLV{tlvU8(IECause, uint8(cause))}}
	if nsvci != nil {
		p.IEs = append(p.IEs, tlvU16(IENSVCI, *nsvci))
	}
	if len(origPDU) > 0 {
		p.IEs = append(p.IEs, TLV{Tag: IEPDU, Value: origPDU})
	}
	return p
}

// BuildUnitData constructs a UNITDATA PDU.
func BuildUnitData(bvci uint16, payload []byte) *PDU {
	return &PDU{Type: PDUUnitData, BVCI: bvci, Payload: payload}
}
