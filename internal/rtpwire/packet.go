// Package rtpwire validates and unpacks the RTP wire format consumed by the
// core (§6): a read-only boundary, never produced here. Header parsing is
// delegated to github.com/pion/rtp, which already implements the RFC 3550
// bit layout; this package adds a version check, a payload type range
// check, and a minimum-length re-check covering the fixed header, the CSRC
// list and the 4-byte extension preamble (ErrShort). The extension body and
// padding are not counted in that re-check.
package rtpwire

import (
	"errors"

	"github.com/pion/rtp"
)

var (
	// ErrMalformed covers anything pion/rtp itself rejects (bad version,
	// truncated header, impossible CSRC/extension lengths).
	ErrMalformed = errors.New("rtpwire: malformed header")
	// ErrPayloadType is returned when the 7-bit payload type field carries
	// a value above 127 (should be impossible given the field width, kept
	// as a defensive check against wire corruption).
	ErrPayloadType = errors.New("rtpwire: payload type out of range")
	// ErrShort is returned when the declared header fields imply a length
	// larger than what was actually received.
	ErrShort = errors.New("rtpwire: packet shorter than declared header")
)

// Packet is the parsed view of one RTP datagram handed to the rest of the
// core. Payload aliases into the caller-owned buffer; callers that need to
// retain it across calls must copy (see reorder.Buffer.Insert).
type Packet struct {
	Version        uint8
	Padding        bool
	Extension      bool
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	CSRC           []uint32
	Payload        []byte
}

// Parse validates and decodes one RTP datagram per §6's bit layout and
// rejection rules. It never allocates beyond what pion/rtp itself needs to
// unmarshal the header structure.
func Parse(buf []byte) (Packet, error) {
	if len(buf) < 12 {
		return Packet{}, ErrMalformed
	}

	var p rtp.Packet
	if err := p.Unmarshal(buf); err != nil {
		return Packet{}, ErrMalformed
	}

	if p.Version != 2 {
		return Packet{}, ErrMalformed
	}
	if p.PayloadType > 127 {
		return Packet{}, ErrPayloadType
	}

	minLen := 12 + 4*len(p.CSRC)
	if p.Extension {
		minLen += 4
	}
	if len(buf) < minLen {
		return Packet{}, ErrShort
	}

	return Packet{
		Version:        p.Version,
		Padding:        p.Padding,
		Extension:      p.Extension,
		Marker:         p.Marker,
		PayloadType:    p.PayloadType,
		SequenceNumber: p.SequenceNumber,
		Timestamp:      p.Timestamp,
		SSRC:           p.SSRC,
		CSRC:           p.CSRC,
		Payload:        p.Payload,
	}, nil
}
