// Package gtpu implements the wire codec for the GTPv1-U basic header
// (3GPP TS 29.281), restricted to the subset this daemon accepts: plain
// T-PDU messages with no sequence number, N-PDU number or extension
// headers.
package gtpu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

const (
	// HeaderLen is the length in bytes of the GTPv1 basic header.
	HeaderLen = 8

	// MaxUDPPacket is the largest payload this daemon will decapsulate
	// or encapsulate in a single packet.
	MaxUDPPacket = 65507

	// flagsV1GPDU is the only flags byte value this daemon accepts:
	// version 1, protocol type GTP, no extension header, no sequence
	// number, no N-PDU number.
	flagsV1GPDU = 0x30

	// msgTypeTPDU is the GTP-U message type carrying a user IP packet
	// ("G-PDU" in 3GPP terminology).
	msgTypeTPDU = 0xFF
)

// Header is a decoded GTPv1-U basic header.
type Header struct {
	Flags  byte
	Type   byte
	Length uint16
	TEID   uint32
}

// ErrShort is returned when a buffer is too small to hold a GTPv1 basic
// header.
var ErrShort = errors.New("gtpu: short packet")

// ErrFlags is returned when the flags byte is not the one flags
// combination this daemon accepts (version 1, no extensions).
var ErrFlags = fmt.Errorf("gtpu: unexpected flags")

// ErrType is returned when the message type is not T-PDU.
var ErrType = errors.New("gtpu: unexpected message type")

// ErrLength is returned when the header-declared payload length does
// not fit within the bytes actually read.
var ErrLength = errors.New("gtpu: length exceeds packet")

// Decode validates and parses the GTPv1-U basic header at the start of
// buf, which holds nread bytes read from the UDP socket. On success it
// returns the header and the payload slice (exactly Length bytes,
// starting immediately after the 8-byte header).
//
// Per spec the length check accepts header+length == nread as well as
// header+length < nread (trailing junk in the datagram is tolerated);
// only header+length > nread is rejected. This corrects an off-by-one
// in the original C implementation, whose check also rejected the
// exact-fit case header+length == nread.
func Decode(buf []byte, nread int) (Header, []byte, error) {
	if nread < HeaderLen {
		return Header{}, nil, ErrShort
	}

	h := Header{
		Flags:  buf[0],
		Type:   buf[1],
		Length: binary.BigEndian.Uint16(buf[2:4]),
		TEID:   binary.BigEndian.Uint32(buf[4:8]),
	}

	if h.Flags != flagsV1GPDU {
		return h, nil, fmt.Errorf("%w: 0x%02x", ErrFlags, h.Flags)
	}
	if h.Type != msgTypeTPDU {
		return h, nil, fmt.Errorf("%w: 0x%02x", ErrType, h.Type)
	}
	if int(h.Length)+HeaderLen > nread {
		return h, nil, fmt.Errorf("%w: header+length=%d > nread=%d", ErrLength, int(h.Length)+HeaderLen, nread)
	}

	return h, buf[HeaderLen : HeaderLen+int(h.Length)], nil
}

// Encode writes an 8-byte GTPv1-U basic header for a T-PDU message
// carrying payloadLen bytes with the given TEID into the start of buf.
// buf must have at least HeaderLen bytes of capacity.
func Encode(buf []byte, teid uint32, payloadLen int) {
	buf[0] = flagsV1GPDU
	buf[1] = msgTypeTPDU
	binary.BigEndian.PutUint16(buf[2:4], uint16(payloadLen))
	binary.BigEndian.PutUint32(buf[4:8], teid)
}

// DestAddr extracts the destination address of the IP datagram held in
// buf, by inspecting the IP version nibble of the first byte. It
// returns an error if buf is too short for the address family it
// claims to be.
func DestAddr(buf []byte) (net.IP, error) {
	if len(buf) < 1 {
		return nil, errors.New("gtpu: empty ip packet")
	}
	switch buf[0] >> 4 {
	case 4:
		if len(buf) < 20 {
			return nil, errors.New("gtpu: short ipv4 packet")
		}
		ip := make(net.IP, 4)
		copy(ip, buf[16:20])
		return ip, nil
	case 6:
		if len(buf) < 40 {
			return nil, errors.New("gtpu: short ipv6 packet")
		}
		ip := make(net.IP, 16)
		copy(ip, buf[24:40])
		return ip, nil
	default:
		return nil, fmt.Errorf("gtpu: unrecognised ip version nibble 0x%x", buf[0]>>4)
	}
}
