package net

import (
	"encoding/binary"
	"math"
)

// PacketKind is stored in the low two bits of the control byte.
type PacketKind uint8

const (
	KindPackage  PacketKind = 0
	KindRequest  PacketKind = 1
	KindResponse PacketKind = 2
)

func (k PacketKind) String() string {
	switch k {
	case KindPackage:
		return "package"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	}
	return "invalid"
}

const (
	ShortHeaderLen = 3
	LargeHeaderLen = 5
	MaxAddrLen     = 16
	SerialLen      = 4

	// MaxShortDataLen is the largest data length a 3 byte header can carry.
	MaxShortDataLen = math.MaxUint16
	MaxDataLen      = math.MaxUint32

	ctrlKindMask  = 0x03
	ctrlLarge     = 0x04
	ctrlRouted    = 0x08
	ctrlAddrShift = 4
)

// Header is the decoded envelope header.
//
//	byte 0   : bits 0-1 kind, bit 2 large, bit 3 routed, bits 4-7 addrLen-1
//	byte 1.. : data length, little endian, 2 bytes or 4 bytes when large
//
// DataLen counts everything after the header: address, serial and payload.
type Header struct {
	Kind    PacketKind
	Large   bool
	Routed  bool
	AddrLen int
	DataLen uint32
}

// Len is the encoded size of the header itself.
func (h Header) Len() int {
	if h.Large {
		return LargeHeaderLen
	}
	return ShortHeaderLen
}

// HasSerial reports whether a 4 byte serial follows the address.
func (h Header) HasSerial() bool {
	return h.Kind == KindRequest || h.Kind == KindResponse
}

func (h Header) control() byte {
	c := byte(h.Kind) & ctrlKindMask
	if h.Large {
		c |= ctrlLarge
	}
	if h.Routed {
		c |= ctrlRouted | byte(h.AddrLen-1)<<ctrlAddrShift
	}
	return c
}

// PutHeader writes h into b, which must hold at least h.Len() bytes, and returns h.Len().
func PutHeader(b []byte, h Header) int {
	b[0] = h.control()
	if h.Large {
		binary.LittleEndian.PutUint32(b[1:], h.DataLen)
		return LargeHeaderLen
	}
	binary.LittleEndian.PutUint16(b[1:], uint16(h.DataLen))
	return ShortHeaderLen
}

// AppendHeader appends the encoding of h to dst.
func AppendHeader(dst []byte, h Header) []byte {
	var b [LargeHeaderLen]byte
	n := PutHeader(b[:], h)
	return append(dst, b[:n]...)
}

// DecodeHeader parses the header at the start of buf and returns it with its
// encoded size. ErrHeaderShort means buf does not hold the whole header yet;
// every other error is a protocol violation.
func DecodeHeader(buf []byte) (Header, int, error) {
	var h Header
	if len(buf) < ShortHeaderLen {
		return h, 0, ErrHeaderShort
	}
	c := buf[0]
	h.Kind = PacketKind(c & ctrlKindMask)
	h.Large = c&ctrlLarge != 0
	h.Routed = c&ctrlRouted != 0
	if h.Routed {
		h.AddrLen = int(c>>ctrlAddrShift) + 1
	}

	n := ShortHeaderLen
	if h.Large {
		if len(buf) < LargeHeaderLen {
			return h, 0, ErrHeaderShort
		}
		h.DataLen = binary.LittleEndian.Uint32(buf[1:])
		n = LargeHeaderLen
	} else {
		h.DataLen = uint32(binary.LittleEndian.Uint16(buf[1:]))
	}

	if h.DataLen == 0 {
		return h, n, ErrZeroLength
	}
	if h.Kind > KindResponse {
		return h, n, ErrInvalidKind
	}
	need := uint32(h.AddrLen)
	if h.HasSerial() {
		need += SerialLen
	}
	if h.DataLen < need {
		return h, n, ErrMalformed
	}
	return h, n, nil
}

// newHeader computes the header for a packet with the given body sizes.
func newHeader(kind PacketKind, addrLen, payloadLen int) (Header, error) {
	if addrLen < 0 || addrLen > MaxAddrLen {
		return Header{}, ErrAddrLen
	}
	dataLen := uint64(addrLen) + uint64(payloadLen)
	if kind == KindRequest || kind == KindResponse {
		dataLen += SerialLen
	}
	if dataLen == 0 {
		return Header{}, ErrZeroLength
	}
	if dataLen > MaxDataLen {
		return Header{}, ErrPacketTooLarge
	}
	return Header{
		Kind:    kind,
		Large:   dataLen > MaxShortDataLen,
		Routed:  addrLen > 0,
		AddrLen: addrLen,
		DataLen: uint32(dataLen),
	}, nil
}

// AppendPacket appends a complete packet to dst. addr may be empty for an
// unrouted packet; serial is ignored for KindPackage. A short header is used
// whenever the data length fits in 16 bits.
//
// An unrouted package with an empty payload cannot be represented because a
// zero data length is a protocol error; ErrZeroLength is returned for it.
func AppendPacket(dst []byte, kind PacketKind, addr []byte, serial uint32, payload []byte) ([]byte, error) {
	h, err := newHeader(kind, len(addr), len(payload))
	if err != nil {
		return dst, err
	}
	dst = AppendHeader(dst, h)
	dst = append(dst, addr...)
	if h.HasSerial() {
		dst = binary.LittleEndian.AppendUint32(dst, serial)
	}
	return append(dst, payload...), nil
}
