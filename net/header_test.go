package net

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlByteLayout(t *testing.T) {
	tests := []struct {
		name string
		hdr  Header
		want byte
	}{
		{"package", Header{Kind: KindPackage, DataLen: 1}, 0x00},
		{"request", Header{Kind: KindRequest, DataLen: 4}, 0x01},
		{"response", Header{Kind: KindResponse, DataLen: 4}, 0x02},
		{"large package", Header{Kind: KindPackage, Large: true, DataLen: 1 << 16}, 0x04},
		{"routed addr 1", Header{Kind: KindPackage, Routed: true, AddrLen: 1, DataLen: 1}, 0x08},
		{"routed addr 4 request", Header{Kind: KindRequest, Routed: true, AddrLen: 4, DataLen: 8}, 0x39},
		{"routed addr 16 large response", Header{Kind: KindResponse, Large: true, Routed: true, AddrLen: 16, DataLen: 1 << 20}, 0xFE},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := AppendHeader(nil, tt.hdr)
			require.Len(t, b, tt.hdr.Len())
			assert.Equal(t, tt.want, b[0])

			// the body is not needed to decode the header
			got, n, err := DecodeHeader(b)
			require.NoError(t, err)
			assert.Equal(t, tt.hdr.Len(), n)
			assert.Equal(t, tt.hdr, got)
		})
	}
}

func TestLengthIsLittleEndian(t *testing.T) {
	b := AppendHeader(nil, Header{Kind: KindPackage, DataLen: 0x1234})
	assert.Equal(t, []byte{0x00, 0x34, 0x12}, b)

	b = AppendHeader(nil, Header{Kind: KindPackage, Large: true, DataLen: 0x01020304})
	assert.Equal(t, []byte{0x04, 0x04, 0x03, 0x02, 0x01}, b)
}

func TestDecodeHeaderErrors(t *testing.T) {
	tests := []struct {
		name    string
		buf     []byte
		wantErr error
	}{
		{"empty", nil, ErrHeaderShort},
		{"two bytes", []byte{0x00, 0x01}, ErrHeaderShort},
		{"large needs five", []byte{0x04, 0x01, 0x00, 0x00}, ErrHeaderShort},
		{"zero length short", []byte{0x00, 0x00, 0x00}, ErrZeroLength},
		{"zero length large", []byte{0x04, 0x00, 0x00, 0x00, 0x00}, ErrZeroLength},
		{"kind three", []byte{0x03, 0x01, 0x00}, ErrInvalidKind},
		{"request shorter than serial", []byte{0x01, 0x03, 0x00}, ErrMalformed},
		{"routed shorter than address", []byte{0x38, 0x02, 0x00}, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeHeader(tt.buf)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAppendPacketRoundTrip(t *testing.T) {
	sizes := []int{0, 1, MaxShortDataLen, MaxShortDataLen + 1, 16<<20 - 1}
	kinds := []PacketKind{KindPackage, KindRequest, KindResponse}
	addr := []byte{1, 2, 3, 4}

	for _, size := range sizes {
		payload := bytes.Repeat([]byte{0xab}, size)
		for _, kind := range kinds {
			for _, routed := range []bool{false, true} {
				var a []byte
				if routed {
					a = addr
				}
				pkt, err := AppendPacket(nil, kind, a, 0xdeadbeef, payload)
				if kind == KindPackage && !routed && size == 0 {
					assert.ErrorIs(t, err, ErrZeroLength)
					continue
				}
				require.NoError(t, err)

				h, n, err := DecodeHeader(pkt)
				require.NoError(t, err)
				assert.Equal(t, kind, h.Kind)
				assert.Equal(t, routed, h.Routed)
				assert.Equal(t, len(pkt)-n, int(h.DataLen))

				// header width follows the data length, not the payload length
				assert.Equal(t, h.DataLen > MaxShortDataLen, h.Large)
				assert.Equal(t, h.Len(), n)

				body := pkt[n:]
				if routed {
					assert.Equal(t, addr, body[:h.AddrLen])
					body = body[h.AddrLen:]
				}
				if h.HasSerial() {
					assert.Equal(t, uint32(0xdeadbeef), binary.LittleEndian.Uint32(body))
					body = body[SerialLen:]
				}
				assert.True(t, bytes.Equal(payload, body))
			}
		}
	}
}

func TestHeaderWidthThreshold(t *testing.T) {
	pkt, err := AppendPacket(nil, KindPackage, nil, 0, make([]byte, MaxShortDataLen))
	require.NoError(t, err)
	assert.Equal(t, ShortHeaderLen+MaxShortDataLen, len(pkt))

	pkt, err = AppendPacket(nil, KindPackage, nil, 0, make([]byte, MaxShortDataLen+1))
	require.NoError(t, err)
	assert.Equal(t, LargeHeaderLen+MaxShortDataLen+1, len(pkt))

	// a request adds the serial to the data length
	pkt, err = AppendPacket(nil, KindRequest, nil, 1, make([]byte, MaxShortDataLen-SerialLen+1))
	require.NoError(t, err)
	assert.Equal(t, byte(ctrlLarge|byte(KindRequest)), pkt[0])
}

func TestAppendPacketAddrLen(t *testing.T) {
	_, err := AppendPacket(nil, KindPackage, make([]byte, MaxAddrLen+1), 0, []byte{1})
	assert.ErrorIs(t, err, ErrAddrLen)

	pkt, err := AppendPacket(nil, KindPackage, make([]byte, MaxAddrLen), 0, nil)
	require.NoError(t, err)
	h, _, err := DecodeHeader(pkt)
	require.NoError(t, err)
	assert.Equal(t, MaxAddrLen, h.AddrLen)
}
