package net

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/lcx/uvloop/codec"
	"github.com/lcx/uvloop/utils"
)

// fakeConn drives connBase without a socket.
type fakeConn struct {
	connBase

	sent    [][]byte
	closed  bool
	sendErr error
}

func newFakeConn(t *testing.T, l *Loop) *fakeConn {
	t.Helper()
	f := &fakeConn{}
	f.initConn(l, f)
	return f
}

func (f *fakeConn) sendBytes(b []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), b...))
	return nil
}

func (f *fakeConn) disconnectImpl() {
	f.closed = true
}

func (f *fakeConn) disconnected() bool {
	return f.closed || f.Released()
}

func (f *fakeConn) Release() {
	if f.release() {
		f.teardown()
		f.clearBuffers()
	}
}

// newTestLoop returns a loop with an rpc table that only advances when the
// test calls Process.
func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := NewLoop(nil)
	require.NoError(t, err)
	l.rpcMgr, err = NewRpcManager(5)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

type recvEvent struct {
	kind   PacketKind
	serial uint32
	sender string
	body   string
}

func recordReceive(f *fakeConn, events *[]recvEvent) {
	f.OnReceivePackage = func(payload []byte) {
		*events = append(*events, recvEvent{kind: KindPackage, sender: string(f.SenderAddress()), body: string(payload)})
	}
	f.OnReceiveRequest = func(serial uint32, payload []byte) {
		*events = append(*events, recvEvent{kind: KindRequest, serial: serial, sender: string(f.SenderAddress()), body: string(payload)})
	}
}

func mustPacket(t *testing.T, kind PacketKind, addr []byte, serial uint32, payload []byte) []byte {
	t.Helper()
	b, err := AppendPacket(nil, kind, addr, serial, payload)
	require.NoError(t, err)
	return b
}

func TestReceiveReassemblesAcrossSplits(t *testing.T) {
	l := newTestLoop(t)

	var stream []byte
	stream = append(stream, mustPacket(t, KindPackage, nil, 0, []byte("hello"))...)
	stream = append(stream, mustPacket(t, KindRequest, nil, 7, []byte("ask"))...)
	stream = append(stream, mustPacket(t, KindRequest, nil, 8, nil)...)
	stream = append(stream, mustPacket(t, KindPackage, []byte{9, 9}, 0, []byte("routed"))...)
	stream = append(stream, mustPacket(t, KindPackage, nil, 0, bytes.Repeat([]byte{'x'}, MaxShortDataLen+10))...)

	want := []recvEvent{
		{kind: KindPackage, body: "hello"},
		{kind: KindRequest, serial: 7, body: "ask"},
		{kind: KindRequest, serial: 8, body: ""},
		{kind: KindPackage, sender: "\x09\x09", body: "routed"},
		{kind: KindPackage, body: string(bytes.Repeat([]byte{'x'}, MaxShortDataLen+10))},
	}

	for _, chunk := range []int{1, 2, 3, 5, 7, 64, 4096, len(stream)} {
		f := newFakeConn(t, l)
		require.NoError(t, f.SetRoutingAddress([]byte{1}))
		var got []recvEvent
		recordReceive(f, &got)

		for off := 0; off < len(stream); off += chunk {
			end := off + chunk
			if end > len(stream) {
				end = len(stream)
			}
			f.receive(stream[off:end])
		}
		assert.Equal(t, want, got, "chunk %d", chunk)
		assert.Empty(t, f.recvBuf, "chunk %d", chunk)
		assert.False(t, f.closed)
	}
}

func TestReceiveDefaultPacketLimit(t *testing.T) {
	l, err := NewLoop(&LoopCfg{})
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, uint32(defaultMaxPacketSize), l.maxPacketSize.Load())

	f := newFakeConn(t, l)
	var got []recvEvent
	recordReceive(f, &got)

	// 声明接近 4GiB 的包头, 不等数据到齐就断开
	f.receive([]byte{0x04, 0xff, 0xff, 0xff, 0xf0, 0x00})
	assert.True(t, f.closed)
	assert.Empty(t, got)
	assert.Empty(t, f.recvBuf)
}

func TestReceiveProtocolViolations(t *testing.T) {
	tests := []struct {
		name  string
		data  []byte
		limit uint32
	}{
		{"zero length short", []byte{0x00, 0x00, 0x00}, 0},
		{"zero length large", []byte{0x04, 0x00, 0x00, 0x00, 0x00}, 0},
		{"kind three", []byte{0x03, 0x01, 0x00, 0xff}, 0},
		{"request without serial", []byte{0x01, 0x02, 0x00, 0x01, 0x02}, 0},
		{"over max packet size", []byte{0x00, 0x00, 0x01}, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLoop(t)
			l.maxPacketSize.Store(tt.limit)

			f := newFakeConn(t, l)
			var got []recvEvent
			recordReceive(f, &got)

			// a valid packet in front is still delivered
			data := append(mustPacket(t, KindPackage, nil, 0, []byte("ok")), tt.data...)
			f.receive(data)

			assert.True(t, f.closed)
			assert.Len(t, got, 1)
			assert.Empty(t, f.recvBuf)
		})
	}
}

func TestReceiveRoutingWithoutAddress(t *testing.T) {
	l := newTestLoop(t)
	f := newFakeConn(t, l)

	var dispatched []recvEvent
	recordReceive(f, &dispatched)

	type routed struct {
		pkg             []byte
		offset, addrLen int
	}
	var got []routed
	f.OnReceiveRouting = func(pkg []byte, addrOffset, addrLen int) {
		got = append(got, routed{append([]byte(nil), pkg...), addrOffset, addrLen})
	}

	pkt := mustPacket(t, KindRequest, []byte{0xa, 0xb, 0xc}, 42, []byte("payload"))
	f.receive(pkt)
	f.receive(mustPacket(t, KindPackage, nil, 0, []byte("plain")))

	require.Len(t, got, 1)
	assert.Equal(t, pkt, got[0].pkg)
	assert.Equal(t, ShortHeaderLen, got[0].offset)
	assert.Equal(t, 3, got[0].addrLen)
	assert.Equal(t, []byte{0xa, 0xb, 0xc}, got[0].pkg[got[0].offset:got[0].offset+got[0].addrLen])

	// unrouted packets are dispatched and carry no sender
	require.Len(t, dispatched, 1)
	assert.Equal(t, "plain", dispatched[0].body)
	assert.Nil(t, f.SenderAddress())
}

func TestReceiveReleaseInCallbackStops(t *testing.T) {
	l := newTestLoop(t)
	f := newFakeConn(t, l)

	calls := 0
	f.OnReceivePackage = func(payload []byte) {
		calls++
		f.Release()
	}
	disconnects := 0
	f.OnDisconnect = func() { disconnects++ }

	var stream []byte
	for i := 0; i < 3; i++ {
		stream = append(stream, mustPacket(t, KindPackage, nil, 0, []byte{byte(i)})...)
	}
	gen := f.Generation()
	f.receive(stream)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, disconnects)
	assert.NotEqual(t, gen, f.Generation())
	assert.True(t, f.Released())
}

func TestReceiveDisconnectInCallbackClearsBuffer(t *testing.T) {
	l := newTestLoop(t)
	f := newFakeConn(t, l)

	calls := 0
	f.OnReceivePackage = func(payload []byte) {
		calls++
		f.closed = true
	}

	var stream []byte
	for i := 0; i < 3; i++ {
		stream = append(stream, mustPacket(t, KindPackage, nil, 0, []byte{byte(i)})...)
	}
	f.receive(stream[:len(stream)-1])

	assert.Equal(t, 1, calls)
	assert.Empty(t, f.recvBuf)
	assert.False(t, f.Released())
}

func TestSendFraming(t *testing.T) {
	l := newTestLoop(t)
	f := newFakeConn(t, l)

	big := bytes.Repeat([]byte{1}, MaxShortDataLen+1)
	require.NoError(t, f.SendPackageBytes([]byte("abc")))
	require.NoError(t, f.SendPackageBytes(big))
	require.NoError(t, f.SendResponseBytes(5, []byte{}))
	require.NoError(t, f.SendRoutingBytes([]byte{1, 2, 3, 4}, []byte("r")))
	require.NoError(t, f.SendRoutingResponseBytes([]byte{7}, 6, []byte("rr")))
	require.NoError(t, f.SendRoutingAddress([]byte{1, 2, 3, 4}))

	want := [][]byte{
		mustPacket(t, KindPackage, nil, 0, []byte("abc")),
		mustPacket(t, KindPackage, nil, 0, big),
		mustPacket(t, KindResponse, nil, 5, nil),
		mustPacket(t, KindPackage, []byte{1, 2, 3, 4}, 0, []byte("r")),
		mustPacket(t, KindResponse, []byte{7}, 6, []byte("rr")),
		mustPacket(t, KindPackage, nil, 0, []byte{1, 2, 3, 4}),
	}
	assert.Equal(t, want, f.sent)
	assert.Equal(t, byte(ctrlLarge), f.sent[1][0])

	assert.ErrorIs(t, f.SendRoutingBytes(nil, []byte("x")), ErrAddrLen)
	assert.ErrorIs(t, f.SendRoutingBytes(make([]byte, MaxAddrLen+1), []byte("x")), ErrAddrLen)
	assert.ErrorIs(t, f.SendPackageBytes(nil), ErrZeroLength)
}

func TestSendMessageUsesCodec(t *testing.T) {
	l := newTestLoop(t)
	f := newFakeConn(t, l)

	msg := wrapperspb.String("ping")
	require.NoError(t, f.Send(msg))
	require.Len(t, f.sent, 1)

	h, n, err := DecodeHeader(f.sent[0])
	require.NoError(t, err)
	assert.Equal(t, KindPackage, h.Kind)

	decoded, err := codec.Decode(f.sent[0][n:])
	require.NoError(t, err)
	assert.True(t, proto.Equal(msg, decoded))
}

func TestSendOnDisconnected(t *testing.T) {
	l := newTestLoop(t)
	f := newFakeConn(t, l)
	f.closed = true

	assert.ErrorIs(t, f.SendPackageBytes([]byte("x")), ErrNotConnected)
	assert.ErrorIs(t, f.SendBytes([]byte("x")), ErrNotConnected)
	_, err := f.SendRequestBytes([]byte("x"), nil, 0)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, f.sent)
}

func TestRequestResponseExactlyOnce(t *testing.T) {
	l := newTestLoop(t)
	client := newFakeConn(t, l)
	server := newFakeConn(t, l)

	server.OnReceiveRequest = func(serial uint32, payload []byte) {
		require.NoError(t, server.SendResponseBytes(serial, append([]byte("re:"), payload...)))
	}

	var got []rpcResult
	serial, err := client.SendRequestBytes([]byte("q"), recordRpc(&got), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, client.RpcCount())

	server.receive(client.sent[0])
	require.Len(t, server.sent, 1)
	client.receive(server.sent[0])

	require.Len(t, got, 1)
	assert.Equal(t, serial, got[0].serial)
	assert.Equal(t, "re:q", string(got[0].payload))
	assert.Equal(t, 0, client.RpcCount())

	// a duplicate response and a later timeout are both ignored
	client.receive(server.sent[0])
	for i := 0; i < 10; i++ {
		l.rpcMgr.Process()
	}
	assert.Len(t, got, 1)
}

func TestEmptyResponseIsNotFailure(t *testing.T) {
	l := newTestLoop(t)
	f := newFakeConn(t, l)

	var got []rpcResult
	serial, err := f.SendRequestBytes([]byte("q"), recordRpc(&got), 0)
	require.NoError(t, err)

	f.receive(mustPacket(t, KindResponse, nil, serial, nil))
	require.Len(t, got, 1)
	assert.NotNil(t, got[0].payload)
	assert.Empty(t, got[0].payload)
}

func TestRequestTimeoutThenResponse(t *testing.T) {
	l := newTestLoop(t)
	f := newFakeConn(t, l)

	var got []rpcResult
	serial, err := f.SendRequestBytes([]byte("q"), recordRpc(&got), 2)
	require.NoError(t, err)

	l.rpcMgr.Process()
	l.rpcMgr.Process()
	require.Len(t, got, 1)
	assert.Nil(t, got[0].payload)
	assert.Equal(t, 0, f.RpcCount())

	f.receive(mustPacket(t, KindResponse, nil, serial, []byte("late")))
	assert.Len(t, got, 1)
}

func TestReleaseCancelsOwnedRequests(t *testing.T) {
	l := newTestLoop(t)
	f := newFakeConn(t, l)
	other := newFakeConn(t, l)

	var got, otherGot []rpcResult
	for i := 0; i < 3; i++ {
		_, err := f.SendRequestBytes([]byte("q"), recordRpc(&got), 0)
		require.NoError(t, err)
	}
	_, err := other.SendRequestBytes([]byte("q"), recordRpc(&otherGot), 0)
	require.NoError(t, err)

	var order []string
	f.OnDisconnect = func() {
		order = append(order, "disconnect")
		assert.Len(t, got, 3, "requests fail before OnDisconnect")
	}
	f.Release()

	require.Len(t, got, 3)
	for i, r := range got {
		assert.Nil(t, r.payload)
		assert.Equal(t, uint32(i+1), r.serial)
	}
	assert.Equal(t, []string{"disconnect"}, order)
	assert.Empty(t, otherGot)
	assert.Equal(t, 1, l.rpcMgr.Pending())

	// a response arriving for a cancelled serial does nothing
	other.receive(mustPacket(t, KindResponse, nil, 1, []byte("late")))
	assert.Len(t, got, 3)
}

func TestRequestSendFailureDropsRegistration(t *testing.T) {
	l := newTestLoop(t)
	f := newFakeConn(t, l)
	f.sendErr = ErrSendQueueFull

	called := false
	_, err := f.SendRequestBytes([]byte("q"), func(uint32, []byte) { called = true }, 0)
	assert.ErrorIs(t, err, ErrSendQueueFull)
	assert.False(t, called)
	assert.Equal(t, 0, l.rpcMgr.Pending())
	assert.Equal(t, 0, f.RpcCount())
}

func TestRequestWithoutRpcManager(t *testing.T) {
	l, err := NewLoop(nil)
	require.NoError(t, err)
	defer l.Close()

	f := newFakeConn(t, l)
	_, err = f.SendRequestBytes([]byte("q"), nil, 0)
	assert.ErrorIs(t, err, ErrRpcNotInitialized)
}

func TestSendRequestExDecodes(t *testing.T) {
	l := newTestLoop(t)
	f := newFakeConn(t, l)

	var replies []proto.Message
	cb := func(serial uint32, reply proto.Message) { replies = append(replies, reply) }

	s1, err := f.SendRequestEx(wrapperspb.String("a"), cb, 0)
	require.NoError(t, err)
	s2, err := f.SendRequestEx(wrapperspb.String("b"), cb, 0)
	require.NoError(t, err)

	payload, err := codec.Encode(wrapperspb.Int32(3), nil)
	require.NoError(t, err)
	f.receive(mustPacket(t, KindResponse, nil, s1, payload))
	// 无法解码的响应按失败处理
	f.receive(mustPacket(t, KindResponse, nil, s2, []byte{0xff, 0xff}))

	require.Len(t, replies, 2)
	assert.True(t, proto.Equal(wrapperspb.Int32(3), replies[0]))
	assert.Nil(t, replies[1])
}

func TestRoutedRequestCapturesSender(t *testing.T) {
	l := newTestLoop(t)
	f := newFakeConn(t, l)
	require.NoError(t, f.SetRoutingAddress([]byte{0x10}))

	f.OnReceiveRequest = func(serial uint32, payload []byte) {
		require.NoError(t, f.SendRoutingResponseBytes(f.SenderAddress(), serial, payload))
	}
	f.receive(mustPacket(t, KindRequest, []byte{0x20, 0x21}, 99, []byte("echo")))

	require.Len(t, f.sent, 1)
	assert.Equal(t, mustPacket(t, KindResponse, []byte{0x20, 0x21}, 99, []byte("echo")), f.sent[0])
}

func TestSendRoutingByRouter(t *testing.T) {
	l := newTestLoop(t)

	t.Run("splice", func(t *testing.T) {
		out := newFakeConn(t, l)
		pkt := mustPacket(t, KindRequest, []byte{1, 2, 3, 4}, 11, []byte("body"))
		orig := append([]byte(nil), pkt...)

		require.NoError(t, out.SendRoutingByRouter(pkt, ShortHeaderLen, 4, []byte{5, 6, 7, 8}))
		require.Len(t, out.sent, 1)
		assert.Equal(t, mustPacket(t, KindRequest, []byte{5, 6, 7, 8}, 11, []byte("body")), out.sent[0])
		assert.Equal(t, orig, pkt)
	})

	t.Run("rebuild", func(t *testing.T) {
		out := newFakeConn(t, l)
		pkt := mustPacket(t, KindResponse, []byte{1}, 12, []byte("body"))

		require.NoError(t, out.SendRoutingByRouter(pkt, ShortHeaderLen, 1, []byte{5, 6, 7}))
		require.Len(t, out.sent, 1)
		assert.Equal(t, mustPacket(t, KindResponse, []byte{5, 6, 7}, 12, []byte("body")), out.sent[0])
	})

	t.Run("rebuild widens header", func(t *testing.T) {
		out := newFakeConn(t, l)
		payload := bytes.Repeat([]byte{3}, MaxShortDataLen-2)
		pkt := mustPacket(t, KindPackage, []byte{1}, 0, payload)
		require.Zero(t, pkt[0]&ctrlLarge)

		require.NoError(t, out.SendRoutingByRouter(pkt, ShortHeaderLen, 1, make([]byte, 16)))
		require.Len(t, out.sent, 1)
		assert.Equal(t, mustPacket(t, KindPackage, make([]byte, 16), 0, payload), out.sent[0])
		assert.Equal(t, byte(ctrlLarge), out.sent[0][0]&ctrlLarge)
	})

	t.Run("rebuild narrows header", func(t *testing.T) {
		out := newFakeConn(t, l)
		payload := bytes.Repeat([]byte{4}, MaxShortDataLen-15)
		pkt := mustPacket(t, KindPackage, make([]byte, 16), 0, payload)
		require.Equal(t, byte(ctrlLarge), pkt[0]&ctrlLarge)

		require.NoError(t, out.SendRoutingByRouter(pkt, LargeHeaderLen, 16, []byte{9}))
		require.Len(t, out.sent, 1)
		assert.Equal(t, mustPacket(t, KindPackage, []byte{9}, 0, payload), out.sent[0])
		assert.Zero(t, out.sent[0][0]&ctrlLarge)
		assert.Len(t, out.sent[0], ShortHeaderLen+MaxShortDataLen-14)
	})

	t.Run("rebuild without sender", func(t *testing.T) {
		out := newFakeConn(t, l)
		pkt := mustPacket(t, KindPackage, []byte{1, 2}, 0, []byte("x"))

		require.NoError(t, out.SendRoutingByRouter(pkt, ShortHeaderLen, 2, nil))
		assert.Equal(t, mustPacket(t, KindPackage, nil, 0, []byte("x")), out.sent[0])
	})

	t.Run("router end to end", func(t *testing.T) {
		router := newFakeConn(t, l)
		target := newFakeConn(t, l)
		router.OnReceiveRouting = func(pkg []byte, addrOffset, addrLen int) {
			require.NoError(t, target.SendRoutingByRouter(pkg, addrOffset, addrLen, []byte{0xee, 0xee}))
		}
		router.receive(mustPacket(t, KindRequest, []byte{0x01, 0x02}, 5, []byte("hi")))

		require.NoError(t, target.SetRoutingAddress([]byte{0x01, 0x02}))
		var got []recvEvent
		recordReceive(target, &got)
		target.receive(target.sent[0])

		require.Len(t, got, 1)
		assert.Equal(t, recvEvent{kind: KindRequest, serial: 5, sender: "\xee\xee", body: "hi"}, got[0])
	})
}

func TestSetRoutingAddress(t *testing.T) {
	l := newTestLoop(t)
	f := newFakeConn(t, l)

	assert.ErrorIs(t, f.SetRoutingAddress(make([]byte, 17)), ErrAddrLen)
	require.NoError(t, f.SetRoutingAddress([]byte{1, 2}))
	assert.Equal(t, []byte{1, 2}, f.GetRoutingAddress())
	require.NoError(t, f.SetRoutingAddress(nil))
	assert.Empty(t, f.GetRoutingAddress())
}

func TestEntityAddrAsRoutingAddress(t *testing.T) {
	l := newTestLoop(t)
	f := newFakeConn(t, l)
	var got []recvEvent
	recordReceive(f, &got)

	self, err := utils.ParseEntityAddr("1.0.3.7")
	require.NoError(t, err)
	peer, err := utils.ParseEntityAddr("1.0.4.2")
	require.NoError(t, err)
	require.NoError(t, f.SetRoutingAddress(self.RoutingAddr()))

	f.receive(mustPacket(t, KindPackage, peer.RoutingAddr(), 0, []byte("hi")))
	require.Len(t, got, 1)
	from, err := utils.EntityAddrFromRouting(f.SenderAddress())
	require.NoError(t, err)
	assert.Equal(t, peer, from)
}

func TestBindTimeoutManagerDefaultsToLoop(t *testing.T) {
	l := newTestLoop(t)
	f := newFakeConn(t, l)
	assert.ErrorIs(t, f.BindTimeoutManager(nil), ErrTimeoutNotInitialized)

	m, err := NewTimeoutManager(8, 2)
	require.NoError(t, err)
	l.timeoutMgr = m
	defer func() { l.timeoutMgr = nil }()

	g := newFakeConn(t, l)
	require.NoError(t, g.BindTimeoutManager(nil))
	g.OnTimeout = func() { g.Release() }
	require.NoError(t, g.TimeoutReset(1))

	m.Process()
	assert.True(t, g.Released())
	assert.Equal(t, 0, m.Count())
}

func TestViolationReason(t *testing.T) {
	assert.Equal(t, "zero_length", violationReason(ErrZeroLength))
	assert.Equal(t, "too_large", violationReason(ErrPacketTooLarge))
	assert.Equal(t, "other", violationReason(errors.New("x")))
}
