package net

import (
	"encoding/binary"
	"errors"
	"sort"

	"google.golang.org/protobuf/proto"

	"github.com/lcx/uvloop/codec"
	"github.com/lcx/uvloop/log"
	"github.com/lcx/uvloop/metrics"
)

// connImpl is implemented by each transport and gives connBase access to the
// byte pipe underneath it.
type connImpl interface {
	// sendBytes queues one whole packet. b may be reused once it returns.
	sendBytes(b []byte) error
	// disconnectImpl drops the connection after a protocol violation.
	disconnectImpl()
	disconnected() bool
}

// connBase holds the framing and RPC state shared by every connection type.
//
// Payload slices handed to the receive callbacks point into the receive
// buffer and are only valid until the callback returns.
type connBase struct {
	Timeouter

	loop *Loop
	impl connImpl

	sendBuf     []byte
	recvBuf     []byte
	routingAddr []byte
	senderAddr  []byte
	rpcSerials  map[uint32]struct{}

	OnReceivePackage func(payload []byte)
	OnReceiveRequest func(serial uint32, payload []byte)
	// OnReceiveRouting receives routed packets while no routing address is set.
	// pkg is the whole packet; the destination address is pkg[addrOffset:addrOffset+addrLen].
	OnReceiveRouting func(pkg []byte, addrOffset, addrLen int)
	OnDisconnect     func()
}

func (c *connBase) initConn(loop *Loop, impl connImpl) {
	c.initTimeouter()
	c.loop = loop
	c.impl = impl
	c.rpcSerials = make(map[uint32]struct{})
}

// BindTimeoutManager attaches the connection to m, or to the loop's timing
// wheel when m is nil.
func (c *connBase) BindTimeoutManager(m *TimeoutManager) error {
	if m == nil {
		m = c.loop.timeoutMgr
	}
	return c.Timeouter.BindTimeoutManager(m)
}

func (c *connBase) Loop() *Loop {
	return c.loop
}

func (c *connBase) GetRoutingAddress() []byte {
	return c.routingAddr
}

// SetRoutingAddress sets the address of this endpoint. While it is set,
// routed packets are delivered to the ordinary callbacks with their sender
// address captured; an empty address hands them to OnReceiveRouting instead.
func (c *connBase) SetRoutingAddress(addr []byte) error {
	if len(addr) > MaxAddrLen {
		return ErrAddrLen
	}
	c.routingAddr = append(c.routingAddr[:0], addr...)
	return nil
}

// SenderAddress returns the source address of the routed packet being
// dispatched, or nil when it was not routed.
func (c *connBase) SenderAddress() []byte {
	if len(c.senderAddr) == 0 {
		return nil
	}
	return c.senderAddr
}

// RpcCount returns the number of requests sent on this connection that are
// still waiting for an answer.
func (c *connBase) RpcCount() int {
	return len(c.rpcSerials)
}

// receive appends data to the reassembly buffer and dispatches every
// complete packet in it.
func (c *connBase) receive(data []byte) {
	c.recvBuf = append(c.recvBuf, data...)
	gen := c.Generation()

	off := 0
	for {
		buf := c.recvBuf[off:]
		h, n, err := DecodeHeader(buf)
		if errors.Is(err, ErrHeaderShort) {
			break
		}
		if err != nil {
			c.protocolViolation(err)
			return
		}
		if limit := c.loop.maxPacketSize.Load(); limit > 0 && h.DataLen > limit {
			c.protocolViolation(ErrPacketTooLarge)
			return
		}
		total := n + int(h.DataLen)
		if len(buf) < total {
			break
		}
		pkg := buf[:total:total]
		off += total

		body := pkg[n:]
		if h.Routed {
			if len(c.routingAddr) == 0 {
				if cb := c.OnReceiveRouting; cb != nil {
					cb(pkg, n, h.AddrLen)
					if c.interrupted(gen) {
						return
					}
				}
				continue
			}
			c.senderAddr = append(c.senderAddr[:0], body[:h.AddrLen]...)
			body = body[h.AddrLen:]
		} else {
			c.senderAddr = c.senderAddr[:0]
		}

		switch h.Kind {
		case KindPackage:
			if cb := c.OnReceivePackage; cb != nil {
				cb(body)
			}
		case KindRequest:
			serial := binary.LittleEndian.Uint32(body)
			if cb := c.OnReceiveRequest; cb != nil {
				cb(serial, body[SerialLen:])
			}
		case KindResponse:
			serial := binary.LittleEndian.Uint32(body)
			delete(c.rpcSerials, serial)
			if rpc := c.loop.rpcMgr; rpc != nil {
				rpc.Callback(serial, body[SerialLen:])
			}
		}
		if c.interrupted(gen) {
			return
		}
	}

	if off > 0 {
		rest := copy(c.recvBuf, c.recvBuf[off:])
		c.recvBuf = c.recvBuf[:rest]
	}
}

// interrupted reports whether a callback released or disconnected the
// connection. A released connection is not touched at all.
func (c *connBase) interrupted(gen Generation) bool {
	if c.Generation() != gen {
		return true
	}
	if c.impl.disconnected() {
		c.recvBuf = c.recvBuf[:0]
		return true
	}
	return false
}

func (c *connBase) protocolViolation(err error) {
	log.Warn().Err(err).Int("buffered", len(c.recvBuf)).Msg("protocol violation, dropping connection")
	metrics.IncrCounterWithDimGroup("net", "protocol_error_total", 1, metrics.Dimension{"reason": violationReason(err)})
	c.recvBuf = c.recvBuf[:0]
	c.impl.disconnectImpl()
}

func violationReason(err error) string {
	switch {
	case errors.Is(err, ErrZeroLength):
		return "zero_length"
	case errors.Is(err, ErrInvalidKind):
		return "invalid_kind"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrPacketTooLarge):
		return "too_large"
	}
	return "other"
}

// beginPacket resets the send buffer and reserves room for the widest
// header, the address and the serial. The payload is appended after it.
func (c *connBase) beginPacket(addrLen int, hasSerial bool) {
	n := LargeHeaderLen + addrLen
	if hasSerial {
		n += SerialLen
	}
	if cap(c.sendBuf) < n {
		c.sendBuf = make([]byte, n, n+256)
	}
	c.sendBuf = c.sendBuf[:n]
}

// finishPacket writes the header right aligned in front of the body and
// returns the packet.
func (c *connBase) finishPacket(kind PacketKind, addr []byte, serial uint32) ([]byte, error) {
	body := LargeHeaderLen + len(addr)
	if kind != KindPackage {
		body += SerialLen
	}
	h, err := newHeader(kind, len(addr), len(c.sendBuf)-body)
	if err != nil {
		return nil, err
	}
	copy(c.sendBuf[LargeHeaderLen:], addr)
	if h.HasSerial() {
		binary.LittleEndian.PutUint32(c.sendBuf[LargeHeaderLen+len(addr):], serial)
	}
	start := LargeHeaderLen - h.Len()
	PutHeader(c.sendBuf[start:], h)
	return c.sendBuf[start:], nil
}

func (c *connBase) sendPayload(kind PacketKind, addr []byte, serial uint32, payload []byte) error {
	if c.impl.disconnected() {
		return ErrNotConnected
	}
	if len(addr) > MaxAddrLen {
		return ErrAddrLen
	}
	c.beginPacket(len(addr), kind != KindPackage)
	c.sendBuf = append(c.sendBuf, payload...)
	pkt, err := c.finishPacket(kind, addr, serial)
	if err != nil {
		return err
	}
	return c.impl.sendBytes(pkt)
}

func (c *connBase) sendMessage(kind PacketKind, addr []byte, serial uint32, msg proto.Message) error {
	if c.impl.disconnected() {
		return ErrNotConnected
	}
	if len(addr) > MaxAddrLen {
		return ErrAddrLen
	}
	c.beginPacket(len(addr), kind != KindPackage)
	b, err := codec.Encode(msg, c.sendBuf)
	if err != nil {
		return err
	}
	c.sendBuf = b
	pkt, err := c.finishPacket(kind, addr, serial)
	if err != nil {
		return err
	}
	return c.impl.sendBytes(pkt)
}

func checkRoutingAddr(addr []byte) error {
	if len(addr) == 0 || len(addr) > MaxAddrLen {
		return ErrAddrLen
	}
	return nil
}

// SendBytes sends b as is. b must already be one or more whole packets.
func (c *connBase) SendBytes(b []byte) error {
	if c.impl.disconnected() {
		return ErrNotConnected
	}
	return c.impl.sendBytes(b)
}

// SendPackageBytes sends an encoded payload as a package.
func (c *connBase) SendPackageBytes(payload []byte) error {
	return c.sendPayload(KindPackage, nil, 0, payload)
}

// SendRequestBytes sends an encoded payload as a request. cb is called once
// with the response, or with nil when the request fails.
func (c *connBase) SendRequestBytes(payload []byte, cb RpcCallback, interval int) (uint32, error) {
	return c.sendRequest(nil, cb, interval, func(serial uint32) error {
		return c.sendPayload(KindRequest, nil, serial, payload)
	})
}

func (c *connBase) SendResponseBytes(serial uint32, payload []byte) error {
	return c.sendPayload(KindResponse, nil, serial, payload)
}

func (c *connBase) SendRoutingBytes(addr []byte, payload []byte) error {
	if err := checkRoutingAddr(addr); err != nil {
		return err
	}
	return c.sendPayload(KindPackage, addr, 0, payload)
}

func (c *connBase) SendRoutingRequestBytes(addr []byte, payload []byte, cb RpcCallback, interval int) (uint32, error) {
	return c.sendRequest(addr, cb, interval, func(serial uint32) error {
		return c.sendPayload(KindRequest, addr, serial, payload)
	})
}

func (c *connBase) SendRoutingResponseBytes(addr []byte, serial uint32, payload []byte) error {
	if err := checkRoutingAddr(addr); err != nil {
		return err
	}
	return c.sendPayload(KindResponse, addr, serial, payload)
}

// Send encodes msg with the codec and sends it as a package.
func (c *connBase) Send(msg proto.Message) error {
	return c.sendMessage(KindPackage, nil, 0, msg)
}

func (c *connBase) SendRequest(msg proto.Message, cb RpcCallback, interval int) (uint32, error) {
	return c.sendRequest(nil, cb, interval, func(serial uint32) error {
		return c.sendMessage(KindRequest, nil, serial, msg)
	})
}

// SendRequestEx is SendRequest with the response decoded. reply is nil when
// the request failed or the response could not be decoded.
func (c *connBase) SendRequestEx(msg proto.Message, cb func(serial uint32, reply proto.Message), interval int) (uint32, error) {
	return c.SendRequest(msg, decodeReply(cb), interval)
}

func (c *connBase) SendResponse(serial uint32, msg proto.Message) error {
	return c.sendMessage(KindResponse, nil, serial, msg)
}

func (c *connBase) SendRouting(addr []byte, msg proto.Message) error {
	if err := checkRoutingAddr(addr); err != nil {
		return err
	}
	return c.sendMessage(KindPackage, addr, 0, msg)
}

func (c *connBase) SendRoutingRequest(addr []byte, msg proto.Message, cb RpcCallback, interval int) (uint32, error) {
	return c.sendRequest(addr, cb, interval, func(serial uint32) error {
		return c.sendMessage(KindRequest, addr, serial, msg)
	})
}

func (c *connBase) SendRoutingResponse(addr []byte, serial uint32, msg proto.Message) error {
	if err := checkRoutingAddr(addr); err != nil {
		return err
	}
	return c.sendMessage(KindResponse, addr, serial, msg)
}

// SendRoutingAddress announces addr to the router at the other end. It is
// an ordinary package whose payload is the address.
func (c *connBase) SendRoutingAddress(addr []byte) error {
	if err := checkRoutingAddr(addr); err != nil {
		return err
	}
	return c.SendPackageBytes(addr)
}

// SendRoutingByRouter forwards a routed packet received by OnReceiveRouting
// on another connection. The destination address at
// pkg[addrOffset:addrOffset+addrLen] is replaced by senderAddr so the
// receiver can answer. pkg itself is left untouched.
func (c *connBase) SendRoutingByRouter(pkg []byte, addrOffset, addrLen int, senderAddr []byte) error {
	if c.impl.disconnected() {
		return ErrNotConnected
	}
	if len(senderAddr) > MaxAddrLen {
		return ErrAddrLen
	}
	if addrOffset < ShortHeaderLen || addrLen < 0 || addrOffset+addrLen > len(pkg) {
		return ErrMalformed
	}

	// same width: splice the address over the old one
	if len(senderAddr) == addrLen && addrLen > 0 {
		c.sendBuf = append(c.sendBuf[:0], pkg...)
		copy(c.sendBuf[addrOffset:], senderAddr)
		return c.impl.sendBytes(c.sendBuf)
	}

	h, _, err := DecodeHeader(pkg)
	if err != nil {
		return err
	}
	rest := pkg[addrOffset+addrLen:]
	dataLen := uint64(len(senderAddr)) + uint64(len(rest))
	if dataLen == 0 {
		return ErrZeroLength
	}
	if dataLen > MaxDataLen {
		return ErrPacketTooLarge
	}
	nh := Header{
		Kind:    h.Kind,
		Large:   dataLen > MaxShortDataLen,
		Routed:  len(senderAddr) > 0,
		AddrLen: len(senderAddr),
		DataLen: uint32(dataLen),
	}
	c.sendBuf = AppendHeader(c.sendBuf[:0], nh)
	c.sendBuf = append(c.sendBuf, senderAddr...)
	c.sendBuf = append(c.sendBuf, rest...)
	return c.impl.sendBytes(c.sendBuf)
}

// sendRequest registers cb with the loop's rpc table, then sends. When the
// send fails the registration is dropped without calling cb.
func (c *connBase) sendRequest(addr []byte, cb RpcCallback, interval int, send func(serial uint32) error) (uint32, error) {
	if addr != nil {
		if err := checkRoutingAddr(addr); err != nil {
			return 0, err
		}
	}
	if c.impl.disconnected() {
		return 0, ErrNotConnected
	}
	rpc := c.loop.rpcMgr
	if rpc == nil {
		return 0, ErrRpcNotInitialized
	}

	serials := c.rpcSerials
	serial := rpc.Register(func(serial uint32, payload []byte) {
		delete(serials, serial)
		if cb != nil {
			cb(serial, payload)
		}
	}, interval)
	serials[serial] = struct{}{}

	if err := send(serial); err != nil {
		delete(serials, serial)
		rpc.remove(serial)
		return 0, err
	}
	return serial, nil
}

// cancelRpcs fails every request this connection is still waiting on.
func (c *connBase) cancelRpcs() {
	if len(c.rpcSerials) == 0 {
		return
	}
	serials := make([]uint32, 0, len(c.rpcSerials))
	for s := range c.rpcSerials {
		serials = append(serials, s)
	}
	sort.Slice(serials, func(i, j int) bool { return serials[i] < serials[j] })
	c.rpcSerials = make(map[uint32]struct{})

	rpc := c.loop.rpcMgr
	if rpc == nil {
		return
	}
	for _, s := range serials {
		rpc.Callback(s, nil)
	}
}

// detachCallbacks clears every user callback and returns OnDisconnect.
func (c *connBase) detachCallbacks() func() {
	cb := c.OnDisconnect
	c.OnReceivePackage = nil
	c.OnReceiveRequest = nil
	c.OnReceiveRouting = nil
	c.OnDisconnect = nil
	c.OnTimeout = nil
	return cb
}

// teardown runs the common part of releasing a connection.
func (c *connBase) teardown() {
	c.cancelRpcs()
	cb := c.detachCallbacks()
	c.UnbindTimeoutManager()
	if cb != nil {
		cb()
	}
}

func (c *connBase) clearBuffers() {
	c.recvBuf = nil
	c.sendBuf = nil
	c.senderAddr = nil
}

func decodeReply(cb func(serial uint32, reply proto.Message)) RpcCallback {
	return func(serial uint32, payload []byte) {
		if cb == nil {
			return
		}
		if payload == nil {
			cb(serial, nil)
			return
		}
		reply, err := codec.Decode(payload)
		if err != nil {
			log.Warn().Uint32("serial", serial).Err(err).Msg("decode rpc response failed")
			cb(serial, nil)
			return
		}
		cb(serial, reply)
	}
}
