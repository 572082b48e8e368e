package net

import (
	"google.golang.org/protobuf/proto"

	"github.com/lcx/uvloop/codec"
	"github.com/lcx/uvloop/log"
)

// Conn is implemented by every connection type: TCPPeer, TCPClient,
// UDPPeer and UDPClient.
type Conn interface {
	Send(msg proto.Message) error
	SendResponse(serial uint32, msg proto.Message) error
	SendRequestEx(msg proto.Message, cb func(serial uint32, reply proto.Message), interval int) (uint32, error)
	Release()

	base() *connBase
}

func (c *connBase) base() *connBase {
	return c
}

var (
	_ Conn = (*TCPPeer)(nil)
	_ Conn = (*TCPClient)(nil)
	_ Conn = (*UDPPeer)(nil)
	_ Conn = (*UDPClient)(nil)
)

// ContextHandler receives the decoded traffic of the connection a
// PeerContext is bound to.
type ContextHandler interface {
	HandlePackage(ctx *PeerContext, msg proto.Message)
	HandleRequest(ctx *PeerContext, serial uint32, msg proto.Message)
	HandleDisconnect(ctx *PeerContext)
}

// PeerContext decodes packages and requests of one connection with the codec
// and hands them to a ContextHandler. A payload that does not decode kicks the
// connection.
type PeerContext struct {
	handler ContextHandler
	peer    Conn
}

func NewPeerContext(h ContextHandler) *PeerContext {
	return &PeerContext{handler: h}
}

// BindPeer takes over the receive and disconnect callbacks of c.
func (x *PeerContext) BindPeer(c Conn) error {
	if x.peer != nil {
		return ErrInvalidState
	}
	if c == nil {
		return ErrNotConnected
	}
	x.peer = c

	b := c.base()
	b.OnReceivePackage = func(payload []byte) {
		msg, err := codec.Decode(payload)
		if err != nil {
			log.Warn().Err(err).Int("size", len(payload)).Msg("decode package failed, kicking peer")
			x.KickPeer(true)
			return
		}
		x.handler.HandlePackage(x, msg)
	}
	b.OnReceiveRequest = func(serial uint32, payload []byte) {
		msg, err := codec.Decode(payload)
		if err != nil {
			log.Warn().Err(err).Uint32("serial", serial).Msg("decode request failed, kicking peer")
			x.KickPeer(true)
			return
		}
		x.handler.HandleRequest(x, serial, msg)
	}
	b.OnDisconnect = func() {
		x.peer = nil
		x.handler.HandleDisconnect(x)
	}
	return nil
}

// Peer returns the bound connection, nil once it is gone.
func (x *PeerContext) Peer() Conn {
	return x.peer
}

// KickPeer unbinds the connection without calling HandleDisconnect. With
// immediately set the connection is released as well.
func (x *PeerContext) KickPeer(immediately bool) {
	c := x.peer
	if c == nil {
		return
	}
	x.peer = nil

	b := c.base()
	b.OnReceivePackage = nil
	b.OnReceiveRequest = nil
	b.OnDisconnect = nil
	if immediately {
		c.Release()
	}
}

func (x *PeerContext) Send(msg proto.Message) error {
	if x.peer == nil {
		return ErrNotConnected
	}
	return x.peer.Send(msg)
}

func (x *PeerContext) SendResponse(serial uint32, msg proto.Message) error {
	if x.peer == nil {
		return ErrNotConnected
	}
	return x.peer.SendResponse(serial, msg)
}

func (x *PeerContext) SendRequest(msg proto.Message, cb func(serial uint32, reply proto.Message), interval int) (uint32, error) {
	if x.peer == nil {
		return 0, ErrNotConnected
	}
	return x.peer.SendRequestEx(msg, cb, interval)
}
