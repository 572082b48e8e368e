package net

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/xtaci/kcp-go/v5"
)

const (
	// SessionIDLen is the size of the session id leading every datagram.
	SessionIDLen = 16
	// ARQOverhead is the size of one ARQ segment header.
	ARQOverhead = 24
	// minDatagramLen is the shortest datagram worth handing to an ARQ.
	minDatagramLen = SessionIDLen + ARQOverhead
)

var errARQInput = errors.New("net: arq rejected datagram")

// ARQ is a reliable, ordered byte channel on top of datagrams. Datagrams in
// both directions are complete, session id included.
//
// Clocks are in milliseconds on the loop's UDP clock.
type ARQ interface {
	// Input feeds one received datagram.
	Input(datagram []byte) error
	// Send queues one message.
	Send(b []byte) error
	// Update flushes whatever is due at now.
	Update(now uint32)
	// Check returns the clock value at which Update should be called next.
	Check(now uint32) uint32
	// Recv returns the next complete message, or nil when none is ready.
	Recv() []byte
	// WaitSnd returns the number of segments not yet acknowledged.
	WaitSnd() int
	Release()
}

// ARQFactory creates the ARQ of one session. output receives every datagram
// the ARQ wants on the wire; it runs on the loop goroutine.
type ARQFactory func(id uuid.UUID, cfg *KcpCfg, output func(datagram []byte)) (ARQ, error)

type kcpARQ struct {
	kcp *kcp.KCP
	buf []byte
}

// NewKcpARQ is the default ARQFactory, backed by kcp-go. The conversation id
// is taken from the session id and the id is written into the reserved head
// of every output segment.
func NewKcpARQ(id uuid.UUID, cfg *KcpCfg, output func(datagram []byte)) (ARQ, error) {
	c := cfg.withDefaults()
	sid := id
	k := kcp.NewKCP(binary.LittleEndian.Uint32(sid[:4]), func(buf []byte, size int) {
		if size < SessionIDLen {
			return
		}
		copy(buf[:SessionIDLen], sid[:])
		output(buf[:size])
	})
	if !k.ReserveBytes(SessionIDLen) {
		return nil, fmt.Errorf("kcp reserve %d bytes failed", SessionIDLen)
	}
	if k.SetMtu(c.Mtu) < 0 {
		return nil, fmt.Errorf("kcp mtu %d rejected", c.Mtu)
	}
	k.WndSize(c.SndWnd, c.RcvWnd)
	k.NoDelay(c.NoDelay, c.Interval, c.Resend, c.NC)
	return &kcpARQ{kcp: k}, nil
}

func (a *kcpARQ) Input(datagram []byte) error {
	if len(datagram) < minDatagramLen {
		return errARQInput
	}
	if ret := a.kcp.Input(datagram[SessionIDLen:], true, false); ret < 0 {
		return fmt.Errorf("%w: %d", errARQInput, ret)
	}
	return nil
}

func (a *kcpARQ) Send(b []byte) error {
	if ret := a.kcp.Send(b); ret < 0 {
		return fmt.Errorf("kcp send: %d", ret)
	}
	return nil
}

// Update lets kcp flush on its own clock; now only gates how often it is asked.
func (a *kcpARQ) Update(now uint32) {
	a.kcp.Update()
}

func (a *kcpARQ) Check(now uint32) uint32 {
	return now
}

func (a *kcpARQ) Recv() []byte {
	n := a.kcp.PeekSize()
	if n <= 0 {
		return nil
	}
	if cap(a.buf) < n {
		a.buf = make([]byte, n)
	}
	a.buf = a.buf[:n]
	if m := a.kcp.Recv(a.buf); m > 0 {
		return a.buf[:m]
	}
	return nil
}

func (a *kcpARQ) WaitSnd() int {
	return a.kcp.WaitSnd()
}

func (a *kcpARQ) Release() {
	a.kcp.ReleaseTX()
}
