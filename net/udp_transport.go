package net

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/lcx/uvloop/log"
	"github.com/lcx/uvloop/metrics"
)

const maxDatagramLen = 64 * 1024

// serveDatagrams reads conn until it is closed and posts every datagram long
// enough to carry a session.
func serveDatagrams(loop *Loop, conn *net.UDPConn, onDatagram func(b []byte, from *net.UDPAddr)) {
	defer loop.wg.Done()

	buf := make([]byte, maxDatagramLen)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debug().Err(err).Msg("udp read failed")
			continue
		}
		if n < minDatagramLen {
			metrics.IncrCounterWithGroup("net", "udp_short_datagram_total", 1)
			continue
		}
		b := make([]byte, n)
		copy(b, buf[:n])
		if !loop.post(func() { onDatagram(b, from) }) {
			return
		}
	}
}

// UDPListener serves ARQ sessions on one socket. Sessions are told apart by
// the id leading every datagram, not by source address, so a peer keeps its
// session when its address changes.
type UDPListener struct {
	Object

	loop  *Loop
	index int
	conn  *net.UDPConn
	peers map[uuid.UUID]*UDPPeer

	// OnCreatePeer builds the peer for a new session id, normally by calling
	// NewPeer. A returned error drops the datagram.
	OnCreatePeer func(l *UDPListener, id uuid.UUID) (*UDPPeer, error)
	OnAccept     func(p *UDPPeer)
	OnDispose    func()
}

func newUDPListener(loop *Loop) *UDPListener {
	l := &UDPListener{loop: loop, peers: make(map[uuid.UUID]*UDPPeer)}
	l.initObject()
	return l
}

// Listen binds addr and starts reading.
func (l *UDPListener) Listen(addr string) error {
	if l.Released() {
		return ErrReleased
	}
	if l.conn != nil {
		return ErrInvalidState
	}
	if l.loop.isClosed() {
		return ErrLoopClosed
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		metrics.IncrCounterWithDimGroup("net", "transport_start_error_total", 1, metrics.Dimension{"error_type": "listen"})
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	metrics.IncrCounterWithDimGroup("net", "transport_start_success_total", 1, metrics.Dimension{"transport_type": "udp"})
	log.Info().Str("addr", conn.LocalAddr().String()).Msg("udp listener bound")

	l.conn = conn
	l.loop.wg.Add(1)
	go serveDatagrams(l.loop, conn, func(b []byte, from *net.UDPAddr) {
		if !l.Released() && l.conn == conn {
			l.onDatagram(b, from)
		}
	})
	return nil
}

func (l *UDPListener) Addr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

func (l *UDPListener) onDatagram(b []byte, from *net.UDPAddr) {
	id, err := uuid.FromBytes(b[:SessionIDLen])
	if err != nil {
		return
	}

	p, ok := l.peers[id]
	if !ok {
		if l.OnCreatePeer != nil {
			p, err = l.OnCreatePeer(l, id)
		} else {
			p, err = l.NewPeer(id)
		}
		if err != nil || p == nil {
			log.Warn().Err(err).Str("session", id.String()).Msg("create udp peer failed")
			return
		}
	}
	p.addr = from

	if !ok {
		metrics.IncrCounterWithGroup("net", "udp_session_total", 1)
		gen := p.Generation()
		if cb := l.OnAccept; cb != nil {
			cb(p)
		}
		if p.Generation() != gen {
			return
		}
	}

	if err := p.arq.Input(b); err != nil {
		log.Debug().Err(err).Str("session", id.String()).Msg("arq input rejected")
		return
	}
	p.nextUpdate = 0
}

// NewPeer creates the session for id. It fails when the id is already in use.
func (l *UDPListener) NewPeer(id uuid.UUID) (*UDPPeer, error) {
	if l.Released() {
		return nil, ErrReleased
	}
	if _, ok := l.peers[id]; ok {
		return nil, ErrInvalidState
	}
	p := &UDPPeer{listener: l, id: id}
	p.initConn(l.loop, p)
	arq, err := l.loop.arqFactory(id, &l.loop.Config().Kcp, p.output)
	if err != nil {
		return nil, fmt.Errorf("create arq: %w", err)
	}
	p.arq = arq
	l.peers[id] = p
	return p, nil
}

// Peer returns the live session for id.
func (l *UDPListener) Peer(id uuid.UUID) *UDPPeer {
	return l.peers[id]
}

func (l *UDPListener) PeerCount() int {
	return len(l.peers)
}

func (l *UDPListener) update(now uint32) {
	peers := make([]*UDPPeer, 0, len(l.peers))
	for _, p := range l.peers {
		peers = append(peers, p)
	}
	for _, p := range peers {
		if !p.Released() {
			p.update(now)
		}
	}
}

// Release releases every session, then closes the socket.
func (l *UDPListener) Release() {
	if !l.release() {
		return
	}
	for _, p := range l.peers {
		p.Release()
	}
	if l.conn != nil {
		_ = l.conn.Close()
	}
	l.OnCreatePeer = nil
	l.OnAccept = nil
	if cb := l.OnDispose; cb != nil {
		l.OnDispose = nil
		cb()
	}
	l.loop.removeUDPListener(l)
}

// UDPPeer is the server side of one ARQ session.
type UDPPeer struct {
	connBase

	listener   *UDPListener
	id         uuid.UUID
	addr       *net.UDPAddr
	arq        ARQ
	nextUpdate uint32
}

func (p *UDPPeer) ID() uuid.UUID {
	return p.id
}

// RemoteAddr returns the source address of the latest datagram of the session.
func (p *UDPPeer) RemoteAddr() net.Addr {
	if p.addr == nil {
		return nil
	}
	return p.addr
}

func (p *UDPPeer) Listener() *UDPListener {
	return p.listener
}

func (p *UDPPeer) GetSendQueueSize() int {
	if p.arq == nil {
		return 0
	}
	return p.arq.WaitSnd()
}

func (p *UDPPeer) output(datagram []byte) {
	if p.addr == nil || p.listener.conn == nil {
		return
	}
	if _, err := p.listener.conn.WriteToUDP(datagram, p.addr); err != nil {
		log.Debug().Err(err).Str("session", p.id.String()).Msg("udp write failed")
	}
}

func (p *UDPPeer) update(now uint32) {
	p.nextUpdate = drainARQ(&p.connBase, p.arq, now, p.nextUpdate)
}

// drainARQ updates arq if it is due and feeds every ready message to c. It
// returns the next due time.
func drainARQ(c *connBase, arq ARQ, now, due uint32) uint32 {
	if due != 0 && int32(now-due) < 0 {
		return due
	}
	arq.Update(now)
	next := arq.Check(now)

	gen := c.Generation()
	for !c.impl.disconnected() {
		msg := arq.Recv()
		if msg == nil {
			break
		}
		c.receive(msg)
		if c.Generation() != gen {
			break
		}
	}
	return next
}

func (p *UDPPeer) Disconnect() {
	p.Release()
}

// Release fails the session's pending requests, calls OnDisconnect and
// forgets the session. A later datagram with the same id starts a new one.
func (p *UDPPeer) Release() {
	if !p.release() {
		return
	}
	p.teardown()
	if p.arq != nil {
		p.arq.Release()
	}
	if p.listener.peers[p.id] == p {
		delete(p.listener.peers, p.id)
	}
	p.clearBuffers()
}

func (p *UDPPeer) sendBytes(b []byte) error {
	if err := p.arq.Send(b); err != nil {
		return err
	}
	p.nextUpdate = 0
	return nil
}

func (p *UDPPeer) disconnectImpl() {
	p.Release()
}

func (p *UDPPeer) disconnected() bool {
	return p.Released()
}

// UDPClient is the client side of one ARQ session.
type UDPClient struct {
	connBase

	index      int
	id         uuid.UUID
	conn       *net.UDPConn
	arq        ARQ
	nextUpdate uint32
	connSeq    uint64

	OnDispose func()
}

func (c *UDPClient) ID() uuid.UUID {
	return c.id
}

func (c *UDPClient) RemoteAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

func (c *UDPClient) LocalAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

func (c *UDPClient) Connected() bool {
	return c.conn != nil
}

func (c *UDPClient) GetSendQueueSize() int {
	if c.arq == nil {
		return 0
	}
	return c.arq.WaitSnd()
}

// Connect opens a session with addr. A zero id picks a random one.
func (c *UDPClient) Connect(addr string, id uuid.UUID) error {
	if c.Released() {
		return ErrReleased
	}
	if c.conn != nil {
		return ErrInvalidState
	}
	if c.loop.isClosed() {
		return ErrLoopClosed
	}
	if id == uuid.Nil {
		id = uuid.New()
	}

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	arq, err := c.loop.arqFactory(id, &c.loop.Config().Kcp, c.output)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("create arq: %w", err)
	}

	c.id = id
	c.conn = conn
	c.arq = arq
	c.nextUpdate = 0
	c.connSeq++
	seq := c.connSeq

	c.loop.wg.Add(1)
	go serveDatagrams(c.loop, conn, func(b []byte, _ *net.UDPAddr) {
		if !c.Released() && c.connSeq == seq {
			c.onDatagram(b)
		}
	})
	return nil
}

func (c *UDPClient) onDatagram(b []byte) {
	if uuid.UUID(b[:SessionIDLen]) != c.id {
		metrics.IncrCounterWithGroup("net", "udp_foreign_session_total", 1)
		return
	}
	if err := c.arq.Input(b); err != nil {
		log.Debug().Err(err).Str("session", c.id.String()).Msg("arq input rejected")
		return
	}
	c.nextUpdate = 0
}

func (c *UDPClient) output(datagram []byte) {
	if c.conn == nil {
		return
	}
	if _, err := c.conn.Write(datagram); err != nil {
		log.Debug().Err(err).Str("session", c.id.String()).Msg("udp write failed")
	}
}

func (c *UDPClient) update(now uint32) {
	if c.conn == nil {
		return
	}
	c.nextUpdate = drainARQ(&c.connBase, c.arq, now, c.nextUpdate)
}

// Disconnect closes the session. Pending requests fail and OnDisconnect is
// called. The client may Connect again afterwards.
func (c *UDPClient) Disconnect() {
	c.disconnect(c.OnDisconnect)
}

// disconnect runs Disconnect and reports the drop to onDisconnect.
func (c *UDPClient) disconnect(onDisconnect func()) {
	if c.conn == nil {
		return
	}
	conn, arq := c.conn, c.arq
	c.conn, c.arq = nil, nil
	c.connSeq++
	c.recvBuf = c.recvBuf[:0]
	c.senderAddr = c.senderAddr[:0]
	c.TimeoutStop()

	gen := c.Generation()
	c.cancelRpcs()
	if c.Generation() == gen && onDisconnect != nil {
		onDisconnect()
	}
	_ = conn.Close()
	arq.Release()
}

// Release disconnects the client and removes it from the loop.
func (c *UDPClient) Release() {
	if !c.release() {
		return
	}
	c.disconnect(c.detachCallbacks())
	c.UnbindTimeoutManager()
	c.clearBuffers()
	if cb := c.OnDispose; cb != nil {
		c.OnDispose = nil
		cb()
	}
	c.loop.removeUDPClient(c)
}

func (c *UDPClient) sendBytes(b []byte) error {
	if c.arq == nil {
		return ErrNotConnected
	}
	if err := c.arq.Send(b); err != nil {
		return err
	}
	c.nextUpdate = 0
	return nil
}

func (c *UDPClient) disconnectImpl() {
	c.Disconnect()
}

func (c *UDPClient) disconnected() bool {
	return c.conn == nil
}
