package net

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lcx/uvloop/log"
	"github.com/lcx/uvloop/metrics"
)

var _readBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, defaultReadBufferSize)
		return &b
	},
}

func getReadBuf(size int) *[]byte {
	bp := _readBufPool.Get().(*[]byte)
	if cap(*bp) < size {
		b := make([]byte, size)
		return &b
	}
	*bp = (*bp)[:size]
	return bp
}

// tcpIO moves bytes between a socket and the loop. The reader and the writer
// each run on their own goroutine and only reach the connection through
// closures posted to the loop.
type tcpIO struct {
	conn      *net.TCPConn
	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// startTCPIO starts the reader and the writer of conn. onData and onClose run
// on the loop goroutine; onClose may run more than once.
func startTCPIO(loop *Loop, conn *net.TCPConn, onData func([]byte), onClose func(error)) *tcpIO {
	cfg := loop.Config().TCP
	t := &tcpIO{
		conn:   conn,
		sendCh: make(chan []byte, cfg.SendChannelSize),
		done:   make(chan struct{}),
	}
	limiter := NewRecvLimiter(cfg.RecvRateLimit)

	loop.wg.Add(2)
	go t.serveRecv(loop, limiter, cfg.ReadBufferSize, onData, onClose)
	go t.serveSend(loop, onClose)
	return t
}

func (t *tcpIO) serveRecv(loop *Loop, limiter *RecvLimiter, bufSize int, onData func([]byte), onClose func(error)) {
	defer loop.wg.Done()

	for {
		limiter.Take()
		bp := getReadBuf(bufSize)
		n, err := t.conn.Read(*bp)
		if n > 0 {
			data := (*bp)[:n]
			ok := loop.post(func() {
				onData(data)
				_readBufPool.Put(bp)
			})
			if !ok {
				t.close()
				return
			}
		} else {
			_readBufPool.Put(bp)
		}
		if err != nil {
			t.close()
			loop.post(func() { onClose(err) })
			return
		}
	}
}

func (t *tcpIO) serveSend(loop *Loop, onClose func(error)) {
	defer loop.wg.Done()

	for {
		select {
		case <-t.done:
			return
		case b := <-t.sendCh:
			if _, err := t.conn.Write(b); err != nil {
				t.close()
				loop.post(func() { onClose(err) })
				return
			}
		}
	}
}

func (t *tcpIO) sendBytes(b []byte) error {
	select {
	case <-t.done:
		return ErrNotConnected
	default:
	}
	p := make([]byte, len(b))
	copy(p, b)
	select {
	case t.sendCh <- p:
		return nil
	default:
		metrics.IncrCounterWithGroup("net", "send_queue_full_total", 1)
		return ErrSendQueueFull
	}
}

func (t *tcpIO) queued() int {
	return len(t.sendCh)
}

func (t *tcpIO) close() {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.Close()
	})
}

// TCPListener accepts stream connections and turns them into TCPPeers.
type TCPListener struct {
	Object

	loop  *Loop
	index int
	ln    *net.TCPListener
	peers []*TCPPeer

	// OnCreatePeer builds the peer for an accepted socket, normally by calling
	// NewPeer and decorating the result. A returned error closes the socket.
	OnCreatePeer func(l *TCPListener, conn *net.TCPConn) (*TCPPeer, error)
	OnAccept     func(p *TCPPeer)
	OnDispose    func()
}

func (l *TCPListener) Loop() *Loop {
	return l.loop
}

// Listen binds addr and starts accepting.
func (l *TCPListener) Listen(addr string) error {
	metrics.IncrCounterWithGroup("net", "transport_start_total", 1)

	if l.Released() {
		return ErrReleased
	}
	if l.ln != nil {
		return ErrInvalidState
	}
	if l.loop.isClosed() {
		return ErrLoopClosed
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		metrics.IncrCounterWithDimGroup("net", "transport_start_error_total", 1, metrics.Dimension{"error_type": "resolve"})
		return fmt.Errorf("resolve %s: %w", addr, err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		metrics.IncrCounterWithDimGroup("net", "transport_start_error_total", 1, metrics.Dimension{"error_type": "listen"})
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	metrics.IncrCounterWithDimGroup("net", "transport_start_success_total", 1, metrics.Dimension{"transport_type": "tcp"})
	log.Info().Str("addr", ln.Addr().String()).Msg("tcp listener bound")

	l.ln = ln
	l.loop.wg.Add(1)
	go l.serve(ln)
	return nil
}

// Addr returns the bound address, nil before Listen.
func (l *TCPListener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *TCPListener) serve(ln *net.TCPListener) {
	defer l.loop.wg.Done()

	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("tcp accept failed")
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if !l.loop.acceptLimiter.Allow() {
			metrics.IncrCounterWithGroup("net", "accept_throttled_total", 1)
			log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("accept throttled")
			_ = conn.Close()
			continue
		}
		if !l.loop.post(func() { l.onAccepted(conn) }) {
			_ = conn.Close()
			return
		}
	}
}

func (l *TCPListener) onAccepted(conn *net.TCPConn) {
	if l.Released() {
		_ = conn.Close()
		return
	}

	var (
		p   *TCPPeer
		err error
	)
	if l.OnCreatePeer != nil {
		p, err = l.OnCreatePeer(l, conn)
	} else {
		p, err = l.NewPeer(conn)
	}
	if err != nil || p == nil {
		log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("create tcp peer failed")
		_ = conn.Close()
		return
	}

	metrics.IncrCounterWithGroup("net", "connection_success_total", 1)
	metrics.UpdateGaugeWithGroup("net", "current_connections", metrics.Value(len(l.peers)))
	if cb := l.OnAccept; cb != nil {
		cb(p)
	}
}

// NewPeer wraps an accepted socket and starts reading from it. The peer is
// owned by the listener from then on.
func (l *TCPListener) NewPeer(conn *net.TCPConn) (*TCPPeer, error) {
	if l.Released() {
		return nil, ErrReleased
	}
	if conn == nil {
		return nil, ErrInvalidState
	}
	if l.loop.isClosed() {
		return nil, ErrLoopClosed
	}
	if size := l.loop.Config().TCP.ReadBufferSize; size > 0 {
		if err := conn.SetReadBuffer(size); err != nil {
			return nil, fmt.Errorf("set read buffer: %w", err)
		}
	}

	p := &TCPPeer{listener: l, conn: conn, remoteAddr: conn.RemoteAddr()}
	p.initConn(l.loop, p)
	l.peers = appendIndexed(l.peers, p)
	p.io = startTCPIO(l.loop, conn, func(data []byte) {
		if !p.Released() {
			p.receive(data)
		}
	}, func(err error) {
		if !p.Released() {
			log.Debug().Err(err).Str("remote", p.remoteAddr.String()).Msg("tcp peer closed")
			p.Release()
		}
	})
	return p, nil
}

// Peers returns a copy of the live peers.
func (l *TCPListener) Peers() []*TCPPeer {
	return append([]*TCPPeer(nil), l.peers...)
}

func (l *TCPListener) removePeer(p *TCPPeer) {
	l.peers = removeIndexed(l.peers, p)
}

// Release releases every peer, closes the socket and removes the listener
// from the loop.
func (l *TCPListener) Release() {
	if !l.release() {
		return
	}
	for _, p := range reversed(l.peers) {
		p.Release()
	}
	if l.ln != nil {
		_ = l.ln.Close()
	}
	l.OnCreatePeer = nil
	l.OnAccept = nil
	if cb := l.OnDispose; cb != nil {
		l.OnDispose = nil
		cb()
	}
	l.loop.removeTCPListener(l)
	metrics.UpdateGaugeWithGroup("net", "tcp_listeners", metrics.Value(len(l.loop.tcpListeners)))
}

// TCPPeer is the server side of an accepted stream connection.
type TCPPeer struct {
	connBase

	listener   *TCPListener
	index      int
	conn       *net.TCPConn
	remoteAddr net.Addr
	io         *tcpIO
}

func (p *TCPPeer) Listener() *TCPListener {
	return p.listener
}

func (p *TCPPeer) RemoteAddr() net.Addr {
	return p.remoteAddr
}

// IP returns the remote IP, or "" when it is not known.
func (p *TCPPeer) IP() string {
	if a, ok := p.remoteAddr.(*net.TCPAddr); ok {
		return a.IP.String()
	}
	return ""
}

// GetSendQueueSize returns the number of packets waiting to be written.
func (p *TCPPeer) GetSendQueueSize() int {
	if p.io == nil {
		return 0
	}
	return p.io.queued()
}

func (p *TCPPeer) Disconnect() {
	p.Release()
}

// Release fails the peer's pending requests, calls OnDisconnect, closes the
// socket and removes the peer from its listener.
func (p *TCPPeer) Release() {
	if !p.release() {
		return
	}
	p.teardown()
	if p.io != nil {
		p.io.close()
	}
	p.clearBuffers()
	p.listener.removePeer(p)

	metrics.IncrCounterWithGroup("net", "connection_close_total", 1)
	metrics.UpdateGaugeWithGroup("net", "current_connections", metrics.Value(len(p.listener.peers)))
}

func (p *TCPPeer) sendBytes(b []byte) error {
	return p.io.sendBytes(b)
}

func (p *TCPPeer) disconnectImpl() {
	p.Release()
}

func (p *TCPPeer) disconnected() bool {
	return p.Released()
}

// ClientState is the connection state of a client.
type ClientState int

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// TCPClient is an outgoing stream connection that can be connected again
// after it was disconnected.
type TCPClient struct {
	connBase

	index   int
	state   ClientState
	connSeq uint64
	addr    string
	conn    *net.TCPConn
	io      *tcpIO

	// OnConnect reports the outcome of Connect.
	OnConnect func(err error)
	OnDispose func()
}

func (c *TCPClient) State() ClientState {
	return c.state
}

func (c *TCPClient) Address() string {
	return c.addr
}

func (c *TCPClient) SetAddress(addr string) {
	c.addr = addr
}

// RemoteAddr returns the address of the current connection, nil when not connected.
func (c *TCPClient) RemoteAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

func (c *TCPClient) GetSendQueueSize() int {
	if c.io == nil {
		return 0
	}
	return c.io.queued()
}

// TryConnect drops any current connection or dial, sets the address and
// connects.
func (c *TCPClient) TryConnect(addr string) error {
	if c.Released() {
		return ErrReleased
	}
	c.Disconnect()
	c.SetAddress(addr)
	return c.Connect()
}

// Connect starts dialing the configured address. OnConnect is called on the
// loop with the result unless the client is disconnected or released first.
func (c *TCPClient) Connect() error {
	if c.Released() {
		return ErrReleased
	}
	if c.state != StateDisconnected {
		return ErrInvalidState
	}
	if c.addr == "" {
		return fmt.Errorf("tcp client has no address: %w", ErrInvalidState)
	}
	if c.loop.isClosed() {
		return ErrLoopClosed
	}

	c.state = StateConnecting
	c.connSeq++
	seq := c.connSeq
	addr := c.addr
	timeout := c.loop.Config().TCP.dialTimeout()
	loop := c.loop

	loop.wg.Add(1)
	go func() {
		defer loop.wg.Done()
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if !loop.post(func() { c.onConnectResult(seq, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
	return nil
}

func (c *TCPClient) onConnectResult(seq uint64, conn net.Conn, err error) {
	if c.Released() || seq != c.connSeq || c.state != StateConnecting {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.state = StateDisconnected
		metrics.IncrCounterWithGroup("net", "connect_failure_total", 1)
		log.Debug().Str("addr", c.addr).Err(err).Msg("tcp connect failed")
		if cb := c.OnConnect; cb != nil {
			cb(err)
		}
		return
	}

	tcpConn := conn.(*net.TCPConn)
	c.conn = tcpConn
	c.state = StateConnected
	c.io = startTCPIO(c.loop, tcpConn, func(data []byte) {
		if !c.Released() && c.connSeq == seq {
			c.receive(data)
		}
	}, func(err error) {
		if !c.Released() && c.connSeq == seq {
			log.Debug().Str("addr", c.addr).Err(err).Msg("tcp client closed")
			c.Disconnect()
		}
	})
	metrics.IncrCounterWithGroup("net", "connect_success_total", 1)
	if cb := c.OnConnect; cb != nil {
		cb(nil)
	}
}

// Disconnect drops the connection or abandons a dial in progress. Pending
// requests fail and OnDisconnect is called when a connection was up. The
// client may Connect again afterwards, also from OnDisconnect.
func (c *TCPClient) Disconnect() {
	c.disconnect(c.OnDisconnect)
}

// disconnect runs Disconnect and reports the drop to onDisconnect.
func (c *TCPClient) disconnect(onDisconnect func()) {
	if c.state == StateDisconnected {
		return
	}
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	c.connSeq++

	io := c.io
	c.io, c.conn = nil, nil
	c.recvBuf = c.recvBuf[:0]
	c.senderAddr = c.senderAddr[:0]
	c.TimeoutStop()
	gen := c.Generation()

	c.cancelRpcs()
	if wasConnected && c.Generation() == gen && onDisconnect != nil {
		onDisconnect()
	}
	if io != nil {
		io.close()
	}
}

// Release disconnects the client and removes it from the loop. The callback
// slots are cleared before OnDisconnect runs, so nothing else reaches the
// client while it is torn down.
func (c *TCPClient) Release() {
	if !c.release() {
		return
	}
	cb := c.detachCallbacks()
	c.OnConnect = nil
	c.disconnect(cb)
	c.UnbindTimeoutManager()
	c.clearBuffers()
	if cb := c.OnDispose; cb != nil {
		c.OnDispose = nil
		cb()
	}
	c.loop.removeTCPClient(c)
}

func (c *TCPClient) sendBytes(b []byte) error {
	if c.io == nil {
		return ErrNotConnected
	}
	return c.io.sendBytes(b)
}

func (c *TCPClient) disconnectImpl() {
	c.Disconnect()
}

func (c *TCPClient) disconnected() bool {
	return c.state != StateConnected
}
