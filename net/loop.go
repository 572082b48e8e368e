// Package net is a single threaded event loop for packet based networking.
//
// Everything a Loop owns (listeners, connections, timers, the timing wheel and
// the rpc table) is touched only from the goroutine running Loop.Run. Socket
// and timer goroutines never call user code; they post closures to the loop.
// Other goroutines reach the loop through an Async.
//
// Connections exchange length prefixed packets (see Header): one way
// packages, requests carrying a serial, and responses echoing it. Packets
// may carry a routing address so a router can forward them between
// endpoints.
package net

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/uvloop/config"
	"github.com/lcx/uvloop/log"
	"github.com/lcx/uvloop/metrics"
)

// Loop runs callbacks for everything it owns on one goroutine.
//
//	loop, _ := net.NewLoop(&net.LoopCfg{RpcIntervalMs: 10, RpcDefaultInterval: 300})
//	ln, _ := loop.CreateTCPListener()
//	ln.OnAccept = func(p *net.TCPPeer) { p.OnReceivePackage = handle }
//	_ = ln.Listen(":7001")
//	_ = loop.Run(ctx)
//	loop.Close()
type Loop struct {
	cfg           atomic.Pointer[LoopCfg]
	configManager config.ConfigManager

	events  chan func()
	wake    chan struct{}
	stopCh  chan struct{}
	closed  chan struct{}
	closing bool
	running atomic.Bool
	wg      sync.WaitGroup

	tcpListeners []*TCPListener
	tcpClients   []*TCPClient
	udpListeners []*UDPListener
	udpClients   []*UDPClient
	timers       []*Timer
	asyncs       []*Async

	timeoutMgr  *TimeoutManager
	rpcMgr      *RpcManager
	kcpTimer    *Timer
	kcpInterval time.Duration
	udpTicks    uint64

	arqFactory    ARQFactory
	acceptLimiter *AcceptLimiter
	maxPacketSize atomic.Uint32
}

// NewLoop creates a loop from cfg, or from defaults when cfg is nil. The
// timing wheel, the rpc table and the ARQ driver are initialised when cfg
// names their intervals.
func NewLoop(cfg *LoopCfg) (*Loop, error) {
	if cfg == nil {
		cfg = &LoopCfg{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid loop config: %w", err)
	}
	c := cfg.withDefaults()

	l := &Loop{
		events:        make(chan func(), c.EventQueueSize),
		wake:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}, 1),
		closed:        make(chan struct{}),
		arqFactory:    NewKcpARQ,
		acceptLimiter: NewAcceptLimiter(c.TCP.AcceptRateLimit, c.TCP.AcceptBurst),
	}
	l.cfg.Store(c)
	l.maxPacketSize.Store(c.MaxPacketSize)

	if cfg.TimeoutIntervalMs > 0 {
		if err := l.InitTimeoutManager(msToDuration(c.TimeoutIntervalMs), c.WheelLen, c.TimeoutDefaultInterval); err != nil {
			l.Close()
			return nil, err
		}
	}
	if cfg.RpcIntervalMs > 0 {
		if err := l.InitRpcManager(msToDuration(c.RpcIntervalMs), c.RpcDefaultInterval); err != nil {
			l.Close()
			return nil, err
		}
	}
	if cfg.KcpIntervalMs > 0 {
		if err := l.InitKcpFlushInterval(msToDuration(c.KcpIntervalMs)); err != nil {
			l.Close()
			return nil, err
		}
	}
	return l, nil
}

// NewLoopWithConfigManager creates a loop from the "uv_loop" section and
// follows its reloads.
func NewLoopWithConfigManager(configManager config.ConfigManager) (*Loop, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}

	cfg := &LoopCfg{}
	if err := configManager.LoadConfig(LoopConfigName, cfg); err != nil {
		return nil, fmt.Errorf("failed to load %s config: %w", LoopConfigName, err)
	}
	l, err := NewLoop(cfg)
	if err != nil {
		return nil, err
	}
	l.configManager = configManager
	configManager.AddChangeListener(l)
	return l, nil
}

// OnConfigChanged applies the reloadable part of a new "uv_loop" section.
// It may run on any goroutine.
func (l *Loop) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != LoopConfigName {
		return nil
	}
	newCfg, ok := newConfig.(*LoopCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for loop")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid loop configuration: %w", err)
	}

	c := newCfg.withDefaults()
	l.cfg.Store(c)
	l.acceptLimiter.Reload(c.TCP.AcceptRateLimit, c.TCP.AcceptBurst)
	l.maxPacketSize.Store(c.MaxPacketSize)

	log.Info().Str("configName", configName).
		Int("acceptRateLimit", c.TCP.AcceptRateLimit).
		Uint32("maxPacketSize", c.MaxPacketSize).
		Msg("loop configuration updated")
	return nil
}

func (l *Loop) GetConfigName() string {
	return LoopConfigName
}

// Config returns the configuration in effect, defaults applied.
func (l *Loop) Config() *LoopCfg {
	return l.cfg.Load()
}

// SetARQFactory replaces the engine used by UDP connections created afterwards.
func (l *Loop) SetARQFactory(f ARQFactory) {
	if f == nil {
		f = NewKcpARQ
	}
	l.arqFactory = f
}

func (l *Loop) TimeoutManager() *TimeoutManager {
	return l.timeoutMgr
}

func (l *Loop) RpcManager() *RpcManager {
	return l.rpcMgr
}

// InitTimeoutManager creates the loop's timing wheel, advanced once per interval.
func (l *Loop) InitTimeoutManager(interval time.Duration, wheelLen, defaultInterval int) error {
	if l.timeoutMgr != nil {
		return ErrAlreadyInitialized
	}
	if interval <= 0 {
		return fmt.Errorf("timeout manager interval %v: %w", interval, ErrTimeoutInterval)
	}
	m, err := NewTimeoutManager(wheelLen, defaultInterval)
	if err != nil {
		return err
	}
	if err := m.start(l, interval); err != nil {
		return err
	}
	l.timeoutMgr = m
	return nil
}

// InitRpcManager creates the loop's rpc table, advanced once per interval.
func (l *Loop) InitRpcManager(interval time.Duration, defaultInterval int) error {
	if l.rpcMgr != nil {
		return ErrAlreadyInitialized
	}
	if interval <= 0 {
		return fmt.Errorf("rpc manager interval %v: %w", interval, ErrTimeoutInterval)
	}
	m, err := NewRpcManager(defaultInterval)
	if err != nil {
		return err
	}
	if err := m.start(l, interval); err != nil {
		return err
	}
	l.rpcMgr = m
	return nil
}

// InitKcpFlushInterval starts the driver updating every UDP connection's ARQ
// once per interval. UDP listeners and clients start it with the configured
// interval when it is not running yet.
func (l *Loop) InitKcpFlushInterval(interval time.Duration) error {
	if l.kcpTimer != nil {
		return ErrAlreadyInitialized
	}
	if interval < time.Millisecond {
		return fmt.Errorf("kcp flush interval %v: %w", interval, ErrTimeoutInterval)
	}
	t, err := l.newTimer(interval, interval, l.updateARQ)
	if err != nil {
		return err
	}
	l.kcpTimer = t
	l.kcpInterval = interval
	return nil
}

func (l *Loop) ensureKcpDriver() error {
	if l.kcpTimer != nil {
		return nil
	}
	return l.InitKcpFlushInterval(msToDuration(l.Config().KcpIntervalMs))
}

// updateARQ advances the UDP clock and updates every listener's peers, then
// every client.
func (l *Loop) updateARQ() {
	l.udpTicks += uint64(l.kcpInterval / time.Millisecond)
	now := uint32(l.udpTicks)

	listeners := append([]*UDPListener(nil), l.udpListeners...)
	for _, ln := range listeners {
		if !ln.Released() {
			ln.update(now)
		}
	}
	clients := append([]*UDPClient(nil), l.udpClients...)
	for i := len(clients) - 1; i >= 0; i-- {
		if !clients[i].Released() {
			clients[i].update(now)
		}
	}
}

// Run dispatches events until ctx is done, Stop is called or the loop is
// closed. Panics raised by callbacks are not recovered.
func (l *Loop) Run(ctx context.Context) error {
	if l.isClosed() {
		return ErrLoopClosed
	}
	if !l.running.CompareAndSwap(false, true) {
		return ErrInvalidState
	}
	defer l.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.stopCh:
			return nil
		case <-l.closed:
			return nil
		case fn := <-l.events:
			fn()
		case <-l.wake:
			l.runAsyncs()
		}
	}
}

// Stop makes Run return. It is safe from any goroutine.
func (l *Loop) Stop() {
	select {
	case l.stopCh <- struct{}{}:
	default:
	}
}

// Alive reports whether the loop is open and still owns something to run.
func (l *Loop) Alive() bool {
	if l.isClosed() {
		return false
	}
	return len(l.tcpListeners)+len(l.tcpClients)+len(l.udpListeners)+len(l.udpClients)+
		len(l.timers)+len(l.asyncs) > 0 || l.timeoutMgr != nil || l.rpcMgr != nil
}

func (l *Loop) Running() bool {
	return l.running.Load()
}

func (l *Loop) runAsyncs() {
	asyncs := append([]*Async(nil), l.asyncs...)
	for _, a := range asyncs {
		if a.pending.Swap(false) {
			a.drain()
		}
	}
}

func (l *Loop) wakeup() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// post queues fn to run on the loop goroutine. It returns false once the
// loop is closed, in which case fn never runs.
func (l *Loop) post(fn func()) bool {
	select {
	case <-l.closed:
		return false
	default:
	}
	select {
	case l.events <- fn:
		return true
	case <-l.closed:
		return false
	}
}

func (l *Loop) isClosed() bool {
	if l.closing {
		return true
	}
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// Close releases everything the loop owns: UDP listeners with their peers,
// UDP clients, TCP listeners with their peers, TCP clients, the ARQ driver,
// the rpc table, the timing wheel, timers and asyncs, in that order. It then
// waits for socket goroutines to exit, running the events they post in the
// meantime.
//
// Close must be called from the loop goroutine or after Run returned.
func (l *Loop) Close() {
	if l.closing {
		return
	}
	l.closing = true

	if l.configManager != nil {
		l.configManager.RemoveChangeListener(l)
	}

	for _, ln := range reversed(l.udpListeners) {
		ln.Release()
	}
	for _, c := range reversed(l.udpClients) {
		c.Release()
	}
	for _, ln := range reversed(l.tcpListeners) {
		ln.Release()
	}
	for _, c := range reversed(l.tcpClients) {
		c.Release()
	}
	if l.kcpTimer != nil {
		l.kcpTimer.Release()
		l.kcpTimer = nil
	}
	if l.rpcMgr != nil {
		l.rpcMgr.Close()
	}
	if l.timeoutMgr != nil {
		l.timeoutMgr.Close()
	}
	for _, t := range reversed(l.timers) {
		t.Release()
	}
	for _, a := range reversed(l.asyncs) {
		a.Release()
	}

	close(l.closed)

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	for {
		select {
		case fn := <-l.events:
			fn()
		case <-done:
			for {
				select {
				case fn := <-l.events:
					fn()
				default:
					log.Debug().Msg("loop closed")
					return
				}
			}
		}
	}
}

func reversed[T any](s []T) []T {
	r := make([]T, len(s))
	for i, v := range s {
		r[len(s)-1-i] = v
	}
	return r
}

// indexed is implemented by everything the loop keeps in a swap-remove slice.
type indexed interface {
	comparable
	slot() *int
}

func appendIndexed[T indexed](s []T, v T) []T {
	*v.slot() = len(s)
	return append(s, v)
}

func removeIndexed[T indexed](s []T, v T) []T {
	i := *v.slot()
	if i < 0 || i >= len(s) || s[i] != v {
		return s
	}
	last := len(s) - 1
	s[i] = s[last]
	*s[i].slot() = i
	var zero T
	s[last] = zero
	*v.slot() = -1
	return s[:last]
}

func (t *Timer) slot() *int       { return &t.index }
func (a *Async) slot() *int       { return &a.index }
func (l *TCPListener) slot() *int { return &l.index }
func (c *TCPClient) slot() *int   { return &c.index }
func (l *UDPListener) slot() *int { return &l.index }
func (c *UDPClient) slot() *int   { return &c.index }
func (p *TCPPeer) slot() *int     { return &p.index }

func (l *Loop) removeTimer(t *Timer)             { l.timers = removeIndexed(l.timers, t) }
func (l *Loop) removeAsync(a *Async)             { l.asyncs = removeIndexed(l.asyncs, a) }
func (l *Loop) removeTCPListener(x *TCPListener) { l.tcpListeners = removeIndexed(l.tcpListeners, x) }
func (l *Loop) removeTCPClient(x *TCPClient)     { l.tcpClients = removeIndexed(l.tcpClients, x) }
func (l *Loop) removeUDPListener(x *UDPListener) { l.udpListeners = removeIndexed(l.udpListeners, x) }
func (l *Loop) removeUDPClient(x *UDPClient)     { l.udpClients = removeIndexed(l.udpClients, x) }

// CreateTimer starts a timer calling onFire after timeout, then every repeat.
func (l *Loop) CreateTimer(timeout, repeat time.Duration, onFire func()) (*Timer, error) {
	t, err := l.newTimer(timeout, repeat, onFire)
	if err != nil {
		return nil, err
	}
	l.timers = appendIndexed(l.timers, t)
	return t, nil
}

func (l *Loop) CreateAsync() (*Async, error) {
	if l.isClosed() {
		return nil, ErrLoopClosed
	}
	a := &Async{loop: l}
	a.initObject()
	l.asyncs = appendIndexed(l.asyncs, a)
	return a, nil
}

func (l *Loop) CreateTCPListener() (*TCPListener, error) {
	if l.isClosed() {
		return nil, ErrLoopClosed
	}
	ln := &TCPListener{loop: l}
	ln.initObject()
	l.tcpListeners = appendIndexed(l.tcpListeners, ln)
	metrics.UpdateGaugeWithGroup("net", "tcp_listeners", metrics.Value(len(l.tcpListeners)))
	return ln, nil
}

func (l *Loop) CreateTCPClient() (*TCPClient, error) {
	if l.isClosed() {
		return nil, ErrLoopClosed
	}
	c := &TCPClient{}
	c.initConn(l, c)
	l.tcpClients = appendIndexed(l.tcpClients, c)
	return c, nil
}

func (l *Loop) CreateUDPListener() (*UDPListener, error) {
	if l.isClosed() {
		return nil, ErrLoopClosed
	}
	if err := l.ensureKcpDriver(); err != nil {
		return nil, err
	}
	ln := newUDPListener(l)
	l.udpListeners = appendIndexed(l.udpListeners, ln)
	return ln, nil
}

func (l *Loop) CreateUDPClient() (*UDPClient, error) {
	if l.isClosed() {
		return nil, ErrLoopClosed
	}
	if err := l.ensureKcpDriver(); err != nil {
		return nil, err
	}
	c := &UDPClient{}
	c.initConn(l, c)
	l.udpClients = appendIndexed(l.udpClients, c)
	return c, nil
}
