package net

import (
	"container/heap"
	"fmt"
	"sort"
	"time"

	"github.com/lcx/uvloop/log"
	"github.com/lcx/uvloop/metrics"
)

// RpcCallback receives the response payload of a request. A nil payload means
// the request failed: it timed out, was cancelled, or its connection went
// away. A real response is never nil, even when it is empty.
type RpcCallback func(serial uint32, payload []byte)

type rpcEntry struct {
	expire uint64
	seq    uint64
	serial uint32
}

// rpcQueue is a min-heap ordered by expiry tick, then insertion order.
type rpcQueue []rpcEntry

func (q rpcQueue) Len() int { return len(q) }

func (q rpcQueue) Less(i, j int) bool {
	if q[i].expire != q[j].expire {
		return q[i].expire < q[j].expire
	}
	return q[i].seq < q[j].seq
}

func (q rpcQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *rpcQueue) Push(x any) { *q = append(*q, x.(rpcEntry)) }

func (q *rpcQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}

type rpcRegistration struct {
	cb  RpcCallback
	seq uint64
}

// RpcManager correlates request serials with their callbacks. Every
// registration ends exactly once: by its response, by cancellation, or by
// timing out in Process.
//
// Heap entries are not removed when a registration ends early; Process skips
// them when they surface.
type RpcManager struct {
	ticks           uint64
	serial          uint32
	seq             uint64
	defaultInterval int

	callbacks map[uint32]rpcRegistration
	queue     rpcQueue

	timer *Timer
}

// NewRpcManager creates a table whose requests time out after defaultInterval
// Process calls unless told otherwise.
func NewRpcManager(defaultInterval int) (*RpcManager, error) {
	if defaultInterval <= 0 {
		return nil, fmt.Errorf("rpc default interval %d: %w", defaultInterval, ErrTimeoutInterval)
	}
	return &RpcManager{
		defaultInterval: defaultInterval,
		callbacks:       make(map[uint32]rpcRegistration),
	}, nil
}

// Register stores cb and returns the serial to put on the wire. The request
// times out after interval ticks; 0 or less uses the default.
func (m *RpcManager) Register(cb RpcCallback, interval int) uint32 {
	if interval <= 0 {
		interval = m.defaultInterval
	}
	m.serial++
	m.seq++

	serial := m.serial
	if _, ok := m.callbacks[serial]; ok {
		// the counter wrapped onto a request that is still waiting
		log.Warn().Uint32("serial", serial).Msg("rpc serial collision, pending callback overwritten")
		metrics.IncrCounterWithGroup("net", "rpc_serial_collision_total", 1)
	}
	m.callbacks[serial] = rpcRegistration{cb: cb, seq: m.seq}
	heap.Push(&m.queue, rpcEntry{
		expire: m.ticks + uint64(interval),
		seq:    m.seq,
		serial: serial,
	})
	metrics.IncrCounterWithGroup("net", "rpc_register_total", 1)
	return serial
}

// Callback ends the registration of serial with payload. It returns false
// when serial is not pending, in which case nothing is invoked.
func (m *RpcManager) Callback(serial uint32, payload []byte) bool {
	reg, ok := m.callbacks[serial]
	if !ok {
		return false
	}
	delete(m.callbacks, serial)
	if payload == nil {
		metrics.IncrCounterWithGroup("net", "rpc_cancel_total", 1)
	}
	if reg.cb != nil {
		reg.cb(serial, payload)
	}
	return true
}

// Unregister cancels a pending request; its callback sees a nil payload.
func (m *RpcManager) Unregister(serial uint32) bool {
	return m.Callback(serial, nil)
}

// remove drops a registration without invoking it.
func (m *RpcManager) remove(serial uint32) {
	delete(m.callbacks, serial)
}

// Process advances the clock one tick and times out every expired request.
func (m *RpcManager) Process() {
	m.ticks++
	for len(m.queue) > 0 && m.queue[0].expire <= m.ticks {
		e := heap.Pop(&m.queue).(rpcEntry)
		reg, ok := m.callbacks[e.serial]
		// a newer registration may own the serial after a wrap
		if !ok || reg.seq != e.seq {
			continue
		}
		delete(m.callbacks, e.serial)
		metrics.IncrCounterWithGroup("net", "rpc_timeout_total", 1)
		if reg.cb != nil {
			reg.cb(e.serial, nil)
		}
	}
}

// Count returns the number of heap entries, including ones already answered.
func (m *RpcManager) Count() int {
	return len(m.queue)
}

// Pending returns the number of live registrations.
func (m *RpcManager) Pending() int {
	return len(m.callbacks)
}

func (m *RpcManager) Ticks() uint64 {
	return m.ticks
}

// Close stops the driving timer and cancels every live registration.
func (m *RpcManager) Close() {
	if m.timer != nil {
		m.timer.Release()
		m.timer = nil
	}
	serials := make([]uint32, 0, len(m.callbacks))
	for s := range m.callbacks {
		serials = append(serials, s)
	}
	sort.Slice(serials, func(i, j int) bool { return serials[i] < serials[j] })
	for _, s := range serials {
		m.Callback(s, nil)
	}
	m.queue = m.queue[:0]
}

func (m *RpcManager) start(loop *Loop, interval time.Duration) error {
	t, err := loop.newTimer(interval, interval, m.Process)
	if err != nil {
		return err
	}
	m.timer = t
	return nil
}
