package net

import (
	"sync"
	"sync/atomic"

	"github.com/lcx/uvloop/metrics"
)

// Async runs actions on the loop goroutine on behalf of other goroutines.
//
//	a, _ := loop.CreateAsync()
//	go func() {
//		result := compute()
//		_ = a.Dispatch(func() { peer.Send(result) })
//	}()
//
// Actions run in dispatch order. Dispatch is safe from any goroutine,
// including the loop goroutine itself.
type Async struct {
	Object

	loop  *Loop
	index int

	mu      sync.Mutex
	actions []func()
	closed  bool

	// pending is set when actions were queued since the loop last drained.
	pending atomic.Bool

	OnDispose func()
}

// Dispatch queues action and wakes the loop. It fails once the Async is released.
func (a *Async) Dispatch(action func()) error {
	if action == nil {
		return nil
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrReleased
	}
	a.actions = append(a.actions, action)
	a.mu.Unlock()

	metrics.IncrCounterWithGroup("net", "async_dispatch_total", 1)
	if a.pending.CompareAndSwap(false, true) {
		a.loop.wakeup()
	}
	return nil
}

// Len returns the number of queued actions.
func (a *Async) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.actions)
}

// drain runs queued actions one at a time until the queue is empty. The lock
// is not held while an action runs, so actions may dispatch more actions.
func (a *Async) drain() {
	for !a.Released() {
		a.mu.Lock()
		if len(a.actions) == 0 {
			a.mu.Unlock()
			return
		}
		action := a.actions[0]
		a.actions[0] = nil
		a.actions = a.actions[1:]
		if len(a.actions) == 0 {
			a.actions = nil
		}
		a.mu.Unlock()

		action()
	}
}

// Release drops every queued action and removes the Async from the loop.
func (a *Async) Release() {
	if !a.release() {
		return
	}
	a.mu.Lock()
	a.closed = true
	a.actions = nil
	a.mu.Unlock()

	if cb := a.OnDispose; cb != nil {
		a.OnDispose = nil
		cb()
	}
	a.loop.removeAsync(a)
}
