package net

import (
	"sync/atomic"
	"time"
)

// timerArm is one scheduling of a Timer. The goroutine driving it only ever
// talks to the loop through post, and at most one fire per arm is queued at
// a time.
type timerArm struct {
	stop     chan struct{}
	inflight atomic.Bool
}

// Timer calls onFire on the loop goroutine after timeout, then every repeat.
// A zero repeat makes it one shot.
type Timer struct {
	Object

	loop  *Loop
	index int // position in loop.timers, -1 for timers owned by a manager

	timeout time.Duration
	repeat  time.Duration
	onFire  func()
	started bool

	arm *timerArm

	OnDispose func()
}

// newTimer creates and starts a timer that is not tracked by the loop.
func (l *Loop) newTimer(timeout, repeat time.Duration, onFire func()) (*Timer, error) {
	if l.isClosed() {
		return nil, ErrLoopClosed
	}
	t := &Timer{loop: l, index: -1, onFire: onFire}
	t.initObject()
	if err := t.Start(timeout, repeat); err != nil {
		return nil, err
	}
	return t, nil
}

// Start (re)arms the timer. A timer that is already running is rescheduled.
func (t *Timer) Start(timeout, repeat time.Duration) error {
	if t.Released() {
		return ErrReleased
	}
	if t.loop.isClosed() {
		return ErrLoopClosed
	}
	t.disarm()
	if timeout < 0 {
		timeout = 0
	}
	t.timeout, t.repeat = timeout, repeat
	t.started = true

	a := &timerArm{stop: make(chan struct{})}
	t.arm = a
	t.loop.wg.Add(1)
	go t.run(a, timeout, repeat)
	return nil
}

func (t *Timer) run(a *timerArm, timeout, repeat time.Duration) {
	defer t.loop.wg.Done()

	tm := time.NewTimer(timeout)
	defer tm.Stop()
	select {
	case <-a.stop:
		return
	case <-t.loop.closed:
		return
	case <-tm.C:
	}
	t.post(a)
	if repeat <= 0 {
		return
	}

	tk := time.NewTicker(repeat)
	defer tk.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-t.loop.closed:
			return
		case <-tk.C:
			t.post(a)
		}
	}
}

func (t *Timer) post(a *timerArm) {
	if !a.inflight.CompareAndSwap(false, true) {
		return
	}
	t.loop.post(func() { t.fire(a) })
}

func (t *Timer) fire(a *timerArm) {
	a.inflight.Store(false)
	if t.Released() || t.arm != a {
		return
	}
	if t.repeat <= 0 {
		t.disarm()
	}
	if t.onFire != nil {
		t.onFire()
	}
}

func (t *Timer) disarm() {
	if t.arm != nil {
		close(t.arm.stop)
		t.arm = nil
	}
}

// Stop cancels the timer. A fire already queued on the loop is discarded.
func (t *Timer) Stop() {
	t.disarm()
}

// Again restarts the timer with repeat as its timeout. It fails on a timer
// that was never started and does nothing when repeat is zero.
func (t *Timer) Again() error {
	if !t.started {
		return ErrInvalidState
	}
	if t.repeat <= 0 {
		return nil
	}
	return t.Start(t.repeat, t.repeat)
}

// SetRepeat changes the repeat interval used from the next Start or Again on.
func (t *Timer) SetRepeat(repeat time.Duration) {
	t.repeat = repeat
}

func (t *Timer) Repeat() time.Duration {
	return t.repeat
}

// Active reports whether a fire is scheduled.
func (t *Timer) Active() bool {
	return t.arm != nil
}

// Release stops the timer and removes it from the loop.
func (t *Timer) Release() {
	if !t.release() {
		return
	}
	t.disarm()
	t.onFire = nil
	if cb := t.OnDispose; cb != nil {
		t.OnDispose = nil
		cb()
	}
	if t.index >= 0 {
		t.loop.removeTimer(t)
	}
}
