package net

import (
	"fmt"
	"time"
)

// Timeouter is the timing wheel entry embedded in every connection. The list
// links live inside the entry, so scheduling and cancelling never allocate.
type Timeouter struct {
	Object

	prev  *Timeouter
	next  *Timeouter
	index int // slot index, -1 when not scheduled

	timeoutMgr *TimeoutManager

	// OnTimeout runs on the loop goroutine when the entry expires. It may
	// release or reschedule its owner.
	OnTimeout func()
}

func (t *Timeouter) initTimeouter() {
	t.initObject()
	t.prev, t.next = nil, nil
	t.index = -1
}

// BindTimeoutManager attaches the entry to m. An entry can be bound once.
func (t *Timeouter) BindTimeoutManager(m *TimeoutManager) error {
	if m == nil {
		return ErrTimeoutNotInitialized
	}
	if t.timeoutMgr != nil {
		return ErrAlreadyInitialized
	}
	t.timeoutMgr = m
	return nil
}

// UnbindTimeoutManager cancels a pending timeout and detaches the entry.
func (t *Timeouter) UnbindTimeoutManager() {
	t.TimeoutStop()
	t.timeoutMgr = nil
}

// TimeoutReset (re)schedules the entry interval ticks from now. 0 uses the
// manager's default interval.
func (t *Timeouter) TimeoutReset(interval int) error {
	if t.timeoutMgr == nil {
		return ErrTimeoutNotInitialized
	}
	return t.timeoutMgr.AddOrUpdate(t, interval)
}

// TimeoutStop cancels a pending timeout. It is a no-op when none is pending.
func (t *Timeouter) TimeoutStop() {
	if t.index >= 0 && t.timeoutMgr != nil {
		_ = t.timeoutMgr.Remove(t)
	}
}

// Timeouting reports whether a timeout is pending.
func (t *Timeouter) Timeouting() bool {
	return t.index >= 0
}

// TimeoutManager is a timing wheel of len(slots) slots. Process advances the
// cursor by one slot per tick; an entry added with interval k fires on the
// k-th following Process call.
//
// Entries of one slot fire head first, which is the reverse of insertion order.
type TimeoutManager struct {
	slots           []*Timeouter
	cursor          int
	defaultInterval int
	count           int

	timer *Timer
}

// NewTimeoutManager creates a wheel of wheelLen slots. defaultInterval must be in [1, wheelLen).
func NewTimeoutManager(wheelLen, defaultInterval int) (*TimeoutManager, error) {
	if wheelLen < 2 {
		return nil, fmt.Errorf("wheel length %d: %w", wheelLen, ErrTimeoutInterval)
	}
	if defaultInterval < 1 || defaultInterval >= wheelLen {
		return nil, fmt.Errorf("default interval %d not in [1,%d): %w", defaultInterval, wheelLen, ErrTimeoutInterval)
	}
	return &TimeoutManager{
		slots:           make([]*Timeouter, wheelLen),
		defaultInterval: defaultInterval,
	}, nil
}

func (m *TimeoutManager) WheelLen() int {
	return len(m.slots)
}

func (m *TimeoutManager) DefaultInterval() int {
	return m.defaultInterval
}

// Count returns the number of scheduled entries.
func (m *TimeoutManager) Count() int {
	return m.count
}

// Add schedules t. t must not be scheduled already; interval must be in
// [0, WheelLen), 0 meaning the default.
func (m *TimeoutManager) Add(t *Timeouter, interval int) error {
	if t.index >= 0 {
		return ErrInvalidState
	}
	if interval == 0 {
		interval = m.defaultInterval
	}
	if interval < 0 || interval >= len(m.slots) {
		return fmt.Errorf("interval %d not in [0,%d): %w", interval, len(m.slots), ErrTimeoutInterval)
	}

	slot := (m.cursor + interval) % len(m.slots)
	t.prev = nil
	t.next = m.slots[slot]
	if t.next != nil {
		t.next.prev = t
	}
	m.slots[slot] = t
	t.index = slot
	m.count++
	return nil
}

// Remove unschedules t. It fails when t is not scheduled.
func (m *TimeoutManager) Remove(t *Timeouter) error {
	if t.index < 0 {
		return ErrInvalidState
	}
	m.unlink(t)
	return nil
}

// AddOrUpdate removes t if scheduled, then adds it again, restarting the countdown.
func (m *TimeoutManager) AddOrUpdate(t *Timeouter, interval int) error {
	if t.index >= 0 {
		m.unlink(t)
	}
	return m.Add(t, interval)
}

func (m *TimeoutManager) unlink(t *Timeouter) {
	if t.prev != nil {
		t.prev.next = t.next
	} else {
		m.slots[t.index] = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	}
	t.prev, t.next = nil, nil
	t.index = -1
	m.count--
}

// Process advances the cursor and fires every entry in the slot it lands on.
// Each entry is unlinked before its callback runs, so the callback may
// release its owner or schedule it again without the wheel touching it
// afterwards. A rescheduled entry never lands in the slot being fired since
// intervals are at least 1.
func (m *TimeoutManager) Process() {
	m.cursor = (m.cursor + 1) % len(m.slots)
	slot := m.cursor
	for {
		t := m.slots[slot]
		if t == nil {
			break
		}
		m.unlink(t)
		if cb := t.OnTimeout; cb != nil {
			cb()
		}
	}
}

// Clear unschedules every entry and rewinds the cursor.
func (m *TimeoutManager) Clear() {
	for i := range m.slots {
		for t := m.slots[i]; t != nil; t = m.slots[i] {
			m.unlink(t)
		}
	}
	m.cursor = 0
}

// Close stops the driving timer and unschedules every entry.
func (m *TimeoutManager) Close() {
	if m.timer != nil {
		m.timer.Release()
		m.timer = nil
	}
	m.Clear()
}

// start drives the wheel from a loop timer firing every interval.
func (m *TimeoutManager) start(loop *Loop, interval time.Duration) error {
	t, err := loop.newTimer(interval, interval, m.Process)
	if err != nil {
		return err
	}
	m.timer = t
	return nil
}
