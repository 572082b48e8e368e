package net

import "sync/atomic"

// Generation identifies one incarnation of an Object. It is drawn from a
// process wide counter, so a value is never handed out twice.
type Generation uint64

var _generation atomic.Uint64

func nextGeneration() Generation {
	return Generation(_generation.Add(1))
}

// Object is embedded by every loop owned entity. Code that runs user callbacks
// samples Generation before the call and compares it afterwards: a different
// value means the entity was released inside the callback and must not be
// touched any more.
//
// Object is not safe for concurrent use; it belongs to the loop goroutine.
type Object struct {
	gen      Generation
	released bool
}

func (o *Object) initObject() {
	o.gen = nextGeneration()
	o.released = false
}

func (o *Object) Generation() Generation {
	return o.gen
}

func (o *Object) Released() bool {
	return o.released
}

// release marks the object released and moves it to a fresh generation.
// It returns false when the object was already released.
func (o *Object) release() bool {
	if o.released {
		return false
	}
	o.released = true
	o.gen = nextGeneration()
	return true
}
