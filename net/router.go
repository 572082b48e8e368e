package net

import (
	"encoding/hex"
	"errors"

	"github.com/lcx/uvloop/log"
	"github.com/lcx/uvloop/metrics"
)

// Router forwards routed packets between the connections attached to it.
// Each connection is attached under the address other endpoints use to reach
// it, and packets it sends are stamped with that address as sender.
//
// Attached connections must not have a routing address of their own, or
// their routed packets are dispatched locally instead of reaching the router.
type Router struct {
	routes map[string]Conn

	// Fallback receives packets for unknown destinations when set.
	Fallback Conn
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]Conn)}
}

// Attach registers c under addr and routes every packet c receives for
// another address through the router.
func (r *Router) Attach(c Conn, addr []byte) error {
	if err := checkRoutingAddr(addr); err != nil {
		return err
	}
	if c == nil {
		return ErrNotConnected
	}
	key := string(addr)
	if _, ok := r.routes[key]; ok {
		return ErrInvalidState
	}
	r.routes[key] = c

	src := append([]byte(nil), addr...)
	c.base().OnReceiveRouting = func(pkg []byte, addrOffset, addrLen int) {
		r.forward(src, pkg, addrOffset, addrLen)
	}
	return nil
}

// Detach forgets addr. The connection's routing callback is cleared when it
// is still the one attached.
func (r *Router) Detach(addr []byte) {
	key := string(addr)
	c, ok := r.routes[key]
	if !ok {
		return
	}
	delete(r.routes, key)
	c.base().OnReceiveRouting = nil
}

// Lookup returns the connection attached under addr.
func (r *Router) Lookup(addr []byte) Conn {
	return r.routes[string(addr)]
}

func (r *Router) Len() int {
	return len(r.routes)
}

func (r *Router) forward(src, pkg []byte, addrOffset, addrLen int) {
	dst := pkg[addrOffset : addrOffset+addrLen]
	c, ok := r.routes[string(dst)]
	if !ok {
		c = r.Fallback
	}
	if c == nil {
		metrics.IncrCounterWithGroup("net", "route_unreachable_total", 1)
		log.Debug().Str("dst", hex.EncodeToString(dst)).Str("src", hex.EncodeToString(src)).Msg("no route for packet")
		return
	}

	err := c.base().SendRoutingByRouter(pkg, addrOffset, addrLen, src)
	if err == nil {
		metrics.IncrCounterWithGroup("net", "route_forward_total", 1)
		return
	}
	log.Warn().Err(err).Str("dst", hex.EncodeToString(dst)).Msg("forward routed packet failed")
	if errors.Is(err, ErrNotConnected) && ok {
		r.Detach(dst)
	}
}
