package net

import "errors"

var (
	ErrInvalidState          = errors.New("net: invalid state")
	ErrAlreadyInitialized    = errors.New("net: already initialized")
	ErrRpcNotInitialized     = errors.New("net: rpc manager not initialized")
	ErrTimeoutNotInitialized = errors.New("net: timeout manager not initialized")
	ErrSendQueueFull         = errors.New("net: send queue full")
	ErrReleased              = errors.New("net: object released")
	ErrAddrLen               = errors.New("net: routing address length out of range")
	ErrPacketTooLarge        = errors.New("net: packet too large")
	ErrNotConnected          = errors.New("net: not connected")
	ErrTimeoutInterval       = errors.New("net: timeout interval out of range")
	ErrLoopClosed            = errors.New("net: loop closed")

	// ErrHeaderShort means more bytes are needed before the header can be decoded.
	ErrHeaderShort = errors.New("net: header incomplete")
	ErrZeroLength  = errors.New("net: zero length packet")
	ErrInvalidKind = errors.New("net: invalid packet kind")
	ErrMalformed   = errors.New("net: malformed packet")
)
