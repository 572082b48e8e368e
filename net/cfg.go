package net

import (
	"fmt"
	"time"
)

// LoopConfigName is the config section a loop is loaded from and listens on.
const LoopConfigName = "uv_loop"

// LoopCfg configures a Loop. Zero values mean the default, so a section only
// needs to name what it changes.
//
// Only the rate limits and MaxPacketSize are applied on reload; everything else
// is read when the loop or a connection is created.
type LoopCfg struct {
	// KcpIntervalMs is the ARQ update cadence. Default 10.
	KcpIntervalMs int `mapstructure:"kcpIntervalMs"`

	// TimeoutIntervalMs drives the timing wheel. 0 leaves the wheel uninitialised.
	TimeoutIntervalMs      int `mapstructure:"timeoutIntervalMs"`
	WheelLen               int `mapstructure:"wheelLen"`
	TimeoutDefaultInterval int `mapstructure:"timeoutDefaultInterval"`

	// RpcIntervalMs drives the rpc table. 0 leaves it uninitialised.
	RpcIntervalMs      int `mapstructure:"rpcIntervalMs"`
	RpcDefaultInterval int `mapstructure:"rpcDefaultInterval"`

	// EventQueueSize bounds the queue socket goroutines post to. Default 1024.
	EventQueueSize int `mapstructure:"eventQueueSize"`

	// MaxPacketSize bounds the data length of a received packet. Default 16 MiB.
	MaxPacketSize uint32 `mapstructure:"maxPacketSize"`

	TCP TCPCfg `mapstructure:"tcp"`
	Kcp KcpCfg `mapstructure:"kcp"`
}

type TCPCfg struct {
	SendChannelSize int `mapstructure:"sendChannelSize"`
	ReadBufferSize  int `mapstructure:"readBufferSize"`
	DialTimeoutMs   int `mapstructure:"dialTimeoutMs"`

	// AcceptRateLimit is accepted connections per second. 0 is unlimited.
	AcceptRateLimit int `mapstructure:"acceptRateLimit"`
	AcceptBurst     int `mapstructure:"acceptBurst"`

	// RecvRateLimit paces socket reads per connection. 0 is unlimited.
	RecvRateLimit int `mapstructure:"recvRateLimit"`
}

// KcpCfg carries the tuning knobs of the default ARQ engine.
type KcpCfg struct {
	SndWnd   int `mapstructure:"sndWnd"`
	RcvWnd   int `mapstructure:"rcvWnd"`
	NoDelay  int `mapstructure:"noDelay"`
	Interval int `mapstructure:"interval"`
	Resend   int `mapstructure:"resend"`
	NC       int `mapstructure:"nc"`
	Mtu      int `mapstructure:"mtu"`
}

const (
	defaultKcpIntervalMs   = 10
	defaultEventQueueSize  = 1024
	defaultWheelLen        = 256
	defaultSendChannelSize = 256
	defaultReadBufferSize  = 64 * 1024
	defaultDialTimeoutMs   = 5000
	defaultMaxPacketSize   = 16 << 20
)

func (c *LoopCfg) GetName() string {
	return LoopConfigName
}

func (c *LoopCfg) Validate() error {
	if c.KcpIntervalMs < 0 || c.TimeoutIntervalMs < 0 || c.RpcIntervalMs < 0 {
		return fmt.Errorf("intervals must not be negative")
	}
	if c.EventQueueSize < 0 {
		return fmt.Errorf("eventQueueSize must not be negative: %d", c.EventQueueSize)
	}
	if c.WheelLen != 0 && c.WheelLen < 2 {
		return fmt.Errorf("wheelLen must be at least 2: %d", c.WheelLen)
	}
	wheelLen := c.WheelLen
	if wheelLen == 0 {
		wheelLen = defaultWheelLen
	}
	if c.TimeoutDefaultInterval < 0 || c.TimeoutDefaultInterval >= wheelLen {
		return fmt.Errorf("timeoutDefaultInterval must be in [0,%d): %d", wheelLen, c.TimeoutDefaultInterval)
	}
	if c.RpcDefaultInterval < 0 {
		return fmt.Errorf("rpcDefaultInterval must not be negative: %d", c.RpcDefaultInterval)
	}
	if c.TCP.SendChannelSize < 0 || c.TCP.ReadBufferSize < 0 || c.TCP.DialTimeoutMs < 0 {
		return fmt.Errorf("tcp settings must not be negative")
	}
	if c.Kcp.SndWnd < 0 || c.Kcp.RcvWnd < 0 || c.Kcp.Mtu < 0 {
		return fmt.Errorf("kcp settings must not be negative")
	}
	if c.Kcp.Mtu != 0 && c.Kcp.Mtu <= SessionIDLen+ARQOverhead {
		return fmt.Errorf("kcp mtu too small: %d", c.Kcp.Mtu)
	}
	return nil
}

// withDefaults returns a copy of c with every zero value replaced by its default.
func (c *LoopCfg) withDefaults() *LoopCfg {
	n := *c
	if n.KcpIntervalMs == 0 {
		n.KcpIntervalMs = defaultKcpIntervalMs
	}
	if n.EventQueueSize == 0 {
		n.EventQueueSize = defaultEventQueueSize
	}
	if n.WheelLen == 0 {
		n.WheelLen = defaultWheelLen
	}
	if n.TimeoutDefaultInterval == 0 {
		n.TimeoutDefaultInterval = n.WheelLen - 1
	}
	if n.RpcDefaultInterval == 0 {
		n.RpcDefaultInterval = 300
	}
	if n.MaxPacketSize == 0 {
		n.MaxPacketSize = defaultMaxPacketSize
	}
	if n.TCP.SendChannelSize == 0 {
		n.TCP.SendChannelSize = defaultSendChannelSize
	}
	if n.TCP.ReadBufferSize == 0 {
		n.TCP.ReadBufferSize = defaultReadBufferSize
	}
	if n.TCP.DialTimeoutMs == 0 {
		n.TCP.DialTimeoutMs = defaultDialTimeoutMs
	}
	n.Kcp = n.Kcp.withDefaults()
	return &n
}

func (c KcpCfg) withDefaults() KcpCfg {
	if c.SndWnd == 0 {
		c.SndWnd = 128
	}
	if c.RcvWnd == 0 {
		c.RcvWnd = 128
	}
	if c.NoDelay == 0 {
		c.NoDelay = 1
	}
	if c.Interval == 0 {
		c.Interval = 10
	}
	if c.Resend == 0 {
		c.Resend = 2
	}
	if c.NC == 0 {
		c.NC = 1
	}
	if c.Mtu == 0 {
		c.Mtu = 1400
	}
	return c
}

func (c *TCPCfg) dialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMs) * time.Millisecond
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
