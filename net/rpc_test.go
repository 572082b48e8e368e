package net

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcResult struct {
	serial  uint32
	payload []byte
}

func recordRpc(out *[]rpcResult) RpcCallback {
	return func(serial uint32, payload []byte) {
		*out = append(*out, rpcResult{serial, payload})
	}
}

func TestRpcResponseThenTimeout(t *testing.T) {
	m, err := NewRpcManager(3)
	require.NoError(t, err)

	var got []rpcResult
	s := m.Register(recordRpc(&got), 0)
	assert.Equal(t, uint32(1), s)
	assert.Equal(t, 1, m.Pending())

	assert.True(t, m.Callback(s, []byte{}))
	require.Len(t, got, 1)
	assert.NotNil(t, got[0].payload)

	// the heap entry outlives the registration but never fires
	assert.Equal(t, 1, m.Count())
	for i := 0; i < 5; i++ {
		m.Process()
	}
	assert.Len(t, got, 1)
	assert.Equal(t, 0, m.Count())

	assert.False(t, m.Callback(s, []byte("late")))
}

func TestRpcTimeoutThenResponse(t *testing.T) {
	m, err := NewRpcManager(10)
	require.NoError(t, err)

	var got []rpcResult
	s := m.Register(recordRpc(&got), 2)

	m.Process()
	assert.Empty(t, got)
	m.Process()
	require.Len(t, got, 1)
	assert.Nil(t, got[0].payload)
	assert.Equal(t, s, got[0].serial)

	assert.False(t, m.Callback(s, []byte("late")))
	assert.Len(t, got, 1)
	assert.Equal(t, 0, m.Pending())
}

func TestRpcUnregister(t *testing.T) {
	m, err := NewRpcManager(2)
	require.NoError(t, err)

	var got []rpcResult
	s := m.Register(recordRpc(&got), 0)
	assert.True(t, m.Unregister(s))
	require.Len(t, got, 1)
	assert.Nil(t, got[0].payload)

	assert.False(t, m.Unregister(s))
	m.Process()
	m.Process()
	assert.Len(t, got, 1)
}

func TestRpcTimeoutOrder(t *testing.T) {
	m, err := NewRpcManager(5)
	require.NoError(t, err)

	var got []rpcResult
	a := m.Register(recordRpc(&got), 3)
	b := m.Register(recordRpc(&got), 1)
	c := m.Register(recordRpc(&got), 3)

	m.Process()
	require.Len(t, got, 1)
	assert.Equal(t, b, got[0].serial)

	m.Process()
	m.Process()
	require.Len(t, got, 3)
	// same expiry fires in registration order
	assert.Equal(t, a, got[1].serial)
	assert.Equal(t, c, got[2].serial)
}

func TestRpcSerialWraps(t *testing.T) {
	m, err := NewRpcManager(5)
	require.NoError(t, err)
	m.serial = math.MaxUint32 - 1

	assert.Equal(t, uint32(math.MaxUint32), m.Register(nil, 0))
	assert.Equal(t, uint32(0), m.Register(nil, 0))
	assert.Equal(t, uint32(1), m.Register(nil, 0))
}

func TestRpcSerialCollisionOverwrites(t *testing.T) {
	m, err := NewRpcManager(5)
	require.NoError(t, err)

	var first, second []rpcResult
	s := m.Register(recordRpc(&first), 2)

	// force the counter back onto the pending serial
	m.serial = s - 1
	assert.Equal(t, s, m.Register(recordRpc(&second), 4))
	assert.Equal(t, 1, m.Pending())

	// the stale heap entry of the first registration must not time out the second
	m.Process()
	m.Process()
	assert.Empty(t, first)
	assert.Empty(t, second)

	m.Process()
	m.Process()
	assert.Empty(t, first)
	require.Len(t, second, 1)
	assert.Nil(t, second[0].payload)
}

func TestRpcCallbackRegistersAgain(t *testing.T) {
	m, err := NewRpcManager(1)
	require.NoError(t, err)

	var got []rpcResult
	var retry RpcCallback
	retry = func(serial uint32, payload []byte) {
		got = append(got, rpcResult{serial, payload})
		if len(got) < 3 {
			m.Register(retry, 1)
		}
	}
	m.Register(retry, 1)

	for i := 0; i < 5; i++ {
		m.Process()
	}
	assert.Len(t, got, 3)
	assert.Equal(t, 0, m.Pending())
}

func TestRpcClose(t *testing.T) {
	m, err := NewRpcManager(5)
	require.NoError(t, err)

	var got []rpcResult
	for i := 0; i < 3; i++ {
		m.Register(recordRpc(&got), 0)
	}
	m.Callback(2, []byte("ok"))

	m.Close()
	require.Len(t, got, 3)
	assert.Equal(t, uint32(1), got[1].serial)
	assert.Nil(t, got[1].payload)
	assert.Equal(t, uint32(3), got[2].serial)
	assert.Nil(t, got[2].payload)
	assert.Equal(t, 0, m.Pending())
	assert.Equal(t, 0, m.Count())
}

func TestNewRpcManagerValidation(t *testing.T) {
	_, err := NewRpcManager(0)
	assert.ErrorIs(t, err, ErrTimeoutInterval)
}
