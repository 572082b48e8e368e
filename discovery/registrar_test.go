package discovery

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistrar(t *testing.T, cfg ConsulCfg) *Registrar {
	t.Helper()
	if cfg.ServiceName == "" {
		cfg.ServiceName = "gate"
	}
	r, err := NewRegistrar(&cfg)
	require.NoError(t, err)
	return r
}

func TestConsulCfgValidate(t *testing.T) {
	assert.Error(t, (&ConsulCfg{}).Validate())
	assert.Error(t, (&ConsulCfg{ServiceName: "gate", CheckIntervalMs: -1}).Validate())
	assert.NoError(t, (&ConsulCfg{ServiceName: "gate"}).Validate())

	_, err := NewRegistrar(nil)
	assert.Error(t, err)
	_, err = NewRegistrar(&ConsulCfg{})
	assert.Error(t, err)
}

func TestBuildRegistrationTCP(t *testing.T) {
	r := newTestRegistrar(t, ConsulCfg{Tags: []string{"zone1"}, CheckIntervalMs: 2000, DeregisterAfterMs: 60000})

	reg, err := r.BuildRegistration("gate-1", &net.TCPAddr{IP: net.IPv4(10, 0, 0, 3), Port: 7001})
	require.NoError(t, err)
	assert.Equal(t, "gate-1", reg.ID)
	assert.Equal(t, "gate", reg.Name)
	assert.Equal(t, []string{"zone1"}, reg.Tags)
	assert.Equal(t, "10.0.0.3", reg.Address)
	assert.Equal(t, 7001, reg.Port)
	assert.Equal(t, "tcp", reg.Meta["transport"])

	require.NotNil(t, reg.Check)
	assert.Equal(t, CheckID("gate-1"), reg.Check.CheckID)
	assert.Equal(t, "10.0.0.3:7001", reg.Check.TCP)
	assert.Equal(t, "2s", reg.Check.Interval)
	assert.Equal(t, "1s", reg.Check.Timeout)
	assert.Empty(t, reg.Check.TTL)
	assert.Equal(t, "1m0s", reg.Check.DeregisterCriticalServiceAfter)
}

func TestBuildRegistrationUDP(t *testing.T) {
	r := newTestRegistrar(t, ConsulCfg{})

	reg, err := r.BuildRegistration("gate-udp", &net.UDPAddr{IP: net.IPv4zero, Port: 7002})
	require.NoError(t, err)
	// 未指定地址时交给 agent 决定
	assert.Empty(t, reg.Address)
	assert.Equal(t, 7002, reg.Port)
	assert.Equal(t, "udp", reg.Meta["transport"])
	assert.Equal(t, "30s", reg.Check.TTL)
	assert.Equal(t, api.HealthPassing, reg.Check.Status)
	assert.Empty(t, reg.Check.TCP)
	assert.Empty(t, reg.Check.DeregisterCriticalServiceAfter)
}

func TestBuildRegistrationUnspecifiedTCP(t *testing.T) {
	r := newTestRegistrar(t, ConsulCfg{})

	reg, err := r.BuildRegistration("gate-2", &net.TCPAddr{Port: 7003})
	require.NoError(t, err)
	assert.Empty(t, reg.Address)
	assert.Equal(t, "127.0.0.1:7003", reg.Check.TCP)
}

func TestBuildRegistrationErrors(t *testing.T) {
	r := newTestRegistrar(t, ConsulCfg{})

	_, err := r.BuildRegistration("", &net.TCPAddr{Port: 1})
	assert.Error(t, err)
	_, err = r.BuildRegistration("x", &net.UnixAddr{Name: "/tmp/x", Net: "unix"})
	assert.Error(t, err)
}

type agentCall struct {
	method string
	path   string
	body   []byte
}

func fakeAgent(t *testing.T) (*httptest.Server, func() []agentCall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []agentCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body []byte
		if req.Body != nil {
			dec := json.NewDecoder(req.Body)
			var raw json.RawMessage
			if err := dec.Decode(&raw); err == nil {
				body = raw
			}
		}
		mu.Lock()
		calls = append(calls, agentCall{method: req.Method, path: req.URL.Path, body: body})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []agentCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]agentCall(nil), calls...)
	}
}

func TestRegisterLifecycle(t *testing.T) {
	srv, calls := fakeAgent(t)
	r := newTestRegistrar(t, ConsulCfg{Addr: srv.URL, Token: "secret"})

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9100}
	require.NoError(t, r.Register(context.Background(), "gate-udp", addr))
	require.NoError(t, r.PassTTL("gate-udp"))
	require.NoError(t, r.Deregister("gate-udp"))

	got := calls()
	require.Len(t, got, 3)

	assert.Equal(t, http.MethodPut, got[0].method)
	assert.Equal(t, "/v1/agent/service/register", got[0].path)
	var reg api.AgentServiceRegistration
	require.NoError(t, json.Unmarshal(got[0].body, &reg))
	assert.Equal(t, "gate-udp", reg.ID)
	assert.Equal(t, 9100, reg.Port)

	assert.Equal(t, "/v1/agent/check/update/"+CheckID("gate-udp"), got[1].path)
	assert.Equal(t, "/v1/agent/service/deregister/gate-udp", got[2].path)
}

func TestRegisterAgentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	r := newTestRegistrar(t, ConsulCfg{Addr: srv.URL})

	err := r.Register(context.Background(), "gate-1", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})
	assert.Error(t, err)
	assert.Error(t, r.Deregister("gate-1"))
	assert.Error(t, r.PassTTL("gate-1"))
}
