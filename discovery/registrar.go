// Package discovery registers bound listeners as consul services.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/lcx/uvloop/log"
	"github.com/lcx/uvloop/metrics"
)

// ConsulConfigName is the config section a registrar is loaded from.
const ConsulConfigName = "consul"

// ConsulCfg configures a Registrar.
type ConsulCfg struct {
	// Addr is the agent address, "127.0.0.1:8500" when empty.
	Addr        string   `mapstructure:"addr"`
	Token       string   `mapstructure:"token"`
	ServiceName string   `mapstructure:"serviceName"`
	Tags        []string `mapstructure:"tags"`

	// CheckIntervalMs is the TCP check interval and a third of the TTL of
	// UDP services. Default 10000.
	CheckIntervalMs int `mapstructure:"checkIntervalMs"`
	// DeregisterAfterMs removes a service that stayed critical this long.
	// 0 keeps it.
	DeregisterAfterMs int `mapstructure:"deregisterAfterMs"`
}

const defaultCheckIntervalMs = 10000

func (c *ConsulCfg) GetName() string {
	return ConsulConfigName
}

func (c *ConsulCfg) Validate() error {
	if c.ServiceName == "" {
		return errors.New("serviceName is required")
	}
	if c.CheckIntervalMs < 0 || c.DeregisterAfterMs < 0 {
		return errors.New("intervals must not be negative")
	}
	return nil
}

func (c *ConsulCfg) checkInterval() time.Duration {
	if c.CheckIntervalMs == 0 {
		return defaultCheckIntervalMs * time.Millisecond
	}
	return time.Duration(c.CheckIntervalMs) * time.Millisecond
}

// Registrar publishes listeners of this process to a consul agent.
type Registrar struct {
	cfg    ConsulCfg
	client *api.Client
}

func NewRegistrar(cfg *ConsulCfg) (*Registrar, error) {
	if cfg == nil {
		return nil, errors.New("consul config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consul config: %w", err)
	}

	apiCfg := api.DefaultConfig()
	if cfg.Addr != "" {
		apiCfg.Address = cfg.Addr
	}
	if cfg.Token != "" {
		apiCfg.Token = cfg.Token
	}
	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}
	return &Registrar{cfg: *cfg, client: client}, nil
}

// CheckID returns the id of the health check registered with service id.
func CheckID(id string) string {
	return "service:" + id
}

// BuildRegistration describes the service id listening on addr. TCP
// listeners are checked by connecting to them, UDP listeners must report
// through PassTTL.
func (r *Registrar) BuildRegistration(id string, addr net.Addr) (*api.AgentServiceRegistration, error) {
	if id == "" {
		return nil, errors.New("service id is required")
	}

	var (
		ip        net.IP
		port      int
		transport string
	)
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip, port, transport = a.IP, a.Port, "tcp"
	case *net.UDPAddr:
		ip, port, transport = a.IP, a.Port, "udp"
	default:
		return nil, fmt.Errorf("unsupported listener address %T", addr)
	}

	reg := &api.AgentServiceRegistration{
		ID:   id,
		Name: r.cfg.ServiceName,
		Tags: append([]string(nil), r.cfg.Tags...),
		Port: port,
		Meta: map[string]string{"transport": transport},
	}
	// an unspecified address is left to the agent
	if ip != nil && !ip.IsUnspecified() {
		reg.Address = ip.String()
	}

	interval := r.cfg.checkInterval()
	check := &api.AgentServiceCheck{CheckID: CheckID(id)}
	if transport == "tcp" {
		host := reg.Address
		if host == "" {
			host = "127.0.0.1"
		}
		check.TCP = net.JoinHostPort(host, strconv.Itoa(port))
		check.Interval = interval.String()
		check.Timeout = (interval / 2).String()
	} else {
		check.TTL = (3 * interval).String()
		check.Status = api.HealthPassing
	}
	if r.cfg.DeregisterAfterMs > 0 {
		check.DeregisterCriticalServiceAfter = (time.Duration(r.cfg.DeregisterAfterMs) * time.Millisecond).String()
	}
	reg.Check = check
	return reg, nil
}

// Register publishes the service id listening on addr, replacing a previous
// registration with the same id.
func (r *Registrar) Register(ctx context.Context, id string, addr net.Addr) error {
	reg, err := r.BuildRegistration(id, addr)
	if err != nil {
		return err
	}
	opts := api.ServiceRegisterOpts{ReplaceExistingChecks: true}.WithContext(ctx)
	if err := r.client.Agent().ServiceRegisterOpts(reg, opts); err != nil {
		metrics.IncrCounterWithDimGroup("discovery", "register_error_total", 1, metrics.Dimension{"service": r.cfg.ServiceName})
		return fmt.Errorf("register %s: %w", id, err)
	}
	metrics.IncrCounterWithDimGroup("discovery", "register_total", 1, metrics.Dimension{"service": r.cfg.ServiceName})
	log.Info().Str("service", r.cfg.ServiceName).Str("id", id).Str("addr", addr.String()).Msg("service registered")
	return nil
}

func (r *Registrar) Deregister(id string) error {
	if err := r.client.Agent().ServiceDeregister(id); err != nil {
		return fmt.Errorf("deregister %s: %w", id, err)
	}
	log.Info().Str("service", r.cfg.ServiceName).Str("id", id).Msg("service deregistered")
	return nil
}

// PassTTL marks the TTL check of service id as passing. UDP services call it
// at least once per CheckIntervalMs.
func (r *Registrar) PassTTL(id string) error {
	if err := r.client.Agent().UpdateTTL(CheckID(id), "", api.HealthPassing); err != nil {
		return fmt.Errorf("pass ttl %s: %w", id, err)
	}
	return nil
}
