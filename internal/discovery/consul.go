package discovery

import (
	"fmt"
	"net"
	"strconv"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// Agent is the part of the Consul agent API used for registration.
type Agent interface {
	ServiceRegister(reg *consulapi.AgentServiceRegistration) error
	ServiceDeregister(serviceID string) error
}

type Registration struct {
	ID   string
	Name string
	Host string
	Port int
	Tags []string
}

// Registrar announces this instance to Consul with an HTTP health check on
// /healthz and removes it again on shutdown.
type Registrar struct {
	agent Agent
	reg   Registration
	log   *zap.Logger
}

func NewConsul(addr string, reg Registration, log *zap.Logger) (*Registrar, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = addr
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return NewRegistrar(client.Agent(), reg, log), nil
}

func NewRegistrar(agent Agent, reg Registration, log *zap.Logger) *Registrar {
	if log == nil {
		log = zap.NewNop()
	}
	if reg.ID == "" {
		reg.ID = reg.Name
	}
	return &Registrar{agent: agent, reg: reg, log: log}
}

func (r *Registrar) Register() error {
	host := r.reg.Host
	if host == "" {
		host = "localhost"
	}
	check := "http://" + net.JoinHostPort(host, strconv.Itoa(r.reg.Port)) + "/healthz"
	err := r.agent.ServiceRegister(&consulapi.AgentServiceRegistration{
		ID:      r.reg.ID,
		Name:    r.reg.Name,
		Address: host,
		Port:    r.reg.Port,
		Tags:    r.reg.Tags,
		Check: &consulapi.AgentServiceCheck{
			HTTP:                           check,
			Interval:                       "10s",
			Timeout:                        "2s",
			DeregisterCriticalServiceAfter: "1m",
		},
	})
	if err != nil {
		return fmt.Errorf("consul register %s: %w", r.reg.ID, err)
	}
	r.log.Info("registered with consul", zap.String("service_id", r.reg.ID), zap.String("check", check))
	return nil
}

func (r *Registrar) Deregister() error {
	if err := r.agent.ServiceDeregister(r.reg.ID); err != nil {
		return fmt.Errorf("consul deregister %s: %w", r.reg.ID, err)
	}
	return nil
}
