package discovery

import (
	"errors"
	"testing"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct {
	registered   *consulapi.AgentServiceRegistration
	deregistered string
	err          error
}

func (f *fakeAgent) ServiceRegister(reg *consulapi.AgentServiceRegistration) error {
	f.registered = reg
	return f.err
}

func (f *fakeAgent) ServiceDeregister(id string) error {
	f.deregistered = id
	return f.err
}

func TestRegisterAndDeregister(t *testing.T) {
	a := &fakeAgent{}
	r := NewRegistrar(a, Registration{Name: "chat-core", Host: "10.0.0.7", Port: 8085}, nil)

	require.NoError(t, r.Register())
	require.NotNil(t, a.registered)
	assert.Equal(t, "chat-core", a.registered.ID)
	assert.Equal(t, 8085, a.registered.Port)
	assert.Equal(t, "http://10.0.0.7:8085/healthz", a.registered.Check.HTTP)

	require.NoError(t, r.Deregister())
	assert.Equal(t, "chat-core", a.deregistered)
}

func TestRegisterError(t *testing.T) {
	a := &fakeAgent{err: errors.New("agent down")}
	r := NewRegistrar(a, Registration{ID: "chat-1", Name: "chat-core", Port: 1}, nil)
	assert.ErrorContains(t, r.Register(), "chat-1")
}
