// Package agenttest provides an in-memory node agent for tests
package agenttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/meshstor/meshstor/internal/agent"
)

// Host is the state of one fake agent
type Host struct {
	Info    agent.HostInfo
	Devices []agent.PCIeDevice
	Running bool
	Starts  int
	Stops   int
	Err     error // returned by every call while set
}

// Agents is a set of fake agents keyed by address
type Agents struct {
	mu    sync.Mutex
	hosts map[string]*Host
	// OnStart and OnStop run when a backend is started or stopped, e.g. to
	// bring its fake backend up or down
	OnStart func(address string)
	OnStop  func(address string)
}

var _ agent.Client = (*Agents)(nil)

// New creates an empty set of agents
func New() *Agents {
	return &Agents{hosts: make(map[string]*Host)}
}

// AddHost registers an agent at address
func (a *Agents) AddHost(address string, host *Host) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hosts[address] = host
}

// Host returns a copy of the agent state at address
func (a *Agents) Host(address string) Host {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok := a.hosts[address]; ok {
		return *h
	}
	return Host{}
}

// SetErr makes every call to address fail with err, or succeed again when nil
func (a *Agents) SetErr(address string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok := a.hosts[address]; ok {
		h.Err = err
	}
}

func (a *Agents) host(address string) (*Host, error) {
	h, ok := a.hosts[address]
	if !ok {
		return nil, fmt.Errorf("agent %s unreachable", address)
	}
	if h.Err != nil {
		return nil, h.Err
	}
	return h, nil
}

func (a *Agents) HostInfo(_ context.Context, address string) (*agent.HostInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, err := a.host(address)
	if err != nil {
		return nil, err
	}
	info := h.Info
	return &info, nil
}

func (a *Agents) ScanDevices(_ context.Context, address string) ([]agent.PCIeDevice, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, err := a.host(address)
	if err != nil {
		return nil, err
	}
	return append([]agent.PCIeDevice(nil), h.Devices...), nil
}

func (a *Agents) StartBackend(_ context.Context, address string, _ agent.BackendOptions) error {
	a.mu.Lock()
	h, err := a.host(address)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	h.Running = true
	h.Starts++
	onStart := a.OnStart
	a.mu.Unlock()

	if onStart != nil {
		onStart(address)
	}
	return nil
}

func (a *Agents) StopBackend(_ context.Context, address string) error {
	a.mu.Lock()
	h, err := a.host(address)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	h.Running = false
	h.Stops++
	onStop := a.OnStop
	a.mu.Unlock()

	if onStop != nil {
		onStop(address)
	}
	return nil
}
