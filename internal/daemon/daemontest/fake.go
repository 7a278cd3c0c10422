// Package daemontest provides an in-memory daemon.Client for tests.
package daemontest

import (
	"context"
	"sync"

	"evalgo.org/gameforge/internal/daemon"
	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/models"
)

// Method names used by Fail and Calls.
const (
	CreateContainer   = "CreateContainer"
	RunInstallScript  = "RunInstallScript"
	StartServer       = "StartServer"
	StopServer        = "StopServer"
	DeleteContainer   = "DeleteContainer"
	UpdateContainer   = "UpdateContainer"
	UpdateEnvironment = "UpdateEnvironment"
	CheckHealth       = "CheckHealth"
)

// Container is the fake's view of one container.
type Container struct {
	Spec      daemon.ContainerSpec
	Running   bool
	Installed bool
}

// Fake records every call and fails the methods it is told to fail.
// Health returns HealthyAfter-1 "starting" answers before reporting healthy;
// a negative HealthyAfter never reports healthy.
type Fake struct {
	mu           sync.Mutex
	failures     map[string]error
	calls        []string
	Containers   map[string]*Container
	HealthyAfter int
	healthChecks map[string]int
}

// New returns a fake whose containers are healthy on the first check.
func New() *Fake {
	return &Fake{
		failures:     make(map[string]error),
		Containers:   make(map[string]*Container),
		HealthyAfter: 1,
		healthChecks: make(map[string]int),
	}
}

// Fail makes method return a DaemonCallFailed error from now on.
func (f *Fake) Fail(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = errdefs.DaemonCallFailed(nil, "%s: daemon unavailable", method)
}

// Recover clears a failure set with Fail.
func (f *Fake) Recover(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, method)
}

// Calls returns the method names called so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Called reports whether method was called at least once.
func (f *Fake) Called(method string) bool {
	for _, c := range f.Calls() {
		if c == method {
			return true
		}
	}
	return false
}

// Get returns a copy of the container state.
func (f *Fake) Get(id string) (Container, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[id]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

func (f *Fake) record(method string) error {
	f.calls = append(f.calls, method)
	return f.failures[method]
}

func (f *Fake) container(id string) (*Container, error) {
	c, ok := f.Containers[id]
	if !ok {
		return nil, errdefs.DaemonCallFailed(nil, "container %s not found", id)
	}
	return c, nil
}

func (f *Fake) CreateContainer(_ context.Context, spec daemon.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(CreateContainer); err != nil {
		return "", err
	}
	id := "ctr-" + spec.ServerID
	f.Containers[id] = &Container{Spec: spec}
	return id, nil
}

func (f *Fake) RunInstallScript(_ context.Context, id string, _ daemon.InstallScript) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(RunInstallScript); err != nil {
		return err
	}
	c, err := f.container(id)
	if err != nil {
		return err
	}
	c.Installed = true
	return nil
}

func (f *Fake) StartServer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(StartServer); err != nil {
		return err
	}
	c, err := f.container(id)
	if err != nil {
		return err
	}
	c.Running = true
	f.healthChecks[id] = 0
	return nil
}

func (f *Fake) StopServer(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(StopServer); err != nil {
		return err
	}
	c, err := f.container(id)
	if err != nil {
		return err
	}
	c.Running = false
	return nil
}

func (f *Fake) DeleteContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(DeleteContainer); err != nil {
		return err
	}
	delete(f.Containers, id)
	return nil
}

func (f *Fake) UpdateContainer(_ context.Context, id string, limits models.Resources) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(UpdateContainer); err != nil {
		return err
	}
	c, err := f.container(id)
	if err != nil {
		return err
	}
	c.Spec.Limits = limits
	return nil
}

func (f *Fake) UpdateEnvironment(_ context.Context, id string, env map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(UpdateEnvironment); err != nil {
		return err
	}
	c, err := f.container(id)
	if err != nil {
		return err
	}
	merged := make(map[string]string, len(c.Spec.Environment)+len(env))
	for k, v := range c.Spec.Environment {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	c.Spec.Environment = merged
	return nil
}

func (f *Fake) CheckHealth(_ context.Context, id string) (daemon.Health, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(CheckHealth); err != nil {
		return daemon.Health{}, err
	}
	c, err := f.container(id)
	if err != nil {
		return daemon.Health{}, err
	}
	if !c.Running {
		return daemon.Health{Status: daemon.HealthStopped}, nil
	}
	f.healthChecks[id]++
	if f.HealthyAfter < 0 || f.healthChecks[id] < f.HealthyAfter {
		return daemon.Health{Status: daemon.HealthStarting}, nil
	}
	return daemon.Health{Status: daemon.HealthHealthy}, nil
}

func (f *Fake) Close() error { return nil }

// Provider hands out the same fake for every host.
type Provider struct {
	Client daemon.Client
}

func (p Provider) ClientFor(context.Context, string) (daemon.Client, error) {
	return p.Client, nil
}
