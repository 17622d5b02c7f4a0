// Package remotetest provides in-memory remote.Connector and remote.Inspector
// implementations for tests.
package remotetest

import (
	"context"
	"strings"
	"sync"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/remote"
	"github.com/arkdeploy/ark/internal/sshx/sshxtest"
)

// Inspector serves a fixed set of containers.
type Inspector struct {
	mu         sync.Mutex
	containers []remote.ContainerState
	Err        error
}

// NewInspector returns an Inspector holding states.
func NewInspector(states ...remote.ContainerState) *Inspector {
	return &Inspector{containers: states}
}

// Put adds or replaces the container with the same name.
func (i *Inspector) Put(state remote.ContainerState) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx, c := range i.containers {
		if c.Name == state.Name {
			i.containers[idx] = state
			return
		}
	}
	i.containers = append(i.containers, state)
}

// Remove drops the container matching ref by id or name.
func (i *Inspector) Remove(ref string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	kept := i.containers[:0]
	for _, c := range i.containers {
		if !matches(c, ref) {
			kept = append(kept, c)
		}
	}
	i.containers = kept
}

// ListManaged implements remote.Inspector.
func (i *Inspector) ListManaged(context.Context) ([]remote.ContainerState, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.Err != nil {
		return nil, i.Err
	}
	var out []remote.ContainerState
	for _, c := range i.containers {
		if c.Managed() {
			out = append(out, c)
		}
	}
	return out, nil
}

// Inspect implements remote.Inspector.
func (i *Inspector) Inspect(_ context.Context, ref string) (remote.ContainerState, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.Err != nil {
		return remote.ContainerState{}, i.Err
	}
	for _, c := range i.containers {
		if matches(c, ref) {
			return c, nil
		}
	}
	return remote.ContainerState{}, remote.ErrContainerNotFound
}

// matches reports whether ref names c. A Name ending in '*' matches any
// name with that prefix, for containers whose name embeds a generated id.
func matches(c remote.ContainerState, ref string) bool {
	if ref == "" {
		return false
	}
	if prefix, ok := strings.CutSuffix(c.Name, "*"); ok && strings.HasPrefix(ref, prefix) {
		return true
	}
	return c.Name == ref || c.ID == ref || strings.HasPrefix(c.ID, ref)
}

// Connector hands out connections backed by a shared fake runner and inspector.
type Connector struct {
	Runner    *sshxtest.Runner
	Inspector *Inspector
	Err       error

	mu      sync.Mutex
	Servers []string
}

// NewConnector returns a Connector with fresh fakes.
func NewConnector() *Connector {
	return &Connector{Runner: sshxtest.New(), Inspector: NewInspector()}
}

// Connect implements remote.Connector.
func (c *Connector) Connect(_ context.Context, server domain.Server) (*remote.Conn, error) {
	c.mu.Lock()
	c.Servers = append(c.Servers, server.ID)
	c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	return remote.NewConn(c.Runner, c.Inspector), nil
}
