package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/arkdeploy/ark/internal/sshx"
)

// ErrContainerNotFound indicates the referenced container does not exist.
var ErrContainerNotFound = errors.New("container not found")

// DockerSocket is the daemon socket reached through the SSH connection.
const DockerSocket = "/var/run/docker.sock"

// ContainerState is the observed state of one container.
type ContainerState struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Image         string            `json:"image"`
	State         string            `json:"state"`
	Running       bool              `json:"running"`
	Labels        map[string]string `json:"labels,omitempty"`
	HostPort      int               `json:"host_port,omitempty"`
	ContainerPort int               `json:"container_port,omitempty"`
	Networks      []string          `json:"networks,omitempty"`
}

// Kind returns the ark.kind label.
func (c ContainerState) Kind() string { return c.Labels[LabelKind] }

// ProjectID returns the ark.project label.
func (c ContainerState) ProjectID() string { return c.Labels[LabelProject] }

// DatabaseID returns the ark.database label.
func (c ContainerState) DatabaseID() string { return c.Labels[LabelDatabase] }

// Managed reports whether the container carries ark.managed=true.
func (c ContainerState) Managed() bool { return c.Labels[LabelManaged] == "true" }

// OnNetwork reports whether the container is attached to network.
func (c ContainerState) OnNetwork(network string) bool {
	for _, n := range c.Networks {
		if n == network {
			return true
		}
	}
	return false
}

// Inspector observes containers on a server.
type Inspector interface {
	ListManaged(ctx context.Context) ([]ContainerState, error)
	Inspect(ctx context.Context, ref string) (ContainerState, error)
}

// DockerInspector talks to the remote daemon with the Docker SDK over a
// socket forwarded through SSH.
type DockerInspector struct {
	cli *client.Client
}

// NewDockerInspector builds an SDK client whose connections are opened by dial.
func NewDockerInspector(dial func(ctx context.Context, network, addr string) (net.Conn, error)) (*DockerInspector, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost("unix://"+DockerSocket),
		client.WithDialContext(dial),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerInspector{cli: cli}, nil
}

// ListManaged lists containers labelled ark.managed=true, running or not.
func (d *DockerInspector) ListManaged(ctx context.Context) ([]ContainerState, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	states := make([]ContainerState, 0, len(list))
	for _, c := range list {
		states = append(states, fromSummary(c))
	}
	return states, nil
}

// Inspect returns the state of a container by id or name.
func (d *DockerInspector) Inspect(ctx context.Context, ref string) (ContainerState, error) {
	info, err := d.cli.ContainerInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerState{}, fmt.Errorf("%w: %s", ErrContainerNotFound, ref)
		}
		return ContainerState{}, fmt.Errorf("inspect container %s: %w", ref, err)
	}
	return fromInspect(info), nil
}

// Close releases the SDK client.
func (d *DockerInspector) Close() error {
	return d.cli.Close()
}

func fromSummary(c types.Container) ContainerState {
	state := ContainerState{
		ID:      c.ID,
		Image:   c.Image,
		State:   c.State,
		Running: c.State == "running",
		Labels:  c.Labels,
	}
	if len(c.Names) > 0 {
		state.Name = strings.TrimPrefix(c.Names[0], "/")
	}
	ports := append([]types.Port(nil), c.Ports...)
	sort.Slice(ports, func(i, j int) bool { return ports[i].PrivatePort < ports[j].PrivatePort })
	for _, p := range ports {
		if p.PublicPort != 0 && p.Type == "tcp" {
			state.HostPort = int(p.PublicPort)
			state.ContainerPort = int(p.PrivatePort)
			break
		}
	}
	if state.ContainerPort == 0 && len(ports) > 0 {
		state.ContainerPort = int(ports[0].PrivatePort)
	}
	if c.NetworkSettings != nil {
		for name := range c.NetworkSettings.Networks {
			state.Networks = append(state.Networks, name)
		}
		sort.Strings(state.Networks)
	}
	return state
}

func fromInspect(info types.ContainerJSON) ContainerState {
	var state ContainerState
	if info.ContainerJSONBase != nil {
		state.ID = info.ID
		state.Name = strings.TrimPrefix(info.Name, "/")
		if info.State != nil {
			state.State = info.State.Status
			state.Running = info.State.Running
		}
	}
	if info.Config != nil {
		state.Image = info.Config.Image
		state.Labels = info.Config.Labels
		state.ContainerPort = firstExposed(info.Config.ExposedPorts)
	}
	if info.NetworkSettings != nil {
		if host, cont := firstBinding(info.NetworkSettings.Ports); host != 0 {
			state.HostPort, state.ContainerPort = host, cont
		}
		for name := range info.NetworkSettings.Networks {
			state.Networks = append(state.Networks, name)
		}
		sort.Strings(state.Networks)
	}
	return state
}

func firstBinding(ports nat.PortMap) (int, int) {
	keys := make([]nat.Port, 0, len(ports))
	for p := range ports {
		keys = append(keys, p)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Int() < keys[j].Int() })
	for _, p := range keys {
		if p.Proto() != "tcp" {
			continue
		}
		for _, b := range ports[p] {
			if host, err := strconv.Atoi(strings.TrimSpace(b.HostPort)); err == nil && host > 0 {
				return host, p.Int()
			}
		}
	}
	return 0, 0
}

func firstExposed(ports nat.PortSet) int {
	lowest := 0
	for p := range ports {
		if p.Proto() == "tcp" && (lowest == 0 || p.Int() < lowest) {
			lowest = p.Int()
		}
	}
	return lowest
}

// ShellInspector observes containers by running the docker CLI and parsing
// its JSON output. It needs no access to the daemon socket beyond what the
// SSH user's docker CLI has.
type ShellInspector struct {
	runner sshx.Runner
}

// NewShellInspector returns an Inspector backed by runner.
func NewShellInspector(runner sshx.Runner) *ShellInspector {
	return &ShellInspector{runner: runner}
}

// ListManaged lists managed containers.
func (s *ShellInspector) ListManaged(ctx context.Context) ([]ContainerState, error) {
	res, err := s.runner.Run(ctx, "docker ps -aq --no-trunc --filter "+q("label="+LabelManaged+"=true"))
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	ids := strings.Fields(res.Stdout)
	if len(ids) == 0 {
		return nil, nil
	}
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = q(id)
	}
	res, err = s.runner.Run(ctx, "docker inspect --type container --format '{{json .}}' "+strings.Join(quoted, " "))
	if err != nil {
		return nil, fmt.Errorf("inspect containers: %w", err)
	}
	return parseInspectLines(res.Stdout)
}

// Inspect returns the state of one container.
func (s *ShellInspector) Inspect(ctx context.Context, ref string) (ContainerState, error) {
	res, err := s.runner.Run(ctx, "docker inspect --type container --format '{{json .}}' "+q(ref))
	if err != nil {
		if errors.Is(err, sshx.ErrContainerMissing) {
			return ContainerState{}, fmt.Errorf("%w: %s", ErrContainerNotFound, ref)
		}
		return ContainerState{}, fmt.Errorf("inspect container %s: %w", ref, err)
	}
	states, err := parseInspectLines(res.Stdout)
	if err != nil {
		return ContainerState{}, err
	}
	if len(states) == 0 {
		return ContainerState{}, fmt.Errorf("%w: %s", ErrContainerNotFound, ref)
	}
	return states[0], nil
}

func parseInspectLines(out string) ([]ContainerState, error) {
	var states []ContainerState
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var info types.ContainerJSON
		if err := json.Unmarshal([]byte(line), &info); err != nil {
			return nil, fmt.Errorf("decode docker inspect output: %w", err)
		}
		states = append(states, fromInspect(info))
	}
	return states, nil
}

// fallbackInspector prefers the SDK and switches to the shell for the rest of
// the connection once the SDK fails for a reason other than a missing
// container, typically when the SSH user cannot open the daemon socket.
type fallbackInspector struct {
	primary   Inspector
	secondary Inspector
	log       *slog.Logger

	mu       sync.Mutex
	degraded bool
}

func (f *fallbackInspector) current() Inspector {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.degraded {
		return f.secondary
	}
	return f.primary
}

func (f *fallbackInspector) degrade(err error) bool {
	if errors.Is(err, ErrContainerNotFound) {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.degraded {
		return false
	}
	f.degraded = true
	f.log.Warn("docker api unavailable, falling back to docker cli", "error", err)
	return true
}

func (f *fallbackInspector) ListManaged(ctx context.Context) ([]ContainerState, error) {
	states, err := f.current().ListManaged(ctx)
	if err != nil && f.degrade(err) {
		return f.secondary.ListManaged(ctx)
	}
	return states, err
}

func (f *fallbackInspector) Inspect(ctx context.Context, ref string) (ContainerState, error) {
	state, err := f.current().Inspect(ctx, ref)
	if err != nil && f.degrade(err) {
		return f.secondary.Inspect(ctx, ref)
	}
	return state, err
}
