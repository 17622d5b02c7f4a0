package deploy

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/ingress"
	"github.com/arkdeploy/ark/internal/remote"
	"github.com/arkdeploy/ark/internal/service/operation"
	"github.com/arkdeploy/ark/internal/service/server"
	"github.com/arkdeploy/ark/pkg/config"
)

// ErrContainerNotRunning is returned when a freshly started container exited.
var ErrContainerNotRunning = errors.New("container is not running")

// ErrLabelsMissing is returned when a started container lacks its ownership
// or routing labels.
var ErrLabelsMissing = errors.New("container labels missing")

// ErrNameTaken is returned when the container name of a project is held by a
// container the project does not own.
var ErrNameTaken = errors.New("container name is taken by another container")

// build syncs the checkout and builds the project image.
func (s Service) build(ctx context.Context, conn *remote.Conn, rec *operation.Recorder, p domain.Project) (string, error) {
	dir := s.appDir(p)
	if _, err := rec.Run(ctx, conn.Runner, "git sync", remote.GitSync(dir, p.GitURL, p.Branch), true); err != nil {
		return "", err
	}
	commit := ""
	if res, err := rec.Run(ctx, conn.Runner, "git head", remote.GitHead(dir), false); err == nil {
		commit = strings.TrimSpace(res.Stdout)
	}
	if _, err := rec.Run(ctx, conn.Runner, "docker build", remote.DockerBuild(dir, remote.ProjectImage(p)), true); err != nil {
		return commit, err
	}
	return commit, nil
}

// prepare makes sure the shared network, and in Traefik mode the proxy, exist.
func (s Service) prepare(ctx context.Context, conn *remote.Conn, rec *operation.Recorder) error {
	if s.ingress.Mode() == config.IngressTraefik {
		opts := remote.TraefikOptions{Image: s.cfg.TraefikImage, Network: s.cfg.ProxyNetwork, ACMEEmail: s.cfg.ACMEEmail}
		_, err := server.EnsureProxy(ctx, conn, rec, opts, false)
		return err
	}
	if s.cfg.ProxyNetwork == "" {
		return nil
	}
	_, err := rec.Run(ctx, conn.Runner, "ensure network", remote.EnsureNetwork(s.cfg.ProxyNetwork), true)
	return err
}

// allocatePort picks a host port for p unless it already has one.
func (s Service) allocatePort(ctx context.Context, conn *remote.Conn, rec *operation.Recorder, p domain.Project) (int, error) {
	if p.Port > 0 {
		return p.Port, nil
	}
	used, err := s.usedPorts(ctx, conn, rec, p)
	if err != nil {
		return 0, err
	}
	port, err := remote.AllocatePort(used, s.cfg.PortRangeStart, s.cfg.PortRangeEnd)
	if err != nil {
		return 0, err
	}
	rec.Note(ctx, "allocate port", fmt.Sprintf("allocated host port %d", port))
	return port, nil
}

// usedPorts lists the host ports on the server of p held by anything but p:
// projects and databases on record, managed containers and listening sockets.
func (s Service) usedPorts(ctx context.Context, conn *remote.Conn, rec *operation.Recorder, p domain.Project) ([]int, error) {
	var used []int
	projects, err := s.projects.ListProjectsByServer(ctx, p.ServerID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	for _, other := range projects {
		if other.ID != p.ID && other.Port > 0 {
			used = append(used, other.Port)
		}
	}
	dbs, err := s.databases.ListDatabasesByServer(ctx, p.ServerID)
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	for _, db := range dbs {
		used = append(used, db.Port)
	}
	if observed, err := conn.Inspector.ListManaged(ctx); err == nil {
		for _, c := range observed {
			if c.ProjectID() != p.ID && c.HostPort > 0 {
				used = append(used, c.HostPort)
			}
		}
	}
	if res, err := rec.Run(ctx, conn.Runner, "listening ports", remote.ListeningPorts(), false); err == nil {
		used = append(used, remote.ParsePorts(res.Stdout)...)
	}
	return used, nil
}

// runSpec builds the container spec of p.
func (s Service) runSpec(ctx context.Context, p domain.Project) (remote.RunSpec, error) {
	route := s.route(p)
	var spec remote.RunSpec
	switch p.Kind {
	case domain.ProjectKindWordPress:
		if p.DatabaseID == "" {
			return remote.RunSpec{}, fmt.Errorf("wordpress project %s has no database", p.Name)
		}
		db, err := s.databases.GetDatabaseByID(ctx, p.DatabaseID)
		if err != nil {
			return remote.RunSpec{}, fmt.Errorf("load wordpress database: %w", err)
		}
		password, err := s.secrets.Decrypt(db.EncryptedPassword)
		if err != nil {
			return remote.RunSpec{}, fmt.Errorf("decrypt wordpress database password: %w", err)
		}
		spec = remote.WordPressSpec(p, *db, password, s.cfg.ProxyNetwork)
	default:
		env, err := s.env.Environment(ctx, p.ID)
		if err != nil {
			return remote.RunSpec{}, fmt.Errorf("load environment: %w", err)
		}
		if _, ok := env["PORT"]; !ok {
			env["PORT"] = fmt.Sprint(route.ContainerPort)
		}
		image := p.Image
		if image == "" {
			image = remote.ProjectImage(p)
		}
		spec = remote.RunSpec{
			Name:          remote.ProjectContainerName(p),
			Image:         image,
			Env:           env,
			Labels:        remote.ProjectLabels(p),
			HostPort:      p.Port,
			ContainerPort: route.ContainerPort,
			Network:       s.cfg.ProxyNetwork,
		}
	}
	for k, v := range s.ingress.Labels(route) {
		spec.Labels[k] = v
	}
	return spec, nil
}

// replace removes the current container of p, starts a new one from spec and
// verifies it. A container started without its labels is removed again.
// A container holding the name that p does not own is left alone.
func (s Service) replace(ctx context.Context, conn *remote.Conn, rec *operation.Recorder, p domain.Project, spec remote.RunSpec) (remote.ContainerState, error) {
	if existing, err := conn.Inspector.Inspect(ctx, spec.Name); err == nil {
		if !ownedBy(existing, p) {
			err := fmt.Errorf("%w: %s (%s)", ErrNameTaken, spec.Name, shortID(existing.ID))
			rec.Step(ctx, "check container owner", false, err)
			return remote.ContainerState{}, err
		}
		if _, err := rec.Run(ctx, conn.Runner, "remove container", remote.DockerRemove(spec.Name), true); err != nil {
			return remote.ContainerState{}, err
		}
	} else if !errors.Is(err, remote.ErrContainerNotFound) {
		return remote.ContainerState{}, fmt.Errorf("inspect %s: %w", spec.Name, err)
	}
	if _, err := rec.Run(ctx, conn.Runner, "run container", remote.DockerRun(spec), true); err != nil {
		return remote.ContainerState{}, err
	}
	return s.verify(ctx, conn, rec, spec)
}

// ownedBy reports whether c belongs to p: it carries p's project label, or
// it is the container recorded for p and carries no project label at all.
func ownedBy(c remote.ContainerState, p domain.Project) bool {
	owner, labelled := c.Labels[remote.LabelProject]
	if labelled {
		return owner == p.ID
	}
	return p.ContainerID != "" && c.ID != "" &&
		(strings.HasPrefix(c.ID, p.ContainerID) || strings.HasPrefix(p.ContainerID, c.ID))
}

func (s Service) verify(ctx context.Context, conn *remote.Conn, rec *operation.Recorder, spec remote.RunSpec) (remote.ContainerState, error) {
	state, err := conn.Inspector.Inspect(ctx, spec.Name)
	if err != nil {
		err = fmt.Errorf("inspect %s after start: %w", spec.Name, err)
		rec.Step(ctx, "inspect container", false, err)
		return remote.ContainerState{}, err
	}
	if missing := ingress.MissingLabels(spec.Labels, state.Labels); len(missing) > 0 {
		err := fmt.Errorf("%w on %s: %s", ErrLabelsMissing, spec.Name, strings.Join(missing, ", "))
		rec.Step(ctx, "verify labels", false, err)
		if _, rmErr := rec.Run(ctx, conn.Runner, "remove unlabelled container", remote.DockerRemove(spec.Name), true); rmErr != nil {
			return state, errors.Join(err, rmErr)
		}
		return state, err
	}
	if !state.Running {
		_, _ = rec.Run(ctx, conn.Runner, "container logs", remote.DockerLogs(spec.Name, 50), false)
		err := fmt.Errorf("%w: %s is %s", ErrContainerNotRunning, spec.Name, state.State)
		rec.Step(ctx, "verify running", false, err)
		return state, err
	}
	if spec.HostPort > 0 && state.HostPort > 0 && state.HostPort != spec.HostPort {
		rec.Note(ctx, "verify port", fmt.Sprintf("requested host port %d, docker reports %d", spec.HostPort, state.HostPort))
	}
	rec.Note(ctx, "verify container", fmt.Sprintf("%s running as %s", spec.Name, shortID(state.ID)))
	return state, nil
}

// publish applies the ingress route and the DNS record of p. DNS failures
// are recorded without failing the operation.
func (s Service) publish(ctx context.Context, conn *remote.Conn, rec *operation.Recorder, p domain.Project, host string) error {
	route := s.route(p)
	err := s.ingress.Apply(ctx, conn.Runner, route)
	if s.ingress.Mode() == config.IngressNginx || err != nil {
		rec.Step(ctx, "apply ingress", true, err)
	}
	if err != nil {
		return err
	}
	if p.Domain == "" {
		return nil
	}
	if err := s.dns.Ensure(ctx, p.Domain, host); err != nil {
		rec.Note(ctx, "dns", "dns record not updated: "+err.Error())
		s.logger.Warn("dns update failed", "project_id", p.ID, "domain", p.Domain, "error", err)
		return nil
	}
	rec.Note(ctx, "dns", fmt.Sprintf("%s points at %s", p.Domain, host))
	return nil
}

func (s Service) route(p domain.Project) ingress.Route {
	containerPort := p.InternalPort
	if containerPort == 0 {
		containerPort = s.cfg.DefaultContainerPort
	}
	if p.Kind == domain.ProjectKindWordPress && p.InternalPort == 0 {
		containerPort = 80
	}
	return ingress.Route{Name: p.Slug, Domain: p.Domain, HostPort: p.Port, ContainerPort: containerPort}
}

func (s Service) appDir(p domain.Project) string {
	return path.Join(s.cfg.RemoteAppsDir, p.Slug)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
