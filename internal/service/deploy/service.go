// Package deploy builds projects on their servers and keeps their containers,
// routes and DNS records in line with the stored configuration.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/ingress"
	"github.com/arkdeploy/ark/internal/remote"
	"github.com/arkdeploy/ark/internal/repository"
	"github.com/arkdeploy/ark/internal/service/operation"
	"github.com/arkdeploy/ark/pkg/config"
)

// ErrBranchMismatch is returned when a push webhook names another branch.
var ErrBranchMismatch = errors.New("push is not for the deployed branch")

// Projects resolves projects and their decrypted environment.
type Projects interface {
	Resolve(ctx context.Context, actor domain.Actor, ref string) (*domain.Project, error)
	Environment(ctx context.Context, projectID string) (map[string]string, error)
}

// Decrypter recovers database passwords for WordPress containers.
type Decrypter interface {
	Decrypt(payload string) (string, error)
}

// DNS manages records for project domains.
type DNS interface {
	Ensure(ctx context.Context, name, target string) error
	Remove(ctx context.Context, name string) error
}

// Service orchestrates deployments.
type Service struct {
	projects  repository.ProjectRepository
	servers   repository.ServerRepository
	databases repository.DatabaseRepository
	env       Projects
	secrets   Decrypter
	exec      operation.Executor
	ingress   ingress.Provider
	dns       DNS
	logger    *slog.Logger
	cfg       config.APIConfig
	inflight  *sync.WaitGroup
}

// Deps groups the collaborators of the deploy service.
type Deps struct {
	Projects  repository.ProjectRepository
	Servers   repository.ServerRepository
	Databases repository.DatabaseRepository
	Resolver  Projects
	Secrets   Decrypter
	Executor  operation.Executor
	Ingress   ingress.Provider
	DNS       DNS
}

// New constructs a deploy service.
func New(deps Deps, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{
		projects:  deps.Projects,
		servers:   deps.Servers,
		databases: deps.Databases,
		env:       deps.Resolver,
		secrets:   deps.Secrets,
		exec:      deps.Executor,
		ingress:   deps.Ingress,
		dns:       deps.DNS,
		logger:    logger,
		cfg:       cfg,
		inflight:  &sync.WaitGroup{},
	}
}

// Deploy builds and (re)starts the project synchronously.
func (s Service) Deploy(ctx context.Context, actor domain.Actor, ref string) (domain.Operation, error) {
	p, srv, err := s.load(ctx, actor, ref)
	if err != nil {
		return domain.Operation{}, err
	}
	return s.exec.Do(ctx, *srv, s.spec(domain.OperationDeploy, p, actor), func(ctx context.Context, conn *remote.Conn, rec *operation.Recorder) error {
		return s.deploy(ctx, conn, rec, *p, *srv)
	})
}

// DeployAsync records the deploy and runs it in the background with its own
// timeout. The returned operation is still running.
func (s Service) DeployAsync(ctx context.Context, actor domain.Actor, ref string) (domain.Operation, error) {
	p, srv, err := s.load(ctx, actor, ref)
	if err != nil {
		return domain.Operation{}, err
	}
	spec := s.spec(domain.OperationDeploy, p, actor)
	spec.ServerID = srv.ID
	rec, err := s.exec.Operations().Start(ctx, spec)
	if err != nil {
		return domain.Operation{}, err
	}
	timeout := s.cfg.DeployTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		_, err := s.exec.DoStarted(bg, *srv, rec, func(ctx context.Context, conn *remote.Conn, rec *operation.Recorder) error {
			return s.deploy(ctx, conn, rec, *p, *srv)
		})
		if err != nil {
			s.logger.Warn("background deploy failed", "project_id", p.ID, "operation_id", rec.ID(), "error", err)
		}
	}()
	return rec.Operation(), nil
}

// Wait blocks until background deploys finish or ctx ends.
func (s Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerPush deploys in the background when the pushed branch matches.
func (s Service) TriggerPush(ctx context.Context, projectID, branch string) (domain.Operation, error) {
	p, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return domain.Operation{}, err
	}
	if branch != "" && branch != p.Branch {
		return domain.Operation{}, fmt.Errorf("%w: %s != %s", ErrBranchMismatch, branch, p.Branch)
	}
	return s.DeployAsync(ctx, domain.SystemActor, p.ID)
}

func (s Service) deploy(ctx context.Context, conn *remote.Conn, rec *operation.Recorder, p domain.Project, srv domain.Server) (err error) {
	s.setStatus(ctx, p.ID, domain.ProjectDeploying, "")
	defer func() {
		if err != nil {
			s.setStatus(ctx, p.ID, domain.ProjectFailed, err.Error())
		}
	}()

	if p.Kind == domain.ProjectKindWordPress {
		return s.restart(ctx, conn, rec, p, srv)
	}
	if err := s.prepare(ctx, conn, rec); err != nil {
		return err
	}
	commit, err := s.build(ctx, conn, rec, p)
	if err != nil {
		return err
	}
	p.Image = remote.ProjectImage(p)
	port, err := s.allocatePort(ctx, conn, rec, p)
	if err != nil {
		return err
	}
	p.Port = port
	spec, err := s.runSpec(ctx, p)
	if err != nil {
		rec.Step(ctx, "container spec", false, err)
		return err
	}
	state, err := s.replace(ctx, conn, rec, p, spec)
	if err != nil {
		return err
	}
	if state.HostPort > 0 {
		p.Port = state.HostPort
	}
	if err := s.publish(ctx, conn, rec, p, srv.Host); err != nil {
		return err
	}
	msg := "deployed"
	if commit != "" {
		msg += " " + commit
	}
	return s.writeBack(ctx, rec, p, state, msg)
}

// restart recreates the container of p from its current image without a build.
func (s Service) restart(ctx context.Context, conn *remote.Conn, rec *operation.Recorder, p domain.Project, srv domain.Server) error {
	if err := s.prepare(ctx, conn, rec); err != nil {
		return err
	}
	port, err := s.allocatePort(ctx, conn, rec, p)
	if err != nil {
		return err
	}
	p.Port = port
	spec, err := s.runSpec(ctx, p)
	if err != nil {
		rec.Step(ctx, "container spec", false, err)
		return err
	}
	state, err := s.replace(ctx, conn, rec, p, spec)
	if err != nil {
		return err
	}
	if state.HostPort > 0 {
		p.Port = state.HostPort
	}
	if err := s.publish(ctx, conn, rec, p, srv.Host); err != nil {
		return err
	}
	p.Image = spec.Image
	return s.writeBack(ctx, rec, p, state, "container recreated")
}

// Launch starts p inside an operation the caller already holds, as used by
// installers that create the project and its container together.
func (s Service) Launch(ctx context.Context, conn *remote.Conn, rec *operation.Recorder, p domain.Project, srv domain.Server) (err error) {
	s.setStatus(ctx, p.ID, domain.ProjectDeploying, "")
	defer func() {
		if err != nil {
			s.setStatus(ctx, p.ID, domain.ProjectFailed, err.Error())
		}
	}()
	return s.restart(ctx, conn, rec, p, srv)
}

// Rebuild runs a full deploy of p inside an operation the caller holds.
func (s Service) Rebuild(ctx context.Context, conn *remote.Conn, rec *operation.Recorder, p domain.Project, srv domain.Server) error {
	return s.deploy(ctx, conn, rec, p, srv)
}

func (s Service) writeBack(ctx context.Context, rec *operation.Recorder, p domain.Project, state remote.ContainerState, msg string) error {
	status := domain.ProjectRunning
	err := s.projects.UpdateProjectRuntime(ctx, domain.ProjectRuntimeUpdate{
		ProjectID:     p.ID,
		ContainerID:   &state.ID,
		Image:         &p.Image,
		Port:          &p.Port,
		Status:        &status,
		StatusMessage: &msg,
	})
	rec.Step(ctx, "save project state", true, err)
	return err
}

// Redeploy recreates the project's container from the image already on the
// server, reapplying labels, port and routes.
func (s Service) Redeploy(ctx context.Context, actor domain.Actor, ref string) (domain.Operation, error) {
	p, srv, err := s.load(ctx, actor, ref)
	if err != nil {
		return domain.Operation{}, err
	}
	return s.exec.Do(ctx, *srv, s.spec(domain.OperationDeploy, p, actor), func(ctx context.Context, conn *remote.Conn, rec *operation.Recorder) error {
		return s.restart(ctx, conn, rec, *p, *srv)
	})
}

// SetDomain stores a new domain and republishes the project when it runs.
func (s Service) SetDomain(ctx context.Context, actor domain.Actor, ref, domainName string) (domain.Operation, error) {
	p, _, err := s.load(ctx, actor, ref)
	if err != nil {
		return domain.Operation{}, err
	}
	normalized, err := ingress.ValidateDomain(domainName)
	if err != nil {
		return domain.Operation{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	previous := p.Domain
	if err := s.projects.UpdateProjectDomain(ctx, p.ID, normalized); err != nil {
		return domain.Operation{}, err
	}
	s.logger.Info("project domain updated", "project_id", p.ID, "domain", normalized, "previous", previous)
	if previous != "" && previous != normalized {
		if err := s.dns.Remove(ctx, previous); err != nil {
			s.logger.Warn("failed to remove old dns record", "project_id", p.ID, "domain", previous, "error", err)
		}
	}
	if p.ContainerID == "" && p.Port == 0 {
		return domain.Operation{}, nil
	}
	return s.Redeploy(ctx, actor, p.ID)
}

// UpdatePort moves the project to a new host port and recreates its
// container. The port is stored once the container runs on it.
func (s Service) UpdatePort(ctx context.Context, actor domain.Actor, ref string, port int) (domain.Operation, error) {
	if port < 1 || port > 65535 {
		return domain.Operation{}, fmt.Errorf("%w: port %d out of range", domain.ErrValidation, port)
	}
	p, srv, err := s.load(ctx, actor, ref)
	if err != nil {
		return domain.Operation{}, err
	}
	if err := s.checkRecordedPort(ctx, *p, port); err != nil {
		return domain.Operation{}, err
	}
	return s.exec.Do(ctx, *srv, s.spec(domain.OperationDeploy, p, actor), func(ctx context.Context, conn *remote.Conn, rec *operation.Recorder) error {
		if port != p.Port {
			used, err := s.usedPorts(ctx, conn, rec, *p)
			if err != nil {
				rec.Step(ctx, "check port", false, err)
				return err
			}
			if slices.Contains(used, port) {
				err := fmt.Errorf("%w: port %d is in use on %s", repository.ErrConflict, port, srv.Name)
				rec.Step(ctx, "check port", false, err)
				return err
			}
		}
		moved := *p
		moved.Port = port
		return s.restart(ctx, conn, rec, moved, *srv)
	})
}

// checkRecordedPort rejects a port already assigned to another project or a
// database on the server of p.
func (s Service) checkRecordedPort(ctx context.Context, p domain.Project, port int) error {
	projects, err := s.projects.ListProjectsByServer(ctx, p.ServerID)
	if err != nil {
		return err
	}
	for _, other := range projects {
		if other.ID != p.ID && other.Port == port {
			return fmt.Errorf("%w: port %d is used by project %s", repository.ErrConflict, port, other.Name)
		}
	}
	dbs, err := s.databases.ListDatabasesByServer(ctx, p.ServerID)
	if err != nil {
		return err
	}
	for _, db := range dbs {
		if db.Port == port {
			return fmt.Errorf("%w: port %d is used by database %s", repository.ErrConflict, port, db.Name)
		}
	}
	return nil
}

// SyncContainer looks the project's container up by label or name and
// stores its id, port and status. Nothing on the server changes.
func (s Service) SyncContainer(ctx context.Context, actor domain.Actor, ref string) (*domain.Project, domain.Operation, error) {
	p, srv, err := s.load(ctx, actor, ref)
	if err != nil {
		return nil, domain.Operation{}, err
	}
	op, err := s.exec.Do(ctx, *srv, s.spec(domain.OperationReconcile, p, actor), func(ctx context.Context, conn *remote.Conn, rec *operation.Recorder) error {
		state, err := FindProjectContainer(ctx, conn.Inspector, *p)
		if err != nil {
			rec.Step(ctx, "find container", false, err)
			return err
		}
		status := domain.ProjectStopped
		if state.Running {
			status = domain.ProjectRunning
		}
		update := domain.ProjectRuntimeUpdate{ProjectID: p.ID, ContainerID: &state.ID, Status: &status}
		if state.HostPort > 0 {
			update.Port = &state.HostPort
		}
		err = s.projects.UpdateProjectRuntime(ctx, update)
		rec.Step(ctx, "save project state", true, err)
		return err
	})
	if err != nil {
		return nil, op, err
	}
	updated, err := s.projects.GetProjectByID(ctx, p.ID)
	return updated, op, err
}

// FixLabels recreates the project's container when its ownership or routing
// labels are missing.
func (s Service) FixLabels(ctx context.Context, actor domain.Actor, ref string) (domain.Operation, bool, error) {
	p, srv, err := s.load(ctx, actor, ref)
	if err != nil {
		return domain.Operation{}, false, err
	}
	fixed := false
	op, err := s.exec.Do(ctx, *srv, s.spec(domain.OperationReconcile, p, actor), func(ctx context.Context, conn *remote.Conn, rec *operation.Recorder) error {
		state, err := FindProjectContainer(ctx, conn.Inspector, *p)
		if err != nil {
			rec.Step(ctx, "find container", false, err)
			return err
		}
		missing := ingress.MissingLabels(s.Labels(*p), state.Labels)
		if len(missing) == 0 {
			rec.Note(ctx, "labels", "labels already correct")
			return nil
		}
		rec.Note(ctx, "labels", "missing: "+strings.Join(missing, ", "))
		if p.Image == "" && state.Image != "" {
			p.Image = state.Image
		}
		if p.Port == 0 {
			p.Port = state.HostPort
		}
		if _, labelled := state.Labels[remote.LabelProject]; !labelled {
			p.ContainerID = state.ID
		}
		fixed = true
		return s.restart(ctx, conn, rec, *p, *srv)
	})
	return op, fixed, err
}

// Remove deletes the project's container, route, DNS record and checkout,
// then the project record.
func (s Service) Remove(ctx context.Context, actor domain.Actor, ref string) (domain.Operation, error) {
	p, srv, err := s.load(ctx, actor, ref)
	if err != nil {
		return domain.Operation{}, err
	}
	op, err := s.exec.Do(ctx, *srv, s.spec(domain.OperationDeploy, p, actor), func(ctx context.Context, conn *remote.Conn, rec *operation.Recorder) error {
		name := remote.ProjectContainerName(*p)
		if existing, err := conn.Inspector.Inspect(ctx, name); err == nil {
			if !ownedBy(existing, *p) {
				rec.Note(ctx, "remove container", fmt.Sprintf("%s belongs to another container owner, left in place", name))
			} else if _, err := rec.Run(ctx, conn.Runner, "remove container", remote.DockerRemove(name), true); err != nil {
				return err
			}
		}
		if err := s.ingress.Remove(ctx, conn.Runner, s.route(*p)); err != nil {
			rec.Step(ctx, "remove ingress", true, err)
			return err
		}
		if p.Kind != domain.ProjectKindWordPress {
			if _, err := rec.Run(ctx, conn.Runner, "remove checkout", remote.RemoveDir(s.appDir(*p)), true); err != nil {
				return err
			}
		}
		if err := s.dns.Remove(ctx, p.Domain); err != nil {
			rec.Note(ctx, "dns", "dns record not removed: "+err.Error())
		}
		err := s.projects.DeleteProject(ctx, p.ID)
		rec.Step(ctx, "delete project", true, err)
		return err
	})
	return op, err
}

// Logs returns the tail of the project's container logs.
func (s Service) Logs(ctx context.Context, actor domain.Actor, ref string, tail int) (string, error) {
	p, srv, err := s.load(ctx, actor, ref)
	if err != nil {
		return "", err
	}
	var out string
	_, err = s.exec.Do(ctx, *srv, s.spec(domain.OperationExec, p, actor), func(ctx context.Context, conn *remote.Conn, rec *operation.Recorder) error {
		res, err := rec.Run(ctx, conn.Runner, "container logs", remote.DockerLogs(remote.ProjectContainerName(*p), tail), false)
		out = res.Stdout + res.Stderr
		return err
	})
	return out, err
}

// Labels returns every label the container of p must carry.
func (s Service) Labels(p domain.Project) map[string]string {
	labels := remote.ProjectLabels(p)
	for k, v := range s.ingress.Labels(s.route(p)) {
		labels[k] = v
	}
	return labels
}

// FindProjectContainer locates the container of p by its project label,
// falling back to the conventional name.
func FindProjectContainer(ctx context.Context, inspector remote.Inspector, p domain.Project) (remote.ContainerState, error) {
	managed, err := inspector.ListManaged(ctx)
	if err != nil {
		return remote.ContainerState{}, err
	}
	for _, c := range managed {
		if c.ProjectID() == p.ID {
			return c, nil
		}
	}
	return inspector.Inspect(ctx, remote.ProjectContainerName(p))
}

func (s Service) load(ctx context.Context, actor domain.Actor, ref string) (*domain.Project, *domain.Server, error) {
	p, err := s.env.Resolve(ctx, actor, ref)
	if err != nil {
		return nil, nil, err
	}
	srv, err := s.servers.GetServerByID(ctx, p.ServerID)
	if err != nil {
		return nil, nil, fmt.Errorf("load server of project %s: %w", p.Name, err)
	}
	return p, srv, nil
}

func (s Service) spec(kind string, p *domain.Project, actor domain.Actor) operation.Spec {
	return operation.Spec{Kind: kind, TargetID: p.ID, ProjectID: p.ID, ActorID: actor.UserID}
}

func (s Service) setStatus(ctx context.Context, projectID, status, message string) {
	err := s.projects.UpdateProjectRuntime(context.WithoutCancel(ctx), domain.ProjectRuntimeUpdate{
		ProjectID:     projectID,
		Status:        &status,
		StatusMessage: &message,
	})
	if err != nil {
		s.logger.Warn("failed to update project status", "project_id", projectID, "status", status, "error", err)
	}
}
