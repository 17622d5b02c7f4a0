package reconcile

import (
	"context"
	"fmt"

	"log/slog"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/remote"
	"github.com/arkdeploy/ark/internal/repository"
	"github.com/arkdeploy/ark/internal/service/operation"
	"github.com/arkdeploy/ark/internal/service/server"
)

// Deployer starts project containers inside a held operation.
type Deployer interface {
	Launch(ctx context.Context, conn *remote.Conn, rec *operation.Recorder, p domain.Project, srv domain.Server) error
	Rebuild(ctx context.Context, conn *remote.Conn, rec *operation.Recorder, p domain.Project, srv domain.Server) error
	Labels(p domain.Project) map[string]string
}

// Applier carries out actions. Every action re-reads the record it touches
// so a repeated apply converges instead of failing.
type Applier struct {
	projects  repository.ProjectRepository
	databases repository.DatabaseRepository
	deployer  Deployer
	proxy     remote.TraefikOptions
	logger    *slog.Logger
}

// NewApplier constructs an Applier.
func NewApplier(projects repository.ProjectRepository, databases repository.DatabaseRepository, deployer Deployer, proxy remote.TraefikOptions, logger *slog.Logger) Applier {
	return Applier{projects: projects, databases: databases, deployer: deployer, proxy: proxy, logger: logger}
}

// Apply executes a over conn, recording its steps on rec.
func (a Applier) Apply(ctx context.Context, conn *remote.Conn, rec *operation.Recorder, srv domain.Server, action Action) error {
	switch action.Kind {
	case InstallProxy:
		_, err := server.EnsureProxy(ctx, conn, rec, a.proxy, false)
		return err

	case RedeployProject, RecreateContainer:
		p, err := a.projects.GetProjectByID(ctx, action.ProjectID)
		if err != nil {
			return err
		}
		if action.Kind == RedeployProject {
			return a.deployer.Rebuild(ctx, conn, rec, *p, srv)
		}
		return a.deployer.Launch(ctx, conn, rec, *p, srv)

	case StartContainer:
		ref := action.Container
		if action.ContainerID != "" {
			ref = action.ContainerID
		}
		if _, err := rec.Run(ctx, conn.Runner, "start "+action.Container, remote.DockerStart(ref), true); err != nil {
			return err
		}
		state, err := conn.Inspector.Inspect(ctx, ref)
		if err != nil {
			return fmt.Errorf("inspect %s after start: %w", action.Container, err)
		}
		if !state.Running {
			return fmt.Errorf("%s is %s after start", action.Container, state.State)
		}
		if action.DatabaseID != "" {
			return a.databases.UpdateDatabaseRuntime(ctx, action.DatabaseID, state.ID, domain.DatabaseRunning)
		}
		status := domain.ProjectRunning
		return a.projects.UpdateProjectRuntime(ctx, domain.ProjectRuntimeUpdate{ProjectID: action.ProjectID, ContainerID: &state.ID, Status: &status})

	case SyncContainerID:
		if action.DatabaseID != "" {
			db, err := a.databases.GetDatabaseByID(ctx, action.DatabaseID)
			if err != nil {
				return err
			}
			return a.databases.UpdateDatabaseRuntime(ctx, db.ID, action.ContainerID, db.Status)
		}
		id := action.ContainerID
		return a.projects.UpdateProjectRuntime(ctx, domain.ProjectRuntimeUpdate{ProjectID: action.ProjectID, ContainerID: &id})

	case SyncPort:
		port := action.Port
		return a.projects.UpdateProjectRuntime(ctx, domain.ProjectRuntimeUpdate{ProjectID: action.ProjectID, Port: &port})

	case SyncStatus:
		if action.DatabaseID != "" {
			db, err := a.databases.GetDatabaseByID(ctx, action.DatabaseID)
			if err != nil {
				return err
			}
			return a.databases.UpdateDatabaseRuntime(ctx, db.ID, db.ContainerID, action.Status)
		}
		status, msg := action.Status, action.Reason
		return a.projects.UpdateProjectRuntime(ctx, domain.ProjectRuntimeUpdate{ProjectID: action.ProjectID, Status: &status, StatusMessage: &msg})

	case RemoveOrphanContainer:
		ref := action.ContainerID
		if ref == "" {
			ref = action.Container
		}
		_, err := rec.Run(ctx, conn.Runner, "remove "+action.Container, remote.DockerRemove(ref), true)
		return err

	case FlagOrphanDatabase:
		a.logger.Warn("orphaned database", "database_id", action.DatabaseID, "server_id", srv.ID, "container", action.Container)
		return nil
	}
	return fmt.Errorf("unknown reconcile action %q", action.Kind)
}
