// Package wordpress installs WordPress sites backed by a MySQL container.
package wordpress

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"log/slog"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/remote"
	"github.com/arkdeploy/ark/internal/repository"
	"github.com/arkdeploy/ark/internal/service/database"
	"github.com/arkdeploy/ark/internal/service/deploy"
	"github.com/arkdeploy/ark/internal/service/operation"
	"github.com/arkdeploy/ark/internal/service/plan"
	"github.com/arkdeploy/ark/internal/service/project"
)

// LimitChecker enforces plan limits on resource creation.
type LimitChecker interface {
	CheckLimit(ctx context.Context, actor domain.Actor, resource plan.Resource) error
}

// Service installs WordPress sites.
type Service struct {
	servers   repository.ServerRepository
	projects  project.Service
	databases database.Service
	deploys   deploy.Service
	exec      operation.Executor
	limits    LimitChecker
	logger    *slog.Logger
}

// New constructs a WordPress installer. limits may be nil.
func New(servers repository.ServerRepository, projects project.Service, databases database.Service, deploys deploy.Service, exec operation.Executor, limits LimitChecker, logger *slog.Logger) Service {
	return Service{servers: servers, projects: projects, databases: databases, deploys: deploys, exec: exec, limits: limits, logger: logger}
}

// CreateInput describes a site to install.
type CreateInput struct {
	ServerID string `json:"server_id" validate:"required"`
	Name     string `json:"name" validate:"required,resource"`
	Domain   string `json:"domain" validate:"omitempty,max=253"`
}

// Site is an installed WordPress project and its database.
type Site struct {
	Project  *domain.Project  `json:"project"`
	Database *domain.Database `json:"database"`
}

// Create provisions the MySQL database, records the project and starts the
// WordPress container, all in one operation on the server. When the project
// cannot be recorded the new database is removed again.
func (s Service) Create(ctx context.Context, actor domain.Actor, in CreateInput) (*Site, domain.Operation, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := domain.Validate(in); err != nil {
		return nil, domain.Operation{}, err
	}
	srv, err := s.servers.GetServerByID(ctx, in.ServerID)
	if err != nil {
		return nil, domain.Operation{}, err
	}
	if !actor.Owns(srv.OwnerID) {
		return nil, domain.Operation{}, domain.ErrForbidden
	}
	if s.limits != nil {
		for _, r := range []plan.Resource{plan.Projects, plan.Databases} {
			if err := s.limits.CheckLimit(ctx, actor, r); err != nil {
				return nil, domain.Operation{}, err
			}
		}
	}

	site := &Site{}
	op, err := s.exec.Do(ctx, *srv, operation.Spec{Kind: domain.OperationCreateWordPress, TargetID: srv.ID, ActorID: actor.UserID}, func(ctx context.Context, conn *remote.Conn, rec *operation.Recorder) error {
		db, _, err := s.databases.Provision(ctx, conn, rec, actor, *srv, databaseName(in.Name), domain.DatabaseMySQL)
		site.Database = db
		if err != nil {
			return fmt.Errorf("provision database: %w", err)
		}
		p, err := s.projects.CreateWordPress(ctx, actor, srv.ID, in.Name, in.Domain, db.ID)
		if err != nil {
			rec.Step(ctx, "save project", false, err)
			if cleanupErr := s.databases.Discard(ctx, conn, rec, *db); cleanupErr != nil {
				return errors.Join(err, cleanupErr)
			}
			site.Database = nil
			return err
		}
		site.Project = p
		return s.deploys.Launch(ctx, conn, rec, *p, *srv)
	})
	if err != nil {
		return site, op, err
	}
	s.logger.Info("wordpress installed", "project_id", site.Project.ID, "database_id", site.Database.ID, "server_id", srv.ID)
	return site, op, nil
}

func databaseName(site string) string {
	return "wp_" + strings.ReplaceAll(remote.Slugify(site), "-", "_")
}
