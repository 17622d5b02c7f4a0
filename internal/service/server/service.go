// Package server registers remote hosts and runs maintenance operations
// against them.
package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/arkdeploy/ark/internal/cmdguard"
	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/remote"
	"github.com/arkdeploy/ark/internal/repository"
	"github.com/arkdeploy/ark/internal/service/operation"
	"github.com/arkdeploy/ark/internal/service/plan"
	"github.com/arkdeploy/ark/internal/sshx"
	"github.com/arkdeploy/ark/pkg/config"
)

// Encrypter seals server passwords.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// LimitChecker enforces plan limits on resource creation.
type LimitChecker interface {
	CheckLimit(ctx context.Context, actor domain.Actor, resource plan.Resource) error
}

// Service manages registered servers.
type Service struct {
	repo   repository.ServerRepository
	vault  Encrypter
	exec   operation.Executor
	limits LimitChecker
	logger *slog.Logger
	cfg    config.APIConfig
	now    func() time.Time
}

// New constructs a server service. limits may be nil.
func New(repo repository.ServerRepository, vault Encrypter, exec operation.Executor, limits LimitChecker, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{repo: repo, vault: vault, exec: exec, limits: limits, logger: logger, cfg: cfg, now: time.Now}
}

// RegisterInput describes a server to add.
type RegisterInput struct {
	Name     string `json:"name" validate:"required,max=120"`
	Host     string `json:"host" validate:"required,hostname_rfc1123|ip"`
	Port     int    `json:"port" validate:"omitempty,min=1,max=65535"`
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required"`
}

// Register validates input, encrypts the password and stores the server
// as pending. Connectivity is verified by Check.
func (s Service) Register(ctx context.Context, actor domain.Actor, in RegisterInput) (*domain.Server, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Host = strings.ToLower(strings.TrimSpace(in.Host))
	in.Username = strings.TrimSpace(in.Username)
	if in.Port == 0 {
		in.Port = 22
	}
	if err := domain.Validate(in); err != nil {
		return nil, err
	}
	if s.limits != nil {
		if err := s.limits.CheckLimit(ctx, actor, plan.Servers); err != nil {
			return nil, err
		}
	}
	sealed, err := s.vault.Encrypt(in.Password)
	if err != nil {
		return nil, fmt.Errorf("encrypt server password: %w", err)
	}
	now := s.now().UTC()
	server := &domain.Server{
		ID:                uuid.NewString(),
		OwnerID:           actor.UserID,
		Name:              in.Name,
		Host:              in.Host,
		Port:              in.Port,
		Username:          in.Username,
		EncryptedPassword: sealed,
		Status:            domain.ServerPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.repo.CreateServer(ctx, server); err != nil {
		return nil, err
	}
	s.logger.Info("server registered", "server_id", server.ID, "owner_id", actor.UserID, "host", server.Host)
	return server, nil
}

// List returns the servers visible to actor.
func (s Service) List(ctx context.Context, actor domain.Actor) ([]domain.Server, error) {
	if actor.IsAdmin() {
		return s.repo.ListServers(ctx)
	}
	return s.repo.ListServersByOwner(ctx, actor.UserID)
}

// Get returns a server the actor may access.
func (s Service) Get(ctx context.Context, actor domain.Actor, id string) (*domain.Server, error) {
	server, err := s.repo.GetServerByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(server.OwnerID) {
		return nil, domain.ErrForbidden
	}
	return server, nil
}

// Delete removes a server record along with its projects and databases.
// Containers on the host are left running.
func (s Service) Delete(ctx context.Context, actor domain.Actor, id string) error {
	server, err := s.Get(ctx, actor, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteServer(ctx, server.ID); err != nil {
		return err
	}
	s.logger.Info("server deleted", "server_id", server.ID)
	return nil
}

// Check connects to the server, reads the Docker version and proxy state
// and records the resulting status.
func (s Service) Check(ctx context.Context, actor domain.Actor, id string) (*domain.Server, domain.Operation, error) {
	server, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, domain.Operation{}, err
	}
	var (
		version string
		proxy   *bool
	)
	op, opErr := s.exec.Do(ctx, *server, operation.Spec{Kind: domain.OperationCheckServer, TargetID: server.ID, ActorID: actor.UserID},
		func(ctx context.Context, conn *remote.Conn, rec *operation.Recorder) error {
			res, err := rec.Run(ctx, conn.Runner, "docker version", remote.DockerVersion(), false)
			if err != nil {
				return err
			}
			version = strings.TrimSpace(res.Stdout)
			state, err := conn.Inspector.Inspect(ctx, remote.ProxyContainerName)
			installed := err == nil && state.Running
			if err != nil && !errors.Is(err, remote.ErrContainerNotFound) {
				rec.Step(ctx, "inspect proxy", false, err)
			}
			proxy = &installed
			return nil
		})
	if op.ID == "" && opErr != nil {
		return nil, op, opErr
	}

	update := domain.ServerStatusUpdate{
		ServerID:       server.ID,
		Status:         domain.ServerOnline,
		DockerVersion:  version,
		ProxyInstalled: proxy,
		CheckedAt:      s.now(),
	}
	switch {
	case opErr == nil:
	case errors.Is(opErr, operation.ErrUnreachable):
		update.Status = domain.ServerOffline
		update.StatusMessage = opErr.Error()
	case errors.Is(opErr, sshx.ErrCommandNotFound):
		update.Status = domain.ServerError
		update.StatusMessage = "docker is not installed"
	default:
		update.Status = domain.ServerError
		update.StatusMessage = opErr.Error()
	}
	if err := s.repo.UpdateServerStatus(ctx, update); err != nil {
		return nil, op, err
	}
	s.logger.Info("server checked", "server_id", server.ID, "status", update.Status, "docker_version", version)
	updated, err := s.repo.GetServerByID(ctx, server.ID)
	if err != nil {
		return nil, op, err
	}
	return updated, op, nil
}

// InstallProxy ensures the Traefik container on the server. With force an
// existing proxy is recreated.
func (s Service) InstallProxy(ctx context.Context, actor domain.Actor, id string, force bool) (domain.Operation, error) {
	server, err := s.Get(ctx, actor, id)
	if err != nil {
		return domain.Operation{}, err
	}
	op, err := s.exec.Do(ctx, *server, operation.Spec{Kind: domain.OperationInstallProxy, TargetID: server.ID, ActorID: actor.UserID},
		func(ctx context.Context, conn *remote.Conn, rec *operation.Recorder) error {
			_, err := EnsureProxy(ctx, conn, rec, s.ProxyOptions(), force)
			return err
		})
	if op.ID == "" {
		return op, err
	}
	installed := err == nil
	update := domain.ServerStatusUpdate{
		ServerID:       server.ID,
		Status:         server.Status,
		StatusMessage:  server.StatusMessage,
		ProxyInstalled: &installed,
		CheckedAt:      s.now(),
	}
	if errors.Is(err, operation.ErrUnreachable) {
		update.Status = domain.ServerOffline
		update.StatusMessage = err.Error()
		update.ProxyInstalled = nil
	}
	if uerr := s.repo.UpdateServerStatus(ctx, update); uerr != nil {
		s.logger.Warn("failed to record proxy state", "server_id", server.ID, "error", uerr)
	}
	return op, err
}

// ProxyOptions returns the Traefik settings from configuration.
func (s Service) ProxyOptions() remote.TraefikOptions {
	return remote.TraefikOptions{Image: s.cfg.TraefikImage, Network: s.cfg.ProxyNetwork, ACMEEmail: s.cfg.ACMEEmail}
}

// Exec runs an arbitrary command on the server. Commands matching the
// destructive blacklist are refused before connecting.
func (s Service) Exec(ctx context.Context, actor domain.Actor, id, command string) (sshx.Result, domain.Operation, error) {
	server, err := s.Get(ctx, actor, id)
	if err != nil {
		return sshx.Result{}, domain.Operation{}, err
	}
	if err := cmdguard.Validate(command); err != nil {
		s.logger.Warn("command rejected", "server_id", server.ID, "actor_id", actor.UserID, "error", err)
		return sshx.Result{}, domain.Operation{}, err
	}
	var res sshx.Result
	op, err := s.exec.Do(ctx, *server, operation.Spec{Kind: domain.OperationExec, TargetID: server.ID, ActorID: actor.UserID},
		func(ctx context.Context, conn *remote.Conn, rec *operation.Recorder) error {
			var err error
			res, err = rec.Run(ctx, conn.Runner, "exec", command, true)
			return err
		})
	return res, op, err
}
