// Package database provisions containerised databases on servers and
// manages their backups and orphans.
package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/remote"
	"github.com/arkdeploy/ark/internal/repository"
	"github.com/arkdeploy/ark/internal/service/operation"
	"github.com/arkdeploy/ark/internal/service/plan"
	"github.com/arkdeploy/ark/pkg/config"
	"github.com/arkdeploy/ark/pkg/crypto"
)

// ErrInUse is returned when deleting a database a project still points at.
var ErrInUse = errors.New("database is used by a project")

const passwordLength = 24

// Vault seals and opens database passwords.
type Vault interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(payload string) (string, error)
}

// LimitChecker enforces plan limits on resource creation.
type LimitChecker interface {
	CheckLimit(ctx context.Context, actor domain.Actor, resource plan.Resource) error
}

// Service manages databases.
type Service struct {
	repo     repository.DatabaseRepository
	servers  repository.ServerRepository
	projects repository.ProjectRepository
	vault    Vault
	exec     operation.Executor
	limits   LimitChecker
	logger   *slog.Logger
	cfg      config.APIConfig
	now      func() time.Time
}

// New constructs a database service. limits may be nil.
func New(repo repository.DatabaseRepository, servers repository.ServerRepository, projects repository.ProjectRepository, vault Vault, exec operation.Executor, limits LimitChecker, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{repo: repo, servers: servers, projects: projects, vault: vault, exec: exec, limits: limits, logger: logger, cfg: cfg, now: time.Now}
}

// CreateInput describes a database to provision.
type CreateInput struct {
	ServerID string `json:"server_id" validate:"required"`
	Name     string `json:"name" validate:"required,resource"`
	Type     string `json:"type" validate:"required,oneof=postgres mysql mariadb mongodb redis"`
	Version  string `json:"version" validate:"omitempty,max=40,resource"`
	Username string `json:"username" validate:"omitempty,resource,max=32"`
}

// Connection is what an application needs to reach a database.
type Connection struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Database string `json:"database"`
	URI      string `json:"uri"`
}

// Create provisions a database container and records it. The password is
// generated, stored encrypted and never returned by Create.
func (s Service) Create(ctx context.Context, actor domain.Actor, in CreateInput) (*domain.Database, domain.Operation, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Type = strings.ToLower(strings.TrimSpace(in.Type))
	if err := domain.Validate(in); err != nil {
		return nil, domain.Operation{}, err
	}
	srv, err := s.server(ctx, actor, in.ServerID)
	if err != nil {
		return nil, domain.Operation{}, err
	}
	if s.limits != nil {
		if err := s.limits.CheckLimit(ctx, actor, plan.Databases); err != nil {
			return nil, domain.Operation{}, err
		}
	}
	password, err := crypto.RandomPassword(passwordLength)
	if err != nil {
		return nil, domain.Operation{}, err
	}
	sealed, err := s.vault.Encrypt(password)
	if err != nil {
		return nil, domain.Operation{}, fmt.Errorf("encrypt database password: %w", err)
	}
	db := &domain.Database{
		ID:                uuid.NewString(),
		ServerID:          srv.ID,
		Name:              in.Name,
		Type:              in.Type,
		Version:           firstNonEmpty(in.Version, remote.DefaultDatabaseVersion(in.Type)),
		Username:          firstNonEmpty(in.Username, defaultUsername(in.Type)),
		EncryptedPassword: sealed,
		Status:            domain.DatabaseCreating,
	}
	if actor.UserID != "" {
		owner := actor.UserID
		db.OwnerID = &owner
	}

	op, err := s.exec.Do(ctx, *srv, operation.Spec{Kind: domain.OperationCreateDatabase, TargetID: db.ID, ActorID: actor.UserID}, func(ctx context.Context, conn *remote.Conn, rec *operation.Recorder) error {
		return s.provision(ctx, conn, rec, db, password)
	})
	if err != nil {
		return nil, op, err
	}
	s.logger.Info("database created", "database_id", db.ID, "server_id", srv.ID, "type", db.Type, "port", db.Port)
	return db, op, nil
}

// Provision is Create for callers that already hold the server's operation,
// such as WordPress installs.
func (s Service) Provision(ctx context.Context, conn *remote.Conn, rec *operation.Recorder, actor domain.Actor, srv domain.Server, name, dbType string) (*domain.Database, string, error) {
	password, err := crypto.RandomPassword(passwordLength)
	if err != nil {
		return nil, "", err
	}
	sealed, err := s.vault.Encrypt(password)
	if err != nil {
		return nil, "", fmt.Errorf("encrypt database password: %w", err)
	}
	db := &domain.Database{
		ID:                uuid.NewString(),
		ServerID:          srv.ID,
		Name:              name,
		Type:              dbType,
		Version:           remote.DefaultDatabaseVersion(dbType),
		Username:          defaultUsername(dbType),
		EncryptedPassword: sealed,
		Status:            domain.DatabaseCreating,
	}
	if actor.UserID != "" {
		owner := actor.UserID
		db.OwnerID = &owner
	}
	if err := s.provision(ctx, conn, rec, db, password); err != nil {
		return db, "", err
	}
	return db, password, nil
}

func (s Service) provision(ctx context.Context, conn *remote.Conn, rec *operation.Recorder, db *domain.Database, password string) error {
	port, err := s.allocatePort(ctx, conn, rec, db.ServerID)
	if err != nil {
		rec.Step(ctx, "allocate port", false, err)
		return err
	}
	db.Port = port
	if err := s.repo.CreateDatabase(ctx, db); err != nil {
		rec.Step(ctx, "save database", false, err)
		return err
	}
	spec, err := remote.DatabaseSpec(*db, password, s.cfg.ProxyNetwork)
	if err != nil {
		s.markFailed(ctx, db)
		return err
	}
	if s.cfg.ProxyNetwork != "" {
		if _, err := rec.Run(ctx, conn.Runner, "ensure network", remote.EnsureNetwork(s.cfg.ProxyNetwork), true); err != nil {
			s.markFailed(ctx, db)
			return err
		}
	}
	if _, err := rec.Run(ctx, conn.Runner, "run database container", remote.DockerRun(spec), true); err != nil {
		s.markFailed(ctx, db)
		return err
	}
	state, err := conn.Inspector.Inspect(ctx, spec.Name)
	if err != nil {
		err = fmt.Errorf("inspect %s: %w", spec.Name, err)
		rec.Step(ctx, "inspect container", false, err)
		s.markFailed(ctx, db)
		return err
	}
	status := domain.DatabaseRunning
	if !state.Running {
		status = domain.DatabaseStopped
	}
	db.ContainerID = state.ID
	db.Status = status
	err = s.repo.UpdateDatabaseRuntime(ctx, db.ID, state.ID, status)
	rec.Step(ctx, "save database state", true, err)
	return err
}

func (s Service) markFailed(ctx context.Context, db *domain.Database) {
	db.Status = domain.DatabaseFailed
	if err := s.repo.UpdateDatabaseRuntime(context.WithoutCancel(ctx), db.ID, db.ContainerID, domain.DatabaseFailed); err != nil {
		s.logger.Warn("failed to mark database failed", "database_id", db.ID, "error", err)
	}
}

// allocatePort picks a free host port in the database range, skipping ports
// recorded for other databases and projects and ports already listening.
func (s Service) allocatePort(ctx context.Context, conn *remote.Conn, rec *operation.Recorder, serverID string) (int, error) {
	var used []int
	dbs, err := s.repo.ListDatabasesByServer(ctx, serverID)
	if err != nil {
		return 0, fmt.Errorf("list databases: %w", err)
	}
	for _, db := range dbs {
		used = append(used, db.Port)
	}
	projects, err := s.projects.ListProjectsByServer(ctx, serverID)
	if err != nil {
		return 0, fmt.Errorf("list projects: %w", err)
	}
	for _, p := range projects {
		used = append(used, p.Port)
	}
	if observed, err := conn.Inspector.ListManaged(ctx); err == nil {
		for _, c := range observed {
			used = append(used, c.HostPort)
		}
	}
	if res, err := rec.Run(ctx, conn.Runner, "listening ports", remote.ListeningPorts(), false); err == nil {
		used = append(used, remote.ParsePorts(res.Stdout)...)
	}
	return remote.AllocatePort(used, s.cfg.DatabasePortStart, s.cfg.DatabasePortEnd)
}

// List returns the databases visible to actor, optionally for one server.
func (s Service) List(ctx context.Context, actor domain.Actor, serverID string) ([]domain.Database, error) {
	if serverID != "" {
		if _, err := s.server(ctx, actor, serverID); err != nil {
			return nil, err
		}
		return s.repo.ListDatabasesByServer(ctx, serverID)
	}
	if actor.IsAdmin() {
		servers, err := s.servers.ListServers(ctx)
		if err != nil {
			return nil, err
		}
		var all []domain.Database
		for _, srv := range servers {
			dbs, err := s.repo.ListDatabasesByServer(ctx, srv.ID)
			if err != nil {
				return nil, err
			}
			all = append(all, dbs...)
		}
		return all, nil
	}
	return s.repo.ListDatabasesByOwner(ctx, actor.UserID)
}

// Get returns a database owned by actor.
func (s Service) Get(ctx context.Context, actor domain.Actor, id string) (*domain.Database, error) {
	db, err := s.repo.GetDatabaseByID(ctx, id)
	if err != nil {
		return nil, err
	}
	owner := ""
	if db.OwnerID != nil {
		owner = *db.OwnerID
	}
	if !actor.Owns(owner) {
		return nil, domain.ErrForbidden
	}
	return db, nil
}

// Connection returns the decrypted credentials of a database.
func (s Service) Connection(ctx context.Context, actor domain.Actor, id string) (Connection, error) {
	db, err := s.Get(ctx, actor, id)
	if err != nil {
		return Connection{}, err
	}
	srv, err := s.servers.GetServerByID(ctx, db.ServerID)
	if err != nil {
		return Connection{}, err
	}
	password, err := s.vault.Decrypt(db.EncryptedPassword)
	if err != nil {
		return Connection{}, fmt.Errorf("decrypt database password: %w", err)
	}
	return Connection{
		Host:     srv.Host,
		Port:     db.Port,
		Username: db.Username,
		Password: password,
		Database: db.Name,
		URI:      connectionURI(*db, srv.Host, password),
	}, nil
}

// Delete removes the container, optionally its data volume, and the record.
func (s Service) Delete(ctx context.Context, actor domain.Actor, id string, removeVolume bool) (domain.Operation, error) {
	db, err := s.Get(ctx, actor, id)
	if err != nil {
		return domain.Operation{}, err
	}
	projects, err := s.projects.ListProjectsByServer(ctx, db.ServerID)
	if err != nil {
		return domain.Operation{}, err
	}
	for _, p := range projects {
		if p.DatabaseID == db.ID {
			return domain.Operation{}, fmt.Errorf("%w: %s", ErrInUse, p.Name)
		}
	}
	srv, err := s.servers.GetServerByID(ctx, db.ServerID)
	if err != nil {
		return domain.Operation{}, err
	}
	return s.exec.Do(ctx, *srv, operation.Spec{Kind: domain.OperationDeleteDatabase, TargetID: db.ID, ActorID: actor.UserID}, func(ctx context.Context, conn *remote.Conn, rec *operation.Recorder) error {
		return s.remove(ctx, conn, rec, *db, removeVolume)
	})
}

// Discard removes a database provisioned in the caller's operation,
// volume included.
func (s Service) Discard(ctx context.Context, conn *remote.Conn, rec *operation.Recorder, db domain.Database) error {
	return s.remove(ctx, conn, rec, db, true)
}

func (s Service) remove(ctx context.Context, conn *remote.Conn, rec *operation.Recorder, db domain.Database, removeVolume bool) error {
	if _, err := rec.Run(ctx, conn.Runner, "remove container", remote.DockerRemove(remote.DatabaseContainerName(db)), true); err != nil {
		return err
	}
	if removeVolume {
		if _, err := rec.Run(ctx, conn.Runner, "remove volume", remote.DockerVolumeRemove(remote.DatabaseVolumeName(db)), true); err != nil {
			return err
		}
	}
	err := s.repo.DeleteDatabase(ctx, db.ID)
	rec.Step(ctx, "delete database", true, err)
	if err == nil {
		s.logger.Info("database deleted", "database_id", db.ID, "server_id", db.ServerID, "volume_removed", removeVolume)
	}
	return err
}

// Backup dumps the database into the server's backup directory and records
// the dump's size.
func (s Service) Backup(ctx context.Context, actor domain.Actor, id string) (*domain.Backup, domain.Operation, error) {
	db, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, domain.Operation{}, err
	}
	srv, err := s.servers.GetServerByID(ctx, db.ServerID)
	if err != nil {
		return nil, domain.Operation{}, err
	}
	password, err := s.vault.Decrypt(db.EncryptedPassword)
	if err != nil {
		return nil, domain.Operation{}, fmt.Errorf("decrypt database password: %w", err)
	}
	now := s.now().UTC()
	backup := &domain.Backup{
		ID:         uuid.NewString(),
		DatabaseID: db.ID,
		ServerID:   srv.ID,
		Path:       remote.BackupPath(s.cfg.RemoteBackupDir, *db, now.Format("20060102-150405")),
		Status:     domain.BackupRunning,
		CreatedAt:  now,
	}
	op, err := s.exec.Do(ctx, *srv, operation.Spec{Kind: domain.OperationBackupDatabase, TargetID: db.ID, ActorID: actor.UserID}, func(ctx context.Context, conn *remote.Conn, rec *operation.Recorder) error {
		if err := s.repo.CreateBackup(ctx, backup); err != nil {
			rec.Step(ctx, "save backup", false, err)
			return err
		}
		err := s.dump(ctx, conn, rec, *db, password, backup)
		completed := s.now().UTC()
		backup.CompletedAt = &completed
		backup.Status = domain.BackupSucceeded
		if err != nil {
			backup.Status = domain.BackupFailed
			backup.Error = err.Error()
		}
		if saveErr := s.repo.CompleteBackup(context.WithoutCancel(ctx), backup); saveErr != nil {
			rec.Step(ctx, "save backup", false, saveErr)
			return errors.Join(err, saveErr)
		}
		return err
	})
	if err != nil {
		return backup, op, err
	}
	return backup, op, nil
}

func (s Service) dump(ctx context.Context, conn *remote.Conn, rec *operation.Recorder, db domain.Database, password string, backup *domain.Backup) error {
	cmd, err := remote.DatabaseDump(db, password, remote.DatabaseContainerName(db), backup.Path)
	if err != nil {
		return err
	}
	if _, err := rec.Run(ctx, conn.Runner, "dump database", cmd, true); err != nil {
		return err
	}
	res, err := rec.Run(ctx, conn.Runner, "backup size", remote.FileSize(backup.Path), false)
	if err != nil {
		return err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
	if err != nil {
		return fmt.Errorf("parse backup size %q: %w", strings.TrimSpace(res.Stdout), err)
	}
	backup.SizeBytes = size
	return nil
}

// ListBackups returns the most recent backups of a database.
func (s Service) ListBackups(ctx context.Context, actor domain.Actor, id string, limit int) ([]domain.Backup, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListBackups(ctx, id, limit)
}

func (s Service) server(ctx context.Context, actor domain.Actor, id string) (*domain.Server, error) {
	srv, err := s.servers.GetServerByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(srv.OwnerID) {
		return nil, domain.ErrForbidden
	}
	return srv, nil
}

func defaultUsername(dbType string) string {
	switch dbType {
	case domain.DatabaseRedis:
		return "default"
	case domain.DatabaseMongoDB:
		return "admin"
	default:
		return "ark"
	}
}

func connectionURI(db domain.Database, host, password string) string {
	switch db.Type {
	case domain.DatabasePostgres:
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", db.Username, password, host, db.Port, db.Name)
	case domain.DatabaseMySQL, domain.DatabaseMariaDB:
		return fmt.Sprintf("mysql://%s:%s@%s:%d/%s", db.Username, password, host, db.Port, db.Name)
	case domain.DatabaseMongoDB:
		return fmt.Sprintf("mongodb://%s:%s@%s:%d/%s?authSource=admin", db.Username, password, host, db.Port, db.Name)
	case domain.DatabaseRedis:
		return fmt.Sprintf("redis://%s:%s@%s:%d/0", db.Username, password, host, db.Port)
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
