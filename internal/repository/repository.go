package repository

import (
	"context"

	"github.com/arkdeploy/ark/internal/domain"
)

// UserRepository persists users.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	UpdateUserRole(ctx context.Context, id, role string) error
	ListUsers(ctx context.Context) ([]domain.User, error)
}

// ServerRepository persists registered servers.
type ServerRepository interface {
	CreateServer(ctx context.Context, server *domain.Server) error
	GetServerByID(ctx context.Context, id string) (*domain.Server, error)
	ListServers(ctx context.Context) ([]domain.Server, error)
	ListServersByOwner(ctx context.Context, ownerID string) ([]domain.Server, error)
	CountServersByOwner(ctx context.Context, ownerID string) (int, error)
	UpdateServerStatus(ctx context.Context, update domain.ServerStatusUpdate) error
	DeleteServer(ctx context.Context, id string) error
}

// ProjectRepository persists project configuration and runtime state.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, id string) (*domain.Project, error)
	GetProjectByName(ctx context.Context, name string) (*domain.Project, error)
	ListProjectsByOwner(ctx context.Context, ownerID string) ([]domain.Project, error)
	ListProjectsByServer(ctx context.Context, serverID string) ([]domain.Project, error)
	CountProjectsByOwner(ctx context.Context, ownerID string) (int, error)
	UpdateProjectRuntime(ctx context.Context, update domain.ProjectRuntimeUpdate) error
	UpdateProjectDomain(ctx context.Context, id, domainName string) error
	DeleteProject(ctx context.Context, id string) error
	UpsertEnvVar(ctx context.Context, envVar *domain.ProjectEnvVar) error
	ListProjectEnvVars(ctx context.Context, projectID string) ([]domain.ProjectEnvVar, error)
}

// DatabaseRepository persists provisioned databases and their backups.
type DatabaseRepository interface {
	CreateDatabase(ctx context.Context, db *domain.Database) error
	GetDatabaseByID(ctx context.Context, id string) (*domain.Database, error)
	ListDatabasesByOwner(ctx context.Context, ownerID string) ([]domain.Database, error)
	ListDatabasesByServer(ctx context.Context, serverID string) ([]domain.Database, error)
	CountDatabasesByOwner(ctx context.Context, ownerID string) (int, error)
	ListOrphanDatabases(ctx context.Context) ([]domain.Database, error)
	ListOrphanDatabasesByServer(ctx context.Context, serverID string) ([]domain.Database, error)
	UpdateDatabaseRuntime(ctx context.Context, id, containerID, status string) error
	DeleteDatabase(ctx context.Context, id string) error
	CreateBackup(ctx context.Context, backup *domain.Backup) error
	CompleteBackup(ctx context.Context, backup *domain.Backup) error
	ListBackups(ctx context.Context, databaseID string, limit int) ([]domain.Backup, error)
}

// PlanRepository persists pricing plans.
type PlanRepository interface {
	UpsertPlan(ctx context.Context, plan *domain.Plan) error
	GetPlanByID(ctx context.Context, id string) (*domain.Plan, error)
	GetPlanBySlug(ctx context.Context, slug string) (*domain.Plan, error)
	ListPlans(ctx context.Context, activeOnly bool) ([]domain.Plan, error)
}

// SubscriptionRepository persists user subscriptions.
type SubscriptionRepository interface {
	CreateSubscription(ctx context.Context, sub *domain.Subscription) error
	GetActiveSubscription(ctx context.Context, userID string) (*domain.Subscription, error)
	CancelSubscription(ctx context.Context, id string) error
}

// OperationRepository records remote operations.
type OperationRepository interface {
	CreateOperation(ctx context.Context, op *domain.Operation) error
	UpdateOperation(ctx context.Context, op *domain.Operation) error
	GetOperationByID(ctx context.Context, id string) (*domain.Operation, error)
	ListOperationsByTarget(ctx context.Context, targetID string, limit int) ([]domain.Operation, error)
}

// LogRepository handles log persistence and retrieval.
type LogRepository interface {
	AppendLog(ctx context.Context, log domain.ProjectLog) error
	ListLogsByProject(ctx context.Context, projectID string, limit, offset int) ([]domain.ProjectLog, error)
}

// WebhookRepository stores webhook secrets.
type WebhookRepository interface {
	UpsertWebhook(ctx context.Context, projectID string, secret string) error
	GetWebhookSecret(ctx context.Context, projectID string) (string, error)
}
