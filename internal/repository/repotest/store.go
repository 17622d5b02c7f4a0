// Package repotest provides an in-memory implementation of every repository
// interface for service tests.
package repotest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/repository"
)

// Store keeps every aggregate in maps guarded by one mutex.
type Store struct {
	mu         sync.Mutex
	Users      map[string]domain.User
	Servers    map[string]domain.Server
	Projects   map[string]domain.Project
	EnvVars    map[string]map[string]domain.ProjectEnvVar
	Databases  map[string]domain.Database
	Backups    map[string]domain.Backup
	Plans      map[string]domain.Plan
	Subs       map[string]domain.Subscription
	Operations map[string]domain.Operation
	Logs       []domain.ProjectLog
	Webhooks   map[string]string
	// OrphanScans lists the server of every orphan query, "" for all servers.
	OrphanScans []string
}

var (
	_ repository.UserRepository         = (*Store)(nil)
	_ repository.ServerRepository       = (*Store)(nil)
	_ repository.ProjectRepository      = (*Store)(nil)
	_ repository.DatabaseRepository     = (*Store)(nil)
	_ repository.PlanRepository         = (*Store)(nil)
	_ repository.SubscriptionRepository = (*Store)(nil)
	_ repository.OperationRepository    = (*Store)(nil)
	_ repository.LogRepository          = (*Store)(nil)
	_ repository.WebhookRepository      = (*Store)(nil)
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		Users:      map[string]domain.User{},
		Servers:    map[string]domain.Server{},
		Projects:   map[string]domain.Project{},
		EnvVars:    map[string]map[string]domain.ProjectEnvVar{},
		Databases:  map[string]domain.Database{},
		Backups:    map[string]domain.Backup{},
		Plans:      map[string]domain.Plan{},
		Subs:       map[string]domain.Subscription{},
		Operations: map[string]domain.Operation{},
		Webhooks:   map[string]string{},
	}
}

// Users

func (s *Store) CreateUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.Users {
		if u.Email == user.Email {
			return repository.ErrConflict
		}
	}
	s.Users[user.ID] = *user
	return nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.Users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.Users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (s *Store) UpdateUserRole(_ context.Context, id, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.Users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.Role = role
	s.Users[id] = u
	return nil
}

func (s *Store) ListUsers(context.Context) ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.User, 0, len(s.Users))
	for _, u := range s.Users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

// Servers

func (s *Store) CreateServer(_ context.Context, server *domain.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.Servers {
		if existing.Host == server.Host && existing.Port == server.Port && existing.Username == server.Username {
			return repository.ErrConflict
		}
	}
	s.Servers[server.ID] = *server
	return nil
}

func (s *Store) GetServerByID(_ context.Context, id string) (*domain.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.Servers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &srv, nil
}

func (s *Store) ListServers(context.Context) ([]domain.Server, error) {
	return s.filterServers(func(domain.Server) bool { return true }), nil
}

func (s *Store) ListServersByOwner(_ context.Context, ownerID string) ([]domain.Server, error) {
	return s.filterServers(func(srv domain.Server) bool { return srv.OwnerID == ownerID }), nil
}

func (s *Store) CountServersByOwner(ctx context.Context, ownerID string) (int, error) {
	list, _ := s.ListServersByOwner(ctx, ownerID)
	return len(list), nil
}

func (s *Store) filterServers(keep func(domain.Server) bool) []domain.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Server
	for _, srv := range s.Servers {
		if keep(srv) {
			out = append(out, srv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) UpdateServerStatus(_ context.Context, update domain.ServerStatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.Servers[update.ServerID]
	if !ok {
		return repository.ErrNotFound
	}
	srv.Status = update.Status
	srv.StatusMessage = update.StatusMessage
	if update.DockerVersion != "" {
		srv.DockerVersion = update.DockerVersion
	}
	if update.ProxyInstalled != nil {
		srv.ProxyInstalled = *update.ProxyInstalled
	}
	checked := update.CheckedAt.UTC()
	srv.LastCheckedAt = &checked
	s.Servers[srv.ID] = srv
	return nil
}

func (s *Store) DeleteServer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Servers[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.Servers, id)
	for pid, p := range s.Projects {
		if p.ServerID == id {
			delete(s.Projects, pid)
		}
	}
	for dbID, db := range s.Databases {
		if db.ServerID == id {
			delete(s.Databases, dbID)
		}
	}
	return nil
}

// Projects

func (s *Store) CreateProject(_ context.Context, project *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Servers[project.ServerID]; !ok {
		return repository.ErrNotFound
	}
	for _, p := range s.Projects {
		if p.Name == project.Name || p.Slug == project.Slug {
			return repository.ErrConflict
		}
	}
	s.Projects[project.ID] = *project
	return nil
}

func (s *Store) GetProjectByID(_ context.Context, id string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetProjectByName(_ context.Context, name string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.Projects {
		if p.Name == name {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) ListProjectsByOwner(_ context.Context, ownerID string) ([]domain.Project, error) {
	return s.filterProjects(func(p domain.Project) bool { return p.OwnerID == ownerID }), nil
}

func (s *Store) ListProjectsByServer(_ context.Context, serverID string) ([]domain.Project, error) {
	return s.filterProjects(func(p domain.Project) bool { return p.ServerID == serverID }), nil
}

func (s *Store) CountProjectsByOwner(ctx context.Context, ownerID string) (int, error) {
	list, _ := s.ListProjectsByOwner(ctx, ownerID)
	return len(list), nil
}

func (s *Store) filterProjects(keep func(domain.Project) bool) []domain.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Project
	for _, p := range s.Projects {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) UpdateProjectRuntime(_ context.Context, update domain.ProjectRuntimeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Projects[update.ProjectID]
	if !ok {
		return repository.ErrNotFound
	}
	if update.ContainerID != nil {
		p.ContainerID = *update.ContainerID
	}
	if update.Image != nil {
		p.Image = *update.Image
	}
	if update.Port != nil {
		p.Port = *update.Port
	}
	if update.Status != nil {
		p.Status = *update.Status
	}
	if update.StatusMessage != nil {
		p.StatusMessage = *update.StatusMessage
	}
	p.UpdatedAt = time.Now().UTC()
	s.Projects[p.ID] = p
	return nil
}

func (s *Store) UpdateProjectDomain(_ context.Context, id, domainName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Projects[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.Domain = domainName
	s.Projects[id] = p
	return nil
}

func (s *Store) DeleteProject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Projects[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.Projects, id)
	delete(s.EnvVars, id)
	return nil
}

func (s *Store) UpsertEnvVar(_ context.Context, envVar *domain.ProjectEnvVar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Projects[envVar.ProjectID]; !ok {
		return repository.ErrNotFound
	}
	vars := s.EnvVars[envVar.ProjectID]
	if vars == nil {
		vars = map[string]domain.ProjectEnvVar{}
		s.EnvVars[envVar.ProjectID] = vars
	}
	vars[envVar.Key] = *envVar
	return nil
}

func (s *Store) ListProjectEnvVars(_ context.Context, projectID string) ([]domain.ProjectEnvVar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ProjectEnvVar
	for _, v := range s.EnvVars[projectID] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Databases

func (s *Store) CreateDatabase(_ context.Context, db *domain.Database) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.Databases {
		if existing.ServerID == db.ServerID && existing.Name == db.Name {
			return repository.ErrConflict
		}
	}
	s.Databases[db.ID] = *db
	return nil
}

func (s *Store) GetDatabaseByID(_ context.Context, id string) (*domain.Database, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.Databases[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &db, nil
}

func (s *Store) ListDatabasesByOwner(_ context.Context, ownerID string) ([]domain.Database, error) {
	return s.filterDatabases(func(db domain.Database) bool { return db.OwnerID != nil && *db.OwnerID == ownerID }), nil
}

func (s *Store) ListDatabasesByServer(_ context.Context, serverID string) ([]domain.Database, error) {
	return s.filterDatabases(func(db domain.Database) bool { return db.ServerID == serverID }), nil
}

func (s *Store) CountDatabasesByOwner(ctx context.Context, ownerID string) (int, error) {
	list, _ := s.ListDatabasesByOwner(ctx, ownerID)
	return len(list), nil
}

func (s *Store) ListOrphanDatabases(context.Context) ([]domain.Database, error) {
	s.scanned("")
	return s.orphans(func(domain.Database) bool { return true }), nil
}

func (s *Store) ListOrphanDatabasesByServer(_ context.Context, serverID string) ([]domain.Database, error) {
	s.scanned(serverID)
	return s.orphans(func(db domain.Database) bool { return db.ServerID == serverID }), nil
}

func (s *Store) scanned(serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OrphanScans = append(s.OrphanScans, serverID)
}

func (s *Store) orphans(keep func(domain.Database) bool) []domain.Database {
	s.mu.Lock()
	users := make(map[string]struct{}, len(s.Users))
	for id := range s.Users {
		users[id] = struct{}{}
	}
	s.mu.Unlock()
	orphans := s.filterDatabases(func(db domain.Database) bool {
		if !keep(db) {
			return false
		}
		if db.Orphaned() {
			return true
		}
		_, ok := users[*db.OwnerID]
		return !ok
	})
	for i := range orphans {
		orphans[i].OwnerID = nil
	}
	return orphans
}

func (s *Store) filterDatabases(keep func(domain.Database) bool) []domain.Database {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Database
	for _, db := range s.Databases {
		if keep(db) {
			out = append(out, db)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) UpdateDatabaseRuntime(_ context.Context, id, containerID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.Databases[id]
	if !ok {
		return repository.ErrNotFound
	}
	if containerID != "" {
		db.ContainerID = containerID
	}
	db.Status = status
	s.Databases[id] = db
	return nil
}

func (s *Store) DeleteDatabase(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Databases[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.Databases, id)
	return nil
}

func (s *Store) CreateBackup(_ context.Context, backup *domain.Backup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Backups[backup.ID] = *backup
	return nil
}

func (s *Store) CompleteBackup(_ context.Context, backup *domain.Backup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Backups[backup.ID]; !ok {
		return repository.ErrNotFound
	}
	s.Backups[backup.ID] = *backup
	return nil
}

func (s *Store) ListBackups(_ context.Context, databaseID string, limit int) ([]domain.Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Backup
	for _, b := range s.Backups {
		if b.DatabaseID == databaseID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Plans and subscriptions

func (s *Store) UpsertPlan(_ context.Context, plan *domain.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.Plans {
		if p.Slug == plan.Slug {
			plan.ID = id
			plan.CreatedAt = p.CreatedAt
		}
	}
	plan.UpdatedAt = time.Now().UTC()
	s.Plans[plan.ID] = *plan
	return nil
}

func (s *Store) GetPlanByID(_ context.Context, id string) (*domain.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Plans[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetPlanBySlug(_ context.Context, slug string) (*domain.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.Plans {
		if p.Slug == slug {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) ListPlans(_ context.Context, activeOnly bool) ([]domain.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Plan
	for _, p := range s.Plans {
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PricePerServer < out[j].PricePerServer })
	return out, nil
}

func (s *Store) CreateSubscription(_ context.Context, sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.Subs {
		if existing.UserID == sub.UserID && existing.Status == domain.SubscriptionActive {
			return repository.ErrConflict
		}
	}
	s.Subs[sub.ID] = *sub
	return nil
}

func (s *Store) GetActiveSubscription(_ context.Context, userID string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.Subs {
		if sub.UserID == userID && sub.Status == domain.SubscriptionActive {
			return &sub, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) CancelSubscription(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.Subs[id]
	if !ok {
		return repository.ErrNotFound
	}
	now := time.Now().UTC()
	sub.Status = domain.SubscriptionCanceled
	sub.CanceledAt = &now
	s.Subs[id] = sub
	return nil
}

// Operations

func (s *Store) CreateOperation(_ context.Context, op *domain.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *op
	cp.Steps = append([]domain.OperationStep(nil), op.Steps...)
	s.Operations[op.ID] = cp
	return nil
}

func (s *Store) UpdateOperation(_ context.Context, op *domain.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Operations[op.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *op
	cp.Steps = append([]domain.OperationStep(nil), op.Steps...)
	s.Operations[op.ID] = cp
	return nil
}

func (s *Store) GetOperationByID(_ context.Context, id string) (*domain.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.Operations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &op, nil
}

func (s *Store) ListOperationsByTarget(_ context.Context, targetID string, limit int) ([]domain.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Operation
	for _, op := range s.Operations {
		if op.TargetID == targetID || op.ServerID == targetID {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// OperationsOfKind returns stored operations of kind.
func (s *Store) OperationsOfKind(kind string) []domain.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Operation
	for _, op := range s.Operations {
		if op.Kind == kind {
			out = append(out, op)
		}
	}
	return out
}

// Logs and webhooks

func (s *Store) AppendLog(_ context.Context, log domain.ProjectLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.ID = int64(len(s.Logs) + 1)
	s.Logs = append(s.Logs, log)
	return nil
}

func (s *Store) ListLogsByProject(_ context.Context, projectID string, limit, offset int) ([]domain.ProjectLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ProjectLog
	for i := len(s.Logs) - 1; i >= 0; i-- {
		if s.Logs[i].ProjectID == projectID {
			out = append(out, s.Logs[i])
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpsertWebhook(_ context.Context, projectID string, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Webhooks[projectID] = secret
	return nil
}

func (s *Store) GetWebhookSecret(_ context.Context, projectID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret, ok := s.Webhooks[projectID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return secret, nil
}
