package project

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/ingress"
	"github.com/arkdeploy/ark/internal/remote"
	"github.com/arkdeploy/ark/internal/repository"
	"github.com/arkdeploy/ark/internal/service/plan"
	"github.com/arkdeploy/ark/pkg/config"
)

// Secrets seals environment variable values at rest.
type Secrets interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(payload string) (string, error)
}

// LimitChecker enforces plan limits on resource creation.
type LimitChecker interface {
	CheckLimit(ctx context.Context, actor domain.Actor, resource plan.Resource) error
}

// CreateInput encapsulates project creation attributes.
type CreateInput struct {
	ServerID     string `json:"server_id" validate:"required"`
	Name         string `json:"name" validate:"required,resource"`
	GitURL       string `json:"git_url" validate:"required,max=500,giturl"`
	Branch       string `json:"branch" validate:"omitempty,gitref"`
	Domain       string `json:"domain"`
	InternalPort int    `json:"internal_port" validate:"omitempty,min=1,max=65535"`
}

// EnvVar represents a decrypted environment variable for API responses.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Service orchestrates project records.
type Service struct {
	projects repository.ProjectRepository
	servers  repository.ServerRepository
	secrets  Secrets
	limits   LimitChecker
	logger   *slog.Logger
	cfg      config.APIConfig
}

// New returns a project service. limits may be nil.
func New(projects repository.ProjectRepository, servers repository.ServerRepository, secrets Secrets, limits LimitChecker, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{projects: projects, servers: servers, secrets: secrets, limits: limits, logger: logger, cfg: cfg}
}

// Create registers a new project on a server the actor owns.
func (s Service) Create(ctx context.Context, actor domain.Actor, in CreateInput) (*domain.Project, error) {
	return s.create(ctx, actor, in, domain.ProjectKindApp)
}

// CreateWordPress registers a WordPress project. It has no Git source.
func (s Service) CreateWordPress(ctx context.Context, actor domain.Actor, serverID, name, domainName string, databaseID string) (*domain.Project, error) {
	in := CreateInput{ServerID: serverID, Name: name, GitURL: "https://wordpress.org/", Domain: domainName, InternalPort: 80}
	p, err := s.build(ctx, actor, in, domain.ProjectKindWordPress)
	if err != nil {
		return nil, err
	}
	p.GitURL = ""
	p.Branch = ""
	p.Image = "wordpress:latest"
	p.DatabaseID = databaseID
	return p, s.insert(ctx, p)
}

func (s Service) create(ctx context.Context, actor domain.Actor, in CreateInput, kind string) (*domain.Project, error) {
	p, err := s.build(ctx, actor, in, kind)
	if err != nil {
		return nil, err
	}
	return p, s.insert(ctx, p)
}

func (s Service) build(ctx context.Context, actor domain.Actor, in CreateInput, kind string) (*domain.Project, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.GitURL = strings.TrimSpace(in.GitURL)
	in.Branch = strings.TrimSpace(in.Branch)
	if err := domain.Validate(in); err != nil {
		return nil, err
	}
	slug := remote.Slugify(in.Name)
	if slug == "" {
		return nil, fmt.Errorf("%w: name %q has no usable characters", domain.ErrValidation, in.Name)
	}
	domainName, err := ingress.ValidateDomain(in.Domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	server, err := s.servers.GetServerByID(ctx, in.ServerID)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(server.OwnerID) {
		return nil, domain.ErrForbidden
	}
	if s.limits != nil {
		if err := s.limits.CheckLimit(ctx, actor, plan.Projects); err != nil {
			return nil, err
		}
	}
	branch := in.Branch
	if branch == "" {
		branch = "main"
	}
	internalPort := in.InternalPort
	if internalPort == 0 {
		internalPort = s.cfg.DefaultContainerPort
	}
	ownerID := actor.UserID
	if ownerID == "" {
		ownerID = server.OwnerID
	}
	now := time.Now().UTC()
	return &domain.Project{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		ServerID:     server.ID,
		Name:         in.Name,
		Slug:         slug,
		Kind:         kind,
		GitURL:       in.GitURL,
		Branch:       branch,
		Domain:       domainName,
		InternalPort: internalPort,
		Status:       domain.ProjectPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (s Service) insert(ctx context.Context, p *domain.Project) error {
	if err := s.projects.CreateProject(ctx, p); err != nil {
		return err
	}
	s.logger.Info("project created", "project_id", p.ID, "owner_id", p.OwnerID, "server_id", p.ServerID, "kind", p.Kind)
	return nil
}

// List returns the projects visible to actor. Admins may filter by server.
func (s Service) List(ctx context.Context, actor domain.Actor, serverID string) ([]domain.Project, error) {
	if serverID != "" {
		server, err := s.servers.GetServerByID(ctx, serverID)
		if err != nil {
			return nil, err
		}
		if !actor.Owns(server.OwnerID) {
			return nil, domain.ErrForbidden
		}
		return s.projects.ListProjectsByServer(ctx, serverID)
	}
	return s.projects.ListProjectsByOwner(ctx, actor.UserID)
}

// Get returns project details by identifier.
func (s Service) Get(ctx context.Context, actor domain.Actor, projectID string) (*domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id required", domain.ErrValidation)
	}
	p, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(p.OwnerID) {
		return nil, domain.ErrForbidden
	}
	return p, nil
}

// Resolve finds a project by id or, failing that, by name.
func (s Service) Resolve(ctx context.Context, actor domain.Actor, ref string) (*domain.Project, error) {
	ref = strings.TrimSpace(ref)
	if _, err := uuid.Parse(ref); err == nil {
		return s.Get(ctx, actor, ref)
	}
	p, err := s.projects.GetProjectByName(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(p.OwnerID) {
		return nil, domain.ErrForbidden
	}
	return p, nil
}

// Delete removes the project record. Remote cleanup is the deploy service's job.
func (s Service) Delete(ctx context.Context, actor domain.Actor, projectID string) error {
	p, err := s.Get(ctx, actor, projectID)
	if err != nil {
		return err
	}
	if err := s.projects.DeleteProject(ctx, p.ID); err != nil {
		return err
	}
	s.logger.Info("project deleted", "project_id", p.ID)
	return nil
}

// SetDomain validates and stores a new domain. Routing is applied on the
// next deploy or by the deploy service's SetDomain.
func (s Service) SetDomain(ctx context.Context, actor domain.Actor, projectID, domainName string) (*domain.Project, error) {
	p, err := s.Get(ctx, actor, projectID)
	if err != nil {
		return nil, err
	}
	normalized, err := ingress.ValidateDomain(domainName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if err := s.projects.UpdateProjectDomain(ctx, p.ID, normalized); err != nil {
		return nil, err
	}
	p.Domain = normalized
	s.logger.Info("project domain updated", "project_id", p.ID, "domain", normalized)
	return p, nil
}

// SetEnvVar encrypts and stores an environment variable.
func (s Service) SetEnvVar(ctx context.Context, actor domain.Actor, projectID, key, value string) error {
	p, err := s.Get(ctx, actor, projectID)
	if err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if !envKeyPattern.MatchString(key) {
		return fmt.Errorf("%w: invalid environment variable name %q", domain.ErrValidation, key)
	}
	if value == "" {
		return fmt.Errorf("%w: environment variable %s has an empty value", domain.ErrValidation, key)
	}
	ciphertext, err := s.secrets.Encrypt(value)
	if err != nil {
		return err
	}
	return s.projects.UpsertEnvVar(ctx, &domain.ProjectEnvVar{
		ProjectID: p.ID,
		Key:       key,
		Value:     ciphertext,
		CreatedAt: time.Now().UTC(),
	})
}

// ListEnvVars decrypts stored environment variables for a project.
func (s Service) ListEnvVars(ctx context.Context, actor domain.Actor, projectID string) ([]EnvVar, error) {
	p, err := s.Get(ctx, actor, projectID)
	if err != nil {
		return nil, err
	}
	return s.envVars(ctx, p.ID)
}

// Environment returns the decrypted environment of a project. A value that
// cannot be decrypted fails the call so a deploy never runs half-configured.
func (s Service) Environment(ctx context.Context, projectID string) (map[string]string, error) {
	stored, err := s.projects.ListProjectEnvVars(ctx, projectID)
	if err != nil {
		return nil, err
	}
	env := make(map[string]string, len(stored))
	for _, item := range stored {
		value, err := s.secrets.Decrypt(item.Value)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s: %w", item.Key, err)
		}
		env[item.Key] = value
	}
	return env, nil
}

func (s Service) envVars(ctx context.Context, projectID string) ([]EnvVar, error) {
	stored, err := s.projects.ListProjectEnvVars(ctx, projectID)
	if err != nil {
		return nil, err
	}
	vars := make([]EnvVar, 0, len(stored))
	for _, item := range stored {
		value, err := s.secrets.Decrypt(item.Value)
		if err != nil {
			s.logger.Warn("failed to decrypt env var", "project_id", projectID, "key", item.Key, "error", err)
			continue
		}
		vars = append(vars, EnvVar{Key: item.Key, Value: value})
	}
	return vars, nil
}
