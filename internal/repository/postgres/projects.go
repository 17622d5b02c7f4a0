package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/repository"
)

const projectColumns = `id, COALESCE(owner_id, ''), server_id, name, slug, kind, git_url, branch, domain, image,
	container_id, port, internal_port, database_id, status, status_message, created_at, updated_at`

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	if project == nil {
		return repository.ErrInvalidArgument
	}
	const query = `INSERT INTO projects (
			id, owner_id, server_id, name, slug, kind, git_url, branch, domain,
			port, internal_port, database_id, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)`
	_, err := r.pool.Exec(ctx, query,
		project.ID,
		nilIfEmpty(project.OwnerID),
		project.ServerID,
		project.Name,
		project.Slug,
		project.Kind,
		project.GitURL,
		project.Branch,
		project.Domain,
		project.Port,
		project.InternalPort,
		project.DatabaseID,
		project.Status,
		project.CreatedAt,
	)
	return mapError(err)
}

// GetProjectByID fetches a project.
func (r *Repository) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	p, err := scanProject(r.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

// GetProjectByName fetches a project by its unique name.
func (r *Repository) GetProjectByName(ctx context.Context, name string) (*domain.Project, error) {
	p, err := scanProject(r.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE name = $1`, name))
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

// ListProjectsByOwner lists projects owned by a user.
func (r *Repository) ListProjectsByOwner(ctx context.Context, ownerID string) ([]domain.Project, error) {
	return r.queryProjects(ctx, `SELECT `+projectColumns+` FROM projects WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
}

// ListProjectsByServer lists projects hosted on a server.
func (r *Repository) ListProjectsByServer(ctx context.Context, serverID string) ([]domain.Project, error) {
	return r.queryProjects(ctx, `SELECT `+projectColumns+` FROM projects WHERE server_id = $1 ORDER BY created_at`, serverID)
}

// CountProjectsByOwner counts projects owned by a user.
func (r *Repository) CountProjectsByOwner(ctx context.Context, ownerID string) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM projects WHERE owner_id = $1`, ownerID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// UpdateProjectRuntime applies the non-nil fields of update.
func (r *Repository) UpdateProjectRuntime(ctx context.Context, update domain.ProjectRuntimeUpdate) error {
	const query = `UPDATE projects SET
			container_id = COALESCE($2, container_id),
			image = COALESCE($3, image),
			port = COALESCE($4, port),
			status = COALESCE($5, status),
			status_message = COALESCE($6, status_message),
			updated_at = NOW()
		WHERE id = $1`
	return expectRow(r.pool.Exec(ctx, query,
		update.ProjectID,
		update.ContainerID,
		update.Image,
		update.Port,
		update.Status,
		update.StatusMessage,
	))
}

// UpdateProjectDomain sets the public domain of a project.
func (r *Repository) UpdateProjectDomain(ctx context.Context, id, domainName string) error {
	const query = `UPDATE projects SET domain = $2, updated_at = NOW() WHERE id = $1`
	return expectRow(r.pool.Exec(ctx, query, id, domainName))
}

// DeleteProject removes a project with its env vars and webhook.
func (r *Repository) DeleteProject(ctx context.Context, id string) error {
	return expectRow(r.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id))
}

// UpsertEnvVar creates or updates an encrypted environment variable.
func (r *Repository) UpsertEnvVar(ctx context.Context, envVar *domain.ProjectEnvVar) error {
	if envVar == nil {
		return repository.ErrInvalidArgument
	}
	const query = `INSERT INTO project_env_vars (project_id, key, value, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, key) DO UPDATE SET value = EXCLUDED.value`
	_, err := r.pool.Exec(ctx, query, envVar.ProjectID, envVar.Key, envVar.Value, envVar.CreatedAt)
	return mapError(err)
}

// ListProjectEnvVars returns encrypted env vars for a project.
func (r *Repository) ListProjectEnvVars(ctx context.Context, projectID string) ([]domain.ProjectEnvVar, error) {
	const query = `SELECT project_id, key, value, created_at FROM project_env_vars WHERE project_id = $1 ORDER BY key`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vars []domain.ProjectEnvVar
	for rows.Next() {
		var v domain.ProjectEnvVar
		if err := rows.Scan(&v.ProjectID, &v.Key, &v.Value, &v.CreatedAt); err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}
	return vars, rows.Err()
}

func (r *Repository) queryProjects(ctx context.Context, query string, args ...any) ([]domain.Project, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

func scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	err := row.Scan(
		&p.ID,
		&p.OwnerID,
		&p.ServerID,
		&p.Name,
		&p.Slug,
		&p.Kind,
		&p.GitURL,
		&p.Branch,
		&p.Domain,
		&p.Image,
		&p.ContainerID,
		&p.Port,
		&p.InternalPort,
		&p.DatabaseID,
		&p.Status,
		&p.StatusMessage,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
