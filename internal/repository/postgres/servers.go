package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/repository"
)

const serverColumns = `id, COALESCE(owner_id, ''), name, host, port, username, encrypted_password,
	status, status_message, docker_version, proxy_installed, last_checked_at, created_at, updated_at`

// CreateServer inserts a server.
func (r *Repository) CreateServer(ctx context.Context, server *domain.Server) error {
	if server == nil {
		return repository.ErrInvalidArgument
	}
	const query = `INSERT INTO servers (id, owner_id, name, host, port, username, encrypted_password, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`
	_, err := r.pool.Exec(ctx, query,
		server.ID,
		nilIfEmpty(server.OwnerID),
		server.Name,
		server.Host,
		server.Port,
		server.Username,
		server.EncryptedPassword,
		server.Status,
		server.CreatedAt,
	)
	return mapError(err)
}

// GetServerByID fetches a server.
func (r *Repository) GetServerByID(ctx context.Context, id string) (*domain.Server, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = $1`, id)
	s, err := scanServer(row)
	if err != nil {
		return nil, mapError(err)
	}
	return s, nil
}

// ListServers returns every registered server.
func (r *Repository) ListServers(ctx context.Context) ([]domain.Server, error) {
	return r.queryServers(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY created_at`)
}

// ListServersByOwner returns servers owned by a user.
func (r *Repository) ListServersByOwner(ctx context.Context, ownerID string) ([]domain.Server, error) {
	return r.queryServers(ctx, `SELECT `+serverColumns+` FROM servers WHERE owner_id = $1 ORDER BY created_at`, ownerID)
}

// CountServersByOwner counts servers owned by a user.
func (r *Repository) CountServersByOwner(ctx context.Context, ownerID string) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM servers WHERE owner_id = $1`, ownerID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// UpdateServerStatus records the result of a health check.
func (r *Repository) UpdateServerStatus(ctx context.Context, update domain.ServerStatusUpdate) error {
	const query = `UPDATE servers SET
			status = $2,
			status_message = $3,
			docker_version = CASE WHEN $4 = '' THEN docker_version ELSE $4 END,
			proxy_installed = COALESCE($5, proxy_installed),
			last_checked_at = $6,
			updated_at = NOW()
		WHERE id = $1`
	return expectRow(r.pool.Exec(ctx, query,
		update.ServerID,
		update.Status,
		update.StatusMessage,
		update.DockerVersion,
		update.ProxyInstalled,
		update.CheckedAt.UTC(),
	))
}

// DeleteServer removes a server and, by cascade, its projects and databases.
func (r *Repository) DeleteServer(ctx context.Context, id string) error {
	return expectRow(r.pool.Exec(ctx, `DELETE FROM servers WHERE id = $1`, id))
}

func (r *Repository) queryServers(ctx context.Context, query string, args ...any) ([]domain.Server, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []domain.Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *s)
	}
	return servers, rows.Err()
}

func scanServer(row pgx.Row) (*domain.Server, error) {
	var s domain.Server
	err := row.Scan(
		&s.ID,
		&s.OwnerID,
		&s.Name,
		&s.Host,
		&s.Port,
		&s.Username,
		&s.EncryptedPassword,
		&s.Status,
		&s.StatusMessage,
		&s.DockerVersion,
		&s.ProxyInstalled,
		&s.LastCheckedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
