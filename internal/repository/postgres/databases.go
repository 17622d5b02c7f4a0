package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/repository"
)

const databaseColumns = `id, owner_id, server_id, name, type, version, port, container_id, username,
	encrypted_password, status, created_at, updated_at`

// CreateDatabase inserts a database record.
func (r *Repository) CreateDatabase(ctx context.Context, db *domain.Database) error {
	if db == nil {
		return repository.ErrInvalidArgument
	}
	var owner any
	if db.OwnerID != nil {
		owner = nilIfEmpty(*db.OwnerID)
	}
	const query = `INSERT INTO databases (
			id, owner_id, server_id, name, type, version, port, container_id, username,
			encrypted_password, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`
	_, err := r.pool.Exec(ctx, query,
		db.ID,
		owner,
		db.ServerID,
		db.Name,
		db.Type,
		db.Version,
		db.Port,
		db.ContainerID,
		db.Username,
		db.EncryptedPassword,
		db.Status,
		db.CreatedAt,
	)
	return mapError(err)
}

// GetDatabaseByID fetches a database record.
func (r *Repository) GetDatabaseByID(ctx context.Context, id string) (*domain.Database, error) {
	d, err := scanDatabase(r.pool.QueryRow(ctx, `SELECT `+databaseColumns+` FROM databases WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err)
	}
	return d, nil
}

// ListDatabasesByOwner lists databases owned by a user.
func (r *Repository) ListDatabasesByOwner(ctx context.Context, ownerID string) ([]domain.Database, error) {
	return r.queryDatabases(ctx, `SELECT `+databaseColumns+` FROM databases WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
}

// ListDatabasesByServer lists databases hosted on a server.
func (r *Repository) ListDatabasesByServer(ctx context.Context, serverID string) ([]domain.Database, error) {
	return r.queryDatabases(ctx, `SELECT `+databaseColumns+` FROM databases WHERE server_id = $1 ORDER BY created_at`, serverID)
}

// CountDatabasesByOwner counts databases owned by a user.
func (r *Repository) CountDatabasesByOwner(ctx context.Context, ownerID string) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM databases WHERE owner_id = $1`, ownerID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// ListOrphanDatabases returns databases whose owner is missing or no longer exists.
func (r *Repository) ListOrphanDatabases(ctx context.Context) ([]domain.Database, error) {
	return r.queryOrphans(ctx, orphanQuery+` ORDER BY d.created_at`)
}

// ListOrphanDatabasesByServer is ListOrphanDatabases for one server.
func (r *Repository) ListOrphanDatabasesByServer(ctx context.Context, serverID string) ([]domain.Database, error) {
	return r.queryOrphans(ctx, orphanQuery+` AND d.server_id = $1 ORDER BY d.created_at`, serverID)
}

const orphanQuery = `SELECT d.id, d.owner_id, d.server_id, d.name, d.type, d.version, d.port, d.container_id, d.username,
		d.encrypted_password, d.status, d.created_at, d.updated_at
	FROM databases d
	LEFT JOIN users u ON u.id = d.owner_id
	WHERE (d.owner_id IS NULL OR d.owner_id = '' OR u.id IS NULL)`

func (r *Repository) queryOrphans(ctx context.Context, query string, args ...any) ([]domain.Database, error) {
	dbs, err := r.queryDatabases(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	// owner ids that point at deleted users are reported as missing
	for i := range dbs {
		dbs[i].OwnerID = nil
	}
	return dbs, nil
}

// UpdateDatabaseRuntime records the container and status of a database.
func (r *Repository) UpdateDatabaseRuntime(ctx context.Context, id, containerID, status string) error {
	const query = `UPDATE databases SET
			container_id = CASE WHEN $2 = '' THEN container_id ELSE $2 END,
			status = $3,
			updated_at = NOW()
		WHERE id = $1`
	return expectRow(r.pool.Exec(ctx, query, id, containerID, status))
}

// DeleteDatabase removes a database record and its backups.
func (r *Repository) DeleteDatabase(ctx context.Context, id string) error {
	return expectRow(r.pool.Exec(ctx, `DELETE FROM databases WHERE id = $1`, id))
}

// CreateBackup records a backup that has started.
func (r *Repository) CreateBackup(ctx context.Context, backup *domain.Backup) error {
	if backup == nil {
		return repository.ErrInvalidArgument
	}
	const query = `INSERT INTO database_backups (id, database_id, server_id, path, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, backup.ID, backup.DatabaseID, backup.ServerID, backup.Path, backup.Status, backup.CreatedAt)
	return mapError(err)
}

// CompleteBackup stores the outcome of a backup.
func (r *Repository) CompleteBackup(ctx context.Context, backup *domain.Backup) error {
	if backup == nil {
		return repository.ErrInvalidArgument
	}
	completed := time.Now().UTC()
	if backup.CompletedAt != nil {
		completed = backup.CompletedAt.UTC()
	}
	const query = `UPDATE database_backups SET status = $2, size_bytes = $3, error = $4, completed_at = $5 WHERE id = $1`
	return expectRow(r.pool.Exec(ctx, query, backup.ID, backup.Status, backup.SizeBytes, backup.Error, completed))
}

// ListBackups returns the most recent backups of a database.
func (r *Repository) ListBackups(ctx context.Context, databaseID string, limit int) ([]domain.Backup, error) {
	const query = `SELECT id, database_id, server_id, path, size_bytes, status, error, created_at, completed_at
		FROM database_backups WHERE database_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, databaseID, clampLimit(limit, 20, 200))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var backups []domain.Backup
	for rows.Next() {
		var b domain.Backup
		if err := rows.Scan(&b.ID, &b.DatabaseID, &b.ServerID, &b.Path, &b.SizeBytes, &b.Status, &b.Error, &b.CreatedAt, &b.CompletedAt); err != nil {
			return nil, err
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

func (r *Repository) queryDatabases(ctx context.Context, query string, args ...any) ([]domain.Database, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dbs []domain.Database
	for rows.Next() {
		d, err := scanDatabase(rows)
		if err != nil {
			return nil, err
		}
		dbs = append(dbs, *d)
	}
	return dbs, rows.Err()
}

func scanDatabase(row pgx.Row) (*domain.Database, error) {
	var d domain.Database
	err := row.Scan(
		&d.ID,
		&d.OwnerID,
		&d.ServerID,
		&d.Name,
		&d.Type,
		&d.Version,
		&d.Port,
		&d.ContainerID,
		&d.Username,
		&d.EncryptedPassword,
		&d.Status,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
