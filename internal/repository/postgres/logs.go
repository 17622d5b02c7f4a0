package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/repository"
)

// AppendLog persists a log line.
func (r *Repository) AppendLog(ctx context.Context, log domain.ProjectLog) error {
	const query = `INSERT INTO project_logs (project_id, operation_id, source, level, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	var metadata any
	if len(log.Metadata) > 0 {
		metadata = log.Metadata
	}
	_, err := r.pool.Exec(ctx, query, log.ProjectID, log.OperationID, log.Source, log.Level, log.Message, metadata, log.CreatedAt)
	return mapError(err)
}

// ListLogsByProject fetches logs for a project.
func (r *Repository) ListLogsByProject(ctx context.Context, projectID string, limit, offset int) ([]domain.ProjectLog, error) {
	const query = `SELECT id, project_id, operation_id, source, level, message, metadata, created_at
		FROM project_logs WHERE project_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`
	if offset < 0 {
		offset = 0
	}
	rows, err := r.pool.Query(ctx, query, projectID, clampLimit(limit, 100, 1000), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.ProjectLog
	for rows.Next() {
		var l domain.ProjectLog
		if err := rows.Scan(&l.ID, &l.ProjectID, &l.OperationID, &l.Source, &l.Level, &l.Message, &l.Metadata, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// UpsertWebhook saves a webhook secret.
func (r *Repository) UpsertWebhook(ctx context.Context, projectID string, secret string) error {
	const query = `INSERT INTO project_webhooks (project_id, secret, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (project_id) DO UPDATE SET secret = EXCLUDED.secret, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, projectID, secret)
	return mapError(err)
}

// GetWebhookSecret retrieves the stored secret for a project.
func (r *Repository) GetWebhookSecret(ctx context.Context, projectID string) (string, error) {
	const query = `SELECT secret FROM project_webhooks WHERE project_id = $1`
	var secret string
	if err := r.pool.QueryRow(ctx, query, projectID).Scan(&secret); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", err
	}
	return strings.TrimSpace(secret), nil
}
