package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/repository"
)

const operationColumns = `id, kind, server_id, target_id, actor_id, status, steps, error, started_at, completed_at`

// CreateOperation records a started operation.
func (r *Repository) CreateOperation(ctx context.Context, op *domain.Operation) error {
	if op == nil {
		return repository.ErrInvalidArgument
	}
	steps, err := encodeSteps(op.Steps)
	if err != nil {
		return err
	}
	const query = `INSERT INTO operations (id, kind, server_id, target_id, actor_id, status, steps, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = r.pool.Exec(ctx, query,
		op.ID,
		op.Kind,
		op.ServerID,
		op.TargetID,
		op.ActorID,
		op.Status,
		steps,
		op.Error,
		op.StartedAt.UTC(),
		op.CompletedAt,
	)
	return mapError(err)
}

// UpdateOperation stores the current steps and outcome of an operation.
func (r *Repository) UpdateOperation(ctx context.Context, op *domain.Operation) error {
	if op == nil {
		return repository.ErrInvalidArgument
	}
	steps, err := encodeSteps(op.Steps)
	if err != nil {
		return err
	}
	const query = `UPDATE operations SET status = $2, steps = $3, error = $4, completed_at = $5 WHERE id = $1`
	return expectRow(r.pool.Exec(ctx, query, op.ID, op.Status, steps, op.Error, op.CompletedAt))
}

// GetOperationByID fetches an operation.
func (r *Repository) GetOperationByID(ctx context.Context, id string) (*domain.Operation, error) {
	op, err := scanOperation(r.pool.QueryRow(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err)
	}
	return op, nil
}

// ListOperationsByTarget returns recent operations against a project, database or server.
func (r *Repository) ListOperationsByTarget(ctx context.Context, targetID string, limit int) ([]domain.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE target_id = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, targetID, clampLimit(limit, 20, 200))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

func encodeSteps(steps []domain.OperationStep) ([]byte, error) {
	if steps == nil {
		steps = []domain.OperationStep{}
	}
	payload, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("encode operation steps: %w", err)
	}
	return payload, nil
}

func scanOperation(row pgx.Row) (*domain.Operation, error) {
	var (
		op    domain.Operation
		steps []byte
	)
	err := row.Scan(
		&op.ID,
		&op.Kind,
		&op.ServerID,
		&op.TargetID,
		&op.ActorID,
		&op.Status,
		&steps,
		&op.Error,
		&op.StartedAt,
		&op.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &op.Steps); err != nil {
			return nil, fmt.Errorf("decode steps for operation %s: %w", op.ID, err)
		}
	}
	return &op, nil
}
