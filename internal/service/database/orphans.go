package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/remote"
	"github.com/arkdeploy/ark/internal/repository"
	"github.com/arkdeploy/ark/internal/service/operation"
)

// OrphanResult reports what cleanup did, or would do, for one orphan.
type OrphanResult struct {
	Database    domain.Database `json:"database"`
	Removed     bool            `json:"removed"`
	OperationID string          `json:"operation_id,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Orphans lists databases whose owner no longer exists. Admins only.
func (s Service) Orphans(ctx context.Context, actor domain.Actor) ([]domain.Database, error) {
	if !actor.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	return s.repo.ListOrphanDatabases(ctx)
}

// CleanupOrphans removes orphaned database containers and records, one
// locked operation per server. With dryRun nothing is changed and the
// result lists what would be removed. Volumes are kept.
func (s Service) CleanupOrphans(ctx context.Context, actor domain.Actor, dryRun bool) ([]OrphanResult, error) {
	orphans, err := s.Orphans(ctx, actor)
	if err != nil {
		return nil, err
	}
	results := make([]OrphanResult, len(orphans))
	byServer := make(map[string][]int)
	var order []string
	for i, db := range orphans {
		results[i] = OrphanResult{Database: db}
		if _, ok := byServer[db.ServerID]; !ok {
			order = append(order, db.ServerID)
		}
		byServer[db.ServerID] = append(byServer[db.ServerID], i)
	}
	if dryRun {
		return results, nil
	}

	for _, serverID := range order {
		idx := byServer[serverID]
		srv, err := s.servers.GetServerByID(ctx, serverID)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				return results, err
			}
			// The server is gone too; only the rows remain.
			for _, i := range idx {
				err := s.repo.DeleteDatabase(ctx, results[i].Database.ID)
				results[i].Removed = err == nil
				if err != nil {
					results[i].Error = err.Error()
				}
			}
			continue
		}
		op, err := s.exec.Do(ctx, *srv, operation.Spec{Kind: domain.OperationCleanupOrphans, TargetID: srv.ID, ActorID: actor.UserID}, func(ctx context.Context, conn *remote.Conn, rec *operation.Recorder) error {
			var failed error
			for _, i := range idx {
				db := results[i].Database
				if err := s.remove(ctx, conn, rec, db, false); err != nil {
					results[i].Error = err.Error()
					failed = errors.Join(failed, fmt.Errorf("%s: %w", db.Name, err))
					continue
				}
				results[i].Removed = true
			}
			return failed
		})
		for _, i := range idx {
			results[i].OperationID = op.ID
			if err != nil && results[i].Error == "" && !results[i].Removed {
				results[i].Error = err.Error()
			}
		}
		if err != nil {
			s.logger.Warn("orphan cleanup incomplete", "server_id", srv.ID, "operation_id", op.ID, "error", err)
		}
	}
	return results, nil
}
