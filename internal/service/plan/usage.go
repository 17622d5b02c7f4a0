package plan

import (
	"context"
	"fmt"

	"github.com/arkdeploy/ark/internal/repository"
)

// StoreUsage counts resources in the repositories.
type StoreUsage struct {
	Servers   repository.ServerRepository
	Projects  repository.ProjectRepository
	Databases repository.DatabaseRepository
}

// Count implements Usage.
func (u StoreUsage) Count(ctx context.Context, ownerID string, resource Resource) (int, error) {
	switch resource {
	case Servers:
		return u.Servers.CountServersByOwner(ctx, ownerID)
	case Projects:
		return u.Projects.CountProjectsByOwner(ctx, ownerID)
	case Databases:
		return u.Databases.CountDatabasesByOwner(ctx, ownerID)
	default:
		return 0, fmt.Errorf("unknown resource %q", resource)
	}
}
