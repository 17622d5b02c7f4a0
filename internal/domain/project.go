package domain

import "time"

// Project statuses.
const (
	ProjectPending   = "pending"
	ProjectDeploying = "deploying"
	ProjectRunning   = "running"
	ProjectStopped   = "stopped"
	ProjectFailed    = "failed"
)

// Project kinds.
const (
	ProjectKindApp       = "app"
	ProjectKindWordPress = "wordpress"
)

// Project describes a Git-backed application deployed onto a server.
type Project struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	ServerID      string    `json:"server_id"`
	Name          string    `json:"name"`
	Slug          string    `json:"slug"`
	Kind          string    `json:"kind"`
	GitURL        string    `json:"git_url"`
	Branch        string    `json:"branch"`
	Domain        string    `json:"domain,omitempty"`
	Image         string    `json:"image,omitempty"`
	ContainerID   string    `json:"container_id,omitempty"`
	Port          int       `json:"port,omitempty"`
	InternalPort  int       `json:"internal_port"`
	DatabaseID    string    `json:"database_id,omitempty"`
	Status        string    `json:"status"`
	StatusMessage string    `json:"status_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ProjectRuntimeUpdate records the observed or applied runtime state of a project.
// Nil fields are left untouched.
type ProjectRuntimeUpdate struct {
	ProjectID     string
	ContainerID   *string
	Image         *string
	Port          *int
	Status        *string
	StatusMessage *string
}

// ProjectEnvVar stores encrypted environment variables.
type ProjectEnvVar struct {
	ProjectID string
	Key       string
	Value     string
	CreatedAt time.Time
}
