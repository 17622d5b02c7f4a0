package domain

import "time"

// Operation kinds.
const (
	OperationDeploy          = "deploy"
	OperationReconcile       = "reconcile"
	OperationInstallProxy    = "install_proxy"
	OperationCheckServer     = "check_server"
	OperationCreateDatabase  = "create_database"
	OperationDeleteDatabase  = "delete_database"
	OperationBackupDatabase  = "backup_database"
	OperationCreateWordPress = "create_wordpress"
	OperationExec            = "exec"
	OperationCleanupOrphans  = "cleanup_orphans"
)

// Operation statuses. Partial means at least one remote mutation succeeded
// before a later step failed.
const (
	OperationRunning   = "running"
	OperationSucceeded = "succeeded"
	OperationFailed    = "failed"
	OperationPartial   = "partial"
)

// Operation is the persisted record of a remote operation against a server.
type Operation struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	ServerID    string          `json:"server_id"`
	TargetID    string          `json:"target_id,omitempty"`
	ActorID     string          `json:"actor_id,omitempty"`
	Status      string          `json:"status"`
	Steps       []OperationStep `json:"steps"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// OperationStep is one step of an operation, usually one remote command.
type OperationStep struct {
	Name      string        `json:"name"`
	Command   string        `json:"command,omitempty"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Mutating  bool          `json:"mutating"`
	Duration  time.Duration `json:"duration_ns"`
	At        time.Time     `json:"at"`
}

// Failed reports whether the step recorded an error.
func (s OperationStep) Failed() bool {
	return s.Error != ""
}
