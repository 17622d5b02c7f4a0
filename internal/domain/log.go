package domain

import "time"

// ProjectLog represents a log line emitted by an operation on a project.
type ProjectLog struct {
	ID          int64     `json:"id"`
	ProjectID   string    `json:"project_id"`
	OperationID string    `json:"operation_id,omitempty"`
	Source      string    `json:"source"`
	Level       string    `json:"level"`
	Message     string    `json:"message"`
	Metadata    []byte    `json:"metadata,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
