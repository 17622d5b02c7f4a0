package domain

import "time"

// Database engines that can be provisioned.
const (
	DatabasePostgres = "postgres"
	DatabaseMySQL    = "mysql"
	DatabaseMariaDB  = "mariadb"
	DatabaseMongoDB  = "mongodb"
	DatabaseRedis    = "redis"
)

// Database statuses.
const (
	DatabaseCreating = "creating"
	DatabaseRunning  = "running"
	DatabaseStopped  = "stopped"
	DatabaseFailed   = "failed"
)

// Database is a containerised database provisioned on a server. OwnerID is
// nil when the owning user was removed without cascading; such rows are
// orphans.
type Database struct {
	ID                string    `json:"id"`
	OwnerID           *string   `json:"owner_id"`
	ServerID          string    `json:"server_id"`
	Name              string    `json:"name"`
	Type              string    `json:"type"`
	Version           string    `json:"version,omitempty"`
	Port              int       `json:"port"`
	ContainerID       string    `json:"container_id,omitempty"`
	Username          string    `json:"username"`
	EncryptedPassword string    `json:"-"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Orphaned reports whether the database lost its owner reference.
func (d Database) Orphaned() bool {
	return d.OwnerID == nil || *d.OwnerID == ""
}

// ValidDatabaseType reports whether t is a supported engine.
func ValidDatabaseType(t string) bool {
	switch t {
	case DatabasePostgres, DatabaseMySQL, DatabaseMariaDB, DatabaseMongoDB, DatabaseRedis:
		return true
	}
	return false
}

// Backup statuses.
const (
	BackupRunning   = "running"
	BackupSucceeded = "succeeded"
	BackupFailed    = "failed"
)

// Backup is a dump of a database written on the database's server.
type Backup struct {
	ID          string     `json:"id"`
	DatabaseID  string     `json:"database_id"`
	ServerID    string     `json:"server_id"`
	Path        string     `json:"path"`
	SizeBytes   int64      `json:"size_bytes"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
