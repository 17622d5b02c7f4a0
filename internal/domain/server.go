package domain

import "time"

// Server statuses.
const (
	ServerPending = "pending"
	ServerOnline  = "online"
	ServerOffline = "offline"
	ServerError   = "error"
)

// Server is a remote VPS reachable over SSH. The password is stored encrypted
// in the vault's iv:ciphertext format and never serialised.
type Server struct {
	ID                string     `json:"id"`
	OwnerID           string     `json:"owner_id"`
	Name              string     `json:"name"`
	Host              string     `json:"host"`
	Port              int        `json:"port"`
	Username          string     `json:"username"`
	EncryptedPassword string     `json:"-"`
	Status            string     `json:"status"`
	StatusMessage     string     `json:"status_message,omitempty"`
	DockerVersion     string     `json:"docker_version,omitempty"`
	ProxyInstalled    bool       `json:"proxy_installed"`
	LastCheckedAt     *time.Time `json:"last_checked_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ServerStatusUpdate captures the mutable health fields of a server.
type ServerStatusUpdate struct {
	ServerID       string
	Status         string
	StatusMessage  string
	DockerVersion  string
	ProxyInstalled *bool
	CheckedAt      time.Time
}
