package domain

import "errors"

var (
	// ErrForbidden is returned when the actor may not touch a resource.
	ErrForbidden = errors.New("forbidden")
	// ErrValidation wraps input validation failures.
	ErrValidation = errors.New("validation failed")
	// ErrPlanLimit is returned when a subscription limit would be exceeded.
	ErrPlanLimit = errors.New("plan limit reached")
	// ErrInvalidCredentials is returned for a failed login.
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// Actor is the authenticated user performing an action. System actors
// (the reconcile loop, the CLI) are admins with an empty ID.
type Actor struct {
	UserID string
	Role   string
}

// SystemActor is used by background jobs and the maintenance CLI.
var SystemActor = Actor{Role: RoleSuperAdmin}

// IsAdmin reports whether the actor has administrative rights.
func (a Actor) IsAdmin() bool {
	return IsAdminRole(a.Role)
}

// Owns reports whether the actor may act on a resource owned by ownerID.
func (a Actor) Owns(ownerID string) bool {
	return a.IsAdmin() || (a.UserID != "" && a.UserID == ownerID)
}
