package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/arkdeploy/ark/internal/cmdguard"
	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/ingress"
	"github.com/arkdeploy/ark/internal/lock"
	"github.com/arkdeploy/ark/internal/remote"
	"github.com/arkdeploy/ark/internal/repository"
	"github.com/arkdeploy/ark/internal/service/auth"
	"github.com/arkdeploy/ark/internal/service/database"
	"github.com/arkdeploy/ark/internal/service/deploy"
	"github.com/arkdeploy/ark/internal/service/operation"
	"github.com/arkdeploy/ark/internal/service/webhook"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, remote.ErrContainerNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidCredentials), errors.Is(err, auth.ErrTokenRequired),
		errors.Is(err, webhook.ErrMissingSignature), errors.Is(err, webhook.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrPlanLimit):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrValidation), errors.Is(err, repository.ErrInvalidArgument),
		errors.Is(err, cmdguard.ErrRejected), errors.Is(err, ingress.ErrInvalidDomain),
		errors.Is(err, domain.ErrInvalidServerCount):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrConflict), errors.Is(err, lock.ErrBusy),
		errors.Is(err, database.ErrInUse), errors.Is(err, deploy.ErrBranchMismatch),
		errors.Is(err, deploy.ErrNameTaken):
		return http.StatusConflict
	case errors.Is(err, operation.ErrUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError renders err with the status its kind maps to. Internal
// errors are logged and replaced with a generic message.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// respondOperation renders the outcome of a remote operation. Once an
// operation was recorded the request itself succeeded: the failure travels in
// the body next to the operation record. Errors raised before anything was
// recorded map to a status code as usual.
func (r *Router) respondOperation(w http.ResponseWriter, req *http.Request, status int, op domain.Operation, err error, extra map[string]any) {
	if err != nil && op.ID == "" {
		r.writeServiceError(w, req, err)
		return
	}
	payload := map[string]any{}
	if op.ID != "" {
		payload["operation"] = op
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	for k, v := range extra {
		payload[k] = v
	}
	writeJSON(w, status, payload)
}
