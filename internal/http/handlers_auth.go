package httpx

import (
	"net/http"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/service/auth"
)

func userPayload(user *domain.User) map[string]any {
	return map[string]any{
		"id":    user.ID,
		"email": user.Email,
		"name":  user.Name,
		"role":  user.Role,
	}
}

func tokensPayload(tokens auth.TokenPair) map[string]any {
	return map[string]any{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_in":    int64(tokens.ExpiresIn.Seconds()),
	}
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if !decode(w, req, &payload) {
		return
	}
	user, tokens, err := r.auth.Signup(req.Context(), auth.SignupInput{Email: payload.Email, Name: payload.Name, Password: payload.Password})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":   userPayload(user),
		"tokens": tokensPayload(tokens),
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decode(w, req, &payload) {
		return
	}
	user, tokens, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, domain.ErrInvalidCredentials.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":   userPayload(user),
		"tokens": tokensPayload(tokens),
	})
}

func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decode(w, req, &payload) {
		return
	}
	tokens, err := r.auth.Refresh(req.Context(), payload.RefreshToken)
	if err != nil {
		r.logger.Warn("token refresh failed", "error", err)
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokensPayload(tokens)})
}

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	actor := actorFrom(req)
	user, err := r.auth.User(req.Context(), actor.UserID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	body := map[string]any{"user": userPayload(user)}
	if sub, err := r.plans.Current(req.Context(), actor); err == nil {
		body["subscription"] = sub
	}
	writeJSON(w, http.StatusOK, body)
}

func (r *Router) handleListUsers(w http.ResponseWriter, req *http.Request) {
	users, err := r.auth.ListUsers(req.Context(), actorFrom(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	out := make([]map[string]any, 0, len(users))
	for i := range users {
		out = append(out, userPayload(&users[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

func (r *Router) handleSetRole(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Role string `json:"role"`
	}
	if !decode(w, req, &payload) {
		return
	}
	if err := r.auth.SetRole(req.Context(), actorFrom(req), req.PathValue("id"), payload.Role); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
