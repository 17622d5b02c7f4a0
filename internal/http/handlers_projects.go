package httpx

import (
	"net/http"

	"github.com/arkdeploy/ark/internal/service/project"
)

const defaultContainerLogTail = 200

func (r *Router) handleListProjects(w http.ResponseWriter, req *http.Request) {
	projects, err := r.projects.List(req.Context(), actorFrom(req), req.URL.Query().Get("server_id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (r *Router) handleCreateProject(w http.ResponseWriter, req *http.Request) {
	var payload project.CreateInput
	if !decode(w, req, &payload) {
		return
	}
	p, err := r.projects.Create(req.Context(), actorFrom(req), payload)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (r *Router) handleGetProject(w http.ResponseWriter, req *http.Request) {
	p, err := r.projects.Resolve(req.Context(), actorFrom(req), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (r *Router) handleRemoveProject(w http.ResponseWriter, req *http.Request) {
	op, err := r.deploys.Remove(req.Context(), actorFrom(req), req.PathValue("id"))
	r.respondOperation(w, req, http.StatusOK, op, err, nil)
}

// handleDeploy starts a deploy in the background. Progress streams from
// /operations/{id}/events.
func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	op, err := r.deploys.DeployAsync(req.Context(), actorFrom(req), req.PathValue("id"))
	r.respondOperation(w, req, http.StatusAccepted, op, err, nil)
}

func (r *Router) handleSetDomain(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Domain string `json:"domain"`
	}
	if !decode(w, req, &payload) {
		return
	}
	op, err := r.deploys.SetDomain(req.Context(), actorFrom(req), req.PathValue("id"), payload.Domain)
	r.respondOperation(w, req, http.StatusOK, op, err, map[string]any{"domain": payload.Domain})
}

func (r *Router) handleUpdatePort(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Port int `json:"port"`
	}
	if !decode(w, req, &payload) {
		return
	}
	op, err := r.deploys.UpdatePort(req.Context(), actorFrom(req), req.PathValue("id"), payload.Port)
	r.respondOperation(w, req, http.StatusOK, op, err, map[string]any{"port": payload.Port})
}

func (r *Router) handleSyncContainer(w http.ResponseWriter, req *http.Request) {
	p, op, err := r.deploys.SyncContainer(req.Context(), actorFrom(req), req.PathValue("id"))
	extra := map[string]any{}
	if p != nil {
		extra["project"] = p
	}
	r.respondOperation(w, req, http.StatusOK, op, err, extra)
}

func (r *Router) handleFixLabels(w http.ResponseWriter, req *http.Request) {
	op, fixed, err := r.deploys.FixLabels(req.Context(), actorFrom(req), req.PathValue("id"))
	r.respondOperation(w, req, http.StatusOK, op, err, map[string]any{"fixed": fixed})
}

func (r *Router) handleContainerLogs(w http.ResponseWriter, req *http.Request) {
	out, err := r.deploys.Logs(req.Context(), actorFrom(req), req.PathValue("id"), queryInt(req, "tail", defaultContainerLogTail))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": out})
}

func (r *Router) handleListEnv(w http.ResponseWriter, req *http.Request) {
	vars, err := r.projects.ListEnvVars(req.Context(), actorFrom(req), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"env": vars})
}

func (r *Router) handleSetEnv(w http.ResponseWriter, req *http.Request) {
	var payload project.EnvVar
	if !decode(w, req, &payload) {
		return
	}
	if err := r.projects.SetEnvVar(req.Context(), actorFrom(req), req.PathValue("id"), payload.Key, payload.Value); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored", "key": payload.Key})
}

// handleWebhookSecret stores the push secret. An empty secret generates one,
// which is returned once.
func (r *Router) handleWebhookSecret(w http.ResponseWriter, req *http.Request) {
	p, err := r.projects.Get(req.Context(), actorFrom(req), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	var payload struct {
		Secret string `json:"secret"`
	}
	if req.ContentLength != 0 && !decode(w, req, &payload) {
		return
	}
	secret, err := r.webhook.UpsertSecret(req.Context(), p.ID, payload.Secret)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "stored", "secret": secret})
}

func (r *Router) handleProjectOperations(w http.ResponseWriter, req *http.Request) {
	p, err := r.projects.Resolve(req.Context(), actorFrom(req), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	ops, err := r.operations.ListByTarget(req.Context(), p.ID, queryInt(req, "limit", defaultOperationLimit))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}
