package httpx

import (
	"net/http"
	"strings"

	"github.com/arkdeploy/ark/internal/service/server"
)

const defaultOperationLimit = 50

func (r *Router) handleListServers(w http.ResponseWriter, req *http.Request) {
	servers, err := r.servers.List(req.Context(), actorFrom(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": servers})
}

func (r *Router) handleRegisterServer(w http.ResponseWriter, req *http.Request) {
	var payload server.RegisterInput
	if !decode(w, req, &payload) {
		return
	}
	srv, err := r.servers.Register(req.Context(), actorFrom(req), payload)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, srv)
}

func (r *Router) handleGetServer(w http.ResponseWriter, req *http.Request) {
	srv, err := r.servers.Get(req.Context(), actorFrom(req), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (r *Router) handleDeleteServer(w http.ResponseWriter, req *http.Request) {
	if err := r.servers.Delete(req.Context(), actorFrom(req), req.PathValue("id")); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleCheckServer(w http.ResponseWriter, req *http.Request) {
	srv, op, err := r.servers.Check(req.Context(), actorFrom(req), req.PathValue("id"))
	extra := map[string]any{}
	if srv != nil {
		extra["server"] = srv
	}
	r.respondOperation(w, req, http.StatusOK, op, err, extra)
}

func (r *Router) handleInstallProxy(w http.ResponseWriter, req *http.Request) {
	op, err := r.servers.InstallProxy(req.Context(), actorFrom(req), req.PathValue("id"), queryBool(req, "force"))
	r.respondOperation(w, req, http.StatusOK, op, err, nil)
}

func (r *Router) handleExec(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Command string `json:"command"`
	}
	if !decode(w, req, &payload) {
		return
	}
	if strings.TrimSpace(payload.Command) == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	res, op, err := r.servers.Exec(req.Context(), actorFrom(req), req.PathValue("id"), payload.Command)
	r.respondOperation(w, req, http.StatusOK, op, err, map[string]any{"result": res})
}

func (r *Router) handleReconcile(w http.ResponseWriter, req *http.Request) {
	srv, err := r.servers.Get(req.Context(), actorFrom(req), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if r.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "reconciler not configured")
		return
	}
	report, err := r.reconciler.ReconcileServer(req.Context(), srv.ID, queryBool(req, "dry_run"))
	if err != nil && report.OperationID == "" {
		r.writeServiceError(w, req, err)
		return
	}
	body := map[string]any{"report": report}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func (r *Router) handleServerOperations(w http.ResponseWriter, req *http.Request) {
	srv, err := r.servers.Get(req.Context(), actorFrom(req), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	ops, err := r.operations.ListByTarget(req.Context(), srv.ID, queryInt(req, "limit", defaultOperationLimit))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}
