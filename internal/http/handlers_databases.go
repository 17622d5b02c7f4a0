package httpx

import (
	"net/http"

	"github.com/arkdeploy/ark/internal/service/database"
	"github.com/arkdeploy/ark/internal/service/wordpress"
)

func (r *Router) handleListDatabases(w http.ResponseWriter, req *http.Request) {
	dbs, err := r.databases.List(req.Context(), actorFrom(req), req.URL.Query().Get("server_id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"databases": dbs})
}

func (r *Router) handleCreateDatabase(w http.ResponseWriter, req *http.Request) {
	var payload database.CreateInput
	if !decode(w, req, &payload) {
		return
	}
	db, op, err := r.databases.Create(req.Context(), actorFrom(req), payload)
	extra := map[string]any{}
	if db != nil {
		extra["database"] = db
	}
	r.respondOperation(w, req, http.StatusCreated, op, err, extra)
}

func (r *Router) handleGetDatabase(w http.ResponseWriter, req *http.Request) {
	db, err := r.databases.Get(req.Context(), actorFrom(req), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, db)
}

func (r *Router) handleDeleteDatabase(w http.ResponseWriter, req *http.Request) {
	op, err := r.databases.Delete(req.Context(), actorFrom(req), req.PathValue("id"), queryBool(req, "volume"))
	r.respondOperation(w, req, http.StatusOK, op, err, nil)
}

func (r *Router) handleDatabaseConnection(w http.ResponseWriter, req *http.Request) {
	conn, err := r.databases.Connection(req.Context(), actorFrom(req), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (r *Router) handleBackupDatabase(w http.ResponseWriter, req *http.Request) {
	backup, op, err := r.databases.Backup(req.Context(), actorFrom(req), req.PathValue("id"))
	extra := map[string]any{}
	if backup != nil {
		extra["backup"] = backup
	}
	r.respondOperation(w, req, http.StatusCreated, op, err, extra)
}

func (r *Router) handleListBackups(w http.ResponseWriter, req *http.Request) {
	backups, err := r.databases.ListBackups(req.Context(), actorFrom(req), req.PathValue("id"), queryInt(req, "limit", defaultOperationLimit))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": backups})
}

func (r *Router) handleCreateWordPress(w http.ResponseWriter, req *http.Request) {
	var payload wordpress.CreateInput
	if !decode(w, req, &payload) {
		return
	}
	site, op, err := r.wordpress.Create(req.Context(), actorFrom(req), payload)
	extra := map[string]any{}
	if site != nil {
		extra["site"] = site
	}
	r.respondOperation(w, req, http.StatusCreated, op, err, extra)
}

func (r *Router) handleListOrphans(w http.ResponseWriter, req *http.Request) {
	orphans, err := r.databases.Orphans(req.Context(), actorFrom(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"databases": orphans})
}

func (r *Router) handleCleanupOrphans(w http.ResponseWriter, req *http.Request) {
	results, err := r.databases.CleanupOrphans(req.Context(), actorFrom(req), queryBool(req, "dry_run"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
