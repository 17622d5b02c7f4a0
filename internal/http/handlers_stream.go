package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/service/deploy"
	"github.com/arkdeploy/ark/internal/service/logs"
	"github.com/arkdeploy/ark/internal/service/webhook"
	"github.com/arkdeploy/ark/internal/ws"
)

// loadOperation returns the operation when the actor owns its server.
func (r *Router) loadOperation(w http.ResponseWriter, req *http.Request) (*domain.Operation, bool) {
	op, err := r.operations.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return nil, false
	}
	if _, err := r.servers.Get(req.Context(), actorFrom(req), op.ServerID); err != nil {
		r.writeServiceError(w, req, err)
		return nil, false
	}
	return op, true
}

func (r *Router) handleGetOperation(w http.ResponseWriter, req *http.Request) {
	op, ok := r.loadOperation(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// handleOperationEvents streams operation updates as Server-Sent Events. The
// current record is sent first; the stream ends once the operation completes
// or the client goes away.
func (r *Router) handleOperationEvents(w http.ResponseWriter, req *http.Request) {
	op, ok := r.loadOperation(w, req)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok || r.events == nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, r.logger)
	snapshot, err := json.Marshal(op)
	if err == nil {
		_ = client.Send(snapshot)
	}
	if op.CompletedAt != nil {
		return
	}
	stream := &operationStream{SSEClient: client}
	r.events.Register(op.ID, stream)
	defer r.events.Unregister(op.ID, stream)
	select {
	case <-req.Context().Done():
	case <-client.Done():
	}
}

// operationStream closes the SSE stream after the "finished" event.
type operationStream struct {
	*ws.SSEClient
}

func (s *operationStream) Send(payload []byte) error {
	if err := s.SSEClient.Send(payload); err != nil {
		return err
	}
	var event struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(payload, &event) == nil && event.Type == "finished" {
		s.Close()
	}
	return nil
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	p, err := r.projects.Get(req.Context(), actorFrom(req), req.PathValue("projectID"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	entries, err := r.logs.List(req.Context(), p.ID, queryInt(req, "limit", 100), queryInt(req, "offset", 0))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	payload := make([]json.RawMessage, 0, len(entries))
	for _, entry := range entries {
		data, err := logs.MarshalEntry(entry)
		if err != nil {
			continue
		}
		payload = append(payload, data)
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": payload})
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	projectID := req.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	p, err := r.projects.Get(req.Context(), actorFrom(req), projectID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	hub := r.logs.Hub()
	if hub == nil {
		writeError(w, http.StatusInternalServerError, "log streaming unavailable")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	hub.Register(p.ID, client)
	go func() {
		defer func() {
			hub.Unregister(p.ID, client)
			client.Close()
		}()
		client.Drain()
	}()
}

// handleWebhook verifies a signed git push and starts a deploy when it targets
// the project's branch. Pushes for other branches are acknowledged and ignored.
func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	projectID := req.PathValue("projectID")
	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	signature := req.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		signature = req.Header.Get("X-Webhook-Signature")
	}
	if err := r.webhook.CheckSignature(req.Context(), projectID, body, signature); err != nil {
		r.logger.Warn("webhook rejected", "project_id", projectID, "error", err)
		if errors.Is(err, webhook.ErrMissingSignature) || errors.Is(err, webhook.ErrInvalidSignature) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		r.writeServiceError(w, req, err)
		return
	}
	if event := req.Header.Get("X-GitHub-Event"); event == "ping" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	}
	branch := webhook.PushBranch(body)
	if branch == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	op, err := r.deploys.TriggerPush(req.Context(), projectID, branch)
	if errors.Is(err, deploy.ErrBranchMismatch) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "branch": branch})
		return
	}
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "operation": op})
}
