package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arkdeploy/ark/internal/service/auth"
	"github.com/arkdeploy/ark/internal/service/database"
	"github.com/arkdeploy/ark/internal/service/deploy"
	"github.com/arkdeploy/ark/internal/service/logs"
	"github.com/arkdeploy/ark/internal/service/operation"
	"github.com/arkdeploy/ark/internal/service/plan"
	"github.com/arkdeploy/ark/internal/service/project"
	"github.com/arkdeploy/ark/internal/service/reconcile"
	"github.com/arkdeploy/ark/internal/service/server"
	"github.com/arkdeploy/ark/internal/service/webhook"
	"github.com/arkdeploy/ark/internal/service/wordpress"
	"github.com/arkdeploy/ark/internal/ws"
)

// Reconciler converges one server on demand.
type Reconciler interface {
	ReconcileServer(ctx context.Context, serverID string, dryRun bool) (reconcile.Report, error)
}

// Services groups the application services exposed over HTTP.
type Services struct {
	Auth       auth.Service
	Servers    server.Service
	Projects   project.Service
	Deploys    deploy.Service
	Databases  database.Service
	WordPress  wordpress.Service
	Plans      plan.Service
	Operations operation.Service
	Reconciler Reconciler
	Logs       logs.Service
	Webhooks   webhook.Service
	// Events carries operation progress keyed by operation ID.
	Events *ws.Hub
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	auth       auth.Service
	servers    server.Service
	projects   project.Service
	deploys    deploy.Service
	databases  database.Service
	wordpress  wordpress.Service
	plans      plan.Service
	operations operation.Service
	reconciler Reconciler
	logs       logs.Service
	webhook    webhook.Service
	events     *ws.Hub
	upgrader   websocket.Upgrader
	limiter    RateLimiter
	dbHealth   func(context.Context) error
	metrics    *apiMetrics
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitRemote    = 20
	rateLimitWebsocket = 30
	rateLimitWebhook   = 60
	healthCheckTimeout = 2 * time.Second
	maxWebhookBody     = 1 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, svc Services, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger,
		auth:       svc.Auth,
		servers:    svc.Servers,
		projects:   svc.Projects,
		deploys:    svc.Deploys,
		databases:  svc.Databases,
		wordpress:  svc.WordPress,
		plans:      svc.Plans,
		operations: svc.Operations,
		reconciler: svc.Reconciler,
		logs:       svc.Logs,
		webhook:    svc.Webhooks,
		events:     svc.Events,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.metrics = loadAPIMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, r.audit(pattern, h))
}

func (r *Router) user(route string, limit int, h http.HandlerFunc) http.HandlerFunc {
	return r.handlerAuthRate(route, limit, rateWindowDefault, h)
}

func (r *Router) admin(route string, h http.HandlerFunc) http.HandlerFunc {
	return r.handlerAuthRate(route, rateLimitUserWrite, rateWindowDefault, r.requireAdmin(h))
}

func (r *Router) register() {
	r.handle("GET /healthz", r.handleHealthz)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	r.handle("POST /auth/signup", r.withRateLimit("signup", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleSignup))
	r.handle("POST /auth/login", r.withRateLimit("login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin))
	r.handle("POST /auth/refresh", r.withRateLimit("refresh", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleRefresh))
	r.handle("GET /auth/me", r.user("me", rateLimitUserRead, r.handleMe))

	r.handle("GET /servers", r.user("servers", rateLimitUserRead, r.handleListServers))
	r.handle("POST /servers", r.user("servers", rateLimitUserWrite, r.handleRegisterServer))
	r.handle("GET /servers/{id}", r.user("servers", rateLimitUserRead, r.handleGetServer))
	r.handle("DELETE /servers/{id}", r.user("servers", rateLimitUserWrite, r.handleDeleteServer))
	r.handle("POST /servers/{id}/check", r.user("remote", rateLimitRemote, r.handleCheckServer))
	r.handle("POST /servers/{id}/proxy", r.user("remote", rateLimitRemote, r.handleInstallProxy))
	r.handle("POST /servers/{id}/exec", r.user("remote", rateLimitRemote, r.handleExec))
	r.handle("POST /servers/{id}/reconcile", r.user("remote", rateLimitRemote, r.handleReconcile))
	r.handle("GET /servers/{id}/operations", r.user("servers", rateLimitUserRead, r.handleServerOperations))

	r.handle("GET /projects", r.user("projects", rateLimitUserRead, r.handleListProjects))
	r.handle("POST /projects", r.user("projects", rateLimitUserWrite, r.handleCreateProject))
	r.handle("GET /projects/{id}", r.user("projects", rateLimitUserRead, r.handleGetProject))
	r.handle("DELETE /projects/{id}", r.user("remote", rateLimitRemote, r.handleRemoveProject))
	r.handle("POST /projects/{id}/deploy", r.user("remote", rateLimitRemote, r.handleDeploy))
	r.handle("PUT /projects/{id}/domain", r.user("remote", rateLimitRemote, r.handleSetDomain))
	r.handle("PUT /projects/{id}/port", r.user("remote", rateLimitRemote, r.handleUpdatePort))
	r.handle("POST /projects/{id}/sync", r.user("remote", rateLimitRemote, r.handleSyncContainer))
	r.handle("POST /projects/{id}/fix-labels", r.user("remote", rateLimitRemote, r.handleFixLabels))
	r.handle("GET /projects/{id}/container-logs", r.user("remote", rateLimitRemote, r.handleContainerLogs))
	r.handle("GET /projects/{id}/env", r.user("projects", rateLimitUserRead, r.handleListEnv))
	r.handle("PUT /projects/{id}/env", r.user("projects", rateLimitUserWrite, r.handleSetEnv))
	r.handle("POST /projects/{id}/webhook-secret", r.user("projects", rateLimitUserWrite, r.handleWebhookSecret))
	r.handle("GET /projects/{id}/operations", r.user("projects", rateLimitUserRead, r.handleProjectOperations))

	r.handle("GET /databases", r.user("databases", rateLimitUserRead, r.handleListDatabases))
	r.handle("POST /databases", r.user("remote", rateLimitRemote, r.handleCreateDatabase))
	r.handle("GET /databases/{id}", r.user("databases", rateLimitUserRead, r.handleGetDatabase))
	r.handle("DELETE /databases/{id}", r.user("remote", rateLimitRemote, r.handleDeleteDatabase))
	r.handle("GET /databases/{id}/connection", r.user("databases", rateLimitUserRead, r.handleDatabaseConnection))
	r.handle("POST /databases/{id}/backups", r.user("remote", rateLimitRemote, r.handleBackupDatabase))
	r.handle("GET /databases/{id}/backups", r.user("databases", rateLimitUserRead, r.handleListBackups))

	r.handle("POST /wordpress", r.user("remote", rateLimitRemote, r.handleCreateWordPress))

	r.handle("GET /plans", r.user("plans", rateLimitUserRead, r.handleListPlans))
	r.handle("GET /plans/{ref}", r.user("plans", rateLimitUserRead, r.handleGetPlan))
	r.handle("GET /plans/{ref}/quote", r.user("plans", rateLimitUserRead, r.handleQuote))
	r.handle("PUT /plans", r.admin("plans", r.handleUpsertPlan))
	r.handle("DELETE /plans/{ref}", r.admin("plans", r.handleDeactivatePlan))
	r.handle("GET /subscriptions/current", r.user("subscriptions", rateLimitUserRead, r.handleCurrentSubscription))
	r.handle("POST /subscriptions", r.user("subscriptions", rateLimitUserWrite, r.handleSubscribe))
	r.handle("DELETE /subscriptions/current", r.user("subscriptions", rateLimitUserWrite, r.handleCancelSubscription))

	r.handle("GET /operations/{id}", r.user("operations", rateLimitUserRead, r.handleGetOperation))
	r.handle("GET /operations/{id}/events", r.handlerAuthRate("stream", rateLimitWebsocket, rateWindowRealtime, r.handleOperationEvents))

	r.handle("GET /admin/users", r.admin("admin", r.handleListUsers))
	r.handle("PUT /admin/users/{id}/role", r.admin("admin", r.handleSetRole))
	r.handle("GET /admin/orphans", r.admin("admin", r.handleListOrphans))
	r.handle("POST /admin/orphans/cleanup", r.admin("admin", r.handleCleanupOrphans))

	r.handle("GET /logs/{projectID}", r.user("logs", rateLimitUserRead, r.handleLogs))
	r.handle("GET /ws/logs", r.handlerAuthRate("stream", rateLimitWebsocket, rateWindowRealtime, r.handleLogsWS))
	r.handle("POST /webhook/{projectID}", r.withRateLimit("webhook", rateLimitWebhook, rateWindowDefault, rateLimitKeyIP, r.handleWebhook))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		r.metrics.inFlight.Inc()
		next(recorder, req)
		r.metrics.inFlight.Dec()

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.metrics.observe(req.Method, route, status, duration)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID, "role", info.Role)
		} else if strings.HasPrefix(req.URL.Path, "/webhook/") {
			actor = "webhook"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

// decode reads a JSON body, rejecting unknown fields.
func decode(w http.ResponseWriter, req *http.Request, dst any) bool {
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func queryInt(req *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(req.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func queryBool(req *http.Request, key string) bool {
	v, _ := strconv.ParseBool(req.URL.Query().Get(key))
	return v
}
