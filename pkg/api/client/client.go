package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client provides typed access to the Ark API for scripts and tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8080"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// OperationError is returned when the API recorded an operation that did
// not succeed. The operation carries the per-step results.
type OperationError struct {
	Operation Operation
	Message   string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %s %s: %s", e.Operation.ID, e.Operation.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return errors.New("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// operationEnvelope is the body of every endpoint that runs remote commands.
type operationEnvelope struct {
	Operation *Operation `json:"operation"`
	Error     string     `json:"error"`
}

func (e operationEnvelope) result() (Operation, error) {
	var op Operation
	if e.Operation != nil {
		op = *e.Operation
	}
	if e.Error != "" {
		return op, &OperationError{Operation: op, Message: e.Error}
	}
	return op, nil
}

// User reflects API user payloads.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// TokenPair includes access and refresh tokens. ExpiresIn is in seconds.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Session is returned by Signup and Login.
type Session struct {
	User   User      `json:"user"`
	Tokens TokenPair `json:"tokens"`
}

// Signup registers an account and returns its first token pair.
func (c *Client) Signup(ctx context.Context, email, name, password string) (Session, error) {
	body := map[string]string{"email": email, "name": name, "password": password}
	var resp Session
	if err := c.do(ctx, http.MethodPost, "/auth/signup", body, "", &resp); err != nil {
		return Session{}, err
	}
	return resp, nil
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	body := map[string]string{"email": email, "password": password}
	var resp Session
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, "", &resp); err != nil {
		return Session{}, err
	}
	return resp, nil
}

// Refresh trades a refresh token for a new pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	var resp struct {
		Tokens TokenPair `json:"tokens"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": refreshToken}, "", &resp); err != nil {
		return TokenPair{}, err
	}
	return resp.Tokens, nil
}

// Server mirrors the API server payload.
type Server struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	Name           string     `json:"name"`
	Host           string     `json:"host"`
	Port           int        `json:"port"`
	Username       string     `json:"username"`
	Status         string     `json:"status"`
	StatusMessage  string     `json:"status_message,omitempty"`
	DockerVersion  string     `json:"docker_version,omitempty"`
	ProxyInstalled bool       `json:"proxy_installed"`
	LastCheckedAt  *time.Time `json:"last_checked_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// RegisterServerInput is the body of POST /servers.
type RegisterServerInput struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// ListServers returns the servers visible to the token's user.
func (c *Client) ListServers(ctx context.Context, token string) ([]Server, error) {
	var resp struct {
		Servers []Server `json:"servers"`
	}
	if err := c.do(ctx, http.MethodGet, "/servers", nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Servers, nil
}

// RegisterServer stores a server. Connectivity is verified by CheckServer.
func (c *Client) RegisterServer(ctx context.Context, token string, input RegisterServerInput) (Server, error) {
	var srv Server
	if err := c.do(ctx, http.MethodPost, "/servers", input, token, &srv); err != nil {
		return Server{}, err
	}
	return srv, nil
}

// CheckServer probes the server over SSH.
func (c *Client) CheckServer(ctx context.Context, token, serverID string) (Server, Operation, error) {
	var resp struct {
		operationEnvelope
		Server Server `json:"server"`
	}
	if err := c.do(ctx, http.MethodPost, "/servers/"+url.PathEscape(serverID)+"/check", nil, token, &resp); err != nil {
		return Server{}, Operation{}, err
	}
	op, err := resp.result()
	return resp.Server, op, err
}

// Project mirrors the API project payload.
type Project struct {
	ID            string    `json:"id"`
	ServerID      string    `json:"server_id"`
	Name          string    `json:"name"`
	Kind          string    `json:"kind"`
	GitURL        string    `json:"git_url"`
	Branch        string    `json:"branch"`
	Domain        string    `json:"domain,omitempty"`
	ContainerID   string    `json:"container_id,omitempty"`
	Port          int       `json:"port,omitempty"`
	InternalPort  int       `json:"internal_port"`
	Status        string    `json:"status"`
	StatusMessage string    `json:"status_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// CreateProjectInput is the body of POST /projects.
type CreateProjectInput struct {
	ServerID     string `json:"server_id"`
	Name         string `json:"name"`
	GitURL       string `json:"git_url"`
	Branch       string `json:"branch,omitempty"`
	Domain       string `json:"domain,omitempty"`
	InternalPort int    `json:"internal_port,omitempty"`
}

// ListProjects returns projects, optionally filtered by server.
func (c *Client) ListProjects(ctx context.Context, token, serverID string) ([]Project, error) {
	path := "/projects"
	if serverID != "" {
		path += "?server_id=" + url.QueryEscape(serverID)
	}
	var resp struct {
		Projects []Project `json:"projects"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Projects, nil
}

// GetProject resolves a project by id or name.
func (c *Client) GetProject(ctx context.Context, token, ref string) (Project, error) {
	var p Project
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(ref), nil, token, &p); err != nil {
		return Project{}, err
	}
	return p, nil
}

// CreateProject stores a new project on a server.
func (c *Client) CreateProject(ctx context.Context, token string, input CreateProjectInput) (Project, error) {
	var p Project
	if err := c.do(ctx, http.MethodPost, "/projects", input, token, &p); err != nil {
		return Project{}, err
	}
	return p, nil
}

// SetEnvVar stores one encrypted environment variable.
func (c *Client) SetEnvVar(ctx context.Context, token, projectID, key, value string) error {
	body := map[string]string{"key": key, "value": value}
	return c.do(ctx, http.MethodPut, "/projects/"+url.PathEscape(projectID)+"/env", body, token, nil)
}

// Deploy starts a deploy in the background and returns the running
// operation. Use WaitOperation to follow it.
func (c *Client) Deploy(ctx context.Context, token, ref string) (Operation, error) {
	var resp operationEnvelope
	if err := c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(ref)+"/deploy", nil, token, &resp); err != nil {
		return Operation{}, err
	}
	return resp.result()
}

// SetDomain changes a project's domain. The operation is empty when the
// project was never deployed.
func (c *Client) SetDomain(ctx context.Context, token, ref, domain string) (Operation, error) {
	var resp operationEnvelope
	if err := c.do(ctx, http.MethodPut, "/projects/"+url.PathEscape(ref)+"/domain", map[string]string{"domain": domain}, token, &resp); err != nil {
		return Operation{}, err
	}
	return resp.result()
}

// OperationStep is one recorded remote command.
type OperationStep struct {
	Name      string `json:"name"`
	Command   string `json:"command,omitempty"`
	ExitCode  int    `json:"exit_code"`
	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Operation mirrors the audit record of a remote operation.
type Operation struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	ServerID    string          `json:"server_id"`
	TargetID    string          `json:"target_id,omitempty"`
	Status      string          `json:"status"`
	Steps       []OperationStep `json:"steps"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Done reports whether the operation finished.
func (o Operation) Done() bool {
	return o.CompletedAt != nil
}

// GetOperation fetches an operation by id.
func (c *Client) GetOperation(ctx context.Context, token, id string) (Operation, error) {
	var op Operation
	if err := c.do(ctx, http.MethodGet, "/operations/"+url.PathEscape(id), nil, token, &op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// WaitOperation polls until the operation completes or ctx ends. A
// finished operation that did not succeed is returned with an
// *OperationError.
func (c *Client) WaitOperation(ctx context.Context, token, id string, interval time.Duration) (Operation, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		op, err := c.GetOperation(ctx, token, id)
		if err != nil {
			return Operation{}, err
		}
		if op.Done() {
			if op.Status != "succeeded" {
				return op, &OperationError{Operation: op, Message: op.Error}
			}
			return op, nil
		}
		select {
		case <-ctx.Done():
			return op, ctx.Err()
		case <-ticker.C:
		}
	}
}

// LogEntry is one persisted project log line.
type LogEntry struct {
	ProjectID   string          `json:"project_id"`
	OperationID string          `json:"operation_id"`
	Source      string          `json:"source"`
	Level       string          `json:"level"`
	Message     string          `json:"message"`
	Metadata    json.RawMessage `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ProjectLogs returns recent log lines for a project.
func (c *Client) ProjectLogs(ctx context.Context, token, projectID string, limit int) ([]LogEntry, error) {
	path := "/logs/" + url.PathEscape(projectID)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Logs []LogEntry `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

// ReconcileAction is one planned or applied reconcile step.
type ReconcileAction struct {
	Kind       string `json:"kind"`
	ProjectID  string `json:"project_id,omitempty"`
	DatabaseID string `json:"database_id,omitempty"`
	Reason     string `json:"reason"`
	Applied    bool   `json:"applied"`
	Error      string `json:"error,omitempty"`
}

// ReconcileReport summarises a reconcile pass.
type ReconcileReport struct {
	ServerID    string            `json:"server_id"`
	OperationID string            `json:"operation_id,omitempty"`
	DryRun      bool              `json:"dry_run"`
	Actions     []ReconcileAction `json:"actions"`
}

// Reconcile compares stored state with the server and repairs drift unless
// dryRun is set.
func (c *Client) Reconcile(ctx context.Context, token, serverID string, dryRun bool) (ReconcileReport, error) {
	path := "/servers/" + url.PathEscape(serverID) + "/reconcile"
	if dryRun {
		path += "?dry_run=true"
	}
	var resp struct {
		Report ReconcileReport `json:"report"`
		Error  string          `json:"error"`
	}
	if err := c.do(ctx, http.MethodPost, path, nil, token, &resp); err != nil {
		return ReconcileReport{}, err
	}
	if resp.Error != "" {
		return resp.Report, errors.New(resp.Error)
	}
	return resp.Report, nil
}
