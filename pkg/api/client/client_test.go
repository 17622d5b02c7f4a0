package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewNormalisesBaseURL(t *testing.T) {
	c, err := New("api.example.com/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.baseURL != "http://api.example.com" {
		t.Fatalf("unexpected base url %q", c.baseURL)
	}
}

func TestLoginSendsCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body["email"] != "ops@example.com" || body["password"] != "hunter22" {
			t.Errorf("unexpected body %v", body)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user":   map[string]string{"id": "u1", "email": "ops@example.com", "role": "admin"},
			"tokens": map[string]any{"access_token": "a", "refresh_token": "r", "expires_in": 900},
		})
	})
	c := newTestClient(t, mux)

	sess, err := c.Login(context.Background(), "ops@example.com", "hunter22")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if sess.User.Role != "admin" || sess.Tokens.AccessToken != "a" || sess.Tokens.ExpiresIn != 900 {
		t.Fatalf("unexpected session %+v", sess)
	}
}

func TestAPIErrorCarriesMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /servers", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": "plan limit reached"})
	})
	c := newTestClient(t, mux)

	_, err := c.ListServers(context.Background(), "tok")
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusPaymentRequired || apiErr.Message != "plan limit reached" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestCheckServerReturnsOperationError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /servers/s1/check", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"operation": map[string]any{"id": "op1", "kind": "server.check", "status": "failed", "steps": []any{}},
			"server":    map[string]any{"id": "s1", "status": "offline"},
			"error":     "ssh dial: connection refused",
		})
	})
	c := newTestClient(t, mux)

	srv, op, err := c.CheckServer(context.Background(), "tok", "s1")
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %v", err)
	}
	if op.ID != "op1" || opErr.Operation.ID != "op1" {
		t.Fatalf("operation not returned: %+v", op)
	}
	if srv.Status != "offline" {
		t.Fatalf("server not decoded: %+v", srv)
	}
}

func TestDeployAndWait(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /projects/web/deploy", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"operation": map[string]any{"id": "op9", "kind": "deploy", "status": "running"},
		})
	})
	mux.HandleFunc("GET /operations/op9", func(w http.ResponseWriter, r *http.Request) {
		op := map[string]any{"id": "op9", "kind": "deploy", "status": "running"}
		if polls.Add(1) >= 3 {
			op["status"] = "succeeded"
			op["completed_at"] = time.Now().UTC()
		}
		writeJSON(w, http.StatusOK, op)
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	op, err := c.Deploy(ctx, "tok", "web")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if op.Done() {
		t.Fatalf("deploy should still be running")
	}
	done, err := c.WaitOperation(ctx, "tok", op.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !done.Done() || done.Status != "succeeded" {
		t.Fatalf("unexpected final operation %+v", done)
	}
	if polls.Load() != 3 {
		t.Fatalf("expected 3 polls, got %d", polls.Load())
	}
}

func TestWaitOperationReportsFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /operations/op2", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id": "op2", "status": "partial", "error": "dns: zone not found",
			"completed_at": time.Now().UTC(),
		})
	})
	c := newTestClient(t, mux)

	_, err := c.WaitOperation(context.Background(), "tok", "op2", time.Millisecond)
	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr.Message != "dns: zone not found" {
		t.Fatalf("expected partial failure, got %v", err)
	}
}

func TestReconcileDryRun(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /servers/s1/reconcile", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("dry_run") != "true" {
			t.Errorf("dry_run not set")
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"report": map[string]any{
				"server_id": "s1",
				"dry_run":   true,
				"actions":   []any{map[string]any{"kind": "sync_port", "project_id": "p1", "reason": "port drift"}},
			},
		})
	})
	c := newTestClient(t, mux)

	report, err := c.Reconcile(context.Background(), "tok", "s1", true)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !report.DryRun || len(report.Actions) != 1 || report.Actions[0].Kind != "sync_port" {
		t.Fatalf("unexpected report %+v", report)
	}
}
