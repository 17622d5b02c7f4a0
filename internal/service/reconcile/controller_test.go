package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/lock"
	"github.com/arkdeploy/ark/pkg/config"
	"github.com/arkdeploy/ark/pkg/logger"
)

type staticServers []domain.Server

func (s staticServers) ListServers(context.Context) ([]domain.Server, error) {
	return s, nil
}

type countingReconciler struct {
	mu       sync.Mutex
	seen     []string
	active   int32
	peak     int32
	outcomes map[string]error
	changed  map[string]bool
}

func (r *countingReconciler) AutoReconcile(_ context.Context, serverID string) (Report, error) {
	n := atomic.AddInt32(&r.active, 1)
	defer atomic.AddInt32(&r.active, -1)
	for {
		peak := atomic.LoadInt32(&r.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&r.peak, peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	r.mu.Lock()
	r.seen = append(r.seen, serverID)
	r.mu.Unlock()

	report := Report{ServerID: serverID}
	if r.changed[serverID] {
		report.Actions = []ActionResult{{Action: Action{Kind: SyncStatus}, Applied: true}}
	}
	return report, r.outcomes[serverID]
}

func TestNewControllerDisabledWithoutInterval(t *testing.T) {
	if c := NewController(staticServers{}, &countingReconciler{}, logger.Discard(), config.APIConfig{}); c != nil {
		t.Fatal("expected nil controller")
	}
	var c *Controller
	c.Run(context.Background())
}

func TestControllerIterationSummarises(t *testing.T) {
	var servers staticServers
	for i := 0; i < 9; i++ {
		servers = append(servers, domain.Server{ID: fmt.Sprintf("s%d", i)})
	}
	rec := &countingReconciler{
		outcomes: map[string]error{
			"s1": fmt.Errorf("server s1: %w", lock.ErrBusy),
			"s2": errors.New("ssh: handshake failed"),
		},
		changed: map[string]bool{"s3": true, "s4": true},
	}
	ctrl := NewController(servers, rec, logger.Discard(), config.APIConfig{ReconcileInterval: time.Minute, ReconcileConcurrency: 2})
	if ctrl == nil {
		t.Fatal("expected controller")
	}

	summary := ctrl.runIteration(context.Background())
	if summary != (Summary{Servers: 9, Changed: 2, Busy: 1, Failed: 1}) {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(rec.seen) != 9 {
		t.Fatalf("expected every server reconciled, got %v", rec.seen)
	}
	if peak := atomic.LoadInt32(&rec.peak); peak > 2 {
		t.Fatalf("concurrency limit exceeded: %d", peak)
	}
}

func TestControllerRunStopsOnCancel(t *testing.T) {
	rec := &countingReconciler{}
	ctrl := NewController(staticServers{{ID: "s1"}}, rec, logger.Discard(), config.APIConfig{ReconcileInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for {
		rec.mu.Lock()
		n := len(rec.seen)
		rec.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first iteration did not run")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not stop")
	}
}
