// Package operation records remote operations step by step so partial
// failures stay visible after the fact.
package operation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/repository"
	"github.com/arkdeploy/ark/internal/sshx"
)

const maxStepOutput = 8 * 1024

// LogSink receives project log lines.
type LogSink interface {
	Append(ctx context.Context, entry domain.ProjectLog) error
}

// Publisher streams operation updates to subscribers.
type Publisher interface {
	Broadcast(topic string, payload []byte)
}

// Service creates Recorders.
type Service struct {
	repo   repository.OperationRepository
	logs   LogSink
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

// New constructs an operation service. logs and pub are optional.
func New(repo repository.OperationRepository, logs LogSink, pub Publisher, logger *slog.Logger) Service {
	return Service{repo: repo, logs: logs, pub: pub, logger: logger, now: time.Now}
}

// Get returns an operation by id.
func (s Service) Get(ctx context.Context, id string) (*domain.Operation, error) {
	return s.repo.GetOperationByID(ctx, id)
}

// ListByTarget returns recent operations for a project, database or server.
func (s Service) ListByTarget(ctx context.Context, targetID string, limit int) ([]domain.Operation, error) {
	return s.repo.ListOperationsByTarget(ctx, targetID, limit)
}

// Spec identifies a new operation.
type Spec struct {
	Kind      string
	ServerID  string
	TargetID  string
	ActorID   string
	ProjectID string
}

// Start persists a running operation and returns its recorder.
func (s Service) Start(ctx context.Context, spec Spec) (*Recorder, error) {
	op := &domain.Operation{
		ID:        uuid.NewString(),
		Kind:      spec.Kind,
		ServerID:  spec.ServerID,
		TargetID:  spec.TargetID,
		ActorID:   spec.ActorID,
		Status:    domain.OperationRunning,
		Steps:     []domain.OperationStep{},
		StartedAt: s.now().UTC(),
	}
	if err := s.repo.CreateOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("record operation: %w", err)
	}
	s.logger.Info("operation started", "operation_id", op.ID, "kind", op.Kind, "server_id", op.ServerID, "target_id", op.TargetID)
	return &Recorder{svc: s, op: op, projectID: spec.ProjectID}, nil
}

// Recorder accumulates the steps of one operation.
type Recorder struct {
	svc       Service
	projectID string

	mu sync.Mutex
	op *domain.Operation
}

// ID returns the operation id.
func (r *Recorder) ID() string {
	return r.op.ID
}

// Operation returns a copy of the current record.
func (r *Recorder) Operation() domain.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.op
	cp.Steps = append([]domain.OperationStep(nil), r.op.Steps...)
	return cp
}

// Run executes cmd on runner and records it as a step. mutating marks
// commands that change remote state; they decide whether a later failure
// leaves the operation partial.
func (r *Recorder) Run(ctx context.Context, runner sshx.Runner, name, cmd string, mutating bool) (sshx.Result, error) {
	res, err := runner.Run(ctx, cmd)
	step := domain.OperationStep{
		Name:     name,
		Command:  redactCommand(cmd),
		ExitCode: res.ExitCode,
		Stdout:   tail(res.Stdout),
		Stderr:   tail(res.Stderr),
		Mutating: mutating,
		Duration: res.Duration,
	}
	if err != nil {
		step.ErrorKind = string(sshx.KindOf(err))
		step.Error = err.Error()
	}
	r.record(ctx, step)
	return res, err
}

// Step records a step that did not run a command, such as a store write.
func (r *Recorder) Step(ctx context.Context, name string, mutating bool, err error) {
	step := domain.OperationStep{Name: name, Mutating: mutating}
	if err != nil {
		step.Error = err.Error()
		step.ErrorKind = string(sshx.KindOf(err))
	}
	r.record(ctx, step)
}

// Note records an informational step.
func (r *Recorder) Note(ctx context.Context, name, message string) {
	r.record(ctx, domain.OperationStep{Name: name, Stdout: message})
}

// Finish closes the operation. A failure after at least one successful
// mutating step is recorded as partial.
func (r *Recorder) Finish(ctx context.Context, opErr error) domain.Operation {
	r.mu.Lock()
	now := r.svc.now().UTC()
	r.op.CompletedAt = &now
	switch {
	case opErr == nil:
		r.op.Status = domain.OperationSucceeded
	case r.mutatedLocked():
		r.op.Status = domain.OperationPartial
		r.op.Error = opErr.Error()
	default:
		r.op.Status = domain.OperationFailed
		r.op.Error = opErr.Error()
	}
	r.mu.Unlock()

	// the record must survive a cancelled request context
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	r.persist(persistCtx)

	op := r.Operation()
	level := slog.LevelInfo
	if op.Status != domain.OperationSucceeded {
		level = slog.LevelWarn
	}
	r.svc.logger.Log(ctx, level, "operation finished", "operation_id", op.ID, "kind", op.Kind, "status", op.Status, "error", op.Error)
	r.log(persistCtx, "operation "+op.Status, op.Error, op.Status != domain.OperationSucceeded)
	r.publish(map[string]any{"type": "finished", "operation": op})
	return op
}

func (r *Recorder) mutatedLocked() bool {
	for _, s := range r.op.Steps {
		if s.Mutating && !s.Failed() {
			return true
		}
	}
	return false
}

func (r *Recorder) record(ctx context.Context, step domain.OperationStep) {
	if step.At.IsZero() {
		step.At = r.svc.now().UTC()
	}
	r.mu.Lock()
	r.op.Steps = append(r.op.Steps, step)
	r.mu.Unlock()

	r.persist(ctx)
	msg := step.Name
	if step.Failed() {
		msg += ": " + step.Error
	}
	r.log(ctx, msg, "", step.Failed())
	r.publish(map[string]any{"type": "step", "operation_id": r.op.ID, "step": step})
}

func (r *Recorder) persist(ctx context.Context) {
	op := r.Operation()
	if err := r.svc.repo.UpdateOperation(ctx, &op); err != nil && !errors.Is(err, context.Canceled) {
		r.svc.logger.Warn("failed to persist operation", "operation_id", op.ID, "error", err)
	}
}

func (r *Recorder) log(ctx context.Context, message, detail string, failed bool) {
	if r.svc.logs == nil || r.projectID == "" {
		return
	}
	level := "info"
	if failed {
		level = "error"
	}
	if detail != "" {
		message += ": " + detail
	}
	entry := domain.ProjectLog{
		ProjectID:   r.projectID,
		OperationID: r.op.ID,
		Source:      r.op.Kind,
		Level:       level,
		Message:     message,
	}
	if err := r.svc.logs.Append(ctx, entry); err != nil {
		r.svc.logger.Warn("failed to append project log", "project_id", r.projectID, "error", err)
	}
}

func (r *Recorder) publish(v any) {
	if r.svc.pub == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	r.svc.pub.Broadcast(r.op.ID, data)
}

func tail(s string) string {
	if len(s) <= maxStepOutput {
		return s
	}
	return "..." + s[len(s)-maxStepOutput:]
}
