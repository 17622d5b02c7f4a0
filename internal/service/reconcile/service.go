package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/remote"
	"github.com/arkdeploy/ark/internal/repository"
	"github.com/arkdeploy/ark/internal/service/operation"
	"github.com/arkdeploy/ark/pkg/config"
)

// ActionResult is the outcome of one action.
type ActionResult struct {
	Action
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

// Report summarises one reconcile pass over a server.
type Report struct {
	ServerID    string         `json:"server_id"`
	OperationID string         `json:"operation_id,omitempty"`
	Status      string         `json:"status,omitempty"`
	DryRun      bool           `json:"dry_run"`
	Actions     []ActionResult `json:"actions"`
}

// Changed reports whether any action was applied.
func (r Report) Changed() bool {
	for _, a := range r.Actions {
		if a.Applied && a.Kind != FlagOrphanDatabase {
			return true
		}
	}
	return false
}

// Service reconciles one server at a time.
type Service struct {
	servers   repository.ServerRepository
	projects  repository.ProjectRepository
	databases repository.DatabaseRepository
	exec      operation.Executor
	applier   Applier
	opts      Options
	logger    *slog.Logger
}

// New constructs a reconcile service.
func New(servers repository.ServerRepository, projects repository.ProjectRepository, databases repository.DatabaseRepository, exec operation.Executor, applier Applier, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{
		servers:   servers,
		projects:  projects,
		databases: databases,
		exec:      exec,
		applier:   applier,
		opts: Options{
			Proxy:   cfg.IngressMode == "" || cfg.IngressMode == config.IngressTraefik,
			Network: cfg.ProxyNetwork,
			Prune:   cfg.ReconcilePrune,
		},
		logger: logger,
	}
}

// StatusInSync is the report status of an unattended pass that found nothing
// to do. No operation is recorded for it.
const StatusInSync = "in_sync"

// ReconcileServer compares the records of a server with its containers and
// applies the difference. With dryRun the planned actions are recorded but
// nothing changes. Every call is recorded as an operation.
func (s Service) ReconcileServer(ctx context.Context, serverID string, dryRun bool) (Report, error) {
	return s.reconcile(ctx, serverID, dryRun, true)
}

// AutoReconcile is the unattended pass run by the controller. It records an
// operation only when the server drifted or the pass failed.
func (s Service) AutoReconcile(ctx context.Context, serverID string) (Report, error) {
	return s.reconcile(ctx, serverID, false, false)
}

func (s Service) reconcile(ctx context.Context, serverID string, dryRun, always bool) (Report, error) {
	report := Report{ServerID: serverID, DryRun: dryRun}
	srv, err := s.servers.GetServerByID(ctx, serverID)
	if err != nil {
		return report, err
	}
	started := time.Now()
	plan := func(ctx context.Context, conn *remote.Conn) (operation.Work, error) {
		desired, err := s.desired(ctx, srv.ID)
		if err != nil {
			return nil, fmt.Errorf("load records: %w", err)
		}
		observed, err := s.observe(ctx, conn, desired)
		if err != nil {
			return nil, fmt.Errorf("observe containers: %w", err)
		}
		actions := Diff(desired, observed, s.opts)
		if len(actions) == 0 && !always {
			return nil, nil
		}
		return func(ctx context.Context, conn *remote.Conn, rec *operation.Recorder) error {
			return s.apply(ctx, conn, rec, *srv, actions, dryRun, &report)
		}, nil
	}
	op, err := s.exec.DoPlanned(ctx, *srv, operation.Spec{Kind: domain.OperationReconcile, TargetID: srv.ID}, plan)
	report.OperationID = op.ID
	report.Status = op.Status
	recordRun(err, time.Since(started))
	if err != nil {
		return report, err
	}
	if op.ID == "" {
		report.Status = StatusInSync
	}
	if report.Changed() {
		s.logger.Info("server reconciled", "server_id", srv.ID, "operation_id", op.ID, "actions", len(report.Actions))
	}
	return report, nil
}

func (s Service) apply(ctx context.Context, conn *remote.Conn, rec *operation.Recorder, srv domain.Server, actions []Action, dryRun bool, report *Report) error {
	if len(actions) == 0 {
		rec.Note(ctx, "plan", "in sync")
		return nil
	}
	if dryRun {
		for _, a := range actions {
			rec.Note(ctx, "plan", describe(a))
			report.Actions = append(report.Actions, ActionResult{Action: a})
		}
		return nil
	}
	var failed error
	for _, a := range actions {
		err := s.applier.Apply(ctx, conn, rec, srv, a)
		result := ActionResult{Action: a, Applied: err == nil}
		if err != nil {
			result.Error = err.Error()
			failed = errors.Join(failed, fmt.Errorf("%s: %w", describe(a), err))
		}
		rec.Step(ctx, describe(a), a.Kind != FlagOrphanDatabase, err)
		recordAction(a.Kind, err)
		report.Actions = append(report.Actions, result)
	}
	return failed
}

func (s Service) desired(ctx context.Context, serverID string) (Desired, error) {
	projects, err := s.projects.ListProjectsByServer(ctx, serverID)
	if err != nil {
		return Desired{}, fmt.Errorf("list projects: %w", err)
	}
	dbs, err := s.databases.ListDatabasesByServer(ctx, serverID)
	if err != nil {
		return Desired{}, fmt.Errorf("list databases: %w", err)
	}
	orphans, err := s.databases.ListOrphanDatabasesByServer(ctx, serverID)
	if err != nil {
		return Desired{}, fmt.Errorf("list orphan databases: %w", err)
	}
	orphaned := make(map[string]bool, len(orphans))
	for _, db := range orphans {
		orphaned[db.ID] = true
	}

	var d Desired
	for _, p := range projects {
		d.Projects = append(d.Projects, DesiredProject{Project: p, Labels: s.applier.deployer.Labels(p)})
	}
	for _, db := range dbs {
		if orphaned[db.ID] {
			db.OwnerID = nil
		}
		d.Databases = append(d.Databases, db)
	}
	return d, nil
}

// observe lists managed containers and, for records whose container carries
// no labels, looks the container up by name.
func (s Service) observe(ctx context.Context, conn *remote.Conn, desired Desired) (Observed, error) {
	containers, err := conn.Inspector.ListManaged(ctx)
	if err != nil {
		return Observed{}, err
	}
	seen := make(map[string]bool, len(containers))
	for _, c := range containers {
		seen[c.Name] = true
	}
	lookup := func(name string) {
		if seen[name] {
			return
		}
		c, err := conn.Inspector.Inspect(ctx, name)
		if err == nil {
			containers = append(containers, c)
			seen[name] = true
		}
	}
	lookup(remote.ProxyContainerName)
	for _, dp := range desired.Projects {
		lookup(remote.ProjectContainerName(dp.Project))
	}
	for _, db := range desired.Databases {
		lookup(remote.DatabaseContainerName(db))
	}

	observed := Observed{Containers: containers}
	if res, err := conn.Runner.Run(ctx, remote.DockerImages()); err == nil {
		observed.Images = remote.ParseImages(res.Stdout)
	}
	return observed, nil
}

func describe(a Action) string {
	return fmt.Sprintf("%s %s: %s", a.Kind, target(a), a.Reason)
}
