package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/ingress"
	"github.com/arkdeploy/ark/internal/lock"
	"github.com/arkdeploy/ark/internal/remote"
	"github.com/arkdeploy/ark/internal/remote/remotetest"
	"github.com/arkdeploy/ark/internal/repository/repotest"
	"github.com/arkdeploy/ark/internal/service/deploy"
	"github.com/arkdeploy/ark/internal/service/operation"
	"github.com/arkdeploy/ark/internal/service/project"
	"github.com/arkdeploy/ark/internal/sshx/sshxtest"
	"github.com/arkdeploy/ark/pkg/config"
	"github.com/arkdeploy/ark/pkg/crypto"
	"github.com/arkdeploy/ark/pkg/logger"
)

const projectID = "0b6f7a9e-2c41-4d3a-8f5e-7a1b2c3d4e5f"

type noDNS struct{}

func (noDNS) Ensure(context.Context, string, string) error { return nil }
func (noDNS) Remove(context.Context, string) error         { return nil }

type fixture struct {
	svc       Service
	store     *repotest.Store
	connector *remotetest.Connector
	deploys   deploy.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	vault, err := crypto.NewVault("reconcile-test")
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.APIConfig{
		ProxyNetwork:         "ark",
		IngressMode:          config.IngressTraefik,
		TraefikImage:         "traefik:v2.11",
		PortRangeStart:       20000,
		PortRangeEnd:         20010,
		DefaultContainerPort: 3000,
		RemoteAppsDir:        "/opt/ark/apps",
	}
	store := repotest.New()
	store.Users["owner"] = domain.User{ID: "owner", Role: domain.RoleUser}
	store.Servers["s1"] = domain.Server{ID: "s1", OwnerID: "owner", Name: "web", Host: "192.0.2.10"}
	store.Projects[projectID] = domain.Project{
		ID: projectID, OwnerID: "owner", ServerID: "s1", Name: "api", Slug: "api", Kind: domain.ProjectKindApp,
		Domain: "api.example.com", InternalPort: 3000, Port: 20001, ContainerID: "old", Status: domain.ProjectFailed,
	}

	connector := remotetest.NewConnector()
	exec := operation.NewExecutor(operation.New(store, nil, nil, logger.Discard()), connector, lock.NewMemory(), time.Minute)
	projects := project.New(store, store, vault, nil, logger.Discard(), cfg)
	deploys := deploy.New(deploy.Deps{
		Projects: store, Servers: store, Databases: store, Resolver: projects,
		Secrets: vault, Executor: exec, Ingress: ingress.Traefik{Network: "ark"}, DNS: noDNS{},
	}, logger.Discard(), cfg)
	applier := NewApplier(store, store, deploys, remote.TraefikOptions{Image: cfg.TraefikImage, Network: cfg.ProxyNetwork}, logger.Discard())
	svc := New(store, store, store, exec, applier, logger.Discard(), cfg)
	return fixture{svc: svc, store: store, connector: connector, deploys: deploys}
}

func (f fixture) putRunningProject() remote.ContainerState {
	p := f.store.Projects[projectID]
	state := remote.ContainerState{
		ID: "new", Name: remote.ProjectContainerName(p), State: "running", Running: true,
		Labels: f.deploys.Labels(p), HostPort: 20001, Networks: []string{"ark"},
	}
	f.connector.Inspector.Put(state)
	f.connector.Inspector.Put(remote.ContainerState{ID: "proxy", Name: remote.ProxyContainerName, State: "running", Running: true, Labels: remote.ManagedLabels(remote.KindProxy), Networks: []string{"ark"}})
	return state
}

func TestReconcileDryRunChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.putRunningProject()

	report, err := f.svc.ReconcileServer(context.Background(), "s1", true)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !report.DryRun || len(report.Actions) != 2 {
		t.Fatalf("expected two planned actions, got %+v", report)
	}
	for _, a := range report.Actions {
		if a.Applied {
			t.Fatalf("dry run applied %s", a.Kind)
		}
	}
	if p := f.store.Projects[projectID]; p.ContainerID != "old" || p.Status != domain.ProjectFailed {
		t.Fatalf("dry run changed the record: %+v", p)
	}
}

func TestReconcileSyncsRecord(t *testing.T) {
	f := newFixture(t)
	f.putRunningProject()

	report, err := f.svc.ReconcileServer(context.Background(), "s1", false)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !report.Changed() || report.Status != domain.OperationSucceeded {
		t.Fatalf("unexpected report %+v", report)
	}
	p := f.store.Projects[projectID]
	if p.ContainerID != "new" || p.Status != domain.ProjectRunning {
		t.Fatalf("record not synced: %+v", p)
	}
	if f.connector.Runner.Ran("docker run") || f.connector.Runner.Ran("docker rm") {
		t.Fatalf("sync must not touch containers: %v", f.connector.Runner.Commands)
	}

	again, err := f.svc.ReconcileServer(context.Background(), "s1", false)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if len(again.Actions) != 0 {
		t.Fatalf("expected convergence, got %+v", again.Actions)
	}
}

func TestAutoReconcileRecordsOnlyDrift(t *testing.T) {
	f := newFixture(t)
	f.putRunningProject()
	ctx := context.Background()

	report, err := f.svc.AutoReconcile(ctx, "s1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.OperationID == "" || !report.Changed() {
		t.Fatalf("drift must be recorded, got %+v", report)
	}
	recorded := len(f.store.Operations)

	for i := 0; i < 3; i++ {
		report, err = f.svc.AutoReconcile(ctx, "s1")
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
		if report.OperationID != "" || report.Status != StatusInSync {
			t.Fatalf("in-sync pass must not be recorded, got %+v", report)
		}
	}
	if len(f.store.Operations) != recorded {
		t.Fatalf("expected %d operations, got %d", recorded, len(f.store.Operations))
	}

	manual, err := f.svc.ReconcileServer(ctx, "s1", false)
	if err != nil {
		t.Fatalf("manual reconcile: %v", err)
	}
	if manual.OperationID == "" || manual.Status != domain.OperationSucceeded {
		t.Fatalf("manual passes are always recorded, got %+v", manual)
	}
}

func TestReconcileScansOrphansOfItsServerOnly(t *testing.T) {
	f := newFixture(t)
	f.putRunningProject()
	gone := "removed-user"
	f.store.Servers["s2"] = domain.Server{ID: "s2", OwnerID: "owner", Name: "other"}
	f.store.Databases["d2"] = domain.Database{ID: "d2", OwnerID: &gone, ServerID: "s2", Name: "elsewhere", Type: domain.DatabaseRedis, Status: domain.DatabaseStopped}

	report, err := f.svc.ReconcileServer(context.Background(), "s1", true)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	for _, a := range report.Actions {
		if a.DatabaseID == "d2" {
			t.Fatalf("database of another server in plan: %+v", a)
		}
	}
	if len(f.store.OrphanScans) != 1 || f.store.OrphanScans[0] != "s1" {
		t.Fatalf("expected one orphan scan of s1, got %q", f.store.OrphanScans)
	}
}

func TestReconcileInstallsMissingProxyAndFlagsOrphans(t *testing.T) {
	f := newFixture(t)
	f.store.Projects[projectID] = domain.Project{ID: projectID, OwnerID: "owner", ServerID: "s1", Name: "api", Slug: "api", Status: domain.ProjectPending}
	gone := "removed-user"
	f.store.Databases["d1"] = domain.Database{ID: "d1", OwnerID: &gone, ServerID: "s1", Name: "stale", Type: domain.DatabaseRedis, ContainerID: "db1", Status: domain.DatabaseRunning}
	db := f.store.Databases["d1"]
	f.connector.Inspector.Put(remote.ContainerState{ID: "db1", Name: remote.DatabaseContainerName(db), State: "running", Running: true, Labels: remote.DatabaseLabels(db)})

	report, err := f.svc.ReconcileServer(context.Background(), "s1", false)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got := kinds(actionsOf(report))
	if len(got) != 2 || got[0] != InstallProxy || got[1] != FlagOrphanDatabase {
		t.Fatalf("unexpected actions %v", got)
	}
	if !f.connector.Runner.Ran("traefik:v2.11") {
		t.Fatalf("proxy not started: %v", f.connector.Runner.Commands)
	}
	if _, ok := f.store.Databases["d1"]; !ok {
		t.Fatal("orphaned databases are flagged, never deleted")
	}
}

func TestReconcileRedeploysWhenImageIsGone(t *testing.T) {
	f := newFixture(t)
	f.connector.Inspector.Put(remote.ContainerState{ID: "proxy", Name: remote.ProxyContainerName, State: "running", Running: true, Labels: remote.ManagedLabels(remote.KindProxy), Networks: []string{"ark"}})
	f.connector.Runner.On("docker images", sshxtest.Response{Stdout: "traefik:v2.11\n"})

	report, err := f.svc.ReconcileServer(context.Background(), "s1", true)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got := kinds(actionsOf(report))
	if len(got) != 1 || got[0] != RedeployProject {
		t.Fatalf("expected redeploy, got %v", got)
	}
}

func actionsOf(r Report) []Action {
	out := make([]Action, 0, len(r.Actions))
	for _, a := range r.Actions {
		out = append(out, a.Action)
	}
	return out
}
