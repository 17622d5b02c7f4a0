package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkdeploy/ark/internal/cmdguard"
	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/sshx/sshxtest"
)

func TestDockerRunIsDeterministicAndQuoted(t *testing.T) {
	cmd := DockerRun(RunSpec{
		Name:          "ark-demo",
		Image:         "ark/demo:latest",
		Env:           map[string]string{"B": "two words", "A": "1"},
		Labels:        map[string]string{"ark.managed": "true", "ark.kind": "project"},
		HostPort:      10001,
		ContainerPort: 3000,
		BindHost:      "127.0.0.1",
		Network:       "ark",
	})
	assert.Equal(t,
		"docker run -d --name ark-demo --restart unless-stopped --network ark -p 127.0.0.1:10001:3000 -e A=1 -e 'B=two words' --label ark.kind=project --label ark.managed=true ark/demo:latest",
		cmd)
	assert.NoError(t, cmdguard.Validate(cmd))
}

func TestTraefikSpec(t *testing.T) {
	spec := TraefikSpec(TraefikOptions{Network: "ark", ACMEEmail: "ops@example.com"})
	assert.Equal(t, ProxyContainerName, spec.Name)
	assert.Equal(t, "traefik:v2.11", spec.Image)
	assert.Equal(t, KindProxy, spec.Labels[LabelKind])
	assert.Contains(t, spec.Args, "--providers.docker.network=ark")
	assert.Contains(t, spec.Args, "--certificatesresolvers.letsencrypt.acme.email=ops@example.com")
	assert.NoError(t, cmdguard.Validate(DockerRun(spec)))
}

func TestContainerNamesDoNotCollide(t *testing.T) {
	names := map[string]string{ProxyContainerName: "proxy"}
	add := func(owner, name string) {
		t.Helper()
		if prev, ok := names[name]; ok {
			t.Fatalf("%s and %s share container name %s", prev, owner, name)
		}
		names[name] = owner
	}
	add("project traefik", ProjectContainerName(domain.Project{ID: "p1", Slug: "traefik"}))
	add("project db-shop", ProjectContainerName(domain.Project{ID: "p2", Slug: "db-shop"}))
	add("database shop", DatabaseContainerName(domain.Database{ID: "8f14e45f-ceea-467f-a9b6-1f1d2b1c3a4d", Name: "shop"}))
	add("database my_db", DatabaseContainerName(domain.Database{ID: "c9f0f895-fb98-4b91-9a1e-3c1a1b2d3e4f", Name: "my_db"}))
	add("database my-db", DatabaseContainerName(domain.Database{ID: "45c48cce-2e2d-4fbd-8d3e-5f6a7b8c9d0e", Name: "my-db"}))

	assert.Equal(t, "ark-app-traefik", ProjectContainerName(domain.Project{Slug: "traefik"}))
	assert.Equal(t, "ark-db-my-db-c9f0f895", DatabaseContainerName(domain.Database{ID: "c9f0f895-fb98-4b91-9a1e-3c1a1b2d3e4f", Name: "my_db"}))
	assert.Equal(t, "ark-db-shop", DatabaseContainerName(domain.Database{Name: "shop"}))
}

func TestGitSyncPassesGuard(t *testing.T) {
	cmd := GitSync("/opt/ark/apps/demo", "https://github.com/acme/demo.git", "")
	assert.Contains(t, cmd, "--branch main")
	assert.Contains(t, cmd, "git clone --depth 1")
	assert.NoError(t, cmdguard.Validate(cmd))
}

func TestDatabaseSpec(t *testing.T) {
	owner := "u1"
	db := domain.Database{ID: "d1", OwnerID: &owner, Name: "Shop DB", Type: domain.DatabasePostgres, Port: 20001, Username: "shop"}
	spec, err := DatabaseSpec(db, "s3cret", "ark")
	require.NoError(t, err)
	assert.Equal(t, "ark-db-shop-db-d1", spec.Name)
	assert.Equal(t, "postgres:16", spec.Image)
	assert.Equal(t, 5432, spec.ContainerPort)
	assert.Equal(t, "s3cret", spec.Env["POSTGRES_PASSWORD"])
	assert.Equal(t, "d1", spec.Labels[LabelDatabase])

	db.Type = domain.DatabaseRedis
	spec, err = DatabaseSpec(db, "s3cret", "ark")
	require.NoError(t, err)
	assert.Equal(t, []string{"redis-server", "--appendonly", "yes", "--requirepass", "s3cret"}, spec.Args)

	db.Type = "oracle"
	_, err = DatabaseSpec(db, "x", "ark")
	assert.Error(t, err)
}

func TestDatabaseDump(t *testing.T) {
	db := domain.Database{Name: "shop", Type: domain.DatabaseMySQL, Username: "shop"}
	target := BackupPath("/opt/ark/backups", db, "20240101T000000Z")
	assert.Equal(t, "/opt/ark/backups/shop/shop-20240101T000000Z.sql.gz", target)
	cmd, err := DatabaseDump(db, "pw", "ark-db-shop", target)
	require.NoError(t, err)
	assert.Contains(t, cmd, "mysqldump -u root")
	assert.Contains(t, cmd, "| gzip > /opt/ark/backups/shop/shop-20240101T000000Z.sql.gz")
	assert.NoError(t, cmdguard.Validate(cmd))
}

func TestAllocatePort(t *testing.T) {
	port, err := AllocatePort([]int{10000, 10001, 10003}, 10000, 10005)
	require.NoError(t, err)
	assert.Equal(t, 10002, port)

	_, err = AllocatePort([]int{1, 2}, 1, 2)
	assert.ErrorIs(t, err, ErrNoFreePort)

	_, err = AllocatePort(nil, 10, 5)
	assert.Error(t, err)
}

func TestParsePorts(t *testing.T) {
	assert.Equal(t, []int{22, 80, 10001}, ParsePorts("22\n80\n\n*\n10001\n"))
}

const inspectLine = `{"Id":"abc123","Name":"/ark-demo","State":{"Status":"running","Running":true},"Config":{"Image":"ark/demo:latest","Labels":{"ark.managed":"true","ark.kind":"project","ark.project":"p1"},"ExposedPorts":{"3000/tcp":{}}},"NetworkSettings":{"Ports":{"3000/tcp":[{"HostIp":"127.0.0.1","HostPort":"10001"}]},"Networks":{"ark":{}}}}`

func TestParseInspectLines(t *testing.T) {
	states, err := parseInspectLines(inspectLine + "\n")
	require.NoError(t, err)
	require.Len(t, states, 1)
	s := states[0]
	assert.Equal(t, "abc123", s.ID)
	assert.Equal(t, "ark-demo", s.Name)
	assert.True(t, s.Running)
	assert.Equal(t, 10001, s.HostPort)
	assert.Equal(t, 3000, s.ContainerPort)
	assert.Equal(t, "p1", s.ProjectID())
	assert.True(t, s.Managed())
	assert.True(t, s.OnNetwork("ark"))

	_, err = parseInspectLines("not json")
	assert.Error(t, err)
}

func TestFromSummary(t *testing.T) {
	s := fromSummary(types.Container{
		ID:     "abc",
		Names:  []string{"/ark-db-shop"},
		Image:  "postgres:16",
		State:  "exited",
		Labels: map[string]string{LabelManaged: "true", LabelKind: KindDatabase, LabelDatabase: "d1"},
		Ports:  []types.Port{{PrivatePort: 5432, PublicPort: 20001, Type: "tcp"}},
		NetworkSettings: &types.SummaryNetworkSettings{
			Networks: map[string]*network.EndpointSettings{"ark": {}},
		},
	})
	assert.Equal(t, "ark-db-shop", s.Name)
	assert.False(t, s.Running)
	assert.Equal(t, 20001, s.HostPort)
	assert.Equal(t, "d1", s.DatabaseID())
	assert.Equal(t, []string{"ark"}, s.Networks)
}

func TestShellInspector(t *testing.T) {
	runner := sshxtest.New(
		sshxtest.Response{Match: "docker ps -aq", Stdout: "abc123\n"},
		sshxtest.Response{Match: "docker inspect --type container --format '{{json .}}' abc123", Stdout: inspectLine},
		sshxtest.Response{Match: "missing", ExitCode: 1, Stderr: "Error: No such container: missing"},
	)
	inspector := NewShellInspector(runner)

	states, err := inspector.ListManaged(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "abc123", states[0].ID)

	_, err = inspector.Inspect(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrContainerNotFound)
}

type stubInspector struct {
	states []ContainerState
	err    error
	calls  int
}

func (s *stubInspector) ListManaged(context.Context) ([]ContainerState, error) {
	s.calls++
	return s.states, s.err
}

func (s *stubInspector) Inspect(_ context.Context, ref string) (ContainerState, error) {
	s.calls++
	if s.err != nil {
		return ContainerState{}, s.err
	}
	for _, st := range s.states {
		if st.ID == ref || st.Name == ref {
			return st, nil
		}
	}
	return ContainerState{}, ErrContainerNotFound
}

func TestFallbackInspector(t *testing.T) {
	primary := &stubInspector{err: errors.New("permission denied on socket")}
	secondary := &stubInspector{states: []ContainerState{{ID: "a"}}}
	f := &fallbackInspector{primary: primary, secondary: secondary, log: discardLogger()}

	states, err := f.ListManaged(context.Background())
	require.NoError(t, err)
	assert.Len(t, states, 1)

	_, err = f.Inspect(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, primary.calls, "primary must not be retried after degrading")

	healthy := &fallbackInspector{primary: &stubInspector{}, secondary: secondary, log: discardLogger()}
	_, err = healthy.Inspect(context.Background(), "zzz")
	assert.ErrorIs(t, err, ErrContainerNotFound)
	assert.False(t, healthy.degraded)
}

type fakeVault struct {
	plain string
	err   error
}

func (v fakeVault) Decrypt(string) (string, error) { return v.plain, v.err }

func TestCredentials(t *testing.T) {
	server := domain.Server{Name: "web", Host: "10.0.0.5", Port: 2222, Username: "root", EncryptedPassword: "iv:ct"}
	creds, err := Credentials(fakeVault{plain: "pw"}, server)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:2222", creds.Address())

	_, err = Credentials(fakeVault{}, server)
	assert.ErrorIs(t, err, ErrNoCredentials)

	_, err = Credentials(fakeVault{err: errors.New("bad padding")}, server)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestConnCloseRunsClosersInReverse(t *testing.T) {
	var order []string
	conn := NewConn(nil, nil,
		func() error { order = append(order, "session"); return nil },
		func() error { order = append(order, "api"); return errors.New("boom") },
	)
	err := conn.Close()
	assert.EqualError(t, err, "boom")
	assert.Equal(t, []string{"api", "session"}, order)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "my-app-2", Slugify("  My App_2! "))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
