package legacy

import (
	"context"
	"strings"
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/repository/repotest"
	"github.com/arkdeploy/ark/pkg/crypto"
	"github.com/arkdeploy/ark/pkg/logger"
)

type fakeSource struct {
	users     []User
	servers   []Server
	projects  []Project
	databases []Database
	plans     []Plan
}

func (f fakeSource) Users(context.Context) ([]User, error)         { return f.users, nil }
func (f fakeSource) Servers(context.Context) ([]Server, error)     { return f.servers, nil }
func (f fakeSource) Projects(context.Context) ([]Project, error)   { return f.projects, nil }
func (f fakeSource) Databases(context.Context) ([]Database, error) { return f.databases, nil }
func (f fakeSource) Plans(context.Context) ([]Plan, error)         { return f.plans, nil }

func oid() *primitive.ObjectID {
	id := primitive.NewObjectID()
	return &id
}

func fixture(t *testing.T) (fakeSource, *crypto.Vault) {
	t.Helper()
	vault, err := crypto.NewVault("legacy-test")
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := vault.Encrypt("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	alice, gone, srv := oid(), oid(), oid()
	active := false
	src := fakeSource{
		users: []User{
			{ID: *alice, Email: "Alice@Example.com", Name: "Alice", Password: "$2a$10$abcdefghijklmnopqrstuv", Role: "admin"},
			{ID: *oid(), Email: "", Name: "nobody"},
		},
		servers: []Server{
			{ID: *srv, Name: "prod", Host: "203.0.113.5", Username: "root", Password: sealed, User: alice},
			{ID: *oid(), Name: "broken", Host: "203.0.113.6", Username: "root", Password: "not-sealed", User: alice},
		},
		projects: []Project{
			{ID: *oid(), Name: "Shop API", GitURL: "https://github.com/acme/shop.git", ContainerID: "abc123", Port: 10001, Status: "running", Server: srv, User: alice, EnvVars: map[string]string{"TOKEN": "s3cret"}},
			{ID: *oid(), Name: "stray", Server: oid(), User: alice},
		},
		databases: []Database{
			{ID: *oid(), Name: "shop", Type: "postgresql", Port: 20001, Username: "ark", Password: "plain-pw", Server: srv, User: alice},
			{ID: *oid(), Name: "leftover", Type: "mysql", Port: 20002, Username: "ark", Password: sealed, Server: srv, User: gone},
			{ID: *oid(), Name: "cache", Type: "memcached", Server: srv, User: alice},
		},
		plans: []Plan{
			{ID: *oid(), Name: "Pro Plan", PricePerServer: 9.99, IsActive: &active},
		},
	}
	return src, vault
}

func TestImport(t *testing.T) {
	src, vault := fixture(t)
	store := repotest.New()
	im := NewImporter(store, vault, logger.Discard(), false)

	sum, err := im.Import(context.Background(), src)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if sum.Users != (Counts{Imported: 1, Skipped: 1}) {
		t.Fatalf("users: %+v", sum.Users)
	}
	if sum.Servers != (Counts{Imported: 1, Failed: 1}) {
		t.Fatalf("servers: %+v", sum.Servers)
	}
	if sum.Projects != (Counts{Imported: 1, Skipped: 1}) {
		t.Fatalf("projects: %+v", sum.Projects)
	}
	if sum.Databases != (Counts{Imported: 2, Skipped: 1}) {
		t.Fatalf("databases: %+v", sum.Databases)
	}
	if sum.Plans != (Counts{Imported: 1}) {
		t.Fatalf("plans: %+v", sum.Plans)
	}

	var user domain.User
	for _, u := range store.Users {
		user = u
	}
	if user.Email != "alice@example.com" || user.Role != domain.RoleAdmin {
		t.Fatalf("unexpected user %+v", user)
	}

	var project domain.Project
	for _, p := range store.Projects {
		project = p
	}
	if project.Slug != "shop-api" || project.Branch != "main" || project.OwnerID != user.ID || project.Status != domain.ProjectRunning {
		t.Fatalf("unexpected project %+v", project)
	}
	env := store.EnvVars[project.ID]["TOKEN"]
	if env.Value == "s3cret" {
		t.Fatal("env var stored in plaintext")
	}
	if plain, err := vault.Decrypt(env.Value); err != nil || plain != "s3cret" {
		t.Fatalf("env var does not decrypt: %q %v", plain, err)
	}

	for _, db := range store.Databases {
		switch db.Name {
		case "shop":
			if db.Type != domain.DatabasePostgres || db.OwnerID == nil {
				t.Fatalf("unexpected shop database %+v", db)
			}
			if plain, err := vault.Decrypt(db.EncryptedPassword); err != nil || plain != "plain-pw" {
				t.Fatalf("plaintext password was not sealed: %q %v", plain, err)
			}
		case "leftover":
			if db.OwnerID != nil {
				t.Fatal("database of a deleted user must import as an orphan")
			}
		}
	}

	for _, p := range store.Plans {
		if p.Slug != "pro-plan" || p.PricePerServer != 999 || p.Active {
			t.Fatalf("unexpected plan %+v", p)
		}
	}
}

func TestImportIsRepeatable(t *testing.T) {
	src, vault := fixture(t)
	store := repotest.New()
	if _, err := NewImporter(store, vault, logger.Discard(), false).Import(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	sum, err := NewImporter(store, vault, logger.Discard(), false).Import(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Users.Imported+sum.Servers.Imported+sum.Projects.Imported+sum.Databases.Imported+sum.Plans.Imported != 0 {
		t.Fatalf("second run imported rows: %+v", sum)
	}
	if len(store.Projects) != 1 || len(store.Databases) != 2 {
		t.Fatalf("duplicates created: %d projects, %d databases", len(store.Projects), len(store.Databases))
	}
}

func TestImportDryRunWritesNothing(t *testing.T) {
	src, vault := fixture(t)
	store := repotest.New()
	sum, err := NewImporter(store, vault, logger.Discard(), true).Import(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Projects.Imported != 1 {
		t.Fatalf("dry run should still plan the project: %+v", sum.Projects)
	}
	if len(store.Users)+len(store.Servers)+len(store.Projects)+len(store.Databases)+len(store.Plans) != 0 {
		t.Fatal("dry run wrote to the store")
	}
	found := false
	for _, p := range sum.Problems {
		if strings.Contains(p, "server broken") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the undecryptable server in problems: %v", sum.Problems)
	}
}
