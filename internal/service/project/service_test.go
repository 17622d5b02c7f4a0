package project

import (
	"context"
	"errors"
	"testing"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/repository"
	"github.com/arkdeploy/ark/internal/repository/repotest"
	"github.com/arkdeploy/ark/pkg/config"
	"github.com/arkdeploy/ark/pkg/crypto"
	"github.com/arkdeploy/ark/pkg/logger"
)

var (
	owner    = domain.Actor{UserID: "owner", Role: domain.RoleUser}
	stranger = domain.Actor{UserID: "stranger", Role: domain.RoleUser}
)

func newTestService(t *testing.T) (Service, *repotest.Store) {
	t.Helper()
	vault, err := crypto.NewVault("project-test")
	if err != nil {
		t.Fatal(err)
	}
	store := repotest.New()
	store.Servers["s1"] = domain.Server{ID: "s1", OwnerID: "owner", Name: "web"}
	svc := New(store, store, vault, nil, logger.Discard(), config.APIConfig{DefaultContainerPort: 3000})
	return svc, store
}

func TestCreateDefaultsAndSlug(t *testing.T) {
	svc, _ := newTestService(t)
	p, err := svc.Create(context.Background(), owner, CreateInput{
		ServerID: "s1",
		Name:     "My.API",
		GitURL:   "git@github.com:acme/api.git",
		Domain:   "API.Example.com",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Slug != "my-api" || p.Branch != "main" || p.InternalPort != 3000 || p.Domain != "api.example.com" {
		t.Fatalf("unexpected project %+v", p)
	}
	if p.Status != domain.ProjectPending || p.Kind != domain.ProjectKindApp {
		t.Fatalf("unexpected status/kind %s/%s", p.Status, p.Kind)
	}

	if _, err := svc.Create(context.Background(), owner, CreateInput{ServerID: "s1", Name: "My.API", GitURL: "https://github.com/acme/api"}); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict on duplicate name, got %v", err)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	cases := []CreateInput{
		{ServerID: "s1", Name: "api", GitURL: "ftp://nope"},
		{ServerID: "s1", Name: "api", GitURL: "https://github.com/a/b", Branch: "../etc"},
		{ServerID: "s1", Name: "api", GitURL: "https://github.com/a/b", Domain: "not a domain"},
		{ServerID: "s1", Name: "", GitURL: "https://github.com/a/b"},
	}
	for _, in := range cases {
		if _, err := svc.Create(ctx, owner, in); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("input %+v: expected validation error, got %v", in, err)
		}
	}
	if _, err := svc.Create(ctx, stranger, CreateInput{ServerID: "s1", Name: "x", GitURL: "https://github.com/a/b"}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden on foreign server, got %v", err)
	}
}

func TestEnvVarsAreEncrypted(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	p, err := svc.Create(ctx, owner, CreateInput{ServerID: "s1", Name: "api", GitURL: "https://github.com/a/b"})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.SetEnvVar(ctx, owner, p.ID, "DATABASE_URL", "postgres://x"); err != nil {
		t.Fatalf("set env: %v", err)
	}
	if stored := store.EnvVars[p.ID]["DATABASE_URL"].Value; stored == "postgres://x" {
		t.Fatal("env value stored in plaintext")
	}
	env, err := svc.Environment(ctx, p.ID)
	if err != nil || env["DATABASE_URL"] != "postgres://x" {
		t.Fatalf("environment: %v %v", env, err)
	}
	if err := svc.SetEnvVar(ctx, owner, p.ID, "1BAD", "v"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected invalid key error, got %v", err)
	}
	if _, err := svc.ListEnvVars(ctx, stranger, p.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestResolveByNameAndSetDomain(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p, _ := svc.Create(ctx, owner, CreateInput{ServerID: "s1", Name: "shop", GitURL: "https://github.com/a/shop"})

	got, err := svc.Resolve(ctx, owner, "shop")
	if err != nil || got.ID != p.ID {
		t.Fatalf("resolve by name: %+v %v", got, err)
	}
	got, err = svc.Resolve(ctx, domain.SystemActor, p.ID)
	if err != nil || got.ID != p.ID {
		t.Fatalf("resolve by id: %+v %v", got, err)
	}
	updated, err := svc.SetDomain(ctx, owner, p.ID, "Shop.Example.org")
	if err != nil || updated.Domain != "shop.example.org" {
		t.Fatalf("set domain: %+v %v", updated, err)
	}
	if _, err := svc.SetDomain(ctx, owner, p.ID, "bad domain"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
