package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/repository"
	"github.com/arkdeploy/ark/pkg/config"
	jwtpkg "github.com/arkdeploy/ark/pkg/jwt"
	"github.com/arkdeploy/ark/pkg/logger"
)

type memoryUsers struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func newMemoryUsers() *memoryUsers { return &memoryUsers{users: map[string]*domain.User{}} }

func (m *memoryUsers) CreateUser(_ context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return repository.ErrConflict
		}
	}
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *memoryUsers) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memoryUsers) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memoryUsers) UpdateUserRole(_ context.Context, id, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.Role = role
	return nil
}

func (m *memoryUsers) ListUsers(context.Context) ([]domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, *u)
	}
	return out, nil
}

func newTestService(users repository.UserRepository) Service {
	cfg := config.APIConfig{JWTSecret: "test-secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour}
	return New(users, logger.Discard(), cfg)
}

func TestSignupLoginAuthorize(t *testing.T) {
	svc := newTestService(newMemoryUsers())
	ctx := context.Background()

	user, tokens, err := svc.Signup(ctx, SignupInput{Email: " Dev@Example.com ", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if user.Email != "dev@example.com" || user.Role != domain.RoleUser {
		t.Fatalf("unexpected user %+v", user)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatal("expected tokens")
	}

	if _, _, err := svc.Login(ctx, "dev@example.com", "wrong-password"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody@example.com", "whatever1"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown email, got %v", err)
	}
	_, pair, err := svc.Login(ctx, "DEV@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	got, claims, err := svc.Authorize(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if got.ID != user.ID || claims.Role != domain.RoleUser {
		t.Fatalf("unexpected authorize result %+v %+v", got, claims)
	}
	if _, _, err := svc.Authorize(ctx, "  "); !errors.Is(err, ErrTokenRequired) {
		t.Fatalf("expected ErrTokenRequired, got %v", err)
	}
	if _, _, err := svc.Authorize(ctx, pair.RefreshToken); !errors.Is(err, jwtpkg.ErrWrongKind) {
		t.Fatalf("refresh token must not authorize requests, got %v", err)
	}
	renewed, err := svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := svc.Refresh(ctx, renewed.AccessToken); !errors.Is(err, jwtpkg.ErrWrongKind) {
		t.Fatalf("access token must not refresh, got %v", err)
	}
}

func TestSignupValidation(t *testing.T) {
	svc := newTestService(newMemoryUsers())
	_, _, err := svc.Signup(context.Background(), SignupInput{Email: "not-an-email", Password: "short"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestEnsureAdminCreatesThenPromotes(t *testing.T) {
	users := newMemoryUsers()
	svc := newTestService(users)
	ctx := context.Background()

	admin, created, err := svc.EnsureAdmin(ctx, "root@example.com", "longpassword", "")
	if err != nil || !created || admin.Role != domain.RoleAdmin {
		t.Fatalf("expected admin to be created: %+v %v %v", admin, created, err)
	}

	regular, _, err := svc.Signup(ctx, SignupInput{Email: "ops@example.com", Password: "longpassword"})
	if err != nil {
		t.Fatal(err)
	}
	promoted, created, err := svc.EnsureAdmin(ctx, "ops@example.com", "", domain.RoleSuperAdmin)
	if err != nil || created {
		t.Fatalf("expected promotion without creation: %v %v", created, err)
	}
	if promoted.ID != regular.ID || promoted.Role != domain.RoleSuperAdmin {
		t.Fatalf("unexpected promoted user %+v", promoted)
	}
	if _, _, err := svc.EnsureAdmin(ctx, "x@example.com", "longpassword", domain.RoleUser); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for non admin role, got %v", err)
	}
}

func TestSetRoleRequiresAdmin(t *testing.T) {
	users := newMemoryUsers()
	svc := newTestService(users)
	ctx := context.Background()
	user, _, _ := svc.Signup(ctx, SignupInput{Email: "u@example.com", Password: "longpassword"})

	if err := svc.SetRole(ctx, domain.Actor{UserID: user.ID, Role: domain.RoleUser}, user.ID, domain.RoleAdmin); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := svc.SetRole(ctx, domain.Actor{UserID: "a", Role: domain.RoleAdmin}, user.ID, domain.RoleSuperAdmin); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("admin must not grant superadmin, got %v", err)
	}
	if err := svc.SetRole(ctx, domain.Actor{UserID: "a", Role: domain.RoleAdmin}, user.ID, domain.RoleAdmin); err != nil {
		t.Fatalf("set role: %v", err)
	}
	stored, _ := users.GetUserByID(ctx, user.ID)
	if stored.Role != domain.RoleAdmin {
		t.Fatalf("role not updated: %s", stored.Role)
	}
}
