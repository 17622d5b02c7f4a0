package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/repository"
	"github.com/arkdeploy/ark/pkg/config"
	"github.com/arkdeploy/ark/pkg/crypto"
	jwtpkg "github.com/arkdeploy/ark/pkg/jwt"
)

// ErrTokenRequired is returned when no bearer token was supplied.
var ErrTokenRequired = errors.New("auth: token required")

// Service handles authentication workflows.
type Service struct {
	users  repository.UserRepository
	logger *slog.Logger
	cfg    config.APIConfig
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{users: users, logger: logger, cfg: cfg}
}

// TokenPair contains access and refresh tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// SignupInput is the payload accepted by Signup.
type SignupInput struct {
	Email    string `validate:"required,email,max=254"`
	Name     string `validate:"max=120"`
	Password string `validate:"required,min=8,max=72"`
}

// Signup registers a new user with the user role.
func (s Service) Signup(ctx context.Context, in SignupInput) (*domain.User, TokenPair, error) {
	in.Email = normalizeEmail(in.Email)
	if err := domain.Validate(in); err != nil {
		return nil, TokenPair{}, err
	}
	user, err := s.createUser(ctx, in.Email, in.Name, in.Password, domain.RoleUser)
	if err != nil {
		return nil, TokenPair{}, err
	}
	tokens, err := s.issueTokens(user)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return user, tokens, nil
}

// Login authenticates a user and returns tokens. Unknown emails and wrong
// passwords are indistinguishable to the caller.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, TokenPair, error) {
	user, err := s.users.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, TokenPair{}, domain.ErrInvalidCredentials
		}
		return nil, TokenPair{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, TokenPair{}, domain.ErrInvalidCredentials
	}
	tokens, err := s.issueTokens(user)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, tokens, nil
}

// Authorize validates a bearer token and returns the associated user and claims.
// The role is always taken from the stored user so demotions apply immediately.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, nil, ErrTokenRequired
	}
	return s.verify(ctx, trimmed, jwtpkg.KindAccess)
}

// Refresh exchanges a refresh token for a new pair.
func (s Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	trimmed := strings.TrimSpace(refreshToken)
	if trimmed == "" {
		return TokenPair{}, ErrTokenRequired
	}
	user, _, err := s.verify(ctx, trimmed, jwtpkg.KindRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	return s.issueTokens(user)
}

func (s Service) verify(ctx context.Context, token, kind string) (*domain.User, *jwtpkg.Claims, error) {
	claims, err := jwtpkg.Parse(token, s.cfg.JWTSecret, kind)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, nil, err
	}
	return user, claims, nil
}

// EnsureAdmin creates an admin account for email, or promotes the existing
// account. The password is only used when the account is created.
func (s Service) EnsureAdmin(ctx context.Context, email, password, role string) (*domain.User, bool, error) {
	if role == "" {
		role = domain.RoleAdmin
	}
	if !domain.IsAdminRole(role) {
		return nil, false, fmt.Errorf("%w: role %q is not an admin role", domain.ErrValidation, role)
	}
	email = normalizeEmail(email)
	existing, err := s.users.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		if existing.Role != role {
			if err := s.users.UpdateUserRole(ctx, existing.ID, role); err != nil {
				return nil, false, err
			}
			existing.Role = role
			s.logger.Info("user promoted", "user_id", existing.ID, "role", role)
		}
		return existing, false, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, false, err
	}
	in := SignupInput{Email: email, Password: password}
	if err := domain.Validate(in); err != nil {
		return nil, false, err
	}
	user, err := s.createUser(ctx, email, "", password, role)
	if err != nil {
		return nil, false, err
	}
	s.logger.Info("admin created", "user_id", user.ID, "role", role)
	return user, true, nil
}

// SetRole changes a user's role.
func (s Service) SetRole(ctx context.Context, actor domain.Actor, userID, role string) error {
	if !actor.IsAdmin() {
		return domain.ErrForbidden
	}
	if !domain.ValidRole(role) {
		return fmt.Errorf("%w: unknown role %q", domain.ErrValidation, role)
	}
	if role == domain.RoleSuperAdmin && actor.Role != domain.RoleSuperAdmin {
		return domain.ErrForbidden
	}
	return s.users.UpdateUserRole(ctx, userID, role)
}

// User returns the stored account for id.
func (s Service) User(ctx context.Context, id string) (*domain.User, error) {
	return s.users.GetUserByID(ctx, id)
}

// ListUsers returns every account. Admin only.
func (s Service) ListUsers(ctx context.Context, actor domain.Actor) ([]domain.User, error) {
	if !actor.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	return s.users.ListUsers(ctx)
}

func (s Service) createUser(ctx context.Context, email, name, password, role string) (*domain.User, error) {
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s Service) issueTokens(user *domain.User) (TokenPair, error) {
	access, err := jwtpkg.GenerateToken(user.ID, user.Role, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := jwtpkg.GenerateRefreshToken(user.ID, user.Role, s.cfg.JWTSecret, s.cfg.RefreshTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresIn: s.cfg.AccessTokenTTL}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
