package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"log/slog"

	"github.com/arkdeploy/ark/internal/repository"
)

var (
	ErrMissingSignature = errors.New("webhook: missing signature")
	ErrInvalidSignature = errors.New("webhook: invalid signature")
)

// Secrets seals webhook secrets at rest.
type Secrets interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(payload string) (string, error)
}

// Service handles webhook storage and validation.
type Service struct {
	repo    repository.WebhookRepository
	secrets Secrets
	logger  *slog.Logger
	global  string
}

// New constructs a webhook service.
func New(repo repository.WebhookRepository, secrets Secrets, logger *slog.Logger) Service {
	return Service{repo: repo, secrets: secrets, logger: logger}
}

// WithGlobalSecret returns a copy that verifies projects without their own
// secret against secret.
func (s Service) WithGlobalSecret(secret string) Service {
	s.global = strings.TrimSpace(secret)
	return s
}

// UpsertSecret stores an encrypted secret for the project. An empty secret
// generates a random one, which is returned.
func (s Service) UpsertSecret(ctx context.Context, projectID string, secret string) (string, error) {
	value := strings.TrimSpace(secret)
	if value == "" {
		buf := make([]byte, 24)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate webhook secret: %w", err)
		}
		value = hex.EncodeToString(buf)
	}
	payload, err := s.secrets.Encrypt(value)
	if err != nil {
		return "", err
	}
	if err := s.repo.UpsertWebhook(ctx, projectID, payload); err != nil {
		return "", err
	}
	s.logger.Info("webhook secret updated", "project_id", projectID)
	return value, nil
}

// ValidateSignature checks the HMAC SHA-256 signature of payload. The
// "sha256=" prefix used by GitHub is accepted.
func (s Service) ValidateSignature(payload []byte, secret []byte, provided string) error {
	provided = strings.TrimPrefix(strings.TrimSpace(provided), "sha256=")
	if provided == "" {
		return ErrMissingSignature
	}
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(payload)
	expected := hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(provided)), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// CheckSignature loads the secret for a project and verifies payload signature.
func (s Service) CheckSignature(ctx context.Context, projectID string, payload []byte, provided string) error {
	secret, err := s.repo.GetWebhookSecret(ctx, projectID)
	if errors.Is(err, repository.ErrNotFound) && s.global != "" {
		return s.ValidateSignature(payload, []byte(s.global), provided)
	}
	if err != nil {
		return err
	}
	raw, err := s.secrets.Decrypt(secret)
	if err != nil {
		return err
	}
	return s.ValidateSignature(payload, []byte(raw), provided)
}

// PushBranch extracts the branch name from a git push event. Tag pushes and
// unparseable payloads return "".
func PushBranch(payload []byte) string {
	var event struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return ""
	}
	branch, ok := strings.CutPrefix(event.Ref, "refs/heads/")
	if !ok {
		return ""
	}
	return branch
}
