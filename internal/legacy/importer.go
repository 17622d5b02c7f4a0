package legacy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/remote"
	"github.com/arkdeploy/ark/internal/repository"
)

// namespace seeds the deterministic IDs of imported rows, so a second run
// maps every document to the row the first run created.
var namespace = uuid.MustParse("0b6f6d1e-6a39-4f7c-8e57-7c1f0e5a2d43")

// Vault seals secrets the way the API does.
type Vault interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(payload string) (string, error)
}

// Target is where imported rows are written.
type Target interface {
	repository.UserRepository
	repository.ServerRepository
	repository.ProjectRepository
	repository.DatabaseRepository
	repository.PlanRepository
}

// Counts tallies one collection.
type Counts struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Summary reports an import run. Problems lists why documents were skipped
// or failed.
type Summary struct {
	Users     Counts   `json:"users"`
	Servers   Counts   `json:"servers"`
	Projects  Counts   `json:"projects"`
	Databases Counts   `json:"databases"`
	Plans     Counts   `json:"plans"`
	Problems  []string `json:"problems,omitempty"`
}

// Importer copies legacy documents into the repositories.
type Importer struct {
	target Target
	vault  Vault
	logger *slog.Logger
	dryRun bool

	users   map[primitive.ObjectID]string
	servers map[primitive.ObjectID]string
}

// NewImporter constructs an Importer. With dryRun nothing is written.
func NewImporter(target Target, vault Vault, logger *slog.Logger, dryRun bool) *Importer {
	return &Importer{target: target, vault: vault, logger: logger.With("component", "legacy_import"), dryRun: dryRun}
}

// Import reads src and writes users, plans, servers, projects and databases in
// that order. Rows that already exist are skipped, so the import can be
// re-run after a partial failure.
func (im *Importer) Import(ctx context.Context, src Source) (Summary, error) {
	im.users = make(map[primitive.ObjectID]string)
	im.servers = make(map[primitive.ObjectID]string)
	var sum Summary

	users, err := src.Users(ctx)
	if err != nil {
		return sum, err
	}
	for _, u := range users {
		im.tally(&sum, &sum.Users, "user "+u.Email, im.importUser(ctx, u))
	}

	plans, err := src.Plans(ctx)
	if err != nil {
		return sum, err
	}
	for _, p := range plans {
		im.tally(&sum, &sum.Plans, "plan "+p.Name, im.importPlan(ctx, p))
	}

	servers, err := src.Servers(ctx)
	if err != nil {
		return sum, err
	}
	for _, s := range servers {
		im.tally(&sum, &sum.Servers, "server "+s.Name, im.importServer(ctx, s))
	}

	projects, err := src.Projects(ctx)
	if err != nil {
		return sum, err
	}
	for _, p := range projects {
		im.tally(&sum, &sum.Projects, "project "+p.Name, im.importProject(ctx, p))
	}

	databases, err := src.Databases(ctx)
	if err != nil {
		return sum, err
	}
	for _, d := range databases {
		im.tally(&sum, &sum.Databases, "database "+d.Name, im.importDatabase(ctx, d))
	}

	im.logger.Info("legacy import finished",
		"dry_run", im.dryRun,
		"users", sum.Users.Imported,
		"servers", sum.Servers.Imported,
		"projects", sum.Projects.Imported,
		"databases", sum.Databases.Imported,
		"plans", sum.Plans.Imported,
		"problems", len(sum.Problems),
	)
	return sum, nil
}

// errSkipped marks a document that was deliberately not imported.
var errSkipped = errors.New("skipped")

func skip(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errSkipped, fmt.Sprintf(format, args...))
}

func (im *Importer) tally(sum *Summary, c *Counts, what string, err error) {
	switch {
	case err == nil:
		c.Imported++
	case errors.Is(err, errSkipped):
		c.Skipped++
		sum.Problems = append(sum.Problems, fmt.Sprintf("%s: %v", what, err))
	default:
		c.Failed++
		sum.Problems = append(sum.Problems, fmt.Sprintf("%s: %v", what, err))
		im.logger.Warn("legacy document failed", "document", what, "error", err)
	}
}

func legacyID(kind string, oid primitive.ObjectID) string {
	return uuid.NewSHA1(namespace, []byte(kind+":"+oid.Hex())).String()
}

func created(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func (im *Importer) importUser(ctx context.Context, doc User) error {
	email := strings.ToLower(strings.TrimSpace(doc.Email))
	if email == "" {
		return skip("missing email")
	}
	if existing, err := im.target.GetUserByEmail(ctx, email); err == nil {
		im.users[doc.ID] = existing.ID
		return skip("email already registered")
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	role := strings.ToLower(strings.TrimSpace(doc.Role))
	if !domain.ValidRole(role) {
		role = domain.RoleUser
	}
	user := &domain.User{
		ID:           legacyID("user", doc.ID),
		Email:        email,
		Name:         strings.TrimSpace(doc.Name),
		PasswordHash: []byte(doc.Password),
		Role:         role,
		CreatedAt:    created(doc.CreatedAt),
	}
	im.users[doc.ID] = user.ID
	if im.dryRun {
		return nil
	}
	return im.target.CreateUser(ctx, user)
}

func (im *Importer) importPlan(ctx context.Context, doc Plan) error {
	slug := strings.TrimSpace(doc.Slug)
	if slug == "" {
		slug = remote.Slugify(doc.Name)
	}
	if slug == "" {
		return skip("missing name")
	}
	if _, err := im.target.GetPlanBySlug(ctx, slug); err == nil {
		return skip("plan %q exists", slug)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	tiers := make([]domain.DiscountTier, 0, len(doc.DiscountTiers))
	for _, t := range doc.DiscountTiers {
		tiers = append(tiers, domain.DiscountTier{MinServers: t.MinServers, PercentOff: t.Discount})
	}
	tiers, err := domain.NormalizeTiers(tiers)
	if err != nil {
		return skip("discount tiers: %v", err)
	}
	currency := strings.ToLower(strings.TrimSpace(doc.Currency))
	if currency == "" {
		currency = "usd"
	}
	now := time.Now().UTC()
	plan := &domain.Plan{
		ID:             legacyID("plan", doc.ID),
		Slug:           slug,
		Name:           strings.TrimSpace(doc.Name),
		Description:    doc.Description,
		PricePerServer: int64(math.Round(doc.PricePerServer * 100)),
		Currency:       currency,
		DiscountTiers:  tiers,
		Limits: domain.PlanLimits{
			MaxServers:   doc.Limits.MaxServers,
			MaxProjects:  doc.Limits.MaxProjects,
			MaxDatabases: doc.Limits.MaxDatabases,
		},
		Active:    doc.IsActive == nil || *doc.IsActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if im.dryRun {
		return nil
	}
	return im.target.UpsertPlan(ctx, plan)
}

func (im *Importer) owner(ref *primitive.ObjectID) (string, bool) {
	if ref == nil {
		return "", false
	}
	id, ok := im.users[*ref]
	return id, ok
}

func (im *Importer) importServer(ctx context.Context, doc Server) error {
	owner, ok := im.owner(doc.User)
	if !ok {
		return skip("owner not imported")
	}
	if _, err := im.vault.Decrypt(doc.Password); err != nil {
		return fmt.Errorf("password does not decrypt with the configured key: %w", err)
	}
	port := doc.Port
	if port == 0 {
		port = 22
	}
	now := time.Now().UTC()
	server := &domain.Server{
		ID:                legacyID("server", doc.ID),
		OwnerID:           owner,
		Name:              strings.TrimSpace(doc.Name),
		Host:              strings.ToLower(strings.TrimSpace(doc.Host)),
		Port:              port,
		Username:          strings.TrimSpace(doc.Username),
		EncryptedPassword: doc.Password,
		Status:            domain.ServerPending,
		CreatedAt:         created(doc.CreatedAt),
		UpdatedAt:         now,
	}
	im.servers[doc.ID] = server.ID
	if im.dryRun {
		return nil
	}
	if err := im.target.CreateServer(ctx, server); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return skip("server %s@%s:%d exists", server.Username, server.Host, server.Port)
		}
		return err
	}
	return nil
}

func (im *Importer) serverFor(ref *primitive.ObjectID) (string, bool) {
	if ref == nil {
		return "", false
	}
	id, ok := im.servers[*ref]
	return id, ok
}

func projectStatus(raw string, containerID string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "running", "active", "deployed":
		return domain.ProjectRunning
	case "stopped", "paused":
		return domain.ProjectStopped
	case "error", "failed":
		return domain.ProjectFailed
	}
	if containerID != "" {
		return domain.ProjectStopped
	}
	return domain.ProjectPending
}

func (im *Importer) importProject(ctx context.Context, doc Project) error {
	owner, ok := im.owner(doc.User)
	if !ok {
		return skip("owner not imported")
	}
	serverID, ok := im.serverFor(doc.Server)
	if !ok {
		return skip("server not imported")
	}
	kind := domain.ProjectKindApp
	if strings.EqualFold(doc.Type, domain.ProjectKindWordPress) {
		kind = domain.ProjectKindWordPress
	}
	branch := strings.TrimSpace(doc.Branch)
	if branch == "" && kind == domain.ProjectKindApp {
		branch = "main"
	}
	now := time.Now().UTC()
	p := &domain.Project{
		ID:          legacyID("project", doc.ID),
		OwnerID:     owner,
		ServerID:    serverID,
		Name:        strings.TrimSpace(doc.Name),
		Slug:        remote.Slugify(doc.Name),
		Kind:        kind,
		GitURL:      strings.TrimSpace(doc.GitURL),
		Branch:      branch,
		Domain:      strings.ToLower(strings.TrimSpace(doc.Domain)),
		ContainerID: strings.TrimSpace(doc.ContainerID),
		Port:        doc.Port,
		Status:      projectStatus(doc.Status, doc.ContainerID),
		CreatedAt:   created(doc.CreatedAt),
		UpdatedAt:   now,
	}
	if p.Slug == "" {
		return skip("name has no usable characters")
	}
	if im.dryRun {
		return nil
	}
	if err := im.target.CreateProject(ctx, p); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return skip("project %q exists", p.Name)
		}
		return err
	}
	for key, value := range doc.EnvVars {
		if value == "" {
			continue
		}
		sealed, err := im.vault.Encrypt(value)
		if err != nil {
			return fmt.Errorf("seal env %s: %w", key, err)
		}
		if err := im.target.UpsertEnvVar(ctx, &domain.ProjectEnvVar{ProjectID: p.ID, Key: key, Value: sealed, CreatedAt: now}); err != nil {
			return fmt.Errorf("store env %s: %w", key, err)
		}
	}
	return nil
}

func databaseStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "running", "active":
		return domain.DatabaseRunning
	case "error", "failed":
		return domain.DatabaseFailed
	default:
		return domain.DatabaseStopped
	}
}

// importDatabase keeps databases whose owner is gone as orphans so the
// orphan report can surface them.
func (im *Importer) importDatabase(ctx context.Context, doc Database) error {
	serverID, ok := im.serverFor(doc.Server)
	if !ok {
		return skip("server not imported")
	}
	dbType := strings.ToLower(strings.TrimSpace(doc.Type))
	switch dbType {
	case "postgresql":
		dbType = domain.DatabasePostgres
	case "mongo":
		dbType = domain.DatabaseMongoDB
	}
	switch dbType {
	case domain.DatabasePostgres, domain.DatabaseMySQL, domain.DatabaseMariaDB, domain.DatabaseMongoDB, domain.DatabaseRedis:
	default:
		return skip("unsupported type %q", doc.Type)
	}
	sealed := doc.Password
	if _, err := im.vault.Decrypt(doc.Password); err != nil {
		if doc.Password == "" {
			return skip("no password recorded")
		}
		if sealed, err = im.vault.Encrypt(doc.Password); err != nil {
			return fmt.Errorf("seal password: %w", err)
		}
	}
	var ownerID *string
	if owner, ok := im.owner(doc.User); ok {
		ownerID = &owner
	}
	now := time.Now().UTC()
	db := &domain.Database{
		ID:                legacyID("database", doc.ID),
		OwnerID:           ownerID,
		ServerID:          serverID,
		Name:              strings.TrimSpace(doc.Name),
		Type:              dbType,
		Version:           strings.TrimSpace(doc.Version),
		Port:              doc.Port,
		ContainerID:       strings.TrimSpace(doc.ContainerID),
		Username:          strings.TrimSpace(doc.Username),
		EncryptedPassword: sealed,
		Status:            databaseStatus(doc.Status),
		CreatedAt:         created(doc.CreatedAt),
		UpdatedAt:         now,
	}
	if im.dryRun {
		return nil
	}
	if err := im.target.CreateDatabase(ctx, db); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return skip("database %q exists", db.Name)
		}
		return err
	}
	return nil
}
