package plan

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/repository"
	"github.com/arkdeploy/ark/pkg/config"
	"github.com/arkdeploy/ark/pkg/logger"
)

type memoryPlans struct {
	mu    sync.Mutex
	plans map[string]domain.Plan
	subs  map[string]domain.Subscription
}

func newMemoryPlans() *memoryPlans {
	return &memoryPlans{plans: map[string]domain.Plan{}, subs: map[string]domain.Subscription{}}
}

func (m *memoryPlans) UpsertPlan(_ context.Context, plan *domain.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.plans {
		if p.Slug == plan.Slug {
			plan.ID = id
			plan.CreatedAt = p.CreatedAt
		}
	}
	m.plans[plan.ID] = *plan
	return nil
}

func (m *memoryPlans) GetPlanByID(_ context.Context, id string) (*domain.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (m *memoryPlans) GetPlanBySlug(_ context.Context, slug string) (*domain.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.plans {
		if p.Slug == slug {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memoryPlans) ListPlans(_ context.Context, activeOnly bool) ([]domain.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Plan
	for _, p := range m.plans {
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *memoryPlans) CreateSubscription(_ context.Context, sub *domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.UserID == sub.UserID && s.Status == domain.SubscriptionActive {
			return repository.ErrConflict
		}
	}
	m.subs[sub.ID] = *sub
	return nil
}

func (m *memoryPlans) GetActiveSubscription(_ context.Context, userID string) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.UserID == userID && s.Status == domain.SubscriptionActive {
			return &s, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memoryPlans) CancelSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return repository.ErrNotFound
	}
	s.Status = domain.SubscriptionCanceled
	m.subs[id] = s
	return nil
}

type fixedUsage map[Resource]int

func (u fixedUsage) Count(_ context.Context, _ string, r Resource) (int, error) { return u[r], nil }

var (
	admin = domain.Actor{UserID: "admin", Role: domain.RoleAdmin}
	alice = domain.Actor{UserID: "alice", Role: domain.RoleUser}
)

const catalogYAML = `
plans:
  - slug: starter
    name: Starter
    price_per_server_cents: 1000
    discount_tiers:
      - {min_servers: 10, percent_off: 20}
      - {min_servers: 3, percent_off: 10}
    limits: {max_servers: 5, max_projects: 2, max_databases: 1}
  - slug: legacy
    name: Legacy
    price_per_server_cents: 500
    active: false
`

func seeded(t *testing.T, cfg config.APIConfig, usage Usage) (Service, *memoryPlans) {
	t.Helper()
	repo := newMemoryPlans()
	svc := New(repo, repo, usage, logger.Discard(), cfg)
	svc.now = func() time.Time { return time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC) }
	inputs, err := ParseCatalog(strings.NewReader(catalogYAML))
	require.NoError(t, err)
	_, err = svc.Seed(context.Background(), admin, inputs)
	require.NoError(t, err)
	return svc, repo
}

func TestParseCatalogRejectsUnknownFieldsAndDuplicates(t *testing.T) {
	_, err := ParseCatalog(strings.NewReader("plans:\n  - slug: a\n    name: A\n    colour: red\n"))
	assert.Error(t, err)
	_, err = ParseCatalog(strings.NewReader("plans:\n  - {slug: a, name: A}\n  - {slug: a, name: B}\n"))
	assert.ErrorContains(t, err, "repeats slug")
	_, err = ParseCatalog(strings.NewReader(""))
	assert.Error(t, err)
}

func TestSeedNormalisesTiersAndVisibility(t *testing.T) {
	svc, _ := seeded(t, config.APIConfig{}, fixedUsage{})
	ctx := context.Background()

	starter, err := svc.Get(ctx, "starter")
	require.NoError(t, err)
	assert.Equal(t, "usd", starter.Currency)
	assert.Equal(t, []domain.DiscountTier{{MinServers: 3, PercentOff: 10}, {MinServers: 10, PercentOff: 20}}, starter.DiscountTiers)

	visible, err := svc.List(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, visible, 1)
	all, err := svc.List(ctx, admin)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = svc.Upsert(ctx, alice, PlanInput{Slug: "x", Name: "X"})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = svc.Upsert(ctx, admin, PlanInput{Slug: "bad", Name: "Bad", DiscountTiers: []domain.DiscountTier{{MinServers: 0, PercentOff: 5}}})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSubscribeReplacesActiveSubscription(t *testing.T) {
	svc, repo := seeded(t, config.APIConfig{}, fixedUsage{})
	ctx := context.Background()

	first, err := svc.Subscribe(ctx, alice, "starter", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2700), first.TotalCents)
	assert.Equal(t, time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC), first.CurrentPeriodEnd)

	second, err := svc.Subscribe(ctx, alice, "starter", 4)
	require.NoError(t, err)
	current, err := svc.Current(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID)
	assert.Equal(t, domain.SubscriptionCanceled, repo.subs[first.ID].Status)

	_, err = svc.Subscribe(ctx, alice, "starter", 6)
	assert.ErrorIs(t, err, domain.ErrPlanLimit)
	_, err = svc.Subscribe(ctx, alice, "legacy", 1)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = svc.Subscribe(ctx, alice, "starter", 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCheckLimit(t *testing.T) {
	usage := fixedUsage{Projects: 2, Databases: 0, Servers: 2}
	svc, _ := seeded(t, config.APIConfig{}, usage)
	ctx := context.Background()

	// no subscription and no default plan: unlimited
	require.NoError(t, svc.CheckLimit(ctx, alice, Projects))

	_, err := svc.Subscribe(ctx, alice, "starter", 2)
	require.NoError(t, err)
	err = svc.CheckLimit(ctx, alice, Projects)
	assert.True(t, errors.Is(err, domain.ErrPlanLimit))
	assert.NoError(t, svc.CheckLimit(ctx, alice, Databases))
	// the subscription covers two servers even though the plan allows five
	assert.ErrorIs(t, svc.CheckLimit(ctx, alice, Servers), domain.ErrPlanLimit)

	assert.NoError(t, svc.CheckLimit(ctx, admin, Projects))
}

func TestCheckLimitFallsBackToDefaultPlan(t *testing.T) {
	svc, _ := seeded(t, config.APIConfig{DefaultPlanSlug: "starter"}, fixedUsage{Databases: 1})
	err := svc.CheckLimit(context.Background(), domain.Actor{UserID: "bob", Role: domain.RoleUser}, Databases)
	assert.ErrorIs(t, err, domain.ErrPlanLimit)
}

func TestQuote(t *testing.T) {
	svc, _ := seeded(t, config.APIConfig{}, fixedUsage{})
	q, err := svc.Quote(context.Background(), "starter", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(8000), q.Total)
	_, err = svc.Quote(context.Background(), "missing", 1)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
