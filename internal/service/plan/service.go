// Package plan manages pricing plans, subscriptions and the resource limits
// they impose.
package plan

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
)

// Resource names a limited resource kind.
type Resource string

// Limited resources.
const (
	Servers   Resource = "servers"
	Projects  Resource = "projects"
	Databases Resource = "databases"
)

// Usage counts the resources a user owns.
type Usage interface {
	Count(ctx context.Context, ownerID string, resource Resource) (int, error)
}

// Service manages plans and subscriptions.
type Service struct {
	plans  repository.PlanRepository
	subs   repository.SubscriptionRepository
	usage  Usage
	logger *slog.Logger
	cfg    config.APIConfig
	now    func() time.Time
}

// New constructs a plan service.
func New(plans repository.PlanRepository, subs repository.SubscriptionRepository, usage Usage, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{plans: plans, subs: subs, usage: usage, logger: logger, cfg: cfg, now: time.Now}
}

// List returns plans. Non admins only see active plans.
func (s Service) List(ctx context.Context, actor domain.Actor) ([]domain.Plan, error) {
	return s.plans.ListPlans(ctx, !actor.IsAdmin())
}

// Get returns a plan by id or slug.
func (s Service) Get(ctx context.Context, ref string) (*domain.Plan, error) {
	ref = strings.TrimSpace(ref)
	if _, err := uuid.Parse(ref); err == nil {
		return s.plans.GetPlanByID(ctx, ref)
	}
	return s.plans.GetPlanBySlug(ctx, ref)
}

// PlanInput is the editable part of a plan.
type PlanInput struct {
	Slug           string                `json:"slug" yaml:"slug" validate:"required,resource"`
	Name           string                `json:"name" yaml:"name" validate:"required,max=120"`
	Description    string                `json:"description" yaml:"description" validate:"max=2000"`
	PricePerServer int64                 `json:"price_per_server_cents" yaml:"price_per_server_cents" validate:"gte=0"`
	Currency       string                `json:"currency" yaml:"currency" validate:"omitempty,len=3,alpha"`
	DiscountTiers  []domain.DiscountTier `json:"discount_tiers" yaml:"discount_tiers"`
	Limits         domain.PlanLimits     `json:"limits" yaml:"limits"`
	Active         *bool                 `json:"active" yaml:"active"`
}

// Upsert creates or updates the plan with in.Slug. Admin only.
func (s Service) Upsert(ctx context.Context, actor domain.Actor, in PlanInput) (*domain.Plan, error) {
	if !actor.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	plan, err := buildPlan(in)
	if err != nil {
		return nil, err
	}
	plan.ID = uuid.NewString()
	plan.CreatedAt = s.now().UTC()
	if err := s.plans.UpsertPlan(ctx, plan); err != nil {
		return nil, err
	}
	s.logger.Info("plan saved", "plan_id", plan.ID, "slug", plan.Slug, "active", plan.Active)
	return plan, nil
}

// Deactivate hides a plan from new subscriptions. Existing subscriptions keep it.
func (s Service) Deactivate(ctx context.Context, actor domain.Actor, ref string) error {
	if !actor.IsAdmin() {
		return domain.ErrForbidden
	}
	plan, err := s.Get(ctx, ref)
	if err != nil {
		return err
	}
	plan.Active = false
	return s.plans.UpsertPlan(ctx, plan)
}

// Seed upserts every plan of a catalogue.
func (s Service) Seed(ctx context.Context, actor domain.Actor, inputs []PlanInput) ([]domain.Plan, error) {
	out := make([]domain.Plan, 0, len(inputs))
	for _, in := range inputs {
		plan, err := s.Upsert(ctx, actor, in)
		if err != nil {
			return out, fmt.Errorf("plan %q: %w", in.Slug, err)
		}
		out = append(out, *plan)
	}
	return out, nil
}

// Quote prices servers on the plan.
func (s Service) Quote(ctx context.Context, ref string, servers int) (domain.Quote, error) {
	plan, err := s.Get(ctx, ref)
	if err != nil {
		return domain.Quote{}, err
	}
	q, err := plan.Quote(servers)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return q, nil
}

// Subscribe moves the actor onto a plan for a number of servers, cancelling
// any current subscription.
func (s Service) Subscribe(ctx context.Context, actor domain.Actor, ref string, servers int) (*domain.Subscription, error) {
	if actor.UserID == "" {
		return nil, domain.ErrForbidden
	}
	plan, err := s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, fmt.Errorf("%w: plan %s is not available", domain.ErrValidation, plan.Slug)
	}
	if plan.Limits.MaxServers > 0 && servers > plan.Limits.MaxServers {
		return nil, fmt.Errorf("%w: plan %s allows at most %d servers", domain.ErrPlanLimit, plan.Slug, plan.Limits.MaxServers)
	}
	q, err := plan.Quote(servers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	current, err := s.subs.GetActiveSubscription(ctx, actor.UserID)
	switch {
	case err == nil:
		if err := s.subs.CancelSubscription(ctx, current.ID); err != nil {
			return nil, fmt.Errorf("cancel current subscription: %w", err)
		}
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}
	now := s.now().UTC()
	sub := &domain.Subscription{
		ID:               uuid.NewString(),
		UserID:           actor.UserID,
		PlanID:           plan.ID,
		Servers:          servers,
		Status:           domain.SubscriptionActive,
		TotalCents:       q.Total,
		CurrentPeriodEnd: now.AddDate(0, 1, 0),
		CreatedAt:        now,
	}
	if err := s.subs.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	s.logger.Info("subscription created", "user_id", actor.UserID, "plan_id", plan.ID, "servers", servers, "total_cents", q.Total)
	return sub, nil
}

// Current returns the actor's active subscription.
func (s Service) Current(ctx context.Context, actor domain.Actor) (*domain.Subscription, error) {
	return s.subs.GetActiveSubscription(ctx, actor.UserID)
}

// Cancel ends the actor's active subscription.
func (s Service) Cancel(ctx context.Context, actor domain.Actor) error {
	sub, err := s.subs.GetActiveSubscription(ctx, actor.UserID)
	if err != nil {
		return err
	}
	return s.subs.CancelSubscription(ctx, sub.ID)
}

// Limit returns the cap on resource for the actor, or 0 when unlimited.
// Admins are never limited. Users without a subscription fall back to the
// default plan; with no default plan configured nothing is enforced.
func (s Service) Limit(ctx context.Context, actor domain.Actor, resource Resource) (int, error) {
	if actor.IsAdmin() {
		return 0, nil
	}
	var (
		plan *domain.Plan
		sub  *domain.Subscription
	)
	sub, err := s.subs.GetActiveSubscription(ctx, actor.UserID)
	switch {
	case err == nil:
		plan, err = s.plans.GetPlanByID(ctx, sub.PlanID)
		if err != nil {
			return 0, fmt.Errorf("load subscribed plan: %w", err)
		}
	case errors.Is(err, repository.ErrNotFound):
		if s.cfg.DefaultPlanSlug == "" {
			return 0, nil
		}
		plan, err = s.plans.GetPlanBySlug(ctx, s.cfg.DefaultPlanSlug)
		if err != nil {
			return 0, fmt.Errorf("load default plan %q: %w", s.cfg.DefaultPlanSlug, err)
		}
	default:
		return 0, err
	}

	switch resource {
	case Servers:
		limit := plan.Limits.MaxServers
		if sub != nil && sub.Servers > 0 && (limit == 0 || sub.Servers < limit) {
			limit = sub.Servers
		}
		return limit, nil
	case Projects:
		return plan.Limits.MaxProjects, nil
	case Databases:
		return plan.Limits.MaxDatabases, nil
	default:
		return 0, fmt.Errorf("unknown resource %q", resource)
	}
}

// CheckLimit returns domain.ErrPlanLimit when the actor cannot create one more
// resource.
func (s Service) CheckLimit(ctx context.Context, actor domain.Actor, resource Resource) error {
	limit, err := s.Limit(ctx, actor, resource)
	if err != nil || limit == 0 {
		return err
	}
	used, err := s.usage.Count(ctx, actor.UserID, resource)
	if err != nil {
		return fmt.Errorf("count %s: %w", resource, err)
	}
	if used >= limit {
		return fmt.Errorf("%w: %d of %d %s in use", domain.ErrPlanLimit, used, limit, resource)
	}
	return nil
}

func buildPlan(in PlanInput) (*domain.Plan, error) {
	in.Slug = strings.ToLower(strings.TrimSpace(in.Slug))
	in.Currency = strings.ToLower(strings.TrimSpace(in.Currency))
	if in.Currency == "" {
		in.Currency = "usd"
	}
	if err := domain.Validate(in); err != nil {
		return nil, err
	}
	if in.Limits.MaxServers < 0 || in.Limits.MaxProjects < 0 || in.Limits.MaxDatabases < 0 {
		return nil, fmt.Errorf("%w: limits must not be negative", domain.ErrValidation)
	}
	tiers, err := domain.NormalizeTiers(in.DiscountTiers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	active := true
	if in.Active != nil {
		active = *in.Active
	}
	return &domain.Plan{
		Slug:           in.Slug,
		Name:           strings.TrimSpace(in.Name),
		Description:    strings.TrimSpace(in.Description),
		PricePerServer: in.PricePerServer,
		Currency:       in.Currency,
		DiscountTiers:  tiers,
		Limits:         in.Limits,
		Active:         active,
	}, nil
}
