package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/repository"
)

const planColumns = `id, slug, name, description, price_per_server_cents, currency, discount_tiers,
	max_servers, max_projects, max_databases, active, created_at, updated_at`

// UpsertPlan creates a plan or updates the plan sharing its slug.
func (r *Repository) UpsertPlan(ctx context.Context, plan *domain.Plan) error {
	if plan == nil {
		return repository.ErrInvalidArgument
	}
	tiers := plan.DiscountTiers
	if tiers == nil {
		tiers = []domain.DiscountTier{}
	}
	payload, err := json.Marshal(tiers)
	if err != nil {
		return fmt.Errorf("encode discount tiers: %w", err)
	}
	const query = `INSERT INTO plans (
			id, slug, name, description, price_per_server_cents, currency, discount_tiers,
			max_servers, max_projects, max_databases, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (slug) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			price_per_server_cents = EXCLUDED.price_per_server_cents,
			currency = EXCLUDED.currency,
			discount_tiers = EXCLUDED.discount_tiers,
			max_servers = EXCLUDED.max_servers,
			max_projects = EXCLUDED.max_projects,
			max_databases = EXCLUDED.max_databases,
			active = EXCLUDED.active,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`
	row := r.pool.QueryRow(ctx, query,
		plan.ID,
		plan.Slug,
		plan.Name,
		plan.Description,
		plan.PricePerServer,
		plan.Currency,
		payload,
		plan.Limits.MaxServers,
		plan.Limits.MaxProjects,
		plan.Limits.MaxDatabases,
		plan.Active,
		plan.CreatedAt,
	)
	if err := row.Scan(&plan.ID, &plan.CreatedAt, &plan.UpdatedAt); err != nil {
		return mapError(err)
	}
	return nil
}

// GetPlanByID fetches a plan.
func (r *Repository) GetPlanByID(ctx context.Context, id string) (*domain.Plan, error) {
	p, err := scanPlan(r.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

// GetPlanBySlug fetches a plan by slug.
func (r *Repository) GetPlanBySlug(ctx context.Context, slug string) (*domain.Plan, error) {
	p, err := scanPlan(r.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE slug = $1`, slug))
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

// ListPlans returns plans ordered by price.
func (r *Repository) ListPlans(ctx context.Context, activeOnly bool) ([]domain.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY price_per_server_cents, slug`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

func scanPlan(row pgx.Row) (*domain.Plan, error) {
	var (
		p     domain.Plan
		tiers []byte
	)
	err := row.Scan(
		&p.ID,
		&p.Slug,
		&p.Name,
		&p.Description,
		&p.PricePerServer,
		&p.Currency,
		&tiers,
		&p.Limits.MaxServers,
		&p.Limits.MaxProjects,
		&p.Limits.MaxDatabases,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(tiers) > 0 {
		if err := json.Unmarshal(tiers, &p.DiscountTiers); err != nil {
			return nil, fmt.Errorf("decode discount tiers for plan %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

// CreateSubscription inserts a subscription. A user may hold one active
// subscription at a time.
func (r *Repository) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	if sub == nil {
		return repository.ErrInvalidArgument
	}
	const query = `INSERT INTO subscriptions (id, user_id, plan_id, servers, status, total_cents, current_period_end, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		sub.ID,
		sub.UserID,
		sub.PlanID,
		sub.Servers,
		sub.Status,
		sub.TotalCents,
		sub.CurrentPeriodEnd.UTC(),
		sub.CreatedAt,
	)
	return mapError(err)
}

// GetActiveSubscription returns the active subscription of a user.
func (r *Repository) GetActiveSubscription(ctx context.Context, userID string) (*domain.Subscription, error) {
	const query = `SELECT id, user_id, plan_id, servers, status, total_cents, current_period_end, canceled_at, created_at
		FROM subscriptions WHERE user_id = $1 AND status = 'active'`
	var s domain.Subscription
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&s.ID,
		&s.UserID,
		&s.PlanID,
		&s.Servers,
		&s.Status,
		&s.TotalCents,
		&s.CurrentPeriodEnd,
		&s.CanceledAt,
		&s.CreatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &s, nil
}

// CancelSubscription marks an active subscription canceled.
func (r *Repository) CancelSubscription(ctx context.Context, id string) error {
	const query = `UPDATE subscriptions SET status = 'canceled', canceled_at = NOW() WHERE id = $1 AND status = 'active'`
	return expectRow(r.pool.Exec(ctx, query, id))
}
