package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// DiscountTier lowers the per-server price once a subscription covers at
// least MinServers servers.
type DiscountTier struct {
	MinServers int `json:"min_servers" yaml:"min_servers"`
	PercentOff int `json:"percent_off" yaml:"percent_off"`
}

// PlanLimits caps the resources a subscriber may create. Zero means unlimited.
type PlanLimits struct {
	MaxServers   int `json:"max_servers" yaml:"max_servers"`
	MaxProjects  int `json:"max_projects" yaml:"max_projects"`
	MaxDatabases int `json:"max_databases" yaml:"max_databases"`
}

// Plan is a SaaS pricing plan.
type Plan struct {
	ID             string         `json:"id"`
	Slug           string         `json:"slug"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	PricePerServer int64          `json:"price_per_server_cents"`
	Currency       string         `json:"currency"`
	DiscountTiers  []DiscountTier `json:"discount_tiers"`
	Limits         PlanLimits     `json:"limits"`
	Active         bool           `json:"active"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NormalizeTiers validates tiers and returns them sorted by MinServers.
func NormalizeTiers(tiers []DiscountTier) ([]DiscountTier, error) {
	out := make([]DiscountTier, 0, len(tiers))
	seen := make(map[int]struct{}, len(tiers))
	for _, tier := range tiers {
		if tier.MinServers < 1 {
			return nil, fmt.Errorf("discount tier min_servers must be at least 1, got %d", tier.MinServers)
		}
		if tier.PercentOff < 0 || tier.PercentOff > 100 {
			return nil, fmt.Errorf("discount tier percent_off must be within 0-100, got %d", tier.PercentOff)
		}
		if _, dup := seen[tier.MinServers]; dup {
			return nil, fmt.Errorf("duplicate discount tier for %d servers", tier.MinServers)
		}
		seen[tier.MinServers] = struct{}{}
		out = append(out, tier)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinServers < out[j].MinServers })
	return out, nil
}

// ErrInvalidServerCount is returned when quoting fewer than one server.
var ErrInvalidServerCount = errors.New("server count must be at least 1")

// Quote is the price breakdown for a number of servers on a plan.
type Quote struct {
	PlanID         string        `json:"plan_id"`
	Servers        int           `json:"servers"`
	PricePerServer int64         `json:"price_per_server_cents"`
	Subtotal       int64         `json:"subtotal_cents"`
	Tier           *DiscountTier `json:"tier,omitempty"`
	Discount       int64         `json:"discount_cents"`
	Total          int64         `json:"total_cents"`
	Currency       string        `json:"currency"`
}

// Quote prices servers on the plan applying the best matching tier. Tiers are
// expected to be normalised; the highest tier whose MinServers is reached wins.
func (p Plan) Quote(servers int) (Quote, error) {
	if servers < 1 {
		return Quote{}, ErrInvalidServerCount
	}
	q := Quote{
		PlanID:         p.ID,
		Servers:        servers,
		PricePerServer: p.PricePerServer,
		Subtotal:       p.PricePerServer * int64(servers),
		Currency:       p.Currency,
	}
	for i := range p.DiscountTiers {
		tier := p.DiscountTiers[i]
		if servers < tier.MinServers {
			continue
		}
		if q.Tier == nil || tier.PercentOff > q.Tier.PercentOff {
			q.Tier = &tier
		}
	}
	if q.Tier != nil {
		q.Discount = q.Subtotal * int64(q.Tier.PercentOff) / 100
	}
	q.Total = q.Subtotal - q.Discount
	return q, nil
}

// Subscription statuses.
const (
	SubscriptionActive   = "active"
	SubscriptionCanceled = "canceled"
	SubscriptionPastDue  = "past_due"
)

// Subscription binds a user to a plan for a number of servers.
type Subscription struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	PlanID           string     `json:"plan_id"`
	Servers          int        `json:"servers"`
	Status           string     `json:"status"`
	TotalCents       int64      `json:"total_cents"`
	CurrentPeriodEnd time.Time  `json:"current_period_end"`
	CanceledAt       *time.Time `json:"canceled_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}
