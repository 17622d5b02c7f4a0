package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTiersSortsAndValidates(t *testing.T) {
	tiers, err := NormalizeTiers([]DiscountTier{{MinServers: 10, PercentOff: 20}, {MinServers: 3, PercentOff: 10}})
	require.NoError(t, err)
	assert.Equal(t, []DiscountTier{{MinServers: 3, PercentOff: 10}, {MinServers: 10, PercentOff: 20}}, tiers)

	_, err = NormalizeTiers([]DiscountTier{{MinServers: 0, PercentOff: 5}})
	assert.Error(t, err)
	_, err = NormalizeTiers([]DiscountTier{{MinServers: 2, PercentOff: 101}})
	assert.Error(t, err)
	_, err = NormalizeTiers([]DiscountTier{{MinServers: 2, PercentOff: 5}, {MinServers: 2, PercentOff: 7}})
	assert.Error(t, err)
}

func TestPlanQuoteAppliesBestReachedTier(t *testing.T) {
	plan := Plan{
		ID:             "pro",
		PricePerServer: 1000,
		Currency:       "usd",
		DiscountTiers:  []DiscountTier{{MinServers: 3, PercentOff: 10}, {MinServers: 10, PercentOff: 25}},
	}

	q, err := plan.Quote(1)
	require.NoError(t, err)
	assert.Nil(t, q.Tier)
	assert.Equal(t, int64(1000), q.Total)

	q, err = plan.Quote(5)
	require.NoError(t, err)
	require.NotNil(t, q.Tier)
	assert.Equal(t, 10, q.Tier.PercentOff)
	assert.Equal(t, int64(5000), q.Subtotal)
	assert.Equal(t, int64(500), q.Discount)
	assert.Equal(t, int64(4500), q.Total)

	q, err = plan.Quote(12)
	require.NoError(t, err)
	assert.Equal(t, 25, q.Tier.PercentOff)
	assert.Equal(t, int64(9000), q.Total)

	_, err = plan.Quote(0)
	assert.True(t, errors.Is(err, ErrInvalidServerCount))
}

func TestDatabaseOrphaned(t *testing.T) {
	empty := ""
	owner := "u1"
	assert.True(t, Database{}.Orphaned())
	assert.True(t, Database{OwnerID: &empty}.Orphaned())
	assert.False(t, Database{OwnerID: &owner}.Orphaned())
}

func TestValidateWrapsErrValidation(t *testing.T) {
	type input struct {
		Name   string `validate:"required,resource"`
		Branch string `validate:"omitempty,gitref"`
		Email  string `validate:"required,email"`
	}
	require.NoError(t, Validate(input{Name: "api", Branch: "release/1.2", Email: "a@example.com"}))

	err := Validate(input{Name: "bad name", Branch: "main..x", Email: "nope"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Contains(t, err.Error(), "name must satisfy resource")
	assert.Contains(t, err.Error(), "branch must satisfy gitref")
	assert.Contains(t, err.Error(), "email must satisfy email")
}
