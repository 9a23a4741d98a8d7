package billing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subsync/internal/types"
)

func TestPlanCatalog_ResolvePlan(t *testing.T) {
	catalog := DefaultPlanCatalog()

	plan, ok := catalog.ResolvePlan("price_basic")
	assert.True(t, ok)
	assert.Equal(t, types.PlanBasic, plan)

	plan, ok = catalog.ResolvePlan("price_premium")
	assert.True(t, ok)
	assert.Equal(t, types.PlanPremium, plan)

	// Absent price ID means no paid entitlement.
	plan, ok = catalog.ResolvePlan("")
	assert.True(t, ok)
	assert.Equal(t, types.PlanFree, plan)
}

func TestPlanCatalog_ResolvePlan_Miss(t *testing.T) {
	plan, ok := DefaultPlanCatalog().ResolvePlan("price_retired_2019")
	assert.False(t, ok)
	assert.Equal(t, types.PlanFree, plan, "a catalog miss must never over-grant")
}

func TestPlanCatalog_PriceFor(t *testing.T) {
	catalog := DefaultPlanCatalog()

	price, err := catalog.PriceFor(types.PlanPremium)
	require.NoError(t, err)
	assert.Equal(t, "price_premium", price)

	_, err = catalog.PriceFor(types.PlanFree)
	require.Error(t, err)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeValidationInvalid, appErr.Code)
}

func TestPlanCatalog_PriceFor_Unconfigured(t *testing.T) {
	catalog := NewPlanCatalog(map[string]types.PlanID{"price_basic": types.PlanBasic})

	_, err := catalog.PriceFor(types.PlanPremium)
	require.Error(t, err)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeCatalogUnresolved, appErr.Code)
}
