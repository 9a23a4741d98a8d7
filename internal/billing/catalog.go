package billing

import (
	"subsync/internal/types"
)

// PlanCatalog maps provider price IDs to local plans and back. The catalog is
// fixed at startup; an event carrying a price outside the catalog resolves to
// the free plan so that a misconfigured catalog can never over-grant
// entitlements, and the miss is surfaced to the caller.
type PlanCatalog struct {
	priceToPlan map[string]types.PlanID
	planToPrice map[types.PlanID]string
}

// NewPlanCatalog builds a catalog from a price->plan mapping.
func NewPlanCatalog(priceToPlan map[string]types.PlanID) *PlanCatalog {
	c := &PlanCatalog{
		priceToPlan: make(map[string]types.PlanID, len(priceToPlan)),
		planToPrice: make(map[types.PlanID]string, len(priceToPlan)),
	}
	for price, plan := range priceToPlan {
		c.priceToPlan[price] = plan
		c.planToPrice[plan] = price
	}
	return c
}

// DefaultPlanCatalog returns the built-in catalog. Production deployments
// override the price IDs from configuration.
func DefaultPlanCatalog() *PlanCatalog {
	return NewPlanCatalog(map[string]types.PlanID{
		"price_basic":   types.PlanBasic,
		"price_premium": types.PlanPremium,
	})
}

// ResolvePlan maps a price ID to its plan. A miss returns (PlanFree, false);
// the caller decides whether to degrade or retain the previous plan, and
// flags the miss for operator attention rather than rejecting the event.
func (c *PlanCatalog) ResolvePlan(priceID string) (types.PlanID, bool) {
	if priceID == "" {
		return types.PlanFree, true
	}
	if plan, ok := c.priceToPlan[priceID]; ok {
		return plan, true
	}
	return types.PlanFree, false
}

// PriceFor returns the provider price ID for a paid plan. The free plan has
// no price; requesting it is a caller bug.
func (c *PlanCatalog) PriceFor(plan types.PlanID) (string, error) {
	if plan == types.PlanFree {
		return "", types.NewAppError(
			types.ErrCodeValidationInvalid,
			"the free plan has no provider price",
			nil,
		)
	}
	price, ok := c.planToPrice[plan]
	if !ok {
		return "", types.NewAppError(
			types.ErrCodeCatalogUnresolved,
			"no provider price configured for plan "+string(plan),
			nil,
		)
	}
	return price, nil
}
