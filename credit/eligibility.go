/*
eligibility.go - Credit eligibility from pending milk payments

PURPOSE:
  Converts a farmer's pending (approved, unpaid) collection total into the
  amount that may be granted as credit.

FORMULA:
  eligible = round_half_up(P x percentage / 100, 2)
  then capped at the tier ceiling when one is configured.

  The percentage comes from the profile, which copied it from the tier
  policy when the profile was created.

DEFAULT TIERS:
  new          30%
  established  60%
  premium      70%

SEE ALSO:
  - engine.go: GrantCredit uses Calculator
  - config/config.go: Tier overrides from the config file
*/
package credit

import (
	"github.com/shopspring/decimal"
)

// TierPolicy holds the lending parameters for one tier.
type TierPolicy struct {
	Percentage decimal.Decimal
	// Ceiling caps the eligible amount. Zero means uncapped.
	Ceiling decimal.Decimal
}

// TierPolicies maps each tier to its policy.
type TierPolicies map[CreditTier]TierPolicy

// DefaultTierPolicies returns the cooperative's standard percentages.
func DefaultTierPolicies() TierPolicies {
	return TierPolicies{
		TierNew:         {Percentage: decimal.NewFromInt(30)},
		TierEstablished: {Percentage: decimal.NewFromInt(60)},
		TierPremium:     {Percentage: decimal.NewFromInt(70)},
	}
}

// Eligible is the pure eligibility formula.
func Eligible(pending, percentage decimal.Decimal) decimal.Decimal {
	if !pending.IsPositive() || !percentage.IsPositive() {
		return decimal.Zero
	}
	return RoundMoney(pending.Mul(percentage).Div(decimal.NewFromInt(100)))
}

// Calculator applies tier policies on top of Eligible.
type Calculator struct {
	Policies TierPolicies
}

func NewCalculator(policies TierPolicies) *Calculator {
	if len(policies) == 0 {
		policies = DefaultTierPolicies()
	}
	return &Calculator{Policies: policies}
}

// PercentageFor returns the configured percentage of tier, falling back to
// the new-farmer policy for unknown tiers.
func (c *Calculator) PercentageFor(tier CreditTier) decimal.Decimal {
	if p, ok := c.Policies[tier]; ok {
		return p.Percentage
	}
	return c.Policies[TierNew].Percentage
}

// EligibleFor computes the grant for a profile with the given pending total.
func (c *Calculator) EligibleFor(p *CreditProfile, pending decimal.Decimal) decimal.Decimal {
	eligible := Eligible(pending, p.CreditLimitPercentage)
	if policy, ok := c.Policies[p.CreditTier]; ok && policy.Ceiling.IsPositive() {
		eligible = decimal.Min(eligible, policy.Ceiling)
	}
	return eligible
}
