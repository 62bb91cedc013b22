package credit_test

import (
	"context"
	"testing"
	"time"

	"github.com/dairycoop/credit-engine/credit"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEligible(t *testing.T) {
	tests := []struct {
		name       string
		pending    string
		percentage string
		want       string
	}{
		{"established", "30000", "60", "18000.00"},
		{"premium", "12345.67", "70", "8641.97"}, // 8641.969
		{"new rounds half up", "100.05", "30", "30.02"},
		{"no pending", "0", "60", "0.00"},
		{"negative pending", "-50", "60", "0.00"},
		{"fractional percentage", "1000", "33.5", "335.00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := credit.Eligible(dec(tt.pending), dec(tt.percentage))
			assert.Equal(t, tt.want, credit.FormatKES(got))
		})
	}
}

func TestCalculator_Ceiling(t *testing.T) {
	// GIVEN: Premium capped at 100,000
	policies := credit.DefaultTierPolicies()
	premium := policies[credit.TierPremium]
	premium.Ceiling = decimal.NewFromInt(100000)
	policies[credit.TierPremium] = premium
	calc := credit.NewCalculator(policies)

	p := credit.NewProfile("f", credit.TierPremium, calc.PercentageFor(credit.TierPremium), time.Now())

	// THEN
	assertKES(t, "100000.00", calc.EligibleFor(p, dec("500000")))
	assertKES(t, "35000.00", calc.EligibleFor(p, dec("50000")))
}

func TestCalculator_UnknownTierFallsBackToNew(t *testing.T) {
	calc := credit.NewCalculator(nil)
	assertKES(t, "30.00", calc.PercentageFor("platinum"))
	assertKES(t, "60.00", calc.PercentageFor(credit.TierEstablished))
}

func TestTierForTenure(t *testing.T) {
	now := time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		registered time.Time
		want       credit.CreditTier
	}{
		{now.AddDate(0, -1, 0), credit.TierNew},
		{now.AddDate(0, -3, 0), credit.TierNew},
		{now.AddDate(0, -4, 0), credit.TierEstablished},
		{now.AddDate(0, -12, 0), credit.TierEstablished},
		{now.AddDate(0, -13, 0), credit.TierPremium},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, credit.TierForTenure(tt.registered, now), tt.registered.Format("2006-01"))
	}
}

type registrations map[credit.FarmerID]time.Time

func (r registrations) RegisteredAt(_ context.Context, id credit.FarmerID) (time.Time, bool, error) {
	at, ok := r[id]
	return at, ok, nil
}

func TestRegistrationTierResolver(t *testing.T) {
	now := time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC)
	resolver := &credit.RegistrationTierResolver{
		Source: registrations{"veteran": now.AddDate(-2, 0, 0)},
		Now:    func() time.Time { return now },
	}

	tier, err := resolver.CreditTier(context.Background(), "veteran")
	require.NoError(t, err)
	assert.Equal(t, credit.TierPremium, tier)

	tier, err = resolver.CreditTier(context.Background(), "stranger")
	require.NoError(t, err)
	assert.Equal(t, credit.TierNew, tier)
}

func TestCheckEligibility(t *testing.T) {
	// GIVEN: A farmer without a profile and one with an open line
	f := newFixture(t)
	f.payments["fresh"] = dec("10000")
	f.payments["busy"] = dec("10000")
	f.seed("busy", credit.TierEstablished, "6000", "2000", "4000")

	// WHEN
	fresh, err := f.engine.CheckEligibility(context.Background(), "fresh")
	require.NoError(t, err)
	busy, err := f.engine.CheckEligibility(context.Background(), "busy")
	require.NoError(t, err)

	// THEN: Only the fresh farmer can be granted now, and nothing was written
	assert.True(t, fresh.CanGrant)
	assertKES(t, "6000.00", fresh.Eligible)
	assert.False(t, busy.CanGrant)
	profile, err := f.engine.GetCreditProfile(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Nil(t, profile)
}
