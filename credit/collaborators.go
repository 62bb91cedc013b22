package credit

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// COLLABORATOR INTERFACES - Data owned by the surrounding application
// =============================================================================

// PendingPayments supplies the sum of approved, unpaid collection amounts.
type PendingPayments interface {
	PendingPaymentTotal(ctx context.Context, farmerID FarmerID) (decimal.Decimal, error)
}

// Product is the catalog view the engine needs for a purchase.
type Product struct {
	ID             string
	Name           string
	UnitPrice      decimal.Decimal
	Unit           string
	CreditEligible bool
}

// ProductCatalog looks up product prices. ProductPrice returns nil, nil for
// an unknown product.
type ProductCatalog interface {
	ProductPrice(ctx context.Context, productID string) (*Product, error)
}

// TierResolver decides the tier of a farmer whose profile is created lazily.
type TierResolver interface {
	CreditTier(ctx context.Context, farmerID FarmerID) (CreditTier, error)
}

// =============================================================================
// TIER RESOLVERS
// =============================================================================

// FixedTierResolver assigns the same tier to everyone.
type FixedTierResolver CreditTier

func (f FixedTierResolver) CreditTier(context.Context, FarmerID) (CreditTier, error) {
	return CreditTier(f), nil
}

// RegistrationSource reports when a farmer joined the cooperative.
type RegistrationSource interface {
	RegisteredAt(ctx context.Context, farmerID FarmerID) (time.Time, bool, error)
}

// RegistrationTierResolver derives the tier from tenure: more than twelve
// months is premium, more than three is established, otherwise new.
// Unknown farmers are new.
type RegistrationTierResolver struct {
	Source RegistrationSource
	Now    func() time.Time
}

func (r *RegistrationTierResolver) CreditTier(ctx context.Context, farmerID FarmerID) (CreditTier, error) {
	registered, ok, err := r.Source.RegisteredAt(ctx, farmerID)
	if err != nil {
		return "", err
	}
	if !ok {
		return TierNew, nil
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return TierForTenure(registered, now()), nil
}

// TierForTenure counts whole calendar months between registration and now.
func TierForTenure(registered, now time.Time) CreditTier {
	months := MonthsBetween(registered, now)
	switch {
	case months > 12:
		return TierPremium
	case months > 3:
		return TierEstablished
	default:
		return TierNew
	}
}

// =============================================================================
// STATIC COLLABORATORS - Tests and demos
// =============================================================================

// StaticPayments is a fixed pending-payment table.
type StaticPayments map[FarmerID]decimal.Decimal

func (s StaticPayments) PendingPaymentTotal(_ context.Context, farmerID FarmerID) (decimal.Decimal, error) {
	return s[farmerID], nil
}

// StaticCatalog is a fixed product table keyed by product id.
type StaticCatalog map[string]Product

func (s StaticCatalog) ProductPrice(_ context.Context, productID string) (*Product, error) {
	p, ok := s[productID]
	if !ok {
		return nil, nil
	}
	p.ID = productID
	return &p, nil
}
