package bank

import (
	"github.com/shopspring/decimal"

	"meridianbank.org/internal/auth"
)

// Policy holds the approval thresholds. Amounts at or below ManagerThreshold
// settle in the same call that created them; amounts above AdminThreshold may
// be resolved by admins only. Thresholds are operator-tunable configuration,
// not literals baked into call sites.
type Policy struct {
	ManagerThreshold decimal.Decimal
	AdminThreshold   decimal.Decimal
}

// DefaultPolicy returns the stock 500 / 1000 risk tiers.
func DefaultPolicy() Policy {
	return Policy{
		ManagerThreshold: decimal.NewFromInt(500),
		AdminThreshold:   decimal.NewFromInt(1000),
	}
}

// Decision is the outcome of classifying an amount.
type Decision struct {
	AutoApply bool
	// MinResolverRole is the least privileged role that may approve or
	// reject the transaction. Unset when AutoApply is true.
	MinResolverRole auth.Role
}

// Classify maps an amount to an approval path. The lower band is inclusive:
// an amount exactly at ManagerThreshold auto-applies.
func (p Policy) Classify(amount decimal.Decimal) Decision {
	if amount.LessThanOrEqual(p.ManagerThreshold) {
		return Decision{AutoApply: true}
	}
	if amount.LessThanOrEqual(p.AdminThreshold) {
		return Decision{MinResolverRole: auth.RoleManager}
	}
	return Decision{MinResolverRole: auth.RoleAdmin}
}

// RequiresApproval reports whether the amount needs a privileged resolver.
func (p Policy) RequiresApproval(amount decimal.Decimal) bool {
	return !p.Classify(amount).AutoApply
}

// CanResolve reports whether role satisfies the decision's minimum resolver
// requirement. Auto-apply decisions have no resolver to satisfy.
func (d Decision) CanResolve(role auth.Role) bool {
	if d.AutoApply {
		return false
	}
	return role.Can(auth.CapTransactionResolve) && role.AtLeast(d.MinResolverRole)
}
