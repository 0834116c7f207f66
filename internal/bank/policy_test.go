package bank

import (
	"testing"

	"github.com/shopspring/decimal"

	"meridianbank.org/internal/auth"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestClassifyBands(t *testing.T) {
	p := DefaultPolicy()

	cases := []struct {
		amount  string
		auto    bool
		minRole auth.Role
	}{
		{"0.01", true, ""},
		{"499.99", true, ""},
		{"500", true, ""}, // lower band is inclusive
		{"500.01", false, auth.RoleManager},
		{"1000", false, auth.RoleManager},
		{"1000.01", false, auth.RoleAdmin},
		{"250000", false, auth.RoleAdmin},
	}
	for _, tc := range cases {
		d := p.Classify(dec(tc.amount))
		if d.AutoApply != tc.auto {
			t.Fatalf("Classify(%s).AutoApply=%v, want %v", tc.amount, d.AutoApply, tc.auto)
		}
		if d.MinResolverRole != tc.minRole {
			t.Fatalf("Classify(%s).MinResolverRole=%q, want %q", tc.amount, d.MinResolverRole, tc.minRole)
		}
	}
}

func TestCanResolveRespectsTier(t *testing.T) {
	p := DefaultPolicy()

	mid := p.Classify(dec("750"))
	if !mid.CanResolve(auth.RoleManager) || !mid.CanResolve(auth.RoleAdmin) {
		t.Fatal("manager and admin should resolve mid-tier amounts")
	}
	if mid.CanResolve(auth.RoleTeller) || mid.CanResolve(auth.RoleCustomer) {
		t.Fatal("teller and customer must not resolve transactions")
	}

	high := p.Classify(dec("1000.01"))
	if high.CanResolve(auth.RoleManager) {
		t.Fatal("manager must not resolve amounts above the admin threshold")
	}
	if !high.CanResolve(auth.RoleAdmin) {
		t.Fatal("admin should resolve amounts above the admin threshold")
	}

	if p.Classify(dec("100")).CanResolve(auth.RoleAdmin) {
		t.Fatal("auto-apply decisions have nothing to resolve")
	}
}

func TestRequiresApprovalTunableThresholds(t *testing.T) {
	p := Policy{ManagerThreshold: dec("50"), AdminThreshold: dec("100")}
	if p.RequiresApproval(dec("50")) {
		t.Fatal("50 should auto-apply with a retuned threshold")
	}
	if !p.RequiresApproval(dec("50.01")) {
		t.Fatal("50.01 should require approval with a retuned threshold")
	}
	if got := p.Classify(dec("100.01")).MinResolverRole; got != auth.RoleAdmin {
		t.Fatalf("expected admin tier, got %q", got)
	}
}
