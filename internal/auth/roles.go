package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Role is the privilege tier of an authenticated actor.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleTeller   Role = "teller"
	RoleManager  Role = "manager"
	RoleAdmin    Role = "admin"
)

// ErrUnknownRole indicates a role outside the supported set.
var ErrUnknownRole = errors.New("unknown role")

var roleRank = map[Role]int{
	RoleCustomer: 0,
	RoleTeller:   1,
	RoleManager:  2,
	RoleAdmin:    3,
}

// ParseRole normalizes and validates a role string.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.TrimSpace(strings.ToLower(raw)))
	if _, ok := roleRank[role]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
	return role, nil
}

// Valid reports whether the role belongs to the supported set.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether the role ranks at or above min.
func (r Role) AtLeast(min Role) bool {
	rr, ok := roleRank[r]
	if !ok {
		return false
	}
	mr, ok := roleRank[min]
	if !ok {
		return false
	}
	return rr >= mr
}

// Actor is the authenticated identity on whose behalf an operation runs.
type Actor struct {
	ID   string
	Role Role
}

// Capability names an operation class subject to role gating.
type Capability string

const (
	CapTransactionCreate  Capability = "transaction.create"
	CapTransactionResolve Capability = "transaction.resolve"
	CapAccountState       Capability = "account.state"
	CapAccountClose       Capability = "account.close"
)

// capabilityTable is the single source of truth for which roles may perform
// which operation class. Amount-based resolver tiers are layered on top by
// the approval policy.
var capabilityTable = map[Capability]map[Role]bool{
	CapTransactionCreate: {
		RoleCustomer: true,
		RoleTeller:   true,
		RoleManager:  true,
		RoleAdmin:    true,
	},
	CapTransactionResolve: {
		RoleManager: true,
		RoleAdmin:   true,
	},
	CapAccountState: {
		RoleAdmin: true,
	},
	CapAccountClose: {
		RoleAdmin: true,
	},
}

// Can reports whether the role holds the capability.
func (r Role) Can(cap Capability) bool {
	allowed, ok := capabilityTable[cap]
	if !ok {
		return false
	}
	return allowed[r]
}
