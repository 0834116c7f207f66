package auth

import (
	"context"
	"testing"
	"time"
)

func TestGenerateAndParseToken(t *testing.T) {
	t.Setenv("MERIDIAN_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	token, err := GenerateToken(Actor{ID: "user-42", Role: RoleManager}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	actor, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if actor.ID != "user-42" {
		t.Fatalf("unexpected subject: %s", actor.ID)
	}
	if actor.Role != RoleManager {
		t.Fatalf("unexpected role: %s", actor.Role)
	}
}

func TestParseRejectsTamperedToken(t *testing.T) {
	t.Setenv("MERIDIAN_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	token, err := GenerateToken(Actor{ID: "user-1", Role: RoleAdmin}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	if _, err := ParseAndValidate(token + "x"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := ParseAndValidate(""); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
}

func TestGenerateTokenRejectsUnknownRole(t *testing.T) {
	t.Setenv("MERIDIAN_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	if _, err := GenerateToken(Actor{ID: "user-1", Role: Role("auditor")}, time.Minute); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole("  Manager ")
	if err != nil {
		t.Fatalf("ParseRole: %v", err)
	}
	if role != RoleManager {
		t.Fatalf("unexpected role: %s", role)
	}
	if _, err := ParseRole("superuser"); err == nil {
		t.Fatal("expected error for unsupported role")
	}
}

func TestRoleOrdering(t *testing.T) {
	if !RoleAdmin.AtLeast(RoleManager) {
		t.Fatal("admin should outrank manager")
	}
	if RoleManager.AtLeast(RoleAdmin) {
		t.Fatal("manager should not outrank admin")
	}
	if !RoleTeller.AtLeast(RoleTeller) {
		t.Fatal("ordering should be reflexive")
	}
	if Role("ghost").AtLeast(RoleCustomer) {
		t.Fatal("unknown role should rank below everything")
	}
}

func TestCapabilityTable(t *testing.T) {
	if !RoleManager.Can(CapTransactionResolve) {
		t.Fatal("manager should resolve transactions")
	}
	if RoleCustomer.Can(CapTransactionResolve) {
		t.Fatal("customer must not resolve transactions")
	}
	if RoleTeller.Can(CapAccountClose) {
		t.Fatal("teller must not close accounts")
	}
	if !RoleAdmin.Can(CapAccountState) {
		t.Fatal("admin should administer account state")
	}
}

func TestActorContextRoundTrip(t *testing.T) {
	ctx := ContextWithActor(context.Background(), Actor{ID: "user-7", Role: RoleTeller})
	actor, ok := ActorFromContext(ctx)
	if !ok {
		t.Fatal("expected actor in context")
	}
	if actor.ID != "user-7" || actor.Role != RoleTeller {
		t.Fatalf("unexpected actor: %+v", actor)
	}
	if _, ok := ActorFromContext(context.Background()); ok {
		t.Fatal("expected no actor in empty context")
	}
}
