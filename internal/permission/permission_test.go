package permission

import (
	"testing"

	"github.com/carebridge-health/sessiongate/internal/token"
)

func grantedClaims() *token.Claims {
	return &token.Claims{
		UserID: 7,
		Email:  "admin@example.org",
		Role:   token.RoleAdmin,
		Permissions: map[string]bool{
			CapAccessAdmin:  true,
			CapManageUsers:  true,
			CapAuditAccess:  false,
			CapViewPHI:      true,
		},
	}
}

func TestHasFailsClosed(t *testing.T) {
	if Has(nil, CapAccessAdmin) {
		t.Fatalf("nil claims must never grant a capability")
	}
	if Has(&token.Claims{UserID: 1}, CapAccessAdmin) {
		t.Fatalf("claims without a permission block must fail closed")
	}
	if Has(grantedClaims(), "unknown_permission") {
		t.Fatalf("unknown capability names must fail closed")
	}
	if Has(grantedClaims(), "") {
		t.Fatalf("empty capability name must fail closed")
	}
}

func TestHasDirectAndDeniedFlags(t *testing.T) {
	claims := grantedClaims()
	if !Has(claims, CapAccessAdmin) {
		t.Fatalf("expected %s to be granted", CapAccessAdmin)
	}
	if Has(claims, CapAuditAccess) {
		t.Fatalf("explicit false flag must deny")
	}
}

func TestAliasResolvesToCanonicalResult(t *testing.T) {
	claims := grantedClaims()
	for alias, canonical := range map[string]string{
		"has_admin_access": CapAccessAdmin,
		"manage_users":     CapManageUsers,
		"can_audit":        CapAuditAccess,
	} {
		if Has(claims, alias) != Has(claims, canonical) {
			t.Fatalf("alias %q must resolve to the same result as %q", alias, canonical)
		}
	}
	if Resolve("HAS_ADMIN_ACCESS") != CapAccessAdmin {
		t.Fatalf("Resolve must be case-insensitive")
	}
	if Resolve("something_else") != "something_else" {
		t.Fatalf("unknown names must resolve to themselves")
	}
}

func TestHasAnyAndHasAll(t *testing.T) {
	claims := grantedClaims()
	if !HasAny(claims, CapAuditAccess, CapViewPHI) {
		t.Fatalf("HasAny should find the granted flag")
	}
	if HasAny(claims, CapAuditAccess, CapSuperadmin) {
		t.Fatalf("HasAny over denied flags must be false")
	}
	if !HasAll(claims, CapAccessAdmin, CapManageUsers) {
		t.Fatalf("HasAll over granted flags must be true")
	}
	if HasAll(claims, CapAccessAdmin, CapAuditAccess) {
		t.Fatalf("HasAll must require every flag")
	}
	if HasAll(nil) {
		t.Fatalf("HasAll on nil claims must be false even for an empty list")
	}
	if !HasAll(claims) {
		t.Fatalf("HasAll with no names is vacuously true for live claims")
	}
}
