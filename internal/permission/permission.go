package permission

import (
	"strings"

	"github.com/carebridge-health/sessiongate/internal/token"
)

// Canonical capability flags as they appear in the token's permission block.
const (
	CapManageUsers     = "can_manage_users"
	CapAccessAdmin     = "can_access_admin"
	CapAuditAccess     = "has_audit_access"
	CapSuperadmin      = "is_superadmin"
	CapViewPHI         = "can_view_phi"
	CapPrescribe       = "can_prescribe"
	CapManageConsents  = "can_manage_consents"
	CapEmergencyAccess = "has_emergency_access"
	CapManageTenants   = "can_manage_tenants"
	CapExportRecords   = "can_export_records"
)

// Catalog lists every canonical capability the evaluator understands.
func Catalog() []string {
	return []string{
		CapManageUsers,
		CapAccessAdmin,
		CapAuditAccess,
		CapSuperadmin,
		CapViewPHI,
		CapPrescribe,
		CapManageConsents,
		CapEmergencyAccess,
		CapManageTenants,
		CapExportRecords,
	}
}

// aliases tolerates naming drift between frontend expectations and the
// upstream payload shape. Keys are the drifted names, values canonical.
var aliases = map[string]string{
	"has_admin_access":     CapAccessAdmin,
	"admin_access":         CapAccessAdmin,
	"can_audit":            CapAuditAccess,
	"audit_access":         CapAuditAccess,
	"manage_users":         CapManageUsers,
	"superadmin":           CapSuperadmin,
	"view_phi":             CapViewPHI,
	"emergency_access":     CapEmergencyAccess,
	"can_update_consents":  CapManageConsents,
	"can_export_phi":       CapExportRecords,
}

// Resolve maps a requested capability name to its canonical flag name.
// Unknown names resolve to themselves so direct payload lookups still work.
func Resolve(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	if canonical, ok := aliases[name]; ok {
		return canonical
	}
	return name
}

// Has reports whether the claim set grants the named capability. Nil claims,
// absent permission blocks and unknown names all fail closed to false.
func Has(claims *token.Claims, name string) bool {
	if claims == nil || len(claims.Permissions) == 0 {
		return false
	}
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return false
	}
	if granted, ok := claims.Permissions[name]; ok {
		return granted
	}
	if granted, ok := claims.Permissions[Resolve(name)]; ok {
		return granted
	}
	return false
}

// HasAny reports whether any of the named capabilities is granted.
func HasAny(claims *token.Claims, names ...string) bool {
	for _, name := range names {
		if Has(claims, name) {
			return true
		}
	}
	return false
}

// HasAll reports whether every named capability is granted. An empty list is
// vacuously true only for a non-nil claim set.
func HasAll(claims *token.Claims, names ...string) bool {
	if claims == nil {
		return false
	}
	for _, name := range names {
		if !Has(claims, name) {
			return false
		}
	}
	return true
}
