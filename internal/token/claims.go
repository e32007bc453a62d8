package token

import "strings"

// Role is the account role carried in the token payload. The set is closed:
// the upstream identity service only ever issues roles from this list.
type Role string

const (
	RolePatient    Role = "patient"
	RoleProvider   Role = "provider"
	RoleAdmin      Role = "admin"
	RolePharmco    Role = "pharmco"
	RoleCaregiver  Role = "caregiver"
	RoleResearcher Role = "researcher"
	RoleSuperadmin Role = "superadmin"
	RoleCompliance Role = "compliance"
)

var knownRoles = map[Role]struct{}{
	RolePatient:    {},
	RoleProvider:   {},
	RoleAdmin:      {},
	RolePharmco:    {},
	RoleCaregiver:  {},
	RoleResearcher: {},
	RoleSuperadmin: {},
	RoleCompliance: {},
}

// Known reports whether the role belongs to the closed role set.
func (r Role) Known() bool {
	_, ok := knownRoles[Role(strings.ToLower(string(r)))]
	return ok
}

// Claims is the decoded token payload. The signature is never checked here;
// the issuing backend holds verification authority.
type Claims struct {
	UserID          int64           `json:"user_id"`
	Email           string          `json:"email"`
	Role            Role            `json:"role"`
	ExpiresAt       int64           `json:"exp"`
	IssuedAt        int64           `json:"iat"`
	TokenID         string          `json:"jti,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	PrimaryTenantID string          `json:"primary_tenant_id,omitempty"`
	TenantIDs       []string        `json:"tenant_ids,omitempty"`
	Permissions     map[string]bool `json:"permissions,omitempty"`
}

// HasTrackingID reports whether the claim set carries a token or session
// identifier usable for correlation.
func (c *Claims) HasTrackingID() bool {
	return c != nil && (strings.TrimSpace(c.TokenID) != "" || strings.TrimSpace(c.SessionID) != "")
}
