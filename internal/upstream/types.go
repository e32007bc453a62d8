package upstream

// Tokens is the credential pair returned by login and refresh calls. Both
// tokens are opaque to the gateway except for the decodable claim payload.
type Tokens struct {
	SessionToken string `json:"session_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// LoginRequest carries the credentials forwarded to the identity service.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	OTPCode  string `json:"otp_code,omitempty"`
}

// UserInfo is the identity service's current-user projection.
type UserInfo struct {
	UserID          int64    `json:"user_id"`
	Email           string   `json:"email"`
	Role            string   `json:"role"`
	EmailVerified   bool     `json:"email_verified"`
	TwoFactor       bool     `json:"two_factor_enabled"`
	PrimaryTenantID string   `json:"primary_tenant_id,omitempty"`
	TenantIDs       []string `json:"tenant_ids,omitempty"`
}

// TwoFactorSetup is returned when enrolment starts: the shared secret plus
// a provisioning URI for authenticator apps.
type TwoFactorSetup struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

// EmergencyAccessRequest asks the backend to grant break-glass access to a
// patient record.
type EmergencyAccessRequest struct {
	PatientID int64  `json:"patient_id"`
	Reason    string `json:"reason"`
}

// ConsentUpdate changes one consent flag on the caller's record.
type ConsentUpdate struct {
	ConsentType string `json:"consent_type"`
	Granted     bool   `json:"granted"`
}
