package token

import (
	"strings"
	"time"
)

const (
	// ClockSkew is how far in the future an issued-at timestamp may sit
	// before the token is treated as impossible.
	ClockSkew = 60 * time.Second
	// RefreshThreshold is the remaining-lifetime window at which a
	// proactive refresh should be triggered.
	RefreshThreshold = 5 * time.Minute
)

// Result is the outcome of validating a decoded claim set. Failures are
// values, not errors, so callers branch without exception handling.
type Result struct {
	Valid        bool
	Code         Code
	Claims       *Claims
	ExpiresIn    time.Duration
	NeedsRefresh bool
}

// Validate checks structural completeness, timestamp liveness and role
// membership. Pure: deterministic given the claim set and now.
func Validate(claims *Claims, now time.Time) Result {
	if claims == nil {
		return Result{Code: CodeMissingRequiredFields}
	}
	if claims.UserID == 0 ||
		!strings.Contains(claims.Email, "@") ||
		claims.Role == "" ||
		claims.ExpiresAt == 0 ||
		claims.IssuedAt == 0 ||
		!claims.HasTrackingID() {
		return Result{Code: CodeMissingRequiredFields, Claims: claims}
	}

	exp := time.Unix(claims.ExpiresAt, 0)
	if !exp.After(now) {
		return Result{Code: CodeTokenExpired, Claims: claims}
	}
	iat := time.Unix(claims.IssuedAt, 0)
	if iat.After(now.Add(ClockSkew)) {
		return Result{Code: CodeFutureToken, Claims: claims}
	}
	if !claims.Role.Known() {
		return Result{Code: CodeInvalidRole, Claims: claims}
	}

	expiresIn := exp.Sub(now)
	return Result{
		Valid:        true,
		Claims:       claims,
		ExpiresIn:    expiresIn,
		NeedsRefresh: expiresIn < RefreshThreshold,
	}
}

// DecodeAndValidate decodes the raw token and validates the claim set in one
// step, folding decode failures into the same result shape.
func DecodeAndValidate(raw string, now time.Time) Result {
	claims, err := Decode(raw)
	if err != nil {
		return Result{Code: DecodeCode(err)}
	}
	return Validate(claims, now)
}
