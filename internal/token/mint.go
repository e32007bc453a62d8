package token

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// Mint signs a compact HS256 token carrying the claim set. The production
// issuer is the upstream identity service; this exists for the development
// stub and for exercising the decoder against real token material.
func Mint(claims *Claims, secret []byte) (string, error) {
	if claims == nil {
		return "", errors.New("token: claims are required")
	}
	if len(secret) == 0 {
		return "", errors.New("token: signing secret is required")
	}
	mc := jwt.MapClaims{
		"user_id": claims.UserID,
		"email":   claims.Email,
		"role":    string(claims.Role),
		"exp":     claims.ExpiresAt,
		"iat":     claims.IssuedAt,
	}
	if claims.TokenID != "" {
		mc["jti"] = claims.TokenID
	}
	if claims.SessionID != "" {
		mc["session_id"] = claims.SessionID
	}
	if claims.PrimaryTenantID != "" {
		mc["primary_tenant_id"] = claims.PrimaryTenantID
	}
	if len(claims.TenantIDs) > 0 {
		mc["tenant_ids"] = claims.TenantIDs
	}
	if len(claims.Permissions) > 0 {
		mc["permissions"] = claims.Permissions
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(secret)
}
