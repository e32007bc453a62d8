package controller

import (
	"context"

	"github.com/carebridge-health/sessiongate/internal/audit"
	"github.com/carebridge-health/sessiongate/internal/upstream"
)

// Optional capability flows. Each one rides the tab's stored session token;
// the identity service makes the actual authorization decision.

// SetupTwoFactor begins authenticator enrolment for the tab's user.
func (c *Controller) SetupTwoFactor(ctx context.Context, tabID string) (*upstream.TwoFactorSetup, error) {
	tok, err := c.sessionToken(ctx, tabID)
	if err != nil {
		return nil, err
	}
	return c.backend.SetupTwoFactor(ctx, tok)
}

// VerifyTwoFactor confirms an enrolment or challenge code.
func (c *Controller) VerifyTwoFactor(ctx context.Context, tabID, code string) error {
	tok, err := c.sessionToken(ctx, tabID)
	if err != nil {
		return err
	}
	return c.backend.VerifyTwoFactor(ctx, tok, code)
}

// RequestPasswordReset starts a reset flow. No session required.
func (c *Controller) RequestPasswordReset(ctx context.Context, email string) error {
	return c.backend.RequestPasswordReset(ctx, email)
}

// VerifyEmail confirms an email-verification token. No session required.
func (c *Controller) VerifyEmail(ctx context.Context, verificationToken string) error {
	return c.backend.VerifyEmail(ctx, verificationToken)
}

// GrantEmergencyAccess requests break-glass access to a patient record and
// leaves an audit trail on this side as well as upstream.
func (c *Controller) GrantEmergencyAccess(ctx context.Context, tabID string, req upstream.EmergencyAccessRequest) error {
	tok, err := c.sessionToken(ctx, tabID)
	if err != nil {
		return err
	}
	if err := c.backend.GrantEmergencyAccess(ctx, tok, req); err != nil {
		return err
	}
	return audit.LogEvent(audit.WithTabID(ctx, tabID), "session.emergency_access", map[string]any{
		"patient_id": req.PatientID,
		"reason":     req.Reason,
	})
}

// UpdateConsent records a consent change for the tab's user.
func (c *Controller) UpdateConsent(ctx context.Context, tabID string, req upstream.ConsentUpdate) error {
	tok, err := c.sessionToken(ctx, tabID)
	if err != nil {
		return err
	}
	if err := c.backend.UpdateConsent(ctx, tok, req); err != nil {
		return err
	}
	return audit.LogEvent(audit.WithTabID(ctx, tabID), "session.consent_updated", map[string]any{
		"consent_type": req.ConsentType,
		"granted":      req.Granted,
	})
}

func (c *Controller) sessionToken(ctx context.Context, tabID string) (string, error) {
	rec, err := c.store.Get(ctx, tabID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", ErrNotAuthenticated
	}
	return rec.SessionToken, nil
}
