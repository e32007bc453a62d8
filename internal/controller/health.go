package controller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/carebridge-health/sessiongate/internal/upstream"
)

// DefaultHealthInterval is the cadence of the periodic session health sweep.
const DefaultHealthInterval = 10 * time.Minute

// CheckSessionHealth re-validates one tab against the identity service. On
// a 401 it attempts exactly one refresh before forcing logout.
func (c *Controller) CheckSessionHealth(ctx context.Context, tabID string) error {
	rec, err := c.store.Get(ctx, tabID)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrNotAuthenticated
	}

	_, err = c.backend.CurrentUser(ctx, rec.SessionToken)
	if err == nil {
		return nil
	}
	if !errors.Is(err, upstream.ErrUnauthorized) {
		// Transient upstream trouble is not a reason to drop the session.
		c.logger.Warn("session health check errored", slog.String("tab_id", tabID), slog.Any("error", err))
		return err
	}

	if _, refreshErr := c.Refresh(ctx, tabID); refreshErr != nil {
		c.logger.Info("session rejected upstream, forcing logout", slog.String("tab_id", tabID))
		if logoutErr := c.Logout(ctx, tabID); logoutErr != nil {
			return logoutErr
		}
		return ErrNotAuthenticated
	}
	return nil
}

// RunHealthLoop sweeps every registered tab on a fixed cadence until the
// context is cancelled. Advisory only: a missed sweep never invalidates a
// session by itself.
func (c *Controller) RunHealthLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Controller) sweep(ctx context.Context) {
	entries, err := c.store.Registry(ctx)
	if err != nil {
		c.logger.Warn("health sweep could not list sessions", slog.Any("error", err))
		return
	}
	for _, entry := range entries {
		if err := c.CheckSessionHealth(ctx, entry.TabID); err != nil && !errors.Is(err, ErrNotAuthenticated) {
			c.logger.Warn("health check failed", slog.String("tab_id", entry.TabID), slog.Any("error", err))
		}
	}
}
