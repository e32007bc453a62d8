package session

import (
	"context"
	"time"
)

// InactivityWindow is how long a tab session may sit without tracked user
// activity before it is treated as absent and purged.
const InactivityWindow = 30 * time.Minute

// Record is one browser tab's session state. Token material lives only here,
// never in the cross-tab registry.
type Record struct {
	TabID        string `json:"tab_id"`
	SessionToken string `json:"session_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	UserID       int64  `json:"user_id"`
	Email        string `json:"email"`
	Role         string `json:"role"`
	LoginTime    int64  `json:"login_time"`
	LastActivity int64  `json:"last_activity"`
}

// Expired reports whether the record's inactivity window has elapsed.
// Timestamps are Unix milliseconds.
func (r *Record) Expired(now time.Time) bool {
	if r == nil {
		return true
	}
	last := time.UnixMilli(r.LastActivity)
	return now.Sub(last) > InactivityWindow
}

// RegistryEntry is the redacted cross-tab view of a session: identity and
// timestamps only, deliberately excluding tokens to limit blast radius if
// the shared storage scope is compromised.
type RegistryEntry struct {
	TabID        string `json:"tab_id"`
	UserID       int64  `json:"user_id"`
	Email        string `json:"email"`
	Role         string `json:"role"`
	LoginTime    int64  `json:"login_time"`
	LastActivity int64  `json:"last_activity"`
}

func (r *Record) registryEntry() RegistryEntry {
	return RegistryEntry{
		TabID:        r.TabID,
		UserID:       r.UserID,
		Email:        r.Email,
		Role:         r.Role,
		LoginTime:    r.LoginTime,
		LastActivity: r.LastActivity,
	}
}

// Store persists per-tab session records plus the shared registry.
type Store interface {
	// Get returns the record for a tab, or nil when no live session
	// exists. Expired and unreadable records are purged on read.
	Get(ctx context.Context, tabID string) (*Record, error)
	// Put writes the record and mirrors its redacted view to the registry.
	Put(ctx context.Context, rec *Record) error
	// Clear removes the record and its registry entry.
	Clear(ctx context.Context, tabID string) error
	// UpdateActivity bumps LastActivity without touching tokens.
	UpdateActivity(ctx context.Context, tabID string) error
	// Registry lists the redacted entries across all tabs.
	Registry(ctx context.Context) ([]RegistryEntry, error)
}
