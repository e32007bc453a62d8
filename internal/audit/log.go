package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/carebridge-health/sessiongate/internal/obs"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	tabIDKey     ctxKey = "audit_tab_id"
)

// WithRequestID attaches the request identifier to the context for audit
// logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithTabID attaches the tab session identifier to the context.
func WithTabID(ctx context.Context, tabID string) context.Context {
	tabID = strings.TrimSpace(tabID)
	if tabID == "" {
		return ctx
	}
	return context.WithValue(ctx, tabIDKey, tabID)
}

func fromContext(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes a session-lifecycle audit entry enriched with request and
// tab context. Token material must never be passed in fields.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	attrs := []any{
		slog.String("type", "audit"),
		slog.String("event", event),
		slog.Time("ts", time.Now().UTC()),
	}
	if rid := fromContext(ctx, requestIDKey); rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
	}
	if tab := fromContext(ctx, tabIDKey); tab != "" {
		attrs = append(attrs, slog.String("tab_id", tab))
	}
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	obs.Logger().Info("audit", attrs...)
	return nil
}
