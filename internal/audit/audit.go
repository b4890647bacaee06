// Package audit records security-relevant events. The primary sink is an
// append-only store; recording is best-effort and never fails the caller,
// but a failed write is itself logged to the process stderr logger.
package audit

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tradeops.org/internal/auth"
	"tradeops.org/internal/obs"
)

// Severity grades an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one immutable audit record.
type Event struct {
	ID          string
	OccurredAt  time.Time
	ActorID     string
	RequestID   string
	EntityType  string
	EntityID    string
	Action      string
	Description string
	OldValues   map[string]any
	NewValues   map[string]any
	Severity    Severity
	Checksum    string
}

// Sink accepts audit events. Implementations must treat the log as
// append-only; the Postgres sink enforces this with a trigger.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Recorder wraps a Sink with context enrichment and the fallback path.
// A nil primary sink degrades to stderr logging only.
type Recorder struct {
	sink Sink
	now  func() time.Time
}

// NewRecorder constructs a Recorder over the given primary sink.
func NewRecorder(sink Sink) *Recorder {
	return &Recorder{sink: sink, now: time.Now}
}

// Record enriches and writes the event. Failures to persist are logged to
// stderr and swallowed: audit must never block or fail the authorization
// decision it describes.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = r.now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}
	if ev.RequestID == "" {
		ev.RequestID = requestIDFromContext(ctx)
	}
	if ev.ActorID == "" {
		if userID, ok := auth.UserIDFromContext(ctx); ok {
			ev.ActorID = userID
		}
	}

	if r.sink != nil {
		if err := r.sink.Record(ctx, ev); err != nil {
			obs.Logger().Error().Err(err).
				Str("action", ev.Action).
				Str("entity_type", ev.EntityType).
				Str("entity_id", ev.EntityID).
				Msg("audit sink write failed; falling back to stderr")
			logEvent(ev)
		}
		return
	}
	logEvent(ev)
}

// logEvent writes the event as a structured log line, the guaranteed-available
// fallback channel.
func logEvent(ev Event) {
	e := obs.Logger().WithLevel(severityLevel(ev.Severity)).
		Str("type", "audit").
		Time("occurred_at", ev.OccurredAt).
		Str("entity_type", ev.EntityType).
		Str("entity_id", ev.EntityID).
		Str("action", ev.Action).
		Str("severity", string(ev.Severity))
	if ev.ActorID != "" {
		e = e.Str("actor_id", ev.ActorID)
	}
	if ev.RequestID != "" {
		e = e.Str("request_id", ev.RequestID)
	}
	if ev.Checksum != "" {
		e = e.Str("checksum", ev.Checksum)
	}
	if len(ev.OldValues) > 0 {
		e = e.Interface("old_values", ev.OldValues)
	}
	if len(ev.NewValues) > 0 {
		e = e.Interface("new_values", ev.NewValues)
	}
	e.Msg(ev.Description)
}

func severityLevel(s Severity) zerolog.Level {
	switch s {
	case SeverityCritical:
		return zerolog.ErrorLevel
	case SeverityWarning:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}
