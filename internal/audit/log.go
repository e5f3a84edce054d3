package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/pvhip/GymMaster/internal/auth"
	"github.com/pvhip/GymMaster/internal/obs"
	"github.com/pvhip/GymMaster/internal/stream"
)

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

// RequestIDFromContext extracts the request id if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		entry["user_id"] = userID
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// Consume writes one audit line per committed enrollment event until the
// channel is closed. It is run as the stream's audit subscriber.
func Consume(events <-chan stream.Event) {
	for evt := range events {
		fields := map[string]any{
			"event_id":      evt.ID,
			"enrollment_id": evt.EnrollmentID,
			"member_id":     evt.UserID,
			"course_id":     evt.CourseID,
			"occurred_at":   evt.OccurredAt.Format(time.RFC3339Nano),
		}
		if evt.ActorID != "" {
			fields["actor_id"] = evt.ActorID
		}
		if err := LogEvent(context.Background(), string(evt.Type), fields); err != nil {
			obs.Error("audit write failed", err, map[string]any{"event_id": evt.ID})
		}
	}
}
