package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"offsync.org/internal/events"
	"offsync.org/internal/obs"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	userIDKey    ctxKey = "audit_user_id"
)

// Audited lists the bus events written to the audit trail.
var Audited = []events.Type{
	events.QueueDropped,
	events.QueueSynced,
	events.SessionStarted,
	events.SessionTerminated,
	events.DomainSynced,
	events.Online,
	events.Offline,
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithUserID attaches the acting subject to the context for audit logging.
func WithUserID(ctx context.Context, userID string) context.Context {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userIDKey, userID)
}

func stringFromContext(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
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
	entry := logrus.Fields{
		"type":  "audit",
		"event": event,
	}
	if rid := stringFromContext(ctx, requestIDKey); rid != "" {
		entry["request_id"] = rid
	}
	if uid := stringFromContext(ctx, userIDKey); uid != "" {
		entry["user_id"] = uid
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	obs.Logger().WithFields(entry).Info("audit")
	return nil
}

// Subscribe writes an audit entry for every Audited event published on bus
// until ctx is done. The returned channel is closed when the subscriber exits.
func Subscribe(ctx context.Context, bus *events.Bus) <-chan struct{} {
	done := make(chan struct{})
	ch := bus.Subscribe(ctx, Audited...)
	go func() {
		defer close(done)
		for evt := range ch {
			_ = LogEvent(ctx, string(evt.Type), payloadFields(evt.Payload))
		}
	}()
	return done
}

// payloadFields flattens an event payload into audit fields. Request bodies
// are never written to the audit trail.
func payloadFields(payload any) map[string]any {
	if payload == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return map[string]any{"payload_error": err.Error()}
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return map[string]any{"value": payload}
	}
	delete(fields, "body")
	return fields
}
