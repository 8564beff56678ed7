// Package audit emits structured audit records for security-relevant
// gateway events (binds, admin actions, sweeps).
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gatewave.org/internal/obs"
)

type ctxKey string

const (
	requestIDKey    ctxKey = "audit_request_id"
	connectionIDKey ctxKey = "audit_connection_id"
	actorKey        ctxKey = "audit_actor"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithConnectionID attaches the connection identifier the event concerns.
func WithConnectionID(ctx context.Context, connectionID string) context.Context {
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return ctx
	}
	return context.WithValue(ctx, connectionIDKey, connectionID)
}

// WithActor attaches the acting user id (the authenticated client, or the
// admin invoking an operator endpoint).
func WithActor(ctx context.Context, userID string) context.Context {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey, userID)
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

// LogEvent writes an audit log entry enriched with request, connection and
// actor context.
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
	if rid := fromContext(ctx, requestIDKey); rid != "" {
		entry["request_id"] = rid
	}
	if cid := fromContext(ctx, connectionIDKey); cid != "" {
		entry["connection_id"] = cid
	}
	if actor := fromContext(ctx, actorKey); actor != "" {
		entry["actor"] = actor
	}
	if len(fields) > 0 {
		copyFields := make(map[string]any, len(fields))
		for k, v := range fields {
			copyFields[k] = v
		}
		entry["fields"] = copyFields
	} else {
		entry["fields"] = map[string]any{}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
