// Package audit writes structured records of privileged actions: role
// grants, user resets, purges. Entries go to the shared log stream tagged
// with type=audit so they can be filtered downstream.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"execbrief.org/internal/obs"
)

type ctxKey string

const actorIDKey ctxKey = "audit_actor_id"

// WithActor attaches the acting user's id to the context so every audit
// entry written during the request carries it.
func WithActor(ctx context.Context, userID int64) context.Context {
	if userID == 0 {
		return ctx
	}
	return context.WithValue(ctx, actorIDKey, userID)
}

// actorFromContext extracts the acting user id if present.
func actorFromContext(ctx context.Context) (int64, bool) {
	if ctx == nil {
		return 0, false
	}
	id, ok := ctx.Value(actorIDKey).(int64)
	return id, ok
}

// LogEvent writes one audit entry enriched with the acting user from context.
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
	if actorID, ok := actorFromContext(ctx); ok {
		entry["actor_id"] = actorID
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
