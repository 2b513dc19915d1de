// Package audit records security relevant actions. Writes are best effort:
// a failed audit write never fails the operation it describes.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clawcrm/clawcrm/pkg/store"
)

// Entry describes one audited action.
type Entry struct {
	UserID     string
	Action     string
	EntityType string
	EntityID   string
	Channel    string
	// Details is JSON encoded when non-nil.
	Details any
}

// Logger writes audit entries to the store.
type Logger struct {
	log     logrus.FieldLogger
	store   store.Store
	enabled bool
}

// NewLogger creates a new audit Logger. A disabled Logger drops every entry.
func NewLogger(log logrus.FieldLogger, st store.Store, enabled bool) *Logger {
	return &Logger{
		log:     log.WithField("component", "audit"),
		store:   st,
		enabled: enabled,
	}
}

// Write persists e. Failures are logged and swallowed.
func (l *Logger) Write(ctx context.Context, e Entry) {
	if l == nil || !l.enabled {
		return
	}

	row := &store.AuditLogEntry{
		Action:     e.Action,
		UserID:     optional(e.UserID),
		EntityType: optional(e.EntityType),
		EntityID:   optional(e.EntityID),
		Channel:    optional(e.Channel),
		Timestamp:  time.Now().UTC(),
	}

	if e.Details != nil {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			l.log.WithError(err).
				WithField("action", e.Action).
				Warn("Failed to encode audit details")
		} else {
			details := string(raw)
			row.Details = &details
		}
	}

	if err := l.store.CreateAuditEntry(ctx, row); err != nil {
		l.log.WithError(err).
			WithField("action", e.Action).
			Warn("Failed to write audit entry")
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}
