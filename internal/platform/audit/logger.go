// Package audit keeps a trail of administrative changes to webhook subscriptions.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"casehooks/internal/platform/database"
)

const (
	ActionWebhookCreated      = "webhook.created"
	ActionWebhookUpdated      = "webhook.updated"
	ActionWebhookDeleted      = "webhook.deleted"
	ActionWebhookTested       = "webhook.tested"
	ActionWebhookReset        = "webhook.failures_reset"
	ActionWebhookSecretRotate = "webhook.secret_rotated"
	ActionEventEmitted        = "event.emitted"

	ResourceWebhook = "webhook"
	ResourceEvent   = "event"
)

type Entry struct {
	ID           string                 `json:"id"`
	ActorID      string                 `json:"actorId"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resourceType"`
	ResourceID   string                 `json:"resourceId"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	IPAddress    string                 `json:"ipAddress"`
	UserAgent    string                 `json:"userAgent"`
	CreatedAt    time.Time              `json:"createdAt"`
}

type Logger struct {
	db *database.DB
}

func NewLogger(db *database.DB) *Logger {
	return &Logger{db: db}
}

// Log stores the entry. Audit failures never fail the request that caused
// them, so errors are only logged.
func (l *Logger) Log(ctx context.Context, e *Entry) {
	if e.ID == "" {
		e.ID = "audit_" + uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		if b, err := json.Marshal(e.Metadata); err == nil {
			meta = b
		}
	}

	query := `
		INSERT INTO audit_logs (id, actor_id, action, resource_type, resource_id, metadata, ip_address, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := l.db.ExecContext(context.WithoutCancel(ctx), l.db.Rebind(query),
		e.ID, e.ActorID, e.Action, e.ResourceType, e.ResourceID, string(meta), e.IPAddress, e.UserAgent, e.CreatedAt.UnixMilli())
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("action", e.Action).Str("resource_id", e.ResourceID).Msg("audit write failed")
	}
}

// List returns the newest entries first. An empty resourceID lists everything.
func (l *Logger) List(ctx context.Context, resourceID string, limit int) ([]*Entry, error) {
	query := `
		SELECT id, actor_id, action, resource_type, resource_id, metadata, ip_address, user_agent, created_at
		FROM audit_logs
	`
	args := []interface{}{}
	if resourceID != "" {
		query += ` WHERE resource_id = ?`
		args = append(args, resourceID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, l.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []*Entry{}
	for rows.Next() {
		var e Entry
		var meta string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.ResourceType, &e.ResourceID,
			&meta, &e.IPAddress, &e.UserAgent, &createdAt); err != nil {
			return nil, err
		}
		if meta != "" && meta != "{}" {
			_ = json.Unmarshal([]byte(meta), &e.Metadata)
		}
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
