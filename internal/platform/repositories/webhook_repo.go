package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"casehooks/internal/platform/database"
	"casehooks/internal/platform/models"
	"casehooks/internal/platform/secrets"
)

var ErrNotFound = errors.New("record not found")

const webhookColumns = `id, name, url, events, secret, is_active, failure_count, last_triggered_at, created_at, updated_at`

type WebhookRepository struct {
	db  *database.DB
	box *secrets.Box
}

func NewWebhookRepository(db *database.DB, box *secrets.Box) *WebhookRepository {
	if box == nil {
		box = &secrets.Box{}
	}
	return &WebhookRepository{db: db, box: box}
}

func (r *WebhookRepository) Create(ctx context.Context, webhook *models.Webhook) error {
	now := time.Now().UTC()
	webhook.ID = "wh_" + uuid.New().String()
	webhook.CreatedAt = now
	webhook.UpdatedAt = now

	eventsJSON, err := json.Marshal(webhook.Events)
	if err != nil {
		return err
	}
	secret, err := r.box.Seal(webhook.Secret)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO webhooks (id, name, url, events, secret, is_active, failure_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, r.db.Rebind(query),
		webhook.ID, webhook.Name, webhook.URL, string(eventsJSON), secret, webhook.IsActive,
		now.UnixMilli(), now.UnixMilli())
	return err
}

func (r *WebhookRepository) GetByID(ctx context.Context, id string) (*models.Webhook, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`), id)
	w, err := r.scanWebhook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

func (r *WebhookRepository) List(ctx context.Context) ([]*models.Webhook, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+webhookColumns+` FROM webhooks ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	webhooks := []*models.Webhook{}
	for rows.Next() {
		w, err := r.scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

// Update replaces the admin-editable fields. Delivery bookkeeping
// (failure_count, last_triggered_at) is never written here.
func (r *WebhookRepository) Update(ctx context.Context, webhook *models.Webhook) error {
	eventsJSON, err := json.Marshal(webhook.Events)
	if err != nil {
		return err
	}
	secret, err := r.box.Seal(webhook.Secret)
	if err != nil {
		return err
	}
	webhook.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE webhooks
		SET name = ?, url = ?, events = ?, secret = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query),
		webhook.Name, webhook.URL, string(eventsJSON), secret, webhook.IsActive,
		webhook.UpdatedAt.UnixMilli(), webhook.ID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// Delete removes the subscription together with its delivery history.
func (r *WebhookRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM webhooks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM webhook_deliveries WHERE webhook_id = ?`), id); err != nil {
		return fmt.Errorf("delete delivery history: %w", err)
	}
	return tx.Commit()
}

// ListActiveByEvent returns active subscriptions whose event set contains event.
// Events are stored as a JSON array, so matching happens here rather than in SQL.
func (r *WebhookRepository) ListActiveByEvent(ctx context.Context, event string) ([]*models.Webhook, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`SELECT `+webhookColumns+` FROM webhooks WHERE is_active = ?`), true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matched []*models.Webhook
	for rows.Next() {
		w, err := r.scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		if w.Subscribes(event) {
			matched = append(matched, w)
		}
	}
	return matched, rows.Err()
}

// IsActive reports false for unknown ids.
func (r *WebhookRepository) IsActive(ctx context.Context, id string) (bool, error) {
	var active bool
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT is_active FROM webhooks WHERE id = ?`), id).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return active, err
}

// RecordDelivery stamps last_triggered_at and, for failures, increments
// failure_count in a single statement so concurrent deliveries never lose updates.
func (r *WebhookRepository) RecordDelivery(ctx context.Context, id string, failed bool, at time.Time) error {
	inc := 0
	if failed {
		inc = 1
	}
	_, err := r.db.ExecContext(ctx,
		r.db.Rebind(`UPDATE webhooks SET last_triggered_at = ?, failure_count = failure_count + ? WHERE id = ?`),
		at.UnixMilli(), inc, id)
	return err
}

func (r *WebhookRepository) ResetFailures(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		r.db.Rebind(`UPDATE webhooks SET failure_count = 0, updated_at = ? WHERE id = ?`),
		time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *WebhookRepository) scanWebhook(s interface {
	Scan(dest ...interface{}) error
}) (*models.Webhook, error) {
	var w models.Webhook
	var eventsRaw, secret string
	var lastTriggered sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(&w.ID, &w.Name, &w.URL, &eventsRaw, &secret, &w.IsActive, &w.FailureCount,
		&lastTriggered, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(eventsRaw), &w.Events); err != nil {
		return nil, fmt.Errorf("webhook %s: decode events: %w", w.ID, err)
	}
	if w.Secret, err = r.box.Open(secret); err != nil {
		return nil, fmt.Errorf("webhook %s: %w", w.ID, err)
	}
	if lastTriggered.Valid {
		t := time.UnixMilli(lastTriggered.Int64).UTC()
		w.LastTriggered = &t
	}
	w.CreatedAt = time.UnixMilli(createdAt).UTC()
	w.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	return &w, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
