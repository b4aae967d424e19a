package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"casehooks/internal/platform/database"
	"casehooks/internal/platform/models"
)

type DeliveryRepository struct {
	db *database.DB
}

func NewDeliveryRepository(db *database.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

// Append records an attempt for an existing subscription. It returns
// ErrNotFound when the subscription is gone, so an attempt that finishes
// after a delete leaves no history behind.
func (r *DeliveryRepository) Append(ctx context.Context, a *models.DeliveryAttempt) error {
	if a.ID == "" {
		a.ID = "dlv_" + uuid.New().String()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Holds off a concurrent Delete until the insert commits.
	parent := `SELECT 1 FROM webhooks WHERE id = ?`
	if r.db.Dialect == database.DialectPostgres {
		parent += ` FOR SHARE`
	}
	var one int
	if err := tx.QueryRowContext(ctx, r.db.Rebind(parent), a.WebhookID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	query := `
		INSERT INTO webhook_deliveries (id, webhook_id, delivery_id, event, status, response_code, error, attempt, is_test, response_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, r.db.Rebind(query),
		a.ID, a.WebhookID, a.DeliveryID, a.Event, string(a.Status), a.ResponseCode, a.Error,
		a.Attempt, a.Test, a.ResponseTimeMs, a.Timestamp.UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

// ListByWebhook returns the newest attempts first.
func (r *DeliveryRepository) ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*models.DeliveryAttempt, error) {
	query := `
		SELECT id, webhook_id, delivery_id, event, status, response_code, error, attempt, is_test, response_time_ms, created_at
		FROM webhook_deliveries
		WHERE webhook_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), webhookID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := []*models.DeliveryAttempt{}
	for rows.Next() {
		var a models.DeliveryAttempt
		var status string
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.WebhookID, &a.DeliveryID, &a.Event, &status, &a.ResponseCode,
			&a.Error, &a.Attempt, &a.Test, &a.ResponseTimeMs, &createdAt); err != nil {
			return nil, err
		}
		a.Status = models.DeliveryStatus(status)
		a.Timestamp = time.UnixMilli(createdAt).UTC()
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

// DeleteOlderThan prunes history and returns the number of rows removed.
func (r *DeliveryRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM webhook_deliveries WHERE created_at < ?`), cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
