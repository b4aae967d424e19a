package repositories

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casehooks/internal/platform/database"
	"casehooks/internal/platform/models"
	"casehooks/internal/testutil"
)

func seedWebhook(t *testing.T, db *database.DB) string {
	t.Helper()
	w := newWebhook("case.created")
	require.NoError(t, NewWebhookRepository(db, nil).Create(testutil.TestContext(t), w))
	return w.ID
}

func TestDeliveryRepository_AppendAndList(t *testing.T) {
	ctx := testutil.TestContext(t)
	db := testutil.SetupTestDB(t)
	repo := NewDeliveryRepository(db)
	wh1 := seedWebhook(t, db)
	wh2 := seedWebhook(t, db)

	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Append(ctx, &models.DeliveryAttempt{
			WebhookID:      wh1,
			DeliveryID:     "d",
			Event:          "case.created",
			Status:         models.DeliveryFailed,
			ResponseCode:   500 + i,
			Attempt:        1,
			ResponseTimeMs: 12,
			Timestamp:      base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, repo.Append(ctx, &models.DeliveryAttempt{
		WebhookID: wh2, DeliveryID: "d", Event: "system.test", Status: models.DeliverySuccess, ResponseCode: 200, Attempt: 1, Test: true,
	}))

	logs, err := repo.ListByWebhook(ctx, wh1, 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, 502, logs[0].ResponseCode, "newest first")
	assert.Equal(t, 501, logs[1].ResponseCode)
	assert.Equal(t, models.DeliveryFailed, logs[0].Status)

	other, err := repo.ListByWebhook(ctx, wh2, 10)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.True(t, other[0].Test)
	assert.Contains(t, other[0].ID, "dlv_")
}

func TestDeliveryRepository_DeleteOlderThan(t *testing.T) {
	ctx := testutil.TestContext(t)
	db := testutil.SetupTestDB(t)
	repo := NewDeliveryRepository(db)
	wh1 := seedWebhook(t, db)

	now := time.Now().UTC()
	old := &models.DeliveryAttempt{WebhookID: wh1, DeliveryID: "a", Event: "case.created", Status: models.DeliverySuccess, Attempt: 1, Timestamp: now.Add(-48 * time.Hour)}
	fresh := &models.DeliveryAttempt{WebhookID: wh1, DeliveryID: "b", Event: "case.created", Status: models.DeliverySuccess, Attempt: 1, Timestamp: now}
	require.NoError(t, repo.Append(ctx, old))
	require.NoError(t, repo.Append(ctx, fresh))

	n, err := repo.DeleteOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	logs, err := repo.ListByWebhook(ctx, wh1, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, fresh.ID, logs[0].ID)
}

func TestDeliveryRepository_AppendRequiresSubscription(t *testing.T) {
	ctx := testutil.TestContext(t)
	db := testutil.SetupTestDB(t)
	webhooks := NewWebhookRepository(db, nil)
	repo := NewDeliveryRepository(db)

	w := newWebhook("case.created")
	require.NoError(t, webhooks.Create(ctx, w))
	require.NoError(t, webhooks.Delete(ctx, w.ID))

	err := repo.Append(ctx, &models.DeliveryAttempt{
		WebhookID: w.ID, DeliveryID: "d1", Event: "case.created", Status: models.DeliveryFailed, Attempt: 1,
	})
	assert.ErrorIs(t, err, ErrNotFound)

	logs, err := repo.ListByWebhook(ctx, w.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestDeliveryRepository_AppendLocksParentOnPostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewDeliveryRepository(database.Wrap(db, database.DialectPostgres))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM webhooks WHERE id = \$1 FOR SHARE`).
		WithArgs("wh_1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectExec(`INSERT INTO webhook_deliveries`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Append(testutil.TestContext(t), &models.DeliveryAttempt{
		WebhookID: "wh_1", DeliveryID: "d1", Event: "case.created", Status: models.DeliverySuccess, Attempt: 1,
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}
