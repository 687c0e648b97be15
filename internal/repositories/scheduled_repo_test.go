package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamato-dev/linedesk/internal/models"
)

func newScheduledRow(conversationID string, fireAt time.Time) *models.ScheduledMessage {
	return &models.ScheduledMessage{
		ConversationID:   conversationID,
		ConversationKind: models.ConversationKindUser,
		MessageType:      models.MessageTypeText,
		Payload:          `{"text":"reminder"}`,
		ScheduleType:     models.ScheduleOnce,
		FireAt:           fireAt,
		Status:           models.ScheduledStatusPending,
		CreatedBy:        "alice",
	}
}

func TestScheduledRepository_CRUD(t *testing.T) {
	db := setupTestDB(t)
	repo := NewScheduledRepository(db)
	ctx := context.Background()

	fireAt := time.Now().Add(time.Hour).Truncate(time.Second)
	row := newScheduledRow("U1", fireAt)
	require.NoError(t, repo.Create(ctx, row))
	require.NotZero(t, row.ID)

	got, err := repo.GetByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduledStatusPending, got.Status)
	assert.WithinDuration(t, fireAt, got.FireAt, time.Second)

	got.Payload = `{"text":"changed"}`
	require.NoError(t, repo.Update(ctx, got))

	again, err := repo.GetByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"text":"changed"}`, again.Payload)

	require.NoError(t, repo.Delete(ctx, row.ID))
	_, err = repo.GetByID(ctx, row.ID)
	assert.Error(t, err)
}

func TestScheduledRepository_ListByConversation(t *testing.T) {
	db := setupTestDB(t)
	repo := NewScheduledRepository(db)
	ctx := context.Background()

	base := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, repo.Create(ctx, newScheduledRow("U1", base.Add(time.Hour))))
	require.NoError(t, repo.Create(ctx, newScheduledRow("U1", base)))
	require.NoError(t, repo.Create(ctx, newScheduledRow("U2", base)))

	rows, err := repo.ListByConversation(ctx, "U1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].FireAt.Before(rows[1].FireAt), "soonest first")
}

func TestScheduledRepository_ClaimForFire(t *testing.T) {
	db := setupTestDB(t)
	repo := NewScheduledRepository(db)
	ctx := context.Background()

	row := newScheduledRow("U1", time.Now().Add(time.Hour))
	require.NoError(t, repo.Create(ctx, row))

	won, err := repo.ClaimForFire(ctx, row.ID, models.ScheduledStatusPending, models.ScheduledStatusProcessing)
	require.NoError(t, err)
	assert.True(t, won)

	// a duplicate fire must lose the claim
	won, err = repo.ClaimForFire(ctx, row.ID, models.ScheduledStatusPending, models.ScheduledStatusProcessing)
	require.NoError(t, err)
	assert.False(t, won)

	require.NoError(t, repo.SetStatus(ctx, row.ID, models.ScheduledStatusFailed, "gateway down"))
	got, err := repo.GetByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduledStatusFailed, got.Status)
	assert.Equal(t, "gateway down", got.LastError)
}
