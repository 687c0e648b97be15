package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamato-dev/linedesk/internal/models"
)

func TestConversationRepository_Touch(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConversationRepository(db)
	ctx := context.Background()

	t0 := time.Now().Truncate(time.Second)

	t.Run("first touch creates the conversation", func(t *testing.T) {
		conv, err := repo.Touch(ctx, "U1", models.ConversationKindUser, "Tanaka", t0)
		require.NoError(t, err)
		assert.Equal(t, "U1", conv.SubjectID)
		assert.WithinDuration(t, t0, conv.LastActivityAt, time.Second)
	})

	t.Run("later activity advances the watermark", func(t *testing.T) {
		conv, err := repo.Touch(ctx, "U1", models.ConversationKindUser, "", t0.Add(time.Minute))
		require.NoError(t, err)
		assert.WithinDuration(t, t0.Add(time.Minute), conv.LastActivityAt, time.Second)
	})

	t.Run("out-of-order activity never moves it backward", func(t *testing.T) {
		conv, err := repo.Touch(ctx, "U1", models.ConversationKindUser, "", t0.Add(-time.Hour))
		require.NoError(t, err)
		assert.WithinDuration(t, t0.Add(time.Minute), conv.LastActivityAt, time.Second)
	})

	t.Run("same subject under another kind is a distinct thread", func(t *testing.T) {
		_, err := repo.Touch(ctx, "U1", models.ConversationKindGroup, "", t0)
		require.NoError(t, err)

		var count int64
		require.NoError(t, db.Table("conversations").Count(&count).Error)
		assert.Equal(t, int64(2), count)
	})
}

func TestConversationRepository_PollingLists(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConversationRepository(db)
	ctx := context.Background()

	t0 := time.Now().Truncate(time.Second)
	first, err := repo.Touch(ctx, "U1", models.ConversationKindUser, "", t0)
	require.NoError(t, err)
	second, err := repo.Touch(ctx, "U2", models.ConversationKindUser, "", t0.Add(time.Minute))
	require.NoError(t, err)

	t.Run("created-after surfaces only newer rows", func(t *testing.T) {
		convs, err := repo.ListCreatedAfter(ctx, first.ID)
		require.NoError(t, err)
		require.Len(t, convs, 1)
		assert.Equal(t, second.ID, convs[0].ID)
	})

	t.Run("active-since is a strict watermark", func(t *testing.T) {
		convs, err := repo.ListActiveSince(ctx, t0)
		require.NoError(t, err)
		require.Len(t, convs, 1)
		assert.Equal(t, "U2", convs[0].SubjectID)
	})

	t.Run("list orders by latest activity", func(t *testing.T) {
		convs, err := repo.List(ctx, 10)
		require.NoError(t, err)
		require.Len(t, convs, 2)
		assert.Equal(t, "U2", convs[0].SubjectID)
	})
}

func TestConversationRepository_MarkRead(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConversationRepository(db)
	ctx := context.Background()

	t0 := time.Now().Truncate(time.Second)
	_, err := repo.Touch(ctx, "U1", models.ConversationKindUser, "", t0)
	require.NoError(t, err)

	require.NoError(t, repo.MarkRead(ctx, "U1", models.ConversationKindUser, t0))

	t.Run("marker never moves backward", func(t *testing.T) {
		require.NoError(t, repo.MarkRead(ctx, "U1", models.ConversationKindUser, t0.Add(-time.Hour)))

		conv, err := repo.GetBySubject(ctx, "U1", models.ConversationKindUser)
		require.NoError(t, err)
		assert.WithinDuration(t, t0, conv.ReadMarkerAt, time.Second)
	})

	t.Run("unknown conversation is an error", func(t *testing.T) {
		err := repo.MarkRead(ctx, "missing", models.ConversationKindUser, t0)
		assert.Error(t, err)
	})
}
