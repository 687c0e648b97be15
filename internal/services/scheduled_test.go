package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/yamato-dev/linedesk/internal/models"
	"github.com/yamato-dev/linedesk/internal/pkg/jobs"
)

type memScheduledStore struct {
	rows   map[int64]*models.ScheduledMessage
	nextID int64
}

func newMemScheduledStore() *memScheduledStore {
	return &memScheduledStore{rows: make(map[int64]*models.ScheduledMessage)}
}

func (s *memScheduledStore) Create(_ context.Context, row *models.ScheduledMessage) error {
	s.nextID++
	row.ID = s.nextID
	clone := *row
	s.rows[row.ID] = &clone
	return nil
}

func (s *memScheduledStore) GetByID(_ context.Context, id int64) (*models.ScheduledMessage, error) {
	row, ok := s.rows[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *row
	return &clone, nil
}

func (s *memScheduledStore) ListByConversation(_ context.Context, conversationID string) ([]models.ScheduledMessage, error) {
	var out []models.ScheduledMessage
	for _, row := range s.rows {
		if row.ConversationID == conversationID {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (s *memScheduledStore) Update(_ context.Context, row *models.ScheduledMessage) error {
	if _, ok := s.rows[row.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	clone := *row
	s.rows[row.ID] = &clone
	return nil
}

func (s *memScheduledStore) Delete(_ context.Context, id int64) error {
	delete(s.rows, id)
	return nil
}

func (s *memScheduledStore) ClaimForFire(_ context.Context, id int64, expect, target string) (bool, error) {
	row, ok := s.rows[id]
	if !ok || row.Status != expect {
		return false, nil
	}
	row.Status = target
	return true, nil
}

func (s *memScheduledStore) SetStatus(_ context.Context, id int64, status, lastError string) error {
	row, ok := s.rows[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	row.Status = status
	row.LastError = lastError
	return nil
}

type fakeTimer struct {
	nextRegID    int64
	registered   []string // "once" or "recurring"
	unscheduled  []string
	registerErr  error
	lastRunByReg map[int64]*jobs.Execution
}

func (f *fakeTimer) ScheduleOnce(_ context.Context, _ time.Time, _, _ string) (int64, error) {
	if f.registerErr != nil {
		return 0, f.registerErr
	}
	f.nextRegID++
	f.registered = append(f.registered, "once")
	return f.nextRegID, nil
}

func (f *fakeTimer) ScheduleRecurring(_ context.Context, _ time.Time, _ int64, _, _ string) (int64, error) {
	if f.registerErr != nil {
		return 0, f.registerErr
	}
	f.nextRegID++
	f.registered = append(f.registered, "recurring")
	return f.nextRegID, nil
}

func (f *fakeTimer) Unschedule(_ context.Context, ref, args string) error {
	f.unscheduled = append(f.unscheduled, ref+"/"+args)
	return nil
}

func (f *fakeTimer) LastRun(_ context.Context, registrationID int64) (*jobs.Execution, error) {
	return f.lastRunByReg[registrationID], nil
}

type fakeSender struct {
	sent    []SendRequest
	sendErr error
}

func (f *fakeSender) Send(_ context.Context, req SendRequest) (*SendReceipt, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, req)
	return &SendReceipt{Transport: models.TransportPush}, nil
}

func newTestScheduled() (*Scheduled, *memScheduledStore, *fakeTimer, *fakeSender) {
	store := newMemScheduledStore()
	timer := &fakeTimer{lastRunByReg: make(map[int64]*jobs.Execution)}
	sender := &fakeSender{}
	s := NewScheduled(store, timer, sender, testLogger())
	s.now = func() time.Time { return time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC) }
	return s, store, timer, sender
}

func onceRequest() CreateScheduleRequest {
	return CreateScheduleRequest{
		ConversationID:   "U1",
		ConversationKind: models.ConversationKindUser,
		MessageType:      models.MessageTypeText,
		Content:          `{"text":"reminder"}`,
		ScheduleType:     models.ScheduleOnce,
		FireAt:           time.Date(2025, 7, 2, 9, 0, 0, 0, time.UTC),
		CreatedBy:        "alice",
	}
}

func TestScheduled_Create(t *testing.T) {
	s, store, timer, _ := newTestScheduled()

	row, err := s.Create(context.Background(), onceRequest())
	require.NoError(t, err)

	assert.Equal(t, models.ScheduledStatusPending, row.Status)
	assert.NotZero(t, row.JobID)
	assert.Equal(t, []string{"once"}, timer.registered)

	stored, err := store.GetByID(context.Background(), row.ID)
	require.NoError(t, err)
	assert.Equal(t, row.JobID, stored.JobID)
}

func TestScheduled_CreateValidation(t *testing.T) {
	s, _, _, _ := newTestScheduled()
	ctx := context.Background()

	t.Run("past fire time", func(t *testing.T) {
		req := onceRequest()
		req.FireAt = time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)
		_, err := s.Create(ctx, req)
		assert.ErrorIs(t, err, ErrScheduleInPast)
	})

	t.Run("beyond the horizon", func(t *testing.T) {
		req := onceRequest()
		req.FireAt = req.FireAt.AddDate(2, 0, 0)
		_, err := s.Create(ctx, req)
		assert.ErrorIs(t, err, ErrScheduleTooFar)
	})

	t.Run("recurring without interval", func(t *testing.T) {
		req := onceRequest()
		req.ScheduleType = models.ScheduleRecurring
		_, err := s.Create(ctx, req)
		assert.Error(t, err)
	})

	t.Run("undecodable payload", func(t *testing.T) {
		req := onceRequest()
		req.Content = `{`
		_, err := s.Create(ctx, req)
		assert.Error(t, err)
	})
}

func TestScheduled_CreateRollsBackOnRegistrationFailure(t *testing.T) {
	s, store, timer, _ := newTestScheduled()
	timer.registerErr = errors.New("scheduler down")

	_, err := s.Create(context.Background(), onceRequest())
	require.Error(t, err)
	assert.Empty(t, store.rows, "no orphaned pending row may remain")
}

func TestScheduled_OnFire(t *testing.T) {
	t.Run("one-off completes after a successful send", func(t *testing.T) {
		s, store, _, sender := newTestScheduled()
		row, err := s.Create(context.Background(), onceRequest())
		require.NoError(t, err)

		require.NoError(t, s.OnFire(context.Background(), row.ID))

		assert.Len(t, sender.sent, 1)
		stored, _ := store.GetByID(context.Background(), row.ID)
		assert.Equal(t, models.ScheduledStatusCompleted, stored.Status)
	})

	t.Run("duplicate fire loses the claim and sends nothing", func(t *testing.T) {
		s, _, _, sender := newTestScheduled()
		row, err := s.Create(context.Background(), onceRequest())
		require.NoError(t, err)

		require.NoError(t, s.OnFire(context.Background(), row.ID))
		require.NoError(t, s.OnFire(context.Background(), row.ID))

		assert.Len(t, sender.sent, 1)
	})

	t.Run("one-off failure is recorded", func(t *testing.T) {
		s, store, _, sender := newTestScheduled()
		sender.sendErr = errors.New("gateway down")
		row, err := s.Create(context.Background(), onceRequest())
		require.NoError(t, err)

		require.Error(t, s.OnFire(context.Background(), row.ID))

		stored, _ := store.GetByID(context.Background(), row.ID)
		assert.Equal(t, models.ScheduledStatusFailed, stored.Status)
		assert.Equal(t, "gateway down", stored.LastError)
	})

	t.Run("recurring template stays pending between fires", func(t *testing.T) {
		s, store, _, _ := newTestScheduled()
		req := onceRequest()
		req.ScheduleType = models.ScheduleRecurring
		req.IntervalSeconds = 3600
		row, err := s.Create(context.Background(), req)
		require.NoError(t, err)

		require.NoError(t, s.OnFire(context.Background(), row.ID))
		require.NoError(t, s.OnFire(context.Background(), row.ID))

		stored, _ := store.GetByID(context.Background(), row.ID)
		assert.Equal(t, models.ScheduledStatusPending, stored.Status)
	})

	t.Run("fire for a deleted row is a quiet no-op", func(t *testing.T) {
		s, _, _, sender := newTestScheduled()
		require.NoError(t, s.OnFire(context.Background(), 404))
		assert.Empty(t, sender.sent)
	})
}

func TestScheduled_Update(t *testing.T) {
	s, _, timer, _ := newTestScheduled()
	ctx := context.Background()

	row, err := s.Create(ctx, onceRequest())
	require.NoError(t, err)

	req := onceRequest()
	req.Content = `{"text":"changed"}`
	updated, err := s.Update(ctx, row.ID, req)
	require.NoError(t, err)

	assert.Equal(t, `{"text":"changed"}`, updated.Payload)
	assert.Len(t, timer.unscheduled, 1, "the old timer is unregistered first")
	assert.Equal(t, []string{"once", "once"}, timer.registered)

	t.Run("fired rows are frozen", func(t *testing.T) {
		require.NoError(t, s.OnFire(ctx, row.ID))
		_, err := s.Update(ctx, row.ID, onceRequest())
		assert.ErrorIs(t, err, ErrNotEditable)
	})
}

func TestScheduled_Delete(t *testing.T) {
	s, store, timer, _ := newTestScheduled()
	ctx := context.Background()

	row, err := s.Create(ctx, onceRequest())
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, row.ID))
	assert.Empty(t, store.rows)
	assert.Len(t, timer.unscheduled, 1)
}

func TestScheduled_ManualTrigger(t *testing.T) {
	ctx := context.Background()

	t.Run("pending one-off fires now and is marked manual", func(t *testing.T) {
		s, store, timer, sender := newTestScheduled()
		row, err := s.Create(ctx, onceRequest())
		require.NoError(t, err)

		out, err := s.ManualTrigger(ctx, row.ID)
		require.NoError(t, err)

		assert.Equal(t, models.ScheduledStatusManual, out.Status)
		assert.Len(t, timer.unscheduled, 1)
		assert.Len(t, sender.sent, 1)

		stored, _ := store.GetByID(ctx, row.ID)
		assert.Equal(t, models.ScheduledStatusManual, stored.Status)
	})

	t.Run("completed one-off cannot be triggered", func(t *testing.T) {
		s, _, _, _ := newTestScheduled()
		row, err := s.Create(ctx, onceRequest())
		require.NoError(t, err)
		require.NoError(t, s.OnFire(ctx, row.ID))

		_, err = s.ManualTrigger(ctx, row.ID)
		assert.ErrorIs(t, err, ErrNotTriggerable)
	})

	t.Run("recurring template spawns a manual one-off and keeps ticking", func(t *testing.T) {
		s, store, timer, sender := newTestScheduled()
		req := onceRequest()
		req.ScheduleType = models.ScheduleRecurring
		req.IntervalSeconds = 3600
		row, err := s.Create(ctx, req)
		require.NoError(t, err)

		clone, err := s.ManualTrigger(ctx, row.ID)
		require.NoError(t, err)

		assert.NotEqual(t, row.ID, clone.ID)
		assert.Equal(t, models.ScheduleOnce, clone.ScheduleType)
		assert.Equal(t, models.ScheduledStatusManual, clone.Status)
		assert.Len(t, sender.sent, 1)
		assert.Empty(t, timer.unscheduled, "the recurring registration stays live")

		original, _ := store.GetByID(ctx, row.ID)
		assert.Equal(t, models.ScheduledStatusPending, original.Status)
	})
}

func TestScheduled_LastRun(t *testing.T) {
	s, _, timer, _ := newTestScheduled()
	ctx := context.Background()

	row, err := s.Create(ctx, onceRequest())
	require.NoError(t, err)

	t.Run("nil before the first fire", func(t *testing.T) {
		exec, err := s.LastRun(ctx, row)
		require.NoError(t, err)
		assert.Nil(t, exec)
	})

	t.Run("reads the scheduler's execution log", func(t *testing.T) {
		timer.lastRunByReg[row.JobID] = &jobs.Execution{
			RegistrationID: row.JobID,
			Status:         jobs.ExecutionSuccess,
			RanAt:          time.Date(2025, 7, 2, 9, 0, 1, 0, time.UTC),
		}
		exec, err := s.LastRun(ctx, row)
		require.NoError(t, err)
		require.NotNil(t, exec)
		assert.Equal(t, jobs.ExecutionSuccess, exec.Status)
	})
}
