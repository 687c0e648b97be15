package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/yamato-dev/linedesk/internal/models"
	"github.com/yamato-dev/linedesk/internal/pkg/jobs"
	logger "github.com/yamato-dev/linedesk/middleware/log"
)

// JobRefScheduledSend is the handler ref scheduled sends register under.
const JobRefScheduledSend = "linedesk.scheduled_send"

// ScheduleHorizon bounds how far ahead a fire time may lie.
const ScheduleHorizon = 365 * 24 * time.Hour

var (
	ErrScheduleInPast = errors.New("fire time is in the past")
	ErrScheduleTooFar = errors.New("fire time is beyond the scheduling horizon")
	ErrNotEditable    = errors.New("scheduled message is no longer pending")
	ErrNotTriggerable = errors.New("scheduled message cannot be triggered manually")
)

// ScheduledStore is the row surface the engine owns.
type ScheduledStore interface {
	Create(ctx context.Context, row *models.ScheduledMessage) error
	GetByID(ctx context.Context, id int64) (*models.ScheduledMessage, error)
	ListByConversation(ctx context.Context, conversationID string) ([]models.ScheduledMessage, error)
	Update(ctx context.Context, row *models.ScheduledMessage) error
	Delete(ctx context.Context, id int64) error
	ClaimForFire(ctx context.Context, id int64, expect, target string) (bool, error)
	SetStatus(ctx context.Context, id int64, status, lastError string) error
}

// JobTimer is the external scheduler surface: timing ownership lives there,
// including the execution log.
type JobTimer interface {
	ScheduleOnce(ctx context.Context, fireAt time.Time, ref, args string) (int64, error)
	ScheduleRecurring(ctx context.Context, firstFireAt time.Time, intervalSeconds int64, ref, args string) (int64, error)
	Unschedule(ctx context.Context, ref, args string) error
	LastRun(ctx context.Context, registrationID int64) (*jobs.Execution, error)
}

// DispatchSender is the dispatch surface the engine fires through.
type DispatchSender interface {
	Send(ctx context.Context, req SendRequest) (*SendReceipt, error)
}

// CreateScheduleRequest describes a new scheduled send.
type CreateScheduleRequest struct {
	ConversationID   string
	ConversationKind string
	MessageType      string
	Content          string // payload JSON, same shape the dispatcher stores
	ScheduleType     string
	FireAt           time.Time
	IntervalSeconds  int64
	CreatedBy        string
}

// Scheduled 预约消息服务
type Scheduled struct {
	repo       ScheduledStore
	timer      JobTimer
	dispatcher DispatchSender
	log        *logger.Logger
	now        func() time.Time
}

// NewScheduled 创建预约消息服务实例
func NewScheduled(repo ScheduledStore, timer JobTimer, dispatcher DispatchSender, log *logger.Logger) *Scheduled {
	return &Scheduled{
		repo:       repo,
		timer:      timer,
		dispatcher: dispatcher,
		log:        log,
		now:        time.Now,
	}
}

func jobArgs(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (s *Scheduled) validate(req CreateScheduleRequest) error {
	if _, err := BuildPayload(req.MessageType, req.Content); err != nil {
		return err
	}
	now := s.now()
	if !req.FireAt.After(now) {
		return ErrScheduleInPast
	}
	if req.FireAt.After(now.Add(ScheduleHorizon)) {
		return ErrScheduleTooFar
	}
	if req.ScheduleType == models.ScheduleRecurring && req.IntervalSeconds <= 0 {
		return errors.New("recurring schedule needs a positive interval")
	}
	return nil
}

// Create validates, persists the row as pending first so a durable id
// exists, then registers the timer under that id. A failed registration
// deletes the row: no orphaned pending rows.
func (s *Scheduled) Create(ctx context.Context, req CreateScheduleRequest) (*models.ScheduledMessage, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	row := &models.ScheduledMessage{
		ConversationID:   req.ConversationID,
		ConversationKind: req.ConversationKind,
		MessageType:      req.MessageType,
		Payload:          req.Content,
		ScheduleType:     req.ScheduleType,
		FireAt:           req.FireAt,
		IntervalSeconds:  req.IntervalSeconds,
		Status:           models.ScheduledStatusPending,
		CreatedBy:        req.CreatedBy,
	}
	if err := s.repo.Create(ctx, row); err != nil {
		return nil, err
	}

	jobID, err := s.register(ctx, row)
	if err != nil {
		if delErr := s.repo.Delete(ctx, row.ID); delErr != nil {
			s.log.ErrorContext(ctx, "failed to roll back scheduled row",
				zap.Int64("id", row.ID), zap.Error(delErr))
		}
		return nil, fmt.Errorf("failed to register timer: %w", err)
	}

	row.JobID = jobID
	if err := s.repo.Update(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Scheduled) register(ctx context.Context, row *models.ScheduledMessage) (int64, error) {
	if row.ScheduleType == models.ScheduleRecurring {
		return s.timer.ScheduleRecurring(ctx, row.FireAt, row.IntervalSeconds, JobRefScheduledSend, jobArgs(row.ID))
	}
	return s.timer.ScheduleOnce(ctx, row.FireAt, JobRefScheduledSend, jobArgs(row.ID))
}

// OnFire is the timer callback. Delivery is at-least-once, so the one-off
// path claims pending -> processing first and a duplicate fire loses the
// claim and does nothing. Recurring templates stay pending between fires;
// a failed recurring send just waits for the next natural fire.
func (s *Scheduled) OnFire(ctx context.Context, id int64) error {
	row, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.log.WarnContext(ctx, "scheduled fire for missing row", zap.Int64("id", id))
		return nil
	}
	if err != nil {
		return err
	}

	oneOff := row.ScheduleType == models.ScheduleOnce
	if oneOff {
		won, err := s.repo.ClaimForFire(ctx, id, models.ScheduledStatusPending, models.ScheduledStatusProcessing)
		if err != nil {
			return err
		}
		if !won {
			return nil // duplicate delivery or manual trigger got here first
		}
	}

	sendErr := s.fire(ctx, row)
	if oneOff {
		if sendErr != nil {
			if err := s.repo.SetStatus(ctx, id, models.ScheduledStatusFailed, sendErr.Error()); err != nil {
				s.log.ErrorContext(ctx, "failed to mark scheduled row failed", zap.Int64("id", id), zap.Error(err))
			}
		} else {
			if err := s.repo.SetStatus(ctx, id, models.ScheduledStatusCompleted, ""); err != nil {
				s.log.ErrorContext(ctx, "failed to mark scheduled row completed", zap.Int64("id", id), zap.Error(err))
			}
		}
	}
	return sendErr
}

func (s *Scheduled) fire(ctx context.Context, row *models.ScheduledMessage) error {
	payload, err := BuildPayload(row.MessageType, row.Payload)
	if err != nil {
		return err
	}
	_, err = s.dispatcher.Send(ctx, SendRequest{
		ConversationID:   row.ConversationID,
		ConversationKind: row.ConversationKind,
		Payload:          payload,
		Operator:         row.CreatedBy,
	})
	return err
}

// Get 获取预约消息
func (s *Scheduled) Get(ctx context.Context, id int64) (*models.ScheduledMessage, error) {
	return s.repo.GetByID(ctx, id)
}

// ListByConversation 获取会话的预约消息列表
func (s *Scheduled) ListByConversation(ctx context.Context, conversationID string) ([]models.ScheduledMessage, error) {
	return s.repo.ListByConversation(ctx, conversationID)
}

// Update replaces a pending row's payload and timing. The old timer is
// unregistered before the new one is registered.
func (s *Scheduled) Update(ctx context.Context, id int64, req CreateScheduleRequest) (*models.ScheduledMessage, error) {
	row, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if row.Status != models.ScheduledStatusPending {
		return nil, ErrNotEditable
	}
	if err := s.validate(req); err != nil {
		return nil, err
	}

	if err := s.timer.Unschedule(ctx, JobRefScheduledSend, jobArgs(row.ID)); err != nil {
		return nil, fmt.Errorf("failed to unregister timer: %w", err)
	}

	row.ConversationID = req.ConversationID
	row.ConversationKind = req.ConversationKind
	row.MessageType = req.MessageType
	row.Payload = req.Content
	row.ScheduleType = req.ScheduleType
	row.FireAt = req.FireAt
	row.IntervalSeconds = req.IntervalSeconds

	jobID, err := s.register(ctx, row)
	if err != nil {
		// the row has no live timer anymore; record that loudly
		if stErr := s.repo.SetStatus(ctx, row.ID, models.ScheduledStatusFailed, err.Error()); stErr != nil {
			s.log.ErrorContext(ctx, "failed to mark scheduled row failed", zap.Int64("id", row.ID), zap.Error(stErr))
		}
		return nil, fmt.Errorf("failed to re-register timer: %w", err)
	}
	row.JobID = jobID

	if err := s.repo.Update(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// Delete unregisters the timer, then removes the row.
func (s *Scheduled) Delete(ctx context.Context, id int64) error {
	row, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.timer.Unschedule(ctx, JobRefScheduledSend, jobArgs(row.ID)); err != nil {
		return fmt.Errorf("failed to unregister timer: %w", err)
	}
	return s.repo.Delete(ctx, id)
}

// ManualTrigger fires a schedule ahead of its timer. A one-off is taken off
// the timer and marked manual; the actual send then goes through the normal
// dispatch path. A recurring template is left untouched (its registration
// keeps firing) and a one-off clone marked manual records the run.
func (s *Scheduled) ManualTrigger(ctx context.Context, id int64) (*models.ScheduledMessage, error) {
	row, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	switch row.ScheduleType {
	case models.ScheduleOnce:
		if row.Status != models.ScheduledStatusPending {
			return nil, ErrNotTriggerable
		}
		if err := s.timer.Unschedule(ctx, JobRefScheduledSend, jobArgs(row.ID)); err != nil {
			return nil, fmt.Errorf("failed to unregister timer: %w", err)
		}
		won, err := s.repo.ClaimForFire(ctx, id, models.ScheduledStatusPending, models.ScheduledStatusManual)
		if err != nil {
			return nil, err
		}
		if !won {
			return nil, ErrNotTriggerable // the timer fired concurrently
		}
		row.Status = models.ScheduledStatusManual
		if sendErr := s.fire(ctx, row); sendErr != nil {
			if err := s.repo.SetStatus(ctx, id, models.ScheduledStatusFailed, sendErr.Error()); err != nil {
				s.log.ErrorContext(ctx, "failed to mark scheduled row failed", zap.Int64("id", id), zap.Error(err))
			}
			return nil, sendErr
		}
		return row, nil

	case models.ScheduleRecurring:
		clone := &models.ScheduledMessage{
			ConversationID:   row.ConversationID,
			ConversationKind: row.ConversationKind,
			MessageType:      row.MessageType,
			Payload:          row.Payload,
			ScheduleType:     models.ScheduleOnce,
			FireAt:           s.now(),
			Status:           models.ScheduledStatusManual,
			CreatedBy:        row.CreatedBy,
		}
		if err := s.repo.Create(ctx, clone); err != nil {
			return nil, err
		}
		if sendErr := s.fire(ctx, clone); sendErr != nil {
			if err := s.repo.SetStatus(ctx, clone.ID, models.ScheduledStatusFailed, sendErr.Error()); err != nil {
				s.log.ErrorContext(ctx, "failed to mark scheduled row failed", zap.Int64("id", clone.ID), zap.Error(err))
			}
			return nil, sendErr
		}
		return clone, nil

	default:
		return nil, ErrNotTriggerable
	}
}

// LastRun reads the most recent execution from the scheduler's own log.
// "Last sent" for recurring templates lives there, not on the row.
func (s *Scheduled) LastRun(ctx context.Context, row *models.ScheduledMessage) (*jobs.Execution, error) {
	if row.JobID == 0 {
		return nil, nil
	}
	return s.timer.LastRun(ctx, row.JobID)
}
