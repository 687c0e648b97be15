package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	logger "github.com/yamato-dev/linedesk/middleware/log"
)

// Execution statuses.
const (
	ExecutionSuccess = "success"
	ExecutionFailed  = "failed"
)

var ErrUnknownHandler = errors.New("no handler registered for ref")

// Registration is one live timer: a one-off (IntervalSeconds == 0) or a
// recurring fire. Rows stay in the table after a one-off fires, deactivated,
// so correlation ids remain resolvable.
type Registration struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Ref             string    `gorm:"not null;index" json:"ref"`
	Args            string    `gorm:"not null" json:"args"`
	RunAt           time.Time `gorm:"not null;index" json:"run_at"`
	IntervalSeconds int64     `json:"interval_seconds"`
	Active          bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (Registration) TableName() string {
	return "job_registrations"
}

// Execution is one line of the scheduler's execution log. Callers read
// last-run state from here instead of duplicating it on their own rows.
type Execution struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RegistrationID int64     `gorm:"not null;index" json:"registration_id"`
	Ref            string    `gorm:"not null" json:"ref"`
	RanAt          time.Time `gorm:"not null" json:"ran_at"`
	Status         string    `gorm:"not null" json:"status"`
	Detail         string    `json:"detail"`
	CreatedAt      time.Time `json:"created_at"`
}

func (Execution) TableName() string {
	return "job_executions"
}

// Handler runs a fired registration. Delivery is at-least-once: a handler
// may see the same args twice and must be idempotent.
type Handler func(ctx context.Context, args string) error

// Scheduler is a database-backed timer service with a polling loop.
type Scheduler struct {
	db       *gorm.DB
	log      *logger.Logger
	interval time.Duration
	batch    int

	mu       sync.RWMutex
	handlers map[string]Handler

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler 创建任务调度器
func NewScheduler(db *gorm.DB, log *logger.Logger, interval time.Duration, batch int) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if batch <= 0 {
		batch = 50
	}
	if err := db.AutoMigrate(&Registration{}, &Execution{}); err != nil {
		return nil, fmt.Errorf("failed to migrate job tables: %w", err)
	}
	return &Scheduler{
		db:       db,
		log:      log,
		interval: interval,
		batch:    batch,
		handlers: make(map[string]Handler),
	}, nil
}

// RegisterHandler binds a ref to its handler. Must happen before Start.
func (s *Scheduler) RegisterHandler(ref string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[ref] = h
}

// ScheduleOnce registers a single fire and returns the registration id.
func (s *Scheduler) ScheduleOnce(ctx context.Context, fireAt time.Time, ref, args string) (int64, error) {
	reg := Registration{Ref: ref, Args: args, RunAt: fireAt}
	if err := s.db.WithContext(ctx).Create(&reg).Error; err != nil {
		return 0, err
	}
	return reg.ID, nil
}

// ScheduleRecurring registers a repeating fire and returns the registration id.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, firstFireAt time.Time, intervalSeconds int64, ref, args string) (int64, error) {
	if intervalSeconds <= 0 {
		return 0, errors.New("interval seconds must be > 0")
	}
	reg := Registration{Ref: ref, Args: args, RunAt: firstFireAt, IntervalSeconds: intervalSeconds}
	if err := s.db.WithContext(ctx).Create(&reg).Error; err != nil {
		return 0, err
	}
	return reg.ID, nil
}

// Unschedule deactivates every active registration matching ref and args.
func (s *Scheduler) Unschedule(ctx context.Context, ref, args string) error {
	return s.db.WithContext(ctx).Model(&Registration{}).
		Where("ref = ? AND args = ? AND active = ?", ref, args, true).
		Update("active", false).Error
}

// LastRun returns the most recent execution for a registration, or nil when
// it has never fired.
func (s *Scheduler) LastRun(ctx context.Context, registrationID int64) (*Execution, error) {
	var exec Execution
	err := s.db.WithContext(ctx).
		Where("registration_id = ?", registrationID).
		Order("ran_at DESC").
		First(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// Start launches the polling loop. Returns false when already running.
func (s *Scheduler) Start() bool {
	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.Info("job scheduler started", zap.Duration("interval", s.interval))

		s.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				s.log.Info("job scheduler stopping")
				return
			case <-ticker.C:
				s.safeTick(ctx)
			}
		}
	}()

	return true
}

// Stop halts the loop and waits for the in-flight tick.
func (s *Scheduler) Stop() bool {
	if !s.running.Load() {
		return false
	}
	s.cancel()
	<-s.done
	s.running.Store(false)
	return true
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job tick panic recovered", zap.Any("panic", r))
		}
	}()
	s.Tick(ctx)
}

// Tick fires every due registration once. Exported so tests and manual
// drains can pump the scheduler without the ticker loop.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now()

	var due []Registration
	err := s.db.WithContext(ctx).
		Where("active = ? AND run_at <= ?", true, now).
		Order("run_at ASC").
		Limit(s.batch).
		Find(&due).Error
	if err != nil {
		s.log.Error("failed to load due registrations", zap.Error(err))
		return
	}

	for _, reg := range due {
		if !s.claim(ctx, reg, now) {
			continue // another instance advanced it first
		}
		s.fire(ctx, reg)
	}
}

// claim advances or deactivates the registration with an optimistic guard on
// its current run_at, so concurrent scheduler instances fire it once per due
// time in the common case. A lost update after the claim still re-fires, so
// handlers stay idempotent.
func (s *Scheduler) claim(ctx context.Context, reg Registration, now time.Time) bool {
	q := s.db.WithContext(ctx).Model(&Registration{}).
		Where("id = ? AND active = ? AND run_at = ?", reg.ID, true, reg.RunAt)

	var res *gorm.DB
	if reg.IntervalSeconds > 0 {
		next := reg.RunAt
		step := time.Duration(reg.IntervalSeconds) * time.Second
		for !next.After(now) {
			next = next.Add(step)
		}
		res = q.Update("run_at", next)
	} else {
		res = q.Update("active", false)
	}
	if res.Error != nil {
		s.log.Error("failed to claim registration", zap.Int64("id", reg.ID), zap.Error(res.Error))
		return false
	}
	return res.RowsAffected == 1
}

func (s *Scheduler) fire(ctx context.Context, reg Registration) {
	s.mu.RLock()
	h, ok := s.handlers[reg.Ref]
	s.mu.RUnlock()

	exec := Execution{
		RegistrationID: reg.ID,
		Ref:            reg.Ref,
		RanAt:          time.Now(),
		Status:         ExecutionSuccess,
	}

	var err error
	if !ok {
		err = ErrUnknownHandler
	} else {
		err = h(ctx, reg.Args)
	}
	if err != nil {
		exec.Status = ExecutionFailed
		exec.Detail = err.Error()
		s.log.Warn("job handler failed",
			zap.Int64("registration_id", reg.ID),
			zap.String("ref", reg.Ref),
			zap.Error(err))
	}

	if dbErr := s.db.WithContext(ctx).Create(&exec).Error; dbErr != nil {
		s.log.Error("failed to record job execution", zap.Int64("registration_id", reg.ID), zap.Error(dbErr))
	}
}
