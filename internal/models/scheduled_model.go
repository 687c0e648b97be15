package models

import "time"

// Schedule types.
const (
	ScheduleOnce      = "once"
	ScheduleRecurring = "recurring"
)

// Scheduled message statuses. One-off sends move pending -> processing ->
// completed/failed and stay there. Recurring templates stay pending between
// fires; the job scheduler re-fires them.
const (
	ScheduledStatusPending    = "pending"
	ScheduledStatusProcessing = "processing"
	ScheduledStatusCompleted  = "completed"
	ScheduledStatusFailed     = "failed"
	ScheduledStatusManual     = "manual"
)

// ScheduledMessage is a one-off or recurring send template. Timing is owned
// by the job scheduler; JobID correlates the row with its registration.
type ScheduledMessage struct {
	ID               int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID   string    `gorm:"not null;index" json:"conversation_id"`
	ConversationKind string    `gorm:"not null" json:"conversation_kind"`
	MessageType      string    `gorm:"not null" json:"message_type"`
	Payload          string    `gorm:"type:text" json:"payload"`
	ScheduleType     string    `gorm:"not null" json:"schedule_type"`
	FireAt           time.Time `gorm:"not null" json:"fire_at"`
	IntervalSeconds  int64     `json:"interval_seconds"`
	JobID            int64     `gorm:"index" json:"job_id"`
	Status           string    `gorm:"not null;default:pending" json:"status"`
	LastError        string    `json:"last_error,omitempty"`
	CreatedBy        string    `json:"created_by"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (ScheduledMessage) TableName() string {
	return "scheduled_messages"
}
