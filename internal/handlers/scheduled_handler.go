package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/yamato-dev/linedesk/internal/services"
)

// ScheduledHandler 预约消息处理器
type ScheduledHandler struct {
	scheduledService *services.Scheduled
}

// NewScheduledHandler 创建预约消息处理器实例
func NewScheduledHandler(scheduledService *services.Scheduled) *ScheduledHandler {
	return &ScheduledHandler{scheduledService: scheduledService}
}

type scheduleRequest struct {
	ConversationID   string          `json:"conversation_id" binding:"required"`
	ConversationKind string          `json:"conversation_kind"`
	MessageType      string          `json:"message_type" binding:"required"`
	Content          json.RawMessage `json:"content" binding:"required"`
	ScheduleType     string          `json:"schedule_type" binding:"required"`
	FireAt           time.Time       `json:"fire_at" binding:"required"`
	IntervalSeconds  int64           `json:"interval_seconds"`
}

func (r scheduleRequest) toCreateRequest(operator string) services.CreateScheduleRequest {
	return services.CreateScheduleRequest{
		ConversationID:   r.ConversationID,
		ConversationKind: r.ConversationKind,
		MessageType:      r.MessageType,
		Content:          string(r.Content),
		ScheduleType:     r.ScheduleType,
		FireAt:           r.FireAt,
		IntervalSeconds:  r.IntervalSeconds,
		CreatedBy:        operator,
	}
}

func scheduleID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule id"})
		return 0, false
	}
	return id, true
}

// Create 创建预约消息
func (h *ScheduledHandler) Create(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	row, err := h.scheduledService.Create(c.Request.Context(), req.toCreateRequest(c.GetString("username")))
	if err != nil {
		if errors.Is(err, services.ErrScheduleInPast) || errors.Is(err, services.ErrScheduleTooFar) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Printf("Create schedule: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "success", "data": row})
}

// List 获取会话的预约消息列表
func (h *ScheduledHandler) List(c *gin.Context) {
	conversationID := c.Query("conversation_id")
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id is required"})
		return
	}

	rows, err := h.scheduledService.ListByConversation(c.Request.Context(), conversationID)
	if err != nil {
		log.Printf("List schedules: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "success", "data": rows})
}

// Get 获取单条预约消息，附带最近一次执行记录
func (h *ScheduledHandler) Get(c *gin.Context) {
	id, ok := scheduleID(c)
	if !ok {
		return
	}

	row, err := h.scheduledService.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
			return
		}
		log.Printf("Get schedule: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	lastRun, err := h.scheduledService.LastRun(c.Request.Context(), row)
	if err != nil {
		log.Printf("Get schedule: last run lookup failed for %d: %v", id, err)
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data": gin.H{
			"schedule": row,
			"last_run": lastRun,
		},
	})
}

// Update 修改待发送的预约消息
func (h *ScheduledHandler) Update(c *gin.Context) {
	id, ok := scheduleID(c)
	if !ok {
		return
	}

	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	row, err := h.scheduledService.Update(c.Request.Context(), id, req.toCreateRequest(c.GetString("username")))
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
		case errors.Is(err, services.ErrNotEditable):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, services.ErrScheduleInPast), errors.Is(err, services.ErrScheduleTooFar):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			log.Printf("Update schedule: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "success", "data": row})
}

// Delete 删除预约消息
func (h *ScheduledHandler) Delete(c *gin.Context) {
	id, ok := scheduleID(c)
	if !ok {
		return
	}

	if err := h.scheduledService.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
			return
		}
		log.Printf("Delete schedule: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "success"})
}

// Trigger 立即触发预约消息
func (h *ScheduledHandler) Trigger(c *gin.Context) {
	id, ok := scheduleID(c)
	if !ok {
		return
	}

	row, err := h.scheduledService.ManualTrigger(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
		case errors.Is(err, services.ErrNotTriggerable):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			log.Printf("Trigger schedule: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "success", "data": row})
}
