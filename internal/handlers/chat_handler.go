package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yamato-dev/linedesk/internal/pkg/line"
	"github.com/yamato-dev/linedesk/internal/pkg/redis"
	"github.com/yamato-dev/linedesk/internal/repositories"
	"github.com/yamato-dev/linedesk/internal/services"
)

// ChatHandler 会话处理器
type ChatHandler struct {
	dispatcher     *services.Dispatcher
	historyService *services.History
	pollingService *services.Polling
	convRepo       *repositories.ConversationRepository
	cache          *redis.Client
}

// NewChatHandler 创建会话处理器实例
func NewChatHandler(
	dispatcher *services.Dispatcher,
	historyService *services.History,
	pollingService *services.Polling,
	convRepo *repositories.ConversationRepository,
	cache *redis.Client,
) *ChatHandler {
	return &ChatHandler{
		dispatcher:     dispatcher,
		historyService: historyService,
		pollingService: pollingService,
		convRepo:       convRepo,
		cache:          cache,
	}
}

// ListConversations 获取会话列表（首屏）
func (h *ChatHandler) ListConversations(c *gin.Context) {
	limit := 100
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}

	convs, err := h.convRepo.List(c.Request.Context(), limit)
	if err != nil {
		log.Printf("ListConversations: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "success", "data": convs})
}

// SendMessage 发送消息
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req struct {
		Kind            string                `json:"kind"`
		MessageType     string                `json:"message_type" binding:"required"`
		Content         json.RawMessage       `json:"content" binding:"required"`
		QuotedMessageID string                `json:"quoted_message_id"`
		QuickReply      []line.QuickReplyItem `json:"quick_reply"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payload, err := services.BuildPayload(req.MessageType, string(req.Content))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	operator := c.GetString("username")
	receipt, err := h.dispatcher.Send(c.Request.Context(), services.SendRequest{
		ConversationID:   c.Param("subject_id"),
		ConversationKind: req.Kind,
		Payload:          payload,
		QuotedMessageID:  req.QuotedMessageID,
		QuickReply:       req.QuickReply,
		Operator:         operator,
	})
	if err != nil {
		log.Printf("SendMessage: dispatch error for %s: %v", c.Param("subject_id"), err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "success", "data": receipt})
}

// GetHistory 获取历史消息（向前翻页）
// 翻下一页时带上上一页返回的 oldest 游标 (before + before_id)。
func (h *ChatHandler) GetHistory(c *gin.Context) {
	before := repositories.PageCursor{SentAt: time.Now()}
	if v := c.Query("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before timestamp"})
			return
		}
		before.SentAt = t
	}
	if v, err := strconv.ParseInt(c.Query("before_id"), 10, 64); err == nil && v > 0 {
		before.ID = v
	}

	limit := 50
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}

	page, err := h.historyService.Page(c.Request.Context(), c.Param("subject_id"), before, limit)
	if err != nil {
		log.Printf("GetHistory: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "success", "data": page})
}

// GetAround 获取引用消息的上下文窗口
func (h *ChatHandler) GetAround(c *gin.Context) {
	anchor, err := time.Parse(time.RFC3339Nano, c.Query("anchor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid anchor timestamp"})
		return
	}

	beforeN, afterN := 10, 10
	if v, err := strconv.Atoi(c.Query("before_n")); err == nil && v >= 0 {
		beforeN = v
	}
	if v, err := strconv.Atoi(c.Query("after_n")); err == nil && v >= 0 {
		afterN = v
	}

	window, err := h.historyService.Around(c.Request.Context(), c.Param("subject_id"), anchor, beforeN, afterN)
	if err != nil {
		if errors.Is(err, repositories.ErrAnchorNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "anchor message not found"})
			return
		}
		log.Printf("GetAround: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "success", "data": window})
}

// Poll 轮询增量同步
func (h *ChatHandler) Poll(c *gin.Context) {
	var cursors services.Cursors
	if err := c.ShouldBindQuery(&cursors); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	delta, err := h.pollingService.Sync(c.Request.Context(), cursors)
	if err != nil {
		log.Printf("Poll: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "success", "data": delta})
}

// MarkRead 标记会话已读
// The read marker is the only write on the polling path, and it is its own
// explicit action.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	var req struct {
		Kind   string    `json:"kind" binding:"required"`
		ReadAt time.Time `json:"read_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ReadAt.IsZero() {
		req.ReadAt = time.Now()
	}

	if err := h.convRepo.MarkRead(c.Request.Context(), c.Param("subject_id"), req.Kind, req.ReadAt); err != nil {
		log.Printf("MarkRead: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "success"})
}

// Typing 发送输入中指示
func (h *ChatHandler) Typing(c *gin.Context) {
	var req struct {
		Seconds int `json:"seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Seconds == 0 {
		req.Seconds = 20
	}

	subject := c.Param("subject_id")
	if err := h.dispatcher.ShowTyping(c.Request.Context(), subject, req.Seconds); err != nil {
		log.Printf("Typing: gateway error for %s: %v", subject, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	if h.cache != nil {
		if err := h.cache.SetTyping(c.Request.Context(), subject, time.Duration(req.Seconds)*time.Second); err != nil {
			log.Printf("Typing: cache error for %s: %v", subject, err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "success"})
}
