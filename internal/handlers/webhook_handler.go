package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yamato-dev/linedesk/internal/pkg/line"
	"github.com/yamato-dev/linedesk/internal/pkg/redis"
	"github.com/yamato-dev/linedesk/internal/services"
	"github.com/yamato-dev/linedesk/pkg/mq"
)

// seenTTL bounds how long the fast-path dedup guard remembers an event id.
// The gateway retries within minutes; an hour is generous.
const seenTTL = time.Hour

// WebhookHandler 网关回调处理器
// It verifies the signature, acknowledges fast, and hands events to Kafka.
// When the producer is down it falls back to ingesting inline so webhook
// deliveries are never dropped.
type WebhookHandler struct {
	channelSecret string
	producer      *mq.KafkaProducer
	ingestService *services.Ingest
	cache         *redis.Client
}

// NewWebhookHandler 创建网关回调处理器实例
func NewWebhookHandler(channelSecret string, producer *mq.KafkaProducer, ingestService *services.Ingest, cache *redis.Client) *WebhookHandler {
	return &WebhookHandler{
		channelSecret: channelSecret,
		producer:      producer,
		ingestService: ingestService,
		cache:         cache,
	}
}

// Handle 处理一次 webhook 投递
func (h *WebhookHandler) Handle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	if !line.VerifySignature(h.channelSecret, body, c.GetHeader("x-line-signature")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var req line.WebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	for _, ev := range req.Events {
		if ev.Type != "message" || ev.Message == nil {
			continue
		}

		// 快速去重：重投递的事件不再进队列。Redis 丢失只会多一次
		// Append，存储层的唯一索引兜底。
		if h.cache != nil && ev.WebhookEventID != "" {
			fresh, err := h.cache.MarkEventSeen(c.Request.Context(), ev.WebhookEventID, seenTTL)
			if err != nil {
				log.Printf("Webhook: dedup cache error: %v", err)
			} else if !fresh {
				continue
			}
		}

		if h.producer != nil {
			if err := h.producer.PublishEvent(ev.Source.SubjectID(), ev); err == nil {
				continue
			} else {
				log.Printf("Webhook: publish failed, ingesting inline: %v", err)
			}
		}

		if err := h.ingestService.HandleEvent(c.Request.Context(), ev); err != nil {
			log.Printf("Webhook: inline ingest failed for event %s: %v", ev.WebhookEventID, err)
			// 撤销去重标记，否则网关重投会被当成重复丢掉
			h.clearSeen(c.Request.Context(), ev.WebhookEventID)
		}
	}

	// the gateway only needs a 200; errors are retried via redelivery
	c.Status(http.StatusOK)
}

// clearSeen removes the dedup mark so redelivery is not swallowed.
func (h *WebhookHandler) clearSeen(ctx context.Context, eventID string) {
	if h.cache == nil || eventID == "" {
		return
	}
	if err := h.cache.ClearEventSeen(ctx, eventID); err != nil {
		log.Printf("Webhook: failed to clear seen mark for event %s: %v", eventID, err)
	}
}
