package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/yamato-dev/linedesk/internal/models"
	"github.com/yamato-dev/linedesk/internal/pkg/line"
	redispkg "github.com/yamato-dev/linedesk/internal/pkg/redis"
	"github.com/yamato-dev/linedesk/internal/services"
	logger "github.com/yamato-dev/linedesk/middleware/log"
)

const testChannelSecret = "test-channel-secret"

type flakyStore struct {
	appendErr error
	appended  []*models.Message
}

func (s *flakyStore) Append(_ context.Context, msg *models.Message) (bool, error) {
	if s.appendErr != nil {
		return false, s.appendErr
	}
	for _, m := range s.appended {
		if m.EventID == msg.EventID {
			return false, nil
		}
	}
	s.appended = append(s.appended, msg)
	return true, nil
}

func (s *flakyStore) FindByCorrelationID(context.Context, string) (*models.Message, error) {
	return nil, gorm.ErrRecordNotFound
}

type nopTokenRecorder struct{}

func (nopTokenRecorder) Record(context.Context, string, string, time.Time) error { return nil }

type nopToucher struct{}

func (nopToucher) Touch(context.Context, string, string, string, time.Time) (*models.Conversation, error) {
	return &models.Conversation{}, nil
}

func newWebhookTestServer(t *testing.T, store *flakyStore) (*gin.Engine, *redispkg.Client) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	cache := redispkg.NewClientFromRedis(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))

	ingest := services.NewIngest(store, nopTokenRecorder{}, nopToucher{}, &logger.Logger{Logger: zap.NewNop()})
	h := NewWebhookHandler(testChannelSecret, nil, ingest, cache)

	r := gin.New()
	r.POST("/webhook/line", h.Handle)
	return r, cache
}

func signedWebhookRequest(t *testing.T, req line.WebhookRequest) *http.Request {
	t.Helper()

	body, err := json.Marshal(req)
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte(testChannelSecret))
	mac.Write(body)

	httpReq := httptest.NewRequest(http.MethodPost, "/webhook/line", bytes.NewReader(body))
	httpReq.Header.Set("x-line-signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	return httpReq
}

func textEventRequest(eventID string) line.WebhookRequest {
	return line.WebhookRequest{
		Destination: "U-bot",
		Events: []line.Event{{
			Type:           "message",
			WebhookEventID: eventID,
			Timestamp:      time.Now().UnixMilli(),
			ReplyToken:     "rt-1",
			Source:         line.EventSource{Type: "user", UserID: "U1"},
			Message:        &line.EventMessage{ID: "m-1", Type: models.MessageTypeText, Text: "hello"},
		}},
	}
}

func TestWebhookHandler_RedeliveryAfterIngestFailureIsIngested(t *testing.T) {
	store := &flakyStore{appendErr: gorm.ErrInvalidDB}
	r, _ := newWebhookTestServer(t, store)

	// first delivery: storage is down, the handler still answers 200 and
	// counts on gateway redelivery
	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedWebhookRequest(t, textEventRequest("evt-1")))
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, store.appended)

	// storage recovers; the identical redelivery must not be swallowed by
	// the dedup guard
	store.appendErr = nil
	w = httptest.NewRecorder()
	r.ServeHTTP(w, signedWebhookRequest(t, textEventRequest("evt-1")))
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, store.appended, 1, "redelivered event must be ingested after recovery")
	assert.Equal(t, "evt-1", store.appended[0].EventID)
}

func TestWebhookHandler_DuplicateDeliveryIsDeduplicated(t *testing.T) {
	store := &flakyStore{}
	r, cache := newWebhookTestServer(t, store)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedWebhookRequest(t, textEventRequest("evt-2")))
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, store.appended, 1)

	// a successful ingest keeps the mark, so the redelivery is skipped
	// before it reaches the store
	fresh, err := cache.MarkEventSeen(context.Background(), "evt-2", time.Hour)
	require.NoError(t, err)
	require.False(t, fresh)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, signedWebhookRequest(t, textEventRequest("evt-2")))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, store.appended, 1)
}

func TestWebhookHandler_BadSignatureIsRejected(t *testing.T) {
	store := &flakyStore{}
	r, _ := newWebhookTestServer(t, store)

	body, err := json.Marshal(textEventRequest("evt-3"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhook/line", bytes.NewReader(body))
	req.Header.Set("x-line-signature", "bm90LWEtc2lnbmF0dXJl")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, store.appended)
}
