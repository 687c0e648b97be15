package line

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// APIError is a non-2xx answer from the Messaging API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("line api: status %d: %s", e.StatusCode, e.Message)
}

// IsReplyRejected reports whether the error is the gateway refusing a reply
// token (expired, invalid, or already consumed on the gateway side). Callers
// recover from this by falling back to push.
func IsReplyRejected(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

// SentMessage is one accepted message in a send response.
type SentMessage struct {
	ID         string `json:"id"`
	QuoteToken string `json:"quoteToken"`
}

// SendResult is the gateway's answer to a successful reply or push.
type SendResult struct {
	SentMessages []SentMessage `json:"sentMessages"`
}

// SendOptions carries the optional parts of a send.
type SendOptions struct {
	// QuoteToken of the message being replied to, if any.
	QuoteToken string
	// QuickReply suggestions; filtered to gateway limits before sending.
	QuickReply []QuickReplyItem
}

// Gateway is the outbound surface the dispatcher depends on.
type Gateway interface {
	Reply(ctx context.Context, replyToken string, payload Payload, opts SendOptions) (*SendResult, error)
	Push(ctx context.Context, to string, payload Payload, opts SendOptions) (*SendResult, error)
	ShowTyping(ctx context.Context, chatID string, seconds int) error
}

// Client is the HTTP Messaging API client.
type Client struct {
	base   string
	token  string
	client *http.Client
}

// NewClient 创建 LINE Messaging API 客户端
// Dispatch calls block the caller, so the timeout stays conservative.
func NewClient(base, channelToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		base:  base,
		token: channelToken,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Reply sends through the single-use reply channel.
func (c *Client) Reply(ctx context.Context, replyToken string, payload Payload, opts SendOptions) (*SendResult, error) {
	body := map[string]interface{}{
		"replyToken": replyToken,
		"messages":   []map[string]interface{}{c.buildMessage(payload, opts)},
	}
	return c.send(ctx, "/v2/bot/message/reply", body)
}

// Push sends through the always-available push channel.
func (c *Client) Push(ctx context.Context, to string, payload Payload, opts SendOptions) (*SendResult, error) {
	body := map[string]interface{}{
		"to":       to,
		"messages": []map[string]interface{}{c.buildMessage(payload, opts)},
	}
	return c.send(ctx, "/v2/bot/message/push", body)
}

// ShowTyping starts the typing indicator for a bounded duration. The gateway
// accepts 5 to 60 seconds in steps of 5; out-of-range values are clamped.
func (c *Client) ShowTyping(ctx context.Context, chatID string, seconds int) error {
	if seconds < 5 {
		seconds = 5
	}
	if seconds > 60 {
		seconds = 60
	}
	seconds -= seconds % 5

	body := map[string]interface{}{
		"chatId":         chatID,
		"loadingSeconds": seconds,
	}
	_, err := c.send(ctx, "/v2/bot/chat/loading/start", body)
	return err
}

func (c *Client) buildMessage(payload Payload, opts SendOptions) map[string]interface{} {
	m := payload.apiMessage(opts.QuoteToken)
	if items := FilterQuickReply(opts.QuickReply); len(items) > 0 {
		m["quickReply"] = quickReplyObject(items)
	}
	return m
}

func (c *Client) send(ctx context.Context, endpoint string, body interface{}) (*SendResult, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(respBody, &e)
		if e.Message == "" {
			e.Message = string(respBody)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: e.Message}
	}

	var result SendResult
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, fmt.Errorf("failed to decode json: %w body=%q", err, string(respBody))
		}
	}
	return &result, nil
}
