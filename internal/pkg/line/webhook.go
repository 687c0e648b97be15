package line

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// WebhookRequest is the body of a webhook delivery from the gateway.
type WebhookRequest struct {
	Destination string  `json:"destination"`
	Events      []Event `json:"events"`
}

// Event is one webhook event. Only message events matter to the console;
// other types pass through unhandled.
type Event struct {
	Type            string          `json:"type"`
	WebhookEventID  string          `json:"webhookEventId"`
	Timestamp       int64           `json:"timestamp"` // milliseconds
	ReplyToken      string          `json:"replyToken"`
	Source          EventSource     `json:"source"`
	Message         *EventMessage   `json:"message,omitempty"`
	DeliveryContext DeliveryContext `json:"deliveryContext"`
}

type EventSource struct {
	Type    string `json:"type"` // user | group | room
	UserID  string `json:"userId"`
	GroupID string `json:"groupId"`
}

// SubjectID returns the conversation key for the event source: the group id
// for group chats, else the user id.
func (s EventSource) SubjectID() string {
	if s.Type == "group" && s.GroupID != "" {
		return s.GroupID
	}
	return s.UserID
}

type EventMessage struct {
	ID              string           `json:"id"`
	Type            string           `json:"type"`
	Text            string           `json:"text"`
	FileName        string           `json:"fileName"`
	FileSize        int64            `json:"fileSize"`
	Duration        int64            `json:"duration"`
	PackageID       string           `json:"packageId"`
	StickerID       string           `json:"stickerId"`
	QuoteToken      string           `json:"quoteToken"`
	QuotedMessageID string           `json:"quotedMessageId"`
	ContentProvider *ContentProvider `json:"contentProvider,omitempty"`
}

type ContentProvider struct {
	Type               string `json:"type"`
	OriginalContentURL string `json:"originalContentUrl"`
	PreviewImageURL    string `json:"previewImageUrl"`
}

type DeliveryContext struct {
	IsRedelivery bool `json:"isRedelivery"`
}

// VerifySignature checks the x-line-signature header against the raw body:
// base64 of the HMAC-SHA256 of the body under the channel secret.
func VerifySignature(channelSecret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
