package services

import (
	"encoding/json"
	"fmt"

	"github.com/yamato-dev/linedesk/internal/models"
	"github.com/yamato-dev/linedesk/internal/pkg/line"
)

// BuildPayload decodes a stored content blob back into its message variant.
// Stored rows and scheduled templates share the same JSON shapes the
// payload structs marshal to.
func BuildPayload(messageType, content string) (line.Payload, error) {
	var (
		payload line.Payload
		err     error
	)
	switch messageType {
	case models.MessageTypeText:
		var p line.TextPayload
		err = json.Unmarshal([]byte(content), &p)
		payload = p
	case models.MessageTypeImage:
		var p line.ImagePayload
		err = json.Unmarshal([]byte(content), &p)
		payload = p
	case models.MessageTypeFile:
		var p line.FilePayload
		err = json.Unmarshal([]byte(content), &p)
		payload = p
	case models.MessageTypeVideo:
		var p line.VideoPayload
		err = json.Unmarshal([]byte(content), &p)
		payload = p
	case models.MessageTypeSticker:
		var p line.StickerPayload
		err = json.Unmarshal([]byte(content), &p)
		payload = p
	default:
		return nil, fmt.Errorf("unknown message type %q", messageType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", messageType, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}
