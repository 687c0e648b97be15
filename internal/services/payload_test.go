package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamato-dev/linedesk/internal/models"
	"github.com/yamato-dev/linedesk/internal/pkg/line"
)

func TestBuildPayload(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		p, err := BuildPayload(models.MessageTypeText, `{"text":"hello"}`)
		require.NoError(t, err)
		assert.Equal(t, line.TextPayload{Text: "hello"}, p)
	})

	t.Run("sticker", func(t *testing.T) {
		p, err := BuildPayload(models.MessageTypeSticker, `{"package_id":"1","sticker_id":"2"}`)
		require.NoError(t, err)
		assert.Equal(t, line.StickerPayload{PackageID: "1", StickerID: "2"}, p)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := BuildPayload("audio", `{}`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown message type")
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := BuildPayload(models.MessageTypeText, `{`)
		assert.Error(t, err)
	})

	t.Run("decodable but invalid payload is rejected", func(t *testing.T) {
		_, err := BuildPayload(models.MessageTypeImage, `{"preview_url":"https://x/s.png"}`)
		assert.ErrorIs(t, err, line.ErrEmptyPayload)
	})
}
