package line

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextPayload(t *testing.T) {
	t.Run("validate rejects empty text", func(t *testing.T) {
		assert.ErrorIs(t, TextPayload{Text: "   "}.Validate(), ErrEmptyPayload)
		assert.NoError(t, TextPayload{Text: "hello"}.Validate())
	})

	t.Run("quote token is attached when present", func(t *testing.T) {
		m := TextPayload{Text: "hi"}.apiMessage("qt-123")
		assert.Equal(t, "text", m["type"])
		assert.Equal(t, "qt-123", m["quoteToken"])
	})

	t.Run("no quote token key when absent", func(t *testing.T) {
		m := TextPayload{Text: "hi"}.apiMessage("")
		_, ok := m["quoteToken"]
		assert.False(t, ok)
	})
}

func TestImagePayload(t *testing.T) {
	t.Run("preview falls back to original", func(t *testing.T) {
		m := ImagePayload{OriginalURL: "https://cdn.example.com/a.png"}.apiMessage("")
		assert.Equal(t, "https://cdn.example.com/a.png", m["previewImageUrl"])
	})

	t.Run("explicit preview wins", func(t *testing.T) {
		m := ImagePayload{
			OriginalURL: "https://cdn.example.com/a.png",
			PreviewURL:  "https://cdn.example.com/a_small.png",
		}.apiMessage("")
		assert.Equal(t, "https://cdn.example.com/a_small.png", m["previewImageUrl"])
	})

	t.Run("validate requires original url", func(t *testing.T) {
		assert.ErrorIs(t, ImagePayload{}.Validate(), ErrEmptyPayload)
	})
}

func TestFilePayload_DisplayName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"inserts separator before extension", "report.pdf", "report .pdf"},
		{"keeps only the last extension", "archive.tar.gz", "archive.tar .gz"},
		{"no extension left alone", "README", "README"},
		{"dotfile left alone", ".gitignore", ".gitignore"},
		{"unicode name", "請求書.xlsx", "請求書 .xlsx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FilePayload{Name: tt.in}.DisplayName())
		})
	}
}

func TestFilePayload_RendersAsText(t *testing.T) {
	m := FilePayload{URL: "https://cdn.example.com/report.pdf", Name: "report.pdf"}.apiMessage("")
	assert.Equal(t, "text", m["type"])
	assert.Equal(t, "report .pdf\nhttps://cdn.example.com/report.pdf", m["text"])

	t.Run("nameless file is just the url", func(t *testing.T) {
		m := FilePayload{URL: "https://cdn.example.com/x"}.apiMessage("")
		assert.Equal(t, "https://cdn.example.com/x", m["text"])
	})
}

func TestVideoPayload_PreviewImage(t *testing.T) {
	t.Run("derives jpg from video url", func(t *testing.T) {
		m := VideoPayload{URL: "https://cdn.example.com/clip.mp4"}.apiMessage("")
		assert.Equal(t, "https://cdn.example.com/clip.jpg", m["previewImageUrl"])
	})

	t.Run("extensionless url appends jpg", func(t *testing.T) {
		p := VideoPayload{URL: "https://cdn.example.com/clip"}
		assert.Equal(t, "https://cdn.example.com/clip.jpg", p.previewImage())
	})

	t.Run("explicit preview wins", func(t *testing.T) {
		p := VideoPayload{URL: "https://cdn.example.com/clip.mp4", PreviewURL: "https://cdn.example.com/thumb.png"}
		assert.Equal(t, "https://cdn.example.com/thumb.png", p.previewImage())
	})
}

func TestStickerPayload_Validate(t *testing.T) {
	assert.ErrorIs(t, StickerPayload{PackageID: "1"}.Validate(), ErrEmptyPayload)
	assert.ErrorIs(t, StickerPayload{StickerID: "2"}.Validate(), ErrEmptyPayload)
	assert.NoError(t, StickerPayload{PackageID: "1", StickerID: "2"}.Validate())
}

func TestFilterQuickReply(t *testing.T) {
	t.Run("drops over-long labels", func(t *testing.T) {
		items := []QuickReplyItem{
			{Label: "ok"},
			{Label: strings.Repeat("x", MaxQuickReplyLabel+1)},
			{Label: "also ok"},
		}
		out := FilterQuickReply(items)
		require.Len(t, out, 2)
		assert.Equal(t, "ok", out[0].Label)
		assert.Equal(t, "also ok", out[1].Label)
	})

	t.Run("labels are counted in code points not bytes", func(t *testing.T) {
		// 15 runes, 45 bytes
		label := strings.Repeat("あ", MaxQuickReplyLabel)
		out := FilterQuickReply([]QuickReplyItem{{Label: label}})
		assert.Len(t, out, 1)
	})

	t.Run("truncates to the item cap", func(t *testing.T) {
		items := make([]QuickReplyItem, MaxQuickReplyItems+5)
		for i := range items {
			items[i] = QuickReplyItem{Label: "a"}
		}
		assert.Len(t, FilterQuickReply(items), MaxQuickReplyItems)
	})

	t.Run("drops empty labels", func(t *testing.T) {
		assert.Empty(t, FilterQuickReply([]QuickReplyItem{{Label: ""}}))
	})
}

func TestQuickReplyObject(t *testing.T) {
	obj := quickReplyObject([]QuickReplyItem{{Label: "Yes", Text: "yes please"}, {Label: "No"}})
	actions, ok := obj["items"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, actions, 2)

	first := actions[0]["action"].(map[string]interface{})
	assert.Equal(t, "yes please", first["text"])

	// label doubles as text when text is empty
	second := actions[1]["action"].(map[string]interface{})
	assert.Equal(t, "No", second["text"])
}
