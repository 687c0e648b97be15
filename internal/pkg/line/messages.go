package line

import (
	"errors"
	"path"
	"strings"
	"unicode/utf8"
)

const (
	// MaxQuickReplyItems is the gateway's cap on quick-reply suggestions.
	MaxQuickReplyItems = 13
	// MaxQuickReplyLabel is the per-label length cap, counted in code points.
	MaxQuickReplyLabel = 15
)

var ErrEmptyPayload = errors.New("message payload is empty")

// Payload is one outbound message variant. Each variant knows how to render
// itself into the gateway's message object.
type Payload interface {
	Type() string
	// apiMessage renders the wire object. quoteToken references the message
	// being quoted and is only honoured by variants that support it.
	apiMessage(quoteToken string) map[string]interface{}
	// Validate rejects an unusable payload before any side effect.
	Validate() error
}

// TextPayload 文本消息
type TextPayload struct {
	Text string `json:"text"`
}

func (p TextPayload) Type() string { return "text" }

func (p TextPayload) Validate() error {
	if strings.TrimSpace(p.Text) == "" {
		return ErrEmptyPayload
	}
	return nil
}

func (p TextPayload) apiMessage(quoteToken string) map[string]interface{} {
	m := map[string]interface{}{
		"type": "text",
		"text": p.Text,
	}
	if quoteToken != "" {
		m["quoteToken"] = quoteToken
	}
	return m
}

// ImagePayload 图片消息
type ImagePayload struct {
	OriginalURL string `json:"original_url"`
	PreviewURL  string `json:"preview_url"`
}

func (p ImagePayload) Type() string { return "image" }

func (p ImagePayload) Validate() error {
	if p.OriginalURL == "" {
		return ErrEmptyPayload
	}
	return nil
}

func (p ImagePayload) apiMessage(string) map[string]interface{} {
	preview := p.PreviewURL
	if preview == "" {
		preview = p.OriginalURL
	}
	return map[string]interface{}{
		"type":               "image",
		"originalContentUrl": p.OriginalURL,
		"previewImageUrl":    preview,
	}
}

// FilePayload is delivered as a text message carrying the display name and
// download URL. The gateway has no native file type.
type FilePayload struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

func (p FilePayload) Type() string { return "file" }

func (p FilePayload) Validate() error {
	if p.URL == "" {
		return ErrEmptyPayload
	}
	return nil
}

// DisplayName returns the file name with a separator inserted before the
// extension. The LINE client turns bare "name.ext" strings into link
// previews; the space defeats that heuristic without hurting readability.
func (p FilePayload) DisplayName() string {
	ext := path.Ext(p.Name)
	if ext == "" || ext == p.Name {
		return p.Name
	}
	return strings.TrimSuffix(p.Name, ext) + " " + ext
}

func (p FilePayload) apiMessage(string) map[string]interface{} {
	text := p.URL
	if p.Name != "" {
		text = p.DisplayName() + "\n" + p.URL
	}
	return map[string]interface{}{
		"type": "text",
		"text": text,
	}
}

// VideoPayload 视频消息
type VideoPayload struct {
	URL        string `json:"url"`
	Name       string `json:"name"`
	PreviewURL string `json:"preview_url"`
}

func (p VideoPayload) Type() string { return "video" }

func (p VideoPayload) Validate() error {
	if p.URL == "" {
		return ErrEmptyPayload
	}
	return nil
}

// previewImage derives a thumbnail URL when the caller did not supply one:
// the video URL with its extension swapped for .jpg.
func (p VideoPayload) previewImage() string {
	if p.PreviewURL != "" {
		return p.PreviewURL
	}
	ext := path.Ext(p.URL)
	if ext == "" {
		return p.URL + ".jpg"
	}
	return strings.TrimSuffix(p.URL, ext) + ".jpg"
}

func (p VideoPayload) apiMessage(string) map[string]interface{} {
	return map[string]interface{}{
		"type":               "video",
		"originalContentUrl": p.URL,
		"previewImageUrl":    p.previewImage(),
	}
}

// StickerPayload 贴图消息
type StickerPayload struct {
	PackageID string `json:"package_id"`
	StickerID string `json:"sticker_id"`
}

func (p StickerPayload) Type() string { return "sticker" }

func (p StickerPayload) Validate() error {
	if p.PackageID == "" || p.StickerID == "" {
		return ErrEmptyPayload
	}
	return nil
}

func (p StickerPayload) apiMessage(string) map[string]interface{} {
	return map[string]interface{}{
		"type":      "sticker",
		"packageId": p.PackageID,
		"stickerId": p.StickerID,
	}
}

// QuickReplyItem is one tap-to-send suggestion shown under a message.
type QuickReplyItem struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

// FilterQuickReply drops items whose label exceeds the code-point cap and
// truncates the list to the gateway maximum. Violations are dropped, never
// fatal.
func FilterQuickReply(items []QuickReplyItem) []QuickReplyItem {
	var out []QuickReplyItem
	for _, item := range items {
		if item.Label == "" || utf8.RuneCountInString(item.Label) > MaxQuickReplyLabel {
			continue
		}
		out = append(out, item)
		if len(out) == MaxQuickReplyItems {
			break
		}
	}
	return out
}

func quickReplyObject(items []QuickReplyItem) map[string]interface{} {
	actions := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		text := item.Text
		if text == "" {
			text = item.Label
		}
		actions = append(actions, map[string]interface{}{
			"type": "action",
			"action": map[string]interface{}{
				"type":  "message",
				"label": item.Label,
				"text":  text,
			},
		})
	}
	return map[string]interface{}{"items": actions}
}
