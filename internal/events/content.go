package events

import (
	"encoding/json"
	"strings"
)

// ExtractText converts a message's content JSON into a plain-text
// representation. Media kinds render as a bracketed tag plus whatever label
// the content carries. Unknown kinds and malformed content yield "".
func ExtractText(messageType, content string) string {
	if content == "" {
		return ""
	}
	var c struct {
		Text     string          `json:"text"`
		Title    string          `json:"title"`
		FileName string          `json:"file_name"`
		ImageKey string          `json:"image_key"`
		FileKey  string          `json:"file_key"`
		Content  [][]postElement `json:"content"`
	}
	if err := json.Unmarshal([]byte(content), &c); err != nil {
		// Post content may be keyed by locale.
		if messageType == "post" {
			return extractLocalizedPost(content)
		}
		return ""
	}

	switch messageType {
	case "text":
		return c.Text
	case "post":
		if c.Content == nil && c.Title == "" {
			return extractLocalizedPost(content)
		}
		return formatPost(c.Title, c.Content)
	case "image":
		return formatMedia("image", "")
	case "file":
		return formatMedia("file", c.FileName)
	case "audio", "media", "sticker":
		return formatMedia(messageType, c.FileName)
	default:
		return ""
	}
}

type postElement struct {
	Tag      string `json:"tag"`
	Text     string `json:"text"`
	Href     string `json:"href"`
	UserName string `json:"user_name"`
}

func formatPost(title string, lines [][]postElement) string {
	var out []string
	if title != "" {
		out = append(out, title)
	}
	for _, line := range lines {
		var b strings.Builder
		for _, el := range line {
			switch el.Tag {
			case "text", "a":
				b.WriteString(el.Text)
			case "at":
				b.WriteString("@" + el.UserName)
			case "img":
				b.WriteString("[image]")
			}
		}
		if b.Len() > 0 {
			out = append(out, b.String())
		}
	}
	return strings.Join(out, "\n")
}

func extractLocalizedPost(content string) string {
	var byLocale map[string]struct {
		Title   string          `json:"title"`
		Content [][]postElement `json:"content"`
	}
	if err := json.Unmarshal([]byte(content), &byLocale); err != nil {
		return ""
	}
	for _, locale := range []string{"zh_cn", "en_us", "ja_jp"} {
		if p, ok := byLocale[locale]; ok {
			return formatPost(p.Title, p.Content)
		}
	}
	for _, p := range byLocale {
		return formatPost(p.Title, p.Content)
	}
	return ""
}

func formatMedia(kind, label string) string {
	if label == "" {
		return "[" + kind + "]"
	}
	return "[" + kind + "] " + label
}
