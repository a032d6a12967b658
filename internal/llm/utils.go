package llm

import (
	"encoding/base64"
	"strings"
)

// HintCharLimit caps how much OCR text goes into a prompt.
const HintCharLimit = 3000

// DataURL encodes bytes as a base64 data URL.
func DataURL(contentType string, data []byte) string {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// IsImage reports whether the content type can be sent as an image part.
func IsImage(contentType string) bool {
	switch strings.ToLower(contentType) {
	case "image/png", "image/jpeg":
		return true
	}
	return false
}

// StripCodeFence removes a surrounding ``` or ```json fence from model output.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncateRunes(s string, limit int) (string, bool) {
	r := []rune(s)
	if len(r) <= limit {
		return s, false
	}
	return string(r[:limit]), true
}
