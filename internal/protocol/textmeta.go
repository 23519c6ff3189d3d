package protocol

import (
	"fmt"
	"strings"
)

const (
	maxTextMetadataLen = 1_000_000
	maxTextMetadataKey = 200
)

// ParseTextMetadata parses a text-metadata frame payload in "key:value"
// form. The key is sanitized to letters, digits, and underscore, and
// lowercased; the value is trimmed.
func ParseTextMetadata(payload []byte) (key, value string, err error) {
	if len(payload) > maxTextMetadataLen {
		return "", "", fmt.Errorf("text metadata too long: %d bytes", len(payload))
	}
	text := string(payload)
	colon := strings.IndexByte(text, ':')
	if colon < 1 || colon > maxTextMetadataKey {
		return "", "", fmt.Errorf("text metadata missing usable key: %q", text)
	}
	key = sanitizeMetaKey(text[:colon])
	if key == "" {
		return "", "", fmt.Errorf("text metadata key empty after sanitizing: %q", text[:colon])
	}
	return key, strings.TrimSpace(text[colon+1:]), nil
}

func sanitizeMetaKey(raw string) string {
	var b strings.Builder
	for _, c := range raw {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
			b.WriteRune(c)
		case c >= 'A' && c <= 'Z':
			b.WriteRune(c + ('a' - 'A'))
		}
	}
	return b.String()
}
