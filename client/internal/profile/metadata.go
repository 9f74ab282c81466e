package profile

import (
	"encoding/json"
	"strings"
)

// shortKeyLen is how many characters of a public key are shown when no
// metadata name is available.
const shortKeyLen = 8

// Metadata is the JSON payload of a kind-0 event.
type Metadata struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	About       string `json:"about,omitempty"`
	Picture     string `json:"picture,omitempty"`
	NIP05       string `json:"nip05,omitempty"`
	LUD16       string `json:"lud16,omitempty"`
}

// Parse decodes content as metadata. It reports false for empty or malformed
// payloads instead of returning an error.
func Parse(content string) (Metadata, bool) {
	if strings.TrimSpace(content) == "" {
		return Metadata{}, false
	}
	var md Metadata
	if err := json.Unmarshal([]byte(content), &md); err != nil {
		return Metadata{}, false
	}
	return md, true
}

// ShortKey truncates a public key for display.
func ShortKey(pubkey string) string {
	if len(pubkey) <= shortKeyLen {
		return pubkey
	}
	return pubkey[:shortKeyLen]
}

// DisplayName picks the best human-readable name for an author.
func DisplayName(pubkey string, md Metadata, ok bool) string {
	if ok {
		if n := strings.TrimSpace(md.DisplayName); n != "" {
			return n
		}
		if n := strings.TrimSpace(md.Name); n != "" {
			return n
		}
	}
	return ShortKey(pubkey)
}
