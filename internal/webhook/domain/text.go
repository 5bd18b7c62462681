package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// Column limits shared by every dialect. MySQL declares these widths; the
// other stores accept anything, so the limits are applied everywhere.
const (
	MaxSourceLength    = 64
	MaxEventTypeLength = 255
	MaxEventIDLength   = 255
)

// CleanText makes s storable in a UTF-8 text column: invalid sequences become
// U+FFFD and NUL bytes are dropped.
func CleanText(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "")
}

// FitText cleans s and truncates it to at most limit bytes on a rune boundary.
func FitText(s string, limit int) string {
	s = CleanText(s)
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// FitKey cleans s and bounds it to limit bytes. Longer values keep a prefix
// and end with the sha256 of the whole value, so distinct keys stay distinct
// and the same input always maps to the same key.
func FitKey(s string, limit int) string {
	s = CleanText(s)
	if limit <= 0 || len(s) <= limit {
		return s
	}
	sum := sha256.Sum256([]byte(s))
	digest := hex.EncodeToString(sum[:])
	if limit <= len(digest) {
		return digest[:limit]
	}
	return FitText(s, limit-len(digest)-1) + "~" + digest
}
