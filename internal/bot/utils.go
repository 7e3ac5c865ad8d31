package bot

import (
	"github.com/openchatops/chatbridge/pkg/constants"
)

// MaskSecret masks sensitive information for logging
func MaskSecret(s string) string {
	if len(s) <= constants.MinTokenLengthForMasking {
		return "***"
	}
	return s[:constants.TokenMaskPrefixLength] + "***" + s[len(s)-constants.TokenMaskSuffixLength:]
}

// Truncate shortens s to at most max runes. Platforms reject messages
// over their published ceilings, so outbound text is clipped instead.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
