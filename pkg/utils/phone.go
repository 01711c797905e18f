package utils

import "strings"

// NormalizePhone reduces a phone number to bare digits (E.164 without the
// plus), the canonical form for contact lookups and upstream payloads.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
