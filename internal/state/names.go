package state

import "strings"

const maxNameLength = 24

// Fallback display names for players whose submitted name sanitizes away.
var fallbackNames = []string{
	"Drifter", "Corsair", "Mariner", "Gull", "Skipper",
	"Lodestar", "Squall", "Albatross", "Kelpie", "Harbinger",
}

// SanitizeName strips a submitted display name down to letters, digits,
// spaces, hyphens and underscores, capped at 24 runes. Returns "" when
// nothing survives.
func SanitizeName(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteRune(r)
		}
		if b.Len() >= maxNameLength {
			break
		}
	}
	return strings.TrimSpace(b.String())
}

// DisplayName sanitizes raw, falling back to a pool name picked
// deterministically from seed so the same player always gets the same one.
func DisplayName(raw, seed string) string {
	if name := SanitizeName(raw); name != "" {
		return name
	}
	var sum uint32
	for _, r := range seed {
		sum = sum*31 + uint32(r)
	}
	return fallbackNames[int(sum)%len(fallbackNames)]
}
