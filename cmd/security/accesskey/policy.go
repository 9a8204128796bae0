package accesskey

import (
	"strings"
	"unicode/utf8"
)

// Validate checks key policy. It does not mutate input.
func (c Config) Validate(key string) error {
	n := utf8.RuneCountInString(key)

	if n < c.Policy.MinLength {
		return ErrKeyTooShort
	}
	if n > c.Policy.MaxLength {
		return ErrKeyTooLong
	}
	if c.Policy.RejectVeryWeak && distinctRunes(strings.TrimSpace(key), 3) < 3 {
		return ErrWeakKey
	}
	return nil
}

// distinctRunes counts distinct runes in s, stopping at limit.
func distinctRunes(s string, limit int) int {
	seen := make(map[rune]struct{}, limit)
	for _, r := range s {
		seen[r] = struct{}{}
		if len(seen) >= limit {
			break
		}
	}
	return len(seen)
}
