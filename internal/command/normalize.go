package command

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Zero-width characters are stripped outright. Everything else in the
// whitespace categories becomes an ASCII space.
func isZeroWidth(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\ufeff':
		return true
	}
	return false
}

func isUnicodeSpace(r rune) bool {
	switch r {
	case '\u00a0', '\u202f', '\u205f', '\u3000':
		return true
	}
	if r >= '\u2000' && r <= '\u200a' {
		return true
	}
	return unicode.IsSpace(r) || unicode.In(r, unicode.Zs, unicode.Zl, unicode.Zp)
}

// Normalize produces the canonical form of a command string: NFC, Unicode
// whitespace folded to ASCII space, zero-width characters removed, space
// runs collapsed, and the leading verb/service/action tokens lowercased.
// Arguments keep their case. Normalize is idempotent.
func Normalize(raw string) string {
	s := norm.NFC.String(raw)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isZeroWidth(r) {
			continue
		}
		if isUnicodeSpace(r) {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}

	fields := strings.Fields(b.String())
	for i := range fields {
		if i > 2 {
			break
		}
		fields[i] = strings.ToLower(fields[i])
	}
	return strings.Join(fields, " ")
}
