package provider

import (
	"strings"
	"unicode/utf8"
)

// storableText makes s fit a Postgres text column: invalid UTF-8 becomes
// U+FFFD, NUL bytes are dropped and the result is cut to at most limit bytes
// on a rune boundary. A limit <= 0 keeps the full length.
func storableText(s string, limit int) (string, bool) {
	s = strings.ToValidUTF8(s, "\uFFFD")
	s = strings.ReplaceAll(s, "\x00", "")
	if limit <= 0 || len(s) <= limit {
		return s, false
	}

	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}
