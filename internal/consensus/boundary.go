package consensus

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// TrimToBoundary cuts s after its last space, newline or tab so that a
// trailing partial word is dropped. Without any such character s is
// returned unchanged.
func TrimToBoundary(s string) string {
	i := strings.LastIndexAny(s, " \n\t")
	if i < 0 {
		return s
	}
	return s[:i+1]
}

// JoinContinuation returns the segment of cont to append to buffer. Leading
// whitespace is dropped when the buffer is empty or already ends in
// whitespace; otherwise cont is kept as is so it can finish the seed's last
// word or supply the missing separator.
func JoinContinuation(buffer, cont string) string {
	if buffer == "" || endsInSpace(buffer) {
		return strings.TrimLeftFunc(cont, unicode.IsSpace)
	}
	return cont
}

func endsInSpace(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return unicode.IsSpace(r)
}
