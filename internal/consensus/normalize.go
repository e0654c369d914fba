// Package consensus decides whether a batch of sampled continuations agree.
// Everything here is pure: no I/O, no logging, no shared state.
package consensus

import (
	"regexp"
	"strings"
)

var (
	spaceRun     = regexp.MustCompile(` {2,}`)
	lineBreakRun = regexp.MustCompile(`\n{2,}`)
)

// Normalize canonicalizes whitespace so that cosmetically different
// completions compare equal. Trailing spaces, tabs and carriage returns are
// removed from every line, runs of spaces become one space, and runs of
// line breaks become one line break.
//
// Normalize is idempotent.
func Normalize(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	out := strings.Join(lines, "\n")
	out = spaceRun.ReplaceAllString(out, " ")
	return lineBreakRun.ReplaceAllString(out, "\n")
}
