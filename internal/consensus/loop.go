package consensus

import "strings"

// DefaultLoopMinLength is the shortest candidate, in runes, that DetectLoop
// will consider. Shorter candidates match buffer text by coincidence too often.
const DefaultLoopMinLength = 50

// DetectLoop reports whether the first minLen runes of candidate already
// occur somewhere in buffer. Candidates shorter than minLen never trigger.
func DetectLoop(candidate, buffer string, minLen int) bool {
	if minLen <= 0 {
		minLen = DefaultLoopMinLength
	}
	runes := []rune(candidate)
	if len(runes) < minLen {
		return false
	}
	return strings.Contains(buffer, string(runes[:minLen]))
}
