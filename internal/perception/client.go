// Package perception issues continuation requests to the generative service
// and turns every response into a Sample: one vote in a consensus batch.
package perception

import (
	"context"
	"strings"
)

// ContinuationInstruction is the fixed user-role turn sent with every request.
// The text to continue travels as the assistant-role prefill.
const ContinuationInstruction = "Continue the following document exactly as it was originally written. " +
	"Reproduce the original wording verbatim. Output only the continuation, with no commentary."

// Provider represents an LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
)

// Sample is the outcome of one request. Present is false for the absence
// marker: the request failed, timed out, exhausted its retries, or the
// response carried no text segment. An absent Sample is a non-vote.
type Sample struct {
	Text       string `json:"text"`
	ResponseID string `json:"response_id,omitempty"` // diagnostics only
	Present    bool   `json:"present"`
}

// NewSample returns a present Sample.
func NewSample(text, responseID string) Sample {
	return Sample{Text: text, ResponseID: responseID, Present: true}
}

// Absent returns the absence marker.
func Absent() Sample {
	return Sample{}
}

// Sampler is the SampleRequester: one bounded-retry call per Sample.
// Implementations never return an error; failures become Absent samples.
type Sampler interface {
	Sample(ctx context.Context, prefix string, maxTokens int) Sample
	Model() string
}

// CountPresent returns the number of non-absent samples in a batch.
func CountPresent(batch []Sample) int {
	n := 0
	for _, s := range batch {
		if s.Present {
			n++
		}
	}
	return n
}

// Prefill strips trailing whitespace from the buffer; providers reject an
// assistant turn that ends in whitespace.
func Prefill(prefix string) string {
	return strings.TrimRight(prefix, " \t\r\n")
}
