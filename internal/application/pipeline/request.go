// Package pipeline orchestrates one request end to end: classify into a
// routing category, pick a provider, dispatch through its client, and
// fail over to the next candidate when an attempt dies retryably.
package pipeline

import (
	"time"

	"github.com/rcrelay/rcrelay/internal/wire/anthropic"
)

// Request is the pipeline's view of one in-flight client request.
type Request struct {
	ID         string
	ReceivedAt time.Time
	Anthropic  *anthropic.Request
	Category   string
	Stream     bool
	Attempts   []Attempt
}

// Attempt records one dispatch try for the request log and error detail.
type Attempt struct {
	Provider  string
	Model     string
	Emergency bool
	StartedAt time.Time
	Latency   time.Duration
	Err       string
}

// AttemptedProviders returns the distinct provider IDs tried so far.
func (r *Request) AttemptedProviders() []string {
	seen := map[string]bool{}
	var out []string
	for _, a := range r.Attempts {
		if !seen[a.Provider] {
			seen[a.Provider] = true
			out = append(out, a.Provider)
		}
	}
	return out
}
