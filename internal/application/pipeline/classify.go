package pipeline

import (
	"strings"

	"github.com/rcrelay/rcrelay/internal/infrastructure/config"
	"github.com/rcrelay/rcrelay/internal/wire/anthropic"
)

// Routing categories. Every category must have a chain in the routing
// config; classification falls back to "default" when a specific
// category has no chain configured.
const (
	CategoryDefault     = "default"
	CategoryBackground  = "background"
	CategorySearch      = "search"
	CategoryLongContext = "longcontext"
	CategoryCoding      = "coding"
)

// longContextThreshold is the estimated prompt size, in tokens, beyond
// which a request routes to the long-context chain.
const longContextThreshold = 60000

// codingTools are tool names that mark an agentic coding session.
var codingTools = map[string]bool{
	"bash":               true,
	"str_replace_editor": true,
	"text_editor":        true,
	"code_execution":     true,
	"write_file":         true,
	"edit_file":          true,
}

// Classify sorts a request into a routing category. Order matters:
// cheap background models win over everything, then search, then
// context size, then coding tools.
func Classify(req *anthropic.Request, cfg *config.Config) string {
	category := classify(req)
	if _, ok := cfg.Routing[category]; !ok {
		return CategoryDefault
	}
	return category
}

func classify(req *anthropic.Request) string {
	if strings.Contains(strings.ToLower(req.Model), "haiku") {
		return CategoryBackground
	}
	hasCoding := false
	for _, t := range req.Tools {
		name := strings.ToLower(t.Name)
		if strings.Contains(name, "web_search") {
			return CategorySearch
		}
		if codingTools[name] {
			hasCoding = true
		}
	}
	if EstimateTokens(req) > longContextThreshold {
		return CategoryLongContext
	}
	if hasCoding {
		return CategoryCoding
	}
	return CategoryDefault
}

// EstimateTokens guesses the prompt size at roughly four characters per
// token, counting system and message text.
func EstimateTokens(req *anthropic.Request) int {
	chars := len(req.System.Flatten())
	for _, msg := range req.Messages {
		if msg.Content.Plain {
			chars += len(msg.Content.Text)
			continue
		}
		for _, b := range msg.Content.Blocks {
			chars += len(b.Text)
			if b.Type == "tool_result" {
				chars += len(b.ResultText())
			}
		}
	}
	return chars / 4
}
