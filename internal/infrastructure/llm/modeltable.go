package llm

import "strings"

// fallbackWindows maps model-name fragments to context windows, used
// when discovery reports no context length. First match wins.
var fallbackWindows = []struct {
	fragment string
	tokens   int
}{
	{"1m", 1000000},
	{"256k", 262144},
	{"128k", 131072},
	{"long", 200000},
	{"coder", 131072},
}

// FallbackMaxTokens guesses a context window from the model name when
// the provider reports none.
func FallbackMaxTokens(model string) int {
	name := strings.ToLower(model)
	for _, fw := range fallbackWindows {
		if strings.Contains(name, fw.fragment) {
			return fw.tokens
		}
	}
	return 8192
}

// stampMaxTokens fills zero MaxTokens entries from the fallback table.
func stampMaxTokens(models []ModelInfo) []ModelInfo {
	for i := range models {
		if models[i].MaxTokens == 0 {
			models[i].MaxTokens = FallbackMaxTokens(models[i].Name)
		}
	}
	return models
}
