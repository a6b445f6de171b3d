package routing

import "strings"

// ProviderUnknown is attributed when no family marker matches.
const ProviderUnknown = "unknown"

var providerMarkers = []struct {
	marker   string
	provider string
}{
	{"claude", "anthropic"},
	{"gpt", "openai"},
	{"gemini", "google"},
	{"mistral", "mistral"},
}

// ProviderForModel attributes a model identifier to a provider by family marker.
func ProviderForModel(model string) string {
	lower := strings.ToLower(model)
	for _, p := range providerMarkers {
		if strings.Contains(lower, p.marker) {
			return p.provider
		}
	}
	return ProviderUnknown
}
