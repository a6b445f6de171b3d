package gateway

import "github.com/tidwall/gjson"

// documentUsage is what the ledger takes from a response document.
type documentUsage struct {
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Cost             *float64
}

// extractUsage reads model, usage.* and cost from a completion document.
// Missing or negative counts are recorded as zero.
func extractUsage(body []byte) documentUsage {
	r := gjson.GetManyBytes(body,
		"model",
		"usage.prompt_tokens",
		"usage.completion_tokens",
		"usage.total_tokens",
		"cost",
	)

	u := documentUsage{
		Model:            r[0].String(),
		PromptTokens:     nonNegative(r[1].Int()),
		CompletionTokens: nonNegative(r[2].Int()),
		TotalTokens:      nonNegative(r[3].Int()),
	}
	if r[4].Type == gjson.Number {
		cost := r[4].Float()
		u.Cost = &cost
	}
	return u
}

func nonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
