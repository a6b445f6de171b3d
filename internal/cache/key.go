package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"tiergate/internal/core"
)

// KeyPrefix namespaces response cache keys.
const KeyPrefix = "llm:"

// defaultKeyTemperature stands in for an absent temperature so that keys
// are stable whether or not the client sent the backend default.
const defaultKeyTemperature = 1.0

// keyFields is the canonical document hashed into a cache key. Field order
// is fixed by the struct, so equal inputs always serialize identically.
type keyFields struct {
	Messages    []core.Message `json:"messages"`
	Model       string         `json:"model"`
	Temperature float64        `json:"temperature"`
	MaxTokens   *int           `json:"max_tokens"`
	Tier        core.Tier      `json:"tier"`
}

// Key derives the cache key for a request routed to tier.
// Any difference in messages, model, temperature, max_tokens or tier yields
// a different key.
func Key(tier core.Tier, model string, temperature *float64, maxTokens *int, messages []core.Message) string {
	temp := defaultKeyTemperature
	if temperature != nil {
		temp = *temperature
	}
	if messages == nil {
		messages = []core.Message{}
	}

	data, err := json.Marshal(keyFields{
		Messages:    messages,
		Model:       model,
		Temperature: temp,
		MaxTokens:   maxTokens,
		Tier:        tier,
	})
	if err != nil {
		// only strings, numbers and a struct slice; Marshal cannot fail
		panic(err)
	}

	sum := sha256.Sum256(data)
	return KeyPrefix + hex.EncodeToString(sum[:])
}

// KeyForRequest derives the key for req routed to tier.
func KeyForRequest(tier core.Tier, req *core.ChatRequest) string {
	return Key(tier, req.Model, req.Temperature, req.MaxTokens, req.Messages)
}
