// Package routing classifies requests into tiers and walks a tier's ordered
// candidate models until one of them answers.
package routing

import (
	"strings"

	"tiergate/internal/core"
)

// DefaultLargeRequestThreshold is the total message length at which a
// request is routed to the deep tier.
const DefaultLargeRequestThreshold = 8000

// Config is the immutable routing table.
type Config struct {
	// Models maps each tier to its ordered candidate list (first = preferred)
	Models map[core.Tier][]string

	// LargeRequestThreshold is compared against the summed message content length
	LargeRequestThreshold int
}

// TierRouter maps requests to tiers and tiers to candidate models.
// It holds no mutable state and is safe for concurrent use.
type TierRouter struct {
	models    map[core.Tier][]string
	threshold int
}

// NewTierRouter builds a router from cfg. The candidate lists are copied.
func NewTierRouter(cfg Config) *TierRouter {
	threshold := cfg.LargeRequestThreshold
	if threshold <= 0 {
		threshold = DefaultLargeRequestThreshold
	}
	models := make(map[core.Tier][]string, len(cfg.Models))
	for tier, list := range cfg.Models {
		cleaned := make([]string, 0, len(list))
		for _, m := range list {
			if m = strings.TrimSpace(m); m != "" {
				cleaned = append(cleaned, m)
			}
		}
		models[tier] = cleaned
	}
	return &TierRouter{models: models, threshold: threshold}
}

// PickTier chooses the tier for a request. A hint of exactly "deep" wins;
// otherwise large inputs go deep and everything else goes fast.
func (r *TierRouter) PickTier(messages []core.Message, qualityHint string) core.Tier {
	if qualityHint == string(core.TierDeep) {
		return core.TierDeep
	}
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	if total >= r.threshold {
		return core.TierDeep
	}
	return core.TierFast
}

// ModelsForTier returns a copy of the tier's ordered candidates.
// An unconfigured tier yields an empty list.
func (r *TierRouter) ModelsForTier(tier core.Tier) []string {
	list := r.models[tier]
	out := make([]string, len(list))
	copy(out, list)
	return out
}

// NextModel returns the candidate after current, or the first candidate
// when current is empty. ok is false when there is none.
func (r *TierRouter) NextModel(tier core.Tier, current string) (string, bool) {
	list := r.models[tier]
	if current == "" {
		if len(list) == 0 {
			return "", false
		}
		return list[0], true
	}
	for i, m := range list {
		if m == current && i+1 < len(list) {
			return list[i+1], true
		}
	}
	return "", false
}

// Threshold returns the configured large-request threshold.
func (r *TierRouter) Threshold() int {
	return r.threshold
}
