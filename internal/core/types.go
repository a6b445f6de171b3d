package core

import (
	"fmt"
	"strings"
)

// Tier is a named service class mapping to an ordered list of candidate models.
type Tier string

const (
	TierFast Tier = "fast"
	TierDeep Tier = "deep"
	// TierUnknown is recorded when a request fails before classification.
	TierUnknown Tier = "unknown"
)

// Limits accepted on inbound payloads
const (
	MaxTemperature = 2.0
	MaxMaxTokens   = 128000
)

// ChatRequest represents the incoming chat completion request.
// Only the fields declared here are forwarded downstream.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// Message represents a single message in the chat
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat selects plain text or JSON-object output.
type ResponseFormat struct {
	Type string `json:"type"`
}

// Validate checks the payload shape accepted by the pipeline.
func (r *ChatRequest) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return NewValidationError("model is required", nil)
	}
	if len(r.Messages) == 0 {
		return NewValidationError("messages array is required", nil)
	}
	for i, m := range r.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		case "":
			return NewValidationError(fmt.Sprintf("messages[%d]: each message must have a role", i), nil)
		default:
			return NewValidationError(fmt.Sprintf("messages[%d]: invalid role %q", i, m.Role), nil)
		}
		if m.Content == "" {
			return NewValidationError(fmt.Sprintf("messages[%d]: each message must have content", i), nil)
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > MaxTemperature) {
		return NewValidationError("temperature must be between 0 and 2", nil)
	}
	if r.MaxTokens != nil && (*r.MaxTokens < 1 || *r.MaxTokens > MaxMaxTokens) {
		return NewValidationError("max_tokens must be between 1 and 128000", nil)
	}
	if r.ResponseFormat != nil {
		switch r.ResponseFormat.Type {
		case "", "text", "json_object":
		default:
			return NewValidationError(fmt.Sprintf("response_format.type %q is not supported", r.ResponseFormat.Type), nil)
		}
	}
	return nil
}

// Requester carries the caller identity and request metadata resolved by the
// boundary before the pipeline runs.
type Requester struct {
	RequestID   string
	UserID      string
	APIKeyID    string
	QualityHint string
}
