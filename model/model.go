package model

import (
	"context"

	"github.com/xiaoyu-work/onevalet/core"
)

// Request captures the normalized input of one chat completion call.
type Request struct {
	Messages []core.Message    `json:"messages"`
	Tools    []core.ToolSchema `json:"tools,omitempty"`
}

// Response is the normalized result of a completion. A response carries
// either final text, one or more tool calls, or both (some providers emit
// commentary alongside tool calls).
type Response struct {
	Content   string          `json:"content"`
	ToolCalls []core.ToolCall `json:"tool_calls,omitempty"`
	Usage     core.TokenUsage `json:"usage"`
}

// HasToolCalls reports whether the model requested tool execution.
func (r *Response) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// Info contains metadata about a client implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock", etc.
}

// Client is the minimal interface the reasoning loop needs from a model
// provider. Implementations adapt vendor SDKs into the normalized
// Request/Response shapes so higher layers stay decoupled from them.
type Client interface {
	ChatComplete(ctx context.Context, req Request) (*Response, error)

	// Info returns information about the client implementation.
	Info() Info
}

// Candidate pairs a Client with its routing identity. Fallback chains are
// ordered slices of candidates; routing rules select chains by Provider.
type Candidate struct {
	Provider string
	Model    string
	Client   Client
}
