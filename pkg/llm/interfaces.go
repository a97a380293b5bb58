// Package llm provides the model gateway clients and the streaming protocol
// demultiplexer that turns raw model output into typed events.
package llm

import (
	"context"
)

// Message is a chat message sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// StreamResult is the flattened outcome of one streamed model call.
type StreamResult struct {
	Answer       string
	Think        string
	Block        BlockKind
	BlockPayload string
}

// ModelGateway sends prompts to an LLM backend. StreamChat writes typed
// events to eventChan as they arrive and returns the flattened result once
// the stream completes; the caller owns the channel and is responsible for
// closing it. Implementations must be safe for concurrent use across
// sessions.
type ModelGateway interface {
	StreamChat(ctx context.Context, sessionID string, messages []Message, eventChan chan<- StreamEvent) (*StreamResult, error)

	// Complete sends a prompt and returns the full answer text without
	// streaming. Used for auxiliary calls such as summaries.
	Complete(ctx context.Context, sessionID string, prompt string) (string, error)
}

// Ensure both clients implement ModelGateway at compile time.
var (
	_ ModelGateway = (*GatewayClient)(nil)
	_ ModelGateway = (*ReasoningClient)(nil)
)
