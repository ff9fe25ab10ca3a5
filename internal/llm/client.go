// Package llm provides the LLM client used to turn free text into
// structured commands. The orchestrator depends only on [Client]; the
// concrete implementation speaks the Ollama chat API.
package llm

import "context"

// Client is the interface the orchestrator consumes.
type Client interface {
	// Chat sends a chat completion request with optional tool schemas
	// and returns the model's reply, which is either plain text or a
	// set of tool calls.
	Chat(ctx context.Context, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
