package model

import "context"

// CompletionResponse is the common response model for model providers.
type CompletionResponse struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Completer is the text completion abstraction used by the relay.
type Completer interface {
	Complete(ctx context.Context, system, user string) (CompletionResponse, error)
}
