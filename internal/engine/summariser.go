package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/thingenious/eva/pkg/conversation"
	"github.com/thingenious/eva/pkg/provider/llm"
)

// Summariser produces a condensed summary of a slice of conversation
// messages, folding in the previous rolling summary when one exists.
type Summariser interface {
	// Summarise returns a condensed summary covering messages. previous is
	// the current rolling summary, or "" for a conversation without one.
	Summarise(ctx context.Context, previous string, messages []conversation.Message) (string, error)
}

// LLMSummariser summarises conversation segments with a non-streaming model
// call.
type LLMSummariser struct {
	llm llm.Provider
}

var _ Summariser = (*LLMSummariser)(nil)

// NewLLMSummariser creates a [LLMSummariser] backed by the given provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: provider}
}

// Summarise formats the messages into a readable transcript and asks the
// model for an updated (or, without a previous summary, a fresh) condensed
// summary. A low temperature keeps the output stable across runs.
func (s *LLMSummariser) Summarise(ctx context.Context, previous string, messages []conversation.Message) (string, error) {
	if len(messages) == 0 {
		return previous, nil
	}

	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, m.Content)
	}

	prompt := fmt.Sprintf(newSummaryPrompt, sb.String())
	if strings.TrimSpace(previous) != "" {
		prompt = fmt.Sprintf(updateSummaryPrompt, previous, sb.String())
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: "user", Content: prompt},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("engine: summarise: %w", err)
	}
	if resp == nil {
		return "", fmt.Errorf("engine: summarise: empty response")
	}

	return strings.TrimSpace(resp.Content), nil
}
