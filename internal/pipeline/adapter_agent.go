package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/voicebroker/broker/internal/adapters"
)

// AgentAdapter satisfies adapters.Agent and adapters.StreamingAgent by
// wrapping AgentLLM (the openai-agents-go-backed router) with a fixed
// system prompt/model/engine and the history-formatting the teacher's
// Pipeline.formatInput used to do inline.
type AgentAdapter struct {
	llm          *AgentLLM
	systemPrompt string
	model        string
	engine       string
}

// NewAgentAdapter wraps an AgentLLM as an adapters.StreamingAgent.
func NewAgentAdapter(llm *AgentLLM, systemPrompt, model, engine string) *AgentAdapter {
	return &AgentAdapter{llm: llm, systemPrompt: systemPrompt, model: model, engine: engine}
}

// Respond implements adapters.Agent.
func (a *AgentAdapter) Respond(ctx context.Context, userText string, history []adapters.HistoryTurn) (string, error) {
	result, err := a.llm.Chat(ctx, formatWithHistory(userText, history), a.systemPrompt, a.model, a.engine, nil)
	if err != nil {
		return "", fmt.Errorf("agent respond: %w", err)
	}
	return result.Text, nil
}

// RespondStream implements adapters.StreamingAgent: each streamed token is
// forwarded as a fragment, and the full text is returned once generation
// completes.
func (a *AgentAdapter) RespondStream(ctx context.Context, userText string, history []adapters.HistoryTurn, onFragment func(string)) (string, error) {
	result, err := a.llm.Chat(ctx, formatWithHistory(userText, history), a.systemPrompt, a.model, a.engine, func(token string) {
		if onFragment != nil {
			onFragment(token)
		}
	})
	if err != nil {
		return "", fmt.Errorf("agent respond stream: %w", err)
	}
	return result.Text, nil
}

// formatWithHistory prepends short-term conversational context ahead of the
// current message, the same shape as the teacher's Pipeline.formatInput.
func formatWithHistory(current string, history []adapters.HistoryTurn) string {
	if len(history) == 0 {
		return current
	}
	var b strings.Builder
	for _, t := range history {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", t.User, t.Assistant)
	}
	fmt.Fprintf(&b, "User: %s", current)
	return b.String()
}
