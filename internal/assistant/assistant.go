// Package assistant answers chat messages through an OpenAI-compatible
// chat completion backend (a local Ollama by default) while keeping the
// bot's persona and filtering prompt injection attempts.
package assistant

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"wabot/internal/config"
)

// ErrRejected is returned for input classified as prompt injection.
var ErrRejected = stderrors.New("assistant: input rejected")

// Role of a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one history entry.
type Message struct {
	Role Role
	Text string
}

// Completer produces the next reply for a conversation.
type Completer interface {
	Complete(ctx context.Context, system string, history []Message) (string, error)
}

// OpenAI is a Completer backed by go-openai.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates a client for any OpenAI-compatible endpoint.
func NewOpenAI(cfg config.AIConfig) *OpenAI {
	conf := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		conf.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "llama3:latest"
	}
	return &OpenAI{client: openai.NewClientWithConfig(conf), model: model}
}

// Complete implements Completer.
func (o *OpenAI) Complete(ctx context.Context, system string, history []Message) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Text})
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Assistant wraps a Completer with the persona rules.
type Assistant struct {
	llm     Completer
	persona Persona
	timeout time.Duration
	log     zerolog.Logger
}

// New creates an Assistant.
func New(llm Completer, persona Persona, log zerolog.Logger) *Assistant {
	return &Assistant{llm: llm, persona: persona, timeout: 2 * time.Minute, log: log}
}

// Reply generates the next message for history. The last entry must be
// the user's.
func (a *Assistant) Reply(ctx context.Context, history []Message) (string, error) {
	if len(history) == 0 {
		return "", fmt.Errorf("empty conversation")
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	last := history[len(history)-1].Text
	reply, err := a.llm.Complete(ctx, a.persona.SystemPrompt(last), history)
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", fmt.Errorf("received empty reply")
	}
	if a.persona.BrokeCharacter(reply) {
		a.log.Warn().Str("reply", reply).Msg("model broke character, using fallback")
		return a.persona.Fallback, nil
	}
	return reply, nil
}

// Ask answers a single prompt.
func (a *Assistant) Ask(ctx context.Context, prompt string) (string, error) {
	clean, injected := Sanitize(prompt)
	if injected {
		a.log.Warn().Str("prompt", truncate(prompt, 100)).Msg("injection attempt blocked")
		return "", ErrRejected
	}
	if clean == "" {
		return "", ErrRejected
	}
	return a.Reply(ctx, []Message{{Role: RoleUser, Text: clean}})
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
