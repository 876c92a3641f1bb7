package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/eljapi/code-talk-reviwer/domain/repositories"
)

// AnthropicConfig configures the Claude agent
type AnthropicConfig struct {
	APIKey       string
	Model        string
	SystemPrompt string
	MaxTokens    int
}

// Anthropic is an AgentChannel over the streaming Messages API
type Anthropic struct {
	client *anthropic.Client
	cfg    AnthropicConfig
	logger *zap.Logger
	runner *turnRunner
}

var _ repositories.AgentChannel = (*Anthropic)(nil)

func (a *Anthropic) SubmitTurn(ctx context.Context, req repositories.TurnRequest) (repositories.AgentTurn, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.cfg.Model),
		MaxTokens: int64(a.cfg.MaxTokens),
		Messages:  anthropicMessages(req),
		System:    []anthropic.TextBlockParam{{Text: systemPrompt(a.cfg.SystemPrompt, req)}},
	}

	return a.runner.start(req.TurnID, func(ctx context.Context, emit func(repositories.AgentEvent) bool) error {
		stream := a.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			ev, ok := anthropicEvent(stream.Current())
			if ok && !emit(ev) {
				return nil
			}
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("anthropic stream: %w", err)
		}
		return nil
	})
}

func (a *Anthropic) Cancel(ctx context.Context, turnID string) error {
	return a.runner.cancelTurn(ctx, turnID)
}

func (a *Anthropic) Close() error {
	a.runner.close()
	return nil
}

func anthropicEvent(event anthropic.MessageStreamEventUnion) (repositories.AgentEvent, bool) {
	switch ev := event.AsAny().(type) {
	case anthropic.ContentBlockStartEvent:
		if ev.ContentBlock.Type == "tool_use" {
			return repositories.AgentEvent{Type: repositories.AgentEventToolInvoked, Tool: ev.ContentBlock.Name}, true
		}
	case anthropic.ContentBlockDeltaEvent:
		if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
			return repositories.AgentEvent{Type: repositories.AgentEventTextFragment, Text: delta.Text}, true
		}
	}
	return repositories.AgentEvent{}, false
}

// anthropicMessages builds an alternating user/assistant dialogue. Turns
// that never got a response are folded into the next user message.
func anthropicMessages(req repositories.TurnRequest) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	var pending string

	for _, turn := range req.History {
		pending = joinInput(pending, turn.UserInput)
		out := turn.Response()
		if out == "" {
			continue
		}
		messages = append(messages,
			anthropic.NewUserMessage(anthropic.NewTextBlock(pending)),
			anthropic.NewAssistantMessage(anthropic.NewTextBlock(out)),
		)
		pending = ""
	}
	return append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(joinInput(pending, req.Input))))
}

func joinInput(pending, input string) string {
	if pending == "" {
		return input
	}
	return pending + "\n" + input
}

// anthropicFatal treats rejected credentials as unrecoverable
func anthropicFatal(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
	}
	return false
}

// AnthropicFactory opens one Claude channel per session over a shared client
type AnthropicFactory struct {
	client *anthropic.Client
	cfg    AnthropicConfig
	logger *zap.Logger
}

func NewAnthropicFactory(cfg AnthropicConfig, logger *zap.Logger) (*AnthropicFactory, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic API key is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	return &AnthropicFactory{client: &client, cfg: cfg, logger: logger}, nil
}

func (f *AnthropicFactory) NewAgentChannel(sessionID string) (repositories.AgentChannel, error) {
	logger := f.logger.With(zap.String("sessionID", sessionID), zap.String("agent", "anthropic"))
	return &Anthropic{client: f.client, cfg: f.cfg, logger: logger, runner: newTurnRunner(logger, anthropicFatal)}, nil
}
