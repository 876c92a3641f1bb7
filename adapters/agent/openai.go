package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/packages/param"
	"go.uber.org/zap"

	"github.com/eljapi/code-talk-reviwer/domain/repositories"
)

const outputTextDelta = "response.output_text.delta"

// OpenAIConfig configures the OpenAI Agents runner
type OpenAIConfig struct {
	APIKey       string
	Model        string
	SystemPrompt string
	MaxTokens    int
}

// OpenAI is an AgentChannel running a single-turn agent through the
// OpenAI Agents SDK streamed runner
type OpenAI struct {
	provider agents.ModelProvider
	cfg      OpenAIConfig
	logger   *zap.Logger
	runner   *turnRunner
}

var _ repositories.AgentChannel = (*OpenAI)(nil)

func (o *OpenAI) SubmitTurn(ctx context.Context, req repositories.TurnRequest) (repositories.AgentTurn, error) {
	agent := agents.New("code-reviewer").
		WithInstructions(o.cfg.SystemPrompt).
		WithModel(o.cfg.Model).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens: param.NewOpt(int64(o.cfg.MaxTokens)),
		})
	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   o.provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}
	input := transcript(req)

	return o.runner.start(req.TurnID, func(ctx context.Context, emit func(repositories.AgentEvent) bool) error {
		events, errCh, err := runner.RunStreamedChan(ctx, agent, input)
		if err != nil {
			return fmt.Errorf("openai stream start: %w", err)
		}

		// keep draining after cancellation so the runner can finish
		open := true
		for ev := range events {
			if !open {
				continue
			}
			raw, ok := ev.(agents.RawResponsesStreamEvent)
			if !ok || raw.Data.Type != outputTextDelta || raw.Data.Delta == "" {
				continue
			}
			open = emit(repositories.AgentEvent{Type: repositories.AgentEventTextFragment, Text: raw.Data.Delta})
		}

		if err := <-errCh; err != nil {
			return fmt.Errorf("openai stream: %w", err)
		}
		return nil
	})
}

func (o *OpenAI) Cancel(ctx context.Context, turnID string) error {
	return o.runner.cancelTurn(ctx, turnID)
}

func (o *OpenAI) Close() error {
	o.runner.close()
	return nil
}

func openAIFatal(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
	}
	return false
}

// OpenAIFactory opens one runner-backed channel per session over a shared
// model provider
type OpenAIFactory struct {
	provider agents.ModelProvider
	cfg      OpenAIConfig
	logger   *zap.Logger
}

func NewOpenAIFactory(cfg OpenAIConfig, logger *zap.Logger) (*OpenAIFactory, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai API key is required")
	}
	provider := agents.NewOpenAIProvider(agents.OpenAIProviderParams{
		APIKey:       param.NewOpt(cfg.APIKey),
		UseResponses: param.NewOpt(true),
	})
	return &OpenAIFactory{provider: provider, cfg: cfg, logger: logger}, nil
}

func (f *OpenAIFactory) NewAgentChannel(sessionID string) (repositories.AgentChannel, error) {
	logger := f.logger.With(zap.String("sessionID", sessionID), zap.String("agent", "openai"))
	return &OpenAI{provider: f.provider, cfg: f.cfg, logger: logger, runner: newTurnRunner(logger, openAIFatal)}, nil
}
