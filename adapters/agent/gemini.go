package agent

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/eljapi/code-talk-reviwer/domain/repositories"
)

// GeminiConfig configures the Gemini agent
type GeminiConfig struct {
	APIKey       string
	Model        string
	SystemPrompt string
	MaxTokens    int
}

// Gemini is an AgentChannel streaming responses from GenerateContentStream
type Gemini struct {
	client *genai.Client
	cfg    GeminiConfig
	logger *zap.Logger
	runner *turnRunner
}

var _ repositories.AgentChannel = (*Gemini)(nil)

func (g *Gemini) SubmitTurn(ctx context.Context, req repositories.TurnRequest) (repositories.AgentTurn, error) {
	contents := geminiContents(req)
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt(g.cfg.SystemPrompt, req), genai.RoleUser),
		MaxOutputTokens:   int32(g.cfg.MaxTokens),
	}

	return g.runner.start(req.TurnID, func(ctx context.Context, emit func(repositories.AgentEvent) bool) error {
		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.cfg.Model, contents, config) {
			if err != nil {
				return fmt.Errorf("gemini stream: %w", err)
			}
			for _, ev := range geminiEvents(resp) {
				if !emit(ev) {
					return nil
				}
			}
		}
		return nil
	})
}

func (g *Gemini) Cancel(ctx context.Context, turnID string) error {
	return g.runner.cancelTurn(ctx, turnID)
}

func (g *Gemini) Close() error {
	g.runner.close()
	return nil
}

func geminiContents(req repositories.TurnRequest) []*genai.Content {
	contents := make([]*genai.Content, 0, 2*len(req.History)+1)
	for _, turn := range req.History {
		contents = append(contents, genai.NewContentFromText(turn.UserInput, genai.RoleUser))
		if out := turn.Response(); out != "" {
			contents = append(contents, genai.NewContentFromText(out, genai.RoleModel))
		}
	}
	return append(contents, genai.NewContentFromText(req.Input, genai.RoleUser))
}

// geminiEvents extracts text and function calls from one streamed chunk
func geminiEvents(resp *genai.GenerateContentResponse) []repositories.AgentEvent {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	var events []repositories.AgentEvent
	for _, part := range resp.Candidates[0].Content.Parts {
		switch {
		case part == nil:
		case part.FunctionCall != nil:
			events = append(events, repositories.AgentEvent{Type: repositories.AgentEventToolInvoked, Tool: part.FunctionCall.Name})
		case part.Text != "" && !part.Thought:
			events = append(events, repositories.AgentEvent{Type: repositories.AgentEventTextFragment, Text: part.Text})
		}
	}
	return events
}

// GeminiFactory opens one Gemini channel per session over a shared client
type GeminiFactory struct {
	client *genai.Client
	cfg    GeminiConfig
	logger *zap.Logger
}

func NewGeminiFactory(ctx context.Context, cfg GeminiConfig, logger *zap.Logger) (*GeminiFactory, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiFactory{client: client, cfg: cfg, logger: logger}, nil
}

func (f *GeminiFactory) NewAgentChannel(sessionID string) (repositories.AgentChannel, error) {
	logger := f.logger.With(zap.String("sessionID", sessionID), zap.String("agent", "gemini"))
	return &Gemini{client: f.client, cfg: f.cfg, logger: logger, runner: newTurnRunner(logger, nil)}, nil
}
