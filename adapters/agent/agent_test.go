package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/eljapi/code-talk-reviwer/domain/entities"
	"github.com/eljapi/code-talk-reviwer/domain/repositories"
)

func collectTurn(t *testing.T, turn repositories.AgentTurn) []repositories.AgentEvent {
	t.Helper()
	var out []repositories.AgentEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-turn.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("turn never finished")
		}
	}
}

func TestTurnRunnerCompletesTurn(t *testing.T) {
	r := newTurnRunner(zap.NewNop(), nil)
	defer r.close()

	turn, err := r.start("s_1", func(ctx context.Context, emit func(repositories.AgentEvent) bool) error {
		emit(repositories.AgentEvent{Type: repositories.AgentEventTextFragment, Text: "a"})
		emit(repositories.AgentEvent{Type: repositories.AgentEventTextFragment, Text: "b"})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "s_1", turn.ID())

	events := collectTurn(t, turn)
	require.Len(t, events, 3)
	assert.Equal(t, "a", events[0].Text)
	assert.Equal(t, "b", events[1].Text)
	assert.Equal(t, repositories.AgentEventTurnComplete, events[2].Type)
}

func TestTurnRunnerReportsFailures(t *testing.T) {
	boom := errors.New("quota exceeded")
	r := newTurnRunner(zap.NewNop(), func(err error) bool { return errors.Is(err, boom) })
	defer r.close()

	turn, err := r.start("s_1", func(ctx context.Context, emit func(repositories.AgentEvent) bool) error {
		return boom
	})
	require.NoError(t, err)

	events := collectTurn(t, turn)
	require.Len(t, events, 1)
	assert.Equal(t, repositories.AgentEventError, events[0].Type)
	assert.ErrorIs(t, events[0].Err, boom)
	assert.True(t, events[0].Fatal)
}

func TestTurnRunnerCancelWaitsForProducer(t *testing.T) {
	r := newTurnRunner(zap.NewNop(), nil)
	defer r.close()

	stopped := make(chan struct{})
	turn, err := r.start("s_1", func(ctx context.Context, emit func(repositories.AgentEvent) bool) error {
		emit(repositories.AgentEvent{Type: repositories.AgentEventTextFragment, Text: "partial"})
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.cancelTurn(ctx, "s_1"))

	select {
	case <-stopped:
	default:
		t.Fatal("cancel returned before the producer stopped")
	}

	// no completion or error after cancellation
	events := collectTurn(t, turn)
	for _, ev := range events {
		assert.Equal(t, repositories.AgentEventTextFragment, ev.Type)
	}

	// idempotent, including for unknown turns
	assert.NoError(t, r.cancelTurn(ctx, "s_1"))
	assert.NoError(t, r.cancelTurn(ctx, "s_9"))
}

func TestTurnRunnerCancelHonorsDeadline(t *testing.T) {
	r := newTurnRunner(zap.NewNop(), nil)
	release := make(chan struct{})
	defer func() {
		close(release)
		r.close()
	}()

	_, err := r.start("s_1", func(ctx context.Context, emit func(repositories.AgentEvent) bool) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.cancelTurn(ctx, "s_1"), context.DeadlineExceeded)
}

func TestTurnRunnerRejectsAfterClose(t *testing.T) {
	r := newTurnRunner(zap.NewNop(), nil)

	_, err := r.start("s_1", func(ctx context.Context, emit func(repositories.AgentEvent) bool) error {
		<-ctx.Done()
		return nil
	})
	require.NoError(t, err)

	_, err = r.start("s_1", func(ctx context.Context, emit func(repositories.AgentEvent) bool) error { return nil })
	assert.Error(t, err, "duplicate turn id")

	r.close()
	r.close()

	_, err = r.start("s_2", func(ctx context.Context, emit func(repositories.AgentEvent) bool) error { return nil })
	assert.ErrorIs(t, err, errChannelClosed)
}

func TestMockAgentStreamsReply(t *testing.T) {
	ch, err := NewMockFactory(0, zap.NewNop()).NewAgentChannel("s")
	require.NoError(t, err)
	defer ch.Close()

	turn, err := ch.SubmitTurn(context.Background(), repositories.TurnRequest{TurnID: "s_1", Input: "check the lock"})
	require.NoError(t, err)

	var text strings.Builder
	events := collectTurn(t, turn)
	for _, ev := range events[:len(events)-1] {
		text.WriteString(ev.Text)
	}
	assert.Equal(t, MockReply("check the lock"), text.String())
	assert.Equal(t, repositories.AgentEventTurnComplete, events[len(events)-1].Type)
}

func TestMockAgentCancel(t *testing.T) {
	ch, err := NewMockFactory(time.Hour, zap.NewNop()).NewAgentChannel("s")
	require.NoError(t, err)
	defer ch.Close()

	turn, err := ch.SubmitTurn(context.Background(), repositories.TurnRequest{TurnID: "s_1", Input: "hello"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ch.Cancel(ctx, "s_1"))
	assert.Empty(t, collectTurn(t, turn))
}

func history() []entities.Turn {
	return []entities.Turn{
		{ID: "s_1", Index: 1, UserInput: "first", AgentOutput: []string{"answer ", "one"}, Outcome: entities.TurnCompleted},
		{ID: "s_2", Index: 2, UserInput: "second", Outcome: entities.TurnFailed},
		{ID: "s_3", Index: 3, UserInput: "third", AgentOutput: []string{"cut"}, Outcome: entities.TurnInterrupted},
	}
}

func TestAnthropicMessagesAlternate(t *testing.T) {
	msgs := anthropicMessages(repositories.TurnRequest{History: history(), Input: "fourth"})
	require.Len(t, msgs, 5)

	roles := make([]anthropic.MessageParamRole, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	assert.Equal(t, []anthropic.MessageParamRole{
		anthropic.MessageParamRoleUser, anthropic.MessageParamRoleAssistant,
		anthropic.MessageParamRoleUser, anthropic.MessageParamRoleAssistant,
		anthropic.MessageParamRoleUser,
	}, roles)
	assert.Equal(t, "second\nthird", msgs[2].Content[0].OfText.Text)
	assert.Equal(t, "fourth", msgs[4].Content[0].OfText.Text)
}

func TestGeminiContents(t *testing.T) {
	contents := geminiContents(repositories.TurnRequest{History: history(), Input: "fourth"})
	require.Len(t, contents, 6)
	assert.Equal(t, "model", contents[1].Role)
	assert.Equal(t, "answer one", contents[1].Parts[0].Text)
	assert.Equal(t, "fourth", contents[5].Parts[0].Text)
}

func TestGeminiEvents(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "pondering", Thought: true},
				{Text: "Looks "},
				{FunctionCall: &genai.FunctionCall{Name: "read_file"}},
			}},
		}},
	}

	events := geminiEvents(resp)
	require.Len(t, events, 2)
	assert.Equal(t, repositories.AgentEvent{Type: repositories.AgentEventTextFragment, Text: "Looks "}, events[0])
	assert.Equal(t, repositories.AgentEvent{Type: repositories.AgentEventToolInvoked, Tool: "read_file"}, events[1])

	assert.Empty(t, geminiEvents(&genai.GenerateContentResponse{}))
	assert.Empty(t, geminiEvents(nil))
}

func TestTranscriptAndSystemPrompt(t *testing.T) {
	req := repositories.TurnRequest{Summary: "User asked about tests.", History: history()[:1], Input: "and now?"}

	assert.Equal(t,
		"Summary of the earlier conversation:\nUser asked about tests.\n\nUser: first\nAssistant: answer one\nUser: and now?",
		transcript(req))
	assert.Equal(t, "base\n\nSummary of the earlier conversation:\nUser asked about tests.", systemPrompt("base", req))
	assert.Equal(t, "base", systemPrompt("base", repositories.TurnRequest{}))
}

func TestFatalClassification(t *testing.T) {
	assert.True(t, anthropicFatal(&anthropic.Error{StatusCode: 401}))
	assert.False(t, anthropicFatal(&anthropic.Error{StatusCode: 529}))
	assert.False(t, anthropicFatal(errors.New("timeout")))

	assert.True(t, openAIFatal(&openai.Error{StatusCode: 403}))
	assert.False(t, openAIFatal(&openai.Error{StatusCode: 500}))
}

func TestFactoriesRequireKeys(t *testing.T) {
	_, err := NewAnthropicFactory(AnthropicConfig{}, zap.NewNop())
	assert.Error(t, err)
	_, err = NewOpenAIFactory(OpenAIConfig{}, zap.NewNop())
	assert.Error(t, err)
	_, err = NewGeminiFactory(context.Background(), GeminiConfig{}, zap.NewNop())
	assert.Error(t, err)
}
