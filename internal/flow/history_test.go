package flow

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/eljapi/code-talk-reviwer/domain/entities"
)

func finishedTurn(input, output string, outcome entities.TurnOutcome) entities.Turn {
	t := entities.NewTurn("s", 1, input)
	t.AppendOutput(output)
	t.Finish(outcome)
	return *t
}

func TestHistoryDropPolicy(t *testing.T) {
	h := newHistory(2, EvictDrop, nil)
	h.add(finishedTurn("a", "1", entities.TurnCompleted))
	h.add(finishedTurn("b", "2", entities.TurnCompleted))
	h.add(finishedTurn("c", "3", entities.TurnCompleted))

	turns, summary := h.window(5)
	assert.Len(t, turns, 2)
	assert.Equal(t, "b", turns[0].UserInput)
	assert.Empty(t, summary)
	assert.Equal(t, 1, h.evicted)
}

func TestHistorySummarizePolicy(t *testing.T) {
	h := newHistory(2, EvictSummarize, nil)
	h.add(finishedTurn("a", "1", entities.TurnCompleted))
	h.add(finishedTurn("b", "2", entities.TurnInterrupted))
	h.add(finishedTurn("c", "3", entities.TurnCompleted))

	turns, summary := h.window(1)
	assert.Len(t, turns, 1)
	assert.Equal(t, "c", turns[0].UserInput)
	assert.Equal(t, "User: a | Assistant: 1\nUser: b | Assistant: 2 (interrupted)", summary)
}

func TestAppendSummaryIsBounded(t *testing.T) {
	summary := ""
	long := strings.Repeat("x", 500)
	for i := 0; i < 20; i++ {
		summary = AppendSummary(summary, finishedTurn(long, long, entities.TurnCompleted))
	}
	assert.LessOrEqual(t, len(summary), maxSummaryChars)
}

func TestHistoryCustomSummarizer(t *testing.T) {
	h := newHistory(1, EvictSummarize, func(s string, t entities.Turn) string { return s + t.UserInput })
	h.add(finishedTurn("a", "", entities.TurnCompleted))
	h.add(finishedTurn("b", "", entities.TurnCompleted))
	h.add(finishedTurn("c", "", entities.TurnCompleted))

	_, summary := h.window(1)
	assert.Equal(t, "ab", summary)
}

func TestAppendSummaryKeepsRunesWhole(t *testing.T) {
	input := strings.Repeat("é", 1200) + "z"
	summary := AppendSummary("", finishedTurn(input, "", entities.TurnCompleted))

	assert.LessOrEqual(t, len(summary), maxSummaryChars)
	assert.True(t, utf8.ValidString(summary))
	assert.True(t, strings.HasSuffix(summary, "éz"))
}
