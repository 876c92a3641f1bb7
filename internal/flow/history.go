package flow

import (
	"strings"
	"unicode/utf8"

	"github.com/eljapi/code-talk-reviwer/domain/entities"
)

// EvictionPolicy decides what happens to turns that fall out of the history
type EvictionPolicy string

const (
	EvictDrop      EvictionPolicy = "drop"
	EvictSummarize EvictionPolicy = "summarize"
)

const maxSummaryChars = 2000

// Summarizer folds an evicted turn into the running summary
type Summarizer func(summary string, turn entities.Turn) string

// history is a fixed-capacity FIFO of finished turns
type history struct {
	capacity  int
	policy    EvictionPolicy
	summarize Summarizer
	turns     []entities.Turn
	summary   string
	evicted   int
}

func newHistory(capacity int, policy EvictionPolicy, s Summarizer) *history {
	if capacity <= 0 {
		capacity = 1
	}
	if s == nil {
		s = AppendSummary
	}
	return &history{
		capacity:  capacity,
		policy:    policy,
		summarize: s,
		turns:     make([]entities.Turn, 0, capacity),
	}
}

func (h *history) add(t entities.Turn) {
	h.turns = append(h.turns, t)
	for len(h.turns) > h.capacity {
		oldest := h.turns[0]
		h.turns = h.turns[1:]
		h.evicted++
		if h.policy == EvictSummarize {
			h.summary = h.summarize(h.summary, oldest)
		}
	}
}

// window returns the last n turns and, under the summarize policy, a summary
// covering everything older than them.
func (h *history) window(n int) ([]entities.Turn, string) {
	if n > len(h.turns) {
		n = len(h.turns)
	}
	start := len(h.turns) - n
	out := make([]entities.Turn, 0, n)
	for _, t := range h.turns[start:] {
		out = append(out, t.Clone())
	}

	if h.policy != EvictSummarize {
		return out, ""
	}
	summary := h.summary
	for _, t := range h.turns[:start] {
		summary = h.summarize(summary, t)
	}
	return out, summary
}

func (h *history) all() []entities.Turn {
	out := make([]entities.Turn, 0, len(h.turns))
	for _, t := range h.turns {
		out = append(out, t.Clone())
	}
	return out
}

func (h *history) len() int { return len(h.turns) }

// AppendSummary is the default summarizer: one line per exchange, keeping
// the most recent text when the summary grows past its bound.
func AppendSummary(summary string, turn entities.Turn) string {
	var b strings.Builder
	b.WriteString(summary)
	if summary != "" {
		b.WriteString("\n")
	}
	b.WriteString("User: ")
	b.WriteString(strings.TrimSpace(turn.UserInput))
	if resp := strings.TrimSpace(turn.Response()); resp != "" {
		b.WriteString(" | Assistant: ")
		b.WriteString(resp)
	}
	if turn.Outcome == entities.TurnInterrupted {
		b.WriteString(" (interrupted)")
	}

	out := b.String()
	if len(out) > maxSummaryChars {
		cut := len(out) - maxSummaryChars
		for cut < len(out) && !utf8.RuneStart(out[cut]) {
			cut++
		}
		out = out[cut:]
	}
	return out
}
