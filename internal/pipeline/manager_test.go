package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/eljapi/code-talk-reviwer/domain"
	"github.com/eljapi/code-talk-reviwer/domain/entities"
)

func newTestManager(cfg Config, hooks Hooks) *Manager {
	if cfg.Capacity == 0 {
		cfg.Capacity = 4
	}
	if cfg.Degraded == 0 {
		cfg.Degraded = 50 * time.Millisecond
		cfg.Critical = 100 * time.Millisecond
	}
	return New(cfg, hooks, zap.NewNop())
}

func TestEnqueueAssignsMonotonicSequence(t *testing.T) {
	m := newTestManager(Config{Capacity: 8}, Hooks{})

	for i := 1; i <= 3; i++ {
		c, err := m.Enqueue(entities.Inbound, entities.AudioChunk{PCM: []byte{1, 2}})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), c.Seq)
		assert.Equal(t, entities.Inbound, c.Direction)
		assert.False(t, c.EnqueuedAt.IsZero())
	}

	c, err := m.Enqueue(entities.Outbound, entities.AudioChunk{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Seq, "sequences are per direction")
}

func TestOverflowDropsOldestWithoutBlocking(t *testing.T) {
	var overflowed []uint64
	var alerts []entities.AlertState
	m := newTestManager(Config{Capacity: 3}, Hooks{
		OnOverflow: func(c entities.AudioChunk) { overflowed = append(overflowed, c.Seq) },
		OnAlert:    func(s entities.AlertState, _ entities.PipelineMetrics) { alerts = append(alerts, s) },
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			_, err := m.Enqueue(entities.Inbound, entities.AudioChunk{})
			if i >= 3 {
				assert.ErrorIs(t, err, domain.ErrBufferOverflow)
			} else {
				assert.NoError(t, err)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full buffer")
	}

	assert.Equal(t, []uint64{1, 2}, overflowed)
	assert.Equal(t, []entities.AlertState{entities.AlertDegraded}, alerts)

	var seqs []uint64
	for {
		c, ok := m.Dequeue(entities.Inbound)
		if !ok {
			break
		}
		seqs = append(seqs, c.Seq)
	}
	assert.Equal(t, []uint64{3, 4, 5}, seqs, "newest chunks survive")

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.Dropped)
	assert.Equal(t, entities.AlertDegraded, snap.Alert)
}

func TestDrainYieldsInSequenceOrder(t *testing.T) {
	m := newTestManager(Config{Capacity: 1000}, Hooks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const producers, perProducer = 4, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_, _ = m.Enqueue(entities.Inbound, entities.AudioChunk{})
			}
		}()
	}

	var got []uint64
	for c := range m.Drain(ctx, entities.Inbound) {
		got = append(got, c.Seq)
		if len(got) == producers*perProducer {
			break
		}
	}
	wg.Wait()

	for i := 1; i < len(got); i++ {
		require.Greater(t, got[i], got[i-1])
	}
}

func TestDrainStopsOnContextCancel(t *testing.T) {
	m := newTestManager(Config{}, Hooks{})
	ctx, cancel := context.WithCancel(context.Background())

	finished := make(chan struct{})
	go func() {
		for range m.Drain(ctx, entities.Outbound) {
		}
		close(finished)
	}()

	cancel()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("drain did not stop")
	}
}

func TestPurgeTurnOnlyRemovesThatTurn(t *testing.T) {
	m := newTestManager(Config{Capacity: 10}, Hooks{})

	_, _ = m.Enqueue(entities.Outbound, entities.AudioChunk{TurnID: "a", Text: "1"})
	_, _ = m.Enqueue(entities.Outbound, entities.AudioChunk{TurnID: "b", Text: "2"})
	_, _ = m.Enqueue(entities.Outbound, entities.AudioChunk{TurnID: "a", Text: "3"})

	assert.Equal(t, 2, m.PurgeTurn("a"))
	assert.Equal(t, 0, m.PurgeTurn("a"))

	c, ok := m.Dequeue(entities.Outbound)
	require.True(t, ok)
	assert.Equal(t, "b", c.TurnID)
	_, ok = m.Dequeue(entities.Outbound)
	assert.False(t, ok)
	assert.Equal(t, int64(2), m.Snapshot().Purged)
}

func TestRequeueUnackedRespectsStaleness(t *testing.T) {
	m := newTestManager(Config{Capacity: 10}, Hooks{})

	for i := 0; i < 3; i++ {
		_, _ = m.Enqueue(entities.Inbound, entities.AudioChunk{})
	}
	for i := 0; i < 3; i++ {
		_, ok := m.Dequeue(entities.Inbound)
		require.True(t, ok)
	}
	m.Ack(1)
	assert.Equal(t, 2, m.Snapshot().Unacked)

	_, _ = m.Enqueue(entities.Inbound, entities.AudioChunk{})

	requeued, discarded := m.RequeueUnacked(time.Minute)
	assert.Equal(t, 2, requeued)
	assert.Equal(t, 0, discarded)

	var seqs []uint64
	for {
		c, ok := m.Dequeue(entities.Inbound)
		if !ok {
			break
		}
		seqs = append(seqs, c.Seq)
	}
	assert.Equal(t, []uint64{2, 3, 4}, seqs)

	m.AckAll()
	_, _ = m.Enqueue(entities.Inbound, entities.AudioChunk{})
	_, _ = m.Dequeue(entities.Inbound)
	time.Sleep(5 * time.Millisecond)
	requeued, discarded = m.RequeueUnacked(time.Millisecond)
	assert.Equal(t, 0, requeued)
	assert.Equal(t, 1, discarded)
}

func TestUnackedBacklogBeyondCapacityIsCountedAsDropped(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	m := New(Config{Capacity: 2, Degraded: time.Second, Critical: 2 * time.Second}, Hooks{}, zap.New(core))

	for i := 0; i < 3; i++ {
		_, err := m.Enqueue(entities.Inbound, entities.AudioChunk{})
		require.NoError(t, err)
		_, ok := m.Dequeue(entities.Inbound)
		require.True(t, ok)
	}

	snap := m.Snapshot()
	assert.Equal(t, 2, snap.Unacked)
	assert.Equal(t, int64(1), snap.Dropped)
	assert.Equal(t, 1, logs.FilterMessage("Discarded unacknowledged inbound audio").Len())

	requeued, discarded := m.RequeueUnacked(time.Minute)
	assert.Equal(t, 2, requeued)
	assert.Zero(t, discarded)
	c, ok := m.Dequeue(entities.Inbound)
	require.True(t, ok)
	assert.Equal(t, uint64(2), c.Seq)
}

func TestSustainedOverflowShedsLoadUntilDrained(t *testing.T) {
	var shed []bool
	m := newTestManager(Config{Capacity: 4, ShedAfterOverflows: 2}, Hooks{
		OnShed: func(active bool) { shed = append(shed, active) },
	})

	for i := 0; i < 6; i++ {
		_, _ = m.Enqueue(entities.Outbound, entities.AudioChunk{})
	}
	assert.True(t, m.Shedding())

	for i := 0; i < 2; i++ {
		_, _ = m.Dequeue(entities.Outbound)
	}
	assert.False(t, m.Shedding())
	assert.Equal(t, []bool{true, false}, shed)
}

func TestSetOutboundDepthTrimsQueue(t *testing.T) {
	m := newTestManager(Config{Capacity: 8}, Hooks{})
	for i := 0; i < 6; i++ {
		_, _ = m.Enqueue(entities.Outbound, entities.AudioChunk{})
	}

	m.SetOutboundDepth(2)
	assert.Equal(t, 2, m.Snapshot().OutboundOccupancy)
	assert.Equal(t, 2, m.OutboundDepth())

	m.SetOutboundDepth(0)
	assert.Equal(t, 8, m.OutboundDepth())
}

func TestLatencyAlertEscalatesAfterConsecutiveWindows(t *testing.T) {
	var alerts []entities.AlertState
	m := newTestManager(Config{Capacity: 100, WindowSize: 2, AlertWindows: 2,
		Degraded: 10 * time.Millisecond, Critical: 20 * time.Millisecond}, Hooks{
		OnAlert: func(s entities.AlertState, _ entities.PipelineMetrics) { alerts = append(alerts, s) },
	})

	slowWindow := func() {
		for i := 0; i < 2; i++ {
			_, _ = m.Enqueue(entities.Outbound, entities.AudioChunk{})
		}
		time.Sleep(25 * time.Millisecond)
		for i := 0; i < 2; i++ {
			_, _ = m.Dequeue(entities.Outbound)
		}
	}

	slowWindow()
	assert.Empty(t, alerts, "one window is not enough")
	slowWindow()
	assert.Equal(t, []entities.AlertState{entities.AlertDegraded}, alerts)
	slowWindow()
	slowWindow()
	assert.Equal(t, []entities.AlertState{entities.AlertDegraded, entities.AlertCritical}, alerts)

	snap := m.Snapshot()
	assert.GreaterOrEqual(t, snap.P95Latency, 20*time.Millisecond)
	assert.Equal(t, entities.AlertCritical, snap.Alert)
}

func TestResetClearsState(t *testing.T) {
	m := newTestManager(Config{Capacity: 1}, Hooks{})
	_, _ = m.Enqueue(entities.Inbound, entities.AudioChunk{})
	_, _ = m.Enqueue(entities.Inbound, entities.AudioChunk{})
	m.RecordError()

	m.Reset()
	snap := m.Snapshot()
	assert.Zero(t, snap.Dropped)
	assert.Zero(t, snap.Errors)
	assert.Zero(t, snap.InboundOccupancy)
	assert.Equal(t, entities.AlertNominal, snap.Alert)
}
