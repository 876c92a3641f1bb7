// Package pipeline buffers audio between the speech service, the caller and
// the agent, and accounts for how long chunks wait in between.
package pipeline

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eljapi/code-talk-reviwer/domain"
	"github.com/eljapi/code-talk-reviwer/domain/entities"
	"github.com/eljapi/code-talk-reviwer/internal/metrics"
)

// Config bounds one session's pipeline
type Config struct {
	Capacity           int
	WindowSize         int
	AlertWindows       int
	Degraded           time.Duration
	Critical           time.Duration
	ShedAfterOverflows int
}

// Hooks are invoked outside the manager lock, in the order the
// conditions were detected.
type Hooks struct {
	OnAlert    func(state entities.AlertState, snapshot entities.PipelineMetrics)
	OnOverflow func(dropped entities.AudioChunk)
	OnShed     func(active bool)
}

// Manager owns the bounded inbound and outbound queues of a session
type Manager struct {
	cfg    Config
	hooks  Hooks
	logger *zap.Logger

	mu             sync.Mutex
	inbound        *ring
	outbound       *ring
	unacked        []entities.AudioChunk
	seq            map[entities.Direction]uint64
	outboundDepth  int
	latency        *latencyWindow
	alert          *alertTracker
	dropped        int64
	purged         int64
	errors         int64
	overflowStreak int
	shedding       bool
	notify         map[entities.Direction]chan struct{}
}

// New creates a pipeline manager
func New(cfg Config, hooks Hooks, logger *zap.Logger) *Manager {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.AlertWindows <= 0 {
		cfg.AlertWindows = 1
	}
	return &Manager{
		cfg:           cfg,
		hooks:         hooks,
		logger:        logger,
		inbound:       newRing(cfg.Capacity),
		outbound:      newRing(cfg.Capacity),
		seq:           map[entities.Direction]uint64{},
		outboundDepth: cfg.Capacity,
		latency:       newLatencyWindow(cfg.WindowSize),
		alert:         newAlertTracker(cfg.AlertWindows, cfg.Degraded, cfg.Critical),
		notify: map[entities.Direction]chan struct{}{
			entities.Inbound:  make(chan struct{}, 1),
			entities.Outbound: make(chan struct{}, 1),
		},
	}
}

func (m *Manager) queueLocked(dir entities.Direction) *ring {
	if dir == entities.Inbound {
		return m.inbound
	}
	return m.outbound
}

func (m *Manager) capacityLocked(dir entities.Direction) int {
	if dir == entities.Outbound {
		return m.outboundDepth
	}
	return m.cfg.Capacity
}

// Enqueue appends a chunk, stamping its sequence number and enqueue time.
// It never blocks: when the queue is full the oldest chunk is dropped and
// ErrBufferOverflow is returned alongside the accepted chunk.
func (m *Manager) Enqueue(dir entities.Direction, chunk entities.AudioChunk) (entities.AudioChunk, error) {
	var fire []func()
	var err error

	m.mu.Lock()
	m.seq[dir]++
	chunk.Direction = dir
	chunk.Seq = m.seq[dir]
	chunk.EnqueuedAt = time.Now()
	chunk.DequeuedAt = time.Time{}

	q := m.queueLocked(dir)
	for q.len() >= m.capacityLocked(dir) {
		oldest, _ := q.pop()
		m.dropped++
		m.overflowStreak++
		metrics.ChunksDropped.WithLabelValues(string(dir)).Inc()
		err = fmt.Errorf("%s queue full, dropped seq %d: %w", dir, oldest.Seq, domain.ErrBufferOverflow)
		if m.hooks.OnOverflow != nil {
			fire = append(fire, func() { m.hooks.OnOverflow(oldest) })
		}
	}
	q.push(chunk)

	if err != nil {
		if state, changed := m.alert.forceDegraded(); changed {
			fire = append(fire, m.alertHookLocked(state))
		}
		if !m.shedding && m.cfg.ShedAfterOverflows > 0 && m.overflowStreak >= m.cfg.ShedAfterOverflows {
			m.shedding = true
			m.logger.Warn("Sustained overflow, shedding load", zap.Int("overflows", m.overflowStreak))
			if m.hooks.OnShed != nil {
				fire = append(fire, func() { m.hooks.OnShed(true) })
			}
		}
	}
	m.mu.Unlock()

	m.signal(dir)
	for _, f := range fire {
		f()
	}
	return chunk, err
}

// Dequeue pops the next chunk without blocking. Inbound chunks stay tracked
// as unacknowledged until Ack covers them.
func (m *Manager) Dequeue(dir entities.Direction) (entities.AudioChunk, bool) {
	var fire []func()

	m.mu.Lock()
	q := m.queueLocked(dir)
	chunk, ok := q.pop()
	if !ok {
		m.mu.Unlock()
		return chunk, false
	}

	now := time.Now()
	chunk.DequeuedAt = now
	lat := chunk.Latency()
	metrics.QueueLatency.WithLabelValues(string(dir)).Observe(lat.Seconds())

	if dir == entities.Inbound {
		m.unacked = append(m.unacked, chunk)
		if over := len(m.unacked) - m.cfg.Capacity; over > 0 {
			m.dropped += int64(over)
			metrics.ChunksDropped.WithLabelValues(string(entities.Inbound)).Add(float64(over))
			m.logger.Warn("Discarded unacknowledged inbound audio",
				zap.Int("discarded", over),
				zap.Uint64("oldestKeptSeq", m.unacked[over].Seq))
			m.unacked = m.unacked[over:]
		}
	}

	if q.len() <= m.capacityLocked(dir)/2 {
		m.overflowStreak = 0
		if m.shedding {
			m.shedding = false
			m.logger.Info("Pipeline drained, load shedding lifted")
			if m.hooks.OnShed != nil {
				fire = append(fire, func() { m.hooks.OnShed(false) })
			}
		}
	}

	if m.latency.add(lat, now) {
		if state, changed := m.alert.observe(m.latency.percentile(0.95)); changed {
			fire = append(fire, m.alertHookLocked(state))
		}
	}
	m.mu.Unlock()

	for _, f := range fire {
		f()
	}
	return chunk, true
}

// Drain yields chunks of one direction in order, suspending the consumer
// while the queue is empty. It stops when ctx is done or the consumer
// breaks out of the loop.
func (m *Manager) Drain(ctx context.Context, dir entities.Direction) iter.Seq[entities.AudioChunk] {
	return func(yield func(entities.AudioChunk) bool) {
		for {
			if chunk, ok := m.Dequeue(dir); ok {
				if !yield(chunk) {
					return
				}
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-m.notify[dir]:
			}
		}
	}
}

// Ack marks inbound chunks up to and including seq as received by the
// speech service.
func (m *Manager) Ack(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := 0
	for i < len(m.unacked) && m.unacked[i].Seq <= seq {
		i++
	}
	m.unacked = m.unacked[i:]
}

// AckAll acknowledges every chunk handed to the speech service so far
func (m *Manager) AckAll() {
	m.mu.Lock()
	m.unacked = nil
	m.mu.Unlock()
}

// RequeueUnacked puts unacknowledged inbound chunks younger than staleness
// back at the head of the inbound queue, in their original order, and
// discards older ones.
func (m *Manager) RequeueUnacked(staleness time.Duration) (requeued, discarded int) {
	m.mu.Lock()
	pending := m.unacked
	m.unacked = nil
	cutoff := time.Now().Add(-staleness)
	for i := len(pending) - 1; i >= 0; i-- {
		c := pending[i]
		if c.EnqueuedAt.Before(cutoff) {
			discarded++
			continue
		}
		c.DequeuedAt = time.Time{}
		m.inbound.pushFront(c)
		requeued++
	}
	for m.inbound.len() > m.cfg.Capacity {
		m.inbound.pop()
		m.dropped++
	}
	m.mu.Unlock()

	if requeued > 0 {
		m.signal(entities.Inbound)
	}
	return requeued, discarded
}

// PurgeTurn drops every queued outbound chunk belonging to turnID
func (m *Manager) PurgeTurn(turnID string) int {
	m.mu.Lock()
	n := m.outbound.filter(func(c entities.AudioChunk) bool { return c.TurnID != turnID })
	m.purged += int64(n)
	m.mu.Unlock()

	if n > 0 {
		metrics.ChunksPurged.Add(float64(n))
	}
	return n
}

// Flush discards everything queued in one direction
func (m *Manager) Flush(dir entities.Direction) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queueLocked(dir)
	n := q.len()
	q.reset()
	if dir == entities.Inbound {
		m.unacked = nil
	}
	return n
}

// SetOutboundDepth lowers (or restores) the effective outbound capacity.
// Excess queued chunks are dropped oldest first.
func (m *Manager) SetOutboundDepth(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > m.cfg.Capacity {
		n = m.cfg.Capacity
	}
	m.outboundDepth = n
	for m.outbound.len() > n {
		m.outbound.pop()
		m.dropped++
	}
}

// OutboundDepth returns the current effective outbound capacity
func (m *Manager) OutboundDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outboundDepth
}

// RecordError counts a channel error against the session's metrics
func (m *Manager) RecordError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}

// Shedding reports whether the manager asked for load shedding
func (m *Manager) Shedding() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shedding
}

// Snapshot returns the current metrics
func (m *Manager) Snapshot() entities.PipelineMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() entities.PipelineMetrics {
	return entities.PipelineMetrics{
		AvgLatency:        m.latency.mean(),
		P50Latency:        m.latency.percentile(0.5),
		P95Latency:        m.latency.percentile(0.95),
		InboundOccupancy:  m.inbound.len(),
		OutboundOccupancy: m.outbound.len(),
		Unacked:           len(m.unacked),
		Dropped:           m.dropped,
		Purged:            m.purged,
		Throughput:        m.latency.throughput(),
		Errors:            m.errors,
		Alert:             m.alert.state,
		Shedding:          m.shedding,
	}
}

// Reset clears queues and counters, used on session end
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound.reset()
	m.outbound.reset()
	m.unacked = nil
	m.latency.reset()
	m.alert.reset()
	m.dropped, m.purged, m.errors = 0, 0, 0
	m.overflowStreak = 0
	m.shedding = false
	m.outboundDepth = m.cfg.Capacity
}

func (m *Manager) alertHookLocked(state entities.AlertState) func() {
	metrics.AlertTransitions.WithLabelValues(string(state)).Inc()
	snap := m.snapshotLocked()
	m.logger.Info("Pipeline alert state changed",
		zap.String("state", string(state)),
		zap.Duration("p95", snap.P95Latency))
	return func() {
		if m.hooks.OnAlert != nil {
			m.hooks.OnAlert(state, snap)
		}
	}
}

func (m *Manager) signal(dir entities.Direction) {
	select {
	case m.notify[dir] <- struct{}{}:
	default:
	}
}
