package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/eljapi/code-talk-reviwer/domain"
	"github.com/eljapi/code-talk-reviwer/internal/metrics"
)

const connectTimeout = 10 * time.Second

var (
	errConnectionClosed = errors.New("audio channel closed")
	errAudioChannel     = errors.New("audio channel reported an error")
)

func (s *session) backoffPolicy() backoff.BackOffContext {
	cfg := s.o.cfg
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectBackoffInitial
	b.MaxInterval = cfg.ReconnectBackoffCap
	b.MaxElapsedTime = 0

	retries := cfg.ReconnectMaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), s.ctx)
}

// connect opens the audio channel, retrying with capped exponential backoff
func (s *session) connect(reconnecting bool) error {
	attempts := 0
	op := func() error {
		if s.ctx.Err() != nil {
			return backoff.Permanent(s.ctx.Err())
		}
		attempts++
		if reconnecting {
			s.mu.Lock()
			s.entity.Stats.ReconnectAttempts++
			s.mu.Unlock()
		}

		ctx, cancel := context.WithTimeout(s.ctx, connectTimeout)
		defer cancel()
		return s.audio.Connect(ctx, s.audioCfg)
	}
	notify := func(err error, wait time.Duration) {
		metrics.Reconnects.WithLabelValues("retry").Inc()
		s.logger.Warn("Audio channel connect failed, retrying",
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(op, s.backoffPolicy(), notify); err != nil {
		return &domain.ConnectivityError{Attempts: attempts, Err: err}
	}
	return nil
}

// reconnect re-establishes a dropped connection. The flow manager keeps its
// state meanwhile; inbound audio the service never acknowledged is re-sent
// when still fresh.
func (s *session) reconnect(cause error) error {
	s.logger.Warn("Audio channel disconnected, reconnecting", zap.Error(cause))
	s.mu.Lock()
	s.entity.Pause()
	s.mu.Unlock()
	s.emit(domain.Event{
		Type: domain.EventSessionError,
		Code: "reconnecting",
		Err:  cause,
	})

	if err := s.connect(true); err != nil {
		metrics.Reconnects.WithLabelValues("failed").Inc()
		return err
	}
	metrics.Reconnects.WithLabelValues("succeeded").Inc()

	requeued, discarded := s.pipe.RequeueUnacked(s.o.cfg.ReconnectStalenessWindow)
	if discarded > 0 {
		s.logger.Warn("Discarded stale inbound audio after reconnect",
			zap.Int("discarded", discarded),
			zap.Duration("staleness", s.o.cfg.ReconnectStalenessWindow))
	}
	s.logger.Info("Audio channel reconnected", zap.Int("resent", requeued))

	s.mu.Lock()
	s.entity.Resume()
	s.mu.Unlock()
	s.markReady()
	return nil
}
