package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CleanupService periodically ends sessions that outlived the maximum
// session duration
type CleanupService struct {
	orchestrator *Orchestrator
	interval     time.Duration
	logger       *zap.Logger
	stopChan     chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// NewCleanupService creates a new session cleanup service
func NewCleanupService(o *Orchestrator, interval time.Duration, logger *zap.Logger) *CleanupService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &CleanupService{
		orchestrator: o,
		interval:     interval,
		logger:       logger,
		stopChan:     make(chan struct{}),
	}
}

// Start begins the background cleanup process
func (s *CleanupService) Start() {
	s.wg.Add(1)
	go s.cleanupLoop()
	s.logger.Info("Session cleanup service started", zap.Duration("interval", s.interval))
}

// Stop gracefully stops the cleanup service
func (s *CleanupService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		s.logger.Info("Session cleanup service stopped")
	})
}

func (s *CleanupService) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

func (s *CleanupService) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if n := s.orchestrator.Sweep(ctx); n > 0 {
		s.logger.Info("Session cleanup ended expired sessions", zap.Int("ended", n))
	}
}
