package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/bramble/pkg/correlation"
)

// Scheduler drives periodic sampling: a fetch cycle over every adapter,
// followed by a correlation pass when one is configured.
type Scheduler struct {
	coordinator *Coordinator
	correlator  *correlation.Service
	interval    time.Duration
	logger      ectologger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewScheduler(coordinator *Coordinator, correlator *correlation.Service, interval time.Duration, logger ectologger.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		coordinator: coordinator,
		correlator:  correlator,
		interval:    interval,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the sampling loop. The first sample runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.sample(ctx)
		for {
			select {
			case <-ticker.C:
				s.sample(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sample to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) sample(ctx context.Context) {
	start := time.Now()
	stats := s.coordinator.RunAll(ctx)

	if s.correlator != nil {
		if _, err := s.correlator.RunPass(ctx); err != nil {
			s.logger.WithContext(ctx).WithError(err).Error("Correlation pass failed")
		}
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"adapters":    len(stats),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Sample finished")
}
