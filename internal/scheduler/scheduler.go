// Package scheduler fires the daily sync cycle.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/salonhub/klaviyo-bridge/common/logging"
	"github.com/salonhub/klaviyo-bridge/internal/models"
)

// Runner runs one daily sync cycle.
type Runner interface {
	RunDailySync(ctx context.Context) (*models.CycleSummary, error)
}

// Config configures the daily trigger.
type Config struct {
	// Hour of day (0-23) in Location at which the cycle fires.
	Hour     int
	Location *time.Location
}

// Daily fires Runner once a day at the configured local hour.
type Daily struct {
	mu       sync.Mutex
	runner   Runner
	cfg      Config
	logger   *logging.Logger
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// NewDaily creates a stopped scheduler.
func NewDaily(runner Runner, cfg Config, logger *logging.Logger) *Daily {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Daily{
		runner: runner,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		after:  time.After,
	}
}

// NextRun returns the first occurrence of hour:00 in loc strictly after now.
// Around DST transitions time.Date normalizes a missing hour forward.
func NextRun(now time.Time, hour int, loc *time.Location) time.Time {
	t := now.In(loc)
	y, m, d := t.Date()
	next := time.Date(y, m, d, hour, 0, 0, 0, loc)
	if !next.After(t) {
		next = time.Date(y, m, d+1, hour, 0, 0, 0, loc)
	}
	return next
}

// Start begins the scheduling loop.
func (s *Daily) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("daily sync scheduler starting",
		"hour", s.cfg.Hour,
		"timezone", s.cfg.Location.String(),
		"next_run", NextRun(s.now(), s.cfg.Hour, s.cfg.Location).Format(time.RFC3339),
	)

	s.wg.Add(1)
	go s.run(ctx, s.stopChan)

	return nil
}

// Stop stops the loop and waits for an in-progress cycle to return.
func (s *Daily) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not running")
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("daily sync scheduler stopped")
	return nil
}

func (s *Daily) run(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	// cycles observe Stop through this context
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	for {
		wait := NextRun(s.now(), s.cfg.Hour, s.cfg.Location).Sub(s.now())
		select {
		case <-runCtx.Done():
			return
		case <-s.after(wait):
			s.fire(runCtx)
		}
	}
}

func (s *Daily) fire(ctx context.Context) {
	summary, err := s.runner.RunDailySync(ctx)
	switch {
	case err != nil && summary == nil:
		// rejected or queued by the guard; the running cycle covers this day
		s.logger.WarnContext(ctx, "scheduled sync did not start", logging.Error(err))
	case err != nil:
		s.logger.ErrorContext(ctx, "scheduled sync failed", logging.CycleID(summary.CycleID), logging.Error(err))
	}
}
