// Package service runs the daily sync cycle: fetch the buffered events,
// aggregate them per customer and push one update per customer to the
// marketing API.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/salonhub/klaviyo-bridge/common/logging"
	"github.com/salonhub/klaviyo-bridge/common/messaging"
	"github.com/salonhub/klaviyo-bridge/internal/aggregator"
	"github.com/salonhub/klaviyo-bridge/internal/dlq"
	"github.com/salonhub/klaviyo-bridge/internal/guard"
	"github.com/salonhub/klaviyo-bridge/internal/klaviyo"
	"github.com/salonhub/klaviyo-bridge/internal/metrics"
	"github.com/salonhub/klaviyo-bridge/internal/models"
	"github.com/salonhub/klaviyo-bridge/internal/repository"
)

// Triggers recorded in cycle summaries and metrics.
const (
	TriggerSchedule = "schedule"
	TriggerAdmin    = "admin"
	TriggerCLI      = "cli"
	TriggerManual   = "manual"
	// TriggerQueued marks the follow-up cycle run for collapsed triggers.
	TriggerQueued = "queued"
)

// Dispatcher pushes one aggregated record to the remote API.
type Dispatcher interface {
	Dispatch(ctx context.Context, record *models.AggregatedRecord, mode models.SyncMode) (*klaviyo.DispatchResult, error)
}

// Config tunes the orchestrator.
type Config struct {
	Mode     models.SyncMode
	Location *time.Location
	// Concurrency bounds the number of groups dispatched at once.
	Concurrency int
	// SoftDeadline defers groups not yet started this long after the cycle began.
	// Zero disables it.
	SoftDeadline time.Duration
}

// SyncService is the sync orchestrator.
type SyncService struct {
	store      repository.EventStore
	dispatcher Dispatcher
	guard      *guard.Guard
	dlq        dlq.Writer
	publisher  messaging.Publisher
	logger     *logging.Logger
	cfg        Config
	now        func() time.Time

	mu    sync.RWMutex
	state models.CycleState
	last  *models.CycleSummary
}

// NewSyncService wires the orchestrator. dlqWriter and publisher may be nil.
func NewSyncService(
	store repository.EventStore,
	dispatcher Dispatcher,
	g *guard.Guard,
	dlqWriter dlq.Writer,
	publisher messaging.Publisher,
	logger *logging.Logger,
	cfg Config,
) *SyncService {
	if dlqWriter == nil {
		dlqWriter = dlq.NoOp{}
	}
	if publisher == nil {
		publisher = messaging.NopPublisher{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	if g == nil {
		g = guard.New(guard.ModeReject, nil, logger)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Mode == "" {
		cfg.Mode = models.ModeSimple
	}

	return &SyncService{
		store:      store,
		dispatcher: dispatcher,
		guard:      g,
		dlq:        dlqWriter,
		publisher:  publisher,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
		state:      models.CycleIdle,
	}
}

// Cutoff returns the start of now's calendar day in loc. Events received
// before it belong to a completed day.
func Cutoff(now time.Time, loc *time.Location) time.Time {
	t := now.In(loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// Mode returns the configured sync mode.
func (s *SyncService) Mode() models.SyncMode {
	return s.cfg.Mode
}

// State returns where the current cycle is, or Idle.
func (s *SyncService) State() models.CycleState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastSummary returns a copy of the most recent cycle summary, or nil before
// the first cycle.
func (s *SyncService) LastSummary() *models.CycleSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil
	}
	cp := *s.last
	return &cp
}

// RunDailySync runs a cycle over everything received before today.
func (s *SyncService) RunDailySync(ctx context.Context) (*models.CycleSummary, error) {
	return s.Trigger(ctx, TriggerSchedule)
}

// Trigger runs a cycle with today's cutoff, recording trigger in the summary.
func (s *SyncService) Trigger(ctx context.Context, trigger string) (*models.CycleSummary, error) {
	return s.run(ctx, trigger, func() time.Time { return Cutoff(s.now(), s.cfg.Location) })
}

// RunSync runs a cycle over everything received before cutoff.
func (s *SyncService) RunSync(ctx context.Context, cutoff time.Time) (*models.CycleSummary, error) {
	return s.run(ctx, TriggerManual, func() time.Time { return cutoff })
}

// run holds the guard for one cycle plus any follow-up cycles collapsed into
// it, and returns the summary of the first.
func (s *SyncService) run(ctx context.Context, trigger string, cutoff func() time.Time) (*models.CycleSummary, error) {
	if err := s.guard.Begin(ctx); err != nil {
		if errors.Is(err, guard.ErrQueued) {
			s.logger.InfoContext(ctx, "sync cycle queued behind running cycle", "trigger", trigger)
		} else if models.IsGuardRejected(err) {
			s.logger.WarnContext(ctx, "sync cycle rejected", "trigger", trigger, logging.Error(err))
		}
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			s.setState(models.CycleIdle)
			metrics.SyncInFlight.Set(0)
			s.guard.Reset(ctx)
			panic(r)
		}
	}()

	var (
		first    *models.CycleSummary
		firstErr error
	)
	for i := 0; ; i++ {
		summary, err := s.cycle(ctx, trigger, cutoff())
		if i == 0 {
			first, firstErr = summary, err
		}
		if !s.guard.End(ctx) {
			break
		}
		trigger = TriggerQueued
	}
	return first, firstErr
}

func (s *SyncService) cycle(ctx context.Context, trigger string, cutoff time.Time) (*models.CycleSummary, error) {
	cycleID := newCycleID()
	ctx = logging.WithCycleID(ctx, cycleID)

	summary := &models.CycleSummary{
		CycleID:   cycleID,
		Trigger:   trigger,
		Mode:      s.cfg.Mode,
		Cutoff:    cutoff,
		StartedAt: s.now(),
	}

	metrics.SyncInFlight.Set(1)
	s.logger.InfoContext(ctx, "sync cycle started",
		"trigger", trigger,
		"cutoff", cutoff.Format(time.RFC3339),
		"mode", string(s.cfg.Mode),
	)

	err := s.execute(ctx, summary)
	s.finish(ctx, summary, err)
	return summary, err
}

func (s *SyncService) execute(ctx context.Context, summary *models.CycleSummary) error {
	s.setState(models.CycleFetching)
	events, err := s.store.FetchUnprocessed(ctx, summary.Cutoff)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("fetch").Inc()
		return fmt.Errorf("fetch unprocessed events: %w", err)
	}
	summary.EventsFound = len(events)
	if len(events) == 0 {
		return nil
	}

	s.setState(models.CycleAggregating)
	records := aggregator.Aggregate(events)
	summary.Groups = len(records)

	s.setState(models.CycleDispatching)
	results := s.dispatchAll(ctx, summary, records)

	for i, r := range results {
		metrics.SyncGroups.WithLabelValues(string(r.outcome)).Inc()
		switch r.outcome {
		case models.OutcomeProcessed:
			summary.Processed++
			continue
		case models.OutcomeSkipped:
			summary.Skipped++
		case models.OutcomePermanent:
			summary.Failed++
			summary.Permanent++
		case models.OutcomeTransient:
			summary.Failed++
			summary.Transient++
		case models.OutcomeStorage:
			summary.Failed++
		}
		summary.Failures = append(summary.Failures, models.GroupFailure{
			Email:    logging.MaskEmail(records[i].Email),
			Outcome:  r.outcome,
			Events:   records[i].EventCount(),
			Error:    r.errString(),
			Attempts: r.attempts,
		})
	}
	return nil
}

type groupResult struct {
	outcome  models.GroupOutcome
	attempts int
	err      error
}

func (r groupResult) errString() string {
	if r.err == nil {
		return ""
	}
	return r.err.Error()
}

// dispatchAll sends every record through a bounded pool. Records not yet
// started when the soft deadline passes, or when ctx ends, are skipped.
func (s *SyncService) dispatchAll(ctx context.Context, summary *models.CycleSummary, records []models.AggregatedRecord) []groupResult {
	results := make([]groupResult, len(records))
	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup

	var deadline time.Time
	if s.cfg.SoftDeadline > 0 {
		deadline = summary.StartedAt.Add(s.cfg.SoftDeadline)
	}

	skipFrom := func(i int, why error) {
		for j := i; j < len(records); j++ {
			results[j] = groupResult{outcome: models.OutcomeSkipped, err: why}
		}
		s.logger.WarnContext(ctx, "deferring remaining groups to next cycle",
			"deferred", len(records)-i,
			logging.Error(why),
		)
	}

loop:
	for i := range records {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			skipFrom(i, ctx.Err())
			break loop
		}

		if err := ctx.Err(); err != nil {
			<-sem
			skipFrom(i, err)
			break loop
		}
		if !deadline.IsZero() && s.now().After(deadline) {
			<-sem
			skipFrom(i, errSoftDeadline)
			break loop
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = s.dispatchGroup(ctx, summary.CycleID, &records[i])
		}(i)
	}

	wg.Wait()
	return results
}

var errSoftDeadline = errors.New("soft deadline passed")

const markTimeout = 10 * time.Second

func (s *SyncService) dispatchGroup(ctx context.Context, cycleID string, record *models.AggregatedRecord) (result groupResult) {
	log := s.logger.WithContext(ctx).With(
		logging.Email(record.Email),
		logging.EventCount(record.EventCount()),
	)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while dispatching group", slog.Any("panic", r))
			result = groupResult{outcome: models.OutcomeTransient, err: fmt.Errorf("panic: %v", r)}
		}
	}()

	res, err := s.dispatcher.Dispatch(ctx, record, s.cfg.Mode)
	if res != nil {
		result.attempts = res.TotalAttempts()
	}

	// once the remote side has answered, the outcome must be recorded even
	// if the cycle is being cancelled
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
	defer cancel()

	switch {
	case err == nil:
		if merr := s.store.MarkProcessed(mctx, record.SourceEventIDs); merr != nil {
			// the remote side has the update; the next cycle re-sends it
			metrics.StorageErrors.WithLabelValues("mark_processed").Inc()
			log.Error("group dispatched but marking processed failed", logging.Error(merr))
			result.outcome = models.OutcomeStorage
			result.err = merr
			return result
		}
		log.Info("group synced",
			"classification", string(record.Classification),
			logging.Attempt(result.attempts),
		)
		result.outcome = models.OutcomeProcessed
		return result

	case models.IsPermanent(err):
		result.outcome = models.OutcomePermanent
		result.err = err
		log.Error("group permanently rejected", logging.Error(err))

		if merr := s.store.MarkFailed(mctx, record.SourceEventIDs, err.Error()); merr != nil {
			metrics.StorageErrors.WithLabelValues("mark_failed").Inc()
			log.Error("failed to record permanent failure", logging.Error(merr))
			result.err = errors.Join(err, merr)
		}
		if derr := s.dlq.Write(mctx, dlq.NewEntry(cycleID, record, err)); derr != nil {
			log.Warn("failed to dead-letter group", logging.Error(derr))
		}
		return result

	default:
		log.Warn("group left for next cycle", logging.Error(err), logging.Attempt(result.attempts))
		result.outcome = models.OutcomeTransient
		result.err = err
		return result
	}
}

func (s *SyncService) finish(ctx context.Context, summary *models.CycleSummary, err error) {
	summary.FinishedAt = s.now()
	if err != nil {
		summary.Error = err.Error()
	}

	s.mu.Lock()
	s.last = summary
	s.state = models.CycleIdle
	s.mu.Unlock()
	metrics.SyncInFlight.Set(0)

	result := "success"
	switch {
	case err != nil:
		result = "error"
	case !summary.Success():
		result = "partial"
	default:
		metrics.LastSuccessTimestamp.Set(float64(summary.FinishedAt.Unix()))
	}
	metrics.SyncCycles.WithLabelValues(summary.Trigger, result).Inc()
	metrics.SyncDuration.Observe(summary.Duration().Seconds())

	if stats, serr := s.store.Stats(ctx); serr == nil {
		metrics.BufferDepth.Set(float64(stats.Unprocessed))
	}

	attrs := []any{
		"result", result,
		"events", summary.EventsFound,
		"groups", summary.Groups,
		"processed", summary.Processed,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		logging.Duration(summary.Duration()),
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "sync cycle aborted", append(attrs, logging.Error(err))...)
	} else {
		s.logger.InfoContext(ctx, "sync cycle finished", attrs...)
	}

	subject := messaging.SubjectSyncCompleted
	if err != nil {
		subject = messaging.SubjectSyncFailed
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if perr := messaging.PublishJSON(pctx, s.publisher, subject, summary,
		messaging.WithHeader(messaging.HeaderCycleID, summary.CycleID)); perr != nil {
		s.logger.WarnContext(ctx, "failed to publish cycle summary", logging.Error(perr))
	}
}

func (s *SyncService) setState(state models.CycleState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func newCycleID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
