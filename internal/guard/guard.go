// Package guard keeps sync cycles from overlapping.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/salonhub/klaviyo-bridge/common/logging"
	"github.com/salonhub/klaviyo-bridge/internal/metrics"
	"github.com/salonhub/klaviyo-bridge/internal/models"
)

// Mode decides what happens to a trigger that arrives mid-cycle.
type Mode string

const (
	// ModeReject refuses the trigger with *models.ConcurrencyGuardRejected.
	ModeReject Mode = "reject"
	// ModeCollapse queues at most one follow-up cycle; further triggers fold into it.
	ModeCollapse Mode = "collapse"
)

// ParseMode converts the configured guard mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeReject:
		return ModeReject, nil
	case ModeCollapse, "":
		return ModeCollapse, nil
	default:
		return "", fmt.Errorf("unknown guard mode %q", s)
	}
}

// ErrQueued is returned by Begin in collapse mode when the trigger was folded
// into the follow-up cycle of the one already running.
var ErrQueued = errors.New("sync cycle queued behind the running one")

// Lock extends the guard across processes. The holder keeps it alive with
// Extend for as long as the slot is claimed.
type Lock interface {
	// Acquire reports false without error when another holder owns the lock.
	Acquire(ctx context.Context) (bool, error)
	// Extend reports false without error when the lock was lost.
	Extend(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
	TTL() time.Duration
}

// lease is one claim on the shared lock, refreshed in the background.
type lease struct {
	stop chan struct{}
	lost atomic.Bool
}

// Guard is the in-flight flag for sync cycles. The zero value is not usable;
// use New.
type Guard struct {
	mu      sync.Mutex
	mode    Mode
	lock    Lock
	logger  *logging.Logger
	now     func() time.Time
	running bool
	since   time.Time
	pending bool
	lease   *lease
}

// New creates an idle guard. lock may be nil for single-replica deployments.
func New(mode Mode, lock Lock, logger *logging.Logger) *Guard {
	if logger == nil {
		logger = logging.Default()
	}
	return &Guard{
		mode:   mode,
		lock:   lock,
		logger: logger,
		now:    time.Now,
	}
}

// Mode returns the configured mode.
func (g *Guard) Mode() Mode {
	return g.mode
}

// Begin claims the in-flight slot. On success the caller must call End.
func (g *Guard) Begin(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		metrics.GuardRejections.Inc()
		if g.mode == ModeCollapse {
			g.pending = true
			return ErrQueued
		}
		return &models.ConcurrencyGuardRejected{RunningSince: g.since}
	}

	if g.lock != nil {
		ok, err := g.lock.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire cycle lock: %w", err)
		}
		if !ok {
			// another replica is running a cycle; nothing local to queue behind
			metrics.GuardRejections.Inc()
			return &models.ConcurrencyGuardRejected{}
		}
	}

	g.running = true
	g.since = g.now()
	if g.lock != nil {
		g.lease = &lease{stop: make(chan struct{})}
		go g.keepAlive(g.lease)
	}
	return nil
}

// keepAlive extends the shared lock at a third of its TTL until the lease is
// stopped or the lock is lost.
func (g *Guard) keepAlive(l *lease) {
	interval := g.lock.TTL() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		ok, err := g.lock.Extend(ctx)
		cancel()
		switch {
		case err != nil:
			// transient; the key still has most of its TTL left
			g.logger.Warn("failed to extend cycle lock", logging.Error(err))
		case !ok:
			l.lost.Store(true)
			g.logger.Error("cycle lock lost; another replica may start a cycle")
			return
		}
	}
}

// renew pushes the shared lock out before a follow-up cycle. It reports
// false when the follow-up must not run.
func (g *Guard) renew(ctx context.Context) bool {
	if g.lock == nil {
		return true
	}
	if g.lease != nil && g.lease.lost.Load() {
		return false
	}
	ok, err := g.lock.Extend(ctx)
	if err != nil {
		g.logger.WarnContext(ctx, "failed to extend cycle lock", logging.Error(err))
		return false
	}
	return ok
}

// End finishes a cycle. When a trigger was collapsed while it ran, End keeps
// the slot and returns true: the caller runs one more cycle and calls End
// again.
func (g *Guard) End(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.running {
		return false
	}
	if g.pending {
		g.pending = false
		if g.renew(ctx) {
			g.since = g.now()
			return true
		}
		g.logger.WarnContext(ctx, "cycle lock not renewed; dropping queued cycle")
	}
	g.release(ctx)
	return false
}

// Reset clears the slot and any queued cycle. Used when a cycle panics.
func (g *Guard) Reset(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pending = false
	if g.running {
		g.release(ctx)
	}
}

func (g *Guard) release(ctx context.Context) {
	g.running = false
	g.since = time.Time{}
	if g.lease != nil {
		close(g.lease.stop)
		g.lease = nil
	}
	if g.lock == nil {
		return
	}
	// the lock must go even if the cycle's context is already cancelled
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := g.lock.Release(rctx); err != nil {
		g.logger.WarnContext(ctx, "failed to release cycle lock", logging.Error(err))
	}
}

// Running reports whether a cycle is in flight and since when.
func (g *Guard) Running() (bool, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running, g.since
}

// Pending reports whether a follow-up cycle is queued.
func (g *Guard) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}
