// Package sweeper periodically reconciles operations whose confirmation
// outlived the synchronous wait. It is the only component besides the
// coordinator that advances gig state, and it does so exclusively through the
// coordinator's recovery path, under the same per-gig locks.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tonpay/gigescrow/internal/gig"
	"github.com/tonpay/gigescrow/internal/metrics"
)

// Resolver settles the fate of one stale operation.
type Resolver interface {
	ResolvePending(ctx context.Context, opID string, expireBefore time.Time) error
}

// Lister finds stale submitted operations.
type Lister interface {
	ListSubmittedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*gig.EscrowOperation, error)
}

// Sweeper drives the reconciliation loop.
type Sweeper struct {
	resolver Resolver
	ops      Lister
	logger   *slog.Logger

	interval time.Duration
	grace    time.Duration // leave fresh broadcasts to the live wait
	expiry   time.Duration // undecidable past this goes to manual review
	batch    int

	stop    chan struct{}
	running atomic.Bool
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval sets the sweep interval.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.interval = d }
}

// WithGracePeriod sets how old an operation must be before the sweeper
// touches it.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Sweeper) { s.grace = d }
}

// WithExpiry sets how long an operation may stay undecidable before its gig
// is quarantined.
func WithExpiry(d time.Duration) Option {
	return func(s *Sweeper) { s.expiry = d }
}

// New creates a reconciliation sweeper.
func New(resolver Resolver, ops Lister, logger *slog.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		resolver: resolver,
		ops:      ops,
		logger:   logger,
		interval: 30 * time.Second,
		grace:    2 * time.Minute,
		expiry:   24 * time.Hour,
		batch:    100,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs one reconciliation pass. Exported for startup and tests.
func (s *Sweeper) Sweep(ctx context.Context) {
	metrics.SweeperRunsTotal.Inc()
	now := time.Now()

	stale, err := s.ops.ListSubmittedBefore(ctx, now.Add(-s.grace), s.batch)
	if err != nil {
		s.logger.Warn("failed to list stale operations", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	s.logger.Info("sweeping stale operations", "count", len(stale))
	for _, op := range stale {
		if err := s.resolver.ResolvePending(ctx, op.ID, now.Add(-s.expiry)); err != nil {
			s.logger.Warn("failed to resolve stale operation",
				"operation", op.ID,
				"gig", op.GigID,
				"kind", op.Kind,
				"error", err,
			)
		}
	}
}
