package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"bookingsync/internal/domain"
	"bookingsync/internal/metrics"
	"bookingsync/internal/models"
	"bookingsync/internal/snapshot"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ErrDiscarded is returned when a fetch completed after the session state
// it was started for went away.
var ErrDiscarded = errors.New("reconciliation result discarded")

// CurrentBookingFetcher is the read side of the backend.
type CurrentBookingFetcher interface {
	GetCurrentBooking(ctx context.Context) (models.Snapshot, error)
}

// Reconciler refetches the current booking and overwrites the snapshot
// store with the server's answer. Requests are coalesced: any number of
// Request calls while a fetch is pending result in one more fetch.
type Reconciler struct {
	backend CurrentBookingFetcher
	store   *snapshot.Store
	retry   RetryPolicy
	clock   clockwork.Clock
	queue   chan string
	logger  *zerolog.Logger

	mu            sync.Mutex
	epoch         uint64
	onAuthExpired func(error)
}

// NewReconciler builds a worker with sane defaults.
func NewReconciler(backend CurrentBookingFetcher, store *snapshot.Store, retry RetryPolicy, clock clockwork.Clock, logger *zerolog.Logger) *Reconciler {
	if retry.MaxRetries == 0 {
		retry.MaxRetries = 5
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = models.ChannelBackoffBase
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = models.ChannelBackoffCap
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = models.ChannelBackoffFactor
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	l := logger.With().Str("component", "reconciler").Logger()

	return &Reconciler{
		backend: backend,
		store:   store,
		retry:   retry,
		clock:   clock,
		queue:   make(chan string, 1),
		logger:  &l,
	}
}

// OnAuthExpired sets the hook called when the backend rejects the session.
func (r *Reconciler) OnAuthExpired(fn func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAuthExpired = fn
}

// Request schedules a reconciliation. It never blocks.
func (r *Reconciler) Request(reason string) {
	select {
	case r.queue <- reason:
		r.logger.Debug().Str("reason", reason).Msg("reconciliation requested")
	default:
		r.logger.Debug().Str("reason", reason).Msg("reconciliation already pending")
	}
}

// Invalidate makes every fetch in flight discard its result.
func (r *Reconciler) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epoch++
}

// Start launches main loop; stops when ctx is done.
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info().Msg("reconciler started")
	defer r.logger.Info().Msg("reconciler stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-r.queue:
			r.process(ctx, reason)
		}
	}
}

// Reconcile runs one fetch and applies it. The result is discarded when ctx
// is done by the time the response arrives or when Invalidate was called in
// the meantime.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	epoch := r.epoch
	r.mu.Unlock()

	snap, err := r.backend.GetCurrentBooking(ctx)
	if err != nil {
		metrics.IncReconcile("error")
		return fmt.Errorf("reconcile: %w", err)
	}
	if err := ctx.Err(); err != nil {
		metrics.IncReconcile("discarded")
		return fmt.Errorf("reconcile: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if epoch != r.epoch {
		metrics.IncReconcile("discarded")
		return ErrDiscarded
	}
	if r.store.Set(snap, snapshot.OriginReconcile) {
		metrics.IncReconcile("applied")
		r.logger.Info().Stringer("snapshot", snap).Msg("reconciled")
	} else {
		metrics.IncReconcile("stale")
		r.logger.Debug().Stringer("snapshot", snap).Msg("reconciliation older than applied events")
	}
	return nil
}

func (r *Reconciler) process(ctx context.Context, reason string) {
	for attempt := 1; ; attempt++ {
		err := r.Reconcile(ctx)
		if err == nil || errors.Is(err, ErrDiscarded) || ctx.Err() != nil {
			return
		}
		if errors.Is(err, domain.ErrAuthExpired) {
			r.logger.Warn().Err(err).Msg("session expired during reconciliation")
			r.mu.Lock()
			hook := r.onAuthExpired
			r.mu.Unlock()
			if hook != nil {
				hook(err)
			}
			return
		}
		if !domain.Retryable(err) || r.retry.Exhausted(attempt) {
			r.logger.Error().Err(err).Str("reason", reason).Int("attempt", attempt).Msg("reconciliation failed")
			return
		}

		delay := r.retry.JitteredDelay(attempt)
		r.logger.Warn().Err(err).Str("reason", reason).Int("attempt", attempt).Dur("retry_in", delay).Msg("reconciliation failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(delay):
		}
	}
}
