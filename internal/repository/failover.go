package repository

import (
	"context"
	"sync/atomic"
	"time"

	"bookingsync/internal/domain"
	"bookingsync/internal/models"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// recoveryInterval is how long the primary stays bypassed after a failure.
const recoveryInterval = time.Minute

// FailoverSnapshotRepository reads and writes the primary until it fails,
// then serves from the fallback and retries the primary once per
// recoveryInterval.
type FailoverSnapshotRepository struct {
	primary   domain.SnapshotRepository
	fallback  domain.SnapshotRepository
	clock     clockwork.Clock
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverSnapshotRepository(primary, fallback domain.SnapshotRepository, clock clockwork.Clock, logger *zerolog.Logger) *FailoverSnapshotRepository {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FailoverSnapshotRepository{
		primary:  primary,
		fallback: fallback,
		clock:    clock,
		logger:   logger,
	}
}

// usePrimary reports whether the primary should be tried for this call.
func (r *FailoverSnapshotRepository) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	// Пробуем восстановиться раз в минуту
	last := time.Unix(0, r.lastCheck.Load())
	if r.clock.Since(last) > recoveryInterval {
		r.lastCheck.Store(r.clock.Now().UnixNano())
		return true
	}
	return false
}

func (r *FailoverSnapshotRepository) primaryFailed(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary snapshot repository failed, falling back to memory")
	}
	r.lastCheck.Store(r.clock.Now().UnixNano())
}

func (r *FailoverSnapshotRepository) primaryOK() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary snapshot repository recovered")
	}
}

func (r *FailoverSnapshotRepository) GetSnapshot(ctx context.Context, userID, orgID string) (*models.Snapshot, error) {
	if r.usePrimary() {
		snap, err := r.primary.GetSnapshot(ctx, userID, orgID)
		if err == nil {
			r.primaryOK()
			return snap, nil
		}
		r.primaryFailed(err)
	}
	return r.fallback.GetSnapshot(ctx, userID, orgID)
}

// SetSnapshot always writes the fallback too, so a later outage still has
// the latest value.
func (r *FailoverSnapshotRepository) SetSnapshot(ctx context.Context, snap models.Snapshot) error {
	if err := r.fallback.SetSnapshot(ctx, snap); err != nil {
		return err
	}
	if r.usePrimary() {
		if err := r.primary.SetSnapshot(ctx, snap); err != nil {
			r.primaryFailed(err)
			return nil
		}
		r.primaryOK()
	}
	return nil
}

func (r *FailoverSnapshotRepository) ClearSnapshot(ctx context.Context, userID, orgID string) error {
	if err := r.fallback.ClearSnapshot(ctx, userID, orgID); err != nil {
		return err
	}
	if r.usePrimary() {
		if err := r.primary.ClearSnapshot(ctx, userID, orgID); err != nil {
			r.primaryFailed(err)
			return nil
		}
		r.primaryOK()
	}
	return nil
}
