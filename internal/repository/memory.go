package repository

import (
	"context"
	"sync"
	"time"

	"bookingsync/internal/models"

	"github.com/jonboulle/clockwork"
)

type memoryEntry struct {
	snap      models.Snapshot
	expiresAt time.Time
}

// MemorySnapshotRepository is the in-process fallback used while redis is
// unreachable. Entries expire like their redis counterparts.
type MemorySnapshotRepository struct {
	entries sync.Map
	ttl     time.Duration
	clock   clockwork.Clock
}

func NewMemorySnapshotRepository(ttl time.Duration, clock clockwork.Clock) *MemorySnapshotRepository {
	if ttl <= 0 {
		ttl = models.DefaultSnapshotTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemorySnapshotRepository{
		ttl:   ttl,
		clock: clock,
	}
}

func (r *MemorySnapshotRepository) GetSnapshot(ctx context.Context, userID, orgID string) (*models.Snapshot, error) {
	key := snapshotKey(userID, orgID)
	val, ok := r.entries.Load(key)
	if !ok {
		return nil, nil
	}
	entry := val.(memoryEntry)
	if r.clock.Now().After(entry.expiresAt) {
		r.entries.CompareAndDelete(key, val)
		return nil, nil
	}
	snap := entry.snap.Clone()
	return &snap, nil
}

func (r *MemorySnapshotRepository) SetSnapshot(ctx context.Context, snap models.Snapshot) error {
	r.entries.Store(snapshotKey(snap.UserID, snap.OrganisationID), memoryEntry{
		snap:      snap.Clone(),
		expiresAt: r.clock.Now().Add(r.ttl),
	})
	return nil
}

func (r *MemorySnapshotRepository) ClearSnapshot(ctx context.Context, userID, orgID string) error {
	r.entries.Delete(snapshotKey(userID, orgID))
	return nil
}
