package repository

import (
	"context"
	"testing"
	"time"

	"bookingsync/internal/models"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySnapshotRepository(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	repo := NewMemorySnapshotRepository(time.Hour, clock)
	ctx := context.Background()

	t.Run("SetAndGetSnapshot", func(t *testing.T) {
		snap := runningSnapshot("u-1", "o-1", 3)
		require.NoError(t, repo.SetSnapshot(ctx, snap))

		got, err := repo.GetSnapshot(ctx, "u-1", "o-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, snap.Equal(*got))

		// callers get copies
		got.Booking.ProjectID = "changed"
		again, _ := repo.GetSnapshot(ctx, "u-1", "o-1")
		assert.Equal(t, "p-1", again.Booking.ProjectID)
	})

	t.Run("Expiry", func(t *testing.T) {
		clock.Advance(time.Hour + time.Second)
		got, err := repo.GetSnapshot(ctx, "u-1", "o-1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("ClearSnapshot", func(t *testing.T) {
		require.NoError(t, repo.SetSnapshot(ctx, models.NoBooking("u-2", "o-1")))
		require.NoError(t, repo.ClearSnapshot(ctx, "u-2", "o-1"))
		got, _ := repo.GetSnapshot(ctx, "u-2", "o-1")
		assert.Nil(t, got)
	})
}
