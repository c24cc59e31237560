package snapshot

import (
	"io"
	"strconv"
	"testing"
	"time"

	"bookingsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestStore() *Store {
	logger := zerolog.New(io.Discard)
	return NewStore("u-1", "o-1", &logger)
}

func running(id string, seq uint64) models.Snapshot {
	snap := models.RunningSnapshot(models.BookingWindow{
		BookingReference: models.BookingReference{ID: id, ProjectID: "p-1", UserID: "u-1", OrganisationID: "o-1"},
		Start:            t0,
	})
	snap.Seq = seq
	return snap
}

func stopped(seq uint64) models.Snapshot {
	snap := models.NoBooking("u-1", "o-1")
	snap.Seq = seq
	return snap
}

func TestStoreSequenceOrdering(t *testing.T) {
	s := newTestStore()

	require.True(t, s.Set(running("b-1", 5), OriginEvent))
	assert.Equal(t, "b-1", s.Get().BookingID())

	t.Run("StaleDropped", func(t *testing.T) {
		assert.False(t, s.Set(stopped(4), OriginEvent))
		assert.False(t, s.Set(stopped(5), OriginEvent))
		assert.Equal(t, "b-1", s.Get().BookingID())
	})

	t.Run("NewerApplied", func(t *testing.T) {
		assert.True(t, s.Set(stopped(6), OriginEvent))
		assert.False(t, s.Get().HasBooking())
		assert.Equal(t, uint64(6), s.LastSeq())
	})

	t.Run("ReconcileWithSameSeqApplies", func(t *testing.T) {
		assert.True(t, s.Set(running("b-2", 6), OriginReconcile))
		assert.Equal(t, "b-2", s.Get().BookingID())
	})

	t.Run("OlderReconcileDropped", func(t *testing.T) {
		assert.False(t, s.Set(stopped(3), OriginReconcile))
		assert.Equal(t, "b-2", s.Get().BookingID())
	})

	t.Run("OptimisticOriginRejectedBySet", func(t *testing.T) {
		assert.False(t, s.Set(running("b-3", 99), OriginOptimistic))
	})
}

func TestStoreOwnerIsEnforced(t *testing.T) {
	s := newTestStore()
	snap := running("b-1", 1)
	snap.UserID = "someone-else"
	require.True(t, s.Set(snap, OriginEvent))
	assert.Equal(t, "u-1", s.Get().UserID)
}

func TestStoreOptimistic(t *testing.T) {
	t.Run("ProposeAndConfirm", func(t *testing.T) {
		s := newTestStore()
		base := s.Revision()
		_, ok := s.Propose(running("b-1", 0), base)
		require.True(t, ok)
		assert.True(t, s.Get().Provisional)

		// the confirming event carries the same booking
		require.True(t, s.Set(running("b-1", 1), OriginEvent))
		got := s.Get()
		assert.False(t, got.Provisional)
		assert.True(t, got.Booking.Start.Equal(t0))
	})

	t.Run("ServerWriteWinsOverLateProposal", func(t *testing.T) {
		s := newTestStore()
		base := s.Revision()
		require.True(t, s.Set(running("b-1", 1), OriginEvent))

		_, ok := s.Propose(running("b-1-local", 0), base)
		assert.False(t, ok)
		assert.Equal(t, "b-1", s.Get().BookingID())
		assert.False(t, s.Get().Provisional)
	})

	t.Run("Rollback", func(t *testing.T) {
		s := newTestStore()
		require.True(t, s.Set(running("b-1", 1), OriginEvent))
		prev := s.Get()

		rev, ok := s.Propose(stopped(0), s.Revision())
		require.True(t, ok)
		assert.False(t, s.Get().HasBooking())

		assert.True(t, s.Rollback(rev, prev))
		assert.Equal(t, "b-1", s.Get().BookingID())
	})

	t.Run("RollbackAfterServerWriteIsIgnored", func(t *testing.T) {
		s := newTestStore()
		require.True(t, s.Set(running("b-1", 1), OriginEvent))
		prev := s.Get()

		rev, ok := s.Propose(stopped(0), s.Revision())
		require.True(t, ok)
		require.True(t, s.Set(running("b-2", 2), OriginEvent))

		assert.False(t, s.Rollback(rev, prev))
		assert.Equal(t, "b-2", s.Get().BookingID())
	})

	t.Run("ReconcileBeatsProvisional", func(t *testing.T) {
		s := newTestStore()
		require.True(t, s.Set(running("b-1", 7), OriginEvent))
		_, ok := s.Propose(stopped(0), s.Revision())
		require.True(t, ok)
		assert.Equal(t, uint64(7), s.Get().Seq)

		assert.True(t, s.Set(running("b-1", 7), OriginReconcile))
		got := s.Get()
		assert.Equal(t, "b-1", got.BookingID())
		assert.False(t, got.Provisional)
		assert.Equal(t, uint64(7), got.Seq)
	})

	t.Run("StaleReconcileKeepsProvisional", func(t *testing.T) {
		s := newTestStore()
		require.True(t, s.Set(running("b-1", 5), OriginEvent))
		paused := running("b-1", 0).Paused(t0.Add(10 * time.Minute))
		_, ok := s.Propose(paused, s.Revision())
		require.True(t, ok)

		assert.False(t, s.Set(stopped(4), OriginReconcile))
		got := s.Get()
		assert.Equal(t, models.StatePaused, got.State)
		assert.True(t, got.Provisional)
		assert.Equal(t, uint64(5), s.LastSeq())
	})

	t.Run("WarmValueReplacedByFirstFetch", func(t *testing.T) {
		s := newTestStore()
		warm := running("b-1", 40)
		_, ok := s.Propose(warm, s.Revision())
		require.True(t, ok)
		assert.Zero(t, s.Get().Seq)

		assert.True(t, s.Set(stopped(1), OriginReconcile))
		assert.False(t, s.Get().HasBooking())
		assert.False(t, s.Get().Provisional)
	})
}

func TestStoreReset(t *testing.T) {
	s := newTestStore()
	require.True(t, s.Set(running("b-1", 10), OriginEvent))
	base := s.Revision()

	s.Reset()
	assert.False(t, s.Get().HasBooking())
	assert.Zero(t, s.LastSeq())

	_, ok := s.Propose(running("b-2", 0), base)
	assert.False(t, ok, "proposals started before a reset are dropped")

	assert.True(t, s.Set(running("b-3", 1), OriginEvent))
}

func TestStoreSubscribe(t *testing.T) {
	s := newTestStore()
	var calls []models.Snapshot
	unsubscribe := s.Subscribe(func(prev, next models.Snapshot) {
		calls = append(calls, next)
	})

	require.True(t, s.Set(running("b-1", 1), OriginEvent))
	// same content with a newer seq is not a change
	require.True(t, s.Set(running("b-1", 2), OriginEvent))
	require.Len(t, calls, 1)
	assert.Equal(t, "b-1", calls[0].BookingID())

	unsubscribe()
	unsubscribe()
	require.True(t, s.Set(stopped(3), OriginEvent))
	assert.Len(t, calls, 1)
}

func TestStoreListenerPanicIsolated(t *testing.T) {
	s := newTestStore()
	var called bool
	s.Subscribe(func(prev, next models.Snapshot) { panic("boom") })
	s.Subscribe(func(prev, next models.Snapshot) { called = true })

	assert.NotPanics(t, func() {
		s.Set(running("b-1", 1), OriginEvent)
	})
	assert.True(t, called)
}

func TestStoreListenerCannotMutate(t *testing.T) {
	s := newTestStore()
	s.Subscribe(func(prev, next models.Snapshot) {
		next.Booking.ID = "tampered"
	})
	require.True(t, s.Set(running("b-1", 1), OriginEvent))
	assert.Equal(t, "b-1", s.Get().BookingID())
}

// Applying any permutation of server events leaves the store on the event
// with the highest sequence number.
func TestStoreOrderingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 30).Draw(t, "n")
		seqs := rapid.Permutation(makeSeqs(n)).Draw(t, "seqs")

		s := newTestStore()
		for _, seq := range seqs {
			var snap models.Snapshot
			if seq%3 == 0 {
				snap = stopped(seq)
			} else {
				snap = running(bookingName(seq), seq)
			}
			s.Set(snap, OriginEvent)
		}

		got := s.Get()
		top := uint64(n)
		if got.Seq != top {
			t.Fatalf("expected seq %d, got %d", top, got.Seq)
		}
		if top%3 == 0 {
			if got.HasBooking() {
				t.Fatalf("expected no booking for seq %d", top)
			}
		} else if got.BookingID() != bookingName(top) {
			t.Fatalf("expected booking %s, got %s", bookingName(top), got.BookingID())
		}
	})
}

// Delivering the same event twice has the same effect as delivering it once.
func TestStoreIdempotenceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		seq := rapid.Uint64Range(1, 1000).Draw(t, "seq")
		snap := running(bookingName(seq), seq)

		once := newTestStore()
		once.Set(snap, OriginEvent)

		twice := newTestStore()
		twice.Set(snap, OriginEvent)
		twice.Set(snap, OriginEvent)

		if !once.Get().Equal(twice.Get()) || once.LastSeq() != twice.LastSeq() {
			t.Fatalf("double delivery diverged: %s vs %s", once.Get(), twice.Get())
		}
	})
}

func makeSeqs(n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = uint64(i + 1)
	}
	return out
}

func bookingName(seq uint64) string {
	return "b-" + strconv.FormatUint(seq, 10)
}
