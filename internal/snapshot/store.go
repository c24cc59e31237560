package snapshot

import (
	"sync"
	"time"

	"bookingsync/internal/metrics"
	"bookingsync/internal/models"

	"github.com/rs/zerolog"
)

// Origin tells the store where a write comes from.
type Origin int

const (
	// OriginEvent is a pushed server event; applied only if its sequence is
	// newer than everything applied so far.
	OriginEvent Origin = iota + 1
	// OriginReconcile is a full refetch; it wins over optimistic state.
	OriginReconcile
	// OriginOptimistic is a local placeholder written by Propose.
	OriginOptimistic
	originRollback
	originReset
)

func (o Origin) String() string {
	switch o {
	case OriginEvent:
		return "event"
	case OriginReconcile:
		return "reconcile"
	case OriginOptimistic:
		return "optimistic"
	case originRollback:
		return "rollback"
	case originReset:
		return "reset"
	}
	return "unknown"
}

// Listener is called after every change with the previous and new value.
type Listener func(prev, next models.Snapshot)

// Store is the single source of truth for the current booking of one
// session. All mutations go through Set, Propose, Rollback and Reset.
type Store struct {
	mu sync.Mutex
	// notifyMu keeps listener notifications in commit order. Listeners must
	// not write to the store.
	notifyMu sync.Mutex
	userID   string
	orgID    string
	current  models.Snapshot
	lastSeq  uint64
	// rev counts applied writes; authRev is the rev of the last
	// server-originated write.
	rev     uint64
	authRev uint64

	listeners map[uint64]Listener
	nextID    uint64
	logger    *zerolog.Logger
}

func NewStore(userID, orgID string, logger *zerolog.Logger) *Store {
	l := logger.With().Str("component", "snapshot-store").Logger()
	return &Store{
		userID:    userID,
		orgID:     orgID,
		current:   models.NoBooking(userID, orgID),
		listeners: make(map[uint64]Listener),
		logger:    &l,
	}
}

func (s *Store) Owner() (userID, orgID string) {
	return s.userID, s.orgID
}

func (s *Store) Get() models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

func (s *Store) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rev
}

func (s *Store) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Set applies a server-originated snapshot. It reports whether the value was
// taken.
func (s *Store) Set(next models.Snapshot, origin Origin) bool {
	s.mu.Lock()
	next = s.owned(next)
	switch origin {
	case OriginEvent:
		if last := s.lastSeq; next.Seq <= last {
			s.mu.Unlock()
			s.logger.Debug().Uint64("seq", next.Seq).Uint64("last_seq", last).Msg("stale event dropped")
			metrics.IncSnapshotUpdate(origin.String(), "stale")
			return false
		}
	case OriginReconcile:
		// a provisional value carries lastSeq, so an up to date fetch
		// still replaces it
		if last := s.lastSeq; next.Seq < last {
			s.mu.Unlock()
			s.logger.Debug().Uint64("seq", next.Seq).Uint64("last_seq", last).Msg("stale fetch dropped")
			metrics.IncSnapshotUpdate(origin.String(), "stale")
			return false
		}
	default:
		s.mu.Unlock()
		s.logger.Error().Str("origin", origin.String()).Msg("set called with non-server origin")
		return false
	}

	next.Provisional = false
	s.lastSeq = next.Seq
	s.rev++
	s.authRev = s.rev
	s.commit(next, origin)
	return true
}

// Propose writes an optimistic placeholder. It is refused when a server
// write happened after baseRev, since server-confirmed state wins. The
// returned revision is the token for Rollback.
func (s *Store) Propose(next models.Snapshot, baseRev uint64) (uint64, bool) {
	s.mu.Lock()
	if s.authRev > baseRev {
		rev := s.rev
		s.mu.Unlock()
		metrics.IncSnapshotUpdate(OriginOptimistic.String(), "superseded")
		return rev, false
	}
	next = s.owned(next)
	next.Provisional = true
	next.Seq = s.lastSeq
	s.rev++
	rev := s.rev
	s.commit(next, OriginOptimistic)
	return rev, true
}

// Rollback restores prev if nothing was written since the optimistic write
// identified by rev.
func (s *Store) Rollback(rev uint64, prev models.Snapshot) bool {
	s.mu.Lock()
	if s.rev != rev {
		s.mu.Unlock()
		metrics.IncSnapshotUpdate(originRollback.String(), "superseded")
		return false
	}
	prev = s.owned(prev)
	s.rev++
	s.commit(prev, originRollback)
	return true
}

// Reset drops all state, including the sequence watermark. Pending
// optimistic writes can no longer be applied or rolled back.
func (s *Store) Reset() {
	s.mu.Lock()
	s.lastSeq = 0
	s.rev++
	s.authRev = s.rev
	s.commit(models.NoBooking(s.userID, s.orgID), originReset)
}

// Subscribe registers fn for changes. The returned function removes it and
// is safe to call more than once.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// commit stores next, releases the lock and notifies listeners.
// Must be called with s.mu held.
func (s *Store) commit(next models.Snapshot, origin Origin) {
	prev := s.current
	s.current = next
	changed := !prev.Equal(next)
	var listeners []Listener
	if changed {
		listeners = make([]Listener, 0, len(s.listeners))
		for _, l := range s.listeners {
			listeners = append(listeners, l)
		}
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Unlock()

	metrics.IncSnapshotUpdate(origin.String(), "applied")
	if !changed {
		return
	}
	s.logger.Debug().Str("origin", origin.String()).Stringer("snapshot", next).Msg("snapshot changed")
	for _, l := range listeners {
		s.call(l, prev.Clone(), next.Clone())
	}
}

func (s *Store) call(l Listener, prev, next models.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("snapshot listener panicked")
			metrics.IncSubscriberFailure("snapshot-store", "panic")
		}
	}()
	l(prev, next)
}

func (s *Store) owned(snap models.Snapshot) models.Snapshot {
	snap = snap.Clone()
	snap.UserID = s.userID
	snap.OrganisationID = s.orgID
	if !snap.HasBooking() {
		snap.State = models.StateNone
		snap.Booking = nil
		snap.Anchor = time.Time{}
		snap.AccumulatedMs = 0
	}
	return snap
}
