package events

import (
	"fmt"
	"sync"
	"time"

	"bookingsync/internal/domain"
	"bookingsync/internal/metrics"
	"bookingsync/internal/models"
	"bookingsync/internal/snapshot"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Handler reacts to a routed event.
type Handler func(event Event) error

// DispatcherOptions tunes the dedupe window. Zero values use the defaults.
type DispatcherOptions struct {
	WindowSize int
	WindowTTL  time.Duration
	Clock      clockwork.Clock
}

// Dispatcher is the only consumer of the push channel. It drops duplicates,
// applies booking lifecycle events to the snapshot store and routes
// everything else to subscribers of the matching scope.
type Dispatcher struct {
	store      *snapshot.Store
	reconciler domain.Reconciler
	clock      clockwork.Clock
	logger     *zerolog.Logger

	mu   sync.Mutex
	seen *dedupeWindow

	subsMu sync.RWMutex
	subs   map[models.Scope]map[uint64]Handler
	nextID uint64
}

func NewDispatcher(store *snapshot.Store, reconciler domain.Reconciler, opts DispatcherOptions, logger *zerolog.Logger) (*Dispatcher, error) {
	if opts.WindowSize <= 0 {
		opts.WindowSize = models.DedupeWindowSize
	}
	if opts.WindowTTL <= 0 {
		opts.WindowTTL = models.DedupeWindowTTL
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	seen, err := newDedupeWindow(opts.WindowSize, opts.WindowTTL)
	if err != nil {
		return nil, fmt.Errorf("dedupe window: %w", err)
	}
	l := logger.With().Str("component", "dispatcher").Logger()
	return &Dispatcher{
		store:      store,
		reconciler: reconciler,
		clock:      opts.Clock,
		logger:     &l,
		seen:       seen,
		subs:       make(map[models.Scope]map[uint64]Handler),
	}, nil
}

// Subscribe registers handler for scope. The returned function releases the
// registration and is safe to call more than once.
func (d *Dispatcher) Subscribe(scope models.Scope, handler Handler) (func(), error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("nil handler")
	}
	scope = scope.Normalize()

	d.subsMu.Lock()
	d.nextID++
	id := d.nextID
	if d.subs[scope] == nil {
		d.subs[scope] = make(map[uint64]Handler)
	}
	d.subs[scope][id] = handler
	d.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.subsMu.Lock()
			defer d.subsMu.Unlock()
			delete(d.subs[scope], id)
			if len(d.subs[scope]) == 0 {
				delete(d.subs, scope)
			}
		})
	}, nil
}

// Subscribers returns the number of registrations for scope.
func (d *Dispatcher) Subscribers(scope models.Scope) int {
	d.subsMu.RLock()
	defer d.subsMu.RUnlock()
	return len(d.subs[scope.Normalize()])
}

// Handle processes one pushed event. It never panics and never returns an
// error; failures are logged and counted.
func (d *Dispatcher) Handle(event Event) {
	kind := string(event.Kind)
	if event.Kind == KindHeartbeat {
		metrics.IncEvent(kind, "heartbeat")
		return
	}
	if err := event.Validate(); err != nil {
		d.logger.Warn().Err(err).Msg("invalid event dropped")
		metrics.IncEvent(kind, "invalid")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.seen.Seen(event.Hash(), d.clock.Now()) {
		d.logger.Debug().Str("event_type", kind).Uint64("seq", event.Seq).Msg("duplicate event dropped")
		metrics.IncEvent(kind, "duplicate")
		return
	}

	if event.Kind.IsLifecycle() {
		d.applyLifecycle(event)
	}
	d.notify(event)
}

// Reconnected is signalled by the channel on every transition to open.
// Events missed while disconnected are recovered by a full refetch.
func (d *Dispatcher) Reconnected() {
	d.logger.Info().Msg("channel reconnected, requesting reconciliation")
	d.reconciler.Request("reconnected")
}

// Reset forgets every seen event hash.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen.Purge()
}

func (d *Dispatcher) applyLifecycle(event Event) {
	userID, orgID := d.store.Owner()
	if event.UserID != userID || event.OrganisationID != orgID {
		// another member's booking; only their subscribers care
		return
	}

	kind := string(event.Kind)
	if event.Seq <= d.store.LastSeq() {
		metrics.IncEvent(kind, "stale")
		return
	}
	cur := d.store.Get()
	target := event.TargetBookingID()

	if event.Kind == KindStopped {
		if cur.BookingID() != target && !(cur.Provisional && !cur.HasBooking()) {
			d.desync(event, cur)
			metrics.IncEvent(kind, "desync")
			return
		}
		next := models.NoBooking(userID, orgID)
		next.Seq = event.Seq
		d.record(kind, d.store.Set(next, snapshot.OriginEvent))
		return
	}

	if event.Kind != KindStarted && cur.BookingID() != target {
		// we missed at least the start; apply what the server sent and
		// let a refetch fill in the rest
		d.desync(event, cur)
	}
	d.record(kind, d.store.Set(d.snapshotFrom(event, cur), snapshot.OriginEvent))
}

func (d *Dispatcher) record(kind string, applied bool) {
	if applied {
		metrics.IncEvent(kind, "applied")
		return
	}
	metrics.IncEvent(kind, "stale")
}

func (d *Dispatcher) desync(event Event, cur models.Snapshot) {
	d.logger.Warn().
		Str("event_type", string(event.Kind)).
		Str("booking_id", event.TargetBookingID()).
		Str("local_booking_id", cur.BookingID()).
		Msg("event for unknown booking, forcing reconciliation")
	d.reconciler.Request(fmt.Sprintf("desync: %s %s", event.Kind, event.TargetBookingID()))
}

// snapshotFrom builds the snapshot carried by a booking event. Servers that
// omit timing fields get them derived from the window and the local state.
func (d *Dispatcher) snapshotFrom(event Event, cur models.Snapshot) models.Snapshot {
	win := *event.Booking
	state := event.State
	if !state.Valid() || state == models.StateNone {
		switch event.Kind {
		case KindPaused:
			state = models.StatePaused
		case KindEdited:
			state = models.StateRunning
			if cur.BookingID() == win.ID && cur.State == models.StatePaused {
				state = models.StatePaused
			}
		default:
			state = models.StateRunning
		}
	}

	if event.Kind == KindEdited && cur.BookingID() == win.ID && event.Anchor.IsZero() && event.AccumulatedMs == 0 {
		snap := cur.WithBooking(win)
		snap.Seq = event.Seq
		snap.State = state
		if state == models.StatePaused {
			snap.Anchor = time.Time{}
		}
		return snap
	}

	same := cur.BookingID() == win.ID && cur.HasBooking()
	if same && event.Anchor.IsZero() && event.AccumulatedMs == 0 {
		return d.carryTiming(event.Seq, state, win, cur)
	}

	snap := models.Snapshot{
		Seq:           event.Seq,
		State:         state,
		Booking:       &win,
		Anchor:        event.Anchor,
		AccumulatedMs: event.AccumulatedMs,
	}
	if state == models.StatePaused {
		snap.Anchor = time.Time{}
		return snap
	}
	if snap.Anchor.IsZero() {
		switch {
		case same && cur.State == models.StateRunning:
			snap.Anchor = cur.Anchor
		case snap.AccumulatedMs == 0:
			// nothing local to go by; the first segment starts with the booking
			snap.Anchor = win.Start
		default:
			snap.Anchor = d.clock.Now()
		}
	}
	return snap
}

// carryTiming moves the local timing of the held booking into the state the
// event reports. A pause closes the running segment now, a resume opens one
// now unless the local value already runs (an optimistic resume did that at
// command time).
func (d *Dispatcher) carryTiming(seq uint64, state models.BookingState, win models.BookingWindow, cur models.Snapshot) models.Snapshot {
	var snap models.Snapshot
	switch {
	case state == models.StatePaused:
		snap = cur.Paused(d.clock.Now())
	case cur.State == models.StatePaused:
		snap = cur.Resumed(d.clock.Now())
	default:
		snap = cur.Clone()
	}
	snap = snap.WithBooking(win)
	snap.Seq = seq
	return snap
}

func (d *Dispatcher) notify(event Event) {
	scope := event.Scope()
	d.subsMu.RLock()
	handlers := make([]Handler, 0, len(d.subs[scope]))
	for _, h := range d.subs[scope] {
		handlers = append(handlers, h)
	}
	d.subsMu.RUnlock()

	if len(handlers) > 0 {
		metrics.IncEvent(string(event.Kind), "notified")
	}
	for _, h := range handlers {
		d.call(h, event)
	}
}

func (d *Dispatcher) call(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str("event_type", string(event.Kind)).Msg("subscriber panicked")
			metrics.IncSubscriberFailure("dispatcher", "panic")
		}
	}()
	if err := h(event); err != nil {
		d.logger.Error().Err(err).Str("event_type", string(event.Kind)).Msg("subscriber error")
		metrics.IncSubscriberFailure("dispatcher", "error")
	}
}
