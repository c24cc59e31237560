package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"bookingsync/internal/domain"
	"bookingsync/internal/metrics"
	"bookingsync/internal/models"
	"bookingsync/internal/snapshot"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var (
	errNothingToEdit = errors.New("nothing to change")
	errFutureStart   = errors.New("start is in the future")
)

// Reconciler is what the controller needs from the reconciliation worker.
type Reconciler interface {
	domain.Reconciler
	Reconcile(ctx context.Context) error
}

type Options struct {
	Clock         clockwork.Clock
	Notifier      domain.Notifier
	OnAuthExpired func(error)
}

// BookingService is the booking lifecycle controller. State lives in the
// snapshot store; commands write optimistic placeholders there and undo
// them when the backend refuses.
type BookingService struct {
	backend       domain.Backend
	store         *snapshot.Store
	reconciler    Reconciler
	notifier      domain.Notifier
	onAuthExpired func(error)
	clock         clockwork.Clock
	logger        *zerolog.Logger

	// one command at a time
	mu sync.Mutex
}

func NewBookingService(backend domain.Backend, store *snapshot.Store, reconciler Reconciler, opts Options, logger *zerolog.Logger) *BookingService {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = domain.NotifierFunc(func(context.Context, error) {})
	}
	l := logger.With().Str("component", "booking-service").Logger()

	return &BookingService{
		backend:       backend,
		store:         store,
		reconciler:    reconciler,
		notifier:      notifier,
		onAuthExpired: opts.OnAuthExpired,
		clock:         clock,
		logger:        &l,
	}
}

// State is NoBooking, Running or Paused as seen by the store.
func (s *BookingService) State() models.BookingState {
	return s.store.Get().State
}

func (s *BookingService) Current() models.Snapshot {
	return s.store.Get()
}

// Start starts a booking. The store only changes after the backend accepted
// the command.
func (s *BookingService) Start(ctx context.Context, req domain.StartRequest) (models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cur := s.store.Get()
	if cur.HasBooking() {
		return s.reject("start", domain.ErrInvalidTransition)
	}
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	if req.ProjectID == "" {
		return s.reject("start", domain.Invalid("project_id", models.ErrMissingProject))
	}
	if req.Start != nil && req.Start.After(now) {
		return s.reject("start", domain.Invalid("start", errFutureStart))
	}
	req.Tags = models.NormalizeTags(req.Tags)

	baseRev := s.store.Revision()
	win, err := s.backend.StartBooking(ctx, req)
	if err != nil {
		return s.fail(ctx, "start", err)
	}
	if win == nil {
		return s.fail(ctx, "start", domain.TransportError("start booking", errors.New("empty response")))
	}

	started := *win
	if started.Start.IsZero() {
		started.Start = now
		if req.Start != nil {
			started.Start = *req.Start
		}
	}
	if started.ProjectID == "" {
		started.ProjectID = req.ProjectID
	}
	if started.Tags == nil {
		started.Tags = req.Tags
	}

	if _, ok := s.store.Propose(models.RunningSnapshot(started), baseRev); !ok {
		s.logger.Debug().Str("booking_id", started.ID).Msg("start already confirmed by the server")
	}
	s.succeed("start", started.ID)
	return s.store.Get(), nil
}

// Stop ends the current booking at end, or now when end is nil.
func (s *BookingService) Stop(ctx context.Context, end *time.Time) (models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.store.Get()
	if !cur.HasBooking() {
		return s.reject("stop", domain.ErrInvalidTransition)
	}
	stopAt := s.clock.Now()
	if end != nil {
		stopAt = *end
	}
	if stopAt.Before(cur.Booking.Start) {
		return s.reject("stop", domain.Invalid("end", models.ErrEndBeforeStart))
	}

	rev, _ := s.store.Propose(models.NoBooking(cur.UserID, cur.OrganisationID), s.store.Revision())
	if err := s.backend.StopBooking(ctx, cur.BookingID(), stopAt); err != nil {
		s.rollback(rev, cur)
		return s.fail(ctx, "stop", err)
	}
	s.succeed("stop", cur.BookingID())
	return s.store.Get(), nil
}

// Pause closes the running segment.
func (s *BookingService) Pause(ctx context.Context) (models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.store.Get()
	if cur.State != models.StateRunning || !cur.HasBooking() {
		return s.reject("pause", domain.ErrInvalidTransition)
	}

	rev, _ := s.store.Propose(cur.Paused(s.clock.Now()), s.store.Revision())
	if err := s.backend.PauseBooking(ctx, cur.BookingID()); err != nil {
		s.rollback(rev, cur)
		return s.fail(ctx, "pause", err)
	}
	s.succeed("pause", cur.BookingID())
	return s.store.Get(), nil
}

// Resume opens a new running segment at now.
func (s *BookingService) Resume(ctx context.Context) (models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.store.Get()
	if cur.State != models.StatePaused || !cur.HasBooking() {
		return s.reject("resume", domain.ErrInvalidTransition)
	}

	rev, _ := s.store.Propose(cur.Resumed(s.clock.Now()), s.store.Revision())
	if err := s.backend.ResumeBooking(ctx, cur.BookingID()); err != nil {
		s.rollback(rev, cur)
		return s.fail(ctx, "resume", err)
	}
	s.succeed("resume", cur.BookingID())
	return s.store.Get(), nil
}

// Edit changes start, project or tags of the current booking. Nothing is
// shown before the backend confirms.
func (s *BookingService) Edit(ctx context.Context, req domain.EditRequest) (models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.store.Get()
	if !cur.HasBooking() {
		return s.reject("edit", domain.ErrInvalidTransition)
	}
	if req.Empty() {
		return s.reject("edit", domain.Invalid("", errNothingToEdit))
	}
	if req.ProjectID != nil && strings.TrimSpace(*req.ProjectID) == "" {
		return s.reject("edit", domain.Invalid("project_id", models.ErrMissingProject))
	}
	if req.Start != nil && req.Start.After(s.clock.Now()) {
		return s.reject("edit", domain.Invalid("start", errFutureStart))
	}

	baseRev := s.store.Revision()
	win, err := s.backend.EditBooking(ctx, cur.BookingID(), req)
	if err != nil {
		return s.fail(ctx, "edit", err)
	}

	edited := applyEdit(*cur.Booking, req)
	if win != nil {
		edited = *win
	}
	if _, ok := s.store.Propose(cur.WithBooking(edited), baseRev); !ok {
		s.logger.Debug().Str("booking_id", edited.ID).Msg("edit already confirmed by the server")
	}
	s.succeed("edit", edited.ID)
	return s.store.Get(), nil
}

// Reconcile refetches the current booking now. The fetched state replaces
// anything optimistic.
func (s *BookingService) Reconcile(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reconciler.Reconcile(ctx); err != nil {
		_, err = s.fail(ctx, "reconcile", err)
		return err
	}
	metrics.IncCommand("reconcile", "ok")
	return nil
}

func applyEdit(win models.BookingWindow, req domain.EditRequest) models.BookingWindow {
	if req.Start != nil {
		win = win.WithStart(*req.Start)
	}
	if req.ProjectID != nil {
		win = win.WithProject(strings.TrimSpace(*req.ProjectID))
	}
	if req.Tags != nil {
		win = win.WithTags(*req.Tags)
	}
	return win
}

func (s *BookingService) rollback(rev uint64, prev models.Snapshot) {
	if !s.store.Rollback(rev, prev) {
		// a server write already replaced the placeholder
		s.logger.Debug().Uint64("rev", rev).Msg("rollback skipped")
	}
}

func (s *BookingService) succeed(command, bookingID string) {
	metrics.IncCommand(command, "ok")
	s.logger.Info().Str("command", command).Str("booking_id", bookingID).Msg("command accepted")
}

func (s *BookingService) reject(command string, err error) (models.Snapshot, error) {
	metrics.IncCommand(command, "invalid")
	return s.store.Get(), fmt.Errorf("%s booking: %w", command, err)
}

// fail applies the error policy: conflicts force a refetch and are
// reported, expired credentials go to the session hook, transport errors
// are returned as is.
func (s *BookingService) fail(ctx context.Context, command string, err error) (models.Snapshot, error) {
	err = fmt.Errorf("%s booking: %w", command, err)
	event := s.logger.Warn().Err(err).Str("command", command)

	switch {
	case errors.Is(err, domain.ErrAuthExpired):
		metrics.IncCommand(command, "auth_expired")
		event.Msg("session expired")
		if s.onAuthExpired != nil {
			s.onAuthExpired(err)
		}
	case errors.Is(err, domain.ErrConflict):
		metrics.IncCommand(command, "conflict")
		event.Msg("conflict, reconciling")
		s.reconciler.Request("conflict")
		s.notifier.Notify(ctx, err)
	case errors.Is(err, domain.ErrValidation):
		metrics.IncCommand(command, "invalid")
		event.Msg("rejected by backend")
	case errors.Is(err, domain.ErrTransport):
		metrics.IncCommand(command, "transport")
		event.Msg("backend unreachable")
	default:
		metrics.IncCommand(command, "error")
		event.Msg("command failed")
	}
	return s.store.Get(), err
}
