// Package session wires the booking engine for one (user, organisation)
// pair: snapshot store, dispatcher, reconciler, projector, push channel and
// the lifecycle controller. Nothing here is global; every session is an
// explicitly constructed value.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bookingsync/internal/channel"
	"bookingsync/internal/config"
	"bookingsync/internal/domain"
	"bookingsync/internal/events"
	"bookingsync/internal/models"
	"bookingsync/internal/projector"
	"bookingsync/internal/service"
	"bookingsync/internal/snapshot"
	"bookingsync/internal/worker"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrNotStarted    = errors.New("session not started")
)

// Deps are the collaborators a session needs. Repo, Clock and Notifier are
// optional.
type Deps struct {
	Backend  domain.Backend
	Repo     domain.SnapshotRepository
	Dialer   channel.Dialer
	Clock    clockwork.Clock
	Notifier domain.Notifier
	Logger   *zerolog.Logger
}

// SnapshotFunc receives every change of the current booking.
type SnapshotFunc func(snap models.Snapshot)

type Session struct {
	userID string
	orgID  string
	repo   domain.SnapshotRepository
	clock  clockwork.Clock
	notify domain.Notifier
	logger *zerolog.Logger

	store      *snapshot.Store
	dispatcher *events.Dispatcher
	reconciler *worker.Reconciler
	projector  *projector.Projector
	channel    *channel.Channel
	service    *service.BookingService

	persist     chan models.Snapshot
	persistMu   sync.Mutex
	unsubscribe func()

	subsMu sync.RWMutex
	subs   map[uint64]SnapshotFunc
	nextID uint64

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
	expired atomic.Bool
}

func New(cfg *config.Config, deps Deps) (*Session, error) {
	if deps.Backend == nil {
		return nil, errors.New("session: backend is required")
	}
	if deps.Dialer == nil {
		return nil, errors.New("session: dialer is required")
	}
	if cfg.Session.UserID == "" || cfg.Session.OrganisationID == "" {
		return nil, errors.New("session: user and organisation are required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = domain.NotifierFunc(func(context.Context, error) {})
	}
	logger := deps.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	s := &Session{
		userID:  cfg.Session.UserID,
		orgID:   cfg.Session.OrganisationID,
		repo:    deps.Repo,
		clock:   clock,
		notify:  notifier,
		logger:  logger,
		persist: make(chan models.Snapshot, 1),
		subs:    make(map[uint64]SnapshotFunc),
	}

	s.store = snapshot.NewStore(s.userID, s.orgID, logger)
	s.projector = projector.New(clock, logger)

	s.reconciler = worker.NewReconciler(deps.Backend, s.store, worker.RetryPolicy{
		MaxRetries:    cfg.Session.ReconcileRetries,
		InitialDelay:  cfg.Channel.BackoffBase,
		MaxDelay:      cfg.Channel.BackoffCap,
		BackoffFactor: cfg.Channel.BackoffFactor,
		Jitter:        cfg.Channel.Jitter,
	}, clock, logger)
	s.reconciler.OnAuthExpired(s.expire)

	dispatcher, err := events.NewDispatcher(s.store, s.reconciler, events.DispatcherOptions{
		WindowSize: cfg.Session.DedupeWindowSize,
		WindowTTL:  cfg.Session.DedupeWindowTTL,
		Clock:      clock,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	s.dispatcher = dispatcher

	s.channel = channel.New(deps.Dialer, s.dispatcher, channel.Options{
		Retry: worker.RetryPolicy{
			InitialDelay:  cfg.Channel.BackoffBase,
			MaxDelay:      cfg.Channel.BackoffCap,
			BackoffFactor: cfg.Channel.BackoffFactor,
			Jitter:        cfg.Channel.Jitter,
		},
		Clock:         clock,
		OnAuthExpired: s.expire,
	}, logger)

	s.service = service.NewBookingService(deps.Backend, s.store, s.reconciler, service.Options{
		Clock:         clock,
		Notifier:      notifier,
		OnAuthExpired: s.expire,
	}, logger)

	s.unsubscribe = s.store.Subscribe(s.onChange)
	return s, nil
}

// Start warms the store from the repository, connects the push channel and
// schedules the first reconciliation. The session stops when ctx is done or
// Close is called.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.started {
		return errors.New("session already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.warmReload(s.ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.reconciler.Start(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.persistLoop(s.ctx)
	}()

	if err := s.channel.Start(s.ctx); err != nil {
		return fmt.Errorf("start channel: %w", err)
	}
	s.reconciler.Request("initial")
	s.logger.Info().Msg("session started")
	return nil
}

// Close stops the channel, the reconciler and every tick loop. It is safe to
// call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	s.channel.Close()
	if cancel != nil {
		cancel()
	}
	s.reconciler.Invalidate()
	s.wg.Wait()
	s.projector.StopAll()
	s.unsubscribe()
	s.logger.Info().Msg("session closed")
}

// Expired reports whether the backend rejected the session credentials.
func (s *Session) Expired() bool {
	return s.expired.Load()
}

func (s *Session) UserID() string         { return s.userID }
func (s *Session) OrganisationID() string { return s.orgID }

// Scope addresses this session's own events of dimension dim.
func (s *Session) Scope(dim models.Dimension) models.Scope {
	return models.Scope{UserID: s.userID, OrganisationID: s.orgID, Dimension: dim}.Normalize()
}

func (s *Session) CurrentBooking() models.Snapshot {
	return s.store.Get()
}

func (s *Session) Elapsed() time.Duration {
	return s.projector.Elapsed()
}

func (s *Session) ChannelStatus() channel.Status {
	return s.channel.Status()
}

func (s *Session) StartBooking(ctx context.Context, req domain.StartRequest) (models.Snapshot, error) {
	if err := s.usable(); err != nil {
		return s.store.Get(), err
	}
	return s.service.Start(ctx, req)
}

func (s *Session) StopBooking(ctx context.Context, end *time.Time) (models.Snapshot, error) {
	if err := s.usable(); err != nil {
		return s.store.Get(), err
	}
	return s.service.Stop(ctx, end)
}

func (s *Session) PauseBooking(ctx context.Context) (models.Snapshot, error) {
	if err := s.usable(); err != nil {
		return s.store.Get(), err
	}
	return s.service.Pause(ctx)
}

func (s *Session) ResumeBooking(ctx context.Context) (models.Snapshot, error) {
	if err := s.usable(); err != nil {
		return s.store.Get(), err
	}
	return s.service.Resume(ctx)
}

func (s *Session) EditBooking(ctx context.Context, req domain.EditRequest) (models.Snapshot, error) {
	if err := s.usable(); err != nil {
		return s.store.Get(), err
	}
	return s.service.Edit(ctx, req)
}

// Reload refetches the current booking. A result arriving after ctx is done
// is discarded.
func (s *Session) Reload(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.service.Reconcile(ctx)
}

// OnEvent routes events of scope to handler until the returned function is
// called.
func (s *Session) OnEvent(scope models.Scope, handler events.Handler) (func(), error) {
	return s.dispatcher.Subscribe(scope, handler)
}

// OnTick calls fn with the projected duration every interval while a booking
// is active. fn must not block on session commands.
func (s *Session) OnTick(fn projector.TickFunc, interval time.Duration) func() {
	return s.projector.OnTick(fn, interval)
}

// OnSnapshot calls fn after every change of the current booking, after the
// projector was re-anchored. fn must not issue session commands inline.
func (s *Session) OnSnapshot(fn SnapshotFunc) func() {
	s.subsMu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}

func (s *Session) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrSessionClosed
	case !s.started:
		return ErrNotStarted
	case s.expired.Load():
		return domain.ErrAuthExpired
	}
	return nil
}

// onChange is the only store listener: it re-anchors the projector, queues
// authoritative values for persistence and fans out to OnSnapshot callbacks.
func (s *Session) onChange(prev, next models.Snapshot) {
	s.projector.Reanchor(projector.AnchorFor(next))

	if !next.Provisional && !s.expired.Load() {
		s.queuePersist(next)
	}

	s.subsMu.RLock()
	subs := make([]SnapshotFunc, 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subsMu.RUnlock()
	for _, fn := range subs {
		s.callSnapshot(fn, next)
	}
}

func (s *Session) callSnapshot(fn SnapshotFunc, snap models.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("snapshot subscriber panicked")
		}
	}()
	fn(snap)
}

// queuePersist keeps only the newest pending value. Listener calls are
// serialized by the store, so there is a single producer.
func (s *Session) queuePersist(snap models.Snapshot) {
	if s.repo == nil {
		return
	}
	select {
	case s.persist <- snap:
		return
	default:
	}
	select {
	case <-s.persist:
	default:
	}
	select {
	case s.persist <- snap:
	default:
	}
}

func (s *Session) persistLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-s.persist:
			s.save(ctx, snap)
		}
	}
}

func (s *Session) save(ctx context.Context, snap models.Snapshot) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if s.expired.Load() {
		return
	}
	var err error
	if snap.HasBooking() {
		err = s.repo.SetSnapshot(ctx, snap)
	} else {
		err = s.repo.ClearSnapshot(ctx, s.userID, s.orgID)
	}
	if err != nil && ctx.Err() == nil {
		s.logger.Warn().Err(err).Msg("failed to persist snapshot")
	}
}

// warmReload shows the last persisted snapshot until the first
// reconciliation replaces it.
func (s *Session) warmReload(ctx context.Context) {
	if s.repo == nil {
		return
	}
	snap, err := s.repo.GetSnapshot(ctx, s.userID, s.orgID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("warm reload failed")
		return
	}
	if snap == nil || !snap.HasBooking() {
		return
	}
	if _, ok := s.store.Propose(*snap, s.store.Revision()); ok {
		s.logger.Info().Stringer("snapshot", *snap).Msg("warm reloaded snapshot")
	}
}

// expire drops all local state once the backend rejected the credentials.
// It may be called from the channel, the reconciler or a command.
func (s *Session) expire(cause error) {
	if !s.expired.CompareAndSwap(false, true) {
		return
	}
	s.logger.Warn().Err(cause).Msg("session expired, resetting local state")

	s.reconciler.Invalidate()
	s.store.Reset()
	s.dispatcher.Reset()
	s.projector.StopAll()
	s.channel.Close()

	ctx := context.Background()
	s.mu.Lock()
	if s.ctx != nil {
		ctx = s.ctx
	}
	s.mu.Unlock()
	s.notify.Notify(ctx, cause)

	if s.repo != nil {
		s.persistMu.Lock()
		defer s.persistMu.Unlock()
		if err := s.repo.ClearSnapshot(ctx, s.userID, s.orgID); err != nil {
			s.logger.Warn().Err(err).Msg("failed to clear persisted snapshot")
		}
	}
}
