package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"bookingsync/internal/events"
	"bookingsync/internal/models"
	"bookingsync/internal/projector"
)

var ErrViewClosed = errors.New("view closed")

// View groups the subscriptions of one consumer (a screen, a CLI command).
// Everything acquired through it is released by a single Close.
type View struct {
	session *Session
	ctx     context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	closed   bool
	active   bool
	releases []func()
	ticks    []*viewTick
}

// viewTick survives the booking going away: the projector stops its loop and
// the view starts a new one on the next booking.
type viewTick struct {
	fn       projector.TickFunc
	interval time.Duration
	cancel   func()
}

// NewView opens a view bound to ctx. Closing the view or cancelling ctx
// discards in-flight reloads.
func (s *Session) NewView(ctx context.Context) *View {
	vctx, cancel := context.WithCancel(ctx)
	v := &View{session: s, ctx: vctx, cancel: cancel, active: s.CurrentBooking().HasBooking()}
	v.releases = append(v.releases, s.OnSnapshot(v.onSnapshot))
	return v
}

func (v *View) Context() context.Context {
	return v.ctx
}

func (v *View) CurrentBooking() models.Snapshot {
	return v.session.CurrentBooking()
}

func (v *View) OnEvent(scope models.Scope, handler events.Handler) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrViewClosed
	}
	release, err := v.session.OnEvent(scope, handler)
	if err != nil {
		return err
	}
	v.releases = append(v.releases, release)
	return nil
}

// OnTick keeps fn ticking for as long as the view is open, including across
// stop and start of bookings.
func (v *View) OnTick(fn projector.TickFunc, interval time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrViewClosed
	}
	t := &viewTick{fn: fn, interval: interval}
	t.cancel = v.session.OnTick(fn, interval)
	v.ticks = append(v.ticks, t)
	return nil
}

func (v *View) OnSnapshot(fn SnapshotFunc) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrViewClosed
	}
	v.releases = append(v.releases, v.session.OnSnapshot(fn))
	return nil
}

// Reload refetches the current booking under both ctx and the view context.
func (v *View) Reload(ctx context.Context) error {
	rctx, cancel := context.WithCancel(v.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := rctx.Err(); err != nil {
		if v.ctx.Err() != nil {
			return ErrViewClosed
		}
		return err
	}
	return v.session.Reload(rctx)
}

// Close releases every subscription and tick loop of the view. Only the
// first call does anything.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	releases := v.releases
	ticks := v.ticks
	v.releases, v.ticks = nil, nil
	v.mu.Unlock()

	v.cancel()
	for _, release := range releases {
		release()
	}
	for _, t := range ticks {
		t.cancel()
	}
}

// onSnapshot restarts tick loops when a booking becomes active again.
func (v *View) onSnapshot(snap models.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	was := v.active
	v.active = snap.HasBooking()
	if v.closed || was || !v.active {
		return
	}
	for _, t := range v.ticks {
		t.cancel()
		t.cancel = v.session.OnTick(t.fn, t.interval)
	}
}
