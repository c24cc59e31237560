package projector

import (
	"sync"
	"time"

	"bookingsync/internal/metrics"
	"bookingsync/internal/models"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Project returns now - anchor + accumulated in whole milliseconds. Clock
// skew that would give a negative duration yields zero.
func Project(anchor time.Time, accumulated time.Duration, now func() time.Time) time.Duration {
	ms := now().UnixMilli() - anchor.UnixMilli() + accumulated.Milliseconds()
	if ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// Anchor is the reference point of the projection.
type Anchor struct {
	Start       time.Time
	Accumulated time.Duration
	Running     bool
	Active      bool
}

// AnchorFor derives the anchor of a snapshot.
func AnchorFor(snap models.Snapshot) Anchor {
	if !snap.HasBooking() {
		return Anchor{}
	}
	return Anchor{
		Start:       snap.Anchor,
		Accumulated: snap.Accumulated(),
		Running:     snap.State == models.StateRunning,
		Active:      true,
	}
}

// TickFunc receives the projected duration.
type TickFunc func(elapsed time.Duration)

type tickLoop struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (l *tickLoop) cancel() {
	l.once.Do(func() { close(l.stop) })
	<-l.done
}

// Projector turns the current anchor into a live duration. One projector
// serves every view of a session; views subscribe with OnTick.
type Projector struct {
	clock  clockwork.Clock
	logger *zerolog.Logger

	mu     sync.RWMutex
	anchor Anchor
	loops  map[uint64]*tickLoop
	nextID uint64
}

func New(clock clockwork.Clock, logger *zerolog.Logger) *Projector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	l := logger.With().Str("component", "projector").Logger()
	return &Projector{
		clock:  clock,
		logger: &l,
		loops:  make(map[uint64]*tickLoop),
	}
}

// Reanchor replaces the anchor. Moving to an inactive anchor stops every
// tick loop.
func (p *Projector) Reanchor(a Anchor) {
	p.mu.Lock()
	p.anchor = a
	var stopping []*tickLoop
	if !a.Active {
		for id, l := range p.loops {
			stopping = append(stopping, l)
			delete(p.loops, id)
		}
	}
	n := len(p.loops)
	p.mu.Unlock()

	for _, l := range stopping {
		l.cancel()
	}
	metrics.SetTickLoops(n)
	p.logger.Debug().
		Bool("active", a.Active).
		Bool("running", a.Running).
		Time("anchor", a.Start).
		Dur("accumulated", a.Accumulated).
		Msg("re-anchored")
}

func (p *Projector) Anchor() Anchor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.anchor
}

// Elapsed projects the current anchor at the clock's now.
func (p *Projector) Elapsed() time.Duration {
	return p.elapsed(p.Anchor())
}

func (p *Projector) elapsed(a Anchor) time.Duration {
	switch {
	case !a.Active:
		return 0
	case !a.Running:
		return a.Accumulated.Truncate(time.Millisecond)
	}
	return Project(a.Start, a.Accumulated, p.clock.Now)
}

// OnTick calls fn every interval with the projected duration until cancel is
// called or the booking goes away. cancel returns once the loop has exited
// and may be called more than once; it must not be called from fn itself.
// Without an active booking no loop is started.
func (p *Projector) OnTick(fn TickFunc, interval time.Duration) (cancel func()) {
	if interval <= 0 {
		interval = models.RunningTickInterval
	}

	p.mu.Lock()
	if !p.anchor.Active {
		p.mu.Unlock()
		return func() {}
	}
	p.nextID++
	id := p.nextID
	loop := &tickLoop{stop: make(chan struct{}), done: make(chan struct{})}
	p.loops[id] = loop
	n := len(p.loops)
	// the ticker is created before OnTick returns so that a fake clock
	// sees it immediately
	ticker := p.clock.NewTicker(interval)
	p.mu.Unlock()
	metrics.SetTickLoops(n)

	go p.run(loop, ticker, fn)

	return func() {
		p.mu.Lock()
		delete(p.loops, id)
		n := len(p.loops)
		p.mu.Unlock()
		loop.cancel()
		metrics.SetTickLoops(n)
	}
}

// Active returns the number of running tick loops.
func (p *Projector) Active() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.loops)
}

// StopAll cancels every tick loop.
func (p *Projector) StopAll() {
	p.mu.Lock()
	loops := p.loops
	p.loops = make(map[uint64]*tickLoop)
	p.mu.Unlock()
	for _, l := range loops {
		l.cancel()
	}
	metrics.SetTickLoops(0)
}

func (p *Projector) run(loop *tickLoop, ticker clockwork.Ticker, fn TickFunc) {
	defer close(loop.done)
	defer ticker.Stop()
	for {
		select {
		case <-loop.stop:
			return
		case <-ticker.Chan():
			select {
			case <-loop.stop:
				return
			default:
			}
			p.tick(fn)
		}
	}
}

func (p *Projector) tick(fn TickFunc) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("tick callback panicked, skipping tick")
			metrics.IncSubscriberFailure("projector", "panic")
		}
	}()
	fn(p.Elapsed())
}
