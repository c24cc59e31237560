package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bookingsync/internal/domain"
	"bookingsync/internal/events"
	"bookingsync/internal/metrics"
	"bookingsync/internal/models"
	"bookingsync/internal/worker"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// State of the logical connection.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Reasons of a closed channel that never reconnects. Any other reason is a
// transient failure waiting out its backoff.
const (
	ReasonClosed      = "closed"
	ReasonAuthExpired = "auth expired"
	ReasonStopped     = "stopped"
)

// Status is the current state plus, when closed, why.
type Status struct {
	State  State
	Reason string
	Since  time.Time
}

// Terminal reports whether the channel is closed for good.
func (s Status) Terminal() bool {
	if s.State != StateClosed {
		return false
	}
	switch s.Reason {
	case ReasonClosed, ReasonAuthExpired, ReasonStopped:
		return true
	}
	return false
}

// Sink receives decoded events in arrival order.
type Sink interface {
	Handle(event events.Event)
	Reconnected()
}

// Conn is one established connection. ReadMessage blocks until a frame
// arrives or the connection dies; Close unblocks it.
type Conn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens connections. Errors wrapping domain.ErrAuthExpired stop the
// channel for good.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type Options struct {
	Retry         worker.RetryPolicy
	Clock         clockwork.Clock
	OnAuthExpired func(error)
}

// Channel keeps one logical push connection alive and forwards what it
// reads to a single sink. Nothing is buffered while disconnected.
type Channel struct {
	dialer Dialer
	sink   Sink
	retry  worker.RetryPolicy
	clock  clockwork.Clock
	logger *zerolog.Logger

	onAuthExpired func(error)

	mu      sync.Mutex
	status  Status
	conn    Conn
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	closed  bool
}

func New(dialer Dialer, sink Sink, opts Options, logger *zerolog.Logger) *Channel {
	retry := opts.Retry
	if retry.InitialDelay == 0 {
		retry.InitialDelay = models.ChannelBackoffBase
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = models.ChannelBackoffCap
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = models.ChannelBackoffFactor
	}
	if retry.Jitter == 0 {
		retry.Jitter = models.ChannelBackoffJitter
	}
	// the channel never gives up on its own
	retry.MaxRetries = 0

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	l := logger.With().Str("component", "channel").Logger()

	return &Channel{
		dialer:        dialer,
		sink:          sink,
		retry:         retry,
		clock:         clock,
		logger:        &l,
		onAuthExpired: opts.OnAuthExpired,
		status:        Status{State: StateClosed, Reason: "not started", Since: clock.Now()},
		done:          make(chan struct{}),
	}
}

// Start connects in the background. It returns an error when called twice
// or after Close.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("channel closed")
	}
	if c.started {
		return errors.New("channel already started")
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	return nil
}

// Status returns the current connection state.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Close tears the connection down and waits for the loop to exit. No retry
// happens afterwards.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if c.started {
			<-c.done
		}
		return
	}
	c.closed = true
	started := c.started
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if started {
		<-c.done
	}
	c.setStatus(StateClosed, ReasonClosed)
}

// run owns the connection until ctx is done or the credentials are
// rejected. The auth hook is called after done is closed so that it may
// call Close.
func (c *Channel) run(ctx context.Context) {
	err := c.loop(ctx)
	if err != nil {
		c.setStatus(StateClosed, ReasonAuthExpired)
	} else {
		c.setStatus(StateClosed, ReasonStopped)
	}
	close(c.done)

	if err != nil && c.onAuthExpired != nil {
		c.onAuthExpired(err)
	}
}

func (c *Channel) loop(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		c.setStatus(StateConnecting, "")

		conn, err := c.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, domain.ErrAuthExpired) {
				c.logger.Warn().Err(err).Msg("push channel rejected credentials")
				return err
			}
			attempt++
			c.setStatus(StateClosed, err.Error())
			if !c.backoff(ctx, attempt, err) {
				return nil
			}
			continue
		}

		if !c.attach(conn) {
			_ = conn.Close()
			return nil
		}
		if attempt > 0 {
			metrics.IncReconnect()
		}
		attempt = 0
		c.setStatus(StateOpen, "")
		c.logger.Info().Msg("push channel open")
		c.sink.Reconnected()

		err = c.read(conn)
		c.detach()
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}

		attempt++
		c.setStatus(StateClosed, err.Error())
		if !c.backoff(ctx, attempt, err) {
			return nil
		}
	}
}

func (c *Channel) read(conn Conn) error {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		event, err := events.Decode(raw)
		if err != nil {
			c.logger.Warn().Err(err).Int("size", len(raw)).Msg("undecodable frame dropped")
			metrics.IncEvent("unknown", "undecodable")
			continue
		}
		c.sink.Handle(event)
	}
}

func (c *Channel) backoff(ctx context.Context, attempt int, cause error) bool {
	delay := c.retry.JitteredDelay(attempt)
	c.logger.Warn().Err(cause).Int("attempt", attempt).Dur("retry_in", delay).Msg("push channel down")

	select {
	case <-ctx.Done():
		return false
	case <-c.clock.After(delay):
		return true
	}
}

// attach publishes conn so Close can interrupt a blocked read.
func (c *Channel) attach(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	return true
}

func (c *Channel) detach() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

func (c *Channel) setStatus(state State, reason string) {
	c.mu.Lock()
	if c.status.State == state && c.status.Reason == reason {
		c.mu.Unlock()
		return
	}
	c.status = Status{State: state, Reason: reason, Since: c.clock.Now()}
	c.mu.Unlock()

	metrics.SetChannelState(state.String())
	c.logger.Debug().Str("state", state.String()).Str("reason", reason).Msg("channel state changed")
}
