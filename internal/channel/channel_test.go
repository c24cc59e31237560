package channel

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bookingsync/internal/domain"
	"bookingsync/internal/events"
	"bookingsync/internal/worker"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu          sync.Mutex
	events      []events.Event
	reconnected int
}

func (s *recordingSink) Handle(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) Reconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnected++
}

func (s *recordingSink) snapshot() ([]events.Event, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.events...), s.reconnected
}

type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return nil, errors.New("connection reset")
		}
		return f, nil
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fakeDialer hands out the scripted results in order and then blocks.
type fakeDialer struct {
	mu      sync.Mutex
	results []any
	dials   atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	if len(d.results) == 0 {
		d.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	next := d.results[0]
	d.results = d.results[1:]
	d.mu.Unlock()

	if err, ok := next.(error); ok {
		return nil, err
	}
	return next.(*fakeConn), nil
}

func newTestChannel(d Dialer, sink Sink, onAuth func(error)) *Channel {
	logger := zerolog.New(io.Discard)
	return New(d, sink, Options{
		Retry:         worker.RetryPolicy{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2},
		OnAuthExpired: onAuth,
	}, &logger)
}

func frame(kind events.Kind, seq uint64) []byte {
	return []byte(`{"type":"` + string(kind) + `","seq":` + strconv.FormatUint(seq, 10) + `,"user_id":"u-1","organisation_id":"o-1","booking_id":"b-1"}`)
}

func TestChannelDeliversInOrder(t *testing.T) {
	conn := newFakeConn()
	conn.frames <- frame(events.KindStopped, 1)
	conn.frames <- []byte(`{not json`)
	conn.frames <- frame(events.KindHeartbeat, 0)
	conn.frames <- frame(events.KindStopped, 2)

	sink := &recordingSink{}
	ch := newTestChannel(&fakeDialer{results: []any{conn}}, sink, nil)
	require.NoError(t, ch.Start(context.Background()))
	defer ch.Close()

	require.Eventually(t, func() bool {
		evs, _ := sink.snapshot()
		return len(evs) == 3
	}, time.Second, time.Millisecond)

	evs, reconnected := sink.snapshot()
	assert.Equal(t, 1, reconnected)
	assert.Equal(t, uint64(1), evs[0].Seq)
	assert.Equal(t, events.KindHeartbeat, evs[1].Kind)
	assert.Equal(t, uint64(2), evs[2].Seq)
	assert.Equal(t, StateOpen, ch.Status().State)
}

func TestChannelReconnectsAfterFailure(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	dialer := &fakeDialer{results: []any{
		domain.TransportError("dial", errors.New("refused")),
		first,
		domain.TransportError("dial", errors.New("refused")),
		second,
	}}

	sink := &recordingSink{}
	ch := newTestChannel(dialer, sink, nil)
	require.NoError(t, ch.Start(context.Background()))
	defer ch.Close()

	require.Eventually(t, func() bool {
		_, n := sink.snapshot()
		return n == 1
	}, time.Second, time.Millisecond)

	close(first.frames)
	require.Eventually(t, func() bool {
		_, n := sink.snapshot()
		return n == 2
	}, time.Second, time.Millisecond)

	second.frames <- frame(events.KindStopped, 7)
	require.Eventually(t, func() bool {
		evs, _ := sink.snapshot()
		return len(evs) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(4), dialer.dials.Load())
}

func TestChannelAuthExpiredStopsRetrying(t *testing.T) {
	dialer := &fakeDialer{results: []any{
		domain.TransportError("dial", errors.New("refused")),
		errors.Join(errors.New("status 401"), domain.ErrAuthExpired),
	}}

	var ch *Channel
	hookErr := make(chan error, 1)
	ch = newTestChannel(dialer, &recordingSink{}, func(err error) {
		// the session closes the channel from the hook
		ch.Close()
		hookErr <- err
	})
	require.NoError(t, ch.Start(context.Background()))

	select {
	case err := <-hookErr:
		assert.ErrorIs(t, err, domain.ErrAuthExpired)
	case <-time.After(time.Second):
		t.Fatal("auth hook not called")
	}
	assert.Equal(t, StateClosed, ch.Status().State)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), dialer.dials.Load())
}

func TestChannelCloseStopsEverything(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{results: []any{conn}}
	sink := &recordingSink{}
	ch := newTestChannel(dialer, sink, nil)
	require.NoError(t, ch.Start(context.Background()))

	require.Eventually(t, func() bool {
		return ch.Status().State == StateOpen
	}, time.Second, time.Millisecond)

	ch.Close()
	ch.Close()

	assert.Equal(t, StateClosed, ch.Status().State)
	assert.Equal(t, ReasonClosed, ch.Status().Reason)
	assert.True(t, ch.Status().Terminal())
	select {
	case <-conn.closed:
	default:
		t.Fatal("connection left open")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), dialer.dials.Load())
	assert.Error(t, ch.Start(context.Background()))
}

func TestChannelCloseBeforeStart(t *testing.T) {
	ch := newTestChannel(&fakeDialer{}, &recordingSink{}, nil)
	assert.NotPanics(t, ch.Close)
	assert.Error(t, ch.Start(context.Background()))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, Status{State: StateOpen}.Terminal())
	assert.False(t, Status{State: StateConnecting}.Terminal())
	assert.False(t, Status{State: StateClosed, Reason: "read: unexpected EOF"}.Terminal(), "backoff between reconnects")
	assert.False(t, Status{State: StateClosed, Reason: "not started"}.Terminal())
	assert.True(t, Status{State: StateClosed, Reason: ReasonClosed}.Terminal())
	assert.True(t, Status{State: StateClosed, Reason: ReasonAuthExpired}.Terminal())
	assert.True(t, Status{State: StateClosed, Reason: ReasonStopped}.Terminal())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
}

func TestWebsocketDialer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.WriteMessage(websocket.TextMessage, frame(events.KindStopped, 3))
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	t.Run("delivers frames", func(t *testing.T) {
		sink := &recordingSink{}
		ch := newTestChannel(NewWebsocketDialer(url, "secret", time.Second, time.Second), sink, nil)
		require.NoError(t, ch.Start(context.Background()))
		defer ch.Close()

		require.Eventually(t, func() bool {
			evs, _ := sink.snapshot()
			return len(evs) == 1
		}, 2*time.Second, 5*time.Millisecond)
		evs, n := sink.snapshot()
		assert.Equal(t, 1, n)
		assert.Equal(t, "b-1", evs[0].BookingID)
	})

	t.Run("rejected token", func(t *testing.T) {
		_, err := NewWebsocketDialer(url, "wrong", time.Second, time.Second).Dial(context.Background())
		assert.ErrorIs(t, err, domain.ErrAuthExpired)
	})

	t.Run("unreachable", func(t *testing.T) {
		_, err := NewWebsocketDialer("ws://127.0.0.1:1/events", "secret", time.Second, time.Second).Dial(context.Background())
		assert.ErrorIs(t, err, domain.ErrTransport)
	})
}

func TestWebsocketHeartbeatTimeout(t *testing.T) {
	upgrader := websocket.Upgrader{}
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	conn, err := NewWebsocketDialer("ws"+strings.TrimPrefix(srv.URL, "http"), "", time.Second, 50*time.Millisecond).
		Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	start := time.Now()
	_, err = conn.ReadMessage()
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Less(t, time.Since(start), time.Second)
}
