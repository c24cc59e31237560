package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"bookingsync/internal/config"
	"bookingsync/internal/domain"
	"bookingsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method         string
	Path           string
	Authorization  string
	IdempotencyKey string
	Body           string
}

type backendStub struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(w http.ResponseWriter, r *http.Request, n int)
}

func (s *backendStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.requests = append(s.requests, recordedRequest{
		Method:         r.Method,
		Path:           r.URL.EscapedPath(),
		Authorization:  r.Header.Get("Authorization"),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Body:           string(body),
	})
	n := len(s.requests)
	s.mu.Unlock()
	s.handler(w, r, n)
}

func (s *backendStub) recorded() []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedRequest(nil), s.requests...)
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, n int)) (*BackendClient, *backendStub) {
	t.Helper()
	stub := &backendStub{handler: handler}
	ts := httptest.NewServer(stub)
	t.Cleanup(ts.Close)

	logger := zerolog.Nop()
	client := NewBackendClient(config.BackendConfig{
		BaseURL: ts.URL + "/",
		Token:   "secret",
		Timeout: 2 * time.Second,
	}, &logger)
	return client, stub
}

func writeBody(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

var start = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func window(id string) models.BookingWindow {
	return models.BookingWindow{
		BookingReference: models.BookingReference{ID: id, ProjectID: "p-1", UserID: "u-1", OrganisationID: "o-1"},
		Start:            start,
	}
}

func TestBackendClient_StartBooking(t *testing.T) {
	client, stub := newTestClient(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		writeBody(w, http.StatusCreated, window("b-1"))
	})

	win, err := client.StartBooking(context.Background(), domain.StartRequest{ProjectID: "p-1"})
	require.NoError(t, err)
	assert.Equal(t, "b-1", win.ID)
	assert.True(t, win.Start.Equal(start))

	reqs := stub.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/api/v1/bookings/current", reqs[0].Path)
	assert.Equal(t, "Bearer secret", reqs[0].Authorization)
	assert.NotEmpty(t, reqs[0].IdempotencyKey)
	assert.JSONEq(t, `{"project_id":"p-1"}`, reqs[0].Body)
}

func TestBackendClient_RetriesOnceWithSameKey(t *testing.T) {
	client, stub := newTestClient(t, func(w http.ResponseWriter, r *http.Request, n int) {
		if n == 1 {
			writeBody(w, http.StatusBadGateway, map[string]string{"error": "upstream"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, client.PauseBooking(context.Background(), "b-1"))

	reqs := stub.recorded()
	require.Len(t, reqs, 2)
	assert.Equal(t, "/api/v1/bookings/b-1/pause", reqs[0].Path)
	assert.Equal(t, reqs[0].IdempotencyKey, reqs[1].IdempotencyKey)
}

func TestBackendClient_GivesUpAfterSecondFailure(t *testing.T) {
	client, stub := newTestClient(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := client.ResumeBooking(context.Background(), "b-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Len(t, stub.recorded(), 2)
}

func TestBackendClient_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		want   error
		calls  int
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: domain.ErrAuthExpired, calls: 1},
		{name: "forbidden", status: http.StatusForbidden, want: domain.ErrAuthExpired, calls: 1},
		{name: "conflict", status: http.StatusConflict, body: map[string]string{"error": "stale"}, want: domain.ErrConflict, calls: 1},
		{name: "precondition", status: http.StatusPreconditionFailed, want: domain.ErrConflict, calls: 1},
		{name: "bad request", status: http.StatusBadRequest, body: map[string]string{"message": "bad", "field": "end"}, want: domain.ErrValidation, calls: 1},
		{name: "unprocessable", status: http.StatusUnprocessableEntity, want: domain.ErrValidation, calls: 1},
		{name: "too many requests", status: http.StatusTooManyRequests, want: domain.ErrTransport, calls: 2},
		{name: "server error", status: http.StatusInternalServerError, want: domain.ErrTransport, calls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, stub := newTestClient(t, func(w http.ResponseWriter, r *http.Request, _ int) {
				writeBody(w, tt.status, tt.body)
			})

			err := client.StopBooking(context.Background(), "b-1", start.Add(time.Hour))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Len(t, stub.recorded(), tt.calls)
		})
	}
}

func TestBackendClient_ValidationErrorCarriesField(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		writeBody(w, http.StatusUnprocessableEntity, map[string]string{"error": "end before start", "field": "end"})
	})

	err := client.StopBooking(context.Background(), "b-1", start)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "end", verr.Field)
	assert.Equal(t, "end before start", verr.Reason)
}

func TestBackendClient_GetCurrentBooking(t *testing.T) {
	t.Run("NoContent", func(t *testing.T) {
		client, stub := newTestClient(t, func(w http.ResponseWriter, r *http.Request, _ int) {
			w.WriteHeader(http.StatusNoContent)
		})

		snap, err := client.GetCurrentBooking(context.Background())
		require.NoError(t, err)
		assert.Equal(t, models.StateNone, snap.State)
		assert.Empty(t, stub.recorded()[0].IdempotencyKey)
	})

	t.Run("Running", func(t *testing.T) {
		snap := models.RunningSnapshot(window("b-1"))
		snap.Seq = 12
		snap.Booking.Tags = []models.Tag{{ID: "b"}, {ID: "a"}, {ID: "a"}}
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request, _ int) {
			writeBody(w, http.StatusOK, snap)
		})

		got, err := client.GetCurrentBooking(context.Background())
		require.NoError(t, err)
		assert.Equal(t, models.StateRunning, got.State)
		assert.Equal(t, uint64(12), got.Seq)
		require.NotNil(t, got.Booking)
		assert.Equal(t, []models.Tag{{ID: "a"}, {ID: "b"}}, got.Booking.Tags)
	})

	t.Run("UnknownState", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request, _ int) {
			writeBody(w, http.StatusOK, map[string]any{"state": "archived"})
		})

		_, err := client.GetCurrentBooking(context.Background())
		assert.ErrorIs(t, err, domain.ErrTransport)
	})

	t.Run("Garbage", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request, _ int) {
			_, _ = w.Write([]byte("{not json"))
		})

		_, err := client.GetCurrentBooking(context.Background())
		assert.ErrorIs(t, err, domain.ErrTransport)
	})
}

func TestBackendClient_EditBooking(t *testing.T) {
	project := "p-2"

	t.Run("ReturnsWindow", func(t *testing.T) {
		client, stub := newTestClient(t, func(w http.ResponseWriter, r *http.Request, _ int) {
			win := window("b-1")
			win.ProjectID = project
			writeBody(w, http.StatusOK, win)
		})

		win, err := client.EditBooking(context.Background(), "b-1", domain.EditRequest{ProjectID: &project})
		require.NoError(t, err)
		require.NotNil(t, win)
		assert.Equal(t, project, win.ProjectID)

		reqs := stub.recorded()
		assert.Equal(t, http.MethodPatch, reqs[0].Method)
		assert.Equal(t, "/api/v1/bookings/b-1", reqs[0].Path)
		assert.JSONEq(t, `{"project_id":"p-2"}`, reqs[0].Body)
	})

	t.Run("EmptyBody", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request, _ int) {
			w.WriteHeader(http.StatusOK)
		})

		win, err := client.EditBooking(context.Background(), "b-1", domain.EditRequest{ProjectID: &project})
		require.NoError(t, err)
		assert.Nil(t, win)
	})
}

func TestBackendClient_EscapesBookingID(t *testing.T) {
	client, stub := newTestClient(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, client.PauseBooking(context.Background(), "a/b"))
	assert.Equal(t, "/api/v1/bookings/a%2Fb/pause", stub.recorded()[0].Path)
}

func TestBackendClient_CanceledContext(t *testing.T) {
	client, stub := newTestClient(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		w.WriteHeader(http.StatusNoContent)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.PauseBooking(ctx, "b-1")
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Empty(t, stub.recorded())
}

func TestBackendClient_RateLimit(t *testing.T) {
	stub := &backendStub{handler: func(w http.ResponseWriter, r *http.Request, _ int) {
		w.WriteHeader(http.StatusNoContent)
	}}
	ts := httptest.NewServer(stub)
	t.Cleanup(ts.Close)

	logger := zerolog.Nop()
	client := NewBackendClient(config.BackendConfig{
		BaseURL:   ts.URL,
		Token:     "secret",
		RateLimit: config.RateLimitConfig{RPS: 10, Burst: 1},
	}, &logger)

	began := time.Now()
	for range 3 {
		require.NoError(t, client.PauseBooking(context.Background(), "b-1"))
	}
	// burst 1 at 10 rps: the second and third calls wait ~100ms each
	assert.GreaterOrEqual(t, time.Since(began), 150*time.Millisecond)
}
