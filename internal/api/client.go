package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bookingsync/internal/config"
	"bookingsync/internal/domain"
	"bookingsync/internal/metrics"
	"bookingsync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// BackendClient calls the booking REST API. Transport failures are retried
// once with the same Idempotency-Key so a mutation is never applied twice.
type BackendClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zerolog.Logger
}

// apiError is the error body returned by the backend.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field"`
}

func NewBackendClient(cfg config.BackendConfig, logger *zerolog.Logger) *BackendClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = models.DefaultRequestTimeout
	}
	limit := rate.Inf
	if cfg.RateLimit.RPS > 0 {
		limit = rate.Limit(cfg.RateLimit.RPS)
	}
	burst := cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 5
	}
	l := logger.With().Str("component", "backend-client").Logger()

	return &BackendClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		logger:     &l,
	}
}

func (c *BackendClient) StartBooking(ctx context.Context, req domain.StartRequest) (*models.BookingWindow, error) {
	var win models.BookingWindow
	if _, err := c.do(ctx, "start", http.MethodPost, "/api/v1/bookings/current", req, &win); err != nil {
		return nil, err
	}
	if err := win.Validate(); err != nil {
		return nil, domain.TransportError("start", fmt.Errorf("invalid booking in response: %w", err))
	}
	return &win, nil
}

func (c *BackendClient) StopBooking(ctx context.Context, bookingID string, end time.Time) error {
	body := struct {
		End time.Time `json:"end"`
	}{End: end}
	_, err := c.do(ctx, "stop", http.MethodPost, bookingPath(bookingID, "stop"), body, nil)
	return err
}

func (c *BackendClient) PauseBooking(ctx context.Context, bookingID string) error {
	_, err := c.do(ctx, "pause", http.MethodPost, bookingPath(bookingID, "pause"), nil, nil)
	return err
}

func (c *BackendClient) ResumeBooking(ctx context.Context, bookingID string) error {
	_, err := c.do(ctx, "resume", http.MethodPost, bookingPath(bookingID, "resume"), nil, nil)
	return err
}

// EditBooking returns the updated window, or nil when the backend answers
// without a body.
func (c *BackendClient) EditBooking(ctx context.Context, bookingID string, req domain.EditRequest) (*models.BookingWindow, error) {
	var win models.BookingWindow
	status, err := c.do(ctx, "edit", http.MethodPatch, bookingPath(bookingID, ""), req, &win)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || win.ID == "" {
		return nil, nil
	}
	return &win, nil
}

func (c *BackendClient) GetCurrentBooking(ctx context.Context) (models.Snapshot, error) {
	var snap models.Snapshot
	status, err := c.do(ctx, "current", http.MethodGet, "/api/v1/bookings/current", nil, &snap)
	if err != nil {
		return models.Snapshot{}, err
	}
	if status == http.StatusNoContent || (snap.State == "" && snap.Booking == nil) {
		snap.State = models.StateNone
	}
	if !snap.State.Valid() {
		return models.Snapshot{}, domain.TransportError("current", fmt.Errorf("unknown booking state %q", snap.State))
	}
	if snap.Booking != nil {
		if err := snap.Booking.Validate(); err != nil {
			return models.Snapshot{}, domain.TransportError("current", fmt.Errorf("invalid booking in response: %w", err))
		}
		win := snap.Booking.WithTags(snap.Booking.Tags)
		snap.Booking = &win
	}
	return snap, nil
}

func bookingPath(bookingID, action string) string {
	p := "/api/v1/bookings/" + url.PathEscape(bookingID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *BackendClient) do(ctx context.Context, op, method, path string, body, out any) (int, error) {
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return 0, fmt.Errorf("%s: marshal request: %w", op, err)
		}
	}
	idempotencyKey := ""
	if method != http.MethodGet {
		idempotencyKey = uuid.NewString()
	}

	const attempts = 2
	for attempt := 1; ; attempt++ {
		status, err := c.once(ctx, op, method, c.baseURL+path, data, idempotencyKey, out)
		if err == nil || !domain.Retryable(err) || attempt == attempts || ctx.Err() != nil {
			return status, err
		}
		c.logger.Warn().Err(err).Str("op", op).Str("idempotency_key", idempotencyKey).Msg("backend call failed, retrying once")
	}
}

func (c *BackendClient) once(ctx context.Context, op, method, endpoint string, data []byte, idempotencyKey string, out any) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, domain.TransportError(op, err)
	}

	var reader io.Reader
	if data != nil {
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ObserveBackend(op, "network", time.Since(start))
		return 0, domain.TransportError(op, err)
	}
	defer resp.Body.Close()
	metrics.ObserveBackend(op, strconv.Itoa(resp.StatusCode), time.Since(start))

	if resp.StatusCode >= 300 {
		return resp.StatusCode, statusError(op, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return resp.StatusCode, domain.TransportError(op, fmt.Errorf("decode response: %w", err))
	}
	return resp.StatusCode, nil
}

// statusError maps an HTTP failure onto the error taxonomy.
func statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body apiError
	_ = json.Unmarshal(raw, &body)
	msg := body.Error
	if msg == "" {
		msg = body.Message
	}
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%s: http %d: %w", op, code, domain.ErrAuthExpired)
	case code == http.StatusConflict || code == http.StatusPreconditionFailed:
		return fmt.Errorf("%s: http %d: %s: %w", op, code, msg, domain.ErrConflict)
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return fmt.Errorf("%s: %w", op, &domain.ValidationError{Field: body.Field, Reason: msg})
	case code == http.StatusTooManyRequests || code >= 500:
		return domain.TransportError(op, fmt.Errorf("http %d: %s", code, msg))
	default:
		return fmt.Errorf("%s: unexpected http %d: %s", op, code, msg)
	}
}
