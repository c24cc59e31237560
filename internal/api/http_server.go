package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"bookingsync/internal/channel"
	"bookingsync/internal/config"
	"bookingsync/internal/metrics"
	"bookingsync/internal/models"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StatusSource is the read side of a session.
type StatusSource interface {
	CurrentBooking() models.Snapshot
	Elapsed() time.Duration
	ChannelStatus() channel.Status
}

// StatusServer exposes the session state on a local read-only HTTP endpoint.
type StatusServer struct {
	source  StatusSource
	server  *http.Server
	limiter *rateLimiter
	logger  *zerolog.Logger
}

type bookingResponse struct {
	State       models.BookingState   `json:"state"`
	Booking     *models.BookingWindow `json:"booking,omitempty"`
	Provisional bool                  `json:"provisional"`
	Seq         uint64                `json:"seq"`
	ElapsedMs   int64                 `json:"elapsed_ms"`
	Elapsed     string                `json:"elapsed"`
}

type healthResponse struct {
	Status  string    `json:"status"`
	Channel string    `json:"channel"`
	Reason  string    `json:"reason,omitempty"`
	Since   time.Time `json:"since,omitzero"`
}

func NewStatusServer(cfg config.HTTPConfig, monitoring config.MonitoringConfig, source StatusSource, logger *zerolog.Logger) *StatusServer {
	l := logger.With().Str("component", "status-server").Logger()
	srv := &StatusServer{
		source:  source,
		limiter: newRateLimiter(cfg.RateLimit),
		logger:  &l,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/current-booking", srv.handleCurrentBooking)
	mux.HandleFunc("/health", srv.handleHealth)
	if monitoring.PrometheusEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	srv.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		Handler:           srv.loggingMiddleware(srv.rateLimit(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return srv
}

func (s *StatusServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *StatusServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("status server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

func (s *StatusServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *StatusServer) handleCurrentBooking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snap := s.source.CurrentBooking()
	elapsed := s.source.Elapsed()
	writeJSON(w, http.StatusOK, bookingResponse{
		State:       snap.State,
		Booking:     snap.Booking,
		Provisional: snap.Provisional,
		Seq:         snap.Seq,
		ElapsedMs:   elapsed.Milliseconds(),
		Elapsed:     models.FormatClock(elapsed),
	})
}

// handleHealth answers 503 once the push channel is closed for good. A
// channel waiting to reconnect is still healthy.
func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.source.ChannelStatus()
	resp := healthResponse{Status: "ok", Channel: st.State.String(), Reason: st.Reason, Since: st.Since}
	code := http.StatusOK
	if st.Terminal() {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *StatusServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(r) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *StatusServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.IncHTTP(r.URL.Path)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
