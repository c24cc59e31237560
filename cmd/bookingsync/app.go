package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"bookingsync/internal/api"
	"bookingsync/internal/channel"
	"bookingsync/internal/config"
	"bookingsync/internal/database"
	"bookingsync/internal/domain"
	"bookingsync/internal/logging"
	"bookingsync/internal/metrics"
	"bookingsync/internal/repository"
	"bookingsync/internal/session"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app holds everything a command needs for one run.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	session *session.Session

	closers []func()
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := logging.ForSession(baseLogger, cfg.Session.UserID, cfg.Session.OrganisationID).
		With().Str("component", "cli").Logger()

	return cfg, logger, closer, nil
}

// newApp loads the configuration and starts a session. The caller must call
// close.
func newApp(ctx context.Context) (*app, error) {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	if closer != nil {
		a.closers = append(a.closers, func() { _ = closer.Close() })
	}

	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
	}

	repo := a.initRepository(ctx)
	backend := api.NewBackendClient(cfg.Backend, &a.logger)
	dialer := channel.NewWebsocketDialer(cfg.Channel.URL, cfg.Backend.Token, cfg.Channel.HandshakeTimeout, cfg.Channel.HeartbeatTimeout)

	sess, err := session.New(cfg, session.Deps{
		Backend:  backend,
		Repo:     repo,
		Dialer:   dialer,
		Notifier: domain.NotifierFunc(a.notify),
		Logger:   &a.logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	if err := sess.Start(ctx); err != nil {
		sess.Close()
		a.close()
		return nil, fmt.Errorf("start session: %w", err)
	}
	a.session = sess
	return a, nil
}

// initRepository picks where warm-reload snapshots live: redis when
// configured, backed by the local store (SQLite file or memory) while redis
// is down.
func (a *app) initRepository(ctx context.Context) domain.SnapshotRepository {
	local := a.initLocalStore(ctx)
	if !a.cfg.Redis.Enabled {
		return local
	}

	client := initRedis(a.cfg, &a.logger)
	if client == nil {
		return local
	}
	a.closers = append(a.closers, func() { _ = repository.Close(client) })

	primary := repository.NewRedisSnapshotRepository(client, a.cfg.Session.SnapshotTTL)
	return repository.NewFailoverSnapshotRepository(primary, local, nil, &a.logger)
}

func (a *app) initLocalStore(ctx context.Context) domain.SnapshotRepository {
	if a.cfg.Database.Path == "" {
		return repository.NewMemorySnapshotRepository(a.cfg.Session.SnapshotTTL, nil)
	}

	db, err := database.NewDB(a.cfg.Database.Path, a.cfg.Session.SnapshotTTL, &a.logger)
	if err != nil {
		a.logger.Warn().Err(err).Str("db_path", a.cfg.Database.Path).Msg("database init failed, keeping snapshots in memory")
		return repository.NewMemorySnapshotRepository(a.cfg.Session.SnapshotTTL, nil)
	}
	a.closers = append(a.closers, func() { _ = db.Close() })

	if _, err := db.PurgeExpired(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("purge expired snapshots")
	}
	return db
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	client := repository.NewRedisClient(cfg.Redis)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := repository.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

func (a *app) notify(_ context.Context, err error) {
	a.logger.Warn().Err(err).Msg("user notification")
	fmt.Fprintln(os.Stderr, "!", err)
}

// startStatusServer serves the local status endpoints until ctx is done.
func (a *app) startStatusServer(ctx context.Context) {
	if !a.cfg.HTTP.Enabled {
		return
	}
	srv := api.NewStatusServer(a.cfg.HTTP, a.cfg.Monitoring, a.session, &a.logger)
	go func() {
		if err := srv.Start(); err != nil {
			a.logger.Error().Err(err).Msg("status server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func (a *app) close() {
	if a.session != nil {
		a.session.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
