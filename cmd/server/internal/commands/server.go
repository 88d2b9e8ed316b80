// Package commands wires the resolved configuration into the running
// process: storage, auth, the meet registry, and the WebSocket router,
// then serves until an interrupt signal arrives.
package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/liftsync/meetserver/internal/auth"
	"github.com/liftsync/meetserver/internal/config"
	"github.com/liftsync/meetserver/internal/logger"
	"github.com/liftsync/meetserver/internal/meet"
	"github.com/liftsync/meetserver/internal/storage"
	"github.com/liftsync/meetserver/internal/wsapi"
)

const (
	shutdownTimeout       = 10 * time.Second
	sessionPersistTicker  = time.Minute
	sessionPersistFile    = "sessions.enc"
	expiredSessionsTicker = time.Minute
)

// Run builds and serves the process described by cfg, blocking until ctx
// (or a SIGINT/SIGTERM) ends it.
func Run(ctx context.Context, cfg config.Config) error {
	log.Logger = logger.Setup(cfg.Dev)
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log.Logger = log.Logger.Level(lvl)
	}

	store, err := storage.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	policy := auth.PasswordPolicy{
		MinLength:        cfg.PasswordRequirements.MinLength,
		RequireUppercase: cfg.PasswordRequirements.RequireUppercase,
		RequireLowercase: cfg.PasswordRequirements.RequireLowercase,
		RequireDigit:     cfg.PasswordRequirements.RequireDigit,
		RequireSpecial:   cfg.PasswordRequirements.RequireSpecial,
	}

	limiter := auth.NewRateLimiter(
		cfg.RateLimit.MaxAttempts,
		time.Duration(cfg.RateLimit.BaseBackoffSecs)*time.Second,
		time.Duration(cfg.RateLimit.MaxBackoffSecs)*time.Second,
		2.0,
	)

	authSvc := auth.NewService(
		policy,
		auth.DefaultKDFParams(),
		time.Duration(cfg.Session.AbsoluteTTLSecs)*time.Second,
		time.Duration(cfg.Session.IdleTTLSecs)*time.Second,
		limiter,
	)

	var persistKey []byte
	sessionPersistPath := ""
	if cfg.SessionPersistenceKey != "" {
		persistKey, err = auth.LoadPersistenceKey(cfg.SessionPersistenceKey)
		if err != nil {
			return fmt.Errorf("load session persistence key: %w", err)
		}
		sessionPersistPath = filepath.Join(cfg.DataDir, sessionPersistFile)

		restored, err := auth.LoadSessions(persistKey, sessionPersistPath)
		if err != nil {
			log.Warn().Err(err).Msg("could not restore persisted sessions, starting empty")
		} else {
			authSvc.Sessions.Restore(restored)
			log.Info().Int("count", len(restored)).Msg("restored sessions from encrypted snapshot")
		}
	} else {
		log.Warn().Msg("no session persistence key configured, sessions are in-memory only")
	}

	registry := meet.NewRegistry(store, time.Duration(cfg.IdleUnloadSecs)*time.Second)
	defer registry.ShutdownAll()

	handler := wsapi.NewHandler(authSvc, registry, store)
	httpServer := configureHTTPServer(cfg.BindAddr, handler)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopSweeps := make(chan struct{})
	defer close(stopSweeps)
	go runBackgroundSweeps(stopSweeps, authSvc, persistKey, sessionPersistPath)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("bind_addr", cfg.BindAddr).Msg("meetserver starting")
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		log.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if persistKey != nil {
			if err := auth.SaveSessions(authSvc.Sessions, persistKey, sessionPersistPath); err != nil {
				log.Warn().Err(err).Msg("final session snapshot failed")
			}
		}
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runBackgroundSweeps evicts expired sessions and, when persistence is
// enabled, periodically snapshots the session table — mirroring the
// teacher's periodic-flush shape in its async WAL sender, applied here to
// session durability instead of job-event durability.
func runBackgroundSweeps(stop <-chan struct{}, authSvc *auth.Service, persistKey []byte, persistPath string) {
	expireTicker := time.NewTicker(expiredSessionsTicker)
	defer expireTicker.Stop()

	var persistTickerC <-chan time.Time
	if persistKey != nil {
		persistTicker := time.NewTicker(sessionPersistTicker)
		defer persistTicker.Stop()
		persistTickerC = persistTicker.C
	}

	for {
		select {
		case <-stop:
			return
		case <-expireTicker.C:
			authSvc.Sessions.DeleteExpired()
		case <-persistTickerC:
			if err := auth.SaveSessions(authSvc.Sessions, persistKey, persistPath); err != nil {
				log.Warn().Err(err).Msg("periodic session snapshot failed")
			}
		}
	}
}
