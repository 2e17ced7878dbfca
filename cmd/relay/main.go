package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/studydash/callengine/internal/config"
	"github.com/studydash/callengine/internal/logging"
	"github.com/studydash/callengine/internal/relay"
)

const helpText = `relay - signaling relay for peer-to-peer calls

Usage:
  relay

Environment Variables:
  RELAY_ADDR              listen address (default :8080)
  RELAY_JWT_SECRET        HS256 secret for signaling tokens (required unless APP_ENV=development)
  RELAY_MAX_PARTICIPANTS  room capacity (default 4)
  RELAY_ALLOWED_ORIGINS   comma-separated browser origins (default: any)
  REDIS_URL               mirror room rosters to Redis, e.g. redis://localhost:6379/0
  APP_ENV                 development serves POST /api/auth/login (default development)
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg, err := config.LoadRelay()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, os.Stderr)

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokens, err := relay.NewTokenService(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("token service")
	}

	var roster relay.Roster
	if cfg.RedisURL != "" {
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rr, err := relay.NewRedisRoster(rctx, cfg.RedisURL)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("redis")
		}
		defer rr.Close()
		roster = rr
		log.Info().Msg("Redis connection established")
	}

	if !cfg.Development() {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := relay.NewServer(relay.Options{
		MaxParticipants: cfg.MaxParticipants,
		Tokens:          tokens,
		Roster:          roster,
		AllowedOrigins:  cfg.AllowedOrigins,
		Development:     cfg.Development(),
		SignalsPerSec:   cfg.SignalsPerSec,
		SignalBurst:     cfg.SignalBurst,
		Logger:          logging.Component(log, "relay"),
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(sctx)
	}()

	log.Info().Str("addr", cfg.Addr).Int("maxParticipants", cfg.MaxParticipants).Bool("development", cfg.Development()).Msg("relay listening")
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("listen")
	}
}
