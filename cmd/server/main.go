package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/EgorSempai/zlover/internal/adapters/http"
	"github.com/EgorSempai/zlover/internal/app"
	"github.com/EgorSempai/zlover/internal/app/orch"
	"github.com/EgorSempai/zlover/internal/config"
	"github.com/EgorSempai/zlover/internal/core"
	"github.com/EgorSempai/zlover/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	dir := core.NewDirectory()
	limiter := app.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window)
	m := metrics.New(dir.Counts)

	o := orch.New(orch.Deps{
		Directory: dir,
		Limiter:   limiter,
		Policy:    app.SimplePolicy{},
		Metrics:   m,
		Rooms: app.MembershipConfig{
			DefaultCapacity: cfg.Room.DefaultCapacity,
			EmptyRetention:  cfg.Room.EmptyRetention,
			IdleTimeout:     cfg.Room.IdleTimeout,
		},
		RelayServers: cfg.Relays(),
		KickDelay:    cfg.Kick.DisconnectDelay,
	})

	sweeper := &app.Sweeper{
		Limiter:       limiter,
		Membership:    o.Membership,
		LimiterEvery:  cfg.RateLimit.SweepInterval,
		RoomsEvery:    cfg.Room.SweepInterval,
		OnRoomsReaped: m.RoomsReaped,
	}

	r := router.SetupRouter(ctx, cfg, o)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("signaling server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		o.Shutdown()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}
