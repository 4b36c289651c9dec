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

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/warmode/internal/adapters/http"
	wssignal "github.com/dkeye/warmode/internal/adapters/signal"
	"github.com/dkeye/warmode/internal/adapters/store"
	"github.com/dkeye/warmode/internal/app/orch"
	"github.com/dkeye/warmode/internal/app/relay"
	"github.com/dkeye/warmode/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Logger first so config.Load can use it.
	config.SetupLogging("info")

	v := config.New()
	cfg, err := config.LoadWith(v)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	config.SetupLogging(cfg.LogLevel)

	if err := run(ctx, cfg, v); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config, v *viper.Viper) error {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	hub := relay.NewHub(relay.PolicyByName(cfg.Relay.Backpressure))
	o := orch.New(st, hub, nil)
	limiter := wssignal.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Interval)
	ws := wssignal.NewSignalWSController(o, limiter, cfg.ReadLimit, cfg.PingPeriod)
	config.Watch(v, func(next *config.Config) {
		config.SetupLogging(next.LogLevel)
		limiter.SetLimit(next.RateLimit.Limit, next.RateLimit.Interval)
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(ctx, cfg, o, ws),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("db", cfg.DatabasePath).Msg("warmode server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		n := o.Registry.CancelAll()
		log.Info().Int("connections", n).Msg("relay connections cancelled")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
			return err
		}
		return nil
	})
	return g.Wait()
}
