package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradeops.org/internal/approval"
	"tradeops.org/internal/audit"
	"tradeops.org/internal/config"
	"tradeops.org/internal/httpapi"
	"tradeops.org/internal/obs"
	"tradeops.org/internal/startup"
	"tradeops.org/internal/store/pg"
)

var version = "0.3.0"

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()

	obs.InitLogging(cfg.LogLevel)
	obs.Init()
	log := obs.Logger()

	// Storage: Postgres when a DSN is configured, otherwise in-memory for
	// dev and smoke runs.
	var (
		store approval.Store
		dir   approval.Directory
		sink  audit.Sink
		probe httpapi.ReadyProbe
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("open postgres")
		}
		defer pgStore.Close()
		store, dir, sink = pgStore, pgStore, pgStore
		probe.DB = pgStore.DB()
	} else {
		log.Warn().Msg("TRADEOPS_PG_DSN not set; using in-memory store")
		mem := approval.NewInMemory()
		store, dir = mem, mem
	}

	rec := audit.NewRecorder(sink)
	svc, err := approval.NewService(store, dir, rec, approval.WithApprovalTTL(cfg.ApprovalTTL))
	if err != nil {
		log.Fatal().Err(err).Msg("build approval service")
	}

	// Chain validation gates startup: critical gaps abort, warnings are
	// logged inside the validator.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := startup.NewValidator(store, dir, rec).Validate(ctx); err != nil {
		log.Error().Err(err).Msg("approval chain validation failed; refusing to start")
		os.Exit(1)
	}
	probe.Validated = true
	obs.SetReady(true)

	// Escalation sweeper
	sweeper := approval.NewSweeper(svc, cfg.SweepInterval, cfg.SweepOverdue, cfg.SweepRate)
	go sweeper.Run(ctx)

	// Ops HTTP surface
	api := httpapi.New(probe, version)
	handler := httpapi.Authn(api.Handler(), cfg.AuthSecret != "")
	handler = httpapi.RateLimit(httpapi.MaxBodyBytes(handler, 1<<20), cfg.HTTPRateBurst, cfg.HTTPRate)
	handler = httpapi.Logging(httpapi.SecurityHeaders(handler))
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http listen")
		}
	}()

	// gRPC health service
	grpcSrv, runHealth := httpapi.NewGRPCServer(probe, 10*time.Second)
	go runHealth(ctx)
	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("grpc listen")
		}
		log.Info().Str("addr", cfg.GRPCAddr).Msg("grpc health listening")
		if err := grpcSrv.Serve(lis); err != nil {
			log.Error().Err(err).Msg("grpc serve")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	log.Info().Msg("stopped")
}
