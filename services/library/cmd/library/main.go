package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"libraryhub/internal/util"
	"libraryhub/services/library/internal/bootstrap"
	"libraryhub/services/library/internal/config"
	"libraryhub/services/library/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger("library", cfg.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init runtime: %v", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("close runtime", "err", err)
		}
	}()

	if cfg.SuperuserEmail != "" {
		created, err := rt.App.EnsureSuperuser(ctx, cfg.SuperuserEmail, cfg.SuperuserPassword, cfg.SuperuserFullName)
		if err != nil {
			log.Fatalf("failed to ensure superuser: %v", err)
		}
		if created {
			logger.Info("superuser created", "email", cfg.SuperuserEmail)
		}
	}

	recorder, err := rt.Recorder()
	if err != nil {
		log.Fatalf("failed to init audit recorder: %v", err)
	}
	signupLimiter, loginLimiter, err := rt.Limiters()
	if err != nil {
		log.Fatalf("failed to init rate limiters: %v", err)
	}
	alerter, err := rt.Alerter()
	if err != nil {
		log.Fatalf("failed to init security alerter: %v", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}
	hstsMaxAge, err := config.ParseHSTSMaxAge(cfg.HSTSMaxAge)
	if err != nil {
		log.Fatalf("failed to parse hsts max age: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            rt.App,
		Recorder:       recorder,
		Alerter:        alerter,
		SignupLimiter:  signupLimiter,
		LoginLimiter:   loginLimiter,
		TrustedProxies: trusted,
		CorsOrigins:    cfg.CorsAllowedOrigins,
		MaxCoverBytes:  cfg.MaxCoverBytes,

		HSTSMaxAge:            hstsMaxAge,
		ContentSecurityPolicy: cfg.ContentSecurityPolicy,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// The recorder outlives the HTTP server so entries from in-flight
	// requests are still written during shutdown.
	recCtx, stopRecorder := context.WithCancel(context.Background())
	defer stopRecorder()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("library server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		stopRecorder()
		return err
	})
	g.Go(func() error {
		return recorder.Run(recCtx)
	})
	g.Go(func() error {
		return rt.App.RunScheduleSweeper(gctx)
	})
	if alerter != nil {
		g.Go(func() error {
			return alerter.Run(gctx)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "err", err)
	}
}
