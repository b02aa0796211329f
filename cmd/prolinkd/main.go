package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prolinkcore/prolink-core/internal/config"
	"github.com/prolinkcore/prolink-core/internal/httpapi"
	"github.com/prolinkcore/prolink-core/internal/link"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting prolinkd",
		"iface", cfg.Iface,
		"device_number", cfg.DeviceNumber,
		"http_addr", cfg.HTTPAddr,
	)

	core, err := link.New(cfg, logger)
	if err != nil {
		slog.Error("failed to initialize link core", "error", err)
		os.Exit(1)
	}

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- core.Run(appCtx)
	}()

	handler := httpapi.NewServer(core, cfg.Metrics, logger)
	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		slog.Info("debug http surface listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-runErrCh:
		if err != nil {
			slog.Error("link core exited", "error", err)
		}
	case err := <-httpErrCh:
		slog.Error("http server error", "error", err)
	}

	appCancel()
	core.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("prolinkd stopped")
}
