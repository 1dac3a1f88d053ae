package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/xoauth2-probe/internal/traceutil"
	"github.com/prometheus/common/version"
)

const applicationName = "xoauth2-probe"

const (
	exitOK          = 0
	exitProbeFailed = 1
	exitConfigError = 2
)

func main() {
	// load config as first thing
	cfg, err := loadConfig()
	if err != nil {
		slog.Default().Error("error loading config", slog.Any("error", err))
		os.Exit(exitCode(err))
	}

	if cfg.versionInfo {
		fmt.Printf("%s %s\n", applicationName, version.Info())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	err = run(ctx, cfg, slog.Default())
	stop()

	if err != nil {
		slog.Default().Error("probe failed", slog.Any("error", err))
	}

	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	var ce *configError

	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &ce):
		return exitConfigError
	default:
		return exitProbeFailed
	}
}

func run(ctx context.Context, cfg *config, logger *slog.Logger) error {
	start := time.Now()

	logger.DebugContext(ctx, "starting", slog.String("version", version.Version))

	ctx, cancel := context.WithTimeout(ctx, cfg.runTimeout)
	defer cancel()

	closeTracing, err := traceutil.InitTraceExporter(ctx, logger, applicationName)
	if err != nil {
		return fmt.Errorf("could not init tracing: %w", err)
	}
	defer func() {
		if err := closeTracing(ctx); err != nil {
			logger.WarnContext(ctx, "error shutting down tracing", slog.Any("error", err))
		}
	}()

	metrics := newProbeMetrics()

	p := newProber(cfg, logger, metrics)
	receipt, probeErr := p.run(ctx)

	if cfg.pushgatewayURL != "" {
		// push even when the run was interrupted
		pushCtx, pushCancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.httpTimeout)
		err := pushMetrics(pushCtx, p.httpClient, cfg.pushgatewayURL, metrics, cfg.grantType)
		pushCancel()

		if err != nil {
			logger.WarnContext(ctx, "could not push metrics", slog.Any("error", err))
		}
	}

	if probeErr != nil {
		return probeErr
	}

	logger.InfoContext(ctx, "probe message delivered",
		slog.String("probe_id", receipt.ProbeID),
		slog.String("message_id", receipt.MessageID),
		slog.Int64("size", receipt.Size),
		slog.Duration("elapsed", time.Since(start)))

	return nil
}
