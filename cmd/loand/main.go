package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"loanescrow/config"
	"loanescrow/core/events"
	"loanescrow/core/state"
	"loanescrow/native/loan"
	"loanescrow/observability"
	"loanescrow/observability/logging"
	telemetry "loanescrow/observability/otel"
	"loanescrow/rpc"
	"loanescrow/storage"
	"loanescrow/storage/eventlog"
)

func main() {
	configPath := flag.String("config", "./loand.toml", "Path to the configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "loand: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closer := logging.SetupWithOptions("loand", cfg.Environment, logging.Options{
		File:  cfg.LogFile,
		Level: logging.ParseLevel(cfg.LogLevel),
	})
	defer closer.Close()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "loand",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	params, err := cfg.LoanParams()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "escrows"))
	if err != nil {
		return fmt.Errorf("open escrow store: %w", err)
	}
	defer db.Close()

	eventLog, err := eventlog.Open(cfg.EventLog.Driver, cfg.EventLog.DSN)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer eventLog.Close()
	eventLog.SetLogger(logger)

	hub := events.NewHub()
	engine := loan.NewEngine(params)
	store := state.NewStore(db)
	engine.SetState(store)
	engine.SetEmitter(events.Multi{eventLog, hub, observability.Events()})
	engine.SetMetrics(observability.Loan())
	engine.SetLogger(logger)

	server, err := rpc.NewServer(rpc.Config{
		Engine:         engine,
		Events:         eventLog,
		Stream:         hub,
		Submissions:    store,
		AllowedOrigins: cfg.AllowedOrigins,
		Auth: rpc.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		},
		RateLimit: rpc.RateLimit{
			RequestsPerMinute: float64(cfg.RateLimit.RequestsPerMinute),
			Burst:             cfg.RateLimit.Burst,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	logger.Info("loand starting",
		slog.String("listen", cfg.ListenAddress),
		slog.String("dataDir", cfg.DataDir),
		slog.String("eventLog", cfg.EventLog.Driver),
		slog.String("feeReserve", params.FeeReserve.String()))
	if err := server.Serve(ctx, cfg.ListenAddress); err != nil {
		return fmt.Errorf("rpc server: %w", err)
	}
	logger.Info("loand stopped")
	return nil
}
