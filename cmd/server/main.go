// Package main is the portfolio engine server: regime classification,
// strategy selection, portfolio health analysis, and the order-batch
// approval/execution pipeline behind one HTTP/WebSocket API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/portfolio-engine/internal/api"
	"github.com/atlas-desktop/portfolio-engine/internal/batch"
	"github.com/atlas-desktop/portfolio-engine/internal/config"
	"github.com/atlas-desktop/portfolio-engine/internal/engine"
	"github.com/atlas-desktop/portfolio-engine/internal/metrics"
	"github.com/atlas-desktop/portfolio-engine/internal/risk"
	"github.com/atlas-desktop/portfolio-engine/internal/scheduler"
	"github.com/atlas-desktop/portfolio-engine/internal/services"
	"github.com/atlas-desktop/portfolio-engine/internal/store/sqlite"
)

func main() {
	configDir := flag.String("config", ".", "Directory containing engine.yaml")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		panic(err)
	}

	logger := setupLogger(cfg.Logging.Level)
	defer logger.Sync()

	logger.Info("starting portfolio engine",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("database", cfg.Database.Path),
		zap.Bool("paperTrading", cfg.Engine.PaperTrading))

	st, err := sqlite.Open(logger, cfg.Database.Path)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	// External services. Paper mode runs fully in-process; live brokerage
	// and model adapters are wired here when available.
	pricing := services.NewStaticPricing()
	allocation := services.NewStaticAllocation()
	execution := services.NewPaperExecution(logger, services.PaperExecutionConfig{
		SlippageBps: cfg.Engine.SlippageBps,
	}, pricing)
	if !cfg.Engine.PaperTrading {
		logger.Warn("live execution not configured, falling back to paper trading")
	}

	m := metrics.New()

	batches := batch.NewManager(logger, batch.Config{OrderType: cfg.Engine.OrderType},
		st, pricing, execution, risk.NewValidator(logger))

	eng := engine.New(logger, engine.Params{
		Store:      st,
		Allocation: allocation,
		Pricing:    pricing,
		Batches:    batches,
		Metrics:    m,
	})

	sched := scheduler.New(logger, scheduler.Config{
		Workers:   cfg.Engine.AnalysisWorkers,
		QueueSize: cfg.Engine.AnalysisQueueSize,
		Interval:  cfg.Engine.AnalysisInterval,
	}, eng)

	server := api.NewServer(logger, cfg.Server, eng, sched, m)
	sched.OnReport = server.Hub().BroadcastHealth
	sched.Start()

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}

	logger.Info("portfolio engine stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:    zap.NewAtomicLevelAt(zapLevel),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
