// Package main is the entry point for the network defense decision
// engine.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"netdefend/internal/agent"
	"netdefend/internal/audit"
	"netdefend/internal/buffer"
	"netdefend/internal/checkpoint"
	"netdefend/internal/config"
	"netdefend/internal/engine"
	"netdefend/internal/executor"
	"netdefend/internal/reward"
	"netdefend/internal/state"
	"netdefend/internal/stats"
	"netdefend/internal/stream"
	"netdefend/internal/tracker"
	"netdefend/internal/trainer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		"executor_mode", cfg.Executor.Mode,
		"stream_enabled", cfg.Stream.Enabled,
		"audit_enabled", cfg.Audit.Enabled,
		"checkpoint_remote", cfg.Checkpoint.RemoteEnabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core decision components.
	extractor := state.NewExtractor(cfg.State)
	rewards := reward.NewCalculator(cfg.Reward, logger)

	track, err := tracker.New(cfg.Tracker, logger)
	if err != nil {
		logger.Error("failed to build accumulation tracker", "error", err)
		os.Exit(1)
	}

	buf := buffer.New(cfg.Buffer)
	policy := agent.New(cfg.Agent, logger)

	// Restore the last saved policy before any decision is made.
	var remote checkpoint.ObjectStore
	if cfg.Checkpoint.RemoteEnabled {
		remote, err = checkpoint.NewS3Store(ctx, cfg.Checkpoint.S3)
		if err != nil {
			logger.Error("failed to connect to checkpoint store", "error", err)
			os.Exit(1)
		}
	}
	ckpt := checkpoint.NewManager(cfg.Checkpoint.Config, policy, remote, logger)
	if err := ckpt.Restore(ctx); err != nil {
		logger.Warn("policy restore failed, starting fresh", "error", err)
	}

	eng := engine.New(cfg.Engine, extractor, track, policy, rewards, buf, logger)
	sched := trainer.New(cfg.Trainer, buf, policy, ckpt, logger)

	// Enforcement backend.
	var enforcer executor.Enforcer
	switch cfg.Executor.Mode {
	case "firewall":
		enforcer, err = executor.NewFirewallEnforcer(cfg.Executor.Firewall)
		if err != nil {
			logger.Error("failed to initialize firewall backend", "error", err)
			os.Exit(1)
		}
	default:
		enforcer = executor.NewMemoryEnforcer()
	}

	var blocklist *executor.RedisBlocklist
	if cfg.Executor.RedisEnabled {
		blocklist, err = executor.NewRedisBlocklist(ctx, cfg.Executor.Redis, enforcer, logger)
		if err != nil {
			logger.Error("failed to connect to redis blocklist", "error", err)
			os.Exit(1)
		}
		enforcer = blocklist
	}
	exec := executor.New(cfg.Executor.Config, enforcer, track.IsProtected, logger)

	// Decision audit trail.
	var auditStore *audit.Store
	var auditWriter *audit.Writer
	if cfg.Audit.Enabled {
		auditStore, err = audit.NewStore(ctx, cfg.Audit.ClickHouse)
		if err != nil {
			logger.Error("failed to connect to clickhouse", "error", err)
			os.Exit(1)
		}
		auditWriter = audit.NewWriter(auditStore, cfg.Audit.Writer, logger)
	}

	track.Start()
	eng.Start()
	sched.Start()
	exec.Start()

	// Kafka pipeline.
	var pipeline *stream.Pipeline
	if cfg.Stream.Enabled {
		var auditor stream.Auditor
		if auditWriter != nil {
			auditor = auditWriter
		}
		pipeline, err = stream.NewPipeline(ctx, cfg.Stream.Config, eng, exec, auditor, logger)
		if err != nil {
			logger.Error("failed to start kafka pipeline", "error", err)
			os.Exit(1)
		}
		pipeline.Start()
	}

	// Diagnostics endpoint.
	registry := newRegistry(eng, track, buf, sched, exec, ckpt, pipeline, auditWriter)
	var server *http.Server
	if cfg.Server.Enabled {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", registry.Handler())
		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"ok"}`))
		})

		server = &http.Server{
			Addr:         cfg.Server.Address,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("starting diagnostics server", "address", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("diagnostics server error", "error", err)
				os.Exit(1)
			}
		}()
	}

	// SIGHUP re-reads the tunable subset of the configuration.
	stopReload := config.WatchReload(configPath(), logger, func(t config.Tunables) {
		if err := track.UpdateConfig(t.Tracker); err != nil {
			logger.Error("tracker reconfiguration rejected", "error", err)
		}
		eng.UpdateConfig(t.Engine)
		rewards.UpdateConfig(t.Reward)
		buf.UpdateConfig(t.Buffer)
		sched.UpdateConfig(t.Trainer)
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutdown signal received", "signal", sig.String())
	stopReload()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("diagnostics server shutdown error", "error", err)
		}
	}

	// Stop intake first so nothing new enters the decision path.
	if pipeline != nil {
		if err := pipeline.Stop(shutdownCtx); err != nil {
			logger.Error("pipeline shutdown error", "error", err)
		}
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error("trainer shutdown error", "error", err)
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Error("engine shutdown error", "error", err)
	}
	if err := exec.Stop(shutdownCtx); err != nil {
		logger.Error("executor shutdown error", "error", err)
	}
	if err := track.Stop(shutdownCtx); err != nil {
		logger.Error("tracker shutdown error", "error", err)
	}
	cancel()

	// Persist the final policy so learning survives the restart.
	if err := ckpt.Save(shutdownCtx); err != nil {
		logger.Error("final checkpoint failed", "error", err)
	}

	if auditWriter != nil {
		if err := auditWriter.Close(); err != nil {
			logger.Error("audit writer close error", "error", err)
		}
	}
	if auditStore != nil {
		if err := auditStore.Close(); err != nil {
			logger.Error("clickhouse close error", "error", err)
		}
	}
	if blocklist != nil {
		if err := blocklist.Close(); err != nil {
			logger.Error("redis close error", "error", err)
		}
	}
	buf.Close()

	em := eng.Metrics()
	logger.Info("shutdown complete",
		"decisions", em.Decisions,
		"escalated", em.Escalated,
		"outcomes", em.Outcomes,
		"training_cycles", sched.Metrics().Cycles,
	)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func configPath() string {
	if p := os.Getenv("NETDEFEND_CONFIG_PATH"); p != "" {
		return p
	}
	return "configs/config.yaml"
}

func newRegistry(
	eng *engine.Engine,
	track *tracker.Tracker,
	buf *buffer.Buffer,
	sched *trainer.Trainer,
	exec *executor.Executor,
	ckpt *checkpoint.Manager,
	pipeline *stream.Pipeline,
	auditWriter *audit.Writer,
) *stats.Registry {
	r := stats.NewRegistry()
	r.Register("engine", func() any { return eng.Metrics() })
	r.Register("tracker", func() any { return track.Metrics() })
	r.Register("buffer", func() any { return buf.Metrics() })
	r.Register("trainer", func() any { return sched.Metrics() })
	r.Register("executor", func() any { return exec.Metrics() })
	r.Register("checkpoint", func() any { return ckpt.Metrics() })
	if pipeline != nil {
		r.Register("stream", func() any { return pipeline.Metrics() })
	}
	if auditWriter != nil {
		r.Register("audit", func() any { return auditWriter.Metrics() })
	}
	return r
}
