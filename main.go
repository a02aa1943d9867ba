// Command backend is the main entrypoint for the matchscribe API and analysis workers.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the queue workers executing the analysis pipeline.
//   - Exposes the HTTP server with /healthz, /status, /metrics and /analyses.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/matchscribe/backend/analysis"
	"github.com/onnwee/matchscribe/backend/backoff"
	"github.com/onnwee/matchscribe/backend/config"
	"github.com/onnwee/matchscribe/backend/db"
	"github.com/onnwee/matchscribe/backend/deliver"
	"github.com/onnwee/matchscribe/backend/narrate"
	"github.com/onnwee/matchscribe/backend/queue"
	"github.com/onnwee/matchscribe/backend/riotapi"
	"github.com/onnwee/matchscribe/backend/server"
	"github.com/onnwee/matchscribe/backend/telemetry"
	"github.com/onnwee/matchscribe/backend/voice"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateFetchReady(); err != nil {
		slog.Error("config incomplete", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("matchscribe", cfg.AlgoVersion)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; fall back to the embedded SQL for
	// deployments predating the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting embedded SQL fallback",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := analysis.NewPGStore(database)
	fetcher := &riotapi.Client{APIKey: cfg.RiotAPIKey, BaseURL: cfg.RiotAPIBase}

	var narrator analysis.Narrator
	if cfg.NarrationEnabled() {
		n, err := narrate.NewClient(cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMAPIBase)
		if err != nil {
			slog.Error("narrator construction failed", slog.Any("err", err))
			os.Exit(1)
		}
		narrator = n
	} else {
		slog.Info("LLM narration disabled (LLM_API_KEY unset), using template narratives")
	}

	var synth analysis.Synthesizer
	if cfg.VoiceEnabled {
		s, err := voice.New(ctx, cfg.VoiceCredentialsJSON, cfg.DataDir)
		if err != nil {
			slog.Error("voice synthesizer construction failed", slog.Any("err", err))
			os.Exit(1)
		}
		synth = s
		slog.Info("voice synthesis enabled", slog.Int("min_chars", cfg.VoiceMinChars))
	}

	pipeline := analysis.NewPipeline(store, fetcher, narrator, synth, deliver.NewWebhook(cfg.DeliveryBaseURL), analysis.Options{
		AlgoVersion:   cfg.AlgoVersion,
		FetchRetry:    backoff.New("fetch", cfg.FetchMaxAttempts, cfg.BackoffBase, cfg.BackoffMultiplier, cfg.BackoffJitter),
		LLMRetry:      backoff.New("narrate", cfg.LLMMaxAttempts, cfg.BackoffBase, cfg.BackoffMultiplier, cfg.BackoffJitter),
		VoiceEnabled:  cfg.VoiceEnabled,
		VoiceMinChars: cfg.VoiceMinChars,
		StaleAfter:    cfg.TaskTimeLimit,
		EMA: func(ctx context.Context, stage string, ms float64) {
			db.UpdateMovingAvg(ctx, database, "avg_stage_"+stage+"_ms", ms)
		},
	})

	dispatcher := queue.NewDispatcher(cfg.TaskTimeLimit)
	if err := dispatcher.Register(cfg.QueueRouteAnalyze, cfg.QueueDepth, func(ctx context.Context, req analysis.Request) error {
		_, err := pipeline.Run(ctx, req)
		return err
	}); err != nil {
		slog.Error("queue route registration failed", slog.Any("err", err))
		os.Exit(1)
	}
	dispatcher.Start(ctx, cfg.WorkerCount)
	slog.Info("analysis workers started",
		slog.String("route", cfg.QueueRouteAnalyze),
		slog.Int("workers", cfg.WorkerCount),
		slog.Int("queue_depth", cfg.QueueDepth))

	go heartbeat(ctx, database)

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr: addr,
		Handler: server.NewMux(server.Deps{
			DB:         database,
			Store:      store,
			Dispatcher: dispatcher,
			Route:      cfg.QueueRouteAnalyze,
			Validity:   cfg.DeliveryValidity,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		slog.Info("http server listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown", slog.Any("err", err))
	}
	dispatcher.Wait()
}

// setupLogging configures slog from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))
}

// heartbeat records worker liveness in kv so /status can report it.
func heartbeat(ctx context.Context, database *sql.DB) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.SetKV(ctx, database, "worker_heartbeat", time.Now().UTC().Format(time.RFC3339)); err != nil {
				slog.Warn("heartbeat write failed", slog.Any("err", err))
			}
		}
	}
}
