// Mend - Two-party repair conversation server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/mendlabs/mend/internal/analysis"
	"github.com/mendlabs/mend/internal/api"
	"github.com/mendlabs/mend/internal/audit"
	"github.com/mendlabs/mend/internal/config"
	"github.com/mendlabs/mend/internal/empathy"
	"github.com/mendlabs/mend/internal/identity"
	"github.com/mendlabs/mend/internal/middleware"
	"github.com/mendlabs/mend/internal/notify"
	"github.com/mendlabs/mend/internal/reconciler"
	"github.com/mendlabs/mend/internal/stage"
	"github.com/mendlabs/mend/internal/store"
	"github.com/mendlabs/mend/internal/witness"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Analysis collaborators (optional).
	var gapAnalyzer analysis.GapAnalyzer = analysis.Unavailable{}
	var shareSuggester analysis.ShareSuggester = analysis.Unavailable{}
	if cfg.AnalysisEnabled() {
		client, err := analysis.NewGenAIClient(ctx, cfg.Analysis.APIKey, cfg.Analysis.Model, cfg.Analysis.Timeout, logger)
		if err != nil {
			slog.Warn("Failed to initialize analysis client, running without analysis", "error", err)
		} else {
			gapAnalyzer = client
			shareSuggester = client
			slog.Info("Analysis client initialized", "model", cfg.Analysis.Model)
		}
	} else {
		slog.Info("Analysis disabled (GEMINI_API_KEY not set); reconciler will use conservative defaults")
	}

	auditLogger, err := audit.NewLogger(audit.Config{
		Enabled:   cfg.AuditLog.Enabled,
		Dir:       cfg.AuditLog.Dir,
		QueueSize: cfg.AuditLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize audit logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := auditLogger.Close(); closeErr != nil {
			slog.Error("Failed to close audit logger", "error", closeErr)
		}
	}()

	// Notification surfaces.
	hub := notify.NewHub(notify.HubConfig{
		QueueSize:         cfg.SSE.QueueSize,
		RetryDelay:        cfg.SSE.RetryDelay,
		KeepaliveInterval: cfg.SSE.KeepaliveInterval,
	}, logger)
	defer hub.Close()
	registry := notify.NewPresenceRegistry()
	presenceHandler := notify.NewPresenceHandler(repo, registry, hub, cfg.FrontendURL, cfg.IsDevelopment())

	// Repair-session core.
	tracker := stage.NewTracker(repo, logger)
	ledger := empathy.NewLedger(repo, logger)
	witnessProvider := witness.NewProvider(repo)
	breaker := reconciler.NewBreaker(repo, logger)
	negotiator := reconciler.NewNegotiator(repo, ledger, tracker, shareSuggester, hub, auditLogger, logger)
	engine := reconciler.NewEngine(repo, ledger, tracker, witnessProvider, negotiator, breaker, gapAnalyzer, hub, auditLogger, logger)

	apiHandler := api.NewHandler(repo, tracker, ledger, engine, negotiator, breaker, witnessProvider, hub, registry, cfg, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	apiHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/presence", presenceHandler.ServeHTTP)

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start offer expiry sweeper.
	sweeper := reconciler.NewOfferSweeper(repo, ledger, hub, auditLogger, logger, cfg.Offers.PendingTTL, cfg.Offers.SweepInterval)
	go sweeper.Run(ctx)
	slog.Info("Offer expiry sweeper started", "ttl", cfg.Offers.PendingTTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
