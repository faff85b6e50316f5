package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/halcyon-ai/casefile/internal/agent"
	"github.com/halcyon-ai/casefile/internal/config"
	"github.com/halcyon-ai/casefile/internal/httpapi"
	"github.com/halcyon-ai/casefile/internal/logger"
	"github.com/halcyon-ai/casefile/internal/persist"
	"github.com/halcyon-ai/casefile/internal/session"
	"github.com/halcyon-ai/casefile/internal/store"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	log.Info("starting casefile server",
		slog.String("instance_id", logger.GetInstanceID()),
		slog.String("port", cfg.Port))

	docs, firestoreClient := newDocumentStore(cfg, log)
	if firestoreClient != nil {
		defer firestoreClient.Close()
	}

	saver := persist.NewSaver(docs, log)

	runtime := agent.NewStubRuntime()
	log.Warn("no agent runtime configured; using the local stub runtime")

	bridge := agent.NewBridge(runtime, cfg.AgentMaxAttempts, log)

	mgr := session.NewManager(session.Config{
		MaxActive:   cfg.MaxActiveSessions,
		MaxRecent:   cfg.MaxRecentSessions,
		MaxEventLog: cfg.MaxEventLogSize,
		IdleTimeout: cfg.IdleTimeout,
	}, bridge, saver, docs, log)

	// Fail over sessions stranded in_progress by a previous process.
	mgr.Recover(context.Background())

	router := httpapi.NewRouter(cfg, mgr, log)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("forced shutdown", slog.String("error", err.Error()))
	}

	mgr.Shutdown(ctx)
	saver.Shutdown()

	log.Info("server exited")
}

// newDocumentStore picks Firestore when a project is configured, otherwise
// the in-memory store (local development, tests).
func newDocumentStore(cfg *config.Config, log *logger.Logger) (store.DocumentStore, *firestore.Client) {
	if cfg.FirestoreProjectID == "" {
		log.Warn("FIRESTORE_PROJECT_ID not set; using the in-memory document store")
		return store.NewMemoryStore(), nil
	}

	client, err := firestore.NewClient(context.Background(), cfg.FirestoreProjectID)
	if err != nil {
		log.Error("failed to initialize firestore; falling back to the in-memory store",
			slog.String("error", err.Error()))
		return store.NewMemoryStore(), nil
	}

	log.Info("document store ready",
		slog.String("backend", "firestore"),
		slog.String("project", cfg.FirestoreProjectID))
	return store.NewFirestoreStore(client), client
}
