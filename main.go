package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/storyforge-ai/story-engine/pkg/config"
	"github.com/storyforge-ai/story-engine/pkg/database"
	"github.com/storyforge-ai/story-engine/pkg/handlers"
	"github.com/storyforge-ai/story-engine/pkg/llm"
	"github.com/storyforge-ai/story-engine/pkg/repositories"
	"github.com/storyforge-ai/story-engine/pkg/retrieval"
	"github.com/storyforge-ai/story-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("gateway_mode", cfg.Gateway.Mode),
		zap.String("database", cfg.Database.Database),
		zap.String("version", cfg.Version))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	migrationDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		logger.Fatal("failed to open migration connection", zap.Error(err))
	}
	if err := database.RunMigrations(migrationDB, cfg.Database.MigrationsPath, logger); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	_ = migrationDB.Close()

	sessionRepo := repositories.NewSessionRepository(db, logger)
	messageRepo := repositories.NewMessageRepository(db, logger)
	storyRepo := repositories.NewStoryRepository(db, logger)

	gateway := newGateway(cfg, logger)

	var retriever retrieval.Retriever
	if cfg.Retriever.BaseURL != "" {
		retriever = retrieval.NewClient(cfg.Retriever, logger)
	}

	storySvc := services.NewStoryService(storyRepo, gateway, logger)
	conversationSvc := services.NewConversationService(sessionRepo, messageRepo, storySvc, gateway, retriever, logger)

	turnHandler := handlers.NewTurnHandler(conversationSvc, logger)
	sessionHandler := handlers.NewSessionHandler(conversationSvc, logger)
	storyHandler := handlers.NewStoryHandler(storySvc, logger)
	healthHandler := handlers.NewHealthHandler(db, cfg.Version)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler.HandleHealth)
	mux.HandleFunc("POST /api/sessions", sessionHandler.HandleInit)
	mux.HandleFunc("GET /api/sessions", sessionHandler.HandleList)
	mux.HandleFunc("GET /api/sessions/{session_id}", sessionHandler.HandleDetail)
	mux.HandleFunc("DELETE /api/sessions/{session_id}", sessionHandler.HandleDelete)
	mux.HandleFunc("POST /api/turns", turnHandler.HandleTurn)
	mux.HandleFunc("PUT /api/stories/{uuid}", storyHandler.HandleUpdate)
	mux.HandleFunc("GET /api/stories/{uuid}/versions", storyHandler.HandleHistory)
	mux.HandleFunc("PUT /api/stories/{uuid}/jira", storyHandler.HandleAssignJira)
	mux.HandleFunc("POST /api/stories/batch-delete", storyHandler.HandleBatchDelete)

	addr := cfg.BindAddr + ":" + cfg.Port
	logger.Info("starting story-engine", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" || env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newGateway(cfg *config.Config, logger *zap.Logger) llm.ModelGateway {
	if cfg.Gateway.Mode == "openai" {
		return llm.NewReasoningClient(cfg.Gateway, logger)
	}
	return llm.NewGatewayClient(cfg.Gateway, llm.NewTokenCache(), logger)
}
