package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"graphflow/pkg/db"
	"graphflow/services/config"
	"graphflow/services/executor"
	"graphflow/services/runtime"
	"graphflow/services/storage"
	"graphflow/services/subgraph"
	"graphflow/services/workflow"
)

func main() {
	ctx := context.Background()
	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	slog.SetDefault(slog.New(logHandler))

	cfg, err := config.Load(os.Getenv("WORKFLOW_CONFIG_PATH"))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return
	}

	dbURL, ok := os.LookupEnv("DATABASE_URL")
	if !ok {
		slog.Error("DATABASE_URL is not set")
		return
	}

	dbCfg := db.DefaultConfig(dbURL)
	pool, err := db.Connect(ctx, dbCfg)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		return
	}
	defer pool.Close()

	pgStore, err := storage.NewInstance(pool)
	if err != nil {
		slog.Error("Failed to create store instance", "error", err)
		return
	}
	execStore, err := storage.NewExecutionStore(pool)
	if err != nil {
		slog.Error("Failed to create execution store", "error", err)
		return
	}

	registry := executor.BuiltinSet()
	registry.Freeze()
	if err := registry.CheckCompatibility(); err != nil {
		slog.Error("Executor registry is incomplete", "error", err)
		return
	}

	workerPool := runtime.NewPool(runtime.PoolConfig{
		CorePoolSize:  cfg.Executor.CorePoolSize,
		MaxPoolSize:   cfg.Executor.MaxPoolSize,
		QueueCapacity: cfg.Executor.QueueCapacity,
	})

	// setup router
	mainRouter := mux.NewRouter()
	apiRouter := mainRouter.PathPrefix("/api/v1").Subrouter()

	workflowService, err := workflow.NewService(pgStore, execStore, registry, workerPool, subgraph.NewRegistry(), cfg)
	if err != nil {
		slog.Error("Failed to create workflow service", "error", err)
		return
	}

	workflowService.LoadRoutes(apiRouter)

	corsHandler := handlers.CORS(
		// Frontend URL
		handlers.AllowedOrigins([]string{"http://localhost:3003"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)(mainRouter)

	srv := &http.Server{
		Addr:    ":8080",
		Handler: corsHandler,
	}

	serverErrors := make(chan error, 1)

	go func() {
		slog.Info("Starting server on :8080")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		slog.Error("Server error", "error", err)

	case sig := <-shutdown:
		slog.Info("Shutdown signal received", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Executor.AwaitTerminationSeconds)*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Could not stop server gracefully", "error", err)
			srv.Close()
		}
		workerPool.Shutdown()
	}
}
