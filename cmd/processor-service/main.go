package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/verifika/report-engine/pkg/common/config"
	"github.com/verifika/report-engine/pkg/common/database"
	"github.com/verifika/report-engine/pkg/common/kafka"
	"github.com/verifika/report-engine/pkg/common/logger"
	"github.com/verifika/report-engine/pkg/confirmation"
	"github.com/verifika/report-engine/pkg/observability/metrics"
	"github.com/verifika/report-engine/pkg/processor"
	"github.com/verifika/report-engine/pkg/report"
)

func main() {
	logger.Init()
	metrics.Init()
	cfg := config.Load()

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}

	policy, err := report.LoadRetryPolicy(cfg.RetryPolicyPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load retry policy")
	}

	workerID := uuid.New().String()
	repo := report.NewRepository(db, policy, workerID, cfg.ClaimTTL)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate report tables")
	}

	engine := report.EngineStatus{
		GitCommit: cfg.GitCommit,
		StartTime: time.Now().UTC(),
	}

	producer := kafka.NewProducer(cfg.LifecycleTopic)
	defer producer.Close()

	proc := processor.New(processor.Options{
		Store:           repo,
		Confirmer:       confirmation.NewClient(cfg.ConfirmationURL, cfg.ConfirmationTimeout),
		Publisher:       producer,
		Policy:          policy,
		Engine:          engine,
		PollInterval:    cfg.PollInterval,
		DownloadTimeout: cfg.DownloadTimeout,
	})

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		queued, err := proc.CalculateQueuedObjects(r.Context(), time.Now().UTC(), engine)
		if err != nil {
			logger.Log.WithError(err).Error("failed to count queued reports")
			http.Error(w, `{"error":"status unavailable"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"worker_id":      workerID,
			"git_commit":     engine.GitCommit,
			"start_time":     engine.StartTime,
			"queued_objects": queued,
		})
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":       cfg.ServerHost,
			"port":       cfg.ServerPort,
			"git_commit": engine.GitCommit,
		}).Info("Processor Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.BacklogSampleEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				queued, err := proc.CalculateQueuedObjects(ctx, time.Now().UTC(), engine)
				if err != nil {
					logger.Log.WithError(err).Warn("backlog sample failed")
					continue
				}
				metrics.ObserveQueued(queued)
			case <-ctx.Done():
				return
			}
		}
	}()

	go proc.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Processor Service...")
	proc.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	if err := database.ClosePostgres(); err != nil {
		logger.Log.WithError(err).Warn("failed to close postgres connection")
	}

	logger.Log.Info("Processor Service stopped")
}
