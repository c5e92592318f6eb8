package main

import (
	"context"
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
	"github.com/verifika/report-engine/pkg/intake"
	"github.com/verifika/report-engine/pkg/observability/metrics"
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

	repo := report.NewRepository(db, policy, uuid.New().String(), cfg.ClaimTTL)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate report tables")
	}

	redisClient := database.GetRedis()

	handler := intake.NewConsumer(repo, redisClient, cfg.DedupKeyPrefix, cfg.IntakeDedupTTL)
	consumer := kafka.NewConsumer(cfg.UploadTopic, cfg.KafkaGroupID)
	defer consumer.Close()

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
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Intake Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	go func() {
		logger.Log.WithField("topic", cfg.UploadTopic).Info("consuming upload notifications")
		if err := consumer.Consume(ctx, handler.SaveMessageAndAck); err != nil && ctx.Err() == nil {
			logger.Log.WithError(err).Error("upload consumer stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Intake Service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	if err := database.CloseRedis(); err != nil {
		logger.Log.WithError(err).Warn("failed to close redis client")
	}
	if err := database.ClosePostgres(); err != nil {
		logger.Log.WithError(err).Warn("failed to close postgres connection")
	}

	logger.Log.Info("Intake Service stopped")
}
