// The analyzer service accepts supplier price-list files, runs the extraction
// pipeline against them in the background, and exposes job status, cancel, and
// metrics endpoints.
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

	"cloud.google.com/go/storage"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Valecer/pricelistflow/internal/config"
	"github.com/Valecer/pricelistflow/internal/extract"
	"github.com/Valecer/pricelistflow/internal/gcp"
	"github.com/Valecer/pricelistflow/internal/pipeline"
	"github.com/Valecer/pricelistflow/internal/sheet"
	"github.com/Valecer/pricelistflow/internal/taxonomy"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, relying on environment variables.")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration.", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		slog.Error("Failed to create Firestore client.", "error", err)
		os.Exit(1)
	}
	defer firestoreClient.Close()

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		slog.Error("Failed to create Storage client.", "error", err)
		os.Exit(1)
	}
	defer storageClient.Close()

	vertexClient, err := gcp.NewVertexClient(ctx, cfg.ProjectID, cfg.VertexAIRegion, cfg.ModelName)
	if err != nil {
		slog.Error("Failed to create Vertex AI client.", "error", err)
		os.Exit(1)
	}
	defer vertexClient.Close()

	metrics := pipeline.NewMetrics()

	extractor := extract.New(vertexClient, extract.Config{
		WindowSize:     cfg.ChunkSize,
		WindowOverlap:  cfg.ChunkOverlap,
		Workers:        cfg.ChunkWorkers,
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.RetryInitialBackoff,
		CallTimeout:    cfg.InferenceTimeout,
	}, metrics)

	normalizer, err := taxonomy.NewNormalizer(
		taxonomy.NewFirestoreStore(firestoreClient, cfg.CategoriesCollection),
		cfg.SimilarityThreshold,
		cfg.SiblingCacheSize,
	)
	if err != nil {
		slog.Error("Failed to build category normalizer.", "error", err)
		os.Exit(1)
	}

	jobs := pipeline.NewFirestoreJobStore(firestoreClient, cfg.JobsCollection)

	var snapshot pipeline.Snapshotter
	if cfg.AuditBucket != "" {
		bucket := storageClient.Bucket(cfg.AuditBucket)
		snapshot = func(ctx context.Context, objectName, content string) error {
			return gcp.SaveToGCSAtomically(ctx, bucket, objectName, content)
		}
	}

	orchestrator := pipeline.NewOrchestrator(pipeline.Deps{
		Jobs:      jobs,
		Catalog:   pipeline.NewFirestoreCatalogStore(firestoreClient, cfg.ItemsCollection, cfg.ParsingLogCollection),
		Selector:  sheet.NewSelector(cfg.PrioritySheetNames, cfg.BlockedSheetNames),
		Extractor: extractor,
		Resolver:  normalizer,
		Stager: func(ctx context.Context, path string) (string, func(), error) {
			return gcp.StageFile(ctx, storageClient, path)
		},
		Snapshot:                snapshot,
		Metrics:                 metrics,
		MinSuccessRate:          cfg.MinSuccessRate,
		DuplicatePriceTolerance: cfg.DuplicatePriceTolerance,
	})

	server := NewServer(jobs, orchestrator)

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	analyze := router.Group("/analyze")
	{
		analyze.POST("/file", server.HandleAnalyzeFile)
		analyze.GET("/status/:job_id", server.HandleJobStatus)
		analyze.POST("/cancel/:job_id", server.HandleCancelJob)
	}

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		slog.Info("Analyzer service listening.", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed.", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutdown signal received; draining.")

	server.CancelAll()

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Forced shutdown.", "error", err)
	}
	slog.Info("Analyzer service stopped.")
}
