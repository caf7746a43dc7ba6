// Package config loads and validates the analyzer's environment-driven
// configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable of the analysis pipeline.
type Config struct {
	ProjectID      string
	VertexAIRegion string
	ModelName      string
	Port           string

	JobsCollection       string
	ItemsCollection      string
	CategoriesCollection string
	ParsingLogCollection string

	// AuditBucket, when set, receives a snapshot of each serialized table.
	AuditBucket string

	PrioritySheetNames  []string
	BlockedSheetNames   []string
	ChunkSize           int
	ChunkOverlap        int
	ChunkWorkers        int
	MaxRetries          int
	RetryInitialBackoff time.Duration
	InferenceTimeout    time.Duration

	SimilarityThreshold int
	SiblingCacheSize    int

	// DuplicatePriceTolerance is the relative price band inside which records
	// sharing a normalized name count as duplicates.
	DuplicatePriceTolerance float64
	MinSuccessRate          float64
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ProjectID:      GetEnv("GOOGLE_CLOUD_PROJECT_ID", ""),
		VertexAIRegion: GetEnv("VERTEX_AI_REGION", "us-central1"),
		ModelName:      GetEnv("VERTEX_AI_MODEL", "gemini-1.5-pro"),
		Port:           GetEnv("PORT", "8080"),

		JobsCollection:       GetEnv("FIRESTORE_JOBS_COLLECTION", "analysis_jobs"),
		ItemsCollection:      GetEnv("FIRESTORE_ITEMS_COLLECTION", "catalog_items"),
		CategoriesCollection: GetEnv("FIRESTORE_CATEGORIES_COLLECTION", "categories"),
		ParsingLogCollection: GetEnv("FIRESTORE_PARSING_LOG_COLLECTION", "parsing_logs"),

		AuditBucket: GetEnv("AUDIT_BUCKET", ""),

		PrioritySheetNames:  getEnvList("PRIORITY_SHEET_NAMES", "upload,для загрузки,import"),
		BlockedSheetNames:   getEnvList("BLOCKED_SHEET_NAMES", "instructions,readme,info,legend,contacts"),
		ChunkSize:           getEnvInt("CHUNK_SIZE", 250),
		ChunkOverlap:        getEnvInt("CHUNK_OVERLAP", 40),
		ChunkWorkers:        getEnvInt("CHUNK_WORKERS", 2),
		MaxRetries:          getEnvInt("INFERENCE_MAX_RETRIES", 3),
		RetryInitialBackoff: getEnvDuration("INFERENCE_RETRY_BACKOFF", 2*time.Second),
		InferenceTimeout:    getEnvDuration("INFERENCE_TIMEOUT", 60*time.Second),

		SimilarityThreshold: getEnvInt("CATEGORY_SIMILARITY_THRESHOLD", 85),
		SiblingCacheSize:    getEnvInt("CATEGORY_CACHE_SIZE", 256),

		DuplicatePriceTolerance: getEnvFloat("DUPLICATE_PRICE_TOLERANCE", 0.01),
		MinSuccessRate:          getEnvFloat("MIN_SUCCESS_RATE", 0.8),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("GOOGLE_CLOUD_PROJECT_ID must be set")
	}
	if c.ModelName == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk overlap (%d) must be non-negative and smaller than chunk size (%d)", c.ChunkOverlap, c.ChunkSize)
	}
	if c.ChunkWorkers <= 0 {
		return fmt.Errorf("chunk workers must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryInitialBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.InferenceTimeout <= 0 {
		return fmt.Errorf("inference timeout must be positive")
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 100 {
		return fmt.Errorf("similarity threshold must be within [0, 100]")
	}
	if c.SiblingCacheSize <= 0 {
		return fmt.Errorf("sibling cache size must be positive")
	}
	if c.DuplicatePriceTolerance < 0 || c.DuplicatePriceTolerance >= 1 {
		return fmt.Errorf("duplicate price tolerance must be within [0, 1)")
	}
	if c.MinSuccessRate < 0 || c.MinSuccessRate > 1 {
		return fmt.Errorf("min success rate must be within [0, 1]")
	}
	return nil
}

// GetEnv reads an environment variable or returns a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getEnvFloat(key string, fallback float64) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getEnvList(key, fallback string) []string {
	raw := GetEnv(key, fallback)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
