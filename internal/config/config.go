package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	CORS        CORSConfig
	Detector    DetectorConfig
	Adjudicator AdjudicatorConfig
	Enrichment  EnrichmentConfig
	Pipeline    PipelineConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string
	Env  string
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	PoolMin  int
	PoolMax  int
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	Origins []string
}

// DetectorConfig holds configuration for the external pool-detection service.
type DetectorConfig struct {
	BaseURL string
	Timeout time.Duration
	// CacheTTL is how long a stored detection stands in for a fresh call.
	CacheTTL time.Duration
	// MinConfidence is the detection confidence above which a parcel is
	// considered to have a pool.
	MinConfidence float64
}

// AdjudicatorConfig holds configuration for the LLM adjudication providers.
type AdjudicatorConfig struct {
	PrimaryBaseURL   string
	PrimaryAPIKey    string
	PrimaryModel     string
	SecondaryEnabled bool
	SecondaryBaseURL string
	SecondaryAPIKey  string
	SecondaryModel   string
	Timeout          time.Duration
	// CostPer1KUnits is the monetary cost per thousand billed units.
	CostPer1KUnits float64
	// BudgetUSD is the hard per-search adjudication spending cap.
	BudgetUSD float64
}

// EnrichmentConfig holds configuration for the on-demand parcel data provider.
type EnrichmentConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// FetchCap limits how many parcels a single on-demand fetch may return.
	FetchCap int
	// MinLocalParcels is the local coverage below which an on-demand fetch
	// is triggered before the spatial query runs.
	MinLocalParcels int
}

// PipelineConfig holds tuning knobs for the search pipeline.
type PipelineConfig struct {
	RearYardBatchSize  int
	DetectionBatchSize int
	VerdictFlushEvery  int
	// EdgeCaseTolerance is the fraction of the qualification threshold
	// within which a parcel is treated as an edge case.
	EdgeCaseTolerance float64
	// RearSanityFraction is the minimum rear/total area ratio for a
	// bearing-based split to be trusted.
	RearSanityFraction float64
	// RearFallbackFraction is the share of the parcel envelope treated as
	// rear when the bearing-based split fails the sanity check.
	RearFallbackFraction float64
	SetbackFeet          float64
	// ProgressGracePeriod is how long a finished search's progress channel
	// is kept around for late joiners before eviction.
	ProgressGracePeriod time.Duration
}

// Load reads configuration from environment variables.
// It uses viper to read values and provides sensible defaults for development.
func Load() (*Config, error) {
	v := viper.New()

	// Set defaults for development
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_NAME", "lotscout")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_POOL_MIN", 2)
	v.SetDefault("DB_POOL_MAX", 10)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000,http://localhost:3001")

	v.SetDefault("DETECTOR_BASE_URL", "http://localhost:8090")
	v.SetDefault("DETECTOR_TIMEOUT_SECONDS", 30)
	v.SetDefault("DETECTOR_CACHE_TTL_HOURS", 168) // 7 days
	v.SetDefault("DETECTOR_MIN_CONFIDENCE", 0.5)

	v.SetDefault("ADJUDICATOR_PRIMARY_BASE_URL", "https://api.openai.com/v1")
	v.SetDefault("ADJUDICATOR_PRIMARY_MODEL", "gpt-4o-mini")
	v.SetDefault("ADJUDICATOR_SECONDARY_ENABLED", false)
	v.SetDefault("ADJUDICATOR_SECONDARY_BASE_URL", "https://api.anthropic.com/v1")
	v.SetDefault("ADJUDICATOR_SECONDARY_MODEL", "claude-3-5-haiku-latest")
	v.SetDefault("ADJUDICATOR_TIMEOUT_SECONDS", 30)
	v.SetDefault("ADJUDICATOR_COST_PER_1K_UNITS", 0.002)
	v.SetDefault("ADJUDICATOR_BUDGET_USD", 5.0)

	v.SetDefault("ENRICHMENT_BASE_URL", "")
	v.SetDefault("ENRICHMENT_TIMEOUT_SECONDS", 30)
	v.SetDefault("ENRICHMENT_FETCH_CAP", 1000)
	v.SetDefault("ENRICHMENT_MIN_LOCAL_PARCELS", 10)

	v.SetDefault("PIPELINE_REAR_YARD_BATCH_SIZE", 10)
	v.SetDefault("PIPELINE_DETECTION_BATCH_SIZE", 5)
	v.SetDefault("PIPELINE_VERDICT_FLUSH_EVERY", 5)
	v.SetDefault("PIPELINE_EDGE_CASE_TOLERANCE", 0.10)
	v.SetDefault("PIPELINE_REAR_SANITY_FRACTION", 0.30)
	v.SetDefault("PIPELINE_REAR_FALLBACK_FRACTION", 0.60)
	v.SetDefault("PIPELINE_SETBACK_FEET", 5.0)
	v.SetDefault("PIPELINE_PROGRESS_GRACE_MINUTES", 10)

	// Bind environment variables
	v.AutomaticEnv()

	// Build configuration
	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetString("PORT"),
			Env:  v.GetString("ENV"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			Name:     v.GetString("DB_NAME"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			PoolMin:  v.GetInt("DB_POOL_MIN"),
			PoolMax:  v.GetInt("DB_POOL_MAX"),
		},
		CORS: CORSConfig{
			Origins: parseOrigins(v.GetString("CORS_ORIGINS")),
		},
		Detector: DetectorConfig{
			BaseURL:       v.GetString("DETECTOR_BASE_URL"),
			Timeout:       time.Duration(v.GetInt("DETECTOR_TIMEOUT_SECONDS")) * time.Second,
			CacheTTL:      time.Duration(v.GetInt("DETECTOR_CACHE_TTL_HOURS")) * time.Hour,
			MinConfidence: v.GetFloat64("DETECTOR_MIN_CONFIDENCE"),
		},
		Adjudicator: AdjudicatorConfig{
			PrimaryBaseURL:   v.GetString("ADJUDICATOR_PRIMARY_BASE_URL"),
			PrimaryAPIKey:    v.GetString("ADJUDICATOR_PRIMARY_API_KEY"),
			PrimaryModel:     v.GetString("ADJUDICATOR_PRIMARY_MODEL"),
			SecondaryEnabled: v.GetBool("ADJUDICATOR_SECONDARY_ENABLED"),
			SecondaryBaseURL: v.GetString("ADJUDICATOR_SECONDARY_BASE_URL"),
			SecondaryAPIKey:  v.GetString("ADJUDICATOR_SECONDARY_API_KEY"),
			SecondaryModel:   v.GetString("ADJUDICATOR_SECONDARY_MODEL"),
			Timeout:          time.Duration(v.GetInt("ADJUDICATOR_TIMEOUT_SECONDS")) * time.Second,
			CostPer1KUnits:   v.GetFloat64("ADJUDICATOR_COST_PER_1K_UNITS"),
			BudgetUSD:        v.GetFloat64("ADJUDICATOR_BUDGET_USD"),
		},
		Enrichment: EnrichmentConfig{
			BaseURL:         v.GetString("ENRICHMENT_BASE_URL"),
			APIKey:          v.GetString("ENRICHMENT_API_KEY"),
			Timeout:         time.Duration(v.GetInt("ENRICHMENT_TIMEOUT_SECONDS")) * time.Second,
			FetchCap:        v.GetInt("ENRICHMENT_FETCH_CAP"),
			MinLocalParcels: v.GetInt("ENRICHMENT_MIN_LOCAL_PARCELS"),
		},
		Pipeline: PipelineConfig{
			RearYardBatchSize:    v.GetInt("PIPELINE_REAR_YARD_BATCH_SIZE"),
			DetectionBatchSize:   v.GetInt("PIPELINE_DETECTION_BATCH_SIZE"),
			VerdictFlushEvery:    v.GetInt("PIPELINE_VERDICT_FLUSH_EVERY"),
			EdgeCaseTolerance:    v.GetFloat64("PIPELINE_EDGE_CASE_TOLERANCE"),
			RearSanityFraction:   v.GetFloat64("PIPELINE_REAR_SANITY_FRACTION"),
			RearFallbackFraction: v.GetFloat64("PIPELINE_REAR_FALLBACK_FRACTION"),
			SetbackFeet:          v.GetFloat64("PIPELINE_SETBACK_FEET"),
			ProgressGracePeriod:  time.Duration(v.GetInt("PIPELINE_PROGRESS_GRACE_MINUTES")) * time.Minute,
		},
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present and valid.
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	// Validate database config
	if c.Database.Host == "" {
		return fmt.Errorf("DB_HOST is required")
	}
	if c.Database.Port == "" {
		return fmt.Errorf("DB_PORT is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("DB_NAME is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("DB_USER is required")
	}
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.Database.PoolMin < 0 {
		return fmt.Errorf("DB_POOL_MIN must be non-negative")
	}
	if c.Database.PoolMax < 1 {
		return fmt.Errorf("DB_POOL_MAX must be at least 1")
	}
	if c.Database.PoolMin > c.Database.PoolMax {
		return fmt.Errorf("DB_POOL_MIN must be less than or equal to DB_POOL_MAX")
	}

	// Validate CORS config
	if len(c.CORS.Origins) == 0 {
		return fmt.Errorf("CORS_ORIGINS is required")
	}

	// Validate detector config
	if c.Detector.BaseURL == "" {
		return fmt.Errorf("DETECTOR_BASE_URL is required")
	}
	if c.Detector.MinConfidence < 0 || c.Detector.MinConfidence > 1 {
		return fmt.Errorf("DETECTOR_MIN_CONFIDENCE must be between 0 and 1")
	}
	if c.Detector.CacheTTL <= 0 {
		return fmt.Errorf("DETECTOR_CACHE_TTL_HOURS must be positive")
	}

	// Validate adjudicator config
	if c.Adjudicator.BudgetUSD < 0 {
		return fmt.Errorf("ADJUDICATOR_BUDGET_USD must be non-negative")
	}
	if c.Adjudicator.CostPer1KUnits < 0 {
		return fmt.Errorf("ADJUDICATOR_COST_PER_1K_UNITS must be non-negative")
	}
	if c.Adjudicator.SecondaryEnabled && c.Adjudicator.SecondaryBaseURL == "" {
		return fmt.Errorf("ADJUDICATOR_SECONDARY_BASE_URL is required when the secondary provider is enabled")
	}

	// Validate enrichment config
	if c.Enrichment.FetchCap < 1 {
		return fmt.Errorf("ENRICHMENT_FETCH_CAP must be at least 1")
	}
	if c.Enrichment.MinLocalParcels < 0 {
		return fmt.Errorf("ENRICHMENT_MIN_LOCAL_PARCELS must be non-negative")
	}

	// Validate pipeline config
	if c.Pipeline.RearYardBatchSize < 1 {
		return fmt.Errorf("PIPELINE_REAR_YARD_BATCH_SIZE must be at least 1")
	}
	if c.Pipeline.DetectionBatchSize < 1 {
		return fmt.Errorf("PIPELINE_DETECTION_BATCH_SIZE must be at least 1")
	}
	if c.Pipeline.VerdictFlushEvery < 1 {
		return fmt.Errorf("PIPELINE_VERDICT_FLUSH_EVERY must be at least 1")
	}
	if c.Pipeline.EdgeCaseTolerance < 0 {
		return fmt.Errorf("PIPELINE_EDGE_CASE_TOLERANCE must be non-negative")
	}
	if c.Pipeline.RearSanityFraction <= 0 || c.Pipeline.RearSanityFraction >= 1 {
		return fmt.Errorf("PIPELINE_REAR_SANITY_FRACTION must be strictly between 0 and 1")
	}
	if c.Pipeline.RearFallbackFraction <= 0 || c.Pipeline.RearFallbackFraction >= 1 {
		return fmt.Errorf("PIPELINE_REAR_FALLBACK_FRACTION must be strictly between 0 and 1")
	}

	return nil
}

// parseOrigins splits a comma-separated string of origins into a slice.
func parseOrigins(origins string) []string {
	if origins == "" {
		return []string{}
	}

	parts := strings.Split(origins, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
