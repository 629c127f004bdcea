package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_WithDefaults(t *testing.T) {
	// Clear all environment variables
	clearConfigEnvVars()

	// Set only required env var (password has no default)
	os.Setenv("DB_PASSWORD", "testpass")
	defer os.Unsetenv("DB_PASSWORD")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	// Verify defaults
	if cfg.Server.Port != "8080" {
		t.Errorf("Expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.Env != "development" {
		t.Errorf("Expected env development, got %s", cfg.Server.Env)
	}
	if cfg.Database.Name != "lotscout" {
		t.Errorf("Expected db name lotscout, got %s", cfg.Database.Name)
	}
	if cfg.Database.PoolMin != 2 {
		t.Errorf("Expected pool min 2, got %d", cfg.Database.PoolMin)
	}
	if cfg.Database.PoolMax != 10 {
		t.Errorf("Expected pool max 10, got %d", cfg.Database.PoolMax)
	}
	if len(cfg.CORS.Origins) != 2 {
		t.Errorf("Expected 2 CORS origins, got %d", len(cfg.CORS.Origins))
	}
	if cfg.Detector.CacheTTL != 168*time.Hour {
		t.Errorf("Expected detection cache TTL 168h, got %s", cfg.Detector.CacheTTL)
	}
	if cfg.Detector.MinConfidence != 0.5 {
		t.Errorf("Expected min confidence 0.5, got %f", cfg.Detector.MinConfidence)
	}
	if cfg.Adjudicator.BudgetUSD != 5.0 {
		t.Errorf("Expected budget 5.0, got %f", cfg.Adjudicator.BudgetUSD)
	}
	if cfg.Adjudicator.SecondaryEnabled {
		t.Error("Expected secondary provider disabled by default")
	}
	if cfg.Enrichment.BaseURL != "" {
		t.Errorf("Expected enrichment disabled by default, got %s", cfg.Enrichment.BaseURL)
	}
	if cfg.Enrichment.FetchCap != 1000 {
		t.Errorf("Expected fetch cap 1000, got %d", cfg.Enrichment.FetchCap)
	}
	if cfg.Pipeline.RearYardBatchSize != 10 {
		t.Errorf("Expected rear yard batch size 10, got %d", cfg.Pipeline.RearYardBatchSize)
	}
	if cfg.Pipeline.DetectionBatchSize != 5 {
		t.Errorf("Expected detection batch size 5, got %d", cfg.Pipeline.DetectionBatchSize)
	}
	if cfg.Pipeline.EdgeCaseTolerance != 0.10 {
		t.Errorf("Expected edge case tolerance 0.10, got %f", cfg.Pipeline.EdgeCaseTolerance)
	}
	if cfg.Pipeline.ProgressGracePeriod != 10*time.Minute {
		t.Errorf("Expected progress grace period 10m, got %s", cfg.Pipeline.ProgressGracePeriod)
	}
}

func TestLoad_WithEnvironmentVariables(t *testing.T) {
	os.Setenv("PORT", "9090")
	os.Setenv("ENV", "production")
	os.Setenv("DB_HOST", "db.internal")
	os.Setenv("DB_PASSWORD", "testpass")
	os.Setenv("CORS_ORIGINS", "http://example.com,https://app.example.com")
	os.Setenv("DETECTOR_BASE_URL", "http://detector:9000")
	os.Setenv("DETECTOR_CACHE_TTL_HOURS", "24")
	os.Setenv("ADJUDICATOR_BUDGET_USD", "2.5")
	os.Setenv("ADJUDICATOR_PRIMARY_API_KEY", "sk-test")
	os.Setenv("ENRICHMENT_BASE_URL", "http://enrichment:7000")
	os.Setenv("PIPELINE_VERDICT_FLUSH_EVERY", "20")
	defer clearConfigEnvVars()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.Env != "production" {
		t.Errorf("Expected env production, got %s", cfg.Server.Env)
	}
	if cfg.Database.Host != "db.internal" {
		t.Errorf("Expected host db.internal, got %s", cfg.Database.Host)
	}
	if len(cfg.CORS.Origins) != 2 || cfg.CORS.Origins[0] != "http://example.com" {
		t.Errorf("Expected parsed CORS origins, got %v", cfg.CORS.Origins)
	}
	if cfg.Detector.BaseURL != "http://detector:9000" {
		t.Errorf("Expected detector base URL override, got %s", cfg.Detector.BaseURL)
	}
	if cfg.Detector.CacheTTL != 24*time.Hour {
		t.Errorf("Expected detection cache TTL 24h, got %s", cfg.Detector.CacheTTL)
	}
	if cfg.Adjudicator.BudgetUSD != 2.5 {
		t.Errorf("Expected budget 2.5, got %f", cfg.Adjudicator.BudgetUSD)
	}
	if cfg.Adjudicator.PrimaryAPIKey != "sk-test" {
		t.Errorf("Expected primary API key override, got %s", cfg.Adjudicator.PrimaryAPIKey)
	}
	if cfg.Enrichment.BaseURL != "http://enrichment:7000" {
		t.Errorf("Expected enrichment base URL override, got %s", cfg.Enrichment.BaseURL)
	}
	if cfg.Pipeline.VerdictFlushEvery != 20 {
		t.Errorf("Expected verdict flush every 20, got %d", cfg.Pipeline.VerdictFlushEvery)
	}
}

func TestLoad_MissingPassword(t *testing.T) {
	// Clear all environment variables (password has no default)
	clearConfigEnvVars()

	_, err := Load()
	if err == nil {
		t.Error("Expected error when DB_PASSWORD is missing")
	}
}

// validConfig returns a configuration that passes Validate.
func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
			Env:  "development",
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     "5432",
			Name:     "lotscout",
			User:     "postgres",
			Password: "postgres",
			PoolMin:  2,
			PoolMax:  10,
		},
		CORS: CORSConfig{
			Origins: []string{"http://localhost:3000"},
		},
		Detector: DetectorConfig{
			BaseURL:       "http://localhost:8090",
			Timeout:       30 * time.Second,
			CacheTTL:      168 * time.Hour,
			MinConfidence: 0.5,
		},
		Adjudicator: AdjudicatorConfig{
			PrimaryBaseURL: "https://api.openai.com/v1",
			PrimaryModel:   "gpt-4o-mini",
			Timeout:        30 * time.Second,
			CostPer1KUnits: 0.002,
			BudgetUSD:      5.0,
		},
		Enrichment: EnrichmentConfig{
			Timeout:         30 * time.Second,
			FetchCap:        1000,
			MinLocalParcels: 10,
		},
		Pipeline: PipelineConfig{
			RearYardBatchSize:    10,
			DetectionBatchSize:   5,
			VerdictFlushEvery:    5,
			EdgeCaseTolerance:    0.10,
			RearSanityFraction:   0.30,
			RearFallbackFraction: 0.60,
			SetbackFeet:          5.0,
			ProgressGracePeriod:  10 * time.Minute,
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid configuration",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing port",
			mutate:  func(c *Config) { c.Server.Port = "" },
			wantErr: true,
		},
		{
			name:    "missing db password",
			mutate:  func(c *Config) { c.Database.Password = "" },
			wantErr: true,
		},
		{
			name:    "pool min greater than max",
			mutate:  func(c *Config) { c.Database.PoolMin = 15 },
			wantErr: true,
		},
		{
			name:    "missing CORS origins",
			mutate:  func(c *Config) { c.CORS.Origins = []string{} },
			wantErr: true,
		},
		{
			name:    "missing detector base URL",
			mutate:  func(c *Config) { c.Detector.BaseURL = "" },
			wantErr: true,
		},
		{
			name:    "min confidence above 1",
			mutate:  func(c *Config) { c.Detector.MinConfidence = 1.5 },
			wantErr: true,
		},
		{
			name:    "zero detection cache TTL",
			mutate:  func(c *Config) { c.Detector.CacheTTL = 0 },
			wantErr: true,
		},
		{
			name:    "negative budget",
			mutate:  func(c *Config) { c.Adjudicator.BudgetUSD = -1 },
			wantErr: true,
		},
		{
			name:    "zero budget is allowed",
			mutate:  func(c *Config) { c.Adjudicator.BudgetUSD = 0 },
			wantErr: false,
		},
		{
			name: "secondary enabled without base URL",
			mutate: func(c *Config) {
				c.Adjudicator.SecondaryEnabled = true
				c.Adjudicator.SecondaryBaseURL = ""
			},
			wantErr: true,
		},
		{
			name:    "zero fetch cap",
			mutate:  func(c *Config) { c.Enrichment.FetchCap = 0 },
			wantErr: true,
		},
		{
			name:    "zero rear yard batch size",
			mutate:  func(c *Config) { c.Pipeline.RearYardBatchSize = 0 },
			wantErr: true,
		},
		{
			name:    "zero verdict flush",
			mutate:  func(c *Config) { c.Pipeline.VerdictFlushEvery = 0 },
			wantErr: true,
		},
		{
			name:    "rear sanity fraction out of range",
			mutate:  func(c *Config) { c.Pipeline.RearSanityFraction = 1.0 },
			wantErr: true,
		},
		{
			name:    "rear fallback fraction out of range",
			mutate:  func(c *Config) { c.Pipeline.RearFallbackFraction = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseOrigins(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "single origin",
			input:    "http://localhost:3000",
			expected: []string{"http://localhost:3000"},
		},
		{
			name:     "multiple origins with spaces",
			input:    "http://a.com, http://b.com ,http://c.com",
			expected: []string{"http://a.com", "http://b.com", "http://c.com"},
		},
		{
			name:     "empty string",
			input:    "",
			expected: []string{},
		},
		{
			name:     "trailing comma",
			input:    "http://a.com,",
			expected: []string{"http://a.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := parseOrigins(tt.input)

			if len(result) != len(tt.expected) {
				t.Fatalf("Expected %d origins, got %d", len(tt.expected), len(result))
			}
			for i := range result {
				if result[i] != tt.expected[i] {
					t.Errorf("Origin %d: expected %s, got %s", i, tt.expected[i], result[i])
				}
			}
		})
	}
}

// clearConfigEnvVars unsets every environment variable the loader reads.
func clearConfigEnvVars() {
	vars := []string{
		"PORT", "ENV",
		"DB_HOST", "DB_PORT", "DB_NAME", "DB_USER", "DB_PASSWORD",
		"DB_POOL_MIN", "DB_POOL_MAX",
		"CORS_ORIGINS",
		"DETECTOR_BASE_URL", "DETECTOR_TIMEOUT_SECONDS",
		"DETECTOR_CACHE_TTL_HOURS", "DETECTOR_MIN_CONFIDENCE",
		"ADJUDICATOR_PRIMARY_BASE_URL", "ADJUDICATOR_PRIMARY_API_KEY",
		"ADJUDICATOR_PRIMARY_MODEL", "ADJUDICATOR_SECONDARY_ENABLED",
		"ADJUDICATOR_SECONDARY_BASE_URL", "ADJUDICATOR_SECONDARY_API_KEY",
		"ADJUDICATOR_SECONDARY_MODEL", "ADJUDICATOR_TIMEOUT_SECONDS",
		"ADJUDICATOR_COST_PER_1K_UNITS", "ADJUDICATOR_BUDGET_USD",
		"ENRICHMENT_BASE_URL", "ENRICHMENT_API_KEY", "ENRICHMENT_TIMEOUT_SECONDS",
		"ENRICHMENT_FETCH_CAP", "ENRICHMENT_MIN_LOCAL_PARCELS",
		"PIPELINE_REAR_YARD_BATCH_SIZE", "PIPELINE_DETECTION_BATCH_SIZE",
		"PIPELINE_VERDICT_FLUSH_EVERY", "PIPELINE_EDGE_CASE_TOLERANCE",
		"PIPELINE_REAR_SANITY_FRACTION", "PIPELINE_REAR_FALLBACK_FRACTION",
		"PIPELINE_SETBACK_FEET", "PIPELINE_PROGRESS_GRACE_MINUTES",
	}
	for _, v := range vars {
		os.Unsetenv(v)
	}
}
