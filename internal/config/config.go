package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// MissingCredentialError reports a required API credential that was not
// configured. The CLI catches it to prompt interactively instead of dying.
type MissingCredentialError struct {
	Name string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("%s must be provided", e.Name)
}

// Config holds runtime configuration values for the grading service.
type Config struct {
	AppName string
	AppEnv  string
	AppPort string

	DatabaseURL string
	SQLitePath  string

	ExtractionBaseURL string
	ExtractionAPIKey  string
	PollInterval      time.Duration
	PollMaxAttempts   int

	AIProvider   string
	OpenAIAPIKey string
	GeminiAPIKey string
	GradingModel string

	ExtractionConcurrency int
	GradingConcurrency    int
	MaxRetries            int
	BackoffInitial        time.Duration
	BackoffMax            time.Duration
	RunTimeout            time.Duration

	ReportDir string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// GradingAPIKey returns the credential for the configured grading provider.
func (c Config) GradingAPIKey() string {
	if c.AIProvider == "gemini" {
		return c.GeminiAPIKey
	}
	return c.OpenAIAPIKey
}

// Load reads configuration values from environment variables and an
// optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GRADEFLOW")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GradeFlow API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("sqlite.path", "gradeflow.db")
	v.SetDefault("extraction.base_url", "https://www.datalab.to/api/v1/marker")
	v.SetDefault("extraction.poll_interval", "2s")
	v.SetDefault("extraction.poll_max_attempts", 150)
	v.SetDefault("ai.provider", "openai")
	v.SetDefault("batch.extraction_concurrency", 2)
	v.SetDefault("batch.grading_concurrency", 4)
	v.SetDefault("batch.max_retries", 3)
	v.SetDefault("batch.backoff_initial", "500ms")
	v.SetDefault("batch.backoff_max", "30s")
	v.SetDefault("batch.run_timeout", "30m")
	v.SetDefault("report.dir", "reports")

	pollInterval, err := time.ParseDuration(v.GetString("extraction.poll_interval"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid extraction poll interval: %w", err)
	}
	backoffInitial, err := time.ParseDuration(v.GetString("batch.backoff_initial"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid backoff initial interval: %w", err)
	}
	backoffMax, err := time.ParseDuration(v.GetString("batch.backoff_max"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid backoff max interval: %w", err)
	}
	runTimeout, err := time.ParseDuration(v.GetString("batch.run_timeout"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid run timeout: %w", err)
	}

	cfg := Config{
		AppName:               v.GetString("app.name"),
		AppEnv:                v.GetString("app.env"),
		AppPort:               v.GetString("app.port"),
		DatabaseURL:           v.GetString("database.url"),
		SQLitePath:            v.GetString("sqlite.path"),
		ExtractionBaseURL:     v.GetString("extraction.base_url"),
		ExtractionAPIKey:      v.GetString("extraction.api_key"),
		PollInterval:          pollInterval,
		PollMaxAttempts:       v.GetInt("extraction.poll_max_attempts"),
		AIProvider:            strings.ToLower(v.GetString("ai.provider")),
		OpenAIAPIKey:          v.GetString("openai_api_key"),
		GeminiAPIKey:          v.GetString("gemini_api_key"),
		GradingModel:          v.GetString("ai.model"),
		ExtractionConcurrency: v.GetInt("batch.extraction_concurrency"),
		GradingConcurrency:    v.GetInt("batch.grading_concurrency"),
		MaxRetries:            v.GetInt("batch.max_retries"),
		BackoffInitial:        backoffInitial,
		BackoffMax:            backoffMax,
		RunTimeout:            runTimeout,
		ReportDir:             v.GetString("report.dir"),
	}

	if cfg.AIProvider != "openai" && cfg.AIProvider != "gemini" {
		return Config{}, fmt.Errorf("unsupported ai provider %q", cfg.AIProvider)
	}

	if cfg.ExtractionAPIKey == "" {
		return cfg, &MissingCredentialError{Name: "GRADEFLOW_EXTRACTION_API_KEY"}
	}
	if cfg.GradingAPIKey() == "" {
		name := "GRADEFLOW_OPENAI_API_KEY"
		if cfg.AIProvider == "gemini" {
			name = "GRADEFLOW_GEMINI_API_KEY"
		}
		return cfg, &MissingCredentialError{Name: name}
	}

	return cfg, nil
}
