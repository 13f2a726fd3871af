package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional
// config.yaml in the working directory. Environment variables use the
// ISSUEWATCH_ prefix with underscores for nesting, e.g.
// ISSUEWATCH_SERVER_PORT, ISSUEWATCH_LLM_GEMINI_API_KEY, and take
// precedence over file values.
// Returns a populated Config or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ISSUEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env vars may carry everything.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// bindEnvKeys registers every config key with viper explicitly.
// AutomaticEnv only resolves keys viper already knows about, so a key
// without a default (the secrets) would never be read from the
// environment during Unmarshal.
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"server.port",
		"server.log_level",
		"database.url",
		"github.token",
		"github.page_size",
		"github.max_issues_per_report",
		"llm.gemini_api_key",
		"llm.model_name",
		"llm.max_retries",
		"llm.retry_delay_seconds",
		"llm.timeout_seconds",
		"email.api_url",
		"email.api_key",
		"email.from",
		"email.disabled",
		"worker.max_concurrent",
		"worker.max_attempts",
		"worker.tick_budget_seconds",
		"worker.per_owner_max_running",
		"worker.per_owner_max_per_selection",
		"worker.task_retention_hours",
		"rate_limit.requests_per_minute",
		"rate_limit.bucket_retention_minutes",
		"rate_limit.estimated_tokens_per_task",
	}
	for _, key := range keys {
		// BindEnv with one argument derives the variable name from the
		// prefix and replacer; it only errors on an empty key.
		_ = v.BindEnv(key)
	}
}

// setDefaults establishes default values for settings that have sane
// ones. Secrets (database URL, API keys) intentionally have no default.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("github.page_size", 100)
	v.SetDefault("github.max_issues_per_report", 4000)

	v.SetDefault("llm.model_name", "gemini-2.0-flash")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_delay_seconds", 2)
	v.SetDefault("llm.timeout_seconds", 120)

	v.SetDefault("email.disabled", false)

	v.SetDefault("worker.max_concurrent", 3)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.tick_budget_seconds", 300)
	v.SetDefault("worker.per_owner_max_running", 25)
	v.SetDefault("worker.per_owner_max_per_selection", 10)
	v.SetDefault("worker.task_retention_hours", 72)

	v.SetDefault("rate_limit.requests_per_minute", 700)
	v.SetDefault("rate_limit.bucket_retention_minutes", 5)
	v.SetDefault("rate_limit.estimated_tokens_per_task", 1300)
}
