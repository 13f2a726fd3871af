package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issuewatch/issuewatch-api/internal/config"
)

// setRequiredEnv sets the secrets that have no defaults so Load can succeed.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ISSUEWATCH_DATABASE_URL", "postgres://localhost:5432/issuewatch?sslmode=disable")
	t.Setenv("ISSUEWATCH_GITHUB_TOKEN", "ghp_test_token")
	t.Setenv("ISSUEWATCH_LLM_GEMINI_API_KEY", "test-api-key")
	t.Setenv("ISSUEWATCH_EMAIL_API_URL", "https://mail.example.com/send")
	t.Setenv("ISSUEWATCH_EMAIL_API_KEY", "mail-key")
	t.Setenv("ISSUEWATCH_EMAIL_FROM", "Issue Watch <reports@example.com>")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, 100, cfg.GitHub.PageSize)
	assert.Equal(t, 4000, cfg.GitHub.MaxIssuesPerReport)
	assert.Equal(t, 3, cfg.Worker.MaxConcurrent)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, 25, cfg.Worker.PerOwnerMaxRunning)
	assert.Equal(t, 700, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 5, cfg.RateLimit.BucketRetentionMinutes)
	assert.Equal(t, 1300, cfg.RateLimit.EstimatedTokensPerTask)
}

func TestLoadSecretsFromEnvOnly(t *testing.T) {
	// Keys without defaults must still resolve from the environment.
	setRequiredEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost:5432/issuewatch?sslmode=disable", cfg.Database.URL)
	assert.Equal(t, "ghp_test_token", cfg.GitHub.Token)
	assert.Equal(t, "test-api-key", cfg.LLM.GeminiAPIKey)
	assert.Equal(t, "https://mail.example.com/send", cfg.Email.APIURL)
	assert.Equal(t, "mail-key", cfg.Email.APIKey)
	assert.Equal(t, "Issue Watch <reports@example.com>", cfg.Email.From)
}

func TestLoadEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ISSUEWATCH_SERVER_PORT", "9090")
	t.Setenv("ISSUEWATCH_SERVER_LOG_LEVEL", "debug")
	t.Setenv("ISSUEWATCH_RATE_LIMIT_REQUESTS_PER_MINUTE", "30")
	t.Setenv("ISSUEWATCH_WORKER_MAX_CONCURRENT", "5")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, 30, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 5, cfg.Worker.MaxConcurrent)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "missing database url",
			env:  map[string]string{"ISSUEWATCH_DATABASE_URL": ""},
		},
		{
			name: "invalid log level",
			env:  map[string]string{"ISSUEWATCH_SERVER_LOG_LEVEL": "verbose"},
		},
		{
			name: "page size above github cap",
			env:  map[string]string{"ISSUEWATCH_GITHUB_PAGE_SIZE": "250"},
		},
		{
			name: "zero max concurrent",
			env:  map[string]string{"ISSUEWATCH_WORKER_MAX_CONCURRENT": "0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, val := range tt.env {
				t.Setenv(k, val)
			}

			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}
