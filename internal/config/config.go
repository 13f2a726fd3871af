package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"     validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"   validate:"required"`
	GitHub    GitHubConfig    `mapstructure:"github"     validate:"required"`
	LLM       LLMConfig       `mapstructure:"llm"        validate:"required"`
	Email     EmailConfig     `mapstructure:"email"      validate:"required"`
	Worker    WorkerConfig    `mapstructure:"worker"     validate:"required"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// GitHubConfig contains settings for the GitHub issue source.
type GitHubConfig struct {
	Token string `mapstructure:"token" validate:"required"`

	// PageSize is the number of issues fetched per request. The GitHub API
	// caps this at 100 per request.
	PageSize int `mapstructure:"page_size" validate:"required,gt=0,lte=100"`

	// MaxIssuesPerReport is the hard cap on total issues fetched for one
	// report. Pagination truncates and force-completes past this point.
	MaxIssuesPerReport int `mapstructure:"max_issues_per_report" validate:"required,gt=0"`
}

// LLMConfig contains all LLM integration related settings.
type LLMConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key" validate:"required"`
	ModelName    string `mapstructure:"model_name"     validate:"required"`

	// MaxRetries is the number of additional attempts after a failed call.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0"`

	// RetryDelaySeconds is the base delay for exponential backoff between retries.
	RetryDelaySeconds int `mapstructure:"retry_delay_seconds" validate:"gte=0"`

	// TimeoutSeconds bounds each outbound analysis call.
	TimeoutSeconds int `mapstructure:"timeout_seconds" validate:"required,gt=0"`
}

// EmailConfig contains settings for the outbound notification sender.
type EmailConfig struct {
	APIURL   string `mapstructure:"api_url"  validate:"required,url"`
	APIKey   string `mapstructure:"api_key"  validate:"required"`
	From     string `mapstructure:"from"     validate:"required"`
	Disabled bool   `mapstructure:"disabled"`
}

// WorkerConfig tunes the tick loop and task queue.
type WorkerConfig struct {
	// MaxConcurrent bounds in-flight LLM calls within one tick chunk.
	// Kept low to stay under the provider's burst-rate tolerance.
	MaxConcurrent int `mapstructure:"max_concurrent" validate:"required,gt=0"`

	// MaxAttempts is the per-task retry ceiling before the task is
	// moved to a terminal error status.
	MaxAttempts int `mapstructure:"max_attempts" validate:"required,gt=0"`

	// TickBudgetSeconds is the wall-clock budget for one tick invocation.
	// The lock TTL is derived from it with a safety margin.
	TickBudgetSeconds int `mapstructure:"tick_budget_seconds" validate:"required,gt=0"`

	// PerOwnerMaxRunning caps one owner's simultaneously running tasks so
	// a single user cannot starve others out of the queue.
	PerOwnerMaxRunning int `mapstructure:"per_owner_max_running" validate:"required,gt=0"`

	// PerOwnerMaxPerSelection caps tasks selected for one owner in a
	// single queue selection call.
	PerOwnerMaxPerSelection int `mapstructure:"per_owner_max_per_selection" validate:"required,gt=0"`

	// TaskRetentionHours is how long terminal tasks are kept before vacuum.
	TaskRetentionHours int `mapstructure:"task_retention_hours" validate:"required,gt=0"`
}

// RateLimitConfig tunes the shared LLM request budget.
type RateLimitConfig struct {
	// RequestsPerMinute is the global ceiling on LLM requests per minute bucket.
	RequestsPerMinute int `mapstructure:"requests_per_minute" validate:"required,gt=0"`

	// BucketRetentionMinutes is how long stale buckets are kept before vacuum.
	BucketRetentionMinutes int `mapstructure:"bucket_retention_minutes" validate:"required,gt=0"`

	// EstimatedTokensPerTask is the token cost booked per analysis request.
	EstimatedTokensPerTask int `mapstructure:"estimated_tokens_per_task" validate:"required,gt=0"`
}
