package tts

import (
	"time"

	"go.uber.org/zap"
)

// Config holds TTS provider configuration.
// Use functional options (WithXxx) to set these values.
type Config struct {
	APIKey  string
	BaseURL string
	ModelID string

	// Timeout bounds a single synthesis request including retries.
	Timeout time.Duration

	MaxRetries int
	RetryDelay time.Duration

	Logger *zap.Logger
}

// Option is a functional option for configuring TTS providers.
type Option func(*Config)

// WithAPIKey sets the API key for the provider.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithModel sets the model ID.
func WithModel(modelID string) Option {
	return func(c *Config) { c.ModelID = modelID }
}

// WithTimeout sets the request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) { c.Timeout = timeout }
}

// WithRetry configures retry behavior for failed requests.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
	}
}

// WithLogger sets the logger for the provider.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:    "https://api.elevenlabs.io/v1",
		ModelID:    ModelTurboV2_5,
		Timeout:    15 * time.Second,
		MaxRetries: 2,
		RetryDelay: 100 * time.Millisecond,
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrNoAPIKey
	}
	return nil
}
