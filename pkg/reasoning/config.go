// Package reasoning produces spoken support replies for caller utterances.
//
// Gemini is the bundled provider. Each request is rendered into a system
// instruction carrying the caller context, detected sentiment and relevant
// knowledge base articles; the model reply is then paired with voice
// preferences derived from the same sentiment:
//
//	r, _ := reasoning.NewGemini(ctx, reasoning.WithAPIKey(os.Getenv("GEMINI_API_KEY")))
//	reply, err := r.Respond(ctx, voice.Request{Transcript: t})
package reasoning

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// Sentinel errors for the reasoning package.
var (
	ErrNoAPIKey      = errors.New("reasoning: API key required")
	ErrEmptyResponse = errors.New("reasoning: empty model response")
)

// Config holds reasoning provider configuration.
type Config struct {
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int32

	// HistoryTurns is how many prior turns are sent with each request.
	HistoryTurns int

	KnowledgeTTL time.Duration
	Knowledge    KnowledgeSource

	Logger *zap.Logger
}

// Option is a functional option for configuring a reasoner.
type Option func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) Option {
	return func(c *Config) { c.Temperature = t }
}

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int32) Option {
	return func(c *Config) { c.MaxTokens = n }
}

// WithHistoryTurns sets how many prior turns accompany a request.
func WithHistoryTurns(n int) Option {
	return func(c *Config) { c.HistoryTurns = n }
}

// WithKnowledge replaces the knowledge source.
func WithKnowledge(src KnowledgeSource, ttl time.Duration) Option {
	return func(c *Config) {
		c.Knowledge = src
		c.KnowledgeTTL = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Model:        "gemini-2.0-flash",
		Temperature:  0.7,
		MaxTokens:    150,
		HistoryTurns: 10,
		KnowledgeTTL: time.Hour,
		Knowledge:    DefaultArticles,
	}
}

// Apply applies options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrNoAPIKey
	}
	return nil
}
