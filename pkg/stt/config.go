// Package stt streams caller audio to a speech-to-text backend.
//
// Deepgram is the bundled provider. It keeps one streaming WebSocket per
// session, forwards caller audio as binary frames and reports interim and
// endpointed transcripts through a voice.TranscriptHandler:
//
//	t, _ := stt.NewDeepgram(stt.WithAPIKey(os.Getenv("DEEPGRAM_API_KEY")))
//	t.StartSession(ctx, "ssid_42", 16000, func(id string, tr voice.Transcript) {
//	    fmt.Println(id, tr.Text, tr.Final)
//	})
//	t.SubmitAudio(ctx, "ssid_42", pcm)
//	final, _ := t.Finalize(ctx, "ssid_42")
package stt

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// Sentinel errors for the stt package.
var (
	ErrNoAPIKey     = errors.New("stt: API key required")
	ErrNoStream     = errors.New("stt: no stream for session")
	ErrStreamClosed = errors.New("stt: stream closed")
)

// Config holds transcription provider configuration.
type Config struct {
	APIKey   string
	URL      string
	Model    string
	Language string
	Encoding string

	// Endpointing is the silence in milliseconds after which the backend
	// closes an utterance on its own.
	Endpointing int

	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	KeepAliveInterval time.Duration

	Logger *zap.Logger
}

// Option is a functional option for configuring a transcriber.
type Option func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithURL overrides the streaming endpoint.
func WithURL(url string) Option {
	return func(c *Config) { c.URL = url }
}

// WithModel sets the recognition model.
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithLanguage sets the recognition language.
func WithLanguage(lang string) Option {
	return func(c *Config) { c.Language = lang }
}

// WithEndpointing sets the endpointing silence in milliseconds.
func WithEndpointing(ms int) Option {
	return func(c *Config) { c.Endpointing = ms }
}

// WithKeepAlive sets the keepalive interval.
func WithKeepAlive(d time.Duration) Option {
	return func(c *Config) { c.KeepAliveInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		URL:               "wss://api.deepgram.com/v1/listen",
		Model:             "nova-2",
		Language:          "en-US",
		Encoding:          "linear16",
		Endpointing:       300,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		KeepAliveInterval: 5 * time.Second,
		Logger:            zap.NewNop(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrNoAPIKey
	}
	return nil
}
