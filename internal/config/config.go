// Package config loads voicedesk configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names accepted by the collaborator sections.
const (
	ProviderMock       = "mock"
	ProviderDeepgram   = "deepgram"
	ProviderGemini     = "gemini"
	ProviderElevenLabs = "elevenlabs"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
	DriverMemory   = "memory"
)

// Sentinel errors returned by Validate.
var (
	ErrInvalidAddr       = errors.New("config: server address required")
	ErrInvalidRetries    = errors.New("config: max_retries must be positive")
	ErrInvalidTimeout    = errors.New("config: session timeouts must be positive")
	ErrNoSampleRates     = errors.New("config: at least one sample rate required")
	ErrUnknownProvider   = errors.New("config: unknown provider")
	ErrUnknownDriver     = errors.New("config: unknown store driver")
	ErrMissingCredential = errors.New("config: missing API key")
)

// Config is the root configuration document.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Session       SessionConfig       `yaml:"session"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Reasoning     ReasoningConfig     `yaml:"reasoning"`
	Synthesis     SynthesisConfig     `yaml:"synthesis"`
	Store         StoreConfig         `yaml:"store"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Log           LogConfig           `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	Path            string        `yaml:"path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SessionConfig controls session lifecycle timing.
type SessionConfig struct {
	KeyPrefix          string        `yaml:"key_prefix"`
	MaxRetries         int           `yaml:"max_retries"`
	GracePeriod        time.Duration `yaml:"grace_period"`
	InactiveTimeout    time.Duration `yaml:"inactive_timeout"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	SpeechEndTimeout   time.Duration `yaml:"speech_end_timeout"`
	QueueSize          int           `yaml:"queue_size"`
	AllowedSampleRates []int         `yaml:"allowed_sample_rates"`
}

// TranscriptionConfig selects the speech-to-text backend.
type TranscriptionConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	URL      string `yaml:"url"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

// ReasoningConfig selects the response generator.
type ReasoningConfig struct {
	Provider     string        `yaml:"provider"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model"`
	Temperature  float32       `yaml:"temperature"`
	MaxTokens    int32         `yaml:"max_tokens"`
	KnowledgeTTL time.Duration `yaml:"knowledge_ttl"`
}

// SynthesisConfig selects the text-to-speech backend.
type SynthesisConfig struct {
	Provider string        `yaml:"provider"`
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// MetricsConfig controls Prometheus exposition.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			Path:            "/voice-support",
			ShutdownTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			KeyPrefix:          "ssid_",
			MaxRetries:         3,
			GracePeriod:        30 * time.Minute,
			InactiveTimeout:    time.Minute,
			SweepInterval:      5 * time.Minute,
			SpeechEndTimeout:   10 * time.Second,
			QueueSize:          64,
			AllowedSampleRates: []int{8000, 16000, 22050, 44100, 48000},
		},
		Transcription: TranscriptionConfig{
			Provider: ProviderDeepgram,
			URL:      "wss://api.deepgram.com/v1/listen",
			Model:    "nova-2",
			Language: "en-US",
		},
		Reasoning: ReasoningConfig{
			Provider:     ProviderGemini,
			Model:        "gemini-2.0-flash",
			Temperature:  0.7,
			MaxTokens:    150,
			KnowledgeTTL: time.Hour,
		},
		Synthesis: SynthesisConfig{
			Provider: ProviderElevenLabs,
			Model:    "eleven_turbo_v2_5",
			Timeout:  30 * time.Second,
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
			DSN:    "voicedesk.db",
		},
		Metrics: MetricsConfig{Namespace: "voicedesk"},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path (if non-empty) over the defaults,
// applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from well-known environment variables.
func (c *Config) ApplyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	c.Log.Level = envOr("LOG_LEVEL", c.Log.Level)
	c.Transcription.APIKey = envOr("DEEPGRAM_API_KEY", c.Transcription.APIKey)
	c.Reasoning.APIKey = envOr("GEMINI_API_KEY", c.Reasoning.APIKey)
	c.Synthesis.APIKey = envOr("ELEVENLABS_API_KEY", c.Synthesis.APIKey)
	c.Store.Driver = envOr("DATABASE_DRIVER", c.Store.Driver)
	c.Store.DSN = envOr("DATABASE_URL", c.Store.DSN)
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.MaxRetries = n
		}
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return ErrInvalidAddr
	}
	if c.Session.MaxRetries <= 0 {
		return ErrInvalidRetries
	}
	s := c.Session
	if s.GracePeriod <= 0 || s.InactiveTimeout <= 0 || s.SweepInterval <= 0 || s.SpeechEndTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if len(s.AllowedSampleRates) == 0 {
		return ErrNoSampleRates
	}

	if err := checkProvider("transcription", c.Transcription.Provider, c.Transcription.APIKey, ProviderDeepgram); err != nil {
		return err
	}
	if err := checkProvider("reasoning", c.Reasoning.Provider, c.Reasoning.APIKey, ProviderGemini); err != nil {
		return err
	}
	if err := checkProvider("synthesis", c.Synthesis.Provider, c.Synthesis.APIKey, ProviderElevenLabs); err != nil {
		return err
	}

	switch c.Store.Driver {
	case DriverSQLite, DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, c.Store.Driver)
	}
	return nil
}

// SampleRateAllowed reports whether rate is in the allowed set.
func (s SessionConfig) SampleRateAllowed(rate int) bool {
	return slices.Contains(s.AllowedSampleRates, rate)
}

func checkProvider(section, provider, apiKey, real string) error {
	switch provider {
	case ProviderMock:
		return nil
	case real:
		if apiKey == "" {
			return fmt.Errorf("%w: %s.%s", ErrMissingCredential, section, provider)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s.provider=%q", ErrUnknownProvider, section, provider)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
