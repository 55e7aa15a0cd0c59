package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voicedesk.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Session.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Session.MaxRetries)
	}
	if cfg.Session.GracePeriod != 30*time.Minute {
		t.Errorf("GracePeriod = %v, want 30m", cfg.Session.GracePeriod)
	}
	if cfg.Session.SpeechEndTimeout != 10*time.Second {
		t.Errorf("SpeechEndTimeout = %v, want 10s", cfg.Session.SpeechEndTimeout)
	}
	if cfg.Session.KeyPrefix != "ssid_" {
		t.Errorf("KeyPrefix = %q", cfg.Session.KeyPrefix)
	}
}

func TestSampleRateAllowed(t *testing.T) {
	s := Default().Session
	for _, rate := range []int{8000, 16000, 22050, 44100, 48000} {
		if !s.SampleRateAllowed(rate) {
			t.Errorf("rate %d should be allowed", rate)
		}
	}
	for _, rate := range []int{0, 11025, 24000} {
		if s.SampleRateAllowed(rate) {
			t.Errorf("rate %d should be rejected", rate)
		}
	}
}

func TestLoadYAML(t *testing.T) {
	for _, k := range []string{"PORT", "MAX_RETRIES", "DATABASE_DRIVER", "DATABASE_URL"} {
		t.Setenv(k, "")
	}
	path := writeConfig(t, `
server:
  addr: ":9090"
session:
  max_retries: 5
  grace_period: 2m
transcription:
  provider: mock
reasoning:
  provider: mock
synthesis:
  provider: mock
store:
  driver: memory
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Session.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.Session.MaxRetries)
	}
	if cfg.Session.GracePeriod != 2*time.Minute {
		t.Errorf("GracePeriod = %v, want 2m", cfg.Session.GracePeriod)
	}
	// Untouched fields keep defaults
	if cfg.Session.InactiveTimeout != time.Minute {
		t.Errorf("InactiveTimeout = %v, want 1m", cfg.Session.InactiveTimeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("DEEPGRAM_API_KEY", "dg")
	t.Setenv("GEMINI_API_KEY", "gm")
	t.Setenv("ELEVENLABS_API_KEY", "el")
	t.Setenv("DATABASE_DRIVER", "memory")
	t.Setenv("MAX_RETRIES", "4")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":7000" {
		t.Errorf("Addr = %q, want :7000", cfg.Server.Addr)
	}
	if cfg.Transcription.APIKey != "dg" || cfg.Reasoning.APIKey != "gm" || cfg.Synthesis.APIKey != "el" {
		t.Error("API keys not applied from env")
	}
	if cfg.Session.MaxRetries != 4 {
		t.Errorf("MaxRetries = %d, want 4", cfg.Session.MaxRetries)
	}
}

func TestValidate(t *testing.T) {
	mockCfg := func() *Config {
		c := Default()
		c.Transcription.Provider = ProviderMock
		c.Reasoning.Provider = ProviderMock
		c.Synthesis.Provider = ProviderMock
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"valid", func(*Config) {}, nil},
		{"no addr", func(c *Config) { c.Server.Addr = "" }, ErrInvalidAddr},
		{"zero retries", func(c *Config) { c.Session.MaxRetries = 0 }, ErrInvalidRetries},
		{"zero grace", func(c *Config) { c.Session.GracePeriod = 0 }, ErrInvalidTimeout},
		{"no rates", func(c *Config) { c.Session.AllowedSampleRates = nil }, ErrNoSampleRates},
		{"unknown provider", func(c *Config) { c.Reasoning.Provider = "other" }, ErrUnknownProvider},
		{"missing key", func(c *Config) { c.Synthesis.Provider = ProviderElevenLabs }, ErrMissingCredential},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, ErrUnknownDriver},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := mockCfg()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == nil {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
