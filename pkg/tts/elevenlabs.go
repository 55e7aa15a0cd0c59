package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/teslashibe/go-voicedesk/internal/httpc"
	"github.com/teslashibe/go-voicedesk/pkg/voice"
)

const providerElevenLabs = "elevenlabs"

// ElevenLabs model IDs.
const (
	ModelTurboV2_5      = "eleven_turbo_v2_5"
	ModelFlashV2_5      = "eleven_flash_v2_5"
	ModelMultilingualV2 = "eleven_multilingual_v2"
)

// ElevenLabs implements voice.Synthesizer with the ElevenLabs REST API.
type ElevenLabs struct {
	config *Config
	client *http.Client
	logger *zap.Logger
}

// NewElevenLabs creates a new ElevenLabs synthesizer.
func NewElevenLabs(opts ...Option) (*ElevenLabs, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &ElevenLabs{
		config: cfg,
		client: httpc.NewClient(cfg.Timeout),
		logger: cfg.Logger.With(zap.String("component", "tts.elevenlabs")),
	}, nil
}

type payload struct {
	Text          string          `json:"text"`
	ModelID       string          `json:"model_id"`
	VoiceSettings payloadSettings `json:"voice_settings"`
}

type payloadSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	Speed           float64 `json:"speed"`
	SpeakerBoost    bool    `json:"use_speaker_boost"`
}

// Synthesize renders text as PCM16 at opts.SampleRate.
func (e *ElevenLabs) Synthesize(ctx context.Context, text string, opts voice.SynthesisOptions) (voice.Audio, error) {
	if text == "" {
		return voice.Audio{}, ErrEmptyText
	}
	if opts.SampleRate <= 0 {
		return voice.Audio{}, ErrSampleRate
	}
	start := time.Now()

	url := fmt.Sprintf("%s/text-to-speech/%s?output_format=%s",
		e.config.BaseURL, ResolveVoice(opts.Voice.Voice), EncodingFor(opts.SampleRate))

	req, err := httpc.NewJSONRequest(ctx, url, e.buildPayload(text, opts.Voice))
	if err != nil {
		return voice.Audio{}, fmt.Errorf("tts [%s]: %w", providerElevenLabs, err)
	}
	req.Header.Set("xi-api-key", e.config.APIKey)
	req.Header.Set("Accept", "audio/pcm")

	resp, err := e.doWithRetry(ctx, req)
	if err != nil {
		return voice.Audio{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return voice.Audio{}, fmt.Errorf("tts [%s]: read response: %w", providerElevenLabs, err)
	}
	if len(data) == 0 {
		return voice.Audio{}, ErrEmptyAudio
	}

	e.logger.Debug("synthesized audio",
		zap.Int("chars", len(text)),
		zap.Int("bytes", len(data)),
		zap.Duration("latency", time.Since(start)),
		zap.String("voice", opts.Voice.Voice),
	)

	return voice.Audio{
		Data:       data,
		Format:     FormatPCM,
		SampleRate: opts.SampleRate,
		Duration:   PCMDuration(len(data), opts.SampleRate),
	}, nil
}

// Close releases idle connections.
func (e *ElevenLabs) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

func (e *ElevenLabs) buildPayload(text string, prefs voice.VoicePreferences) payload {
	s := SettingsFor(prefs)
	return payload{
		Text:    text,
		ModelID: e.config.ModelID,
		VoiceSettings: payloadSettings{
			Stability:       s.Stability,
			SimilarityBoost: s.SimilarityBoost,
			Style:           s.Style,
			Speed:           s.Speed,
			SpeakerBoost:    s.SpeakerBoost,
		},
	}
}

// doWithRetry performs the request, retrying rate limits and server errors.
// Any non-200 response that is not retried becomes an *APIError.
func (e *ElevenLabs) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.config.RetryDelay * time.Duration(attempt)):
			}
			if err := httpc.Rewind(req); err != nil {
				return nil, err
			}
		}

		resp, err := e.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("tts [%s]: %w", providerElevenLabs, err)
			continue
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		apiErr := e.parseError(resp)
		resp.Body.Close()
		if !apiErr.IsRetryable() {
			return nil, apiErr
		}
		e.logger.Warn("retrying request",
			zap.Int("attempt", attempt+1),
			zap.Int("status", apiErr.StatusCode),
		)
		lastErr = apiErr
	}

	return nil, lastErr
}

// parseError reads an error response.
func (e *ElevenLabs) parseError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errResp struct {
		Detail struct {
			Message string `json:"message"`
		} `json:"detail"`
	}

	message := string(body)
	if json.Unmarshal(body, &errResp) == nil && errResp.Detail.Message != "" {
		message = errResp.Detail.Message
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Provider:   providerElevenLabs,
	}
}

// Verify ElevenLabs implements voice.Synthesizer at compile time.
var _ voice.Synthesizer = (*ElevenLabs)(nil)
