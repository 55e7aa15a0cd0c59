// Package tts renders reply text as caller-bound audio.
//
// ElevenLabs is the bundled provider. Replies are requested as raw 16-bit
// mono PCM at the caller's negotiated sample rate, so the audio can be sent
// back on the call without resampling:
//
//	s, _ := tts.NewElevenLabs(tts.WithAPIKey(os.Getenv("ELEVENLABS_API_KEY")))
//	audio, _ := s.Synthesize(ctx, "Hello there", voice.SynthesisOptions{SampleRate: 16000})
package tts

import (
	"fmt"
	"time"

	"github.com/teslashibe/go-voicedesk/pkg/voice"
)

// FormatPCM is the format label reported for raw PCM16 replies.
const FormatPCM = "pcm_s16le"

// Encoding is an ElevenLabs output format such as pcm_16000.
type Encoding string

// EncodingFor returns the PCM output format for sampleRate.
func EncodingFor(sampleRate int) Encoding {
	return Encoding(fmt.Sprintf("pcm_%d", sampleRate))
}

// VoiceSettings controls voice characteristics.
type VoiceSettings struct {
	// Stability controls voice consistency (0.0-1.0).
	Stability float64

	// SimilarityBoost controls how closely the voice matches the original.
	SimilarityBoost float64

	// Style controls style exaggeration (0.0-1.0).
	Style float64

	// Speed is the speaking rate; the provider accepts 0.7-1.2.
	Speed float64

	SpeakerBoost bool
}

// DefaultVoiceSettings returns neutral voice settings.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		Stability:       0.5,
		SimilarityBoost: 0.75,
		Speed:           1.0,
		SpeakerBoost:    true,
	}
}

// SettingsFor maps sentiment-derived preferences onto provider settings.
// Modulation raises style and lowers stability. Pitch has no provider
// equivalent and is ignored.
func SettingsFor(p voice.VoicePreferences) VoiceSettings {
	s := DefaultVoiceSettings()
	if p.Speed > 0 {
		s.Speed = clamp(p.Speed, 0.7, 1.2)
	}
	expr := clamp(p.Modulation/1.5, 0, 1)
	s.Style = expr
	s.Stability = clamp(0.5-expr*0.3, 0, 1)
	return s
}

// PCMDuration returns the playback length of 16-bit mono PCM.
func PCMDuration(bytes, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := bytes / 2
	return time.Duration(float64(samples) / float64(sampleRate) * float64(time.Second))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
