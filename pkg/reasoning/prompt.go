package reasoning

import (
	"fmt"
	"math"
	"strings"

	"github.com/teslashibe/go-voicedesk/pkg/voice"
)

// HandoffMarker is appended by the model when the caller needs a human.
const HandoffMarker = "[HANDOFF]"

// Voice names chosen by sentiment.
const (
	VoiceNeutral  = "female_01"
	VoicePositive = "female_02"
	VoiceNegative = "male_01"
)

// NormalizeSentiment maps a missing reading to neutral.
func NormalizeSentiment(s *voice.Sentiment) voice.Sentiment {
	if s == nil {
		return voice.Sentiment{}
	}
	return *s
}

// VoiceFor derives voice preferences from caller sentiment.
func VoiceFor(s voice.Sentiment) voice.VoicePreferences {
	abs := math.Abs(s.Score)

	name := VoiceNeutral
	switch {
	case s.Score >= 0.3:
		name = VoicePositive
	case s.Score <= -0.3:
		name = VoiceNegative
	}

	return voice.VoicePreferences{
		Voice:      name,
		Speed:      1.0 + abs*0.4,
		Pitch:      s.Score * 1.2,
		Modulation: abs * 1.5,
	}
}

// BuildPrompt renders the system instruction for one caller utterance.
func BuildPrompt(req voice.Request, articles []string) string {
	sentiment := NormalizeSentiment(req.Transcript.Sentiment)
	label := sentiment.Label()

	level := req.Metadata["technical_level"]
	if level == "" {
		level = "unknown"
	}
	language := req.Metadata["technical_level"]
	if language == "" {
		language = "beginner"
	}

	polarity := "Negative"
	if sentiment.Score > 0 {
		polarity = "Positive"
	}

	opening := "confirm understanding"
	if label == "negative" {
		opening = "acknowledge and empathize"
	}
	closing := "Offer additional help"
	if sentiment.Score < -0.5 {
		closing = "Suggest escalation option"
	}

	var b strings.Builder
	b.WriteString("You are a senior customer support agent on a phone call.\n\n")
	b.WriteString("Current Context:\n")
	fmt.Fprintf(&b, "- Customer Technical Level: %s\n", level)
	fmt.Fprintf(&b, "- Previous Interactions: %d\n", len(req.History))
	fmt.Fprintf(&b, "- Failed Attempts: %d\n\n", req.RetryCount)
	fmt.Fprintf(&b, "Customer Message (%s sentiment):\n%q\n\n", label, req.Transcript.Text)
	b.WriteString("Detected Sentiment:\n")
	fmt.Fprintf(&b, "- Strength: %.2f\n", math.Abs(sentiment.Score))
	fmt.Fprintf(&b, "- Polarity: %s\n\n", polarity)
	b.WriteString("Relevant Knowledge Base:\n")
	for _, a := range articles {
		fmt.Fprintf(&b, "- %s\n", a)
	}
	b.WriteString("\nResponse Guidelines:\n")
	fmt.Fprintf(&b, "1. First sentence should %s\n", opening)
	fmt.Fprintf(&b, "2. Provide solution using %s-level language\n", language)
	b.WriteString("3. Keep under 2 sentences\n")
	fmt.Fprintf(&b, "4. %s\n", closing)
	fmt.Fprintf(&b, "5. If the customer asks for a human agent, end your reply with %s\n", HandoffMarker)
	return b.String()
}

// ParseReply strips the handoff marker from model text.
func ParseReply(text string) (clean string, handoff bool) {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, HandoffMarker); i >= 0 {
		text = strings.TrimSpace(text[:i] + text[i+len(HandoffMarker):])
		handoff = true
	}
	return text, handoff
}
