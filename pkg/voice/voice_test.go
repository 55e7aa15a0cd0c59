package voice

import (
	"testing"
	"time"
)

func TestSentimentLabel(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0.8, "positive"},
		{0.3, "positive"},
		{0.29, "neutral"},
		{0, "neutral"},
		{-0.3, "negative"},
		{-0.9, "negative"},
	}
	for _, tt := range tests {
		if got := (Sentiment{Score: tt.score}).Label(); got != tt.want {
			t.Errorf("Label(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestTranscriptEmpty(t *testing.T) {
	if !(Transcript{}).Empty() {
		t.Error("zero transcript should be empty")
	}
	if !(Transcript{Text: "  \n\t"}).Empty() {
		t.Error("whitespace transcript should be empty")
	}
	if (Transcript{Text: " hi "}).Empty() {
		t.Error("transcript with words should not be empty")
	}
}

func TestTurnTiming(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	now := func() time.Time {
		d := time.Duration(step) * 100 * time.Millisecond
		step++
		return base.Add(d)
	}

	timing := startTurnAt(now)
	timing.MarkTranscript()
	timing.MarkReply()
	timing.MarkAudio()

	if timing.TranscriptLatency() != 100*time.Millisecond {
		t.Errorf("TranscriptLatency = %v", timing.TranscriptLatency())
	}
	if timing.AudioLatency() != 300*time.Millisecond {
		t.Errorf("AudioLatency = %v", timing.AudioLatency())
	}
	if timing.TotalLatency() != 0 {
		t.Error("TotalLatency should be zero before MarkDone")
	}

	got := timing.FormatLatency()
	want := "100ms STT | 200ms AI | 300ms TTS | ---ms TOTAL"
	if got != want {
		t.Errorf("FormatLatency() = %q, want %q", got, want)
	}
}
