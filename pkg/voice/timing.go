package voice

import "time"

// TurnTiming records when each stage of a turn finished.
// All latencies are measured from the start of the turn.
type TurnTiming struct {
	Start      time.Time
	Transcript time.Time
	Reply      time.Time
	Audio      time.Time
	Done       time.Time

	now func() time.Time
}

// StartTurn begins timing a turn.
func StartTurn() *TurnTiming {
	return startTurnAt(time.Now)
}

func startTurnAt(now func() time.Time) *TurnTiming {
	return &TurnTiming{Start: now(), now: now}
}

// MarkTranscript records when transcription completed.
func (t *TurnTiming) MarkTranscript() { t.Transcript = t.now() }

// MarkReply records when the reasoning reply arrived.
func (t *TurnTiming) MarkReply() { t.Reply = t.now() }

// MarkAudio records when synthesized audio was ready.
func (t *TurnTiming) MarkAudio() { t.Audio = t.now() }

// MarkDone records when the reply was delivered.
func (t *TurnTiming) MarkDone() { t.Done = t.now() }

func (t *TurnTiming) since(mark time.Time) time.Duration {
	if mark.IsZero() {
		return 0
	}
	return mark.Sub(t.Start)
}

// TranscriptLatency is the time until the final transcript.
func (t *TurnTiming) TranscriptLatency() time.Duration { return t.since(t.Transcript) }

// ReplyLatency is the time until the reply text.
func (t *TurnTiming) ReplyLatency() time.Duration { return t.since(t.Reply) }

// AudioLatency is the time until synthesized audio.
func (t *TurnTiming) AudioLatency() time.Duration { return t.since(t.Audio) }

// TotalLatency is the time until delivery.
func (t *TurnTiming) TotalLatency() time.Duration { return t.since(t.Done) }

// FormatLatency returns a one-line summary of stage latencies.
func (t *TurnTiming) FormatLatency() string {
	return formatDuration(t.TranscriptLatency()) + " STT | " +
		formatDuration(t.ReplyLatency()) + " AI | " +
		formatDuration(t.AudioLatency()) + " TTS | " +
		formatDuration(t.TotalLatency()) + " TOTAL"
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "---ms"
	}
	return d.Round(time.Millisecond).String()
}
