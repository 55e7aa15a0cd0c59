// Package vad tracks the caller activity status of a session.
package vad

import "sync"

// Status is the observable voice-activity status of a session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusSpeaking   Status = "speaking"
	StatusProcessing Status = "processing"
	StatusResponding Status = "responding"
)

// ChangeFunc receives every status change exactly once.
type ChangeFunc func(from, to Status)

// Tracker holds the VAD status of one session.
//
// The epoch advances whenever the caller barges in, that is starts speaking
// while a turn is processing or responding. A turn captures the epoch when it
// begins and uses ResetIfEpoch on exit so a superseded turn cannot force the
// status back to idle over fresh speech.
type Tracker struct {
	mu       sync.Mutex
	status   Status
	epoch    uint64
	onChange ChangeFunc
}

// NewTracker creates a tracker in the idle status.
func NewTracker(onChange ChangeFunc) *Tracker {
	return &Tracker{status: StatusIdle, onChange: onChange}
}

// Status returns the current status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Epoch returns the current barge-in epoch.
func (t *Tracker) Epoch() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch
}

// OnAudio records an inbound audio chunk. The status moves to speaking
// unless the caller is already speaking or a transcript is being processed.
// It reports whether the status changed.
func (t *Tracker) OnAudio() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusSpeaking || t.status == StatusProcessing {
		return false
	}
	return t.set(StatusSpeaking)
}

// OnVADUpdate applies an explicit speaking signal from the client.
// It reports whether the status changed and whether the change was a
// barge-in over an in-flight turn. A not-speaking signal leaves the status
// alone; only speech_end or a final transcript starts processing.
func (t *Tracker) OnVADUpdate(speaking bool) (changed, bargeIn bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !speaking || t.status == StatusSpeaking {
		return false, false
	}
	bargeIn = t.status == StatusProcessing || t.status == StatusResponding
	return t.set(StatusSpeaking), bargeIn
}

// BeginProcessing moves to processing after end of speech.
func (t *Tracker) BeginProcessing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.set(StatusProcessing)
}

// BeginResponding moves to responding while the reply is delivered.
// It is ignored when the epoch no longer matches.
func (t *Tracker) BeginResponding(epoch uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.epoch != epoch {
		return false
	}
	return t.set(StatusResponding)
}

// Reset unconditionally returns to idle.
func (t *Tracker) Reset() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.set(StatusIdle)
}

// ResetIfEpoch returns to idle only if no barge-in happened since epoch.
func (t *Tracker) ResetIfEpoch(epoch uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.epoch != epoch {
		return false
	}
	return t.set(StatusIdle)
}

// set must be called with mu held.
func (t *Tracker) set(next Status) bool {
	prev := t.status
	if prev == next {
		return false
	}
	if next == StatusSpeaking && (prev == StatusProcessing || prev == StatusResponding) {
		t.epoch++
	}
	t.status = next
	if t.onChange != nil {
		t.onChange(prev, next)
	}
	return true
}
