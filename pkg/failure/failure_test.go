package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"transcription", Transcription("finalize", errors.New("boom")), KindSTT},
		{"reasoning", Reasoning("respond", errors.New("boom")), KindAI},
		{"synthesis", Synthesis("synthesize", errors.New("boom")), KindTTS},
		{"wrapped stage", fmt.Errorf("turn: %w", Reasoning("respond", errors.New("x"))), KindAI},
		{"stage beats network text", Synthesis("synthesize", errors.New("ECONNRESET")), KindTTS},
		{"stage beats deadline", Transcription("finalize", context.DeadlineExceeded), KindSTT},
		{"bare deadline", context.DeadlineExceeded, KindNetwork},
		{"dial timed out", &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ETIMEDOUT)}, KindNetwork},
		{"net op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, KindNetwork},
		{"unauthorized", fmt.Errorf("tts: %w", ErrUnauthorized), KindAuth},
		{"network beats unauthorized", fmt.Errorf("%w: connection refused", ErrUnauthorized), KindNetwork},
		{"timeout beats unauthorized", fmt.Errorf("%w: gateway timeout", ErrUnauthorized), KindTimeout},
		{"econnrefused", errors.New("connect ECONNREFUSED 127.0.0.1:443"), KindNetwork},
		{"connection reset", errors.New("read: connection reset by peer"), KindNetwork},
		{"enotfound", errors.New("getaddrinfo ENOTFOUND api.example.com"), KindNetwork},
		{"no such host", errors.New("dial tcp: lookup api: no such host"), KindNetwork},
		{"socket hang up", errors.New("socket hang up"), KindNetwork},
		{"network error", errors.New("Network Error"), KindNetwork},
		{"timed out is network", errors.New("request timed out"), KindNetwork},
		{"timeout", errors.New("upstream timeout"), KindTimeout},
		{"auth", errors.New("Auth rejected"), KindAuth},
		{"credentials", errors.New("invalid credentials supplied"), KindAuth},
		{"default", errors.New("something odd"), KindNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyTotal(t *testing.T) {
	errs := []error{
		errors.New(""),
		errors.New("auth timeout"),
		Transcription("", errors.New("")),
		&StageError{Stage: "unknown", Err: errors.New("x")},
	}
	for _, err := range errs {
		k := Classify(err)
		found := false
		for _, known := range Kinds {
			if k == known {
				found = true
			}
		}
		if !found {
			t.Errorf("Classify(%v) = %q, not a known kind", err, k)
		}
	}
}

func TestStageError(t *testing.T) {
	base := errors.New("quota")
	err := Reasoning("respond", base)

	if !errors.Is(err, base) {
		t.Error("StageError should unwrap to its cause")
	}
	if err.Error() != "reasoning respond: quota" {
		t.Errorf("Error() = %q", err.Error())
	}
	if Reasoning("respond", nil) != nil {
		t.Error("wrapping nil should return nil")
	}
}
