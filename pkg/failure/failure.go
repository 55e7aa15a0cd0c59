// Package failure classifies errors raised while serving a call.
//
// Every failure observed at the orchestration boundary is reduced to exactly
// one Kind. Typed collaborator errors are trusted first; message inspection
// is the fallback for errors that arrive from transports without type
// information.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the category of a failure.
type Kind string

const (
	KindSTT     Kind = "STT_FAILURE"
	KindAI      Kind = "AI_FAILURE"
	KindTTS     Kind = "TTS_FAILURE"
	KindNetwork Kind = "NETWORK_FAILURE"
	KindTimeout Kind = "TIMEOUT"
	KindAuth    Kind = "AUTH_FAILURE"
)

// Kinds lists every Kind in a stable order.
var Kinds = []Kind{KindSTT, KindAI, KindTTS, KindNetwork, KindTimeout, KindAuth}

// Stage names the collaborator that raised a StageError.
type Stage string

const (
	StageTranscription Stage = "transcription"
	StageReasoning     Stage = "reasoning"
	StageSynthesis     Stage = "synthesis"
)

// ErrUnauthorized marks credential failures from any collaborator.
var ErrUnauthorized = errors.New("failure: unauthorized")

// StageError wraps an error returned by a collaborator with the stage that
// produced it.
type StageError struct {
	Stage Stage
	Op    string
	Err   error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s %s: %v", e.Stage, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// Kind returns the classification implied by the stage.
func (e *StageError) Kind() Kind {
	switch e.Stage {
	case StageTranscription:
		return KindSTT
	case StageReasoning:
		return KindAI
	case StageSynthesis:
		return KindTTS
	default:
		return ""
	}
}

func wrap(stage Stage, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Op: op, Err: err}
}

// Transcription wraps err as a transcription failure.
func Transcription(op string, err error) error { return wrap(StageTranscription, op, err) }

// Reasoning wraps err as a reasoning failure.
func Reasoning(op string, err error) error { return wrap(StageReasoning, op, err) }

// Synthesis wraps err as a synthesis failure.
func Synthesis(op string, err error) error { return wrap(StageSynthesis, op, err) }

// networkMarkers are substrings that identify socket-level failures.
var networkMarkers = []string{
	"econnrefused",
	"econnreset",
	"etimedout",
	"enotfound",
	"connection refused",
	"connection reset",
	"timed out",
	"no such host",
	"host not found",
	"network error",
	"socket hang up",
	"broken pipe",
	"use of closed network connection",
}

// Classify maps err to exactly one Kind. The first matching rule wins:
//
//  1. a StageError anywhere in the chain (STT, AI, TTS)
//  2. message containing a network marker (NETWORK)
//  3. message containing "timeout" (TIMEOUT)
//  4. ErrUnauthorized, or a message containing "auth" or "credentials" (AUTH)
//  5. otherwise NETWORK
//
// A nil error classifies as the empty Kind.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var se *StageError
	if errors.As(err, &se) {
		if k := se.Kind(); k != "" {
			return k
		}
	}

	msg := strings.ToLower(err.Error())
	for _, m := range networkMarkers {
		if strings.Contains(msg, m) {
			return KindNetwork
		}
	}
	if strings.Contains(msg, "timeout") {
		return KindTimeout
	}
	if errors.Is(err, ErrUnauthorized) || strings.Contains(msg, "auth") || strings.Contains(msg, "credentials") {
		return KindAuth
	}
	return KindNetwork
}
