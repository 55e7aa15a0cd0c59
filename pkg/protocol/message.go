// Package protocol defines the WebSocket messages exchanged between a caller
// and the voice-support gateway.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Caller → Gateway messages
	TypeAudioChunk     MessageType = "audio_chunk"
	TypeSpeechEnd      MessageType = "speech_end"
	TypeVADUpdate      MessageType = "vad_update"
	TypeRestoreSession MessageType = "restore_session"
	TypeEndCall        MessageType = "end_call"

	// Gateway → Caller messages
	TypeSessionReady      MessageType = "session_ready"
	TypeSessionRestored   MessageType = "session_restored"
	TypePartialTranscript MessageType = "partial_transcript"
	TypeTextResponse      MessageType = "text_response"
	TypeVADStatus         MessageType = "vad_status"
	TypeAudioResponse     MessageType = "audio_response"
	TypeHandoffInitiated  MessageType = "handoff_initiated"
	TypeHandoffFailed     MessageType = "handoff_failed"
	TypeCallEnded         MessageType = "call_ended"
	TypeError             MessageType = "error"

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Error codes carried by error messages.
const (
	CodeConnectionError = "CONNECTION_ERROR"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeSessionMismatch = "SESSION_MISMATCH"
	CodeInvalidMessage  = "INVALID_MESSAGE"
	CodeBusy            = "SESSION_BUSY"
	CodeHandoffFailed   = "HANDOFF_FAILED"
)

// Message is the envelope for every WebSocket message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s data: %w", msgType, err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into v
func (m *Message) ParseData(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// =============================================================================
// Caller → Gateway payloads
// =============================================================================

// AudioChunkData carries one chunk of caller audio
type AudioChunkData struct {
	Audio    string `json:"audio"` // base64 encoded
	Sequence int64  `json:"sequence,omitempty"`
}

// VADUpdateData is a client-side voice activity signal
type VADUpdateData struct {
	Speaking bool `json:"speaking"`
}

// RestoreSessionData asks the gateway to resume a session
type RestoreSessionData struct {
	SessionID string `json:"session_id"`
}

// PingData contains ping information
type PingData struct {
	ID string `json:"id,omitempty"`
}

// =============================================================================
// Gateway → Caller payloads
// =============================================================================

// SessionReadyData announces a new session
type SessionReadyData struct {
	SessionID  string `json:"session_id"`
	SampleRate int    `json:"sample_rate"`
	State      string `json:"state"`
}

// SessionRestoredData announces a resumed session
type SessionRestoredData struct {
	SessionID     string `json:"session_id"`
	State         string `json:"state"`
	HistoryLength int    `json:"history_length"`
}

// TranscriptData carries interim transcription text
type TranscriptData struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// TextResponseData carries the reply text
type TextResponseData struct {
	Text string `json:"text"`
}

// VADStatusData reports a voice activity status change
type VADStatusData struct {
	Status   string `json:"status"`
	Previous string `json:"previous,omitempty"`
}

// AudioResponseData carries synthesized reply audio
type AudioResponseData struct {
	Audio      string  `json:"audio"`  // base64 encoded
	Format     string  `json:"format"` // "pcm16", "mp3"
	SampleRate int     `json:"sample_rate"`
	Duration   float64 `json:"duration"` // seconds
}

// HandoffData tells the caller a human agent is being connected
type HandoffData struct {
	Message         string `json:"message"`
	PositionInQueue int    `json:"position_in_queue"`
}

// CallEndedData reports why a call ended
type CallEndedData struct {
	Reason string `json:"reason"`
}

// ErrorData is a structured error
type ErrorData struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	RetriesLeft *int   `json:"retries_left,omitempty"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id,omitempty"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
