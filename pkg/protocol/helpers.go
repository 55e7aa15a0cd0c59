package protocol

import (
	"encoding/base64"
	"time"
)

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewAudioChunkMessage creates an audio_chunk message from raw audio
func NewAudioChunkMessage(audio []byte, seq int64) (*Message, error) {
	return NewMessage(TypeAudioChunk, AudioChunkData{
		Audio:    base64.StdEncoding.EncodeToString(audio),
		Sequence: seq,
	})
}

// NewAudioResponseMessage creates an audio_response message
func NewAudioResponseMessage(audio []byte, format string, sampleRate int, duration time.Duration) (*Message, error) {
	return NewMessage(TypeAudioResponse, AudioResponseData{
		Audio:      base64.StdEncoding.EncodeToString(audio),
		Format:     format,
		SampleRate: sampleRate,
		Duration:   duration.Seconds(),
	})
}

// NewErrorMessage creates an error message. retriesLeft < 0 omits the field.
func NewErrorMessage(code, message string, retriesLeft int) (*Message, error) {
	data := ErrorData{Code: code, Message: message}
	if retriesLeft >= 0 {
		data.RetriesLeft = &retriesLeft
	}
	return NewMessage(TypeError, data)
}

// NewPongMessage creates a pong response message
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	latency := int64(0)
	if pingTS > 0 {
		latency = pongTS - pingTS
	}
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: latency,
	})
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// GetAudioChunk extracts and decodes an audio_chunk payload
func (m *Message) GetAudioChunk() ([]byte, error) {
	var data AudioChunkData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(data.Audio)
}

// GetVADUpdate extracts a vad_update payload
func (m *Message) GetVADUpdate() (*VADUpdateData, error) {
	var data VADUpdateData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetRestoreSession extracts a restore_session payload
func (m *Message) GetRestoreSession() (*RestoreSessionData, error) {
	var data RestoreSessionData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts ping data from a message
func (m *Message) GetPingData() (*PingData, error) {
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetAudioResponse extracts an audio_response payload
func (m *Message) GetAudioResponse() (*AudioResponseData, error) {
	var data AudioResponseData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetError extracts an error payload
func (m *Message) GetError() (*ErrorData, error) {
	var data ErrorData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
