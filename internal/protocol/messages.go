package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeJoin       MessageType = "join"
	TypeAudioChunk MessageType = "audio_chunk"
	TypeLeave      MessageType = "leave"
	TypeJoined     MessageType = "joined"
	TypeProcessed  MessageType = "processed"
	TypeLeft       MessageType = "left"
	TypeErrorEvent MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Client -> server messages.

type Join struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type AudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	AudioBase64 string      `json:"audio_base64"`
}

type Leave struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// Server -> room messages, fanned out to every member.

type Joined struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Status    string      `json:"status"`
	Members   int         `json:"members"`
}

type Processed struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Transcript string      `json:"transcript"`
	Confidence float64     `json:"confidence"`
	Status     string      `json:"status"`
}

type Left struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Status    string      `json:"status"`
	Members   int         `json:"members"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeJoin:
		var msg Join
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid join: missing session_id")
		}
		return msg, nil
	case TypeAudioChunk:
		var msg AudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.AudioBase64 == "" {
			return nil, errors.New("invalid audio_chunk")
		}
		return msg, nil
	case TypeLeave:
		var msg Leave
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid leave: missing session_id")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
