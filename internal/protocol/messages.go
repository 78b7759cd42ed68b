// Package protocol defines the websocket payloads exchanged with the
// verifier client.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/abaumgartner/livegate/internal/vision"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientFrame      MessageType = "client_frame"
	TypeClientAudioChunk MessageType = "client_audio_chunk"
	TypeClientControl    MessageType = "client_control"
	TypeTickResult       MessageType = "tick_result"
	TypeSessionFinal     MessageType = "session_final"
	TypeSystemEvent      MessageType = "system_event"
	TypeErrorEvent       MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// FaceBox is the detected face bounding box in frame pixels.
type FaceBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// ClientFrame carries one annotated video frame. The client runs face
// detection and landmark extraction locally and ships the geometry; the
// optional JPEG rides along for operator review only.
type ClientFrame struct {
	Type       MessageType    `json:"type"`
	SessionID  string         `json:"session_id"`
	Seq        int            `json:"seq"`
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	TSMs       int64          `json:"ts_ms"`
	Face       *FaceBox       `json:"face,omitempty"`
	Landmarks  []vision.Point `json:"landmarks,omitempty"`
	JPEGBase64 string         `json:"jpeg_base64,omitempty"`
}

// Frame converts the wire fields to the core frame type.
func (f ClientFrame) Frame() vision.Frame {
	return vision.Frame{
		Width:      f.Width,
		Height:     f.Height,
		CapturedAt: time.UnixMilli(f.TSMs).UTC(),
	}
}

// Annotations adapts the shipped geometry to the vision interfaces.
func (f ClientFrame) Annotations() vision.Annotations {
	ann := vision.Annotations{Points: f.Landmarks}
	if f.Face != nil {
		ann.Face = &vision.Rect{X: f.Face.X, Y: f.Face.Y, W: f.Face.W, H: f.Face.H}
	}
	return ann
}

// ClientAudioChunk carries one audio tick. PCM16Base64 feeds a
// server-side spotter; Transcript feeds the transcript spotter when the
// client recognizes locally. At least one must be present.
type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64,omitempty"`
	Transcript  string      `json:"transcript,omitempty"`
	SampleRate  int         `json:"sample_rate,omitempty"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

// ControlRestart abandons the active challenge and issues a new one
// without consuming an attempt.
const ControlRestart = "restart"

// TickResult reports the challenge state after one processed frame.
type TickResult struct {
	Type            MessageType `json:"type"`
	SessionID       string      `json:"session_id"`
	Seq             int         `json:"seq"`
	ChallengeText   string      `json:"challenge_text"`
	ActionDone      bool        `json:"action_done"`
	WordDone        bool        `json:"word_done"`
	BlinkDone       bool        `json:"blink_done"`
	Result          string      `json:"result"`
	Attempt         int         `json:"attempt"`
	AttemptsLeft    int         `json:"attempts_left"`
	Retried         bool        `json:"retried,omitempty"`
	TimeRemainingMs int64       `json:"time_remaining_ms"`
}

// SessionFinal is the terminal message. It deliberately carries no
// duress flag: the subject's screen must show a plain failure when the
// duress word was used, and the wire must not leak more than the screen.
type SessionFinal struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Result    string      `json:"result"`
	Attempts  int         `json:"attempts"`
	EndedTSMs int64       `json:"ended_ts_ms"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes and validates one inbound payload.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientFrame:
		var msg ClientFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Width <= 0 || msg.Height <= 0 || msg.TSMs <= 0 {
			return nil, errors.New("invalid client_frame")
		}
		return msg, nil
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.PCM16Base64 == "" && msg.Transcript == "" {
			return nil, errors.New("invalid client_audio_chunk")
		}
		if msg.PCM16Base64 != "" && msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk sample rate")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
