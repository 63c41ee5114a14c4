package domain

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"
)

type MessageType string

const (
	MessageLogin     MessageType = "login"
	MessageJoinRoom  MessageType = "join-room"
	MessageLeaveRoom MessageType = "leave-room"
	MessageSignal    MessageType = "signal"

	MessageUserJoined   MessageType = "user-joined"
	MessageUserLeft     MessageType = "user-left"
	MessageSignalFailed MessageType = "signal-failed"
	MessageError        MessageType = "error"
)

// Signal kinds understood by the negotiation layer. The relay forwards any
// non-empty kind.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
)

// Envelope is the frame exchanged over the signaling websocket. Requests
// carry a client-chosen ID which the matching response repeats.
type Envelope struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(t MessageType, id string, payload any) (Envelope, error) {
	env := Envelope{Type: t, ID: id}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s payload is required", ErrValidation, e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: malformed %s payload: %v", ErrValidation, e.Type, err)
	}
	return nil
}

type LoginRequest struct {
	DisplayName string `json:"displayName" validate:"required,max=64"`
	Password    string `json:"password,omitempty" validate:"max=256"`
}

type LoginResponse struct {
	Success bool      `json:"success"`
	User    *UserInfo `json:"user,omitempty"`
	Message string    `json:"message,omitempty"`
}

type JoinRoomRequest struct {
	RoomID string `json:"roomId" validate:"required,max=128"`
	UserID string `json:"userId" validate:"required"`
}

type JoinRoomResponse struct {
	Success bool          `json:"success"`
	Room    *RoomSnapshot `json:"room,omitempty"`
	Message string        `json:"message,omitempty"`
}

type LeaveRoomRequest struct {
	RoomID string `json:"roomId" validate:"required,max=128"`
	UserID string `json:"userId" validate:"required"`
}

type LeaveRoomResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// SignalRequest asks the relay to forward Payload to user To.
type SignalRequest struct {
	Type    string          `json:"type" validate:"required,max=64"`
	Payload json.RawMessage `json:"payload,omitempty"`
	To      string          `json:"to" validate:"required"`
}

// SignalEvent is what the recipient of a relayed signal receives.
type SignalEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	From    string          `json:"from"`
}

type UserJoinedEvent struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type UserLeftEvent struct {
	UserID string `json:"userId"`
}

type SignalFailedEvent struct {
	To      string `json:"to"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

// DescriptionPayload carries an offer or answer.
type DescriptionPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}
