package ws

import (
	"encoding/json"
	"time"

	"chatgateway/internal/models"
)

// 线上协议：每个文本帧是一个 {"type": ..., "data": {...}} 信封。
const (
	EventAuthError        = "auth_error"
	EventIdentityAssigned = "identity_assigned"
	EventJoinRoom         = "join_room"
	EventLeaveRoom        = "leave_room"
	EventSendMessage      = "send_message"
	EventReceiveMessage   = "receive_message"
	EventJoined           = "joined"
	EventLeft             = "left"
	EventError            = "error"
)

type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type RoomPayload struct {
	Room string `json:"room"`
}

type SendPayload struct {
	Room string `json:"room"`
	Body string `json:"body"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type IdentityAssigned struct {
	PublicID string          `json:"public_id"`
	Profile  models.Identity `json:"profile"`
}

type ReceiveMessage struct {
	Room              string    `json:"room"`
	SenderPublicID    string    `json:"sender_public_id"`
	SenderDisplayName string    `json:"sender_display_name"`
	Body              string    `json:"body"`
	Timestamp         time.Time `json:"timestamp"`
}

func receivePayload(m models.Message) ReceiveMessage {
	return ReceiveMessage{
		Room:              m.Room,
		SenderPublicID:    m.SenderPublicID,
		SenderDisplayName: m.SenderDisplayName,
		Body:              m.Body,
		Timestamp:         m.CreatedAt,
	}
}

func encodeEvent(typ string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Data: raw})
}
