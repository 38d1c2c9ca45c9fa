package service

import (
	"context"
	"time"

	"chatgateway/internal/store"
	"chatgateway/internal/ws"
)

// MessageService 封装房间历史消息查询。
type MessageService struct {
	messages store.MessageStore
}

func NewMessageService(messages store.MessageStore) *MessageService {
	return &MessageService{messages: messages}
}

// MessageDTO 与 receive_message 事件的字段保持一致，客户端可以用同一套渲染逻辑。
type MessageDTO struct {
	Room              string    `json:"room"`
	SenderPublicID    string    `json:"sender_public_id"`
	SenderDisplayName string    `json:"sender_display_name"`
	Body              string    `json:"body"`
	Timestamp         time.Time `json:"timestamp"`
}

// History 返回 before 之前最近的 limit 条消息，按时间升序。
func (s *MessageService) History(ctx context.Context, room string, limit int, before time.Time) ([]MessageDTO, error) {
	if ws.ValidateRoom(room) != nil {
		return nil, ErrInvalidRoomName
	}
	msgs, err := s.messages.ListMessages(ctx, room, limit, before)
	if err != nil {
		return nil, err
	}
	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageDTO{
			Room:              m.Room,
			SenderPublicID:    m.SenderPublicID,
			SenderDisplayName: m.SenderDisplayName,
			Body:              m.Body,
			Timestamp:         m.CreatedAt,
		})
	}
	return out, nil
}
