package service

import (
	"chatgateway/internal/ws"
)

// RoomService 暴露房间的实时在线信息。房间没有持久化记录，只存在于 Registry 中。
type RoomService struct {
	registry *ws.Registry
}

func NewRoomService(registry *ws.Registry) *RoomService {
	return &RoomService{registry: registry}
}

// RoomDTO 是对外输出的房间数据。
type RoomDTO struct {
	Name   string `json:"name"`
	Online int    `json:"online"`
}

// Online 返回指定房间的在线人数，房间不存在时为 0。
func (s *RoomService) Online(name string) (*RoomDTO, error) {
	if ws.ValidateRoom(name) != nil {
		return nil, ErrInvalidRoomName
	}
	return &RoomDTO{Name: name, Online: s.registry.Online(name)}, nil
}

// List 返回当前有成员的房间。
func (s *RoomService) List() []RoomDTO {
	names := s.registry.RoomNames()
	out := make([]RoomDTO, 0, len(names))
	for _, n := range names {
		out = append(out, RoomDTO{Name: n, Online: s.registry.Online(n)})
	}
	return out
}
