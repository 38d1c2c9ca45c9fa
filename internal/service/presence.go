package service

import (
	"context"
	"errors"

	"chatgateway/internal/presence"
	"chatgateway/internal/store"
)

// PresenceService 按公开 ID 查询用户是否有存活的连接。
type PresenceService struct {
	identities store.IdentityResolver
	tracker    presence.Tracker
}

func NewPresenceService(identities store.IdentityResolver, tracker presence.Tracker) *PresenceService {
	return &PresenceService{identities: identities, tracker: tracker}
}

// Online 对不存在的用户返回 ErrUserNotFound，而不是简单的 false。
func (s *PresenceService) Online(ctx context.Context, publicID string) (bool, error) {
	if _, err := s.identities.FindByPublicID(ctx, publicID); err != nil {
		if errors.Is(err, store.ErrIdentityNotFound) {
			return false, ErrUserNotFound
		}
		return false, err
	}
	return s.tracker.IsOnline(ctx, publicID)
}
