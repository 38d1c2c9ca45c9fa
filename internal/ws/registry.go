package ws

import (
	"sort"
	"sync"

	"chatgateway/internal/metrics"
)

// Registry 维护 房间名 -> 成员会话 的映射。房间在首次加入时懒创建，
// 成员清空后移除。锁顺序固定为 Registry.mu -> room.mu -> Session.mu。
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

type room struct {
	mu      sync.RWMutex
	members map[*Session]struct{}
	// dead 表示房间已从 Registry 摘除，持有旧指针的 Join 需要重新获取。
	dead bool
}

func NewRegistry() *Registry { return &Registry{rooms: make(map[string]*room)} }

// getOrCreate 若房间不存在则懒创建。
func (h *Registry) getOrCreate(name string) *room {
	h.mu.RLock()
	r := h.rooms[name]
	h.mu.RUnlock()
	if r != nil {
		return r
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if r = h.rooms[name]; r != nil {
		return r
	}
	r = &room{members: make(map[*Session]struct{})}
	h.rooms[name] = r
	metrics.ActiveRooms.Inc()
	return r
}

func (h *Registry) lookup(name string) *room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[name]
}

// prune 在房间确实为空时将其摘除。
func (h *Registry) prune(name string, r *room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[name] != r {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) > 0 {
		return
	}
	r.dead = true
	delete(h.rooms, name)
	metrics.ActiveRooms.Dec()
}

// Join 把已鉴权的会话加入房间，重复加入不产生变化。返回后的任何 Broadcast 都能看到该成员。
func (h *Registry) Join(s *Session, name string) error {
	if name == "" {
		return ErrEmptyRoom
	}
	if s.State() != StateAuthenticated {
		return ErrNotAuthenticated
	}
	for {
		r := h.getOrCreate(name)
		r.mu.Lock()
		if r.dead {
			r.mu.Unlock()
			continue
		}
		if err := s.addRoom(name); err != nil {
			empty := len(r.members) == 0
			r.mu.Unlock()
			if empty {
				h.prune(name, r)
			}
			return err
		}
		r.members[s] = struct{}{}
		r.mu.Unlock()
		return nil
	}
}

// Leave 把会话移出房间，不是成员时为空操作。
func (h *Registry) Leave(s *Session, name string) error {
	if name == "" {
		return ErrEmptyRoom
	}
	defer s.removeRoom(name)
	r := h.lookup(name)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	_, member := r.members[s]
	delete(r.members, s)
	empty := len(r.members) == 0
	r.mu.Unlock()
	if member && empty {
		h.prune(name, r)
	}
	return nil
}

// LeaveAll 把会话移出它加入的所有房间，可重复调用。
func (h *Registry) LeaveAll(s *Session) {
	for _, name := range s.Rooms() {
		_ = h.Leave(s, name)
	}
}

// Broadcast 把事件投递给房间当前的每个成员各一次，exclude 非空时跳过该会话。
// 投递在房间读锁内完成，Enqueue 不阻塞，因此不会被慢连接拖住。返回成功入队的数量。
func (h *Registry) Broadcast(name, event string, payload any, exclude *Session) (int, error) {
	r := h.lookup(name)
	if r == nil {
		return 0, nil
	}
	frame, err := encodeEvent(event, payload)
	if err != nil {
		return 0, err
	}
	delivered := 0
	r.mu.RLock()
	defer r.mu.RUnlock()
	for m := range r.members {
		if m == exclude {
			continue
		}
		if m.Enqueue(frame) {
			delivered++
		}
	}
	return delivered, nil
}

// Online 返回房间当前成员数，供 REST 接口复用。
func (h *Registry) Online(name string) int {
	r := h.lookup(name)
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (h *Registry) IsMember(s *Session, name string) bool {
	r := h.lookup(name)
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[s]
	return ok
}

// RoomNames 返回当前非空房间，按字典序。
func (h *Registry) RoomNames() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.rooms))
	for name := range h.rooms {
		out = append(out, name)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}
