package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	if reg == nil {
		t.Fatal("NewRegistry() returned nil")
	}
	if reg.rooms == nil {
		t.Error("NewRegistry() rooms map is nil")
	}
}

func TestRegistry_Online_NonExistentRoom(t *testing.T) {
	reg := NewRegistry()
	if online := reg.Online("nowhere"); online != 0 {
		t.Errorf("Online() for non-existent room = %d, want 0", online)
	}
}

func TestRegistry_Join_Idempotent(t *testing.T) {
	reg := NewRegistry()
	s := authedSession(t, alice)

	for i := 0; i < 3; i++ {
		if err := reg.Join(s, "general"); err != nil {
			t.Fatalf("Join() error = %v", err)
		}
	}
	if online := reg.Online("general"); online != 1 {
		t.Errorf("Online() after repeated join = %d, want 1", online)
	}
	if rooms := s.Rooms(); len(rooms) != 1 || rooms[0] != "general" {
		t.Errorf("Rooms() = %v, want [general]", rooms)
	}
}

func TestRegistry_Join_Rejects(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Join(authedSession(t, alice), ""); !errors.Is(err, ErrEmptyRoom) {
		t.Errorf("Join(empty) error = %v, want ErrEmptyRoom", err)
	}

	unauth := newSession(context.Background(), 4, nil)
	if err := reg.Join(unauth, "general"); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Join(unauthenticated) error = %v, want ErrNotAuthenticated", err)
	}

	rejected := newSession(context.Background(), 4, nil)
	rejected.reject()
	if err := reg.Join(rejected, "general"); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Join(rejected) error = %v, want ErrNotAuthenticated", err)
	}

	if got := reg.RoomNames(); len(got) != 0 {
		t.Errorf("failed joins left rooms behind: %v", got)
	}
}

func TestRegistry_Leave(t *testing.T) {
	reg := NewRegistry()
	a := authedSession(t, alice)
	b := authedSession(t, bob)

	_ = reg.Join(a, "general")
	_ = reg.Join(b, "general")

	if err := reg.Leave(a, "general"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	if reg.IsMember(a, "general") {
		t.Error("session still a member after Leave")
	}
	if online := reg.Online("general"); online != 1 {
		t.Errorf("Online() = %d, want 1", online)
	}

	// 非成员 Leave 为空操作
	if err := reg.Leave(a, "general"); err != nil {
		t.Errorf("second Leave() error = %v", err)
	}
	if err := reg.Leave(a, "never-joined"); err != nil {
		t.Errorf("Leave(non-member) error = %v", err)
	}

	_ = reg.Leave(b, "general")
	if got := reg.RoomNames(); len(got) != 0 {
		t.Errorf("empty room not pruned: %v", got)
	}
}

func TestRegistry_LeaveAll(t *testing.T) {
	for _, n := range []int{0, 1, 5} {
		t.Run(fmt.Sprintf("%d rooms", n), func(t *testing.T) {
			reg := NewRegistry()
			s := authedSession(t, alice)
			other := authedSession(t, bob)
			for i := 0; i < n; i++ {
				name := fmt.Sprintf("room-%d", i)
				_ = reg.Join(s, name)
				_ = reg.Join(other, name)
			}

			reg.LeaveAll(s)
			reg.LeaveAll(s)

			for i := 0; i < n; i++ {
				name := fmt.Sprintf("room-%d", i)
				if reg.IsMember(s, name) {
					t.Errorf("still a member of %s", name)
				}
				if !reg.IsMember(other, name) {
					t.Errorf("other member removed from %s", name)
				}
			}
			if len(s.Rooms()) != 0 {
				t.Errorf("Rooms() = %v, want empty", s.Rooms())
			}
		})
	}
}

func TestRegistry_Broadcast(t *testing.T) {
	reg := NewRegistry()
	a := authedSession(t, alice)
	b := authedSession(t, bob)
	c := authedSession(t, carol)
	_ = reg.Join(a, "general")
	_ = reg.Join(b, "general")
	_ = reg.Join(c, "random")

	n, err := reg.Broadcast("general", EventReceiveMessage, RoomPayload{Room: "general"}, nil)
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Broadcast() delivered = %d, want 2", n)
	}
	if got := len(drain(t, a)); got != 1 {
		t.Errorf("member a received %d events, want 1", got)
	}
	if got := len(drain(t, b)); got != 1 {
		t.Errorf("member b received %d events, want 1", got)
	}
	if got := len(drain(t, c)); got != 0 {
		t.Errorf("non-member received %d events, want 0", got)
	}

	n, _ = reg.Broadcast("general", EventReceiveMessage, RoomPayload{Room: "general"}, a)
	if n != 1 || len(drain(t, a)) != 0 || len(drain(t, b)) != 1 {
		t.Errorf("Broadcast() with exclude delivered = %d", n)
	}

	if n, err := reg.Broadcast("empty", EventReceiveMessage, nil, nil); n != 0 || err != nil {
		t.Errorf("Broadcast() on empty room = %d, %v", n, err)
	}
}

func TestRegistry_Broadcast_AfterLeave(t *testing.T) {
	reg := NewRegistry()
	a := authedSession(t, alice)
	b := authedSession(t, bob)
	_ = reg.Join(a, "general")
	_ = reg.Join(b, "general")
	_ = reg.Leave(b, "general")

	_, _ = reg.Broadcast("general", EventReceiveMessage, RoomPayload{Room: "general"}, nil)
	if got := len(drain(t, b)); got != 0 {
		t.Errorf("left member received %d events", got)
	}
}

func TestRegistry_Broadcast_ClosedSession(t *testing.T) {
	reg := NewRegistry()
	a := authedSession(t, alice)
	b := authedSession(t, bob)
	_ = reg.Join(a, "general")
	_ = reg.Join(b, "general")
	b.Close(1000)

	n, err := reg.Broadcast("general", EventReceiveMessage, RoomPayload{Room: "general"}, nil)
	if err != nil || n != 1 {
		t.Errorf("Broadcast() with closed member = %d, %v; want 1, nil", n, err)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup

	sessions := make([]*Session, 50)
	for i := range sessions {
		sessions[i] = newSession(context.Background(), 1024, nil)
		sessions[i].authenticate(alice)
	}

	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			room := fmt.Sprintf("room-%d", i%5)
			for j := 0; j < 20; j++ {
				_ = reg.Join(s, room)
				_, _ = reg.Broadcast(room, EventReceiveMessage, RoomPayload{Room: room}, nil)
				if j%2 == 0 {
					_ = reg.Leave(s, room)
				}
			}
			reg.LeaveAll(s)
		}(i, s)
	}
	wg.Wait()

	if got := reg.RoomNames(); len(got) != 0 {
		t.Errorf("rooms left after everyone left: %v", got)
	}
}
