package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"chatgateway/internal/auth"
	"chatgateway/internal/models"
	"chatgateway/internal/store"

	"github.com/stretchr/testify/require"
)

type fakeVerifier struct {
	tokens map[string]string
	delay  time.Duration
}

func (v *fakeVerifier) VerifyToken(ctx context.Context, credential string) (string, error) {
	if v.delay > 0 {
		select {
		case <-time.After(v.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if credential == "" {
		return "", auth.ErrMissingCredential
	}
	sub, ok := v.tokens[credential]
	if !ok {
		return "", auth.ErrInvalidCredential
	}
	return sub, nil
}

type fakeResolver struct {
	identities map[string]models.Identity
}

func (r *fakeResolver) ResolveIdentity(_ context.Context, subject string) (models.Identity, error) {
	id, ok := r.identities[subject]
	if !ok {
		return models.Identity{}, store.ErrIdentityNotFound
	}
	return id, nil
}

func (r *fakeResolver) FindByPublicID(_ context.Context, publicID string) (models.Identity, error) {
	for _, id := range r.identities {
		if id.PublicID == publicID {
			return id, nil
		}
	}
	return models.Identity{}, store.ErrIdentityNotFound
}

// fakeStore 记录每一次写入尝试；failing 模拟存储不可用，block 模拟存储卡死。
type fakeStore struct {
	mu       sync.Mutex
	attempts int
	saved    []models.Message
	failing  bool
	block    chan struct{}
}

var errStoreDown = errors.New("store unavailable")

func (f *fakeStore) SaveMessage(ctx context.Context, msg models.Message) (string, error) {
	f.mu.Lock()
	f.attempts++
	failing, block := f.failing, f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if failing {
		return "", errStoreDown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, msg)
	return "id", nil
}

func (f *fakeStore) ListMessages(context.Context, string, int, time.Time) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Message(nil), f.saved...), nil
}

func (f *fakeStore) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeStore) Saved() []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Message(nil), f.saved...)
}

var (
	alice = models.Identity{PublicID: "p1", DisplayName: "Alice", Email: "alice@example.com"}
	bob   = models.Identity{PublicID: "p2", DisplayName: "Bob", Email: "bob@example.com"}
	carol = models.Identity{PublicID: "p3", DisplayName: "Carol", Email: "carol@example.com"}
)

type testEnv struct {
	gw       *Gateway
	store    *fakeStore
	verifier *fakeVerifier
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	fs := &fakeStore{}
	v := &fakeVerifier{tokens: map[string]string{"tok-a": "u1", "tok-b": "u2", "tok-c": "u3", "tok-ghost": "u404"}}
	r := &fakeResolver{identities: map[string]models.Identity{"u1": alice, "u2": bob, "u3": carol}}
	p := NewPersister(fs, PersistConfig{Workers: 2, QueueSize: 64, MaxRetries: 2, Timeout: time.Second, RetryInterval: time.Millisecond})
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return &testEnv{gw: NewGateway(cfg, v, r, NewRegistry(), p, nil), store: fs, verifier: v}
}

// connect 创建会话并完成握手，清空 identity_assigned 事件。
func (e *testEnv) connect(t *testing.T, token string) *Session {
	t.Helper()
	s := e.gw.newSession()
	require.NoError(t, e.gw.Handshake(context.Background(), s, token))
	env := nextEvent(t, s)
	require.Equal(t, EventIdentityAssigned, env.Type)
	return s
}

func nextEvent(t *testing.T, s *Session) Envelope {
	t.Helper()
	select {
	case frame, ok := <-s.send:
		require.True(t, ok, "send channel closed")
		var env Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		return env
	case <-time.After(time.Second):
		t.Fatalf("no event for session %s", s.ID())
		return Envelope{}
	}
}

// drain 返回当前已排队的全部事件，不等待。
func drain(t *testing.T, s *Session) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case frame, ok := <-s.send:
			if !ok {
				return out
			}
			var env Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func eventsOfType(envs []Envelope, typ string) []Envelope {
	var out []Envelope
	for _, e := range envs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func decode[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func authedSession(t *testing.T, ident models.Identity) *Session {
	t.Helper()
	s := newSession(context.Background(), 64, nil)
	require.True(t, s.authenticate(ident))
	return s
}
