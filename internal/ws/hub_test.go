package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telehealth_core/internal/config"
	"telehealth_core/internal/domain"
	"telehealth_core/internal/repository"
	"telehealth_core/internal/rooms"
)

type fakeVerifier map[string]domain.Identity

func (f fakeVerifier) Verify(_ context.Context, token string) (domain.Identity, error) {
	id, ok := f[token]
	if !ok {
		return domain.Identity{}, fmt.Errorf("%w: unknown token", domain.ErrAuthRejected)
	}
	return id, nil
}

type recordingPresence struct {
	mu      sync.Mutex
	added   []string
	removed []string
}

func (p *recordingPresence) AddSession(_ context.Context, _ int64, connID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = append(p.added, connID)
	return nil
}

func (p *recordingPresence) RemoveSession(_ context.Context, _ int64, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, connID)
	return nil
}

var (
	doctor5  = domain.Identity{UserID: 50, Role: domain.RoleDoctor, ProfileID: 5}
	patient7 = domain.Identity{UserID: 70, Role: domain.RolePatient, ProfileID: 7}
)

func testConfig(buf int) config.WebSocketConfig {
	return config.WebSocketConfig{
		PingInterval: time.Second,
		PongWait:     2 * time.Second,
		WriteWait:    time.Second,
		SendBuffer:   buf,
	}
}

func newTestHub(t *testing.T, presence PresenceTracker) (*Hub, context.CancelFunc) {
	t.Helper()
	router, err := rooms.NewRouter(repository.NewMemoryStore(), rooms.SchemeAppointment)
	require.NoError(t, err)
	verifier := fakeVerifier{"doctor": doctor5, "patient": patient7, "admin": {UserID: 1, Role: domain.RoleAdmin}}
	h := NewHub(verifier, router, presence, "node-1")
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, cancel
}

func register(t *testing.T, h *Hub, token string, buf int) *Client {
	t.Helper()
	c := NewClient(h, nil, testConfig(buf))
	_, _, err := h.Register(context.Background(), c, token)
	require.NoError(t, err)
	return c
}

func receive(t *testing.T, c *Client) domain.Envelope[json.RawMessage] {
	t.Helper()
	select {
	case data, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		var env domain.Envelope[json.RawMessage]
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return domain.Envelope[json.RawMessage]{}
}

func assertNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected event: %s", data)
	default:
	}
}

func TestHub_RegisterJoinsOnlyDefaultRoom(t *testing.T) {
	presence := &recordingPresence{}
	h, _ := newTestHub(t, presence)
	other := register(t, h, "patient", 8)

	c := NewClient(h, nil, testConfig(8))
	identity, initial, err := h.Register(context.Background(), c, "doctor")
	require.NoError(t, err)

	assert.Equal(t, doctor5, identity)
	assert.Equal(t, []rooms.ID{"doctor:5"}, initial)
	assert.Equal(t, []rooms.ID{"doctor:5"}, h.RoomsOf(c.ID))
	assert.Equal(t, []rooms.ID{"patient:70"}, h.RoomsOf(other.ID))
	assert.Equal(t, []string{c.ID}, h.ConnectionsOf(50))
	assert.Contains(t, presence.added, c.ID)
}

func TestHub_RejectedRegistrationLeavesNoState(t *testing.T) {
	h, _ := newTestHub(t, nil)

	for _, token := range []string{"", "bogus", "admin"} {
		c := NewClient(h, nil, testConfig(8))
		_, _, err := h.Register(context.Background(), c, token)
		assert.ErrorIs(t, err, domain.ErrAuthRejected, token)
		assert.Nil(t, h.RoomsOf(c.ID))
	}

	conns, roomCount := h.Stats()
	assert.Zero(t, conns)
	assert.Zero(t, roomCount)
}

func TestHub_UnregisterIsIdempotent(t *testing.T) {
	presence := &recordingPresence{}
	h, _ := newTestHub(t, presence)
	c := register(t, h, "patient", 8)
	require.True(t, h.JoinRoom(c.ID, "chat:42"))

	h.Unregister(context.Background(), c.ID)
	h.Unregister(context.Background(), c.ID)

	assert.Empty(t, h.MembersOf("patient:70"))
	assert.Empty(t, h.MembersOf("chat:42"))
	assert.Empty(t, h.ConnectionsOf(70))
	assert.Equal(t, []string{c.ID}, presence.removed)

	_, open := <-c.send
	assert.False(t, open)
}

func TestHub_JoinAndLeaveAreNoOpsWhenRedundant(t *testing.T) {
	h, _ := newTestHub(t, nil)
	c := register(t, h, "patient", 8)

	assert.True(t, h.JoinRoom(c.ID, "chat:42"))
	assert.True(t, h.JoinRoom(c.ID, "chat:42"))
	assert.Equal(t, []rooms.ID{"chat:42", "patient:70"}, h.RoomsOf(c.ID))
	assert.Equal(t, []string{c.ID}, h.MembersOf("chat:42"))

	assert.True(t, h.LeaveRoom(c.ID, "chat:99"))
	assert.True(t, h.LeaveRoom(c.ID, "chat:42"))
	assert.False(t, h.IsMember(c.ID, "chat:42"))

	assert.False(t, h.JoinRoom("missing", "chat:42"))
	assert.False(t, h.LeaveRoom("missing", "chat:42"))
	assert.Empty(t, h.MembersOf("chat:42"))
}

func TestHub_EmitIsFIFOPerRoomAndScoped(t *testing.T) {
	h, _ := newTestHub(t, nil)
	doc := register(t, h, "doctor", 16)
	pat := register(t, h, "patient", 16)
	require.True(t, h.JoinRoom(doc.ID, "chat:42"))
	require.True(t, h.JoinRoom(pat.ID, "chat:42"))

	for i := 0; i < 5; i++ {
		n, err := h.Emit("chat:42", domain.MsgTypeNewMessage, map[string]int{"seq": i})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	}
	n, err := h.Emit("doctor:5", domain.MsgTypeNewAppointmentRequest, map[string]int{"id": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, c := range []*Client{doc, pat} {
		for i := 0; i < 5; i++ {
			env := receive(t, c)
			assert.Equal(t, domain.MsgTypeNewMessage, env.Type)
			assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(env.Payload))
		}
	}
	assert.Equal(t, domain.MsgTypeNewAppointmentRequest, receive(t, doc).Type)
	assertNothing(t, pat)
}

func TestHub_EmitToEmptyRoom(t *testing.T) {
	h, _ := newTestHub(t, nil)
	n, err := h.Emit("doctor:5", domain.MsgTypeNewAppointmentRequest, struct{}{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHub_MultipleConnectionsPerUser(t *testing.T) {
	h, _ := newTestHub(t, nil)
	first := register(t, h, "patient", 8)
	second := register(t, h, "patient", 8)

	assert.Len(t, h.ConnectionsOf(70), 2)
	n, err := h.Emit("patient:70", domain.MsgTypeAppointmentUpdated, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	receive(t, first)
	receive(t, second)

	h.Unregister(context.Background(), first.ID)
	assert.Equal(t, []string{second.ID}, h.ConnectionsOf(70))
	assert.Equal(t, []string{second.ID}, h.MembersOf("patient:70"))
}

func TestHub_SlowConnectionIsDroppedWithoutBlockingOthers(t *testing.T) {
	h, _ := newTestHub(t, nil)
	slow := register(t, h, "doctor", 1)
	fast := register(t, h, "patient", 8)
	require.True(t, h.JoinRoom(slow.ID, "chat:42"))
	require.True(t, h.JoinRoom(fast.ID, "chat:42"))

	n, err := h.Emit("chat:42", domain.MsgTypeNewMessage, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = h.Emit("chat:42", domain.MsgTypeNewMessage, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, []string{fast.ID}, h.MembersOf("chat:42"))
	assert.Nil(t, h.RoomsOf(slow.ID))
	receive(t, fast)
	receive(t, fast)
}

func TestHub_EvictedConnectionClearsPresence(t *testing.T) {
	presence := &recordingPresence{}
	h, _ := newTestHub(t, presence)
	slow := register(t, h, "doctor", 1)

	for i := 0; i < 2; i++ {
		_, err := h.Emit("doctor:5", domain.MsgTypeNewAppointmentRequest, i)
		require.NoError(t, err)
	}
	assert.Empty(t, h.ConnectionsOf(50))
	assert.Equal(t, []string{slow.ID}, presence.removed)

	// the read pump still unregisters after eviction
	h.Unregister(context.Background(), slow.ID)
	assert.Equal(t, []string{slow.ID}, presence.removed)
}

func TestHub_SendToEvictionClearsPresence(t *testing.T) {
	presence := &recordingPresence{}
	h, _ := newTestHub(t, presence)
	c := register(t, h, "patient", 1)

	assert.True(t, h.SendTo(c.ID, domain.MsgTypePong, struct{}{}))
	assert.False(t, h.SendTo(c.ID, domain.MsgTypePong, struct{}{}))

	assert.Equal(t, []string{c.ID}, presence.removed)
	assert.Nil(t, h.RoomsOf(c.ID))
}

func TestHub_SendToTargetsOneConnection(t *testing.T) {
	h, _ := newTestHub(t, nil)
	a := register(t, h, "patient", 8)
	b := register(t, h, "patient", 8)

	assert.True(t, h.SendTo(a.ID, domain.MsgTypeError, domain.ErrorPayload{Code: domain.ErrCodeNotFound}))
	assert.False(t, h.SendTo("missing", domain.MsgTypeError, domain.ErrorPayload{}))

	assert.Equal(t, domain.MsgTypeError, receive(t, a).Type)
	assertNothing(t, b)
}

func TestHub_StoppedHub(t *testing.T) {
	h, cancel := newTestHub(t, nil)
	c := register(t, h, "doctor", 8)
	cancel()

	_, open := <-c.send
	assert.False(t, open)

	_, err := h.Emit("doctor:5", domain.MsgTypeNewAppointmentRequest, struct{}{})
	assert.ErrorIs(t, err, ErrHubStopped)
	_, _, err = h.Register(context.Background(), NewClient(h, nil, testConfig(8)), "patient")
	assert.ErrorIs(t, err, ErrHubStopped)
}

func TestHub_ConcurrentChurn(t *testing.T) {
	h, _ := newTestHub(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := "doctor"
			if i%2 == 0 {
				token = "patient"
			}
			c := NewClient(h, nil, testConfig(4))
			if _, _, err := h.Register(ctx, c, token); err != nil {
				t.Error(err)
				return
			}
			h.JoinRoom(c.ID, "chat:42")
			h.Emit("chat:42", domain.MsgTypeNewMessage, i)
			h.Unregister(ctx, c.ID)
		}(i)
	}
	wg.Wait()

	conns, roomCount := h.Stats()
	assert.Zero(t, conns)
	assert.Zero(t, roomCount)
	assert.Empty(t, h.ConnectionsOf(50))
}
