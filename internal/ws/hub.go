package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"telehealth_core/internal/audit"
	"telehealth_core/internal/domain"
	"telehealth_core/internal/logging"
	"telehealth_core/internal/rooms"
)

var ErrHubStopped = errors.New("hub stopped")

// Verifier resolves a credential token to an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (domain.Identity, error)
}

// PresenceTracker records live sessions outside the process.
type PresenceTracker interface {
	AddSession(ctx context.Context, userID int64, connID, nodeID string) error
	RemoveSession(ctx context.Context, userID int64, connID string) error
}

// Hub is the connection registry and event dispatcher. Every mutation and every
// delivery runs on the Run goroutine, in submission order. Readers take mu.RLock.
type Hub struct {
	verifier Verifier
	router   *rooms.Router
	presence PresenceTracker
	nodeID   string

	commands chan func()
	done     chan struct{}

	mu      sync.RWMutex
	clients map[string]*Client
	members map[rooms.ID]map[string]*Client
	byUser  map[int64]map[string]*Client
	evicted []*Client

	logger zerolog.Logger
}

func NewHub(verifier Verifier, router *rooms.Router, presence PresenceTracker, nodeID string) *Hub {
	return &Hub{
		verifier: verifier,
		router:   router,
		presence: presence,
		nodeID:   nodeID,
		commands: make(chan func()),
		done:     make(chan struct{}),
		clients:  make(map[string]*Client),
		members:  make(map[rooms.ID]map[string]*Client),
		byUser:   make(map[int64]map[string]*Client),
		logger:   logging.L().With().Str(logging.FieldComponent, "hub").Logger(),
	}
}

// Run serves commands until ctx is cancelled, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case cmd := <-h.commands:
			cmd()
		case <-ctx.Done():
			h.mu.Lock()
			for _, c := range h.clients {
				h.removeLocked(c)
			}
			h.mu.Unlock()
			h.logger.Info().Msg("hub stopped")
			return
		}
	}
}

// exec runs fn on the Run goroutine and waits for it to finish.
func (h *Hub) exec(fn func()) error {
	finished := make(chan struct{})
	select {
	case h.commands <- func() { fn(); close(finished) }:
	case <-h.done:
		return ErrHubStopped
	}
	select {
	case <-finished:
		return nil
	case <-h.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrHubStopped
		}
	}
}

// Register verifies token and admits c together with its role default rooms.
// A rejected connection leaves no state behind.
func (h *Hub) Register(ctx context.Context, c *Client, token string) (domain.Identity, []rooms.ID, error) {
	identity, err := h.verifier.Verify(ctx, token)
	if err != nil {
		audit.LogWithDetail(ctx, audit.ActionConnectRejected, 0, err.Error(), "connection rejected")
		return domain.Identity{}, nil, err
	}
	defaults := h.router.DefaultRooms(identity)
	if len(defaults) == 0 {
		return domain.Identity{}, nil, fmt.Errorf("%w: role %q has no default room", domain.ErrAuthRejected, identity.Role)
	}

	c.Identity = identity
	err = h.exec(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.clients[c.ID] = c
		if h.byUser[identity.UserID] == nil {
			h.byUser[identity.UserID] = make(map[string]*Client)
		}
		h.byUser[identity.UserID][c.ID] = c
		for _, room := range defaults {
			h.joinLocked(c, room)
		}
	})
	if err != nil {
		return domain.Identity{}, nil, err
	}

	if h.presence != nil {
		if err := h.presence.AddSession(ctx, identity.UserID, c.ID, h.nodeID); err != nil {
			h.logger.Warn().Err(err).Int64(logging.FieldUserID, identity.UserID).Msg("failed to record presence")
		}
	}
	audit.LogWithTarget(ctx, audit.ActionConnect, identity.UserID, c.ID, "connection registered")
	return identity, defaults, nil
}

// Unregister removes the connection and all of its memberships. Unknown ids are ignored.
func (h *Hub) Unregister(ctx context.Context, connID string) {
	var removed *Client
	if err := h.exec(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		c, ok := h.clients[connID]
		if !ok {
			return
		}
		h.removeLocked(c)
		removed = c
	}); err != nil || removed == nil {
		return
	}
	h.release(ctx, removed, "connection unregistered")
}

// release clears the presence record of a connection already removed from the hub.
func (h *Hub) release(ctx context.Context, c *Client, msg string) {
	if h.presence != nil {
		if err := h.presence.RemoveSession(ctx, c.Identity.UserID, c.ID); err != nil {
			h.logger.Warn().Err(err).Int64(logging.FieldUserID, c.Identity.UserID).Msg("failed to clear presence")
		}
	}
	audit.LogWithTarget(ctx, audit.ActionDisconnect, c.Identity.UserID, c.ID, msg)
}

// releaseEvicted runs release for connections dropped by a full send buffer.
func (h *Hub) releaseEvicted(ctx context.Context) {
	h.mu.Lock()
	dropped := h.evicted
	h.evicted = nil
	h.mu.Unlock()
	for _, c := range dropped {
		h.release(ctx, c, "connection evicted")
	}
}

// JoinRoom adds the connection to room. It reports whether the connection is
// registered; joining twice is a no-op.
func (h *Hub) JoinRoom(connID string, room rooms.ID) bool {
	var ok bool
	h.exec(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		var c *Client
		if c, ok = h.clients[connID]; ok {
			h.joinLocked(c, room)
		}
	})
	return ok
}

// LeaveRoom removes the connection from room. Leaving a room not joined is a no-op.
func (h *Hub) LeaveRoom(connID string, room rooms.ID) bool {
	var ok bool
	h.exec(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		var c *Client
		if c, ok = h.clients[connID]; ok {
			h.leaveLocked(c, room)
		}
	})
	return ok
}

// Emit delivers an event to every connection in room and returns how many
// connections accepted it. A connection whose send buffer is full is dropped
// without affecting the others.
func (h *Hub) Emit(room rooms.ID, eventType string, payload any) (int, error) {
	data, err := encode(eventType, payload)
	if err != nil {
		return 0, err
	}
	var delivered int
	err = h.exec(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, c := range h.members[room] {
			if h.deliverLocked(c, data) {
				delivered++
			}
		}
	})
	h.releaseEvicted(context.Background())
	if err != nil {
		return 0, err
	}
	h.logger.Debug().
		Str(logging.FieldRoom, room.String()).
		Str(logging.FieldEventType, eventType).
		Int(logging.FieldRecipients, delivered).
		Msg("event emitted")
	return delivered, nil
}

// SendTo delivers an event to a single connection. It shares the ordering of Emit.
func (h *Hub) SendTo(connID string, eventType string, payload any) bool {
	data, err := encode(eventType, payload)
	if err != nil {
		h.logger.Error().Err(err).Str(logging.FieldEventType, eventType).Msg("failed to encode event")
		return false
	}
	var ok bool
	h.exec(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, found := h.clients[connID]; found {
			ok = h.deliverLocked(c, data)
		}
	})
	h.releaseEvicted(context.Background())
	return ok
}

// MembersOf returns the connection ids currently in room, sorted.
func (h *Hub) MembersOf(room rooms.ID) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.members[room]))
	for id := range h.members[room] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) IsMember(connID string, room rooms.ID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.members[room][connID]
	return ok
}

// RoomsOf returns the rooms of a connection, sorted. Unknown ids yield nil.
func (h *Hub) RoomsOf(connID string) []rooms.ID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	if !ok {
		return nil
	}
	out := make([]rooms.ID, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ConnectionsOf is the presence index: the live connection ids of a user.
func (h *Hub) ConnectionsOf(userID int64) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.byUser[userID]))
	for id := range h.byUser[userID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) Stats() (connections, roomCount int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients), len(h.members)
}

func (h *Hub) joinLocked(c *Client, room rooms.ID) {
	if _, ok := c.rooms[room]; ok {
		return
	}
	c.rooms[room] = struct{}{}
	if h.members[room] == nil {
		h.members[room] = make(map[string]*Client)
	}
	h.members[room][c.ID] = c
}

func (h *Hub) leaveLocked(c *Client, room rooms.ID) {
	if _, ok := c.rooms[room]; !ok {
		return
	}
	delete(c.rooms, room)
	delete(h.members[room], c.ID)
	if len(h.members[room]) == 0 {
		delete(h.members, room)
	}
}

// removeLocked drops c from every index and closes its send channel.
func (h *Hub) removeLocked(c *Client) {
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	delete(h.clients, c.ID)
	if conns, ok := h.byUser[c.Identity.UserID]; ok {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(h.byUser, c.Identity.UserID)
		}
	}
	close(c.send)
}

func (h *Hub) deliverLocked(c *Client, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		h.logger.Warn().
			Str(logging.FieldConnectionID, c.ID).
			Int64(logging.FieldUserID, c.Identity.UserID).
			Msg("send buffer full, dropping connection")
		h.removeLocked(c)
		h.evicted = append(h.evicted, c)
		return false
	}
}

func encode(eventType string, payload any) ([]byte, error) {
	data, err := json.Marshal(domain.Envelope[any]{Type: eventType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", eventType, err)
	}
	return data, nil
}
