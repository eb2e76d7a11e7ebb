package bus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/renderloop/renderq/pkg/log"
	"github.com/renderloop/renderq/pkg/types"
)

const (
	heartbeatInterval = 30 * time.Second
	idleTimeout       = 2 * time.Minute
)

// Handle is the transport side of a subscription. The WebSocket layer
// wraps *websocket.Conn; tests substitute an in-memory fake.
type Handle interface {
	WriteJSON(v any) error
	Close() error
}

// Subscription tracks one connected client across all indices.
type Subscription struct {
	ClientID    string
	PromptID    string
	Room        string
	Handle      Handle
	ConnectedAt time.Time
	LastPing    time.Time
}

// Bus fans structured progress events out to subscribers, keyed by job
// prompt id and by room. All index mutations take the single bus lock;
// sends to distinct clients proceed in parallel outside it.
type Bus struct {
	mu       sync.Mutex
	byClient map[string]*Subscription
	byPrompt map[string]map[string]struct{}
	byRoom   map[string]map[string]struct{}

	maxConnections int
	stopCh         chan struct{}
	logger         zerolog.Logger
}

// New creates a bus refusing subscriptions beyond maxConnections.
func New(maxConnections int) *Bus {
	return &Bus{
		byClient:       make(map[string]*Subscription),
		byPrompt:       make(map[string]map[string]struct{}),
		byRoom:         make(map[string]map[string]struct{}),
		maxConnections: maxConnections,
		stopCh:         make(chan struct{}),
		logger:         log.WithComponent("bus"),
	}
}

// Start launches the heartbeat and idle-eviction loop.
func (b *Bus) Start() {
	go b.run()
}

// Stop stops the heartbeat loop and disconnects all subscribers.
func (b *Bus) Stop() {
	close(b.stopCh)

	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.byClient))
	for _, sub := range b.byClient {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.Unsubscribe(sub.ClientID)
	}
}

// Subscribe registers a client. An empty promptID or room leaves that
// index untouched. Returns a capacity error when the connection limit is
// reached; the WebSocket layer translates it to close code 1008.
func (b *Bus) Subscribe(handle Handle, clientID, promptID, room string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.byClient) >= b.maxConnections {
		return types.NewError(types.ErrCapacity, "subscriber limit reached (%d)", b.maxConnections)
	}
	if old, ok := b.byClient[clientID]; ok {
		b.removeLocked(old)
		_ = old.Handle.Close()
	}

	now := time.Now()
	sub := &Subscription{
		ClientID:    clientID,
		PromptID:    promptID,
		Room:        room,
		Handle:      handle,
		ConnectedAt: now,
		LastPing:    now,
	}
	b.byClient[clientID] = sub
	if promptID != "" {
		b.indexLocked(b.byPrompt, promptID, clientID)
	}
	if room != "" {
		b.indexLocked(b.byRoom, room, clientID)
	}

	b.logger.Debug().Str("client_id", clientID).Str("prompt_id", promptID).Msg("subscriber connected")
	return nil
}

// Unsubscribe removes a client from every index and closes its handle.
// Idempotent: unknown clients are a no-op.
func (b *Bus) Unsubscribe(clientID string) {
	b.mu.Lock()
	sub, ok := b.byClient[clientID]
	if ok {
		b.removeLocked(sub)
	}
	b.mu.Unlock()

	if ok {
		_ = sub.Handle.Close()
		b.logger.Debug().Str("client_id", clientID).Msg("subscriber disconnected")
	}
}

// Send delivers a message to one client, best-effort. A transport error
// unsubscribes the client.
func (b *Bus) Send(clientID string, msg any) {
	b.mu.Lock()
	sub, ok := b.byClient[clientID]
	b.mu.Unlock()
	if !ok {
		return
	}
	if err := sub.Handle.WriteJSON(msg); err != nil {
		b.logger.Debug().Str("client_id", clientID).Err(err).Msg("send failed, dropping subscriber")
		b.Unsubscribe(clientID)
	}
}

// BroadcastPrompt fans a message out to every subscriber of a prompt id.
// Per-member errors do not halt the broadcast.
func (b *Bus) BroadcastPrompt(promptID string, msg any) {
	b.broadcast(b.membersOf(b.byPrompt, promptID), msg)
}

// BroadcastRoom fans a message out to every member of a room.
func (b *Bus) BroadcastRoom(room string, msg any) {
	b.broadcast(b.membersOf(b.byRoom, room), msg)
}

func (b *Bus) broadcast(clients []string, msg any) {
	var wg sync.WaitGroup
	for _, id := range clients {
		wg.Add(1)
		go func(clientID string) {
			defer wg.Done()
			b.Send(clientID, msg)
		}(id)
	}
	wg.Wait()
}

// inboundMessage is the envelope clients send over the socket.
type inboundMessage struct {
	Type     string `json:"type"`
	PromptID string `json:"prompt_id,omitempty"`
	Room     string `json:"room,omitempty"`
}

// HandleInbound processes one frame from a client. Recognized types:
// ping, subscribe, unsubscribe, join_room. Unknown types are ignored.
func (b *Bus) HandleInbound(clientID string, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		b.logger.Debug().Str("client_id", clientID).Err(err).Msg("ignoring malformed frame")
		return
	}

	switch msg.Type {
	case "ping":
		b.mu.Lock()
		if sub, ok := b.byClient[clientID]; ok {
			sub.LastPing = time.Now()
		}
		b.mu.Unlock()
		b.Send(clientID, map[string]any{"type": "pong"})

	case "subscribe":
		if msg.PromptID == "" {
			return
		}
		b.mu.Lock()
		if sub, ok := b.byClient[clientID]; ok {
			if sub.PromptID != "" {
				b.unindexLocked(b.byPrompt, sub.PromptID, clientID)
			}
			sub.PromptID = msg.PromptID
			b.indexLocked(b.byPrompt, msg.PromptID, clientID)
		}
		b.mu.Unlock()

	case "unsubscribe":
		b.mu.Lock()
		if sub, ok := b.byClient[clientID]; ok && sub.PromptID != "" {
			b.unindexLocked(b.byPrompt, sub.PromptID, clientID)
			sub.PromptID = ""
		}
		b.mu.Unlock()

	case "join_room":
		if msg.Room == "" {
			return
		}
		b.mu.Lock()
		if sub, ok := b.byClient[clientID]; ok {
			if sub.Room != "" {
				b.unindexLocked(b.byRoom, sub.Room, clientID)
			}
			sub.Room = msg.Room
			b.indexLocked(b.byRoom, msg.Room, clientID)
		}
		b.mu.Unlock()
	}
}

// SubscriberCount returns the number of connected clients.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byClient)
}

// PromptSubscribers returns how many clients follow a prompt id.
func (b *Bus) PromptSubscribers(promptID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byPrompt[promptID])
}

func (b *Bus) run() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.heartbeat()
		case <-b.stopCh:
			return
		}
	}
}

// heartbeat pings every subscriber and evicts those idle past the
// timeout.
func (b *Bus) heartbeat() {
	cutoff := time.Now().Add(-idleTimeout)

	b.mu.Lock()
	var live, stale []string
	for id, sub := range b.byClient {
		if sub.LastPing.Before(cutoff) {
			stale = append(stale, id)
		} else {
			live = append(live, id)
		}
	}
	b.mu.Unlock()

	for _, id := range stale {
		b.logger.Info().Str("client_id", id).Msg("evicting idle subscriber")
		b.Unsubscribe(id)
	}
	b.broadcast(live, map[string]any{"type": "heartbeat", "timestamp": time.Now().Unix()})
}

// --- index helpers, callers hold b.mu ---

func (b *Bus) indexLocked(idx map[string]map[string]struct{}, key, clientID string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[clientID] = struct{}{}
}

func (b *Bus) unindexLocked(idx map[string]map[string]struct{}, key, clientID string) {
	if set, ok := idx[key]; ok {
		delete(set, clientID)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

func (b *Bus) removeLocked(sub *Subscription) {
	delete(b.byClient, sub.ClientID)
	if sub.PromptID != "" {
		b.unindexLocked(b.byPrompt, sub.PromptID, sub.ClientID)
	}
	if sub.Room != "" {
		b.unindexLocked(b.byRoom, sub.Room, sub.ClientID)
	}
}

func (b *Bus) membersOf(idx map[string]map[string]struct{}, key string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	members := make([]string, 0, len(idx[key]))
	for id := range idx[key] {
		members = append(members, id)
	}
	return members
}
