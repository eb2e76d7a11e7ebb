package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/renderloop/renderq/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browsers connect from arbitrary origins; auth happens via the
	// API key on the HTTP routes, not the socket.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsHandle adapts a gorilla connection to the bus Handle interface.
// gorilla permits one concurrent writer, so writes take a mutex.
type wsHandle struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (h *wsHandle) WriteJSON(v any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = h.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return h.conn.WriteJSON(v)
}

func (h *wsHandle) Close() error {
	return h.conn.Close()
}

// closeMessage sends a close frame with the given code before dropping
// the connection.
func (h *wsHandle) closeMessage(code int, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = h.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// handleWS upgrades the connection and registers it with the progress
// bus, then pumps inbound frames until disconnect.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	promptID := chi.URLParam(r, "promptID")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	clientID := uuid.NewString()
	handle := &wsHandle{conn: conn}

	if err := s.bus.Subscribe(handle, clientID, promptID, ""); err != nil {
		if types.KindOf(err) == types.ErrCapacity {
			handle.closeMessage(websocket.ClosePolicyViolation, "subscriber limit reached")
		}
		_ = conn.Close()
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.bus.HandleInbound(clientID, data)
	}
	s.bus.Unsubscribe(clientID)
}
