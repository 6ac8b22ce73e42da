package transport

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxWSConnections caps the WebSocket feed so a misbehaving dashboard
// cannot exhaust the server's file descriptors.
const maxWSConnections = 200

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins; the feed is read-only and carries no
		// credentials, same stance as the teacher's dashboard stream.
		return true
	},
}

// wsHub tracks live WebSocket subscribers so the server can enforce
// the connection cap and close everything on shutdown. Each connection
// gets its own bus subscription, so unlike the teacher's single
// broadcaster there is no shared ticker to dedupe; the hub's only jobs
// are the cap and teardown.
type wsHub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newWSHub() *wsHub {
	return &wsHub{conns: make(map[*websocket.Conn]struct{})}
}

// add registers conn, or reports false when the cap is reached.
func (h *wsHub) add(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.conns) >= maxWSConnections {
		return false
	}
	h.conns[conn] = struct{}{}
	return true
}

func (h *wsHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

// ClientCount returns the number of connected WebSocket subscribers.
func (h *wsHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// handleWS serves the same event feed as /events over a WebSocket for
// clients (the dashboard) that want a bidirectional transport with
// built-in liveness instead of SSE. Takes the same subscription query
// parameters as /events. Each frame is one JSON-encoded domain.Event,
// preceded by a single connected frame.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("transport: ws upgrade: %v", err)
		return
	}
	if !s.hub.add(conn) {
		log.Printf("transport: ws connection rejected: max connections (%d) reached", maxWSConnections)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many subscribers"),
			time.Now().Add(wsWriteWait))
		conn.Close()
		return
	}
	defer func() {
		s.hub.remove(conn)
		conn.Close()
	}()

	sub := s.subscriptionFor(r.URL.Query())
	defer sub.Close()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Read pump: the feed is one-way, so inbound frames are discarded;
	// the read loop exists to notice the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					log.Printf("transport: ws read: %v", err)
				}
				return
			}
		}
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(map[string]interface{}{"type": "connected", "connectedAt": time.Now().UTC()}); err != nil {
		return
	}

	pingTicker := time.NewTicker(wsPingPeriod)
	defer pingTicker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
