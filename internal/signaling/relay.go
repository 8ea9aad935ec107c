package signaling

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Relay is an http.Handler that pairs WebSocket clients by room and forwards
// every text message to the other member. A room holds at most two clients;
// the room is taken from the "room" query parameter.
type Relay struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	peers [2]*relayPeer
}

type relayPeer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *relayPeer) write(messageType int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(messageType, data)
}

// NewRelay returns an empty relay. Origins are not checked.
func NewRelay(logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		logger:   logger.With("component", "relay"),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		rooms:    make(map[string]*room),
	}
}

// ServeHTTP upgrades the request and relays messages until either side
// disconnects.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	name := req.URL.Query().Get("room")

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("upgrade failed", "error", err)
		return
	}
	p := &relayPeer{conn: conn}
	slot, ok := r.join(name, p)
	if !ok {
		r.logger.Warn("room full", "room", name)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "room full"))
		conn.Close()
		return
	}
	r.logger.Info("peer joined", "room", name, "slot", slot)
	defer r.leave(name, slot, p)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		other := r.other(name, slot)
		if other == nil {
			r.logger.Debug("no peer to relay to, dropping message", "room", name)
			continue
		}
		if err := other.write(websocket.TextMessage, data); err != nil {
			r.logger.Debug("relay write failed", "room", name, "error", err)
		}
	}
}

func (r *Relay) join(name string, p *relayPeer) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.rooms[name]
	if rm == nil {
		rm = &room{}
		r.rooms[name] = rm
	}
	for i := range rm.peers {
		if rm.peers[i] == nil {
			rm.peers[i] = p
			return i, true
		}
	}
	return 0, false
}

func (r *Relay) other(name string, slot int) *relayPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.rooms[name]
	if rm == nil {
		return nil
	}
	return rm.peers[1-slot]
}

// leave frees slot and hangs up on the remaining member so it can redial.
func (r *Relay) leave(name string, slot int, p *relayPeer) {
	p.conn.Close()

	r.mu.Lock()
	rm := r.rooms[name]
	var other *relayPeer
	if rm != nil && rm.peers[slot] == p {
		rm.peers[slot] = nil
		other = rm.peers[1-slot]
		if other == nil {
			delete(r.rooms, name)
		}
	}
	r.mu.Unlock()
	r.logger.Info("peer left", "room", name, "slot", slot)

	if other != nil {
		other.writeMu.Lock()
		_ = other.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "peer left"))
		other.writeMu.Unlock()
	}
}
