// Package fabric provides WebSocket observer connections for the dashboard
// (§4.7).
package fabric

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Build WebSocket upgrader with origin validation.
// In production (PROCTOR_ENV=production) with PROCTOR_ALLOWED_ORIGINS set,
// only the listed origins are accepted. Otherwise all origins are allowed;
// production without an allowlist logs a warning at startup.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     buildCheckOrigin(),
}

func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("PROCTOR_ENV")
	allowedRaw := os.Getenv("PROCTOR_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		log.Printf("[fabric] origin allowlist active (%d origins)", len(allowed))
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			log.Printf("[fabric] rejected connection from origin: %s", origin)
			return false
		}
	}

	if env == "production" && allowedRaw == "" {
		log.Println("[fabric] PROCTOR_ALLOWED_ORIGINS not set in production, allowing all origins")
	}
	return func(r *http.Request) bool {
		return true
	}
}

// intentMessage is a client-sent control frame: {"intent":"join","room":"dashboard"}
// or {"intent":"watch","room":"participant:<id>"} per §4.7.
type intentMessage struct {
	Intent string `json:"intent"`
	Room   string `json:"room"`
}

// HandleWebSocket upgrades an HTTP request to a WebSocket and registers the
// connection as a Fabric observer.
func (f *Fabric) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[fabric] websocket upgrade failed: %v", err)
		return
	}

	id := ObserverID(uuid.New().String())
	observer := f.Connect(id)
	log.Printf("[fabric] observer connected: %s", id)

	go f.handleObserverConnection(id, observer, conn)
}

// handleObserverConnection runs the read loop (join/watch intents) and the
// write pump (frame delivery + keepalive pings) for one observer.
func (f *Fabric) handleObserverConnection(id ObserverID, observer *Observer, conn *websocket.Conn) {
	const (
		pongWait   = 60 * time.Second
		pingPeriod = 30 * time.Second
		writeWait  = 10 * time.Second
	)

	defer func() {
		f.Disconnect(id)
		conn.Close()
		log.Printf("[fabric] observer disconnected: %s", id)
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	go f.writePump(observer, conn, done, pingPeriod, writeWait)
	defer close(done)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[fabric] websocket read error: %v", err)
			}
			break
		}

		var msg intentMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Printf("[fabric] invalid intent message: %v", err)
			continue
		}

		room := Room(msg.Room)
		switch msg.Intent {
		case "join", "watch":
			f.Join(id, room)
		case "leave", "unwatch":
			f.Leave(id, room)
		default:
			log.Printf("[fabric] unknown intent %q from observer %s", msg.Intent, id)
		}
	}
}

// writePump drains the observer's send buffer onto the socket and keeps the
// connection alive with periodic pings. Best-effort: a slow reader never
// blocks the room fan-out.
func (f *Fabric) writePump(observer *Observer, conn *websocket.Conn, done chan struct{}, pingPeriod, writeWait time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	send := observer.send

	for {
		select {
		case frame, ok := <-send:
			if !ok {
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("[fabric] write failed for observer %s: %v", observer.ID, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("[fabric] ping failed for observer %s: %v", observer.ID, err)
				return
			}
		case <-done:
			return
		}
	}
}
