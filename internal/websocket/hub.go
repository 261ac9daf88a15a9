package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AdwelloTech/MathMentor-sub008/internal/models"
	"github.com/AdwelloTech/MathMentor-sub008/internal/notify"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub bridges broker events to websocket clients. Subscriptions are
// keyed by feed: one broker subscription per subject (or the global
// feed) is shared by every socket watching it, opened with the first
// connection and released with the last.
type Hub struct {
	mu          sync.RWMutex
	connections map[string][]*websocket.Conn
	releases    map[string]func()
	broker      *notify.Broker
	jwtSecret   []byte
}

func NewHub(broker *notify.Broker, jwtSecret string) *Hub {
	return &Hub{
		connections: make(map[string][]*websocket.Conn),
		releases:    make(map[string]func()),
		broker:      broker,
		jwtSecret:   []byte(jwtSecret),
	}
}

// HandleWebSocket upgrades the connection and attaches it to the feed
// named by the subject_id query param, or the global feed without one.
// Auth is a JWT in the token query param, as browsers cannot set headers
// on websocket dials.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return h.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var subjectID *uuid.UUID
	feed := notify.GlobalChannel
	if raw := r.URL.Query().Get("subject_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "Invalid subject_id", http.StatusBadRequest)
			return
		}
		subjectID = &id
		feed = notify.SubjectChannel(id)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket: upgrade failed: %v", err)
		return
	}

	if err := h.register(feed, subjectID, conn); err != nil {
		log.Printf("websocket: subscribe failed for %s: %v", feed, err)
		conn.Close()
		return
	}

	go func() {
		defer h.unregister(feed, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) register(feed string, subjectID *uuid.UUID, conn *websocket.Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.connections[feed]) == 0 {
		events, release, err := h.broker.Subscribe(context.Background(), subjectID)
		if err != nil {
			return err
		}
		h.releases[feed] = release
		go h.forward(feed, events)
	}

	h.connections[feed] = append(h.connections[feed], conn)
	log.Printf("websocket: client joined feed %s (total: %d)", feed, len(h.connections[feed]))
	return nil
}

func (h *Hub) unregister(feed string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn.Close()

	conns := h.connections[feed]
	for i, c := range conns {
		if c == conn {
			h.connections[feed] = append(conns[:i], conns[i+1:]...)
			break
		}
	}

	if len(h.connections[feed]) == 0 {
		delete(h.connections, feed)
		if release, ok := h.releases[feed]; ok {
			release()
			delete(h.releases, feed)
		}
	}

	log.Printf("websocket: client left feed %s", feed)
}

func (h *Hub) forward(feed string, events <-chan models.RequestEvent) {
	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		h.broadcast(feed, data)
	}
}

func (h *Hub) broadcast(feed string, data []byte) {
	h.mu.RLock()
	conns := append([]*websocket.Conn(nil), h.connections[feed]...)
	h.mu.RUnlock()

	// A failed write means the peer is gone; unregister immediately
	// instead of waiting for its read pump to notice.
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.unregister(feed, conn)
		}
	}
}
