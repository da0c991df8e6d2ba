package notify

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// WSSession is one connected driver app.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

type wsOffer struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data"`
}

func (s *WSSession) send(o wsOffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(o)
}

// WSRegistry holds live driver sessions keyed by the driver's push
// token, so it can act as a Notifier for drivers with an open socket.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

func (r *WSRegistry) Add(token string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[token] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, token)
}

// Has reports whether a live session is registered for the token.
func (r *WSRegistry) Has(token string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[token]
	return ok
}

func (r *WSRegistry) Send(token, title, body string, data map[string]string) bool {
	r.mu.RLock()
	s, ok := r.sessions[token]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := s.send(wsOffer{Title: title, Body: body, Data: data}); err != nil {
		if r.logger != nil {
			r.logger.Warn("ws send failed", "error", err)
		}
		return false
	}
	return true
}
