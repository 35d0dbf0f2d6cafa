package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/private-dispatch/internal/models"
	"github.com/example/private-dispatch/internal/observability"
)

const wsWriteWait = 2 * time.Second

// WSSession represents a connected principal.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(ev)
}

// WSRegistry pushes committed events to the principals they involve.
// A principal may hold several connections; each one receives every
// event. It is a ledger publisher.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[models.Principal]map[*websocket.Conn]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[models.Principal]map[*websocket.Conn]*WSSession), logger: logger}
}

// Add registers conn for p alongside any existing connections.
func (r *WSRegistry) Add(p models.Principal, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.sessions[p]
	if !ok {
		conns = make(map[*websocket.Conn]*WSSession)
		r.sessions[p] = conns
	}
	if _, dup := conns[conn]; dup {
		return
	}
	conns[conn] = &WSSession{conn: conn}
	observability.WSSessions.Inc()
}

// Remove drops conn from p's sessions.
func (r *WSRegistry) Remove(p models.Principal, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.sessions[p]
	if !ok {
		return
	}
	if _, ok := conns[conn]; !ok {
		return
	}
	delete(conns, conn)
	observability.WSSessions.Dec()
	if len(conns) == 0 {
		delete(r.sessions, p)
	}
}

func (r *WSRegistry) Connected(p models.Principal) bool {
	return r.Connections(p) > 0
}

func (r *WSRegistry) Connections(p models.Principal) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[p])
}

// Notify sends ev to every session of p and returns the first send
// error.
func (r *WSRegistry) Notify(p models.Principal, ev models.Event) error {
	r.mu.RLock()
	targets := make([]*WSSession, 0, len(r.sessions[p]))
	for _, s := range r.sessions[p] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	if len(targets) == 0 {
		return ErrNoSession
	}
	var first error
	for _, s := range targets {
		if err := s.Send(ev); err != nil {
			r.logger.Warn("ws send error", "principal", p, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (r *WSRegistry) Name() string { return "websocket" }

// Publish delivers each event to every connected principal it
// involves. Missing sessions are not errors.
func (r *WSRegistry) Publish(ctx context.Context, events []models.Event) error {
	for _, ev := range events {
		for _, p := range involved(ev) {
			_ = r.Notify(p, ev)
		}
	}
	return nil
}

func involved(ev models.Event) []models.Principal {
	out := make([]models.Principal, 0, 4)
	seen := make(map[models.Principal]struct{}, 4)
	for _, p := range []models.Principal{ev.Driver, ev.Passenger, ev.Caller, ev.Principal} {
		if p.IsZero() {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
