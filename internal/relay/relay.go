// Package relay forwards opaque payloads to external collaborators
// (the key authority and the disclosure broker) without interpreting
// them.
package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/example/private-dispatch/internal/models"
	"github.com/example/private-dispatch/internal/observability"
)

// Relay delivers payload to the collaborator identified by target and
// returns its reply.
type Relay interface {
	Call(ctx context.Context, target models.Principal, payload []byte) ([]byte, error)
}

// Handler serves forwarded calls for one collaborator.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

var ErrNoRoute = errors.New("relay: no route to target")

// Local dispatches to in-process handlers.
type Local struct {
	mu       sync.RWMutex
	handlers map[models.Principal]Handler
}

func NewLocal() *Local { return &Local{handlers: make(map[models.Principal]Handler)} }

func (l *Local) Register(target models.Principal, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[target] = h
}

func (l *Local) Call(ctx context.Context, target models.Principal, payload []byte) ([]byte, error) {
	l.mu.RLock()
	h, ok := l.handlers[target]
	l.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrNoRoute, "target %s", target)
	}
	return h(ctx, payload)
}

// Instrumented counts calls per transport.
type Instrumented struct {
	Transport string
	Next      Relay
}

func (i *Instrumented) Call(ctx context.Context, target models.Principal, payload []byte) ([]byte, error) {
	out, err := i.Next.Call(ctx, target, payload)
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.RelayCalls.WithLabelValues(i.Transport, result).Inc()
	return out, err
}

// Fallback tries each relay in order until one has a route.
type Fallback []Relay

func (f Fallback) Call(ctx context.Context, target models.Principal, payload []byte) ([]byte, error) {
	for _, r := range f {
		out, err := r.Call(ctx, target, payload)
		if errors.Is(err, ErrNoRoute) {
			continue
		}
		return out, err
	}
	return nil, fmt.Errorf("%w: %s", ErrNoRoute, target)
}
