// Package gateway is the halt/resume switch in front of the dispatch
// engine. Any member of the authority set may halt; only the owner may
// resume. The gateway also relays disclosure requests to the
// disclosure broker and opaque calls to the key authority.
package gateway

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"github.com/example/private-dispatch/internal/apperr"
	"github.com/example/private-dispatch/internal/authority"
	"github.com/example/private-dispatch/internal/ledger"
	"github.com/example/private-dispatch/internal/models"
	"github.com/example/private-dispatch/internal/observability"
	"github.com/example/private-dispatch/internal/opaque"
	"github.com/example/private-dispatch/internal/relay"
)

type Gateway struct {
	ledger       *ledger.Ledger
	relay        relay.Relay
	set          *authority.Set
	owner        models.Principal
	keyAuthority models.Principal
	logger       *slog.Logger

	mu              sync.RWMutex
	halted          bool
	broker          models.Principal
	disclosureNonce uint64
}

// New builds an operational gateway. owner is the deployer and the
// only principal that can resume or configure the broker.
func New(set *authority.Set, keyAuthority, owner models.Principal, l *ledger.Ledger, r relay.Relay, logger *slog.Logger) (*Gateway, error) {
	if set == nil {
		return nil, apperr.ErrInvalidAuthoritySet
	}
	if keyAuthority.IsZero() {
		return nil, apperr.ErrInvalidKeyAuthority
	}
	if owner.IsZero() {
		return nil, errors.Wrap(apperr.ErrNullPrincipal, "owner")
	}
	if logger == nil {
		logger = slog.Default()
	}
	observability.GatewayHalted.Set(0)
	return &Gateway{
		ledger:       l,
		relay:        r,
		set:          set,
		owner:        owner,
		keyAuthority: keyAuthority,
		logger:       logger,
	}, nil
}

// Restore replays the halt state, the broker and the disclosure nonce
// from journaled events. It must run before the gateway serves calls.
func (g *Gateway) Restore(events []models.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case models.EventHalted:
			g.setHalted(true)
		case models.EventResumed:
			g.setHalted(false)
		case models.EventBrokerSet:
			g.mu.Lock()
			g.broker = ev.Principal
			g.mu.Unlock()
		case models.EventDisclosureRequested:
			g.mu.Lock()
			g.disclosureNonce++
			g.mu.Unlock()
		}
	}
	if g.isHalted() {
		g.logger.Warn("gateway restored in halted state")
	}
}

// canHalt and canResume are deliberately separate predicates.
func (g *Gateway) canHalt(caller models.Principal) bool   { return g.set.IsAuthority(caller) }
func (g *Gateway) canResume(caller models.Principal) bool { return !caller.IsZero() && caller == g.owner }

func (g *Gateway) Halt(ctx context.Context, caller models.Principal) error {
	return g.ledger.Submit(ctx, "halt", func(tx *ledger.Tx) error {
		if !g.canHalt(caller) {
			return apperr.ErrNotAuthorized
		}
		if g.isHalted() {
			return apperr.ErrAlreadyHalted
		}
		tx.Defer(func() {
			g.setHalted(true)
			g.logger.Warn("gateway halted", "caller", caller)
		})
		tx.Emit(models.Event{Kind: models.EventHalted, Caller: caller})
		return nil
	})
}

func (g *Gateway) Resume(ctx context.Context, caller models.Principal) error {
	return g.ledger.Submit(ctx, "resume", func(tx *ledger.Tx) error {
		if !g.canResume(caller) {
			return apperr.ErrNotOwner
		}
		if !g.isHalted() {
			return apperr.ErrNotHalted
		}
		tx.Defer(func() {
			g.setHalted(false)
			g.logger.Warn("gateway resumed", "caller", caller)
		})
		tx.Emit(models.Event{Kind: models.EventResumed, Caller: caller})
		return nil
	})
}

func (g *Gateway) setHalted(v bool) {
	g.mu.Lock()
	g.halted = v
	g.mu.Unlock()
	if v {
		observability.GatewayHalted.Set(1)
	} else {
		observability.GatewayHalted.Set(0)
	}
}

func (g *Gateway) isHalted() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.halted
}

// IsOperational is read fresh on every call.
func (g *Gateway) IsOperational() bool { return !g.isHalted() }

func (g *Gateway) SetDisclosureBroker(ctx context.Context, caller, broker models.Principal) error {
	return g.ledger.Submit(ctx, "set_disclosure_broker", func(tx *ledger.Tx) error {
		if !g.canResume(caller) {
			return apperr.ErrNotOwner
		}
		if broker.IsZero() {
			return apperr.ErrInvalidBroker
		}
		tx.Defer(func() {
			g.mu.Lock()
			g.broker = broker
			g.mu.Unlock()
		})
		tx.Emit(models.Event{Kind: models.EventBrokerSet, Caller: caller, Principal: broker})
		return nil
	})
}

func (g *Gateway) Broker() models.Principal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.broker
}

// IsDisclosureAllowed never fails; it answers false whenever a
// disclosure could not currently be brokered for requester.
func (g *Gateway) IsDisclosureAllowed(requester models.Principal) bool {
	if requester.IsZero() {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return !g.halted && !g.broker.IsZero()
}

// RequestDisclosure forwards ct to the disclosure broker on behalf of
// caller and returns the request id.
func (g *Gateway) RequestDisclosure(ctx context.Context, caller models.Principal, ct models.Ciphertext) (string, error) {
	var id string
	err := g.ledger.Submit(ctx, "request_disclosure", func(tx *ledger.Tx) error {
		broker := g.Broker()
		if broker.IsZero() {
			return apperr.ErrDisclosureBrokerNotSet
		}
		if ct.Empty() {
			return apperr.ErrEmptyValue
		}
		if g.isHalted() {
			return apperr.ErrNotOperational
		}

		g.mu.RLock()
		nonce := g.disclosureNonce + 1
		g.mu.RUnlock()
		reqID := disclosureID(caller, ct, nonce, tx.Now().UnixNano())

		payload, err := opaque.Marshal(opaque.DisclosureRequest{ID: reqID, Requester: caller, Ciphertext: ct})
		if err != nil {
			return err
		}
		if _, err := g.relay.Call(ctx, broker, payload); err != nil {
			g.logger.Warn("disclosure forwarding failed", "broker", broker, "error", err)
			return errors.Wrap(apperr.ErrForwardingFailed, err.Error())
		}

		tx.Defer(func() {
			g.mu.Lock()
			g.disclosureNonce = nonce
			g.mu.Unlock()
			id = reqID
		})
		tx.Emit(models.Event{Kind: models.EventDisclosureRequested, DisclosureID: reqID, Caller: caller})
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func disclosureID(caller models.Principal, ct models.Ciphertext, nonce uint64, nanos int64) string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], nonce)
	binary.BigEndian.PutUint64(buf[8:], uint64(nanos))
	h := blake3.New()
	h.Write([]byte(caller))
	h.Write([]byte{0})
	h.Write(ct)
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}

// CallKeyAuthority relays payload to the key authority unmodified.
func (g *Gateway) CallKeyAuthority(ctx context.Context, caller models.Principal, payload []byte) ([]byte, error) {
	var out []byte
	err := g.ledger.Submit(ctx, "call_key_authority", func(tx *ledger.Tx) error {
		if len(payload) == 0 {
			return apperr.ErrEmptyPayload
		}
		if g.isHalted() {
			return apperr.ErrNotOperational
		}
		resp, err := g.relay.Call(ctx, g.keyAuthority, payload)
		if err != nil {
			g.logger.Warn("key authority call failed", "caller", caller, "error", err)
			return errors.Wrap(apperr.ErrKeyAuthorityCallFailed, err.Error())
		}
		tx.Defer(func() { out = resp })
		return nil
	})
	return out, err
}

func (g *Gateway) IsPauseAuthorized(p models.Principal) bool { return g.set.IsAuthority(p) }

func (g *Gateway) PauserCount() int { return g.set.Count() }

func (g *Gateway) PauserAt(i int) (models.Principal, error) { return g.set.At(i) }

func (g *Gateway) Pausers() []models.Principal { return g.set.All() }

func (g *Gateway) Owner() models.Principal { return g.owner }

func (g *Gateway) KeyAuthority() models.Principal { return g.keyAuthority }

func (g *Gateway) Status() models.GatewayStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return models.GatewayStatus{
		Halted:                     g.halted,
		AuthorityCount:             g.set.Count(),
		KeyAuthorityConfigured:     !g.keyAuthority.IsZero(),
		DisclosureBrokerConfigured: !g.broker.IsZero(),
	}
}
