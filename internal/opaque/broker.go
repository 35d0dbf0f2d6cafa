package opaque

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/zeebo/blake3"
)

// Broker services disclosure requests against a backend that can
// reveal plaintexts. A requester only learns a value it was granted.
type Broker struct {
	Backend interface {
		Backend
		Revealer
	}
	Logger *slog.Logger
}

// Handle decodes a DisclosureRequest and replies with a DisclosureResult.
func (b *Broker) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	var req DisclosureRequest
	if err := Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode disclosure request: %w", err)
	}
	if !b.Backend.Allowed(req.Ciphertext, req.Requester) {
		if b.Logger != nil {
			b.Logger.Warn("disclosure denied", "request_id", req.ID, "requester", req.Requester)
		}
		return nil, ErrAccessDenied
	}
	v, err := b.Backend.Reveal(req.Ciphertext)
	if err != nil {
		return nil, err
	}
	return Marshal(DisclosureResult{ID: req.ID, Value: v})
}

// KeyAuthority is the in-process key authority used with the clear
// backend. It issues a fresh key identifier bound to the request bytes.
type KeyAuthority struct{}

func (KeyAuthority) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	h := blake3.New()
	h.Write(salt)
	h.Write(payload)
	return Marshal(KeyResponse{KeyID: hex.EncodeToString(h.Sum(nil))})
}
