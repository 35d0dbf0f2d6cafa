package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/example/private-dispatch/internal/models"
)

const maxReplyBytes = 1 << 20

// HTTPRelay POSTs payloads to a per-collaborator endpoint.
type HTTPRelay struct {
	Endpoints map[models.Principal]string
	Client    *http.Client
}

func NewHTTPRelay(endpoints map[models.Principal]string) *HTTPRelay {
	return &HTTPRelay{Endpoints: endpoints, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (h *HTTPRelay) Call(ctx context.Context, target models.Principal, payload []byte) ([]byte, error) {
	endpoint, ok := h.Endpoints[target]
	if !ok || endpoint == "" {
		return nil, errors.Wrapf(ErrNoRoute, "target %s", target)
	}
	if h.Client == nil {
		h.Client = &http.Client{Timeout: 3 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Relay-Target", string(target))
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "relay post to %s", endpoint)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("relay: %s replied %d: %s", endpoint, resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}
