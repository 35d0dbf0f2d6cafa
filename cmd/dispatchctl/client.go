package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// apiError mirrors the server's error body.
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%s, HTTP %d): %s", e.Code, e.Kind, e.Status, e.Message)
}

type client struct {
	base   string
	caller string
	http   *http.Client
}

func newClient(base, caller string) *client {
	return &client{base: strings.TrimRight(base, "/"), caller: caller, http: &http.Client{Timeout: 10 * time.Second}}
}

// do sends body as JSON and decodes a JSON reply into out when out is
// non-nil.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode body")
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.caller != "" {
		req.Header.Set("X-Principal", c.caller)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		e := &apiError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(e); err != nil {
			e.Code, e.Message = "Unknown", resp.Status
		}
		return e
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode reply")
}
