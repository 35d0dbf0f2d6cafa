package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method, path, caller string
	body                 map[string]string
}

func fakeServer(t *testing.T, calls *[]recorded) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, caller: r.Header.Get("X-Principal")}
		if r.Body != nil && r.ContentLength > 0 {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		*calls = append(*calls, rec)
		switch r.URL.Path {
		case "/v1/gateway/resume":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"code":"NotOwner","kind":"authorization","message":"NotOwner: caller is not the gateway owner"}`))
		case "/v1/gateway/status":
			_, _ = w.Write([]byte(`{"halted":true,"authority_count":2}`))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
}

func run(t *testing.T, srv string, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", srv}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestHaltSendsCaller(t *testing.T) {
	var calls []recorded
	srv := fakeServer(t, &calls)
	defer srv.Close()

	out, err := run(t, srv.URL, "--as", "0xa1", "halt")
	require.NoError(t, err)
	assert.Contains(t, out, "gateway halted")
	require.Len(t, calls, 1)
	assert.Equal(t, recorded{method: http.MethodPost, path: "/v1/gateway/halt", caller: "0xa1"}, calls[0])
}

func TestResumeSurfacesErrorCode(t *testing.T) {
	var calls []recorded
	srv := fakeServer(t, &calls)
	defer srv.Close()

	_, err := run(t, srv.URL, "--as", "0xa1", "resume")
	require.Error(t, err)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "NotOwner", apiErr.Code)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
}

func TestStatusPrintsJSON(t *testing.T) {
	var calls []recorded
	srv := fakeServer(t, &calls)
	defer srv.Close()

	out, err := run(t, srv.URL, "status")
	require.NoError(t, err)
	assert.JSONEq(t, `{"halted":true,"authority_count":2}`, out)
}

func TestSetBrokerBody(t *testing.T) {
	var calls []recorded
	srv := fakeServer(t, &calls)
	defer srv.Close()

	_, err := run(t, srv.URL, "--as", "0xowner", "set-broker", "0xbroker")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]string{"broker": "0xbroker"}, calls[0].body)
}

func TestPausersRejectsBadIndex(t *testing.T) {
	var calls []recorded
	srv := fakeServer(t, &calls)
	defer srv.Close()

	_, err := run(t, srv.URL, "pausers", "first")
	assert.Error(t, err)
	assert.Empty(t, calls)
}
