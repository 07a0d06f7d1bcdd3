package api_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/settlement"
	"github.com/xraph/settlement/api"
	"github.com/xraph/settlement/engine"
	"github.com/xraph/settlement/store/memory"
)

type echoEngine struct{}

func (echoEngine) Settle(context.Context, string, engine.PrepareFunc) error { return nil }

func (echoEngine) HandleMessage(_ context.Context, _ string, msg json.RawMessage) (json.RawMessage, error) {
	return msg, nil
}

func newServer(t *testing.T, eng engine.Engine) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	c := settlement.New(memory.New(), nil, settlement.WithLogger(logger))
	if eng != nil {
		c.SetEngine(eng)
	}

	srv := httptest.NewServer(api.New(c, api.WithLogger(logger)))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestCreateAccount(t *testing.T) {
	srv := newServer(t, nil)

	resp := post(t, srv.URL+"/accounts", `{"id":"alice"}`, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `{"id":"alice"}`, readBody(t, resp))

	resp = post(t, srv.URL+"/accounts", "", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.True(t, strings.HasPrefix(created.ID, "acct_"), created.ID)

	resp = post(t, srv.URL+"/accounts", `{"id":"a:b"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueueSettlement(t *testing.T) {
	srv := newServer(t, nil)
	post(t, srv.URL+"/accounts", `{"id":"alice"}`, nil)

	url := srv.URL + "/accounts/alice/settlements"
	key := map[string]string{api.IdempotencyKeyHeader: "K1"}

	resp := post(t, url, `{"amount":"468200000","scale":8}`, key)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `{"amount":"468200000","scale":8}`, readBody(t, resp))

	// Same amount at a different scale is the same request.
	resp = post(t, url, `{"amount":"4682","scale":3}`, key)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = post(t, url, `{"amount":"5","scale":0}`, key)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestQueueSettlementRejects(t *testing.T) {
	srv := newServer(t, nil)
	post(t, srv.URL+"/accounts", `{"id":"alice"}`, nil)

	tests := []struct {
		name   string
		url    string
		body   string
		header map[string]string
		want   int
	}{
		{"missing key", "/accounts/alice/settlements", `{"amount":"1","scale":0}`, nil, http.StatusBadRequest},
		{"unsafe key", "/accounts/alice/settlements", `{"amount":"1","scale":0}`, map[string]string{api.IdempotencyKeyHeader: "a:b"}, http.StatusBadRequest},
		{"exponent", "/accounts/alice/settlements", `{"amount":"3e2","scale":3}`, map[string]string{api.IdempotencyKeyHeader: "K"}, http.StatusBadRequest},
		{"numeric amount", "/accounts/alice/settlements", `{"amount":3,"scale":3}`, map[string]string{api.IdempotencyKeyHeader: "K"}, http.StatusBadRequest},
		{"zero", "/accounts/alice/settlements", `{"amount":"0","scale":0}`, map[string]string{api.IdempotencyKeyHeader: "K"}, http.StatusBadRequest},
		{"unknown account", "/accounts/bob/settlements", `{"amount":"1","scale":0}`, map[string]string{api.IdempotencyKeyHeader: "K"}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, srv.URL+tt.url, tt.body, tt.header)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestDeleteAccount(t *testing.T) {
	srv := newServer(t, nil)
	post(t, srv.URL+"/accounts", `{"id":"alice"}`, nil)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodDelete, srv.URL+"/accounts/alice", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.DefaultClient.Do(req.Clone(context.Background()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleMessage(t *testing.T) {
	srv := newServer(t, echoEngine{})
	post(t, srv.URL+"/accounts", `{"id":"alice"}`, nil)

	resp := post(t, srv.URL+"/accounts/alice/messages", `{"type":"paychan"}`, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `{"type":"paychan"}`, readBody(t, resp))

	resp = post(t, srv.URL+"/accounts/alice/messages", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleMessageUnsupported(t *testing.T) {
	srv := newServer(t, nil)
	post(t, srv.URL+"/accounts", `{"id":"alice"}`, nil)

	resp := post(t, srv.URL+"/accounts/alice/messages", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
