package replicate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_CreateByModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/models/black-forest-labs/flux-2-pro/predictions", r.URL.Path)
		assert.Equal(t, "Bearer r8_secret", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a red fox", body["input"].(map[string]any)["prompt"])
		assert.Equal(t, "https://example.com/hook", body["webhook"])
		assert.NotContains(t, body, "version")

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"p1","status":"starting","urls":{"get":"x"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	pred, err := c.Create(context.Background(), "r8_secret", CreateRequest{
		Model:   "black-forest-labs/flux-2-pro",
		Input:   map[string]any{"prompt": "a red fox"},
		Webhook: "https://example.com/hook",
	})
	require.NoError(t, err)
	assert.Equal(t, "p1", pred.ID)
	assert.Equal(t, StatusStarting, pred.Status)
	assert.False(t, pred.Status.Terminal())
}

func TestClient_CreateByVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/predictions", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "abc123", body["version"])
		assert.Equal(t, map[string]any{}, body["input"])

		_, _ = w.Write([]byte(`{"id":"p2","status":"processing"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	pred, err := c.Create(context.Background(), "tok", CreateRequest{Model: "owner/model:abc123"})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, pred.Status)
}

func TestClient_CreateRejectsBareModelName(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", time.Second)
	_, err := c.Create(context.Background(), "tok", CreateRequest{Model: "flux"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid model identifier")
}

func TestClient_ErrorStatusIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Invalid token.","status":401}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.Get(context.Background(), "bad", "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.Contains(t, err.Error(), "Invalid token.")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, `{"detail":"Invalid token.","status":401}`, apiErr.Body)
}

func TestClient_GetAndCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/predictions/p1":
			_, _ = w.Write([]byte(`{"id":"p1","status":"succeeded","output":["https://cdn.example/out.png"],"metrics":{"predict_time":1.5}}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v1/predictions/p1/cancel":
			_, _ = w.Write([]byte(`{"id":"p1","status":"canceled"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)

	pred, err := c.Get(context.Background(), "tok", "p1")
	require.NoError(t, err)
	assert.True(t, pred.Status.Terminal())
	require.NotNil(t, pred.Metrics)
	assert.InDelta(t, 1.5, pred.Metrics.PredictTime, 0.0001)

	pred, err = c.Cancel(context.Background(), "tok", "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, pred.Status)
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(url, time.Second)
	_, err := c.Get(context.Background(), "tok", "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
