package twitch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(Options{
		ClientID:     "cid",
		ClientSecret: "secret",
		HelixURL:     srv.URL + "/helix",
		AuthURL:      srv.URL + "/oauth2/token",
		RateLimit:    1000,
		RateBurst:    1000,
	})
	return c, srv
}

func tokenHandler(counter *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counter.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}
}

func TestClient_GetUsersCarriesHeaders(t *testing.T) {
	var tokens atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", tokenHandler(&tokens))
	mux.HandleFunc("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cid", r.Header.Get("Client-Id"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "alice", r.URL.Query().Get("login"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"id": "111", "login": "alice", "display_name": "Alice"}},
		})
	})

	c, _ := newTestClient(t, mux)
	users, err := c.GetUsersByLogin(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "111", users[0].ID)
	assert.Equal(t, int32(1), tokens.Load())
}

func TestClient_401RefreshesOnceAndRetries(t *testing.T) {
	var tokens, calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", tokenHandler(&tokens))
	mux.HandleFunc("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{}})
	})

	c, _ := newTestClient(t, mux)
	_, err := c.GetStreamsByUserID(context.Background(), "111")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "request retried after refresh")
	assert.Equal(t, int32(2), tokens.Load(), "initial token plus one refresh")
}

func TestClient_4xxIsPermanent(t *testing.T) {
	var tokens, calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", tokenHandler(&tokens))
	mux.HandleFunc("/helix/games", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Bad Request"}`))
	})

	c, _ := newTestClient(t, mux)
	_, err := c.GetGamesByID(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "no retry on non-401 4xx")
}

func TestClient_5xxRetriesUpToThree(t *testing.T) {
	var tokens, calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", tokenHandler(&tokens))
	mux.HandleFunc("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	c, _ := newTestClient(t, mux)
	_, err := c.GetUsersByID(context.Background(), "111")
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_5xxThenSuccess(t *testing.T) {
	var tokens, calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", tokenHandler(&tokens))
	mux.HandleFunc("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"id": "111", "login": "alice"}},
		})
	})

	c, _ := newTestClient(t, mux)
	users, err := c.GetUsersByID(context.Background(), "111")
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestClient_CreateEventSub(t *testing.T) {
	var tokens atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", tokenHandler(&tokens))
	mux.HandleFunc("/helix/eventsub/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "stream.online", body["type"])
			assert.Equal(t, "1", body["version"])
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{{"id": "sub-1", "type": "stream.online", "status": "webhook_callback_verification_pending"}},
			})
		case http.MethodDelete:
			assert.Equal(t, "sub-1", r.URL.Query().Get("id"))
			w.WriteHeader(http.StatusNoContent)
		}
	})

	c, _ := newTestClient(t, mux)
	sub, err := c.CreateEventSubSubscription(context.Background(), "stream.online", "111", "https://cb.example/webhook", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub.ID)

	require.NoError(t, c.DeleteEventSubSubscription(context.Background(), "sub-1"))
}
