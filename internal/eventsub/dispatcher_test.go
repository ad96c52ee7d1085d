package eventsub

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/coreerrors"
	"github.com/Serph91P/StreamVault-sub002/internal/dedup"
	"github.com/Serph91P/StreamVault-sub002/internal/model"
	"github.com/Serph91P/StreamVault-sub002/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu    sync.Mutex
	calls []string
	done  chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{done: make(chan struct{}, 16)}
}

func (h *recordingHandler) record(kind string) {
	h.mu.Lock()
	h.calls = append(h.calls, kind)
	h.mu.Unlock()
	h.done <- struct{}{}
}

func (h *recordingHandler) Online(ctx context.Context, streamerID int64, ev Event)  { h.record("online") }
func (h *recordingHandler) Offline(ctx context.Context, streamerID int64, ev Event) { h.record("offline") }
func (h *recordingHandler) Update(ctx context.Context, streamerID int64, ev Event)  { h.record("update") }

func (h *recordingHandler) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatal("lifecycle handler not invoked")
	}
}

func (h *recordingHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func newDispatcher(t *testing.T) (*Dispatcher, store.Store, *recordingHandler) {
	t.Helper()
	st, err := store.OpenBoltStore(filepath.Join(t.TempDir(), "es.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	dd := dedup.NewMemoryDeduplicator(time.Minute)
	t.Cleanup(func() { _ = dd.Close() })

	h := newRecordingHandler()
	return New(st, dd, h), st, h
}

func payload(msgID string, typ SubscriptionType) Payload {
	return Payload{
		MessageID: msgID,
		Type:      typ,
		Event: Event{
			BroadcasterUserID:    "111",
			BroadcasterUserLogin: "alice",
			StartedAt:            time.Now(),
		},
	}
}

func TestDispatch_RoutesToLifecycle(t *testing.T) {
	d, st, h := newDispatcher(t)
	ctx := context.Background()
	_, err := st.AddStreamer(ctx, &model.Streamer{TwitchID: "111", Login: "alice"})
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(ctx, payload("m1", TypeStreamOnline)))
	h.wait(t)
	require.NoError(t, d.Dispatch(ctx, payload("m2", TypeChannelUpdate)))
	h.wait(t)
	require.NoError(t, d.Dispatch(ctx, payload("m3", TypeStreamOffline)))
	h.wait(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"online", "update", "offline"}, h.calls)
}

func TestDispatch_DuplicateDropped(t *testing.T) {
	// Two identical deliveries produce exactly one lifecycle input.
	d, st, h := newDispatcher(t)
	ctx := context.Background()
	_, err := st.AddStreamer(ctx, &model.Streamer{TwitchID: "111", Login: "alice"})
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(ctx, payload("same-id", TypeStreamOnline)))
	h.wait(t)
	require.NoError(t, d.Dispatch(ctx, payload("same-id", TypeStreamOnline)))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.callCount(), "second delivery acked and dropped")
}

func TestDispatch_UnknownStreamerDropped(t *testing.T) {
	d, _, h := newDispatcher(t)

	require.NoError(t, d.Dispatch(context.Background(), payload("m1", TypeStreamOnline)))
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, h.callCount())
}

func sign(secret, msgID, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msgID))
	mac.Write([]byte(ts))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	secret := "s3cret"
	body := []byte(`{"subscription":{"type":"stream.online"}}`)
	ts := "2025-01-02T10:00:00Z"

	good := sign(secret, "msg-1", ts, body)
	assert.NoError(t, VerifySignature(secret, "msg-1", ts, body, good))

	err := VerifySignature(secret, "msg-1", ts, body, "sha256=deadbeef")
	require.Error(t, err)
	assert.True(t, coreerrors.Is(err, coreerrors.KindWebhookVerify))

	// A signature over different content never verifies.
	err = VerifySignature(secret, "msg-2", ts, body, good)
	assert.Error(t, err)
	err = VerifySignature("other", "msg-1", ts, body, good)
	assert.Error(t, err)
}
