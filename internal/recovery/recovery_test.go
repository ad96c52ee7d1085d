package recovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/model"
	"github.com/Serph91P/StreamVault-sub002/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEnqueuer struct {
	roots []int64
}

func (s *stubEnqueuer) EnqueueRoot(ctx context.Context, recordingID, streamID int64, proxyUsed bool) error {
	s.roots = append(s.roots, recordingID)
	return nil
}

type stubQueue struct {
	loaded     bool
	rehydrated bool
}

func (s *stubQueue) Load() error      { s.loaded = true; return nil }
func (s *stubQueue) RehydrateRunning() { s.rehydrated = true }

type stubProber struct {
	live map[string]bool
	err  error
}

func (s *stubProber) LiveUserIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	return s.live, s.err
}

func seedRecording(t *testing.T, st store.Store, path string, size int) (*model.Streamer, *model.Recording) {
	t.Helper()
	ctx := context.Background()
	s, err := st.AddStreamer(ctx, &model.Streamer{TwitchID: "444", Login: "dave", IsLive: true})
	require.NoError(t, err)
	stream, _, err := st.FindOrCreateLiveStream(ctx, s.ID, time.Now().Add(-time.Hour), "s9", "t", "c", "en")
	require.NoError(t, err)
	if size > 0 {
		require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	}
	rec, err := st.CreateRecording(ctx, stream.ID, time.Now().Add(-time.Hour), path)
	require.NoError(t, err)
	return s, rec
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.OpenBoltStore(filepath.Join(t.TempDir(), "recovery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRun_SalvagesLargeOrphan(t *testing.T) {
	// 2 MiB is past the salvage threshold and cheap to write.
	st := newTestStore(t)
	path := filepath.Join(t.TempDir(), "dave.ts")
	_, rec := seedRecording(t, st, path, 2*1024*1024)

	q := &stubQueue{}
	pipe := &stubEnqueuer{}
	c := New(st, q, pipe, &stubProber{live: map[string]bool{}}, nil)

	require.NoError(t, c.Run(context.Background()))

	got, err := st.GetRecording(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordingStatusCompleted, got.Status)
	require.NotNil(t, got.EndTime)
	assert.Equal(t, []int64{rec.ID}, pipe.roots, "pipeline enqueued for the salvaged orphan")

	// The orphan's stream was ended.
	stream, err := st.GetStream(context.Background(), rec.StreamID)
	require.NoError(t, err)
	assert.NotNil(t, stream.EndedAt)

	assert.True(t, q.loaded)
	assert.True(t, q.rehydrated)
}

func TestRun_FailsSmallOrMissingOrphan(t *testing.T) {
	st := newTestStore(t)
	path := filepath.Join(t.TempDir(), "tiny.ts")
	_, rec := seedRecording(t, st, path, 4096)

	pipe := &stubEnqueuer{}
	c := New(st, &stubQueue{}, pipe, nil, nil)
	require.NoError(t, c.Run(context.Background()))

	got, err := st.GetRecording(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordingStatusFailed, got.Status)
	assert.Empty(t, pipe.roots, "no pipeline for a failed orphan")
}

func TestRun_ReconcilesStaleLiveFlags(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	stale, err := st.AddStreamer(ctx, &model.Streamer{TwitchID: "1", Login: "offline-now", IsLive: true})
	require.NoError(t, err)
	actuallyLive, err := st.AddStreamer(ctx, &model.Streamer{TwitchID: "2", Login: "still-live", IsLive: true})
	require.NoError(t, err)

	prober := &stubProber{live: map[string]bool{"2": true}}
	c := New(st, &stubQueue{}, &stubEnqueuer{}, prober, nil)
	require.NoError(t, c.Run(ctx))

	got, err := st.GetStreamer(ctx, stale.ID)
	require.NoError(t, err)
	assert.False(t, got.IsLive, "stale flag cleared")

	got, err = st.GetStreamer(ctx, actuallyLive.ID)
	require.NoError(t, err)
	assert.True(t, got.IsLive, "genuinely live streamer untouched")
}

func TestRun_ProbeFailureLeavesFlags(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	s, err := st.AddStreamer(ctx, &model.Streamer{TwitchID: "1", Login: "alice", IsLive: true})
	require.NoError(t, err)

	c := New(st, &stubQueue{}, &stubEnqueuer{}, &stubProber{err: assert.AnError}, nil)
	require.NoError(t, c.Run(ctx), "startup must not fail on Twitch unavailability")

	got, err := st.GetStreamer(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, got.IsLive, "flags unchanged when the probe fails")
}

func TestOnCleanupComplete_TriggersResweep(t *testing.T) {
	st := newTestStore(t)
	path := filepath.Join(t.TempDir(), "late.ts")
	_, rec := seedRecording(t, st, path, 2*1024*1024)

	pipe := &stubEnqueuer{}
	c := New(st, &stubQueue{}, pipe, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.RunOrphanRetries(ctx)

	c.OnCleanupComplete(999)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := st.GetRecording(context.Background(), rec.ID)
		require.NoError(t, err)
		if got.Status == model.RecordingStatusCompleted {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("orphan not reclaimed after cleanup signal")
}
