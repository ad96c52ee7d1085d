package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/coreerrors"
	"github.com/Serph91P/StreamVault-sub002/internal/layout"
	"github.com/Serph91P/StreamVault-sub002/internal/model"
	"github.com/Serph91P/StreamVault-sub002/internal/queue"
	"github.com/Serph91P/StreamVault-sub002/internal/store"
	"github.com/Serph91P/StreamVault-sub002/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notifierStub struct {
	events []string
}

func (n *notifierStub) Notify(eventType string, data any) { n.events = append(n.events, eventType) }
func (n *notifierStub) NotifyProcessing(recordingID int64, data any) {
	n.events = append(n.events, "processing")
}

type fixture struct {
	handlers *Handlers
	store    store.Store
	layout   *layout.Service
	streamer *model.Streamer
	stream   *model.Stream
	rec      *model.Recording
}

// newFixture seeds a real bolt store with streamer eve / one ended stream /
// one recording whose .ts sits in the given directory under the root.
func newFixture(t *testing.T, streamerDirName string) *fixture {
	t.Helper()
	root := t.TempDir()
	logs := t.TempDir()
	st, err := store.OpenBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	streamer, err := st.AddStreamer(ctx, &model.Streamer{
		TwitchID:         "222",
		Login:            "eve",
		DisplayName:      "Eve",
		RecordingEnabled: true,
	})
	require.NoError(t, err)

	started := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	stream, _, err := st.FindOrCreateLiveStream(ctx, streamer.ID, started, "s77", "Evening Run", "Celeste", "en")
	require.NoError(t, err)
	stream, err = st.UpdateStream(ctx, stream.ID, func(s *model.Stream) error {
		s.EpisodeNumber = 1
		return nil
	})
	require.NoError(t, err)

	dir := filepath.Join(root, streamerDirName, "Season 2025-01")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	tsPath := filepath.Join(dir, "eve - S202501E01 - Evening Run.ts")
	require.NoError(t, os.WriteFile(tsPath, make([]byte, 2048), 0o644))
	require.NoError(t, os.WriteFile(mp4Path(tsPath), make([]byte, 2048), 0o644))

	rec, err := st.CreateRecording(ctx, stream.ID, started, tsPath)
	require.NoError(t, err)
	stream, err = st.EndStream(ctx, stream.ID, started.Add(time.Hour))
	require.NoError(t, err)

	svc := layout.NewService(root, logs)
	h := NewHandlers(st, supervisor.New(), &notifierStub{}, svc)

	return &fixture{handlers: h, store: st, layout: svc, streamer: streamer, stream: stream, rec: rec}
}

func taskFor(rec *model.Recording, streamID int64) *queue.Task {
	return &queue.Task{
		Kind:    KindMetadataGen,
		Payload: map[string]any{"recording_id": rec.ID, "stream_id": streamID},
	}
}

func noProgress(float64, string) {}

func TestMetadataGen_WritesSidecars(t *testing.T) {
	f := newFixture(t, "eve")
	ctx := context.Background()

	err := f.handlers.MetadataGen(ctx, taskFor(f.rec, f.stream.ID), noProgress)
	require.NoError(t, err)

	dir := filepath.Dir(f.rec.Path)
	base := "eve - S202501E01 - Evening Run"

	// JSON descriptor beside the MP4.
	data, err := os.ReadFile(filepath.Join(dir, base+".info.json"))
	require.NoError(t, err)
	var desc map[string]any
	require.NoError(t, json.Unmarshal(data, &desc))
	assert.Equal(t, "eve", desc["streamer"])
	assert.Equal(t, "202501", desc["season"])
	assert.Equal(t, float64(1), desc["episode"])
	assert.Equal(t, float64(3600), desc["duration_seconds"])

	// Episode NFO beside the MP4, show NFO one level up.
	epNFO, err := os.ReadFile(filepath.Join(dir, base+".nfo"))
	require.NoError(t, err)
	assert.Contains(t, string(epNFO), "<season>202501</season>")
	assert.Contains(t, string(epNFO), "<episode>1</episode>")

	showNFO, err := os.ReadFile(filepath.Join(filepath.Dir(dir), "tvshow.nfo"))
	require.NoError(t, err)
	assert.Contains(t, string(showNFO), "<title>eve Streams</title>")

	seasonNFO, err := os.ReadFile(filepath.Join(dir, "season.nfo"))
	require.NoError(t, err)
	assert.Contains(t, string(seasonNFO), "<seasonnumber>202501</seasonnumber>")

	// Step recorded as completed.
	state, err := f.store.GetProcessingState(ctx, f.rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepCompleted, state.Metadata)

	meta, err := f.store.GetStreamMetadata(ctx, f.stream.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, meta.JSONPath)
	assert.NotEmpty(t, meta.EpisodeNFOPath)
}

func TestMetadataGen_IdempotentSidecars(t *testing.T) {
	f := newFixture(t, "eve")
	ctx := context.Background()
	task := taskFor(f.rec, f.stream.ID)

	require.NoError(t, f.handlers.MetadataGen(ctx, task, noProgress))
	dir := filepath.Dir(f.rec.Path)
	jsonPath := filepath.Join(dir, "eve - S202501E01 - Evening Run.info.json")
	first, err := os.ReadFile(jsonPath)
	require.NoError(t, err)

	require.NoError(t, f.handlers.MetadataGen(ctx, task, noProgress))
	second, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, first, second, "re-running the step yields byte-identical sidecars")
}

func TestMetadataGen_CrossStreamerGuard(t *testing.T) {
	// Recording for eve placed under frank's directory.
	f := newFixture(t, "frank")
	ctx := context.Background()

	err := f.handlers.MetadataGen(ctx, taskFor(f.rec, f.stream.ID), noProgress)
	require.Error(t, err)
	assert.True(t, coreerrors.Is(err, coreerrors.KindCrossStreamerPath))

	// Step failed with the explicit error, and nothing was written into
	// frank's directory.
	state, err := f.store.GetProcessingState(ctx, f.rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepFailed, state.Metadata)
	assert.Equal(t, "CrossStreamerPath", state.LastError)

	dir := filepath.Dir(f.rec.Path)
	_, statErr := os.Stat(filepath.Join(dir, "eve - S202501E01 - Evening Run.nfo"))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(filepath.Dir(dir), "tvshow.nfo"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestGuardStreamerPath(t *testing.T) {
	f := newFixture(t, "eve")

	ok := f.handlers.guardStreamerPath(filepath.Join(f.layout.RecordingsRoot, "eve", "Season 2025-01"), "eve")
	assert.NoError(t, ok)

	err := f.handlers.guardStreamerPath(filepath.Join(f.layout.RecordingsRoot, "frank", "Season 2025-01"), "eve")
	assert.True(t, coreerrors.Is(err, coreerrors.KindCrossStreamerPath))

	err = f.handlers.guardStreamerPath("/somewhere/else", "eve")
	assert.True(t, coreerrors.Is(err, coreerrors.KindCrossStreamerPath))
}

func TestCleanup_RemovesTSOnlyAfterValidation(t *testing.T) {
	f := newFixture(t, "eve")
	ctx := context.Background()
	f.handlers.CleanupWaitBudget = time.Second

	// Grow the mp4 past the 1 MiB floor.
	require.NoError(t, os.WriteFile(mp4Path(f.rec.Path), make([]byte, 2*1024*1024), 0o644))

	task := &queue.Task{Kind: KindCleanup, Payload: map[string]any{"recording_id": f.rec.ID, "stream_id": f.stream.ID}}

	// Without a completed validation step the .ts is kept.
	err := f.handlers.Cleanup(ctx, task, noProgress)
	require.Error(t, err)
	_, statErr := os.Stat(f.rec.Path)
	assert.NoError(t, statErr, ".ts retained when validation has not completed")

	// After validation completes, cleanup removes the intermediate.
	_, err = f.store.SetProcessingStep(ctx, f.rec.ID, "mp4_validation", model.StepCompleted, "")
	require.NoError(t, err)
	require.NoError(t, f.handlers.Cleanup(ctx, task, noProgress))

	_, statErr = os.Stat(f.rec.Path)
	assert.True(t, os.IsNotExist(statErr), ".ts removed after successful cleanup")

	state, err := f.store.GetProcessingState(ctx, f.rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepCompleted, state.Cleanup)
}

func TestCleanup_DeletionModeRemovesEverything(t *testing.T) {
	f := newFixture(t, "eve")
	ctx := context.Background()

	extra := filepath.Join(filepath.Dir(f.rec.Path), "leftover.vtt")
	require.NoError(t, os.WriteFile(extra, []byte("WEBVTT"), 0o644))

	task := &queue.Task{Kind: KindCleanup, Payload: map[string]any{
		"stream_id":     f.stream.ID,
		"cleanup_paths": []any{f.rec.Path, mp4Path(f.rec.Path), extra},
	}}
	require.NoError(t, f.handlers.Cleanup(ctx, task, noProgress))

	for _, p := range []string{f.rec.Path, mp4Path(f.rec.Path), extra} {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "%s should be gone", p)
	}
}
