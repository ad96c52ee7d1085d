package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/coreerrors"
	"github.com/Serph91P/StreamVault-sub002/internal/model"
	"github.com/Serph91P/StreamVault-sub002/internal/queue"
)

// writerPollInterval paces the wait for processes still writing either
// file, so draining writers are detected without busy-looping.
const writerPollInterval = 10 * time.Second

// Cleanup is the terminal pipeline task. Two modes share one task kind:
//
//   - post-processing cleanup (the DAG terminal): deletes the .ts
//     intermediate only when validation succeeded and no supervised child
//     still references either file;
//   - stream-deletion cleanup: payload carries "cleanup_paths" and every
//     listed file or directory is removed unconditionally.
func (h *Handlers) Cleanup(ctx context.Context, t *queue.Task, progress queue.ProgressFunc) error {
	if paths, ok := t.Payload["cleanup_paths"]; ok {
		return h.deletionCleanup(ctx, t, paths)
	}
	return h.postProcessingCleanup(ctx, t, progress)
}

func (h *Handlers) deletionCleanup(ctx context.Context, t *queue.Task, raw any) error {
	var paths []string
	switch v := raw.(type) {
	case []string:
		paths = v
	case []any:
		for _, p := range v {
			if s, ok := p.(string); ok {
				paths = append(paths, s)
			}
		}
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if info.IsDir() {
			if err := os.RemoveAll(p); err != nil {
				h.logger.Warn().Err(err).Str("path", p).Msg("failed to remove directory")
			}
			continue
		}
		if err := os.Remove(p); err != nil {
			h.logger.Warn().Err(err).Str("path", p).Msg("failed to remove file")
		}
	}
	h.logger.Info().Int("paths", len(paths)).Msg("stream-deletion cleanup complete")
	return nil
}

func (h *Handlers) postProcessingCleanup(ctx context.Context, t *queue.Task, progress queue.ProgressFunc) error {
	recID := recordingID(t.Payload)
	h.setStep(ctx, recID, "cleanup", model.StepRunning, "")

	rec, stream, streamer, err := h.loadRecordingChain(ctx, recID)
	if err != nil {
		h.setStep(ctx, recID, "cleanup", model.StepFailed, err.Error())
		return coreerrors.New(coreerrors.KindCleanupError, err.Error())
	}

	// The .ts is only deleted when validation succeeded. The DAG already
	// skips this task when validation failed,
	// but the state is re-checked for the idempotent re-execution case.
	state, err := h.Store.GetProcessingState(ctx, recID)
	if err != nil || state == nil || state.MP4Validation != model.StepCompleted {
		h.setStep(ctx, recID, "cleanup", model.StepFailed, "validation not completed, keeping .ts")
		return coreerrors.New(coreerrors.KindCleanupError, "validation not completed")
	}

	mp4 := mp4Path(rec.Path)
	if info, err := os.Stat(mp4); err != nil || info.Size() < MinPipelineInputBytes {
		h.setStep(ctx, recID, "cleanup", model.StepFailed, "mp4 missing or too small, keeping .ts")
		return coreerrors.New(coreerrors.KindCleanupError, "mp4 missing or too small")
	}

	budget := h.CleanupWaitBudget
	if budget <= 0 {
		budget = 30 * time.Minute
	}
	if err := h.waitForWriters(ctx, rec.Path, mp4, budget, progress); err != nil {
		h.setStep(ctx, recID, "cleanup", model.StepFailed, err.Error())
		return err
	}

	if _, err := os.Stat(rec.Path); err == nil {
		if err := os.Remove(rec.Path); err != nil {
			h.setStep(ctx, recID, "cleanup", model.StepFailed, err.Error())
			return coreerrors.Wrap(coreerrors.KindCleanupError, "remove ts intermediate", err)
		}
		h.logger.Info().Int64("recording_id", recID).Str("path", rec.Path).Msg("ts intermediate removed")
	}

	h.enforceRetention(ctx, stream.StreamerID, streamer.Login)

	progress(1.0, "cleanup complete")
	h.setStep(ctx, recID, "cleanup", model.StepCompleted, "")

	if h.Cleanups != nil {
		h.Cleanups.OnCleanupComplete(recID)
	}
	return nil
}

// waitForWriters blocks until no supervised child references either file
// on its command line, polling within the budget.
func (h *Handlers) waitForWriters(ctx context.Context, tsPath, mp4 string, budget time.Duration, progress queue.ProgressFunc) error {
	deadline := time.Now().Add(budget)
	for {
		if !h.Supervisor.HasWriterFor(tsPath) && !h.Supervisor.HasWriterFor(mp4) {
			return nil
		}
		if time.Now().After(deadline) {
			return coreerrors.New(coreerrors.KindCleanupError, "writers did not drain within cleanup budget")
		}
		progress(0.5, "waiting for writers to drain")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(writerPollInterval):
		}
	}
}

// enforceRetention applies retention.maxStreams: the oldest
// finished streams beyond the limit are enqueued for deletion cleanup at
// a priority below fresh pipelines. Best effort; retention never fails the
// cleanup step.
func (h *Handlers) enforceRetention(ctx context.Context, streamerID int64, login string) {
	if h.Retention == nil {
		return
	}
	max := h.Retention.MaxStreams(ctx, streamerID)
	if max <= 0 {
		return
	}

	streams, err := h.Store.RecentStreamsByStreamer(ctx, streamerID)
	if err != nil {
		h.logger.Warn().Err(err).Int64("streamer_id", streamerID).Msg("retention scan failed")
		return
	}

	var finished []*model.Stream
	for _, s := range streams {
		if s.EndedAt != nil {
			finished = append(finished, s)
		}
	}
	if len(finished) <= max {
		return
	}

	// RecentStreamsByStreamer orders by startedAt desc, so everything past
	// the first max entries is expired.
	for _, s := range finished[max:] {
		paths := h.streamArtefactPaths(ctx, s)
		if len(paths) == 0 {
			continue
		}
		h.logger.Info().Int64("stream_id", s.ID).Str("streamer", login).Int("files", len(paths)).Msg("retention limit exceeded, scheduling stream deletion")
		_, err := h.enqueueDeletion(ctx, s.ID, paths)
		if err != nil {
			h.logger.Warn().Err(err).Int64("stream_id", s.ID).Msg("failed to enqueue retention deletion")
		}
	}
}

// Enqueuer is satisfied by *queue.Queue; held for retention deletions.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, priority int, payload map[string]any, dependsOn []string, maxAttempts int) (*queue.Task, error)
}

func (h *Handlers) enqueueDeletion(ctx context.Context, streamID int64, paths []string) (*queue.Task, error) {
	if h.Queue == nil {
		return nil, nil
	}
	payload := map[string]any{
		"stream_id":     streamID,
		"cleanup_paths": paths,
	}
	return h.Queue.Enqueue(ctx, KindCleanup, PriorityCleanupOnly, payload, nil, 3)
}

// streamArtefactPaths collects every file associated with a stream: the
// recording files plus the sidecars the pipeline produced.
func (h *Handlers) streamArtefactPaths(ctx context.Context, s *model.Stream) []string {
	var paths []string
	add := func(p string) {
		if p != "" {
			paths = append(paths, p)
		}
	}

	if s.RecordingPath != "" {
		mp4 := s.RecordingPath
		add(mp4)
		base := strings.TrimSuffix(mp4, filepath.Ext(mp4))
		add(base + ".ts")
		add(base + ".jpg")
		add(base + "-thumb.jpg")
	}
	if meta, err := h.Store.GetStreamMetadata(ctx, s.ID); err == nil && meta != nil {
		add(meta.JSONPath)
		add(meta.EpisodeNFOPath)
		add(meta.ChaptersVTTPath)
		add(meta.ChaptersSRTPath)
		add(meta.ChaptersFFPath)
		add(meta.ChaptersXMLPath)
		add(meta.ThumbnailPath)
	}
	return paths
}
