package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/coreerrors"
	"github.com/Serph91P/StreamVault-sub002/internal/layout"
	"github.com/Serph91P/StreamVault-sub002/internal/log"
	"github.com/Serph91P/StreamVault-sub002/internal/model"
	"github.com/Serph91P/StreamVault-sub002/internal/queue"
	"github.com/Serph91P/StreamVault-sub002/internal/store"
	"github.com/Serph91P/StreamVault-sub002/internal/supervisor"
	"github.com/rs/zerolog"
)

// Notifier publishes pipeline progress to the Status Broadcaster.
// Processing-state deltas go through NotifyProcessing so the broadcaster
// can debounce them per recording.
type Notifier interface {
	Notify(eventType string, data any)
	NotifyProcessing(recordingID int64, data any)
}

// RetentionResolver exposes the retention limit of the Config Resolver to
// the cleanup task.
type RetentionResolver interface {
	MaxStreams(ctx context.Context, streamerID int64) int
}

// CleanupSignal is notified after a successful post-processing cleanup so
// orphan-retries can reclaim abandoned recordings.
type CleanupSignal interface {
	OnCleanupComplete(recordingID int64)
}

// Handlers bundles the dependencies every task handler in the DAG needs.
type Handlers struct {
	Store      store.Store
	Supervisor *supervisor.Supervisor
	Notifier   Notifier
	Layout     *layout.Service

	FFmpegPath  string
	FFprobePath string

	// CategoryAsChapterTitle selects the chapter-title policy: when set,
	// chapters are titled by category and consecutive same-category events
	// merge.
	CategoryAsChapterTitle bool

	Retention RetentionResolver
	Cleanups  CleanupSignal

	// Queue lets the cleanup task schedule stream-deletion tasks for
	// retention-expired streams.
	Queue Enqueuer

	// CleanupWaitBudget bounds how long post-processing cleanup waits for
	// writers to drain before giving up.
	CleanupWaitBudget time.Duration

	logger zerolog.Logger
}

func NewHandlers(st store.Store, sup *supervisor.Supervisor, notifier Notifier, svc *layout.Service) *Handlers {
	return &Handlers{
		Store:             st,
		Supervisor:        sup,
		Notifier:          notifier,
		Layout:            svc,
		FFmpegPath:        "ffmpeg",
		FFprobePath:       "ffprobe",
		CleanupWaitBudget: 30 * time.Minute,
		logger:            log.WithComponent("pipeline"),
	}
}

// RegisterAll wires every handler into the queue under its task kind.
func (h *Handlers) RegisterAll(q *queue.Queue) {
	q.RegisterHandler(KindMP4Remux, h.Remux)
	q.RegisterHandler(KindMP4Validation, h.Validate)
	q.RegisterHandler(KindMetadataGen, h.MetadataGen)
	q.RegisterHandler(KindChaptersGen, h.ChaptersGen)
	q.RegisterHandler(KindThumbnail, h.Thumbnail)
	q.RegisterHandler(KindCleanup, h.Cleanup)
}

func mp4Path(tsPath string) string {
	return strings.TrimSuffix(tsPath, filepath.Ext(tsPath)) + ".mp4"
}

func (h *Handlers) setStep(ctx context.Context, recordingID int64, step string, status model.StepStatus, lastError string) {
	if _, err := h.Store.SetProcessingStep(ctx, recordingID, step, status, lastError); err != nil {
		h.logger.Error().Err(err).Int64("recording_id", recordingID).Str("step", step).Msg("failed to persist processing step")
	}
	h.Notifier.NotifyProcessing(recordingID, map[string]any{
		"recording_id": recordingID,
		"step":         step,
		"status":       status,
		"last_error":   lastError,
	})
}

// Remux container-copies the .ts capture into an .mp4 sibling without
// re-encoding.
func (h *Handlers) Remux(ctx context.Context, t *queue.Task, progress queue.ProgressFunc) error {
	recID := recordingID(t.Payload)
	h.setStep(ctx, recID, "mp4_remux", model.StepRunning, "")

	rec, err := h.Store.GetRecording(ctx, recID)
	if err != nil || rec == nil {
		h.setStep(ctx, recID, "mp4_remux", model.StepFailed, "recording not found")
		return coreerrors.New(coreerrors.KindRemuxFailed, "recording not found")
	}
	stream, err := h.Store.GetStream(ctx, rec.StreamID)
	if err != nil || stream == nil {
		h.setStep(ctx, recID, "mp4_remux", model.StepFailed, "stream not found")
		return coreerrors.New(coreerrors.KindRemuxFailed, "stream not found")
	}

	streamer, err := h.Store.GetStreamer(ctx, stream.StreamerID)
	if err != nil || streamer == nil {
		h.setStep(ctx, recID, "mp4_remux", model.StepFailed, "streamer not found")
		return coreerrors.New(coreerrors.KindRemuxFailed, "streamer not found")
	}

	dst := mp4Path(rec.Path)
	args := []string{
		"-y", "-i", rec.Path,
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		"-fflags", "+discardcorrupt",
		"-movflags", "+faststart",
		dst,
	}
	logPath := h.Layout.FFmpegLogPath(streamer.Login, "remux", time.Now())
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		logPath = dst + ".remux.log"
	}
	spec := supervisor.Spec{
		Path:    h.FFmpegPath,
		Args:    args,
		LogPath: logPath,
	}
	handle, err := h.Supervisor.Spawn(ctx, spec)
	if err != nil {
		h.setStep(ctx, recID, "mp4_remux", model.StepFailed, err.Error())
		return coreerrors.Wrap(coreerrors.KindRemuxFailed, "spawn ffmpeg remux", err)
	}
	progress(0.2, "remuxing")
	code, err := h.Supervisor.Wait(ctx, handle)
	if err != nil {
		h.setStep(ctx, recID, "mp4_remux", model.StepFailed, err.Error())
		return coreerrors.Wrap(coreerrors.KindRemuxFailed, "wait for ffmpeg remux", err)
	}
	if code != 0 {
		h.setStep(ctx, recID, "mp4_remux", model.StepFailed, fmt.Sprintf("ffmpeg exited %d", code))
		return coreerrors.New(coreerrors.KindRemuxFailed, fmt.Sprintf("ffmpeg exited %d", code))
	}

	if err := writeTagSidecar(dst, stream); err != nil {
		h.logger.Warn().Err(err).Msg("failed to write metadata tag sidecar")
	}

	if _, err := h.Store.UpdateStream(ctx, stream.ID, func(s *model.Stream) error {
		s.RecordingPath = dst
		return nil
	}); err != nil {
		h.logger.Error().Err(err).Msg("failed to record mp4 path on stream")
	}

	h.Notifier.Notify("recording_available", map[string]any{
		"recording_id": recID,
		"stream_id":    stream.ID,
		"path":         dst,
	})
	progress(1.0, "remux complete")
	h.setStep(ctx, recID, "mp4_remux", model.StepCompleted, "")
	return nil
}

func writeTagSidecar(mp4 string, stream *model.Stream) error {
	tags := map[string]string{
		"title":  stream.Title,
		"artist": stream.Category,
		"date":   stream.StartedAt.Format(time.RFC3339),
		"genre":  stream.Category,
	}
	data, err := json.MarshalIndent(tags, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(mp4+".tags.json", data, 0644)
}

type probeResult struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
	} `json:"streams"`
}

func (h *Handlers) probe(ctx context.Context, path string) (*probeResult, error) {
	cmd := exec.CommandContext(ctx, h.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-show_entries", "stream=codec_type",
		"-of", "json",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	var pr probeResult
	if err := json.Unmarshal(out, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

func (pr *probeResult) durationSeconds() float64 {
	f, _ := strconv.ParseFloat(pr.Format.Duration, 64)
	return f
}

func (pr *probeResult) hasVideoStream() bool {
	for _, s := range pr.Streams {
		if s.CodecType == "video" {
			return true
		}
	}
	return false
}

// sizeRatioBounds returns the inclusive MP4/TS size-ratio window for the
// capture regime: proxy captures tolerate fewer ad-induced
// discontinuities, so their floor is higher.
func sizeRatioBounds(viaProxy bool) (min, max float64) {
	if viaProxy {
		return 0.70, 1.10
	}
	return 0.50, 1.10
}

// durationRatioFloor returns the minimum MP4/TS duration ratio per regime;
// below hardFailDurationRatio the validation fails in either regime.
func durationRatioFloor(viaProxy bool) float64 {
	if viaProxy {
		return 0.90
	}
	return 0.60
}

const hardFailDurationRatio = 0.30

// Validate applies the fixed set of pass conditions to a remuxed
// recording; any failure marks the Recording failed and skips downstream
// tasks.
func (h *Handlers) Validate(ctx context.Context, t *queue.Task, progress queue.ProgressFunc) error {
	recID := recordingID(t.Payload)
	h.setStep(ctx, recID, "mp4_validation", model.StepRunning, "")

	rec, err := h.Store.GetRecording(ctx, recID)
	if err != nil || rec == nil {
		h.setStep(ctx, recID, "mp4_validation", model.StepFailed, "recording not found")
		return coreerrors.New(coreerrors.KindValidationFailed, "recording not found")
	}
	dst := mp4Path(rec.Path)
	viaProxy := proxyUsed(t.Payload)

	fail := func(reason string) error {
		h.setStep(ctx, recID, "mp4_validation", model.StepFailed, reason)
		status := model.RecordingStatusFailed
		_, _ = h.Store.UpdateRecording(ctx, recID, store.RecordingFields{Status: &status})
		return coreerrors.New(coreerrors.KindValidationFailed, reason)
	}

	mp4Info, err := os.Stat(dst)
	if err != nil || mp4Info.Size() < 1024*1024 {
		return fail("mp4 missing or smaller than 1 MiB")
	}
	tsInfo, err := os.Stat(rec.Path)
	if err != nil {
		return fail("ts capture missing")
	}

	ratio := float64(mp4Info.Size()) / float64(tsInfo.Size())
	minRatio, maxRatio := sizeRatioBounds(viaProxy)
	if ratio < minRatio || ratio > maxRatio {
		return fail(fmt.Sprintf("mp4/ts size ratio %.2f outside [%.2f, %.2f]", ratio, minRatio, maxRatio))
	}
	progress(0.5, "probing")

	pr, err := h.probe(ctx, dst)
	if err != nil {
		return fail("ffprobe failed: " + err.Error())
	}
	if !pr.hasVideoStream() {
		return fail("no video stream in mp4")
	}
	duration := pr.durationSeconds()
	if duration < 10 {
		return fail("duration below 10s")
	}

	tsPr, err := h.probe(ctx, rec.Path)
	if err == nil && tsPr.durationSeconds() > 0 {
		durRatio := duration / tsPr.durationSeconds()
		minDurRatio := durationRatioFloor(viaProxy)
		if durRatio < hardFailDurationRatio || durRatio < minDurRatio {
			return fail(fmt.Sprintf("mp4/ts duration ratio %.2f below threshold %.2f", durRatio, minDurRatio))
		}
	}

	progress(1.0, "validation passed")
	h.setStep(ctx, recID, "mp4_validation", model.StepCompleted, "")
	return nil
}
