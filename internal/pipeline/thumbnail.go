package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // decoder for placeholder detection
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/coreerrors"
	"github.com/Serph91P/StreamVault-sub002/internal/model"
	"github.com/Serph91P/StreamVault-sub002/internal/queue"
	"github.com/Serph91P/StreamVault-sub002/internal/supervisor"
	"github.com/google/renameio/v2"
)

// minThumbnailBytes rejects truncated or placeholder frames.
const minThumbnailBytes = 1024

// frameOffsets is the extraction fallback ladder: +10 s, +30 s, +120 s.
var frameOffsets = []time.Duration{10 * time.Second, 30 * time.Second, 120 * time.Second}

// Thumbnail prefers the live preview parked by the
// lifecycle manager, fall back to extracting a frame from the MP4, then
// fan the accepted image out under the media-server-compatible names.
func (h *Handlers) Thumbnail(ctx context.Context, t *queue.Task, progress queue.ProgressFunc) error {
	recID := recordingID(t.Payload)
	h.setStep(ctx, recID, "thumbnail", model.StepRunning, "")

	rec, stream, streamer, err := h.loadRecordingChain(ctx, recID)
	if err != nil {
		h.setStep(ctx, recID, "thumbnail", model.StepFailed, err.Error())
		return coreerrors.New(coreerrors.KindThumbnailError, err.Error())
	}

	mp4 := mp4Path(rec.Path)
	outputDir := filepath.Dir(mp4)
	base := strings.TrimSuffix(filepath.Base(mp4), filepath.Ext(mp4))
	thumbPath := filepath.Join(outputDir, base+"-thumb.jpg")

	var data []byte

	// Preferred source: the live preview acquired during recording.
	preview := h.Layout.PreviewPath(streamer.Login)
	if raw, err := os.ReadFile(preview); err == nil && acceptableThumbnail(raw) {
		data = raw
		h.logger.Debug().Int64("recording_id", recID).Msg("using live preview as thumbnail")
	}

	if data == nil {
		progress(0.3, "extracting frame from video")
		for _, offset := range frameOffsets {
			raw, err := h.extractFrame(ctx, streamer.Login, mp4, offset)
			if err != nil {
				h.logger.Debug().Err(err).Dur("offset", offset).Msg("frame extraction attempt failed")
				continue
			}
			if acceptableThumbnail(raw) {
				data = raw
				break
			}
			h.logger.Debug().Dur("offset", offset).Msg("extracted frame rejected as placeholder")
		}
	}

	if data == nil {
		h.setStep(ctx, recID, "thumbnail", model.StepFailed, "no acceptable thumbnail source")
		return coreerrors.New(coreerrors.KindThumbnailError, "no acceptable thumbnail source")
	}

	progress(0.7, "writing thumbnail copies")
	// <basename>-thumb.jpg plus the poster.jpg and <basename>.jpg copies
	// media servers look for.
	targets := []string{
		thumbPath,
		filepath.Join(outputDir, "poster.jpg"),
		filepath.Join(outputDir, base+".jpg"),
	}
	for _, dst := range targets {
		if err := renameio.WriteFile(dst, data, 0o644); err != nil {
			h.setStep(ctx, recID, "thumbnail", model.StepFailed, err.Error())
			return coreerrors.Wrap(coreerrors.KindThumbnailError, "write "+filepath.Base(dst), err)
		}
	}

	meta, _ := h.Store.GetStreamMetadata(ctx, stream.ID)
	if meta == nil {
		meta = &model.StreamMetadata{StreamID: stream.ID}
	}
	meta.ThumbnailPath = thumbPath
	if err := h.Store.PutStreamMetadata(ctx, meta); err != nil {
		h.logger.Error().Err(err).Int64("stream_id", stream.ID).Msg("failed to persist thumbnail path")
	}

	progress(1.0, "thumbnail complete")
	h.setStep(ctx, recID, "thumbnail", model.StepCompleted, "")
	return nil
}

// extractFrame pulls a single frame at the given offset via ffmpeg.
func (h *Handlers) extractFrame(ctx context.Context, login, mp4 string, offset time.Duration) ([]byte, error) {
	tmp := filepath.Join(os.TempDir(), fmt.Sprintf("streamvault-frame-%d-%d.jpg", time.Now().UnixNano(), int(offset.Seconds())))
	defer func() { _ = os.Remove(tmp) }()

	logPath := h.Layout.FFmpegLogPath(login, "thumbnail", time.Now())
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		logPath = mp4 + ".thumbnail.log"
	}

	args := []string{
		"-y",
		"-ss", fmt.Sprintf("%d", int(offset.Seconds())),
		"-i", mp4,
		"-vframes", "1",
		"-q:v", "2",
		tmp,
	}
	handle, err := h.Supervisor.Spawn(ctx, supervisor.Spec{
		Path:    h.FFmpegPath,
		Args:    args,
		LogPath: logPath,
	})
	if err != nil {
		return nil, err
	}
	code, err := h.Supervisor.Wait(ctx, handle)
	h.Supervisor.Forget(handle)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("ffmpeg frame extraction exited %d", code)
	}
	return os.ReadFile(tmp)
}

// acceptableThumbnail applies the acceptance test: at least 1 KiB
// and not a solid-grey placeholder.
func acceptableThumbnail(data []byte) bool {
	if len(data) < minThumbnailBytes {
		return false
	}
	return !isPlaceholderImage(data)
}

// isPlaceholderImage detects the solid-grey CDN placeholder by a
// near-uniform colour histogram: when the dominant bins of the three
// channels together cover ≥70 % of the sampled channel values (their
// average share) the frame carries no real content.
func isPlaceholderImage(data []byte) bool {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		// Undecodable data is not a placeholder verdict; the size check
		// already filtered junk.
		return false
	}

	bounds := img.Bounds()
	// Sample a coarse grid; full decode resolution adds nothing to a
	// dominance test.
	const grid = 64
	stepX := bounds.Dx() / grid
	stepY := bounds.Dy() / grid
	if stepX < 1 {
		stepX = 1
	}
	if stepY < 1 {
		stepY = 1
	}

	var histR, histG, histB [256]int
	samples := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stepY {
		for x := bounds.Min.X; x < bounds.Max.X; x += stepX {
			r, g, b, _ := img.At(x, y).RGBA()
			histR[r>>8]++
			histG[g>>8]++
			histB[b>>8]++
			samples++
		}
	}
	if samples == 0 {
		return false
	}

	dominant := maxBin(histR[:]) + maxBin(histG[:]) + maxBin(histB[:])
	return float64(dominant)/float64(samples*3) >= 0.70
}

func maxBin(hist []int) int {
	max := 0
	for _, v := range hist {
		if v > max {
			max = v
		}
	}
	return max
}
