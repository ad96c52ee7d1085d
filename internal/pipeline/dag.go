// Package pipeline is the Post-Processing Pipeline: a fixed DAG
// of tasks run per finished Recording by the Background Job Queue.
package pipeline

import (
	"context"

	"github.com/Serph91P/StreamVault-sub002/internal/queue"
)

const (
	KindMP4Remux      = "mp4_remux"
	KindMP4Validation = "mp4_validation"
	KindMetadataGen   = "metadata_gen"
	KindChaptersGen   = "chapters_gen"
	KindThumbnail     = "thumbnail"
	KindCleanup       = "cleanup"
)

// PriorityFreshRecording is used for the DAG of a just-finished recording;
// it outranks standalone cleanup tasks, which in turn outrank
// housekeeping.
const (
	PriorityFreshRecording = 100
	PriorityCleanupOnly    = 50
	PriorityHousekeeping   = 10
)

// MinPipelineInputBytes is the smallest capture/remux output the pipeline
// considers real footage.
const MinPipelineInputBytes = 1024 * 1024

// DefaultKindCaps bounds per-kind concurrency; remux and cleanup are the
// disk-heavy kinds and get the tightest caps.
var DefaultKindCaps = map[string]int{
	KindMP4Remux:      2,
	KindMP4Validation: 4,
	KindMetadataGen:   4,
	KindChaptersGen:   4,
	KindThumbnail:     4,
	KindCleanup:       2,
}

// EnqueueRoot instantiates the full post-processing DAG for one finished
// Recording.
// proxyUsed records whether the capture ran through a proxy, since
// mp4_validation applies different size/duration ratio thresholds for each
// regime.
func EnqueueRoot(ctx context.Context, q *queue.Queue, recordingID, streamID int64, proxyUsed bool) error {
	payload := map[string]any{"recording_id": recordingID, "stream_id": streamID, "proxy_used": proxyUsed}

	remux, err := q.Enqueue(ctx, KindMP4Remux, PriorityFreshRecording, payload, nil, 5)
	if err != nil {
		return err
	}
	validate, err := q.Enqueue(ctx, KindMP4Validation, PriorityFreshRecording, payload, []string{remux.ID}, 3)
	if err != nil {
		return err
	}
	metadata, err := q.Enqueue(ctx, KindMetadataGen, PriorityFreshRecording, payload, []string{validate.ID}, 3)
	if err != nil {
		return err
	}
	chapters, err := q.Enqueue(ctx, KindChaptersGen, PriorityFreshRecording, payload, []string{validate.ID}, 3)
	if err != nil {
		return err
	}
	thumbnail, err := q.Enqueue(ctx, KindThumbnail, PriorityFreshRecording, payload, []string{metadata.ID, chapters.ID}, 3)
	if err != nil {
		return err
	}
	_, err = q.Enqueue(ctx, KindCleanup, PriorityFreshRecording, payload, []string{thumbnail.ID}, 5)
	return err
}

func recordingID(payload map[string]any) int64 {
	return toInt64(payload["recording_id"])
}

func streamID(payload map[string]any) int64 {
	return toInt64(payload["stream_id"])
}

func proxyUsed(payload map[string]any) bool {
	v, _ := payload["proxy_used"].(bool)
	return v
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	}
	return 0
}
