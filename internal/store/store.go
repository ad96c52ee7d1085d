// Package store is the Stream Store: the sole authority for
// mutating Streamer/Stream/Recording/StreamEvent/ProcessingState/Metadata
// entities. All mutations are transactional; callers never observe partial
// updates.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/model"
)

// ErrNotFound is returned when a lookup by ID finds nothing.
var ErrNotFound = errors.New("not found")

// RecordingFields is the partial-update payload for UpdateRecording.
type RecordingFields struct {
	EndTime  *time.Time
	Status   *model.RecordingStatus
	Path     *string
	Duration *time.Duration
}

// Store is the interface every other component depends on. The underlying
// persistence is opaque; internal/store/bolt_store.go is the shipped
// implementation.
type Store interface {
	// --- Streamers ---
	AddStreamer(ctx context.Context, s *model.Streamer) (*model.Streamer, error)
	RemoveStreamer(ctx context.Context, id int64) error
	GetStreamer(ctx context.Context, id int64) (*model.Streamer, error)
	GetStreamerByTwitchID(ctx context.Context, twitchID string) (*model.Streamer, error)
	UpdateStreamer(ctx context.Context, id int64, fn func(*model.Streamer) error) (*model.Streamer, error)
	ListStreamers(ctx context.Context) ([]*model.Streamer, error)

	// --- Streams ---
	FindOrCreateLiveStream(ctx context.Context, streamerID int64, startedAt time.Time, twitchStreamID, title, category, language string) (*model.Stream, bool, error)
	EndStream(ctx context.Context, streamID int64, endedAt time.Time) (*model.Stream, error)
	GetStream(ctx context.Context, id int64) (*model.Stream, error)
	GetLiveStream(ctx context.Context, streamerID int64) (*model.Stream, error)
	UpdateStream(ctx context.Context, id int64, fn func(*model.Stream) error) (*model.Stream, error)
	RecentStreamsByStreamer(ctx context.Context, streamerID int64) ([]*model.Stream, error)
	AppendStreamEvent(ctx context.Context, streamID int64, e *model.StreamEvent) error
	StreamEvents(ctx context.Context, streamID int64) ([]*model.StreamEvent, error)
	EpisodeNumber(ctx context.Context, streamerID int64, year int, month time.Month) (int, error)

	// --- Recordings ---
	CreateRecording(ctx context.Context, streamID int64, startTime time.Time, path string) (*model.Recording, error)
	UpdateRecording(ctx context.Context, id int64, fields RecordingFields) (*model.Recording, error)
	GetRecording(ctx context.Context, id int64) (*model.Recording, error)
	ListOrphanedRecordings(ctx context.Context) ([]*model.Recording, error)
	ActiveRecordingCount(ctx context.Context) (int, error)

	// --- Processing state ---
	SetProcessingStep(ctx context.Context, recordingID int64, step string, status model.StepStatus, lastError string) (*model.ProcessingState, error)
	GetProcessingState(ctx context.Context, recordingID int64) (*model.ProcessingState, error)

	// --- Metadata ---
	PutStreamMetadata(ctx context.Context, m *model.StreamMetadata) error
	GetStreamMetadata(ctx context.Context, streamID int64) (*model.StreamMetadata, error)

	Close() error
}
