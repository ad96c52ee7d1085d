// Package model defines the core entities of the recording domain: Streamer, Stream,
// StreamEvent, Recording, RecordingProcessingState and StreamMetadata. These
// are design types, not a schema — persistence is the Stream Store's
// concern (internal/store).
package model

import "time"

// RecordingStatus is the lifecycle status of a single capture attempt.
type RecordingStatus string

const (
	RecordingStatusRecording RecordingStatus = "recording"
	RecordingStatusCompleted RecordingStatus = "completed"
	RecordingStatusFailed    RecordingStatus = "failed"
	RecordingStatusCancelled RecordingStatus = "cancelled"
)

// StepStatus is the status of one RecordingProcessingState step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether a step status will no longer change.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// EventType enumerates the StreamEvent kinds used as chapter boundaries.
type EventType string

const (
	EventOnline        EventType = "online"
	EventOffline       EventType = "offline"
	EventChannelUpdate EventType = "channel.update"
)

// Streamer is the identity of a broadcaster.
type Streamer struct {
	ID                int64
	TwitchID          string
	Login             string
	DisplayName       string
	ProfileImageURL   string
	LastTitle         string
	LastCategory      string
	LastLanguage      string
	IsLive            bool
	RecordingEnabled  bool
}

// Stream is one contiguous live session of a Streamer.
type Stream struct {
	ID              int64
	StreamerID      int64
	TwitchStreamID  string // empty for force-started sessions until assigned "force_<unix>"
	StartedAt       time.Time
	EndedAt         *time.Time
	Title           string
	Category        string
	Language        string
	RecordingPath   string
	EpisodeNumber   int
}

// IsLive reports whether the stream has not yet ended.
func (s *Stream) IsLive() bool { return s.EndedAt == nil }

// StreamEvent is a timestamped fact about a Stream, used for chapters.
type StreamEvent struct {
	ID        int64
	StreamID  int64
	Type      EventType
	Timestamp time.Time
	Title     string
	Category  string
}

// Recording is one attempt to capture a Stream to disk.
type Recording struct {
	ID        int64
	StreamID  int64
	StartTime time.Time
	EndTime   *time.Time
	Status    RecordingStatus
	Path      string // .ts intermediate path
	Duration  time.Duration
}

// ProcessingState tracks the six pipeline step statuses for a Recording.
type ProcessingState struct {
	RecordingID    int64
	Metadata       StepStatus
	Chapters       StepStatus
	MP4Remux       StepStatus
	MP4Validation  StepStatus
	Thumbnail      StepStatus
	Cleanup        StepStatus
	LastError      string
	UpdatedAt      time.Time
}

// Step returns the status of a named step; ok is false for unknown names.
func (p *ProcessingState) Step(name string) (StepStatus, bool) {
	switch name {
	case "metadata":
		return p.Metadata, true
	case "chapters":
		return p.Chapters, true
	case "mp4_remux":
		return p.MP4Remux, true
	case "mp4_validation":
		return p.MP4Validation, true
	case "thumbnail":
		return p.Thumbnail, true
	case "cleanup":
		return p.Cleanup, true
	}
	return "", false
}

// SetStep assigns the status of a named step; it is a no-op for unknown
// names so callers driven by task-kind strings stay defensive.
func (p *ProcessingState) SetStep(name string, status StepStatus) {
	switch name {
	case "metadata":
		p.Metadata = status
	case "chapters":
		p.Chapters = status
	case "mp4_remux":
		p.MP4Remux = status
	case "mp4_validation":
		p.MP4Validation = status
	case "thumbnail":
		p.Thumbnail = status
	case "cleanup":
		p.Cleanup = status
	}
}

// StreamMetadata holds the paths of generated artefacts for a Stream.
type StreamMetadata struct {
	StreamID         int64
	JSONPath         string
	EpisodeNFOPath   string
	ShowNFOPath      string
	SeasonNFOPath    string
	ChaptersVTTPath  string
	ChaptersSRTPath  string
	ChaptersFFPath   string
	ChaptersXMLPath  string
	ThumbnailPath    string
	MetadataEmbedded bool
}
