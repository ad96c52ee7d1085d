// Package lifecycle is the Recording Lifecycle Manager: a per-streamer
// state machine that starts and stops captures and hands finished
// recordings to the post-processing pipeline.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/coreerrors"
	"github.com/Serph91P/StreamVault-sub002/internal/eventsub"
	"github.com/Serph91P/StreamVault-sub002/internal/log"
	"github.com/Serph91P/StreamVault-sub002/internal/metrics"
	"github.com/Serph91P/StreamVault-sub002/internal/model"
	"github.com/Serph91P/StreamVault-sub002/internal/store"
	"github.com/Serph91P/StreamVault-sub002/internal/supervisor"
	"github.com/rs/zerolog"
)

type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateRecording State = "recording"
	StateStopping  State = "stopping"
	StateCooldown  State = "cooldown"
)

type Event string

const (
	evOnline          Event = "online"
	evForceStart      Event = "force_start"
	evOutputThreshold Event = "output_threshold"
	evStartupFailed   Event = "startup_failed"
	evStartTimeout    Event = "start_timeout"
	evUpdate          Event = "update"
	evOffline         Event = "offline"
	evForceStop       Event = "force_stop"
	evChildExited     Event = "child_exited"
	evTerminated      Event = "terminated"
	evCooldownElapsed Event = "cooldown_elapsed"
)

// OutputThresholdBytes is the minimum captured-bytes watermark that proves a
// capture is actually flowing.
const OutputThresholdBytes = 64 * 1024

// MinCaptureFileBytes is the minimum capture size that still warrants
// running the pipeline when the child exits.
const MinCaptureFileBytes = 1024 * 1024

// EffectiveConfig is the per-streamer resolved configuration the Config
// Resolver produces.
type EffectiveConfig struct {
	Enabled                 bool
	Quality                 string
	Codecs                  []string
	ProxyURL                string
	FilenameTemplate        string
	OAuthToken              string
	MaxConcurrentRecordings int
	StartTimeout            time.Duration
	StoppingGrace           time.Duration
	CooldownDuration        time.Duration
}

// ConfigResolver is the subset of the Config Resolver the lifecycle
// manager needs.
type ConfigResolver interface {
	Resolve(ctx context.Context, streamerID int64) (EffectiveConfig, error)
}

// PathRenderer is the subset of the File Layout Service needed to
// build a capture destination and its log file.
type PathRenderer interface {
	Render(ctx context.Context, template string, streamerID int64, stream *model.Stream, now time.Time) (string, error)
	CaptureLogPath(login string, ts time.Time) string
}

// Enqueuer hands a finished Recording's pipeline root to the Background Job
// Queue.
type Enqueuer interface {
	EnqueueRoot(ctx context.Context, recordingID, streamID int64, proxyUsed bool) error
}

// Notifier publishes lifecycle transitions to the Status Broadcaster.
type Notifier interface {
	Notify(eventType string, data any)
}

// ThumbnailFetcher acquires a live preview image on entering Recording.
// It is best-effort: failure here only means the pipeline will synthesise
// a thumbnail from the captured video later.
type ThumbnailFetcher interface {
	FetchLivePreview(ctx context.Context, streamerID int64) ([]byte, error)
}

// Manager is the collection of per-streamer machines plus the shared
// dependencies every transition's Action may need.
type Manager struct {
	store      store.Store
	config     ConfigResolver
	paths      PathRenderer
	supervisor *supervisor.Supervisor
	queue      Enqueuer
	notifier   Notifier
	thumbs     ThumbnailFetcher
	logger     zerolog.Logger

	mu          sync.Mutex
	streamers   map[int64]*streamerState
	activeCount int

	thumbnailDelay time.Duration
	captureBinPath string
}

type streamerState struct {
	mu      sync.Mutex
	machine *machine[State, Event]

	streamID     int64
	recordingID  int64
	capturePath  string
	proxyUsed    bool
	handle       *supervisor.Handle
	startedAt    time.Time
	cancel       context.CancelFunc
	pendingEvent *eventsub.Event
	graceful     bool
}

func New(st store.Store, cfg ConfigResolver, paths PathRenderer, sup *supervisor.Supervisor, q Enqueuer, notifier Notifier, thumbs ThumbnailFetcher) *Manager {
	return &Manager{
		store:          st,
		config:         cfg,
		paths:          paths,
		supervisor:     sup,
		queue:          q,
		notifier:       notifier,
		thumbs:         thumbs,
		logger:         log.WithComponent("lifecycle"),
		streamers:      make(map[int64]*streamerState),
		thumbnailDelay: 5 * time.Minute,
		captureBinPath: "streamlink",
	}
}

// SetCaptureBinary overrides the capture executable; it must be reachable
// on PATH or be an absolute path.
func (m *Manager) SetCaptureBinary(path string) {
	if path != "" {
		m.captureBinPath = path
	}
}

// SetThumbnailDelay overrides the live-preview acquisition delay.
func (m *Manager) SetThumbnailDelay(d time.Duration) {
	if d > 0 {
		m.thumbnailDelay = d
	}
}

var _ eventsub.LifecycleHandler = (*Manager)(nil)

// buildMachine constructs a fresh machine whose Guard/Action closures are
// bound to this particular streamerID, since the generic machine carries no
// per-instance payload of its own.
func (m *Manager) buildMachine(streamerID int64, ss *streamerState) *machine[State, Event] {
	transitions := []transition[State, Event]{
		{
			From: StateIdle, Event: evOnline,
			To:    StateStarting,
			Guard: m.guardCapacityAndEnabled(streamerID, false),
			Action: m.actionStartCapture(streamerID, ss),
		},
		{
			From: StateIdle, Event: evForceStart,
			To:    StateStarting,
			Guard: m.guardCapacityAndEnabled(streamerID, true),
			Action: m.actionStartCapture(streamerID, ss),
		},
		{
			From: StateStarting, Event: evOutputThreshold,
			To:     StateRecording,
			Action: m.actionEnterRecording(streamerID, ss),
		},
		{
			From: StateStarting, Event: evStartupFailed,
			To:     StateCooldown,
			Action: m.actionStartupFailed(streamerID, ss),
		},
		{
			From: StateStarting, Event: evStartTimeout,
			To:     StateCooldown,
			Action: m.actionStartTimeout(streamerID, ss),
		},
		{
			From: StateRecording, Event: evUpdate,
			To:     StateRecording,
			Action: m.actionRecordUpdate(streamerID, ss),
		},
		{
			From: StateRecording, Event: evOffline,
			To:     StateStopping,
			Action: m.actionBeginStop(streamerID, ss, false),
		},
		{
			From: StateRecording, Event: evForceStop,
			To:     StateStopping,
			Action: m.actionBeginStop(streamerID, ss, true),
		},
		{
			From: StateRecording, Event: evChildExited,
			To:     StateStopping,
			Action: m.actionChildExitedWhileRecording(streamerID, ss),
		},
		{
			From: StateStopping, Event: evTerminated,
			To:     StateCooldown,
			Action: m.actionFinishStop(streamerID, ss),
		},
		{
			From: StateCooldown, Event: evCooldownElapsed,
			To: StateIdle,
		},
	}
	mc, err := newMachine(StateIdle, transitions)
	if err != nil {
		panic(fmt.Sprintf("lifecycle: invalid transition table: %v", err))
	}
	return mc
}

func (m *Manager) ensureMachine(streamerID int64) *streamerState {
	m.mu.Lock()
	ss, ok := m.streamers[streamerID]
	if ok {
		m.mu.Unlock()
		return ss
	}
	ss = &streamerState{}
	m.streamers[streamerID] = ss
	m.mu.Unlock()
	ss.machine = m.buildMachine(streamerID, ss)
	return ss
}

func (m *Manager) fire(ctx context.Context, streamerID int64, event Event) error {
	ss := m.ensureMachine(streamerID)
	_, err := ss.machine.fire(ctx, event)
	return err
}

// Online implements eventsub.LifecycleHandler.
func (m *Manager) Online(ctx context.Context, streamerID int64, ev eventsub.Event) {
	ss := m.ensureMachine(streamerID)
	ss.pendingEvent = &ev
	if err := m.fire(ctx, streamerID, evOnline); err != nil {
		m.logger.Debug().Int64("streamer_id", streamerID).Err(err).Msg("online event rejected by state machine")
	}
}

// Offline implements eventsub.LifecycleHandler.
func (m *Manager) Offline(ctx context.Context, streamerID int64, ev eventsub.Event) {
	if err := m.fire(ctx, streamerID, evOffline); err != nil {
		m.logger.Debug().Int64("streamer_id", streamerID).Err(err).Msg("offline event rejected by state machine")
	}
}

// Update implements eventsub.LifecycleHandler. While Idle it only touches
// streamer metadata; no recordings are created.
func (m *Manager) Update(ctx context.Context, streamerID int64, ev eventsub.Event) {
	ss := m.ensureMachine(streamerID)
	if ss.machine.State() == StateIdle {
		_, _ = m.store.UpdateStreamer(ctx, streamerID, func(s *model.Streamer) error {
			s.LastTitle = ev.Title
			s.LastCategory = ev.CategoryName
			s.LastLanguage = ev.Language
			return nil
		})
		return
	}
	ss.pendingEvent = &ev
	if err := m.fire(ctx, streamerID, evUpdate); err != nil {
		m.logger.Debug().Int64("streamer_id", streamerID).Err(err).Msg("update event rejected by state machine")
	}
}

// ForceStart bypasses config.enabled for this session only.
func (m *Manager) ForceStart(ctx context.Context, streamerID int64, ev eventsub.Event) error {
	ss := m.ensureMachine(streamerID)
	ss.pendingEvent = &ev
	return m.fire(ctx, streamerID, evForceStart)
}

// ForceStop is the API-triggered equivalent of Offline.
func (m *Manager) ForceStop(ctx context.Context, streamerID int64) error {
	return m.fire(ctx, streamerID, evForceStop)
}

// cooldownElapsed is invoked by the per-streamer cooldown timer started in
// scheduleCooldown.
func (m *Manager) cooldownElapsed(streamerID int64) {
	ctx := context.Background()
	if err := m.fire(ctx, streamerID, evCooldownElapsed); err != nil {
		m.logger.Warn().Int64("streamer_id", streamerID).Err(err).Msg("cooldown transition failed")
	}
}

// --- Guards ---

func (m *Manager) guardCapacityAndEnabled(streamerID int64, bypassEnabled bool) func(context.Context, State, Event) error {
	return func(ctx context.Context, from State, event Event) error {
		cfg, err := m.config.Resolve(ctx, streamerID)
		if err != nil {
			return coreerrors.Wrap(coreerrors.KindConfig, "resolve effective config", err)
		}
		if !bypassEnabled && !cfg.Enabled {
			return coreerrors.New(coreerrors.KindConfig, "recording disabled for streamer")
		}

		maxConcurrent := cfg.MaxConcurrentRecordings
		if maxConcurrent <= 0 {
			maxConcurrent = 8
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.activeCount >= maxConcurrent {
			m.logger.Warn().Int64("streamer_id", streamerID).Int("active", m.activeCount).Msg("rejecting recording start: global concurrency limit reached")
			return coreerrors.New(coreerrors.KindRecordingActive, "max concurrent recordings reached")
		}
		m.activeCount++
		metrics.RecordingsActiveSet(m.activeCount)
		return nil
	}
}

func (m *Manager) releaseCapacitySlot() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeCount > 0 {
		m.activeCount--
	}
	metrics.RecordingsActiveSet(m.activeCount)
}
