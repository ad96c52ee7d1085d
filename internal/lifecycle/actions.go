package lifecycle

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/coreerrors"
	"github.com/Serph91P/StreamVault-sub002/internal/eventsub"
	"github.com/Serph91P/StreamVault-sub002/internal/log"
	"github.com/Serph91P/StreamVault-sub002/internal/metrics"
	"github.com/Serph91P/StreamVault-sub002/internal/model"
	"github.com/Serph91P/StreamVault-sub002/internal/store"
	"github.com/Serph91P/StreamVault-sub002/internal/supervisor"
	"github.com/Serph91P/StreamVault-sub002/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// actionStartCapture creates/attaches the Stream, creates the Recording
// row, renders the destination path, and spawns the capture subprocess.
func (m *Manager) actionStartCapture(streamerID int64, ss *streamerState) func(context.Context, State, State, Event) error {
	return func(ctx context.Context, from, to State, event Event) error {
		ev := ss.pendingEvent
		if ev == nil {
			ev = &eventsub.Event{StartedAt: time.Now()}
		}
		forceStart := event == evForceStart

		cfg, err := m.config.Resolve(ctx, streamerID)
		if err != nil {
			m.releaseCapacitySlot()
			return coreerrors.Wrap(coreerrors.KindConfig, "resolve config", err)
		}

		startedAt := ev.StartedAt
		if startedAt.IsZero() {
			startedAt = time.Now()
		}
		twitchStreamID := ev.StreamID
		if forceStart && twitchStreamID == "" {
			twitchStreamID = fmt.Sprintf("force_%d", time.Now().Unix())
		}
		stream, _, err := m.store.FindOrCreateLiveStream(ctx, streamerID, startedAt, twitchStreamID, ev.Title, ev.CategoryName, ev.Language)
		if err != nil {
			m.releaseCapacitySlot()
			return coreerrors.Wrap(coreerrors.KindStreamNotFound, "find or create live stream", err)
		}

		relPath, err := m.paths.Render(ctx, cfg.FilenameTemplate, streamerID, stream, time.Now().UTC())
		if err != nil {
			m.releaseCapacitySlot()
			return coreerrors.Wrap(coreerrors.KindConfig, "render filename template", err)
		}
		tsPath := relPath + ".ts"
		if err := os.MkdirAll(filepath.Dir(tsPath), 0755); err != nil {
			m.releaseCapacitySlot()
			return coreerrors.Wrap(coreerrors.KindSpawn, "create destination directory", err)
		}

		recording, err := m.store.CreateRecording(ctx, stream.ID, startedAt, tsPath)
		if err != nil {
			m.releaseCapacitySlot()
			return coreerrors.Wrap(coreerrors.KindRecordingActive, "create recording", err)
		}

		login := ev.BroadcasterUserLogin
		if login == "" {
			if streamer, serr := m.store.GetStreamer(ctx, streamerID); serr == nil && streamer != nil {
				login = streamer.Login
			}
		}
		logPath := m.paths.CaptureLogPath(login, time.Now())
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			m.releaseCapacitySlot()
			return coreerrors.Wrap(coreerrors.KindSpawn, "create capture log directory", err)
		}
		spec, proxyUsed, err := buildCaptureSpec(cfg, m.captureBinPath, tsPath, logPath, login, forceStart)
		if err != nil {
			m.releaseCapacitySlot()
			return err
		}

		spawnCtx, span := telemetry.Tracer("lifecycle").Start(ctx, "lifecycle.capture_start")
		span.SetAttributes(telemetry.RecordingAttributes(streamerID, recording.ID)...)
		span.SetAttributes(attribute.Bool("streamvault.force", forceStart), attribute.Bool("streamvault.proxy", cfg.ProxyURL != ""))
		defer span.End()

		if cfg.ProxyURL != "" {
			if err := probeProxyReachable(spawnCtx, cfg.ProxyURL); err != nil {
				m.releaseCapacitySlot()
				_, _ = m.store.UpdateRecording(ctx, recording.ID, recordingFailed())
				span.RecordError(err)
				span.SetStatus(codes.Error, "proxy unreachable")
				return coreerrors.Wrap(coreerrors.KindProxyUnreachable, "proxy preflight probe failed", err)
			}
		}

		handle, err := m.supervisor.Spawn(spawnCtx, spec)
		if err != nil {
			m.releaseCapacitySlot()
			_, _ = m.store.UpdateRecording(ctx, recording.ID, recordingFailed())
			span.RecordError(err)
			span.SetStatus(codes.Error, "spawn failed")
			return err
		}
		span.SetStatus(codes.Ok, "")

		ss.mu.Lock()
		ss.streamID = stream.ID
		ss.recordingID = recording.ID
		ss.capturePath = tsPath
		ss.proxyUsed = proxyUsed
		ss.handle = handle
		ss.startedAt = time.Now()
		ss.mu.Unlock()

		startTimeout := cfg.StartTimeout
		if forceStart {
			startTimeout *= 2
		}
		if startTimeout <= 0 {
			startTimeout = 30 * time.Second
		}
		go m.watchStartup(streamerID, ss, handle, startTimeout)

		m.notifier.Notify("recording_started", map[string]any{
			"streamer_id":  streamerID,
			"stream_id":    stream.ID,
			"recording_id": recording.ID,
		})
		log.Activity().Info().
			Int64("streamer_id", streamerID).
			Int64("recording_id", recording.ID).
			Str("path", tsPath).
			Bool("force", forceStart).
			Msg("capture started")
		return nil
	}
}

// watchStartup resolves the Starting-state race: either the
// child produces ≥64 KiB of output, or 10 s elapse with it still running,
// or it exits early, or StartTimeout fires first.
func (m *Manager) watchStartup(streamerID int64, ss *streamerState, handle *supervisor.Handle, startTimeout time.Duration) {
	ctx := context.Background()
	exitCh := make(chan int, 1)
	go func() {
		code, _ := m.supervisor.Wait(ctx, handle)
		exitCh <- code
	}()

	thresholdTicker := time.NewTicker(500 * time.Millisecond)
	defer thresholdTicker.Stop()
	elapsedTimer := time.NewTimer(10 * time.Second)
	defer elapsedTimer.Stop()
	startTimeoutTimer := time.NewTimer(startTimeout)
	defer startTimeoutTimer.Stop()

	for {
		select {
		case <-exitCh:
			// Exit before the output threshold, clean or not: nothing
			// usable was captured.
			m.deliver(ctx, streamerID, evStartupFailed)
			return
		case <-elapsedTimer.C:
			m.deliver(ctx, streamerID, evOutputThreshold)
			return
		case <-startTimeoutTimer.C:
			_, _ = m.supervisor.Terminate(ctx, handle, 5*time.Second)
			m.deliver(ctx, streamerID, evStartTimeout)
			return
		case <-thresholdTicker.C:
			if info, err := os.Stat(ss.capturePath); err == nil && info.Size() >= OutputThresholdBytes {
				m.deliver(ctx, streamerID, evOutputThreshold)
				return
			}
		}
	}
}

// internalEventPatience bounds how long an internally generated event may
// wait for the transition that armed it to commit.
const internalEventPatience = 250 * time.Millisecond

// deliver hands an internally generated event to the streamer's machine
// via fireEventually, since such events can race the commit of the
// transition that armed them (a capture child exiting before Starting is
// committed, a termination completing before Stopping is).
func (m *Manager) deliver(ctx context.Context, streamerID int64, event Event) {
	ss := m.ensureMachine(streamerID)
	if _, err := ss.machine.fireEventually(ctx, event, internalEventPatience); err != nil {
		m.logger.Debug().Int64("streamer_id", streamerID).Str("event", string(event)).Err(err).Msg("internal lifecycle event dropped")
	}
}

func (m *Manager) actionEnterRecording(streamerID int64, ss *streamerState) func(context.Context, State, State, Event) error {
	return func(ctx context.Context, from, to State, event Event) error {
		ss.mu.Lock()
		recordingID := ss.recordingID
		ss.mu.Unlock()

		m.logger.Info().Int64("streamer_id", streamerID).Int64("recording_id", recordingID).Msg("recording active")
		go m.watchChildExit(streamerID, ss)

		if m.thumbs != nil {
			time.AfterFunc(m.thumbnailDelay, func() {
				bgCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if _, err := m.thumbs.FetchLivePreview(bgCtx, streamerID); err != nil {
					m.logger.Debug().Int64("streamer_id", streamerID).Err(err).Msg("live preview acquisition failed, will synthesise later")
				}
			})
		}
		return nil
	}
}

// watchChildExit fires evChildExited the moment the capture process exits
// while in Recording; the transition table routes this through Stopping
// regardless of exit reason, classified in actionChildExitedWhileRecording.
func (m *Manager) watchChildExit(streamerID int64, ss *streamerState) {
	ctx := context.Background()
	ss.mu.Lock()
	handle := ss.handle
	ss.mu.Unlock()
	if handle == nil {
		return
	}
	code, _ := m.supervisor.Wait(ctx, handle)
	ss.mu.Lock()
	ss.graceful = code == 0 || code == 130
	ss.mu.Unlock()
	m.deliver(ctx, streamerID, evChildExited)
}

func (m *Manager) actionStartupFailed(streamerID int64, ss *streamerState) func(context.Context, State, State, Event) error {
	return func(ctx context.Context, from, to State, event Event) error {
		ss.mu.Lock()
		recordingID := ss.recordingID
		ss.mu.Unlock()
		_, _ = m.store.UpdateRecording(ctx, recordingID, recordingFailed())
		metrics.RecordingFinished(string(model.RecordingStatusFailed))
		log.Activity().Warn().Int64("streamer_id", streamerID).Int64("recording_id", recordingID).Msg("capture failed during startup")
		m.notifier.Notify("toast", map[string]any{
			"level":        "error",
			"streamer_id":  streamerID,
			"recording_id": recordingID,
			"message":      "capture failed during startup",
		})
		m.releaseCapacitySlot()
		m.scheduleCooldown(streamerID)
		return nil
	}
}

func (m *Manager) actionStartTimeout(streamerID int64, ss *streamerState) func(context.Context, State, State, Event) error {
	return func(ctx context.Context, from, to State, event Event) error {
		ss.mu.Lock()
		recordingID := ss.recordingID
		ss.mu.Unlock()
		_, _ = m.store.UpdateRecording(ctx, recordingID, recordingFailed())
		metrics.RecordingFinished(string(model.RecordingStatusFailed))
		log.Activity().Warn().Int64("streamer_id", streamerID).Int64("recording_id", recordingID).Msg("capture produced no output before the start timeout")
		m.notifier.Notify("toast", map[string]any{
			"level":        "error",
			"streamer_id":  streamerID,
			"recording_id": recordingID,
			"message":      "capture start timed out",
		})
		m.releaseCapacitySlot()
		m.scheduleCooldown(streamerID)
		return nil
	}
}

func (m *Manager) actionRecordUpdate(streamerID int64, ss *streamerState) func(context.Context, State, State, Event) error {
	return func(ctx context.Context, from, to State, event Event) error {
		ev := ss.pendingEvent
		if ev == nil {
			return nil
		}
		ss.mu.Lock()
		streamID := ss.streamID
		ss.mu.Unlock()
		return m.store.AppendStreamEvent(ctx, streamID, &model.StreamEvent{
			Type:      model.EventChannelUpdate,
			Timestamp: time.Now(),
			Title:     ev.Title,
			Category:  ev.CategoryName,
		})
	}
}

func (m *Manager) actionBeginStop(streamerID int64, ss *streamerState, viaAPI bool) func(context.Context, State, State, Event) error {
	return func(ctx context.Context, from, to State, event Event) error {
		ss.mu.Lock()
		handle := ss.handle
		ss.mu.Unlock()
		if handle == nil {
			// No child to wait for; the termination event still has to come
			// from outside this action, which runs before Stopping commits.
			go m.deliver(context.Background(), streamerID, evTerminated)
			return nil
		}
		go func() {
			bgCtx := context.Background()
			graceful, _ := m.supervisor.Terminate(bgCtx, handle, 30*time.Second)
			ss.mu.Lock()
			ss.graceful = graceful
			ss.mu.Unlock()
			m.deliver(bgCtx, streamerID, evTerminated)
		}()
		return nil
	}
}

// actionChildExitedWhileRecording classifies the exit (graceful for exit
// code 0 or 130, the status of a child that handled SIGINT; error
// otherwise, including a child killed outright by a signal, which the
// supervisor reports as -1; the pipeline still runs in both cases if the
// capture file is large enough) and transitions to Stopping the same as
// an Offline-triggered stop.
func (m *Manager) actionChildExitedWhileRecording(streamerID int64, ss *streamerState) func(context.Context, State, State, Event) error {
	return func(ctx context.Context, from, to State, event Event) error {
		ss.mu.Lock()
		graceful := ss.graceful
		ss.mu.Unlock()
		if !graceful {
			m.logger.Warn().Int64("streamer_id", streamerID).Msg("capture process exited with an error")
		}
		// The child has already exited, so the "child terminated" condition
		// for Stopping is immediately true. Delivered from a goroutine: this
		// action runs before Stopping commits, and fire is not re-entrant.
		go m.deliver(context.Background(), streamerID, evTerminated)
		return nil
	}
}

// actionFinishStop ends the Stream, decides whether the captured file
// warrants running the pipeline, and enqueues the pipeline root
// accordingly.
func (m *Manager) actionFinishStop(streamerID int64, ss *streamerState) func(context.Context, State, State, Event) error {
	return func(ctx context.Context, from, to State, event Event) error {
		ss.mu.Lock()
		streamID := ss.streamID
		recordingID := ss.recordingID
		capturePath := ss.capturePath
		proxyUsed := ss.proxyUsed
		ss.mu.Unlock()

		if _, err := m.store.EndStream(ctx, streamID, time.Now()); err != nil {
			m.logger.Error().Err(err).Int64("stream_id", streamID).Msg("failed to end stream")
		}

		var size int64
		if info, err := os.Stat(capturePath); err == nil {
			size = info.Size()
		}

		if size >= MinCaptureFileBytes {
			status := model.RecordingStatusCompleted
			now := time.Now()
			_, _ = m.store.UpdateRecording(ctx, recordingID, recordingCompleted(&now, status))
			metrics.RecordingFinished(string(model.RecordingStatusCompleted))
			if m.queue != nil {
				if err := m.queue.EnqueueRoot(ctx, recordingID, streamID, proxyUsed); err != nil {
					m.logger.Error().Err(err).Int64("recording_id", recordingID).Msg("failed to enqueue pipeline root")
				}
			}
		} else {
			_, _ = m.store.UpdateRecording(ctx, recordingID, recordingFailed())
			metrics.RecordingFinished(string(model.RecordingStatusFailed))
		}
		log.Activity().Info().
			Int64("streamer_id", streamerID).
			Int64("recording_id", recordingID).
			Int64("bytes", size).
			Msg("capture stopped")

		m.notifier.Notify("recording_stopped", map[string]any{
			"streamer_id":  streamerID,
			"stream_id":    streamID,
			"recording_id": recordingID,
		})

		m.releaseCapacitySlot()
		m.scheduleCooldown(streamerID)
		return nil
	}
}

func (m *Manager) scheduleCooldown(streamerID int64) {
	ss := m.ensureMachine(streamerID)
	cfg, err := m.config.Resolve(context.Background(), streamerID)
	cooldown := 30 * time.Second
	if err == nil && cfg.CooldownDuration > 0 {
		cooldown = cfg.CooldownDuration
	}
	time.AfterFunc(cooldown, func() {
		m.cooldownElapsed(streamerID)
	})
	_ = ss
}

func recordingFailed() store.RecordingFields {
	status := model.RecordingStatusFailed
	return store.RecordingFields{Status: &status}
}

func recordingCompleted(endTime *time.Time, status model.RecordingStatus) store.RecordingFields {
	return store.RecordingFields{EndTime: endTime, Status: &status}
}

// buildCaptureSpec renders the capture command line. Values containing
// '=' or spaces are passed as a single token to avoid shell-split
// ambiguity in the child's argument parser.
func buildCaptureSpec(cfg EffectiveConfig, binPath, destPath, logPath, login string, forceStart bool) (supervisor.Spec, bool, error) {
	if login == "" {
		return supervisor.Spec{}, false, coreerrors.New(coreerrors.KindConfig, "missing streamer login for capture")
	}
	quality := cfg.Quality
	if quality == "" {
		quality = "best"
	}

	args := []string{
		"--twitch-disable-ads",
		"-o", destPath,
		fmt.Sprintf("https://twitch.tv/%s", login),
		quality,
	}

	if len(cfg.Codecs) > 0 {
		args = append(args, fmt.Sprintf("--twitch-supported-codecs=%s", strings.Join(cfg.Codecs, ",")))
	}
	// The authorization header value contains '=' and a space, so it must
	// be one token. An OAuth token unlocks authenticated
	// quality/codec tiers.
	if cfg.OAuthToken != "" {
		args = append(args, fmt.Sprintf("--twitch-api-header=Authorization=OAuth %s", cfg.OAuthToken))
	}

	proxyUsed := false
	if cfg.ProxyURL != "" {
		if strings.ContainsAny(cfg.ProxyURL, "= ") {
			args = append(args, fmt.Sprintf("--http-proxy=%s", cfg.ProxyURL))
		} else {
			args = append(args, "--http-proxy", cfg.ProxyURL)
		}
		proxyUsed = true
	}

	// Force starts tolerate difficult feeds with longer timeouts and more
	// retries.
	if forceStart {
		args = append(args, "--stream-timeout", "120", "--retry-max", "5")
	} else {
		args = append(args, "--stream-timeout", "60", "--retry-max", "3")
	}

	return supervisor.Spec{
		Path:    binPath,
		Args:    args,
		LogPath: logPath,
	}, proxyUsed, nil
}

// probeProxyReachable performs a pre-flight reachability check before
// spawning a capture through a configured proxy: a
// bounded TCP dial to the proxy host, so a dead proxy rejects the start
// early instead of burning the capture's startup window.
func probeProxyReachable(ctx context.Context, proxyURL string) error {
	if proxyURL == "" {
		return nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return err
	}
	return conn.Close()
}
