// Package recovery is the Recovery Coordinator: at boot,
// before EventSub traffic is accepted, it reconciles orphaned recordings,
// rehydrates the job queue and corrects stale live flags.
package recovery

import (
	"context"
	"os"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/log"
	"github.com/Serph91P/StreamVault-sub002/internal/model"
	"github.com/Serph91P/StreamVault-sub002/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// MinOrphanBytes is the capture size below which an orphan is failed
// rather than salvaged.
const MinOrphanBytes = 1024 * 1024

// Queue is the rehydration surface of the Background Job Queue.
type Queue interface {
	Load() error
	RehydrateRunning()
}

// Enqueuer submits the pipeline root for a salvaged orphan.
type Enqueuer interface {
	EnqueueRoot(ctx context.Context, recordingID, streamID int64, proxyUsed bool) error
}

// LiveProber asks Twitch which of the given user ids are currently
// live.
type LiveProber interface {
	LiveUserIDs(ctx context.Context, twitchIDs []string) (map[string]bool, error)
}

// SupervisorView reports whether a capture handle is still attached to a
// path; after a crash restart there are none, but an in-process restart of
// the coordinator must not steal live captures.
type SupervisorView interface {
	HasWriterFor(path string) bool
}

// Coordinator runs the three startup recovery steps.
type Coordinator struct {
	Store      store.Store
	Queue      Queue
	Pipeline   Enqueuer
	Prober     LiveProber
	Supervisor SupervisorView
	logger     zerolog.Logger

	orphanRetry chan int64
}

func New(st store.Store, q Queue, pipe Enqueuer, prober LiveProber, sup SupervisorView) *Coordinator {
	return &Coordinator{
		Store:       st,
		Queue:       q,
		Pipeline:    pipe,
		Prober:      prober,
		Supervisor:  sup,
		logger:      log.WithComponent("recovery"),
		orphanRetry: make(chan int64, 64),
	}
}

// Run executes startup recovery. It must complete before the EventSub
// dispatcher starts accepting notifications.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.recoverOrphans(ctx); err != nil {
		return err
	}
	if err := c.rehydrateQueue(); err != nil {
		return err
	}
	return c.reconcileLiveFlags(ctx)
}

// recoverOrphans implements step 1: salvage large orphaned captures into
// the pipeline, fail the rest.
func (c *Coordinator) recoverOrphans(ctx context.Context) error {
	orphans, err := c.Store.ListOrphanedRecordings(ctx)
	if err != nil {
		return err
	}
	for _, rec := range orphans {
		c.recoverOne(ctx, rec)
	}
	c.logger.Info().Int("orphans", len(orphans)).Msg("orphaned recording sweep complete")
	return nil
}

func (c *Coordinator) recoverOne(ctx context.Context, rec *model.Recording) {
	lg := c.logger.With().Int64("recording_id", rec.ID).Str("path", rec.Path).Logger()

	var size int64
	if info, err := os.Stat(rec.Path); err == nil {
		size = info.Size()
	}

	if size >= MinOrphanBytes && (c.Supervisor == nil || !c.Supervisor.HasWriterFor(rec.Path)) {
		now := time.Now()
		status := model.RecordingStatusCompleted
		if _, err := c.Store.UpdateRecording(ctx, rec.ID, store.RecordingFields{
			EndTime: &now,
			Status:  &status,
		}); err != nil {
			lg.Error().Err(err).Msg("failed to complete orphaned recording")
			return
		}
		if _, err := c.Store.EndStream(ctx, rec.StreamID, now); err != nil {
			lg.Warn().Err(err).Msg("failed to end stream of orphaned recording")
		}
		if err := c.Pipeline.EnqueueRoot(ctx, rec.ID, rec.StreamID, false); err != nil {
			lg.Error().Err(err).Msg("failed to enqueue pipeline for orphaned recording")
			return
		}
		lg.Info().Int64("bytes", size).Msg("orphaned recording salvaged into pipeline")
		return
	}

	status := model.RecordingStatusFailed
	if _, err := c.Store.UpdateRecording(ctx, rec.ID, store.RecordingFields{Status: &status}); err != nil {
		lg.Error().Err(err).Msg("failed to mark orphaned recording failed")
		return
	}
	lg.Info().Int64("bytes", size).Msg("orphaned recording marked failed")
}

// rehydrateQueue implements step 2.
func (c *Coordinator) rehydrateQueue() error {
	if c.Queue == nil {
		return nil
	}
	if err := c.Queue.Load(); err != nil {
		return err
	}
	c.Queue.RehydrateRunning()
	return nil
}

// reconcileLiveFlags implements step 3: every streamer that was flagged
// live at shutdown is probed against Twitch and corrected. Probes fan out
// with errgroup but a probe failure only logs; startup must not hang on
// Twitch availability.
func (c *Coordinator) reconcileLiveFlags(ctx context.Context) error {
	if c.Prober == nil {
		return nil
	}
	streamers, err := c.Store.ListStreamers(ctx)
	if err != nil {
		return err
	}

	var flagged []*model.Streamer
	var ids []string
	for _, s := range streamers {
		if s.IsLive {
			flagged = append(flagged, s)
			ids = append(ids, s.TwitchID)
		}
	}
	if len(flagged) == 0 {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	live, err := c.Prober.LiveUserIDs(probeCtx, ids)
	if err != nil {
		c.logger.Warn().Err(err).Msg("live-flag reconciliation probe failed, flags unchanged")
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, s := range flagged {
		if live[s.TwitchID] {
			continue
		}
		g.Go(func() error {
			_, err := c.Store.UpdateStreamer(gctx, s.ID, func(st *model.Streamer) error {
				st.IsLive = false
				return nil
			})
			if err != nil {
				c.logger.Warn().Err(err).Int64("streamer_id", s.ID).Msg("failed to clear stale live flag")
			}
			return nil
		})
	}
	_ = g.Wait()
	c.logger.Info().Int("flagged", len(flagged)).Msg("live-flag reconciliation complete")
	return nil
}

// OnCleanupComplete is signalled by the pipeline's cleanup task after a
// successful post-processing cleanup so abandoned recordings
// can be reclaimed promptly.
func (c *Coordinator) OnCleanupComplete(recordingID int64) {
	select {
	case c.orphanRetry <- recordingID:
	default:
	}
}

// RunOrphanRetries re-sweeps orphans whenever a cleanup completion is
// signalled. Runs for the life of the daemon.
func (c *Coordinator) RunOrphanRetries(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-c.orphanRetry:
			c.logger.Debug().Int64("recording_id", id).Msg("cleanup complete, re-sweeping orphans")
			if err := c.recoverOrphans(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("orphan re-sweep failed")
			}
		}
	}
}
