package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/broadcast"
	"github.com/Serph91P/StreamVault-sub002/internal/config"
	"github.com/Serph91P/StreamVault-sub002/internal/dedup"
	"github.com/Serph91P/StreamVault-sub002/internal/eventsub"
	"github.com/Serph91P/StreamVault-sub002/internal/layout"
	"github.com/Serph91P/StreamVault-sub002/internal/lifecycle"
	"github.com/Serph91P/StreamVault-sub002/internal/log"
	"github.com/Serph91P/StreamVault-sub002/internal/pipeline"
	"github.com/Serph91P/StreamVault-sub002/internal/queue"
	"github.com/Serph91P/StreamVault-sub002/internal/recovery"
	"github.com/Serph91P/StreamVault-sub002/internal/store"
	"github.com/Serph91P/StreamVault-sub002/internal/streamers"
	"github.com/Serph91P/StreamVault-sub002/internal/supervisor"
	"github.com/Serph91P/StreamVault-sub002/internal/telemetry"
	"github.com/Serph91P/StreamVault-sub002/internal/twitch"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// shutdownDeadline bounds the graceful drain of in-flight pipeline tasks
// before children are force-terminated.
const shutdownDeadline = 2 * time.Minute

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the recording daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "/etc/streamvault/settings.yaml", "path to the settings file")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the settings file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath); err != nil {
				return err
			}
			fmt.Println("settings ok")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "/etc/streamvault/settings.yaml", "path to the settings file")
	return cmd
}

// pipelineEnqueuer adapts the pipeline's DAG submission to the narrow
// interface the lifecycle manager and recovery coordinator consume.
type pipelineEnqueuer struct {
	q *queue.Queue
}

func (p pipelineEnqueuer) EnqueueRoot(ctx context.Context, recordingID, streamID int64, proxyUsed bool) error {
	return pipeline.EnqueueRoot(ctx, p.q, recordingID, streamID, proxyUsed)
}

// retentionAdapter narrows the config resolver to the cleanup task's need.
type retentionAdapter struct {
	resolver *config.Resolver
}

func (r retentionAdapter) MaxStreams(ctx context.Context, streamerID int64) int {
	eff, err := r.resolver.Resolve(ctx, streamerID)
	if err != nil {
		return 0
	}
	return eff.MaxStreams
}

// snapshotSource feeds the broadcaster's periodic snapshots from the store
// and the queue.
type snapshotSource struct {
	store store.Store
	queue *queue.Queue
}

func (s snapshotSource) ActiveRecordingsSnapshot(ctx context.Context) (any, error) {
	recs, err := s.store.ListOrphanedRecordings(ctx)
	if err != nil {
		return nil, err
	}
	type activeRecording struct {
		RecordingID int64  `json:"recording_id"`
		StreamID    int64  `json:"stream_id"`
		Streamer    string `json:"streamer"`
		StartedAt   string `json:"started_at"`
		Path        string `json:"path"`
	}
	out := make([]activeRecording, 0, len(recs))
	for _, r := range recs {
		a := activeRecording{
			RecordingID: r.ID,
			StreamID:    r.StreamID,
			StartedAt:   r.StartTime.UTC().Format(time.RFC3339),
			Path:        r.Path,
		}
		if stream, err := s.store.GetStream(ctx, r.StreamID); err == nil && stream != nil {
			if streamer, err := s.store.GetStreamer(ctx, stream.StreamerID); err == nil && streamer != nil {
				a.Streamer = streamer.Login
			}
		}
		out = append(out, a)
	}
	return map[string]any{"recordings": out}, nil
}

func (s snapshotSource) QueueStatsSnapshot() any {
	st := s.queue.Stats()
	return map[string]any{
		"queued":    st.Queued,
		"running":   st.Running,
		"succeeded": st.Succeeded,
		"failed":    st.Failed,
	}
}

func serve(ctx context.Context, configPath string) error {
	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}

	svc := layout.NewService(settings.RecordingsRoot, settings.LogsRoot)
	for _, dir := range []string{settings.RecordingsRoot, settings.LogsRoot, settings.DataDir, filepath.Dir(svc.ActivityLogPath())} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	activityLog, err := os.OpenFile(svc.ActivityLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open activity log: %w", err)
	}
	defer func() { _ = activityLog.Close() }()

	log.Configure(log.Config{
		Level:       settings.LogLevel,
		Service:     "streamvault",
		ActivityLog: activityLog,
	})
	logger := log.WithComponent("daemon")
	logger.Info().Str("version", version).Str("config", configPath).Msg("starting streamvaultd")

	// Install the tracer provider before anything creates spans; with no
	// collector configured this is a no-op provider.
	traceCfg := telemetry.ConfigFromEnv("streamvault", version)
	traceProvider, err := telemetry.NewProvider(ctx, traceCfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := traceProvider.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("trace provider shutdown failed")
		}
	}()
	if traceCfg.Enabled {
		logger.Info().Str("endpoint", traceCfg.Endpoint).Str("protocol", traceCfg.ExporterType).Msg("otlp trace export enabled")
	}

	manager := config.NewManager(settings, configPath)
	resolver := config.NewResolver(manager, settings.RedisAddr, settings.RedisPassword, settings.RedisDB)
	defer func() { _ = resolver.Close() }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := manager.Watch(runCtx); err != nil {
		logger.Warn().Err(err).Msg("settings hot reload unavailable")
	}

	st, err := store.OpenBoltStore(filepath.Join(settings.DataDir, "streamvault.db"))
	if err != nil {
		return fmt.Errorf("open stream store: %w", err)
	}
	defer func() { _ = st.Close() }()

	dd := dedup.New(settings.RedisAddr, settings.RedisPassword, settings.RedisDB, log.WithComponent("dedup"))
	defer func() { _ = dd.Close() }()

	sup := supervisor.New()
	broadcaster := broadcast.New()
	defer broadcaster.CloseAll()

	q, err := queue.New(queue.Config{
		DB:           st.DB(),
		Workers:      4,
		KindCaps:     pipeline.DefaultKindCaps,
		ProgressSink: broadcaster,
	})
	if err != nil {
		return fmt.Errorf("init job queue: %w", err)
	}

	twitchClient := twitch.NewClient(twitch.Options{
		ClientID:     settings.Twitch.ClientID,
		ClientSecret: settings.Twitch.ClientSecret,
	})
	previews := twitch.NewPreviewFetcher(st, svc)

	enqueuer := pipelineEnqueuer{q: q}

	handlers := pipeline.NewHandlers(st, sup, broadcaster, svc)
	handlers.FFmpegPath = settings.FFmpegBin
	handlers.FFprobePath = settings.FFprobeBin
	handlers.Retention = retentionAdapter{resolver: resolver}
	handlers.Queue = q
	handlers.RegisterAll(q)

	coordinator := recovery.New(st, q, enqueuer, twitchClient, sup)
	handlers.Cleanups = coordinator

	lm := lifecycle.New(st, config.LifecycleAdapter{Resolver: resolver}, layout.NewRenderer(svc, st), sup, enqueuer, broadcaster, previews)
	lm.SetCaptureBinary(settings.CaptureBin)

	dispatcher := eventsub.New(st, dd, lm)
	registry := streamers.New(st, twitchClient, settings.Twitch.CallbackURL, settings.Twitch.WebhookSecret)

	// Recovery completes before EventSub traffic is accepted.
	if err := coordinator.Run(runCtx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	q.Start(runCtx)
	go coordinator.RunOrphanRetries(runCtx)
	go broadcaster.RunPeriodicSnapshots(runCtx, snapshotSource{store: st, queue: q}, 10*time.Second)
	go pruneLogsLoop(runCtx, svc)

	mux := http.NewServeMux()
	mux.Handle("/ws", broadcaster)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/webhook/eventsub", webhookHandler(manager, dispatcher))
	registerAdminRoutes(mux, registry, lm)

	server := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           otelhttp.NewHandler(mux, "streamvaultd.http"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", settings.ListenAddr).Msg("http listener up")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("http listener failed")
	case <-runCtx.Done():
	}

	// Graceful drain: stop intake, wait for in-flight pipeline tasks up to
	// the deadline, then force-terminate children.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	stopped := make(chan struct{})
	go func() {
		q.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("pipeline drain deadline reached")
	}
	cancel()
	sup.TerminateAll(context.Background(), 30*time.Second)
	logger.Info().Msg("shutdown complete")
	return nil
}

func pruneLogsLoop(ctx context.Context, svc *layout.Service) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := svc.PruneLogs(time.Now()); err != nil {
				logger := log.WithComponent("daemon")
				logger.Warn().Err(err).Msg("log retention prune failed")
			}
		}
	}
}

// eventsubEnvelope is the raw webhook body.
type eventsubEnvelope struct {
	Challenge    string `json:"challenge"`
	Subscription struct {
		Type string `json:"type"`
	} `json:"subscription"`
	Event struct {
		ID                   string `json:"id"`
		BroadcasterUserID    string `json:"broadcaster_user_id"`
		BroadcasterUserLogin string `json:"broadcaster_user_login"`
		BroadcasterUserName  string `json:"broadcaster_user_name"`
		Title                string `json:"title"`
		CategoryName         string `json:"category_name"`
		Language             string `json:"language"`
		StartedAt            string `json:"started_at"`
	} `json:"event"`
}

// webhookHandler verifies the HMAC, echoes challenges and
// hands notifications to the dispatcher.
func webhookHandler(manager *config.Manager, dispatcher *eventsub.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		secret := manager.Current().Twitch.WebhookSecret
		if err := eventsub.VerifySignature(
			secret,
			r.Header.Get(eventsub.HeaderMessageID),
			r.Header.Get(eventsub.HeaderMessageTimestamp),
			body,
			r.Header.Get(eventsub.HeaderMessageSignature),
		); err != nil {
			http.Error(w, "signature mismatch", http.StatusForbidden)
			return
		}

		var env eventsubEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}

		switch r.Header.Get(eventsub.HeaderMessageType) {
		case eventsub.MessageTypeVerification:
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(env.Challenge))
			return
		case eventsub.MessageTypeRevocation:
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt, _ := time.Parse(time.RFC3339, env.Event.StartedAt)
		payload := eventsub.Payload{
			MessageID: r.Header.Get(eventsub.HeaderMessageID),
			Type:      eventsub.SubscriptionType(env.Subscription.Type),
			Event: eventsub.Event{
				StreamID:             env.Event.ID,
				BroadcasterUserID:    env.Event.BroadcasterUserID,
				BroadcasterUserLogin: env.Event.BroadcasterUserLogin,
				BroadcasterUserName:  env.Event.BroadcasterUserName,
				Title:                env.Event.Title,
				CategoryName:         env.Event.CategoryName,
				Language:             env.Event.Language,
				StartedAt:            startedAt,
			},
		}
		if err := dispatcher.Dispatch(r.Context(), payload); err != nil {
			http.Error(w, "dispatch failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
