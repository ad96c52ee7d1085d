package layout

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/model"
	"github.com/Serph91P/StreamVault-sub002/internal/store"
)

// Renderer resolves a streamer's login before rendering, producing the
// absolute capture path the lifecycle manager writes to. It implements
// lifecycle.PathRenderer.
type Renderer struct {
	Service *Service
	Store   store.Store
}

func NewRenderer(svc *Service, st store.Store) *Renderer {
	return &Renderer{Service: svc, Store: st}
}

// Render produces the absolute destination path (without extension) for a
// stream, assigning the monthly episode number if the stream does not carry
// one yet.
func (r *Renderer) Render(ctx context.Context, template string, streamerID int64, stream *model.Stream, now time.Time) (string, error) {
	streamer, err := r.Store.GetStreamer(ctx, streamerID)
	if err != nil {
		return "", err
	}

	if stream.EpisodeNumber == 0 {
		ep, err := r.Store.EpisodeNumber(ctx, streamerID, stream.StartedAt.Year(), stream.StartedAt.Month())
		if err != nil {
			return "", err
		}
		stream.EpisodeNumber = ep
		if _, err := r.Store.UpdateStream(ctx, stream.ID, func(s *model.Stream) error {
			s.EpisodeNumber = ep
			return nil
		}); err != nil {
			return "", err
		}
	}

	rel, err := Render(ResolveTemplate(template), VarsFor(streamer.Login, stream, now))
	if err != nil {
		return "", err
	}
	return r.Service.CapturePath(rel), nil
}

// CaptureLogPath delegates to the Service's log layout so the lifecycle
// manager can place streamlink logs without holding the Service directly.
func (r *Renderer) CaptureLogPath(login string, ts time.Time) string {
	return r.Service.CaptureLogPath(login, ts)
}

// Log retention windows: per-streamer capture/converter logs are
// kept 14 days, system logs 30 days.
const (
	StreamerLogRetention = 14 * 24 * time.Hour
	SystemLogRetention   = 30 * 24 * time.Hour
)

// PruneLogs removes expired log files under the logs root. Called from the
// daemon's housekeeping loop.
func (s *Service) PruneLogs(now time.Time) error {
	prune := func(dir string, retention time.Duration) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if now.Sub(info.ModTime()) > retention {
				_ = os.Remove(filepath.Join(dir, e.Name()))
			}
		}
		return nil
	}

	if err := prune(filepath.Join(s.LogsRoot, "streamlink"), StreamerLogRetention); err != nil {
		return err
	}
	if err := prune(filepath.Join(s.LogsRoot, "ffmpeg"), StreamerLogRetention); err != nil {
		return err
	}
	return prune(filepath.Join(s.LogsRoot, "app"), SystemLogRetention)
}
