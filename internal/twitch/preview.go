package twitch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/layout"
	"github.com/Serph91P/StreamVault-sub002/internal/log"
	"github.com/Serph91P/StreamVault-sub002/internal/store"
	"github.com/rs/zerolog"
)

const previewURLTemplate = "https://static-cdn.jtvnw.net/previews-ttv/live_user_%s-%dx%d.jpg"

// PreviewFetcher acquires the live preview image scheduled by the lifecycle
// manager and parks it where the thumbnail task looks first. It
// implements lifecycle.ThumbnailFetcher.
type PreviewFetcher struct {
	Store      store.Store
	Layout     *layout.Service
	HTTPClient *http.Client
	logger     zerolog.Logger
}

func NewPreviewFetcher(st store.Store, svc *layout.Service) *PreviewFetcher {
	return &PreviewFetcher{
		Store:      st,
		Layout:     svc,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		logger:     log.WithComponent("preview"),
	}
}

// FetchLivePreview downloads the CDN preview for a streamer. A placeholder
// response (tiny body) is treated as failure so the pipeline falls back to
// frame extraction.
func (f *PreviewFetcher) FetchLivePreview(ctx context.Context, streamerID int64) ([]byte, error) {
	streamer, err := f.Store.GetStreamer(ctx, streamerID)
	if err != nil {
		return nil, err
	}

	// Cache-bust: the CDN refreshes previews every few minutes but serves
	// stale copies to repeated identical URLs.
	u := fmt.Sprintf(previewURLTemplate, strings.ToLower(streamer.Login), 1280, 720)
	u += fmt.Sprintf("?t=%d", time.Now().Unix())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("preview fetch returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
	if err != nil {
		return nil, err
	}
	if len(data) < 1024 {
		return nil, fmt.Errorf("preview too small (%d bytes), likely placeholder", len(data))
	}

	dst := f.Layout.PreviewPath(streamer.Login)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return nil, err
	}
	f.logger.Debug().Str("login", streamer.Login).Str("path", dst).Int("bytes", len(data)).Msg("live preview stored")
	return data, nil
}
