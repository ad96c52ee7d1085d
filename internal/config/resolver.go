package config

import (
	"context"
	"strconv"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/lifecycle"
	"github.com/Serph91P/StreamVault-sub002/internal/log"
	"github.com/rs/zerolog"
)

// DefaultResolveTTL is the resolver cache TTL.
const DefaultResolveTTL = 5 * time.Minute

// Resolver produces the effective per-streamer configuration by layering
// streamer overrides over globals over compiled defaults, with a short-TTL
// cache in front.
type Resolver struct {
	manager *Manager
	cache   effectiveCache
	ttl     time.Duration
	logger  zerolog.Logger
}

// NewResolver wires a Resolver to the settings manager. When redisAddr is
// non-empty the cache is shared via Redis, otherwise it is in-process; a
// failed Redis connection degrades to memory, matching the dedup fallback.
func NewResolver(m *Manager, redisAddr, redisPassword string, redisDB int) *Resolver {
	logger := log.WithComponent("config")
	var cache effectiveCache
	if redisAddr != "" {
		rc, err := newRedisEffectiveCache(redisAddr, redisPassword, redisDB, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("config cache: redis unavailable, using in-memory cache")
			cache = newMemoryEffectiveCache()
		} else {
			cache = rc
		}
	} else {
		cache = newMemoryEffectiveCache()
	}

	r := &Resolver{
		manager: m,
		cache:   cache,
		ttl:     DefaultResolveTTL,
		logger:  logger,
	}
	m.OnInvalidate(r.Invalidate)
	return r
}

// Resolve returns the effective configuration for one streamer.
func (r *Resolver) Resolve(ctx context.Context, streamerID int64) (Effective, error) {
	key := strconv.FormatInt(streamerID, 10)
	if eff, ok := r.cache.Get(ctx, key); ok {
		return eff, nil
	}

	s := r.manager.Current()
	eff := resolveLayers(s, streamerID)
	r.cache.Set(ctx, key, eff, r.ttl)
	return eff, nil
}

// Invalidate clears the cache; registered with the Manager so every
// settings write flushes resolved values.
func (r *Resolver) Invalidate() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r.cache.Clear(ctx)
}

// Close releases the cache backend.
func (r *Resolver) Close() error { return r.cache.Close() }

// resolveLayers performs the pure three-layer merge.
func resolveLayers(s Settings, streamerID int64) Effective {
	d := Defaults()

	eff := Effective{
		Enabled:          boolOr(s.Recording.Enabled, boolOr(d.Recording.Enabled, true)),
		Quality:          stringOr(s.Recording.Quality, d.Recording.Quality),
		SupportedCodecs:  sliceOr(s.Recording.SupportedCodecs, d.Recording.SupportedCodecs),
		FilenameTemplate: stringOr(s.Recording.FilenameTemplate, d.Recording.FilenameTemplate),
		ProxyHTTP:        s.Proxy.HTTP,
		ProxyHTTPS:       s.Proxy.HTTPS,
		MaxStreams:       s.Retention.MaxStreams,
		OAuthToken:       s.OAuthToken,

		MaxConcurrentRecordings: intOr(s.Recording.MaxConcurrent, d.Recording.MaxConcurrent),
		StartTimeout:            durOr(s.Recording.StartTimeout, d.Recording.StartTimeout),
		StoppingGrace:           durOr(s.Recording.StoppingGrace, d.Recording.StoppingGrace),
		Cooldown:                durOr(s.Recording.Cooldown, d.Recording.Cooldown),
	}

	ov, ok := s.Streamers[streamerID]
	if !ok {
		return eff
	}
	if ov.Enabled != nil {
		eff.Enabled = *ov.Enabled
	}
	eff.Quality = stringOr(ov.Quality, eff.Quality)
	eff.SupportedCodecs = sliceOr(ov.SupportedCodecs, eff.SupportedCodecs)
	eff.FilenameTemplate = stringOr(ov.FilenameTemplate, eff.FilenameTemplate)
	if ov.Proxy != nil {
		eff.ProxyHTTP = stringOr(ov.Proxy.HTTP, eff.ProxyHTTP)
		eff.ProxyHTTPS = stringOr(ov.Proxy.HTTPS, eff.ProxyHTTPS)
	}
	if ov.MaxStreams != nil {
		eff.MaxStreams = *ov.MaxStreams
	}
	eff.OAuthToken = stringOr(ov.OAuthToken, eff.OAuthToken)
	return eff
}

func boolOr(v *bool, fallback bool) bool {
	if v != nil {
		return *v
	}
	return fallback
}

func stringOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func sliceOr(v, fallback []string) []string {
	if len(v) > 0 {
		return v
	}
	return fallback
}

func intOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func durOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

// LifecycleAdapter narrows the Resolver to what the Recording Lifecycle
// Manager consumes (lifecycle.ConfigResolver).
type LifecycleAdapter struct {
	Resolver *Resolver
}

func (a LifecycleAdapter) Resolve(ctx context.Context, streamerID int64) (lifecycle.EffectiveConfig, error) {
	eff, err := a.Resolver.Resolve(ctx, streamerID)
	if err != nil {
		return lifecycle.EffectiveConfig{}, err
	}
	proxy := eff.ProxyHTTPS
	if proxy == "" {
		proxy = eff.ProxyHTTP
	}
	return lifecycle.EffectiveConfig{
		Enabled:                 eff.Enabled,
		Quality:                 eff.Quality,
		Codecs:                  eff.SupportedCodecs,
		ProxyURL:                proxy,
		FilenameTemplate:        eff.FilenameTemplate,
		OAuthToken:              eff.OAuthToken,
		MaxConcurrentRecordings: eff.MaxConcurrentRecordings,
		StartTimeout:            eff.StartTimeout,
		StoppingGrace:           eff.StoppingGrace,
		CooldownDuration:        eff.Cooldown,
	}, nil
}
