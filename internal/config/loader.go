package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"sync"

	"github.com/Serph91P/StreamVault-sub002/internal/coreerrors"
	"github.com/Serph91P/StreamVault-sub002/internal/log"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Load reads the settings file, merges it over Defaults, applies
// environment overrides and validates the result. A missing file is not an
// error: defaults plus environment apply.
func Load(path string) (Settings, error) {
	s := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// first boot, file written on first settings change
		case err != nil:
			return s, fmt.Errorf("read settings %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &s); err != nil {
				return s, coreerrors.Wrap(coreerrors.KindConfig, "parse settings yaml", err)
			}
		}
	}

	applyEnv(&s)

	if err := Validate(s); err != nil {
		return s, err
	}
	return s, nil
}

func applyEnv(s *Settings) {
	if v := os.Getenv("STREAMVAULT_RECORDINGS_ROOT"); v != "" {
		s.RecordingsRoot = v
	}
	if v := os.Getenv("STREAMVAULT_LOGS_ROOT"); v != "" {
		s.LogsRoot = v
	}
	if v := os.Getenv("STREAMVAULT_DATA_DIR"); v != "" {
		s.DataDir = v
	}
	if v := os.Getenv("STREAMVAULT_LISTEN_ADDR"); v != "" {
		s.ListenAddr = v
	}
	if v := os.Getenv("STREAMVAULT_LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		s.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		s.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.RedisDB = n
		}
	}
	if v := os.Getenv("TWITCH_CLIENT_ID"); v != "" {
		s.Twitch.ClientID = v
	}
	if v := os.Getenv("TWITCH_CLIENT_SECRET"); v != "" {
		s.Twitch.ClientSecret = v
	}
	if v := os.Getenv("TWITCH_WEBHOOK_SECRET"); v != "" {
		s.Twitch.WebhookSecret = v
	}
}

// Validate rejects malformed settings before they can reach a capture
// start; the error surfaces to the caller of the write.
func Validate(s Settings) error {
	if err := validateProxyURL(s.Proxy.HTTP); err != nil {
		return err
	}
	if err := validateProxyURL(s.Proxy.HTTPS); err != nil {
		return err
	}
	for id, ov := range s.Streamers {
		if ov.Proxy == nil {
			continue
		}
		if err := validateProxyURL(ov.Proxy.HTTP); err != nil {
			return coreerrors.Wrap(coreerrors.KindConfig, fmt.Sprintf("streamer %d proxy", id), err)
		}
		if err := validateProxyURL(ov.Proxy.HTTPS); err != nil {
			return coreerrors.Wrap(coreerrors.KindConfig, fmt.Sprintf("streamer %d proxy", id), err)
		}
	}
	if s.Retention.MaxStreams < 0 {
		return coreerrors.New(coreerrors.KindConfig, "retention.max_streams must be >= 0")
	}
	return nil
}

// validateProxyURL requires proxy URLs to start with http:// or https://.
func validateProxyURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return coreerrors.Wrap(coreerrors.KindConfig, "malformed proxy url", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return coreerrors.New(coreerrors.KindConfig, fmt.Sprintf("proxy url %q must start with http:// or https://", raw))
	}
	if u.Host == "" {
		return coreerrors.New(coreerrors.KindConfig, fmt.Sprintf("proxy url %q has no host", raw))
	}
	return nil
}

// Manager holds the current settings and serialises writes back to disk.
// Every successful write invalidates the resolver cache, so resolved
// values never outlive a settings change.
type Manager struct {
	mu       sync.RWMutex
	settings Settings
	path     string
	logger   zerolog.Logger

	invalidators []func()
}

func NewManager(initial Settings, path string) *Manager {
	return &Manager{
		settings: initial,
		path:     path,
		logger:   log.WithComponent("config"),
	}
}

// Current returns a copy of the active settings.
func (m *Manager) Current() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// OnInvalidate registers a callback fired after every settings change.
func (m *Manager) OnInvalidate(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidators = append(m.invalidators, fn)
}

// Update applies fn to a copy of the settings, validates, persists the
// result atomically and swaps it in.
func (m *Manager) Update(fn func(*Settings) error) error {
	m.mu.Lock()
	next := m.settings
	if next.Streamers != nil {
		cloned := make(map[int64]StreamerOverride, len(next.Streamers))
		for k, v := range next.Streamers {
			cloned[k] = v
		}
		next.Streamers = cloned
	}
	if err := fn(&next); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := Validate(next); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.path != "" {
		data, err := yaml.Marshal(next)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("marshal settings: %w", err)
		}
		if err := renameio.WriteFile(m.path, data, 0o644); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("write settings: %w", err)
		}
	}
	m.settings = next
	fns := append([]func(){}, m.invalidators...)
	m.mu.Unlock()

	for _, f := range fns {
		f()
	}
	return nil
}

// Replace swaps in externally loaded settings (hot reload path) and fires
// the invalidation callbacks.
func (m *Manager) Replace(next Settings) {
	m.mu.Lock()
	m.settings = next
	fns := append([]func(){}, m.invalidators...)
	m.mu.Unlock()
	for _, f := range fns {
		f()
	}
}
