package config

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

func TestResolveLayers_StreamerOverridesWin(t *testing.T) {
	s := Defaults()
	s.Recording.Quality = "1080p60"
	s.Proxy.HTTP = "http://global-proxy:3128"
	s.Retention.MaxStreams = 10
	s.Streamers = map[int64]StreamerOverride{
		7: {
			Enabled:    boolPtr(false),
			Quality:    "720p",
			MaxStreams: intPtr(3),
			Proxy:      &ProxySettings{HTTP: "http://alice-proxy:3128"},
			OAuthToken: "alice-token",
		},
	}

	eff := resolveLayers(s, 7)
	assert.False(t, eff.Enabled)
	assert.Equal(t, "720p", eff.Quality)
	assert.Equal(t, "http://alice-proxy:3128", eff.ProxyHTTP)
	assert.Equal(t, 3, eff.MaxStreams)
	assert.Equal(t, "alice-token", eff.OAuthToken)

	// A streamer without overrides falls through to the global layer.
	other := resolveLayers(s, 8)
	assert.True(t, other.Enabled)
	assert.Equal(t, "1080p60", other.Quality)
	assert.Equal(t, "http://global-proxy:3128", other.ProxyHTTP)
	assert.Equal(t, 10, other.MaxStreams)
}

func TestResolveLayers_CompiledDefaultsBottomLayer(t *testing.T) {
	var s Settings // all-zero globals
	eff := resolveLayers(s, 1)
	assert.Equal(t, "best", eff.Quality)
	assert.Equal(t, "default", eff.FilenameTemplate)
	assert.Equal(t, 8, eff.MaxConcurrentRecordings)
	assert.Equal(t, 30*time.Second, eff.StartTimeout)
}

func TestValidate_ProxyScheme(t *testing.T) {
	s := Defaults()
	s.Proxy.HTTP = "socks5://nope:1080"
	assert.Error(t, Validate(s))

	s.Proxy.HTTP = "http://ok:3128"
	assert.NoError(t, Validate(s))

	s.Proxy.HTTP = ""
	s.Streamers = map[int64]StreamerOverride{
		4: {Proxy: &ProxySettings{HTTPS: "ftp://bad"}},
	}
	assert.Error(t, Validate(s))
}

func TestResolver_CachesAndInvalidates(t *testing.T) {
	m := NewManager(Defaults(), "")
	r := NewResolver(m, "", "", 0)
	defer func() { _ = r.Close() }()

	ctx := context.Background()
	eff, err := r.Resolve(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "best", eff.Quality)

	// A write through the manager must invalidate the cached value.
	require.NoError(t, m.Update(func(s *Settings) error {
		s.Recording.Quality = "720p"
		return nil
	}))

	eff, err = r.Resolve(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "720p", eff.Quality)
}

func TestResolver_StaleCacheServedInsideTTL(t *testing.T) {
	m := NewManager(Defaults(), "")
	r := NewResolver(m, "", "", 0)
	defer func() { _ = r.Close() }()

	ctx := context.Background()
	_, err := r.Resolve(ctx, 7)
	require.NoError(t, err)

	// Mutating settings without going through Update (no invalidation)
	// keeps serving the cached value, demonstrating the TTL cache layer.
	m.settings.Recording.Quality = "160p"
	eff, err := r.Resolve(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "best", eff.Quality)
}

func TestResolver_RedisBacked(t *testing.T) {
	srv := miniredis.RunT(t)

	m := NewManager(Defaults(), "")
	r := NewResolver(m, srv.Addr(), "", 0)
	defer func() { _ = r.Close() }()

	ctx := context.Background()
	eff, err := r.Resolve(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "best", eff.Quality)

	// The resolved value landed in redis under the cfg prefix.
	keys := srv.Keys()
	require.NotEmpty(t, keys)
	assert.Contains(t, keys[0], "streamvault:cfg:")

	r.Invalidate()
	assert.Empty(t, srv.Keys())
}

func TestManager_UpdateRejectsInvalid(t *testing.T) {
	m := NewManager(Defaults(), "")
	err := m.Update(func(s *Settings) error {
		s.Proxy.HTTP = "not-a-proxy"
		return nil
	})
	assert.Error(t, err)
	assert.Empty(t, m.Current().Proxy.HTTP, "rejected write must not be applied")
}
