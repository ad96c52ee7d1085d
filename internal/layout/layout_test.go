package layout

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVars() Vars {
	return Vars{
		Streamer: "alice",
		Title:    "Speedrun Sunday",
		Game:     "Celeste",
		Episode:  1,
		Now:      time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestRender_PlexPreset(t *testing.T) {
	got, err := Render(Presets["plex"], testVars())
	require.NoError(t, err)
	assert.Equal(t, "alice/Season 2025-01/alice - S202501E01 - Speedrun Sunday", got)
}

func TestRender_EpisodePadding(t *testing.T) {
	v := testVars()
	v.Episode = 7

	got, err := Render("{streamer}/E{episode:02d}", v)
	require.NoError(t, err)
	assert.Equal(t, "alice/E07", got)

	got, err = Render("{streamer}/E{episode}", v)
	require.NoError(t, err)
	assert.Equal(t, "alice/E7", got)
}

func TestRender_SanitisesIllegalCharacters(t *testing.T) {
	v := testVars()
	v.Title = `What: a "great" stream?|yes\no`

	got, err := Render("{streamer}/{title}", v)
	require.NoError(t, err)
	assert.Equal(t, "alice/What_ a _great_ stream_yes_no", got)
}

func TestRender_CollapsesUnderscoreRuns(t *testing.T) {
	v := testVars()
	v.Title = "a::::b"

	got, err := Render("{title}", v)
	require.NoError(t, err)
	assert.Equal(t, "a_b", got)
}

func TestRender_TitleWithSlashCreatesNoExtraSegment(t *testing.T) {
	// '/' inside a substituted value is sanitised per segment, not treated
	// as a directory separator from the template.
	v := testVars()
	v.Title = "half/life"

	got, err := Render("{streamer}/{title}", v)
	require.NoError(t, err)
	assert.Equal(t, "alice/half_life", got)
}

func TestRender_EmptyResultIsError(t *testing.T) {
	v := Vars{Now: time.Now()}
	_, err := Render("{title}", v)
	assert.Error(t, err)
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"normal name", "normal name"},
		{"a<b>c", "a_b_c"},
		{`CON:"x"`, "CON_x"},
		{"..leading.dots..", "leading.dots"},
		{"__trimmed__", "trimmed"},
		{"tab\tname", "tab_name"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), "input %q", tt.in)
	}
}

func TestResolveTemplate(t *testing.T) {
	assert.Equal(t, Presets["emby"], ResolveTemplate("emby"))
	assert.Equal(t, "{streamer}/{title}", ResolveTemplate("{streamer}/{title}"))
	assert.Equal(t, DefaultTemplate, ResolveTemplate(""))
	assert.Equal(t, DefaultTemplate, ResolveTemplate("not-a-preset"))
}

func TestServicePaths(t *testing.T) {
	svc := NewService("/recordings", "/logs")

	assert.Equal(t, filepath.Join("/recordings", "alice"), svc.StreamerDir("alice"))
	assert.Equal(t, filepath.Join("/recordings", ".media", "artwork", "alice"), svc.ArtworkDir("alice"))
	assert.Equal(t, filepath.Join("/recordings", ".media", "categories", "Just Chatting.jpg"), svc.CategoryImagePath("Just Chatting"))

	ts := time.Unix(1735819200, 0)
	assert.Equal(t, filepath.Join("/logs", "streamlink", "alice_1735819200.log"), svc.CaptureLogPath("alice", ts))
	assert.Equal(t, filepath.Join("/logs", "ffmpeg", "alice_remux_1735819200.log"), svc.FFmpegLogPath("alice", "remux", ts))
	assert.Equal(t, filepath.Join("/logs", "app", "recording_activity.log"), svc.ActivityLogPath())
}

func TestPruneLogs(t *testing.T) {
	root := t.TempDir()
	svc := NewService(filepath.Join(root, "rec"), filepath.Join(root, "logs"))

	slDir := filepath.Join(svc.LogsRoot, "streamlink")
	appDir := filepath.Join(svc.LogsRoot, "app")
	require.NoError(t, os.MkdirAll(slDir, 0o755))
	require.NoError(t, os.MkdirAll(appDir, 0o755))

	old := filepath.Join(slDir, "alice_old.log")
	fresh := filepath.Join(slDir, "alice_fresh.log")
	sysOld := filepath.Join(appDir, "old.log")
	for _, p := range []string{old, fresh, sysOld} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}

	now := time.Now()
	require.NoError(t, os.Chtimes(old, now.Add(-15*24*time.Hour), now.Add(-15*24*time.Hour)))
	require.NoError(t, os.Chtimes(sysOld, now.Add(-20*24*time.Hour), now.Add(-20*24*time.Hour)))

	require.NoError(t, svc.PruneLogs(now))

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err), "15-day-old streamer log should be pruned")
	_, err = os.Stat(fresh)
	assert.NoError(t, err, "fresh log stays")
	_, err = os.Stat(sysOld)
	assert.NoError(t, err, "20-day-old system log is inside the 30-day window")
}
