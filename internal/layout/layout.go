// Package layout is the File Layout Service: it renders
// filename templates into sanitised relative paths and computes the
// media-server directory and log-file conventions.
package layout

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/model"
)

// Presets is the known-safe template set.
var Presets = map[string]string{
	"default":       "{streamer}/{streamer}_{year}-{month}-{day}_{hour}-{minute}_{title}_{game}",
	"plex":          "{streamer}/Season {year}-{month}/{streamer} - S{year}{month}E{episode:02d} - {title}",
	"emby":          "{streamer}/Season {year}-{month}/{streamer} - S{year}{month}E{episode:02d} - {title}",
	"jellyfin":      "{streamer}/Season {year}-{month}/{streamer} - S{year}{month}E{episode:02d} - {title}",
	"kodi":          "{streamer}/Season {year}-{month}/{streamer} - S{year}{month}E{episode:02d} - {title}",
	"chronological": "{year}/{month}/{day}/{streamer} - E{episode:02d} - {title} - {hour}-{minute}",
}

// DefaultTemplate is used when neither a preset name nor a literal template
// is configured.
const DefaultTemplate = "{streamer}/Season {year}-{month}/{streamer} - S{year}{month}E{episode:02d} - {title}"

// ResolveTemplate maps a preset name to its template, passing through
// literal templates (anything containing a '{' variable) unchanged.
func ResolveTemplate(nameOrTemplate string) string {
	if nameOrTemplate == "" {
		return DefaultTemplate
	}
	if preset, ok := Presets[nameOrTemplate]; ok {
		return preset
	}
	if strings.Contains(nameOrTemplate, "{") {
		return nameOrTemplate
	}
	return DefaultTemplate
}

// Vars carries the substitution values for one render.
type Vars struct {
	Streamer string
	Title    string
	Game     string
	Episode  int
	Now      time.Time
}

// VarsFor assembles render variables from a streamer login and its stream.
// The timestamp used for {year}..{minute} is the stream's start, so a
// recording that crosses midnight stays in the session's original folder.
func VarsFor(login string, stream *model.Stream, nowUTC time.Time) Vars {
	ts := stream.StartedAt
	if ts.IsZero() {
		ts = nowUTC
	}
	return Vars{
		Streamer: login,
		Title:    stream.Title,
		Game:     stream.Category,
		Episode:  stream.EpisodeNumber,
		Now:      ts.UTC(),
	}
}

var episodePadRe = regexp.MustCompile(`\{episode:0(\d+)d\}`)

// Render substitutes template variables and sanitises each
// path segment independently. The result is a relative path without
// extension; callers append ".ts", ".mp4", ".nfo" and friends.
func Render(template string, v Vars) (string, error) {
	if template == "" {
		template = DefaultTemplate
	}
	out := template

	// {episode:02d}-style zero padding first, then the plain form.
	out = episodePadRe.ReplaceAllStringFunc(out, func(m string) string {
		sub := episodePadRe.FindStringSubmatch(m)
		return fmt.Sprintf("%0*d", atoiSafe(sub[1]), v.Episode)
	})

	// Substituted values are sanitised before insertion so a title or game
	// containing '/' can never introduce a directory segment the template
	// author did not write.
	repl := strings.NewReplacer(
		"{streamer}", SanitizeFilename(v.Streamer),
		"{title}", SanitizeFilename(v.Title),
		"{game}", SanitizeFilename(v.Game),
		"{year}", fmt.Sprintf("%04d", v.Now.Year()),
		"{month}", fmt.Sprintf("%02d", int(v.Now.Month())),
		"{day}", fmt.Sprintf("%02d", v.Now.Day()),
		"{hour}", fmt.Sprintf("%02d", v.Now.Hour()),
		"{minute}", fmt.Sprintf("%02d", v.Now.Minute()),
		"{episode}", fmt.Sprintf("%d", v.Episode),
	)
	out = repl.Replace(out)

	segments := strings.Split(out, "/")
	clean := make([]string, 0, len(segments))
	for _, seg := range segments {
		s := SanitizeFilename(seg)
		if s != "" {
			clean = append(clean, s)
		}
	}
	if len(clean) == 0 {
		return "", fmt.Errorf("template %q rendered to an empty path", template)
	}
	return strings.Join(clean, "/"), nil
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}

// illegal covers the union of characters rejected by POSIX shells and NTFS:
// <>:"/\|?* plus control characters.
var illegal = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

var underscoreRuns = regexp.MustCompile(`_+`)

// SanitizeFilename replaces characters illegal on any of {POSIX, NTFS} with
// '_', collapses runs of '_' and trims leading/trailing separators.
func SanitizeFilename(name string) string {
	s := illegal.ReplaceAllString(name, "_")
	s = underscoreRuns.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_ .")
	return s
}

// Service computes absolute destination paths under a recordings root and
// the log-file layout.
type Service struct {
	RecordingsRoot string
	LogsRoot       string
}

func NewService(recordingsRoot, logsRoot string) *Service {
	return &Service{RecordingsRoot: recordingsRoot, LogsRoot: logsRoot}
}

// CapturePath joins a rendered relative path onto the recordings root.
func (s *Service) CapturePath(relative string) string {
	return filepath.Join(s.RecordingsRoot, filepath.FromSlash(relative))
}

// StreamerDir is the top-level directory for one streamer.
func (s *Service) StreamerDir(login string) string {
	return filepath.Join(s.RecordingsRoot, SanitizeFilename(login))
}

// ArtworkDir is the hidden central artwork directory for a streamer,
// tucked under .media so Emby/Jellyfin never mistake it for a season
// folder.
func (s *Service) ArtworkDir(login string) string {
	return filepath.Join(s.RecordingsRoot, ".media", "artwork", SanitizeFilename(login))
}

// CategoryImagePath is the cached box-art location for a category.
func (s *Service) CategoryImagePath(category string) string {
	return filepath.Join(s.RecordingsRoot, ".media", "categories", SanitizeFilename(category)+".jpg")
}

// PreviewPath is where the live preview acquired during recording is
// parked until the thumbnail task consumes it.
func (s *Service) PreviewPath(login string) string {
	return filepath.Join(s.RecordingsRoot, ".media", "previews", SanitizeFilename(login)+".jpg")
}

// CaptureLogPath places streamlink logs outside the recordings root,
// partitioned per streamer.
func (s *Service) CaptureLogPath(login string, ts time.Time) string {
	return filepath.Join(s.LogsRoot, "streamlink", fmt.Sprintf("%s_%d.log", SanitizeFilename(login), ts.Unix()))
}

// FFmpegLogPath places converter logs per streamer and operation.
func (s *Service) FFmpegLogPath(login, op string, ts time.Time) string {
	return filepath.Join(s.LogsRoot, "ffmpeg", fmt.Sprintf("%s_%s_%d.log", SanitizeFilename(login), op, ts.Unix()))
}

// ActivityLogPath is the recording-activity log partition.
func (s *Service) ActivityLogPath() string {
	return filepath.Join(s.LogsRoot, "app", "recording_activity.log")
}
