package pipeline

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/coreerrors"
	"github.com/Serph91P/StreamVault-sub002/internal/layout"
	"github.com/Serph91P/StreamVault-sub002/internal/model"
	"github.com/Serph91P/StreamVault-sub002/internal/queue"
	"github.com/google/renameio/v2"
)

// jsonDescriptor is the sidecar written next to the MP4.
type jsonDescriptor struct {
	StreamID   int64   `json:"stream_id"`
	StreamerID int64   `json:"streamer_id"`
	Streamer   string  `json:"streamer"`
	TwitchID   string  `json:"twitch_stream_id,omitempty"`
	Title      string  `json:"title"`
	Category   string  `json:"category"`
	Language   string  `json:"language"`
	StartedAt  string  `json:"started_at"`
	EndedAt    string  `json:"ended_at,omitempty"`
	Duration   float64 `json:"duration_seconds"`
	Season     string  `json:"season"`
	Episode    int     `json:"episode"`
	Events     []jsonEvent `json:"events"`
}

type jsonEvent struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Title     string `json:"title,omitempty"`
	Category  string `json:"category,omitempty"`
}

type nfoThumb struct {
	Aspect string `xml:"aspect,attr,omitempty"`
	Value  string `xml:",chardata"`
}

type nfoActor struct {
	Name  string `xml:"name"`
	Thumb string `xml:"thumb,omitempty"`
	Role  string `xml:"role"`
}

type showNFO struct {
	XMLName   xml.Name   `xml:"tvshow"`
	Title     string     `xml:"title"`
	SortTitle string     `xml:"sorttitle"`
	ShowTitle string     `xml:"showtitle"`
	Studio    string     `xml:"studio"`
	Plot      string     `xml:"plot"`
	Thumbs    []nfoThumb `xml:"thumb,omitempty"`
	Fanart    *struct {
		Thumb string `xml:"thumb"`
	} `xml:"fanart,omitempty"`
	Genre string   `xml:"genre"`
	Actor nfoActor `xml:"actor"`
}

type seasonNFO struct {
	XMLName      xml.Name `xml:"season"`
	SeasonNumber string   `xml:"seasonnumber"`
	Title        string   `xml:"title"`
	Thumb        string   `xml:"thumb,omitempty"`
}

type episodeNFO struct {
	XMLName   xml.Name `xml:"episodedetails"`
	Title     string   `xml:"title"`
	ShowTitle string   `xml:"showtitle"`
	Season    string   `xml:"season"`
	Episode   int      `xml:"episode"`
	Plot      string   `xml:"plot"`
	Aired     string   `xml:"aired,omitempty"`
	Premiered string   `xml:"premiered,omitempty"`
	Studio    string   `xml:"studio"`
	Genre     string   `xml:"genre,omitempty"`
	Runtime   int      `xml:"runtime,omitempty"`
	Thumb     string   `xml:"thumb,omitempty"`
}

// MetadataGen writes the JSON descriptor and NFO sidecars beside the MP4.
// A CrossStreamerPath violation fails
// the task terminally; any other generation error marks the step failed but
// lets the sibling chapter/thumbnail tasks proceed, so the task itself
// still succeeds.
func (h *Handlers) MetadataGen(ctx context.Context, t *queue.Task, progress queue.ProgressFunc) error {
	recID := recordingID(t.Payload)
	h.setStep(ctx, recID, "metadata", model.StepRunning, "")

	rec, stream, streamer, err := h.loadRecordingChain(ctx, recID)
	if err != nil {
		h.setStep(ctx, recID, "metadata", model.StepFailed, err.Error())
		return nil
	}

	// Output paths derive from the Recording's authoritative path; a
	// payload that disagrees is ignored rather than trusted.
	mp4 := mp4Path(rec.Path)
	outputDir := filepath.Dir(mp4)
	baseFilename := strings.TrimSuffix(filepath.Base(mp4), filepath.Ext(mp4))

	if err := h.guardStreamerPath(outputDir, streamer.Login); err != nil {
		h.setStep(ctx, recID, "metadata", model.StepFailed, "CrossStreamerPath")
		return err
	}

	events, err := h.Store.StreamEvents(ctx, stream.ID)
	if err != nil {
		h.setStep(ctx, recID, "metadata", model.StepFailed, err.Error())
		return nil
	}

	progress(0.2, "writing json descriptor")
	jsonPath := filepath.Join(outputDir, baseFilename+".info.json")
	if err := h.writeJSONDescriptor(jsonPath, stream, streamer, events); err != nil {
		h.logger.Warn().Err(err).Int64("recording_id", recID).Msg("json descriptor generation failed")
		h.setStep(ctx, recID, "metadata", model.StepFailed, err.Error())
		return nil
	}

	progress(0.5, "writing nfo sidecars")
	showPath, seasonPath, episodePath, err := h.writeNFOs(outputDir, baseFilename, stream, streamer)
	if err != nil {
		h.logger.Warn().Err(err).Int64("recording_id", recID).Msg("nfo generation failed")
		h.setStep(ctx, recID, "metadata", model.StepFailed, err.Error())
		return nil
	}

	progress(0.9, "linking artwork")
	h.ensureLocalArtwork(outputDir, streamer.Login)

	meta, _ := h.Store.GetStreamMetadata(ctx, stream.ID)
	if meta == nil {
		meta = &model.StreamMetadata{StreamID: stream.ID}
	}
	meta.JSONPath = jsonPath
	meta.ShowNFOPath = showPath
	meta.SeasonNFOPath = seasonPath
	meta.EpisodeNFOPath = episodePath
	if err := h.Store.PutStreamMetadata(ctx, meta); err != nil {
		h.logger.Error().Err(err).Int64("stream_id", stream.ID).Msg("failed to persist stream metadata paths")
	}

	progress(1.0, "metadata complete")
	h.setStep(ctx, recID, "metadata", model.StepCompleted, "")
	return nil
}

// guardStreamerPath refuses to write into a directory that appears to
// belong to another streamer.
func (h *Handlers) guardStreamerPath(outputDir, login string) error {
	root := h.Layout.RecordingsRoot
	rel, err := filepath.Rel(root, outputDir)
	if err != nil || strings.HasPrefix(rel, "..") {
		return coreerrors.New(coreerrors.KindCrossStreamerPath,
			fmt.Sprintf("output dir %q outside recordings root", outputDir))
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) == 0 || parts[0] == "." {
		return nil
	}
	expected := layout.SanitizeFilename(login)
	if parts[0] != expected {
		return coreerrors.New(coreerrors.KindCrossStreamerPath,
			fmt.Sprintf("output dir belongs to %q, recording belongs to %q", parts[0], expected))
	}
	return nil
}

func (h *Handlers) writeJSONDescriptor(path string, stream *model.Stream, streamer *model.Streamer, events []*model.StreamEvent) error {
	d := jsonDescriptor{
		StreamID:   stream.ID,
		StreamerID: streamer.ID,
		Streamer:   streamer.Login,
		TwitchID:   stream.TwitchStreamID,
		Title:      stream.Title,
		Category:   stream.Category,
		Language:   stream.Language,
		StartedAt:  stream.StartedAt.UTC().Format(time.RFC3339),
		Season:     stream.StartedAt.Format("200601"),
		Episode:    stream.EpisodeNumber,
	}
	if stream.EndedAt != nil {
		d.EndedAt = stream.EndedAt.UTC().Format(time.RFC3339)
		d.Duration = stream.EndedAt.Sub(stream.StartedAt).Seconds()
	}
	for _, e := range events {
		d.Events = append(d.Events, jsonEvent{
			Type:      string(e.Type),
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
			Title:     e.Title,
			Category:  e.Category,
		})
	}
	if d.Events == nil {
		d.Events = []jsonEvent{}
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return coreerrors.Wrap(coreerrors.KindMetadataError, "marshal json descriptor", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return coreerrors.Wrap(coreerrors.KindMetadataError, "write json descriptor", err)
	}
	return nil
}

// writeNFOs produces the show-level NFO (once, in the streamer directory),
// a season NFO when the MP4 sits in a season folder, and the episode NFO
// beside the MP4. Artwork references use relative paths that stay within
// the recordings root.
func (h *Handlers) writeNFOs(outputDir, baseFilename string, stream *model.Stream, streamer *model.Streamer) (showPath, seasonPath, episodePath string, err error) {
	login := streamer.Login
	seasonDirHint := strings.HasPrefix(strings.ToLower(filepath.Base(outputDir)), "season ")

	streamerDir := outputDir
	seasonDir := ""
	if seasonDirHint {
		streamerDir = filepath.Dir(outputDir)
		seasonDir = outputDir
	}

	season := stream.StartedAt.Format("200601")

	// Show NFO, written once per streamer directory.
	showPath = filepath.Join(streamerDir, "tvshow.nfo")
	show := showNFO{
		Title:     login + " Streams",
		SortTitle: login + " Streams",
		ShowTitle: login + " Streams",
		Studio:    "Twitch",
		Plot:      fmt.Sprintf("Streams by %s on Twitch.", login),
		Genre:     genreOr(streamer.LastCategory),
		Actor: nfoActor{
			Name: login,
			Role: "Streamer",
		},
	}
	if streamer.ProfileImageURL != "" {
		show.Thumbs = []nfoThumb{
			{Aspect: "poster", Value: "poster.jpg"},
			{Aspect: "banner", Value: "banner.jpg"},
		}
		show.Fanart = &struct {
			Thumb string `xml:"thumb"`
		}{Thumb: "fanart.jpg"}
		show.Actor.Thumb = relativeArtworkRef(streamerDir, h.Layout.RecordingsRoot, login, "poster.jpg")
	}
	if err = writeXML(showPath, show); err != nil {
		return "", "", "", err
	}

	if seasonDir != "" {
		seasonPath = filepath.Join(seasonDir, "season.nfo")
		sn := seasonNFO{
			SeasonNumber: season,
			Title:        "Season " + stream.StartedAt.Format("2006-01"),
		}
		if streamer.ProfileImageURL != "" {
			sn.Thumb = "poster.jpg"
		}
		if err = writeXML(seasonPath, sn); err != nil {
			return "", "", "", err
		}
	}

	episodePath = filepath.Join(outputDir, baseFilename+".nfo")
	ep := episodeNFO{
		Title:     titleOr(stream.Title, baseFilename),
		ShowTitle: login + " Streams",
		Season:    season,
		Episode:   stream.EpisodeNumber,
		Plot:      stream.Title,
		Studio:    "Twitch",
		Genre:     stream.Category,
		Aired:     stream.StartedAt.Format("2006-01-02"),
		Premiered: stream.StartedAt.Format("2006-01-02"),
		Thumb:     baseFilename + "-thumb.jpg",
	}
	if stream.EndedAt != nil {
		ep.Runtime = int(stream.EndedAt.Sub(stream.StartedAt).Minutes())
	}
	if err = writeXML(episodePath, ep); err != nil {
		return "", "", "", err
	}
	return showPath, seasonPath, episodePath, nil
}

func genreOr(category string) string {
	if category != "" {
		return category
	}
	return "Livestream"
}

func titleOr(title, fallback string) string {
	if title != "" {
		return title
	}
	return fallback
}

// relativeArtworkRef builds a relative reference from an NFO directory to
// the central artwork store, never escaping the recordings root.
func relativeArtworkRef(nfoDir, root, login, filename string) string {
	target := filepath.Join(root, ".media", "artwork", layout.SanitizeFilename(login), filename)
	rel, err := filepath.Rel(nfoDir, target)
	if err != nil || strings.HasPrefix(rel, ".."+string(filepath.Separator)+"..") {
		// Too far from the root to express safely; fall back to the local
		// copy ensureLocalArtwork creates.
		return filename
	}
	return filepath.ToSlash(rel)
}

// ensureLocalArtwork copies central poster/banner/fanart next to the NFOs
// for scanners that refuse ../ traversal.
// Best effort: a missing central file just skips the copy.
func (h *Handlers) ensureLocalArtwork(outputDir, login string) {
	central := h.Layout.ArtworkDir(login)

	streamerDir := outputDir
	if strings.HasPrefix(strings.ToLower(filepath.Base(outputDir)), "season ") {
		streamerDir = filepath.Dir(outputDir)
	}

	for _, name := range []string{"poster.jpg", "banner.jpg", "fanart.jpg"} {
		src := filepath.Join(central, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		for _, dstDir := range []string{streamerDir, outputDir} {
			dst := filepath.Join(dstDir, name)
			if _, err := os.Stat(dst); err == nil {
				continue
			}
			if err := copyFile(src, dst); err != nil {
				h.logger.Debug().Err(err).Str("dst", dst).Msg("local artwork copy failed")
			}
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := renameio.NewPendingFile(dst, renameio.WithPermissions(0o644))
	if err != nil {
		return err
	}
	defer func() { _ = out.Cleanup() }()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.CloseAtomicallyReplace()
}

func writeXML(path string, v any) error {
	data, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return coreerrors.Wrap(coreerrors.KindMetadataError, "marshal nfo", err)
	}
	payload := append([]byte(xml.Header), data...)
	payload = append(payload, '\n')
	if err := renameio.WriteFile(path, payload, 0o644); err != nil {
		return coreerrors.Wrap(coreerrors.KindMetadataError, "write nfo", err)
	}
	return nil
}

// loadRecordingChain fetches recording → stream → streamer or reports
// which link is missing.
func (h *Handlers) loadRecordingChain(ctx context.Context, recID int64) (*model.Recording, *model.Stream, *model.Streamer, error) {
	rec, err := h.Store.GetRecording(ctx, recID)
	if err != nil || rec == nil {
		return nil, nil, nil, fmt.Errorf("recording %d not found", recID)
	}
	stream, err := h.Store.GetStream(ctx, rec.StreamID)
	if err != nil || stream == nil {
		return nil, nil, nil, fmt.Errorf("stream %d not found", rec.StreamID)
	}
	streamer, err := h.Store.GetStreamer(ctx, stream.StreamerID)
	if err != nil || streamer == nil {
		return nil, nil, nil, fmt.Errorf("streamer %d not found", stream.StreamerID)
	}
	return rec, stream, streamer, nil
}
