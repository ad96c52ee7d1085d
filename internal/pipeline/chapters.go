package pipeline

import (
	"context"
	"encoding/xml"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/coreerrors"
	"github.com/Serph91P/StreamVault-sub002/internal/model"
	"github.com/Serph91P/StreamVault-sub002/internal/queue"
	"github.com/google/renameio/v2"
)

// chapter is one resolved chapter with offsets relative to stream start.
type chapter struct {
	Start time.Duration
	End   time.Duration
	Title string
}

// minChapterDuration is the floor on a rendered chapter's length.
const minChapterDuration = time.Second

// ChaptersGen produces four artefacts expressing the same
// chapter set, derived from the ordered StreamEvents.
func (h *Handlers) ChaptersGen(ctx context.Context, t *queue.Task, progress queue.ProgressFunc) error {
	recID := recordingID(t.Payload)
	h.setStep(ctx, recID, "chapters", model.StepRunning, "")

	rec, stream, _, err := h.loadRecordingChain(ctx, recID)
	if err != nil {
		h.setStep(ctx, recID, "chapters", model.StepFailed, err.Error())
		return coreerrors.New(coreerrors.KindChaptersError, err.Error())
	}

	events, err := h.Store.StreamEvents(ctx, stream.ID)
	if err != nil {
		h.setStep(ctx, recID, "chapters", model.StepFailed, err.Error())
		return coreerrors.Wrap(coreerrors.KindChaptersError, "load stream events", err)
	}

	// Total duration: ended_at - started_at, else the probed video
	// length.
	var total time.Duration
	if stream.EndedAt != nil {
		total = stream.EndedAt.Sub(stream.StartedAt)
	} else if pr, err := h.probe(ctx, mp4Path(rec.Path)); err == nil {
		total = time.Duration(pr.durationSeconds() * float64(time.Second))
	}

	chapters := buildChapters(stream, events, total, h.CategoryAsChapterTitle)
	progress(0.3, fmt.Sprintf("writing %d chapters", len(chapters)))

	mp4 := mp4Path(rec.Path)
	base := strings.TrimSuffix(mp4, filepath.Ext(mp4))
	vttPath := base + ".vtt"
	srtPath := base + ".srt"
	ffPath := base + ".chapters.txt"
	xmlPath := base + ".chapters.xml"

	writers := []struct {
		path string
		fn   func() ([]byte, error)
	}{
		{vttPath, func() ([]byte, error) { return renderVTT(chapters), nil }},
		{srtPath, func() ([]byte, error) { return renderSRT(chapters), nil }},
		{ffPath, func() ([]byte, error) { return renderFFMetadata(stream, chapters), nil }},
		{xmlPath, func() ([]byte, error) { return renderEmbyXML(chapters) }},
	}
	for _, w := range writers {
		data, err := w.fn()
		if err != nil {
			h.setStep(ctx, recID, "chapters", model.StepFailed, err.Error())
			return coreerrors.Wrap(coreerrors.KindChaptersError, "render chapters", err)
		}
		if err := renameio.WriteFile(w.path, data, 0o644); err != nil {
			h.setStep(ctx, recID, "chapters", model.StepFailed, err.Error())
			return coreerrors.Wrap(coreerrors.KindChaptersError, "write "+filepath.Base(w.path), err)
		}
	}

	meta, _ := h.Store.GetStreamMetadata(ctx, stream.ID)
	if meta == nil {
		meta = &model.StreamMetadata{StreamID: stream.ID}
	}
	meta.ChaptersVTTPath = vttPath
	meta.ChaptersSRTPath = srtPath
	meta.ChaptersFFPath = ffPath
	meta.ChaptersXMLPath = xmlPath
	if err := h.Store.PutStreamMetadata(ctx, meta); err != nil {
		h.logger.Error().Err(err).Int64("stream_id", stream.ID).Msg("failed to persist chapter paths")
	}

	progress(1.0, "chapters complete")
	h.setStep(ctx, recID, "chapters", model.StepCompleted, "")
	return nil
}

// buildChapters resolves the event list into chapters: pre-stream events collapse into one chapter at offset 0, zero
// events yield a single whole-video chapter, consecutive same-category
// events merge only under the category-as-title policy, and every chapter
// lasts at least one second.
func buildChapters(stream *model.Stream, events []*model.StreamEvent, total time.Duration, categoryAsTitle bool) []chapter {
	sorted := make([]*model.StreamEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	// Collapse pre-stream events: the latest one becomes the first chapter
	// clamped to offset 0.
	var kept []*model.StreamEvent
	var lastPre *model.StreamEvent
	for _, e := range sorted {
		if e.Timestamp.Before(stream.StartedAt) {
			lastPre = e
			continue
		}
		kept = append(kept, e)
	}
	if lastPre != nil {
		clamped := *lastPre
		clamped.Timestamp = stream.StartedAt
		kept = append([]*model.StreamEvent{&clamped}, kept...)
	}

	if total <= 0 {
		// Unknown duration fallback mirrors the capture tool's own habit of
		// short defaults; better a short final chapter than none.
		total = 127 * time.Second
	}

	if len(kept) == 0 {
		title := stream.Title
		if title == "" {
			title = "Stream"
		}
		if stream.Category != "" {
			title += " (" + stream.Category + ")"
		}
		return []chapter{{Start: 0, End: total, Title: title}}
	}

	if categoryAsTitle {
		merged := kept[:0:0]
		lastCategory := "\x00none"
		for _, e := range kept {
			if e.Category == lastCategory {
				continue
			}
			merged = append(merged, e)
			lastCategory = e.Category
		}
		kept = merged
	}

	chapters := make([]chapter, 0, len(kept))
	for i, e := range kept {
		start := e.Timestamp.Sub(stream.StartedAt)
		if start < 0 {
			start = 0
		}
		var end time.Duration
		if i < len(kept)-1 {
			end = kept[i+1].Timestamp.Sub(stream.StartedAt)
		} else {
			end = total
		}
		if end < start+minChapterDuration {
			end = start + minChapterDuration
		}
		chapters = append(chapters, chapter{
			Start: start,
			End:   end,
			Title: chapterTitle(e, categoryAsTitle),
		})
	}
	return chapters
}

func chapterTitle(e *model.StreamEvent, categoryAsTitle bool) string {
	if categoryAsTitle && e.Category != "" {
		return e.Category
	}
	title := e.Title
	if title == "" {
		title = "Stream"
	}
	if e.Category != "" {
		title += " (" + e.Category + ")"
	}
	return title
}

func formatVTT(d time.Duration) string {
	ms := d.Milliseconds()
	return fmt.Sprintf("%02d:%02d:%02d.%03d", ms/3600000, (ms/60000)%60, (ms/1000)%60, ms%1000)
}

func formatSRT(d time.Duration) string {
	ms := d.Milliseconds()
	return fmt.Sprintf("%02d:%02d:%02d,%03d", ms/3600000, (ms/60000)%60, (ms/1000)%60, ms%1000)
}

func renderVTT(chapters []chapter) []byte {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, c := range chapters {
		fmt.Fprintf(&b, "%s --> %s\n%s\n\n", formatVTT(c.Start), formatVTT(c.End), c.Title)
	}
	return []byte(b.String())
}

func renderSRT(chapters []chapter) []byte {
	var b strings.Builder
	for i, c := range chapters {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1, formatSRT(c.Start), formatSRT(c.End), c.Title)
	}
	return []byte(b.String())
}

// escapeFFMetadata escapes the characters with special meaning in the
// FFMETADATA format.
func escapeFFMetadata(s string) string {
	if s == "" {
		return "Untitled"
	}
	r := strings.NewReplacer(`\`, `\\`, "=", `\=`, ";", `\;`, "#", `\#`, "\n", `\
`)
	return r.Replace(s)
}

func renderFFMetadata(stream *model.Stream, chapters []chapter) []byte {
	var b strings.Builder
	b.WriteString(";FFMETADATA1\n")
	if stream.Title != "" {
		fmt.Fprintf(&b, "title=%s\n", escapeFFMetadata(stream.Title))
	}
	fmt.Fprintf(&b, "date=%s\n", stream.StartedAt.Format("2006-01-02"))
	for _, c := range chapters {
		b.WriteString("\n[CHAPTER]\nTIMEBASE=1/1000\n")
		fmt.Fprintf(&b, "START=%d\n", c.Start.Milliseconds())
		fmt.Fprintf(&b, "END=%d\n", c.End.Milliseconds())
		fmt.Fprintf(&b, "title=%s\n", escapeFFMetadata(c.Title))
	}
	return []byte(b.String())
}

type embyChapter struct {
	Name      string `xml:"Name"`
	StartTime int64  `xml:"StartTime"`
	EndTime   int64  `xml:"EndTime"`
}

type embyChapters struct {
	XMLName  xml.Name      `xml:"Chapters"`
	Chapters []embyChapter `xml:"Chapter"`
}

func renderEmbyXML(chapters []chapter) ([]byte, error) {
	doc := embyChapters{}
	for _, c := range chapters {
		doc.Chapters = append(doc.Chapters, embyChapter{
			Name:      c.Title,
			StartTime: c.Start.Milliseconds(),
			EndTime:   c.End.Milliseconds(),
		})
	}
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	out := append([]byte(xml.Header), data...)
	return append(out, '\n'), nil
}
