package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chapterStream(start time.Time, dur time.Duration) *model.Stream {
	end := start.Add(dur)
	return &model.Stream{
		ID:        1,
		StartedAt: start,
		EndedAt:   &end,
		Title:     "Marathon",
		Category:  "Celeste",
	}
}

func ev(t time.Time, title, category string) *model.StreamEvent {
	return &model.StreamEvent{Type: model.EventChannelUpdate, Timestamp: t, Title: title, Category: category}
}

func TestBuildChapters_ZeroEventsSingleChapter(t *testing.T) {
	start := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	stream := chapterStream(start, time.Hour)

	got := buildChapters(stream, nil, time.Hour, false)
	require.Len(t, got, 1)
	assert.Equal(t, time.Duration(0), got[0].Start)
	assert.Equal(t, time.Hour, got[0].End)
	assert.Equal(t, "Marathon (Celeste)", got[0].Title)
}

func TestBuildChapters_PreStreamEventsCollapseToZero(t *testing.T) {
	start := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	stream := chapterStream(start, time.Hour)

	events := []*model.StreamEvent{
		ev(start.Add(-10*time.Minute), "early one", "Just Chatting"),
		ev(start.Add(-5*time.Minute), "early two", "Celeste"),
		ev(start.Add(20*time.Minute), "mid", "Hollow Knight"),
	}

	got := buildChapters(stream, events, time.Hour, false)
	require.Len(t, got, 2)
	// The latest pre-stream event becomes the first chapter at offset 0.
	assert.Equal(t, time.Duration(0), got[0].Start)
	assert.Contains(t, got[0].Title, "early two")
	assert.Equal(t, 20*time.Minute, got[0].End)
	assert.Equal(t, 20*time.Minute, got[1].Start)
	assert.Equal(t, time.Hour, got[1].End)
}

func TestBuildChapters_MinimumDuration(t *testing.T) {
	start := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	stream := chapterStream(start, time.Hour)

	events := []*model.StreamEvent{
		ev(start, "a", ""),
		ev(start.Add(200*time.Millisecond), "b", ""),
	}

	got := buildChapters(stream, events, time.Hour, false)
	require.Len(t, got, 2)
	assert.GreaterOrEqual(t, got[0].End-got[0].Start, time.Second)
}

func TestBuildChapters_CategoryMergePolicy(t *testing.T) {
	start := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	stream := chapterStream(start, time.Hour)

	events := []*model.StreamEvent{
		ev(start, "one", "Celeste"),
		ev(start.Add(10*time.Minute), "two", "Celeste"),
		ev(start.Add(20*time.Minute), "three", "Hollow Knight"),
	}

	// With category-as-title, consecutive same-category events merge.
	merged := buildChapters(stream, events, time.Hour, true)
	require.Len(t, merged, 2)
	assert.Equal(t, "Celeste", merged[0].Title)
	assert.Equal(t, "Hollow Knight", merged[1].Title)
	assert.Equal(t, 20*time.Minute, merged[0].End)

	// Without the policy, every event keeps its own chapter.
	plain := buildChapters(stream, events, time.Hour, false)
	require.Len(t, plain, 3)
}

func TestBuildChapters_LastChapterEndsAtDuration(t *testing.T) {
	start := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	stream := chapterStream(start, 90*time.Minute)

	events := []*model.StreamEvent{ev(start.Add(30*time.Minute), "late", "")}
	got := buildChapters(stream, events, 90*time.Minute, false)
	require.Len(t, got, 1)
	assert.Equal(t, 90*time.Minute, got[0].End)
}

func TestRenderVTT(t *testing.T) {
	chapters := []chapter{
		{Start: 0, End: 20 * time.Minute, Title: "Opening"},
		{Start: 20 * time.Minute, End: time.Hour, Title: "Main"},
	}
	out := string(renderVTT(chapters))
	assert.True(t, strings.HasPrefix(out, "WEBVTT\n\n"))
	assert.Contains(t, out, "00:00:00.000 --> 00:20:00.000\nOpening\n")
	assert.Contains(t, out, "00:20:00.000 --> 01:00:00.000\nMain\n")
}

func TestRenderSRT(t *testing.T) {
	chapters := []chapter{{Start: 1500 * time.Millisecond, End: 3 * time.Second, Title: "Intro"}}
	out := string(renderSRT(chapters))
	assert.Contains(t, out, "1\n00:00:01,500 --> 00:00:03,000\nIntro\n")
}

func TestRenderFFMetadata_EscapesSpecials(t *testing.T) {
	start := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	stream := chapterStream(start, time.Hour)
	stream.Title = "a=b;c#d"

	chapters := []chapter{{Start: 0, End: time.Minute, Title: "x=y"}}
	out := string(renderFFMetadata(stream, chapters))
	assert.True(t, strings.HasPrefix(out, ";FFMETADATA1\n"))
	assert.Contains(t, out, `title=a\=b\;c\#d`)
	assert.Contains(t, out, "TIMEBASE=1/1000\nSTART=0\nEND=60000\n")
	assert.Contains(t, out, `title=x\=y`)
}

func TestRenderEmbyXML(t *testing.T) {
	chapters := []chapter{{Start: 0, End: 90 * time.Second, Title: "One"}}
	out, err := renderEmbyXML(chapters)
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, "<Chapters>")
	assert.Contains(t, s, "<Name>One</Name>")
	assert.Contains(t, s, "<StartTime>0</StartTime>")
	assert.Contains(t, s, "<EndTime>90000</EndTime>")
}

func TestChapterArtefactsAreDeterministic(t *testing.T) {
	// Re-running a render on identical inputs must yield byte-identical
	// output.
	start := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	stream := chapterStream(start, time.Hour)
	events := []*model.StreamEvent{
		ev(start, "one", "Celeste"),
		ev(start.Add(30*time.Minute), "two", "Hollow Knight"),
	}
	a := buildChapters(stream, events, time.Hour, false)
	b := buildChapters(stream, events, time.Hour, false)
	assert.Equal(t, renderVTT(a), renderVTT(b))
	assert.Equal(t, renderFFMetadata(stream, a), renderFFMetadata(stream, b))
}
