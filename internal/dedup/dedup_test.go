package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDeduplicator_FirstSightingThenDuplicate(t *testing.T) {
	d := NewMemoryDeduplicator(time.Minute)
	defer func() { _ = d.Close() }()
	ctx := context.Background()

	seen, err := d.Seen(ctx, "msg-1", "111", "stream.online")
	require.NoError(t, err)
	assert.False(t, seen, "first sighting")

	seen, err = d.Seen(ctx, "msg-1", "111", "stream.online")
	require.NoError(t, err)
	assert.True(t, seen, "second delivery is a duplicate")

	// A different component of the key is not a duplicate.
	seen, err = d.Seen(ctx, "msg-1", "111", "stream.offline")
	require.NoError(t, err)
	assert.False(t, seen)
	seen, err = d.Seen(ctx, "msg-2", "111", "stream.online")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemoryDeduplicator_TTLExpiry(t *testing.T) {
	d := NewMemoryDeduplicator(50 * time.Millisecond)
	defer func() { _ = d.Close() }()
	ctx := context.Background()

	_, err := d.Seen(ctx, "msg-1", "111", "stream.online")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	seen, err := d.Seen(ctx, "msg-1", "111", "stream.online")
	require.NoError(t, err)
	assert.False(t, seen, "key expired after TTL, not a duplicate any more")
}

func TestDedup_MissingFieldsNeverDedup(t *testing.T) {
	d := NewMemoryDeduplicator(time.Minute)
	defer func() { _ = d.Close() }()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		seen, err := d.Seen(ctx, "", "111", "stream.online")
		require.NoError(t, err)
		assert.False(t, seen, "missing message id never dedups")

		seen, err = d.Seen(ctx, "msg", "", "stream.online")
		require.NoError(t, err)
		assert.False(t, seen, "missing broadcaster never dedups")

		seen, err = d.Seen(ctx, "msg", "111", "")
		require.NoError(t, err)
		assert.False(t, seen, "missing event type never dedups")
	}
}

func TestMemoryDeduplicator_JanitorEvicts(t *testing.T) {
	d := NewMemoryDeduplicator(30 * time.Millisecond)
	defer func() { _ = d.Close() }()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := d.Seen(ctx, id, "111", "stream.online")
		require.NoError(t, err)
	}

	// Janitor runs every ttl/2; give it a few cycles.
	time.Sleep(120 * time.Millisecond)

	d.mu.Lock()
	size := len(d.seen)
	d.mu.Unlock()
	assert.Zero(t, size, "expired keys evicted, memory stays bounded")
}

func TestRedisDeduplicator(t *testing.T) {
	srv := miniredis.RunT(t)
	d, err := NewRedisDeduplicator(srv.Addr(), "", 0, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = d.Close() }()
	ctx := context.Background()

	seen, err := d.Seen(ctx, "msg-1", "111", "stream.online")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = d.Seen(ctx, "msg-1", "111", "stream.online")
	require.NoError(t, err)
	assert.True(t, seen)

	// TTL expiry via miniredis's clock.
	srv.FastForward(2 * time.Minute)
	seen, err = d.Seen(ctx, "msg-1", "111", "stream.online")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestNew_FallsBackToMemory(t *testing.T) {
	d := New("", "", 0, zerolog.Nop())
	defer func() { _ = d.Close() }()
	_, ok := d.(*MemoryDeduplicator)
	assert.True(t, ok)

	// Unreachable redis degrades to memory instead of failing startup.
	d2 := New("127.0.0.1:1", "", 0, zerolog.Nop())
	defer func() { _ = d2.Close() }()
	_, ok = d2.(*MemoryDeduplicator)
	assert.True(t, ok)
}
