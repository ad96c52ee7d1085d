package streamers

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Serph91P/StreamVault-sub002/internal/coreerrors"
	"github.com/Serph91P/StreamVault-sub002/internal/store"
	"github.com/Serph91P/StreamVault-sub002/internal/twitch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTwitch struct {
	users     []twitch.User
	streams   []twitch.Stream
	created   []string
	deleted   []string
	nextSubID int
}

func (f *fakeTwitch) GetUsersByLogin(ctx context.Context, logins ...string) ([]twitch.User, error) {
	return f.users, nil
}

func (f *fakeTwitch) GetStreamsByUserID(ctx context.Context, ids ...string) ([]twitch.Stream, error) {
	return f.streams, nil
}

func (f *fakeTwitch) CreateEventSubSubscription(ctx context.Context, subType, broadcasterID, cb, secret string) (*twitch.Subscription, error) {
	f.created = append(f.created, subType)
	f.nextSubID++
	return &twitch.Subscription{ID: string(rune('a' + f.nextSubID)), Type: subType}, nil
}

func (f *fakeTwitch) DeleteEventSubSubscription(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func newService(t *testing.T, api TwitchAPI) (*Service, store.Store) {
	t.Helper()
	st, err := store.OpenBoltStore(filepath.Join(t.TempDir(), "streamers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, api, "https://cb.example/webhook/eventsub", "s3cret"), st
}

func TestAdd_RegistersAndSubscribes(t *testing.T) {
	api := &fakeTwitch{users: []twitch.User{{ID: "111", Login: "alice", DisplayName: "Alice"}}}
	svc, st := newService(t, api)
	ctx := context.Background()

	s, err := svc.Add(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", s.Login)
	assert.True(t, s.RecordingEnabled)

	assert.ElementsMatch(t, []string{"stream.online", "stream.offline", "channel.update"}, api.created)

	stored, err := st.GetStreamerByTwitchID(ctx, "111")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.False(t, stored.IsLive)
}

func TestAdd_LiveAtRegistration(t *testing.T) {
	api := &fakeTwitch{
		users:   []twitch.User{{ID: "111", Login: "alice"}},
		streams: []twitch.Stream{{UserID: "111", Type: "live", Title: "mid-stream", GameName: "Celeste"}},
	}
	svc, st := newService(t, api)

	s, err := svc.Add(context.Background(), "alice")
	require.NoError(t, err)

	stored, err := st.GetStreamer(context.Background(), s.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsLive)
	assert.Equal(t, "mid-stream", stored.LastTitle)
}

func TestAdd_UnknownLogin(t *testing.T) {
	svc, _ := newService(t, &fakeTwitch{})
	_, err := svc.Add(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, coreerrors.Is(err, coreerrors.KindStreamerNotFound))
}

func TestAdd_ExistingReturnsRow(t *testing.T) {
	api := &fakeTwitch{users: []twitch.User{{ID: "111", Login: "alice"}}}
	svc, _ := newService(t, api)
	ctx := context.Background()

	first, err := svc.Add(ctx, "alice")
	require.NoError(t, err)
	second, err := svc.Add(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, api.created, 3, "no duplicate subscriptions")
}

func TestRemove_UnsubscribesAndCascades(t *testing.T) {
	api := &fakeTwitch{users: []twitch.User{{ID: "111", Login: "alice"}}}
	svc, st := newService(t, api)
	ctx := context.Background()

	s, err := svc.Add(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, svc.Remove(ctx, s.ID))
	assert.Len(t, api.deleted, 3)

	gone, err := st.GetStreamer(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	err = svc.Remove(ctx, s.ID)
	assert.True(t, coreerrors.Is(err, coreerrors.KindStreamerNotFound))
}
