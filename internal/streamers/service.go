// Package streamers handles broadcaster registration: resolving a login
// against Twitch, persisting the Streamer row and managing its EventSub
// subscriptions.
package streamers

import (
	"context"
	"fmt"

	"github.com/Serph91P/StreamVault-sub002/internal/coreerrors"
	"github.com/Serph91P/StreamVault-sub002/internal/eventsub"
	"github.com/Serph91P/StreamVault-sub002/internal/log"
	"github.com/Serph91P/StreamVault-sub002/internal/model"
	"github.com/Serph91P/StreamVault-sub002/internal/store"
	"github.com/Serph91P/StreamVault-sub002/internal/twitch"
	"github.com/rs/zerolog"
)

// subscribedTypes are the EventSub types registered per streamer.
var subscribedTypes = []eventsub.SubscriptionType{
	eventsub.TypeStreamOnline,
	eventsub.TypeStreamOffline,
	eventsub.TypeChannelUpdate,
}

// TwitchAPI is the subset of the Twitch client this service needs.
type TwitchAPI interface {
	GetUsersByLogin(ctx context.Context, logins ...string) ([]twitch.User, error)
	GetStreamsByUserID(ctx context.Context, userIDs ...string) ([]twitch.Stream, error)
	CreateEventSubSubscription(ctx context.Context, subType, broadcasterID, callbackURL, secret string) (*twitch.Subscription, error)
	DeleteEventSubSubscription(ctx context.Context, id string) error
}

// Service registers and removes streamers.
type Service struct {
	Store         store.Store
	Twitch        TwitchAPI
	CallbackURL   string
	WebhookSecret string
	logger        zerolog.Logger

	// subscription ids per streamer, kept for removal. Twitch also allows
	// listing server-side; holding them locally spares an API round trip.
	subs map[int64][]string
}

func New(st store.Store, api TwitchAPI, callbackURL, webhookSecret string) *Service {
	return &Service{
		Store:         st,
		Twitch:        api,
		CallbackURL:   callbackURL,
		WebhookSecret: webhookSecret,
		logger:        log.WithComponent("streamers"),
		subs:          make(map[int64][]string),
	}
}

// Add resolves a login via Twitch, stores the Streamer and registers the
// three EventSub subscriptions. Already-registered logins return the
// existing row unchanged.
func (s *Service) Add(ctx context.Context, login string) (*model.Streamer, error) {
	users, err := s.Twitch.GetUsersByLogin(ctx, login)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, coreerrors.New(coreerrors.KindStreamerNotFound, fmt.Sprintf("twitch login %q not found", login))
	}
	u := users[0]

	if existing, err := s.Store.GetStreamerByTwitchID(ctx, u.ID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	streamer, err := s.Store.AddStreamer(ctx, &model.Streamer{
		TwitchID:         u.ID,
		Login:            u.Login,
		DisplayName:      u.DisplayName,
		ProfileImageURL:  u.ProfileImageURL,
		RecordingEnabled: true,
	})
	if err != nil {
		return nil, err
	}

	// Correct the live flag at registration time so a mid-stream add does
	// not wait for the next online webhook.
	if streams, err := s.Twitch.GetStreamsByUserID(ctx, u.ID); err == nil && len(streams) > 0 {
		streamer, _ = s.Store.UpdateStreamer(ctx, streamer.ID, func(m *model.Streamer) error {
			m.IsLive = true
			m.LastTitle = streams[0].Title
			m.LastCategory = streams[0].GameName
			m.LastLanguage = streams[0].Language
			return nil
		})
	}

	for _, typ := range subscribedTypes {
		sub, err := s.Twitch.CreateEventSubSubscription(ctx, string(typ), u.ID, s.CallbackURL, s.WebhookSecret)
		if err != nil {
			s.logger.Error().Err(err).Str("login", login).Str("type", string(typ)).Msg("eventsub subscription failed")
			continue
		}
		s.subs[streamer.ID] = append(s.subs[streamer.ID], sub.ID)
	}

	s.logger.Info().Str("login", u.Login).Int64("streamer_id", streamer.ID).Msg("streamer registered")
	return streamer, nil
}

// Remove deletes the streamer's EventSub subscriptions and cascades the
// row (Streams, Recordings, Events, Metadata go with it).
func (s *Service) Remove(ctx context.Context, streamerID int64) error {
	streamer, err := s.Store.GetStreamer(ctx, streamerID)
	if err != nil {
		return err
	}
	if streamer == nil {
		return coreerrors.New(coreerrors.KindStreamerNotFound, fmt.Sprintf("streamer %d not found", streamerID))
	}

	for _, subID := range s.subs[streamerID] {
		if err := s.Twitch.DeleteEventSubSubscription(ctx, subID); err != nil {
			s.logger.Warn().Err(err).Str("subscription_id", subID).Msg("eventsub unsubscribe failed")
		}
	}
	delete(s.subs, streamerID)

	if err := s.Store.RemoveStreamer(ctx, streamerID); err != nil {
		return err
	}
	s.logger.Info().Str("login", streamer.Login).Int64("streamer_id", streamerID).Msg("streamer removed")
	return nil
}
