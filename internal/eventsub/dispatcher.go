// Package eventsub is the EventSub Dispatcher: it turns a
// verified Twitch webhook payload into lifecycle manager inputs. HMAC
// verification happens in the HTTP layer and is out of scope here; this
// package assumes every Payload it receives already passed that check.
package eventsub

import (
	"context"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/dedup"
	"github.com/Serph91P/StreamVault-sub002/internal/log"
	"github.com/Serph91P/StreamVault-sub002/internal/store"
	"github.com/rs/zerolog"
)

// SubscriptionType enumerates the three EventSub types the core reacts
// to.
type SubscriptionType string

const (
	TypeStreamOnline   SubscriptionType = "stream.online"
	TypeStreamOffline  SubscriptionType = "stream.offline"
	TypeChannelUpdate  SubscriptionType = "channel.update"
)

// Event is the subset of the Twitch webhook body the dispatcher needs.
type Event struct {
	StreamID             string // Twitch stream id (`event.id` on stream.online)
	BroadcasterUserID    string
	BroadcasterUserLogin string
	BroadcasterUserName  string
	Title                string
	CategoryName         string
	Language             string
	StartedAt            time.Time
}

// Payload is a verified EventSub notification.
type Payload struct {
	MessageID string
	Type      SubscriptionType
	Event     Event
}

// LifecycleHandler receives translated inputs. The Recording Lifecycle
// Manager (internal/lifecycle) implements it.
type LifecycleHandler interface {
	Online(ctx context.Context, streamerID int64, ev Event)
	Offline(ctx context.Context, streamerID int64, ev Event)
	Update(ctx context.Context, streamerID int64, ev Event)
}

// Dispatcher wires deduplication, streamer resolution and lifecycle
// handoff.
type Dispatcher struct {
	store     store.Store
	dedup     dedup.Deduplicator
	lifecycle LifecycleHandler
	logger    zerolog.Logger
}

func New(st store.Store, dd dedup.Deduplicator, lh LifecycleHandler) *Dispatcher {
	return &Dispatcher{
		store:     st,
		dedup:     dd,
		lifecycle: lh,
		logger:    log.WithComponent("eventsub"),
	}
}

// Dispatch drops duplicates and unknown broadcasters, then hands the
// translated input to the lifecycle manager asynchronously, so the HTTP
// layer can acknowledge the webhook the moment Dispatch returns.
func (d *Dispatcher) Dispatch(ctx context.Context, p Payload) error {
	correlationID := p.MessageID
	logCtx := log.ContextWithCorrelationID(ctx, correlationID)
	lg := log.WithContext(logCtx, d.logger)

	dup, err := d.dedup.Seen(ctx, p.MessageID, p.Event.BroadcasterUserID, string(p.Type))
	if err != nil {
		lg.Warn().Err(err).Msg("dedup check failed, proceeding without dedup guarantee")
	} else if dup {
		lg.Debug().Str("broadcaster_id", p.Event.BroadcasterUserID).Msg("dropping duplicate eventsub notification")
		return nil
	}

	streamer, err := d.store.GetStreamerByTwitchID(ctx, p.Event.BroadcasterUserID)
	if err != nil {
		return err
	}
	if streamer == nil {
		lg.Debug().Str("broadcaster_id", p.Event.BroadcasterUserID).Msg("dropping eventsub notification for unknown streamer")
		return nil
	}

	go func() {
		bgCtx := log.ContextWithLogger(context.Background(), lg)
		bgCtx = log.ContextWithCorrelationID(bgCtx, correlationID)
		switch p.Type {
		case TypeStreamOnline:
			d.lifecycle.Online(bgCtx, streamer.ID, p.Event)
		case TypeStreamOffline:
			d.lifecycle.Offline(bgCtx, streamer.ID, p.Event)
		case TypeChannelUpdate:
			d.lifecycle.Update(bgCtx, streamer.ID, p.Event)
		default:
			lg.Warn().Str("type", string(p.Type)).Msg("unhandled eventsub subscription type")
		}
	}()
	return nil
}
