// Package poller queries content sources for one subject at a time and turns
// the answer into a notify.Snapshot. It never mutates state. Each source sits
// behind its own circuit breaker so a provider outage short-circuits polls
// instead of stacking timeouts.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/onnwee/stream-herald/notify"
	"github.com/onnwee/stream-herald/telemetry"
	"github.com/onnwee/stream-herald/twitchapi"
	"github.com/onnwee/stream-herald/youtubeapi"
)

// ErrSourceUnavailable is wrapped into the error returned while a source breaker is open.
var ErrSourceUnavailable = errors.New("source circuit open")

// StatusSource is the Twitch side: who is live right now.
type StatusSource interface {
	GetStreams(ctx context.Context, login string) ([]twitchapi.Stream, error)
	GetGame(ctx context.Context, id string) (twitchapi.Game, error)
}

// FeedSource returns the newest entry of a channel feed.
type FeedSource interface {
	LatestItem(ctx context.Context, channelID string) (youtubeapi.FeedItem, bool, error)
}

// LiveConfirmer verifies a heuristic live guess.
type LiveConfirmer interface {
	ConfirmLive(ctx context.Context, videoID string) (bool, error)
}

// BreakerOptions tunes the per-source circuit breakers.
type BreakerOptions struct {
	FailureThreshold uint
	Delay            time.Duration
}

func (o BreakerOptions) withDefaults() BreakerOptions {
	if o.FailureThreshold == 0 {
		o.FailureThreshold = 5
	}
	if o.Delay <= 0 {
		o.Delay = time.Minute
	}
	return o
}

// Poller polls Twitch status and YouTube feeds. Confirmer may be nil, in which
// case the feed heuristic alone decides liveness.
type Poller struct {
	twitch    StatusSource
	feed      FeedSource
	confirmer LiveConfirmer
	breakers  map[notify.SourceKind]circuitbreaker.CircuitBreaker[any]
}

func New(twitch StatusSource, feed FeedSource, confirmer LiveConfirmer, opts BreakerOptions) *Poller {
	opts = opts.withDefaults()
	p := &Poller{
		twitch:    twitch,
		feed:      feed,
		confirmer: confirmer,
		breakers:  make(map[notify.SourceKind]circuitbreaker.CircuitBreaker[any]),
	}
	for _, kind := range []notify.SourceKind{notify.SourceTwitch, notify.SourceYouTube} {
		p.breakers[kind] = newBreaker(string(kind), opts)
	}
	return p
}

func newBreaker(source string, opts BreakerOptions) circuitbreaker.CircuitBreaker[any] {
	return circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return countsAsOutage(err) }).
		WithFailureThreshold(opts.FailureThreshold).
		WithDelay(opts.Delay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			open := e.NewState == circuitbreaker.OpenState
			telemetry.UpdateCircuitGauge(source, open)
			slog.Warn("source circuit breaker state change",
				slog.String("source", source),
				slog.String("from", stateName(e.OldState)),
				slog.String("to", stateName(e.NewState)),
				slog.String("component", "poller"))
		}).
		Build()
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}

// countsAsOutage is true for failures that say something about the provider
// rather than about one subject.
func countsAsOutage(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch notify.KindOf(err) {
	case notify.KindTransient, notify.KindServiceUnavailable, notify.KindRateLimited:
		return true
	default:
		return false
	}
}

// BreakerOpen reports whether the breaker for kind is currently open.
func (p *Poller) BreakerOpen(kind notify.SourceKind) bool {
	cb, ok := p.breakers[kind]
	return ok && cb.IsOpen()
}

// Poll observes sub once. prev is only read to avoid confirming items that
// were already handled.
func (p *Poller) Poll(ctx context.Context, sub notify.Subject, prev notify.SubjectState) (notify.Snapshot, error) {
	source := string(sub.Kind)
	ctx, span := telemetry.StartSpan(ctx, "poller", "poll", telemetry.SubjectAttrs(source, sub.ID)...)
	defer span.End()

	cb, ok := p.breakers[sub.Kind]
	if !ok {
		return notify.Snapshot{}, fmt.Errorf("poll: unknown source kind %q", sub.Kind)
	}

	start := time.Now()
	snap, err := failsafe.With[any](cb).Get(func() (any, error) {
		switch sub.Kind {
		case notify.SourceTwitch:
			return p.pollTwitch(ctx, sub)
		default:
			return p.pollFeed(ctx, sub, prev)
		}
	})
	d := time.Since(start)

	if errors.Is(err, circuitbreaker.ErrOpen) {
		telemetry.RecordPoll(source, "short_circuit", d)
		err = notify.E(notify.KindTransient, "poll."+source, ErrSourceUnavailable)
		telemetry.RecordError(span, err)
		return notify.Snapshot{}, err
	}
	if err != nil {
		telemetry.RecordPoll(source, notify.KindOf(err).String(), d)
		telemetry.RecordError(span, err)
		return notify.Snapshot{}, err
	}
	telemetry.RecordPoll(source, "ok", d)
	telemetry.SetSpanSuccess(span)
	out := snap.(notify.Snapshot)
	out.SubjectKey = sub.Key()
	return out, nil
}

func (p *Poller) pollTwitch(ctx context.Context, sub notify.Subject) (notify.Snapshot, error) {
	if p.twitch == nil {
		return notify.Snapshot{}, notify.E(notify.KindAuthFailure, "poll.twitch", errors.New("twitch source not configured"))
	}
	streams, err := p.twitch.GetStreams(ctx, sub.ID)
	if err != nil {
		return notify.Snapshot{}, err
	}
	snap := notify.Snapshot{URL: "https://www.twitch.tv/" + strings.ToLower(sub.ID)}
	if len(streams) == 0 {
		return snap, nil
	}
	s := streams[0]
	snap.Live = s.Type == "" || s.Type == "live"
	snap.ContentID = s.ID
	snap.Title = s.Title
	snap.Category = p.category(ctx, s)
	snap.ViewerCount = s.ViewerCount
	snap.StartedAt = s.StartedAt
	snap.ThumbnailURL = ScaleThumbnail(s.ThumbnailURL)
	return snap, nil
}

// category prefers the stream's game_name and falls back to a game lookup.
func (p *Poller) category(ctx context.Context, s twitchapi.Stream) string {
	if s.GameName != "" {
		return s.GameName
	}
	if s.GameID != "" {
		g, err := p.twitch.GetGame(ctx, s.GameID)
		if err == nil && g.Name != "" {
			return g.Name
		}
		slog.Debug("game lookup failed", slog.String("game_id", s.GameID), slog.Any("err", err), slog.String("component", "poller"))
	}
	return "Unknown"
}

// ScaleThumbnail fills Twitch's {width}x{height} template.
func ScaleThumbnail(u string) string {
	return strings.NewReplacer("{width}", "1280", "{height}", "720").Replace(u)
}

func (p *Poller) pollFeed(ctx context.Context, sub notify.Subject, prev notify.SubjectState) (notify.Snapshot, error) {
	if p.feed == nil {
		return notify.Snapshot{}, notify.E(notify.KindAuthFailure, "poll.youtube", errors.New("feed source not configured"))
	}
	item, ok, err := p.feed.LatestItem(ctx, sub.ID)
	if err != nil || !ok {
		return notify.Snapshot{}, err
	}
	snap := notify.Snapshot{
		ContentID:    item.VideoID,
		Title:        item.Title,
		Description:  item.Description,
		ThumbnailURL: item.ThumbnailURL,
		URL:          item.URL,
		PublishedAt:  item.Published,
	}
	if prev.HasSeen(item.VideoID) {
		return snap, nil
	}
	snap.Live = p.confirm(ctx, item)
	return snap, nil
}

// confirm runs the heuristic and, when it fires, asks the API. Any API error
// means not live.
func (p *Poller) confirm(ctx context.Context, item youtubeapi.FeedItem) bool {
	if !item.LooksLive() {
		return false
	}
	if p.confirmer == nil {
		return true
	}
	live, err := p.confirmer.ConfirmLive(ctx, item.VideoID)
	if err != nil {
		lvl := slog.LevelWarn
		if notify.IsKind(err, notify.KindQuotaExhausted) {
			lvl = slog.LevelError
		}
		telemetry.LoggerWithCorr(ctx).Log(ctx, lvl, "live confirmation failed, treating as upload",
			slog.String("video_id", item.VideoID), slog.Any("err", err), slog.String("component", "poller"))
		return false
	}
	return live
}
