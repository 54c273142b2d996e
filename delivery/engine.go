// Package delivery turns a classified change into channel messages. It posts
// new notices, edits the tracked live notice in place, retries rate-limited and
// unavailable responses with bounded backoff, and returns the state the caller
// must persist. Failures other than rate limits and unavailability abandon the
// operation and leave the state untouched.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/stream-herald/discord"
	"github.com/onnwee/stream-herald/notify"
	"github.com/onnwee/stream-herald/telemetry"
)

// ErrEditSuppressed is returned when the edit breaker skipped an edit.
var ErrEditSuppressed = errors.New("edit suppressed after repeated rate limits")

// Messenger is the chat side. *discord.Client satisfies it.
type Messenger interface {
	SendMessage(ctx context.Context, channelID string, msg discord.MessageSend) (discord.Message, error)
	EditMessage(ctx context.Context, channelID, messageID string, msg discord.MessageSend) (discord.Message, error)
}

// Outcome says what Deliver did on the channel.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeSent
	OutcomeEdited
	// OutcomeResent: the tracked message was gone so a new one was posted.
	OutcomeResent
	// OutcomeSuppressed: state advanced without a message (cooldown flap, nothing tracked).
	OutcomeSuppressed
	// OutcomeSkipped: the edit breaker held the edit back.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeSent:
		return "sent"
	case OutcomeEdited:
		return "edited"
	case OutcomeResent:
		return "resent"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Policy is the retry schedule for one kind of call.
type Policy struct {
	MaxAttempts     int
	RateLimitBase   time.Duration // wait is (attempt+1)*base when the server gives no retry_after
	UnavailableWait time.Duration
}

var (
	DefaultSendPolicy = Policy{MaxAttempts: 3, RateLimitBase: 2 * time.Second, UnavailableWait: 5 * time.Second}
	DefaultEditPolicy = Policy{MaxAttempts: 3, RateLimitBase: 5 * time.Second, UnavailableWait: 10 * time.Second}
)

type Options struct {
	ChannelID   string
	Mention     string
	SeenHistory int
	// Cooldown suppresses a second announcement when a stream flaps back
	// online shortly after the last notice.
	Cooldown   time.Duration
	SendPolicy Policy
	EditPolicy Policy
}

type Engine struct {
	msgr    Messenger
	opts    Options
	breaker *EditBreaker

	// Now and Sleep are replaced in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewEngine(m Messenger, breaker *EditBreaker, opts Options) *Engine {
	if opts.SendPolicy.MaxAttempts <= 0 {
		opts.SendPolicy = DefaultSendPolicy
	}
	if opts.EditPolicy.MaxAttempts <= 0 {
		opts.EditPolicy = DefaultEditPolicy
	}
	if opts.SeenHistory <= 0 {
		opts.SeenHistory = notify.DefaultSeenHistory
	}
	if breaker == nil {
		breaker = NewEditBreaker(0, 0, 0)
	}
	return &Engine{msgr: m, opts: opts, breaker: breaker, Now: time.Now, Sleep: sleepCtx}
}

// Breaker exposes the edit breaker so its GC loop can be started.
func (e *Engine) Breaker() *EditBreaker { return e.breaker }

// Deliver acts on the change between prev and snap and returns the state to
// persist. On error the returned state equals prev.
func (e *Engine) Deliver(ctx context.Context, sub notify.Subject, prev notify.SubjectState, snap notify.Snapshot) (notify.SubjectState, Outcome, error) {
	change := notify.Classify(sub.Kind, prev, snap)
	if change == notify.ChangeNone {
		return prev, OutcomeNone, nil
	}
	telemetry.RecordChange(change.String())

	ctx, span := telemetry.StartSpan(ctx, "delivery", "deliver", telemetry.SubjectAttrs(string(sub.Kind), sub.ID)...)
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("subject", sub.Key()), slog.String("change", change.String()), slog.String("component", "delivery"))

	var (
		next    notify.SubjectState
		outcome Outcome
		err     error
	)
	switch change {
	case notify.ChangeWentLive:
		next, outcome, err = e.wentLive(ctx, sub, prev, snap)
	case notify.ChangeUpdated:
		next, outcome, err = e.updated(ctx, sub, prev, snap)
	case notify.ChangeWentOffline:
		next, outcome, err = e.wentOffline(ctx, sub, prev)
	case notify.ChangeNewItem:
		next, outcome, err = e.newItem(ctx, sub, prev, snap)
	}
	if err != nil {
		if errors.Is(err, ErrEditSuppressed) {
			telemetry.RecordEditSkip()
			log.Warn("edit skipped by breaker", slog.String("message_id", prev.MessageID))
			return prev, OutcomeSkipped, nil
		}
		telemetry.RecordError(span, err)
		log.Warn("delivery abandoned", slog.String("kind", notify.KindOf(err).String()), slog.Any("err", err))
		return prev, OutcomeNone, err
	}
	telemetry.SetSpanSuccess(span)
	log.Info("delivered", slog.String("outcome", outcome.String()), slog.String("message_id", next.MessageID))
	return next, outcome, nil
}

func (e *Engine) base(prev notify.SubjectState, sub notify.Subject) notify.SubjectState {
	next := prev.Clone()
	next.SubjectKey = sub.Key()
	next.UpdatedAt = e.Now()
	return next
}

func applySnapshot(st *notify.SubjectState, snap notify.Snapshot) {
	st.ContentID = snap.ContentID
	st.Title = snap.Title
	st.Category = snap.Category
	st.ThumbnailURL = snap.ThumbnailURL
	st.URL = snap.URL
}

func (e *Engine) wentLive(ctx context.Context, sub notify.Subject, prev notify.SubjectState, snap notify.Snapshot) (notify.SubjectState, Outcome, error) {
	next := e.base(prev, sub)
	next.Live = true
	applySnapshot(&next, snap)
	next.MarkSeen(snap.ContentID, e.opts.SeenHistory)

	if e.flapped(prev, snap) {
		next.MessageID = ""
		return next, OutcomeSuppressed, nil
	}
	msg, err := e.send(ctx, LiveMessage(sub, snap, e.opts.Mention))
	if err != nil {
		return prev, OutcomeNone, err
	}
	next.MessageID = msg.ID
	next.ChannelID = e.opts.ChannelID
	next.LastNotifiedAt = e.Now()
	return next, OutcomeSent, nil
}

// flapped is true when the same stream comes back within the cooldown of its notice.
func (e *Engine) flapped(prev notify.SubjectState, snap notify.Snapshot) bool {
	if e.opts.Cooldown <= 0 || prev.LastNotifiedAt.IsZero() || snap.ContentID == "" {
		return false
	}
	return prev.ContentID == snap.ContentID && e.Now().Sub(prev.LastNotifiedAt) < e.opts.Cooldown
}

func (e *Engine) updated(ctx context.Context, sub notify.Subject, prev notify.SubjectState, snap notify.Snapshot) (notify.SubjectState, Outcome, error) {
	next := e.base(prev, sub)
	applySnapshot(&next, snap)
	next.MarkSeen(snap.ContentID, e.opts.SeenHistory)
	if !prev.HasLiveMessage() {
		return next, OutcomeSuppressed, nil
	}

	err := e.edit(ctx, prev.ChannelIDOr(e.opts.ChannelID), prev.MessageID, LiveMessage(sub, snap, e.opts.Mention))
	switch {
	case err == nil:
		next.LastNotifiedAt = e.Now()
		return next, OutcomeEdited, nil
	case notify.IsKind(err, notify.KindNotFound):
		msg, serr := e.send(ctx, LiveMessage(sub, snap, e.opts.Mention))
		if serr != nil {
			return prev, OutcomeNone, serr
		}
		next.MessageID = msg.ID
		next.ChannelID = e.opts.ChannelID
		next.LastNotifiedAt = e.Now()
		return next, OutcomeResent, nil
	default:
		return prev, OutcomeNone, err
	}
}

func (e *Engine) wentOffline(ctx context.Context, sub notify.Subject, prev notify.SubjectState) (notify.SubjectState, Outcome, error) {
	next := e.base(prev, sub)
	next.Live = false
	next.MessageID = ""
	if !prev.HasLiveMessage() {
		return next, OutcomeSuppressed, nil
	}

	err := e.edit(ctx, prev.ChannelIDOr(e.opts.ChannelID), prev.MessageID, OfflineMessage(sub, prev))
	switch {
	case err == nil:
		return next, OutcomeEdited, nil
	case notify.IsKind(err, notify.KindNotFound):
		// nothing left to edit; stop tracking it
		return next, OutcomeSuppressed, nil
	default:
		return prev, OutcomeNone, err
	}
}

func (e *Engine) newItem(ctx context.Context, sub notify.Subject, prev notify.SubjectState, snap notify.Snapshot) (notify.SubjectState, Outcome, error) {
	if _, err := e.send(ctx, FeedMessage(sub, snap, e.opts.Mention)); err != nil {
		return prev, OutcomeNone, err
	}
	next := e.base(prev, sub)
	next.Live = snap.Live
	applySnapshot(&next, snap)
	next.MarkSeen(snap.ContentID, e.opts.SeenHistory)
	next.ChannelID = e.opts.ChannelID
	next.LastNotifiedAt = e.Now()
	return next, OutcomeSent, nil
}

func (e *Engine) send(ctx context.Context, msg discord.MessageSend) (discord.Message, error) {
	var out discord.Message
	err := e.retry(ctx, "send", e.opts.SendPolicy, nil, nil, func() error {
		var err error
		out, err = e.msgr.SendMessage(ctx, e.opts.ChannelID, msg)
		return err
	})
	telemetry.RecordDelivery("send", resultLabel(err))
	return out, err
}

func (e *Engine) edit(ctx context.Context, channelID, messageID string, msg discord.MessageSend) error {
	if !e.breaker.Allow(messageID) {
		return ErrEditSuppressed
	}
	// one rate-limited edit counts once, however many 429s it saw
	counted := false
	onRateLimited := func() {
		if !counted {
			counted = true
			e.breaker.RecordRateLimited(messageID)
		}
	}
	allow := func() bool { return e.breaker.Allow(messageID) }
	err := e.retry(ctx, "edit", e.opts.EditPolicy, onRateLimited, allow, func() error {
		_, err := e.msgr.EditMessage(ctx, channelID, messageID, msg)
		return err
	})
	if err == nil {
		e.breaker.Reset(messageID)
	}
	telemetry.RecordDelivery("edit", resultLabel(err))
	return err
}

// retry runs call up to p.MaxAttempts times and waits after every rate-limited
// or unavailable response, the last one included. onRateLimited runs on each
// 429. A non-nil allow is consulted before each wait; false ends the loop with
// the last error.
func (e *Engine) retry(ctx context.Context, op string, p Policy, onRateLimited func(), allow func() bool, call func() error) error {
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err = call()
		if err == nil {
			return nil
		}
		var wait time.Duration
		switch notify.KindOf(err) {
		case notify.KindRateLimited:
			if onRateLimited != nil {
				onRateLimited()
			}
			telemetry.RecordRateLimitRetry(op)
			wait = notify.RetryAfterOf(err)
			if wait <= 0 {
				wait = time.Duration(attempt+1) * p.RateLimitBase
			}
		case notify.KindServiceUnavailable:
			wait = p.UnavailableWait
		default:
			return err
		}
		if allow != nil && !allow() {
			telemetry.RecordEditSkip()
			return err
		}
		telemetry.LoggerWithCorr(ctx).Debug("retrying channel call",
			slog.String("op", op), slog.Int("attempt", attempt+1), slog.Duration("wait", wait), slog.String("component", "delivery"))
		if serr := e.Sleep(ctx, wait); serr != nil {
			return serr
		}
	}
	return err
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return notify.KindOf(err).String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
