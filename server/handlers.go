package server

import (
	"context"

	"github.com/onnwee/stream-herald/monitor"
	"github.com/onnwee/stream-herald/notify"
	"github.com/onnwee/stream-herald/store"
	"github.com/onnwee/stream-herald/supervisor"
	"github.com/onnwee/stream-herald/twitchapi"
	"github.com/onnwee/stream-herald/youtubeapi"
)

// TwitchUsers validates a login when a Twitch subject is added.
type TwitchUsers interface {
	GetUser(ctx context.Context, login string) (twitchapi.User, error)
}

// ChannelSearcher resolves a search term to a YouTube channel.
type ChannelSearcher interface {
	SearchChannel(ctx context.Context, term string) (youtubeapi.Channel, error)
}

// Checker runs an on-demand cycle.
type Checker interface {
	CheckNow(ctx context.Context, kinds ...notify.SourceKind) []monitor.Result
}

// DomainStatus is the supervisor view used by readiness.
type DomainStatus interface {
	Domain() string
	State() supervisor.State
}

// Deps are the collaborators of the admin API. Nil lookups accept subjects as given.
type Deps struct {
	Store    store.Store
	Locks    *store.Locker
	Checker  Checker
	Twitch   TwitchUsers
	YouTube  ChannelSearcher
	Domains  []DomainStatus
	Confirms *Confirmations
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	store    store.Store
	locks    *store.Locker
	checker  Checker
	twitch   TwitchUsers
	youtube  ChannelSearcher
	domains  []DomainStatus
	confirms *Confirmations
}

func NewHandlers(d Deps) *Handlers {
	if d.Locks == nil {
		d.Locks = store.NewLocker()
	}
	if d.Confirms == nil {
		d.Confirms = NewConfirmations()
	}
	return &Handlers{
		store:    d.Store,
		locks:    d.Locks,
		checker:  d.Checker,
		twitch:   d.Twitch,
		youtube:  d.YouTube,
		domains:  d.Domains,
		confirms: d.Confirms,
	}
}
