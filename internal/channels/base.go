// Package channels connects inbox channels to their messaging platforms.
//
// An Adapter opens one Session per channel. Sessions report what happens on
// the platform (inbound messages, receipts, pairing payloads, connection
// changes) as bus events through their Sink; the Manager owns the sessions
// and drives the channel status machine from those events.
package channels

import (
	"context"

	"github.com/dayuer/inboxd/internal/bus"
	"github.com/dayuer/inboxd/internal/model"
)

// Sink receives the events of one session.
type Sink interface {
	Emit(evt bus.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(evt bus.Event)

func (f SinkFunc) Emit(evt bus.Event) { f(evt) }

// Adapter opens sessions for one platform.
type Adapter interface {
	// Open prepares a session for ch without connecting it. OAuth adapters
	// verify the stored token here.
	Open(ctx context.Context, ch model.Channel, sink Sink) (Session, error)
}

// Session is a live link between a channel and its platform.
type Session interface {
	// Connect resumes a stored session (resumed=true) or starts pairing, in
	// which case pairing payloads arrive as events.
	Connect(ctx context.Context) (resumed bool, err error)

	// Send delivers content to contact and returns the platform message id.
	Send(ctx context.Context, contact string, content model.Content) (externalID string, err error)

	// Close disconnects and keeps the credentials.
	Close(ctx context.Context) error

	// Release logs out and forgets the credentials on the platform side.
	Release(ctx context.Context) error
}

// transitions lists the statuses each status may move to.
var transitions = map[model.ChannelStatus][]model.ChannelStatus{
	model.ChannelPending:         {model.ChannelAwaitingPairing, model.ChannelActive, model.ChannelError, model.ChannelRemoved},
	model.ChannelAwaitingPairing: {model.ChannelActive, model.ChannelPending, model.ChannelDisconnected, model.ChannelError, model.ChannelRemoved},
	model.ChannelActive:          {model.ChannelDisconnected, model.ChannelError, model.ChannelPending, model.ChannelRemoved},
	model.ChannelDisconnected:    {model.ChannelAwaitingPairing, model.ChannelActive, model.ChannelPending, model.ChannelError, model.ChannelRemoved},
	model.ChannelError:           {model.ChannelAwaitingPairing, model.ChannelActive, model.ChannelPending, model.ChannelRemoved},
	model.ChannelRemoved:         {model.ChannelPending},
}

// CanTransition reports whether a channel may move from one status to
// another. Staying in the same status is always allowed.
func CanTransition(from, to model.ChannelStatus) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
