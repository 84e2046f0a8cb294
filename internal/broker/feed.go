// Package broker implements the Upstream Feed Client: the single
// reference-counted connection to the broker's streaming endpoint
// that multiplexes subscriptions across all sessions.
package broker

import (
	"context"

	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/models"
)

// Feed is the transport-level contract a concrete broker connection
// satisfies. It generalizes a single ticker interface to the
// subscribe/unsubscribe-by-token shape this client needs.
type Feed interface {
	Connect(ctx context.Context, creds Credentials) error
	Disconnect() error
	Subscribe(tokens []uint32) error
	Unsubscribe(tokens []uint32) error
	OnTick(handler func(models.Tick))
	OnError(handler func(error))
	OnConnect(handler func())
	OnClose(handler func(code int, reason string))
}

// Credentials are the broker auth fields delegated from whichever
// Session first wakes the client. The client keeps the credentials
// from the first Subscribe call and uses them for every later connect;
// they are not replaced on disconnect or on rejection, and no pool of
// alternates is kept.
type Credentials struct {
	APIKey      string
	AccessToken string
}

// TickSink is a Session's single-slot "latest tick per token" mailbox.
// Delivery overwrites rather than queues, an implicit conflate policy.
type TickSink interface {
	SessionID() string
	Deliver(tick models.Tick)
}
