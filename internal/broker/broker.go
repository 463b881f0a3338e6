// Package broker provides the fan-out publish/subscribe bus that connects
// Palaver's modules.
//
// Every module talks to the rest of the system exclusively through a [Bus]:
// it publishes IUs on named exchanges and subscribes handlers to the
// exchanges it consumes. Two implementations are provided — [Client], backed
// by an AMQP broker with fan-out exchanges and automatic reconnection, and
// [MemBus], an in-process bus with identical semantics for tests and
// single-process deployments.
//
// Delivery semantics are deliberately weak: fan-out to all current
// subscribers, at-most-once, no durable queues. Per-subscriber ordering is
// preserved; cross-exchange ordering is not guaranteed.
package broker

import (
	"context"
	"errors"

	"github.com/palaver-dev/palaver/pkg/iu"
)

// The fixed set of exchanges the system communicates on.
const (
	ExchangeAin       = "ain"       // mic audio chunks
	ExchangeASR       = "asr"       // recognized tokens
	ExchangeVAP       = "vap"       // turn events
	ExchangeScore     = "score"     // VAP scores for the UI
	ExchangeBC        = "bc"        // verbal backchannels
	ExchangeEmoAct    = "emo_act"   // expression+action updates
	ExchangeDialogue  = "dialogue"  // system text
	ExchangeDialogue2 = "dialogue2" // system nonverbal
	ExchangeTTS       = "tts"       // system audio chunks
)

// Exchanges lists every exchange declared on connect.
var Exchanges = []string{
	ExchangeAin, ExchangeASR, ExchangeVAP, ExchangeScore, ExchangeBC,
	ExchangeEmoAct, ExchangeDialogue, ExchangeDialogue2, ExchangeTTS,
}

// Handler consumes one IU from a subscription. Handlers for a single
// subscription are invoked sequentially in publication order; a handler that
// blocks stalls only its own subscription.
type Handler func(u iu.IU)

// Bus is the message transport between modules.
//
// Implementations must be safe for concurrent use. Publish never blocks on
// slow consumers; Subscribe registers the handler and returns, consumption
// runs on a background task until ctx is cancelled or the bus is closed.
type Bus interface {
	// Publish sends u on the named fan-out exchange. It may drop the message
	// (with a structured warning) when the transport is unavailable beyond
	// the configured grace period.
	Publish(ctx context.Context, exchange string, u iu.IU) error

	// Subscribe registers handler for every IU subsequently published on the
	// exchange. Each subscription owns a private queue; per-subscription
	// ordering matches publication order.
	Subscribe(ctx context.Context, exchange string, handler Handler) error

	// Close tears down the transport. Pending deliveries may be lost.
	Close() error
}

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("broker: bus is closed")
