// Package bus fans protocol events out to subscribers. Each subscriber
// owns a buffered channel; events for one channel address are published
// in update-application order, so a subscriber observes them in order.
package bus

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	klog "github.com/TomAFrench/vector/internal/log"
	"github.com/TomAFrench/vector/pkg/types"
)

// EventName identifies an event stream.
type EventName string

const (
	ChannelUpdateEvent          EventName = "CHANNEL_UPDATE_EVENT"
	ConditionalTransferCreated  EventName = "CONDITIONAL_TRANSFER_CREATED"
	ConditionalTransferResolved EventName = "CONDITIONAL_TRANSFER_RESOLVED"
	IsAliveEvent                EventName = "IS_ALIVE"
	RestoreStateEvent           EventName = "RESTORE_STATE_EVENT"
	WithdrawalCreatedEvent      EventName = "WITHDRAWAL_CREATED"
	WithdrawalResolvedEvent     EventName = "WITHDRAWAL_RESOLVED"
	WithdrawalReconciledEvent   EventName = "WITHDRAWAL_RECONCILED_EVENT"
)

// ChannelUpdatePayload accompanies ChannelUpdateEvent.
type ChannelUpdatePayload struct {
	Channel *types.ChannelState
	Update  *types.Update
}

// TransferPayload accompanies transfer created/resolved and withdrawal
// events.
type TransferPayload struct {
	Channel  *types.ChannelState
	Transfer *types.TransferState
	// ConditionType is the definition registry name.
	ConditionType string
}

// IsAlivePayload accompanies IsAliveEvent.
type IsAlivePayload struct {
	ChannelAddress types.Hash
	Identifier     types.PublicIdentifier
	SkipCheckIn    bool
}

// RestorePayload accompanies RestoreStateEvent.
type RestorePayload struct {
	Channel   *types.ChannelState
	Transfers []*types.TransferState
}

// Event is one published occurrence.
type Event struct {
	Name    EventName
	At      time.Time
	Payload any
}

// Filter decides whether a subscriber receives an event.
type Filter func(Event) bool

type subscription struct {
	ch     chan Event
	filter Filter
}

// Bus is a multi-producer/multi-consumer event fanout.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventName][]*subscription
	logger zerolog.Logger
}

// subscriberBuffer bounds each subscriber's backlog. A subscriber that
// falls this far behind starts losing events (logged).
const subscriberBuffer = 256

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:   make(map[EventName][]*subscription),
		logger: klog.WithComponent("bus"),
	}
}

// Subscribe registers for an event stream. A nil filter receives every
// event. The returned cancel func unregisters and closes the channel.
func (b *Bus) Subscribe(name EventName, filter Filter) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, subscriberBuffer), filter: filter}
	b.mu.Lock()
	b.subs[name] = append(b.subs[name], sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[name]
		for i, s := range subs {
			if s == sub {
				b.subs[name] = append(subs[:i], subs[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
	return sub.ch, cancel
}

// Attach subscribes and consumes events on a dedicated goroutine,
// preserving per-subscriber ordering. Returns the cancel func.
func (b *Bus) Attach(name EventName, filter Filter, handler func(Event)) func() {
	ch, cancel := b.Subscribe(name, filter)
	go func() {
		for evt := range ch {
			handler(evt)
		}
	}()
	return cancel
}

// Publish delivers an event to every matching subscriber.
func (b *Bus) Publish(name EventName, payload any) {
	evt := Event{Name: name, At: time.Now().UTC(), Payload: payload}
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs[name]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.logger.Warn().Str("event", string(name)).Msg("subscriber backlog full, dropping event")
		}
	}
}
