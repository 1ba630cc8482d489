// Package bus implements the in-process trade event bus: a many-to-many
// publish/subscribe mechanism that fans every normalized Trade out to
// every registered subscriber without ever blocking the publisher on a
// slow consumer.
//
// A single goroutine owns the subscriber map, so no mutex is needed
// around it, and each subscriber's mailbox is a bounded channel that
// drops its oldest undelivered event on overflow rather than applying
// backpressure to the publisher.
package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nealsshah/dawn-trial/internal/model"
)

// DefaultMailboxSize is the per-subscriber buffer depth.
const DefaultMailboxSize = 256

// subscribeTimeout bounds how long Subscribe waits for the Run loop to
// accept a registration.
const subscribeTimeout = 5 * time.Second

// DropRecorder receives a notification each time a subscriber's mailbox
// drops a trade for being too slow, for the performance tracker. Mirrors
// wshub.DropRecorder; defined separately so this package stays free to
// be tested without importing internal/metrics.
type DropRecorder interface {
	RecordBusDrop()
}

// Subscription is a handle returned by Subscribe. Callers read from Trades
// until it is closed (on Unsubscribe or bus shutdown).
type Subscription struct {
	id     int64
	Trades <-chan model.Trade

	ch chan model.Trade

	// Dropped counts events dropped for this subscriber because its
	// mailbox was full when a publish arrived.
	Dropped atomic.Int64
}

// Bus is the trade event bus. All subscriber-map mutation happens inside
// the single goroutine started by Run; Publish and Subscribe communicate
// with it over channels.
type Bus struct {
	mailboxSize int
	tracker     DropRecorder

	subscribeCh   chan *Subscription
	unsubscribeCh chan *Subscription
	publishCh     chan model.Trade

	nextID  atomic.Int64
	started atomic.Bool
}

// New creates a Bus with the given per-subscriber mailbox size. A size of
// 0 selects DefaultMailboxSize. tracker may be nil, in which case drops
// are still counted per-subscriber but never reported.
func New(mailboxSize int, tracker DropRecorder) *Bus {
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}
	return &Bus{
		mailboxSize:   mailboxSize,
		tracker:       tracker,
		subscribeCh:   make(chan *Subscription),
		unsubscribeCh: make(chan *Subscription, 16),
		publishCh:     make(chan model.Trade, 1024),
	}
}

func (b *Bus) recordDrop() {
	if b.tracker != nil {
		b.tracker.RecordBusDrop()
	}
}

// Subscribe registers a new subscriber and returns its handle once the Run
// loop has added it, so every Publish made after Subscribe returns
// reaches the new subscriber. It fails if Run does not accept the
// registration within subscribeTimeout. Safe to call concurrently with
// Publish and with other Subscribe/Unsubscribe calls.
func (b *Bus) Subscribe() (*Subscription, error) {
	ch := make(chan model.Trade, b.mailboxSize)
	sub := &Subscription{
		id:     b.nextID.Add(1),
		Trades: ch,
		ch:     ch,
	}

	select {
	case b.subscribeCh <- sub:
		return sub, nil
	case <-time.After(subscribeTimeout):
		return nil, errors.New("bus not running")
	}
}

// Unsubscribe removes a subscriber. The subscriber's channel is closed
// once the Run goroutine processes the request.
func (b *Bus) Unsubscribe(sub *Subscription) {
	select {
	case b.unsubscribeCh <- sub:
	default:
		log.Warn().Msg("bus unsubscribe queue full, dropping request")
	}
}

// Publish delivers trade to every current subscriber. It never blocks: if
// a subscriber's mailbox is full, that subscriber's oldest queued trade is
// dropped to make room, and its Dropped counter is incremented.
//
// Publish itself is non-blocking only with respect to subscriber mailboxes
// — it still sends into the bus's own internal queue, which is sized large
// enough that a stalled dispatch goroutine is the only way to back it up.
func (b *Bus) Publish(ctx context.Context, trade model.Trade) {
	select {
	case b.publishCh <- trade:
	case <-ctx.Done():
	}
}

// Run is the dispatch loop. It blocks until ctx is cancelled, then
// dispatches every trade still waiting in its publish queue before
// returning.
func (b *Bus) Run(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("bus already started")
	}

	subscribers := make(map[int64]*Subscription)
	defer func() {
		for _, sub := range subscribers {
			close(sub.ch)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case trade := <-b.publishCh:
					for _, sub := range subscribers {
						b.dispatch(sub, trade)
					}
				default:
					return nil
				}
			}
		case sub := <-b.subscribeCh:
			subscribers[sub.id] = sub
		case sub := <-b.unsubscribeCh:
			if _, ok := subscribers[sub.id]; ok {
				delete(subscribers, sub.id)
				close(sub.ch)
			}
		case trade := <-b.publishCh:
			for _, sub := range subscribers {
				b.dispatch(sub, trade)
			}
		}
	}
}

func (b *Bus) dispatch(sub *Subscription, trade model.Trade) {
	select {
	case sub.ch <- trade:
		return
	default:
	}

	// Mailbox full: drop the oldest queued trade to make room for the new
	// one.
	select {
	case <-sub.ch:
		sub.Dropped.Add(1)
		b.recordDrop()
	default:
	}

	select {
	case sub.ch <- trade:
	default:
		// Another publisher won the race for the freed slot; count this
		// one as dropped too rather than spin.
		sub.Dropped.Add(1)
		b.recordDrop()
	}
}
