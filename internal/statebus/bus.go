// Package statebus carries Locked/Fulfilled events from an on-chain log
// subscriber to the admission controller, driving preemption of in-flight
// work (spec.md §2.7, §4.4, §6). Capacity is fixed at 100; a subscriber
// that falls behind loses messages, which is fatal for the controller
// (spec.md §6, Design Note iii) — the controller stops with the lag error
// and its supervisor restarts it; resync from chain state is not this
// package's concern.
package statebus

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

const Capacity = 100

// EventKind tags a StateChange.
type EventKind int

const (
	Locked EventKind = iota
	Fulfilled
)

// StateChange is either Locked{request_id, prover} or Fulfilled{request_id}.
type StateChange struct {
	Kind      EventKind
	RequestID string
	Prover    common.Address // only set for Locked
}

func (s StateChange) String() string {
	switch s.Kind {
	case Locked:
		return fmt.Sprintf("Locked{request_id=%s, prover=%s}", s.RequestID, s.Prover.Hex())
	case Fulfilled:
		return fmt.Sprintf("Fulfilled{request_id=%s}", s.RequestID)
	default:
		return "unknown state change"
	}
}

// ErrLagged is delivered to a subscriber that could not keep up: its
// buffered channel was full when a new event arrived, so that event (and
// the subscriber's delivery guarantee) was dropped.
type ErrLagged struct {
	Dropped int
}

func (e *ErrLagged) Error() string {
	return fmt.Sprintf("statebus: subscriber lagged, dropped %d events", e.Dropped)
}

// Bus is a single-producer, multi-consumer broadcast channel. The on-chain
// watcher is the sole publisher; the admission controller is the sole
// consumer in production, but tests may subscribe multiple times.
type Bus struct {
	subsMu    sync.Mutex
	listeners []*subscriber
}

type subscriber struct {
	ch     chan StateChange
	lagged chan *ErrLagged
}

// New creates an empty Bus ready to accept subscribers and publishes.
func New() *Bus {
	return &Bus{}
}

// Publish delivers an event to every current subscriber. It never blocks
// on a slow subscriber: a full subscriber buffer causes that subscriber to
// be marked lagged instead.
func (b *Bus) Publish(sc StateChange) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for _, sub := range b.listeners {
		select {
		case sub.ch <- sc:
		default:
			select {
			case sub.lagged <- &ErrLagged{Dropped: 1}:
			default:
			}
		}
	}
}

// Subscription is a single consumer's view of the bus.
type Subscription struct {
	Events <-chan StateChange
	Lagged <-chan *ErrLagged
	bus    *Bus
	sub    *subscriber
}

// Subscribe registers a new consumer with a buffered channel of Capacity.
func (b *Bus) Subscribe() *Subscription {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	sub := &subscriber{
		ch:     make(chan StateChange, Capacity),
		lagged: make(chan *ErrLagged, 1),
	}
	b.listeners = append(b.listeners, sub)

	return &Subscription{
		Events: sub.ch,
		Lagged: sub.lagged,
		bus:    b,
		sub:    sub,
	}
}

// Unsubscribe removes the subscription from the bus.
func (s *Subscription) Unsubscribe() {
	s.bus.subsMu.Lock()
	defer s.bus.subsMu.Unlock()
	for i, sub := range s.bus.listeners {
		if sub == s.sub {
			s.bus.listeners = append(s.bus.listeners[:i], s.bus.listeners[i+1:]...)
			break
		}
	}
}
