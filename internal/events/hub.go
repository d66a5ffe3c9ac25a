// Package events broadcasts run lifecycle changes to in-process subscribers
// such as the WebSocket endpoint.
package events

import (
	"sync/atomic"
	"time"
)

// Event types.
const (
	TypeRunTransition = "run.transition"
	TypeRunError      = "run.error"
	TypeRunCreated    = "run.created"
)

// Event describes one change to a run.
type Event struct {
	Type  string    `json:"type"`
	RunID string    `json:"run_id"`
	From  string    `json:"from,omitempty"`
	To    string    `json:"to,omitempty"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// Hub fans events out to subscribers.
//
// A single internal loop owns the subscriber set; public methods talk to it
// through channels. Slow subscribers miss events instead of blocking
// publishers.
type Hub struct {
	subscribeCh   chan chan Event
	unsubscribeCh chan chan Event
	publishCh     chan Event
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewHub starts a hub.
func NewHub() *Hub {
	h := &Hub{
		subscribeCh:   make(chan chan Event),
		unsubscribeCh: make(chan chan Event),
		publishCh:     make(chan Event, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)

	subs := make(map[chan Event]struct{})
	for {
		select {
		case <-h.stopCh:
			for ch := range subs {
				close(ch)
			}
			return

		case ch := <-h.subscribeCh:
			subs[ch] = struct{}{}

		case ch := <-h.unsubscribeCh:
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}

		case ev := <-h.publishCh:
			for ch := range subs {
				select {
				case ch <- ev:
				default:
				}
			}

		case resp := <-h.countReqCh:
			resp <- len(subs)
		}
	}
}

// Close stops the hub and closes every subscriber channel.
func (h *Hub) Close() {
	if h.closed.CompareAndSwap(false, true) {
		close(h.stopCh)
	}
	<-h.stopped
}

// Subscribe registers a subscriber. The channel is closed on Unsubscribe or
// Close.
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, 64)
	if h.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case h.subscribeCh <- ch:
	case <-h.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(ch chan Event) {
	if h.closed.Load() {
		return
	}
	select {
	case h.unsubscribeCh <- ch:
	case <-h.stopped:
	}
}

// Publish delivers ev to current subscribers. It never blocks on a slow
// subscriber.
func (h *Hub) Publish(ev Event) {
	if h.closed.Load() {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case h.publishCh <- ev:
	case <-h.stopped:
	}
}

// SubscriberCount returns the number of subscribers.
func (h *Hub) SubscriberCount() int {
	if h.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case h.countReqCh <- resp:
	case <-h.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-h.stopped:
		return 0
	}
}
