// Package sse implements the server-sent-events framing and subscriber
// fan-out used by match streams and spectator feeds (spec.md §6.2). The
// subscriber registry — a channel per connection, broadcast by iterating a
// snapshot and lazily pruning dead entries — mirrors the teacher's
// WebSocket Hub/Client pattern (internal/handlers/websocket.go in
// jonradoff-chessmata), reframed over text/event-stream instead of
// WebSocket frames since the spec's transport surface is SSE-only.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Event is one frame: `event: <Name>\ndata: <json(Data)>\n\n`.
type Event struct {
	Name string
	Data interface{}
}

// subscriberBuffer bounds how far a slow subscriber can lag before being
// dropped outright; the actor must never block on a subscriber.
const subscriberBuffer = 32

// Broadcaster fans one match's events out to any number of subscribers
// (participant stream, spectator stream, log tailers).
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[int64]chan Event
	nextID  int64
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int64]chan Event)}
}

// Subscribe registers a new subscriber and returns its id (for
// Unsubscribe) and its event channel.
func (b *Broadcaster) Subscribe() (int64, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Broadcaster) Unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers ev to every current subscriber without blocking: a
// subscriber whose buffer is full is dropped rather than allowed to stall
// the broadcaster.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			delete(b.subs, id)
			close(ch)
		}
	}
}

// SubscriberCount reports how many subscribers are currently registered.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// WriteEvent writes one SSE frame and flushes.
func WriteEvent(w http.ResponseWriter, flusher http.Flusher, ev Event) error {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// writeWithTimeout runs WriteEvent on a separate goroutine and gives up
// after timeout, treating a slow write the same as a failed one. The
// underlying TCP write isn't actually canceled (net/http gives no portable
// hook for that), but the caller stops waiting on it and tears the
// subscriber down, which is what the 5 s contract requires in practice.
func writeWithTimeout(w http.ResponseWriter, flusher http.Flusher, ev Event, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- WriteEvent(w, flusher, ev)
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("sse: write timed out after %s", timeout)
	}
}

// Serve writes the SSE headers, flushes initial (the burst returned
// alongside a subscription), then pumps ch to the response until ch closes,
// ctx.Done fires (client disconnect), or a write fails/times out. The caller
// is responsible for calling Unsubscribe once Serve returns so the
// broadcaster stops trying to deliver to a dead connection.
func Serve(w http.ResponseWriter, r *http.Request, initial []Event, ch <-chan Event, writeTimeout time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("sse: response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for _, ev := range initial {
		if err := WriteEvent(w, flusher, ev); err != nil {
			return err
		}
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := writeWithTimeout(w, flusher, ev, writeTimeout); err != nil {
				return err
			}
		}
	}
}
