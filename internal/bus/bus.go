// Package bus is the C3 component: publishing an Event both durably
// (onto a per-type Redis stream, trimmed to a bounded length, for
// system.get_state/audit replay) and transiently (to any in-process
// subscriber — the WebSocket hub, the metrics middleware). Grounded on
// control_plane/streaming/interface.go's Publisher/Subscriber/
// Subscription split and streaming/logger.go's JSON-then-publish shape,
// combined with the non-blocking broadcast channel pattern from
// other_examples' nugget-thane-ai-agent events bus (buffered
// per-subscriber channel, drop-on-full, explicit Unsubscribe handle).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fblgit/claudebench/internal/domain"
	"github.com/fblgit/claudebench/internal/kv"
	"github.com/google/uuid"
)

// DefaultStreamMaxLen bounds how many entries a per-type stream keeps
// before XADD's approximate trimming starts dropping the oldest.
const DefaultStreamMaxLen = 10000

// DefaultSubscriberBuffer sizes a new subscriber's channel. Sized for
// a dashboard feed, not a guaranteed-delivery consumer.
const DefaultSubscriberBuffer = 128

// Bus durably records events onto per-type Redis streams and
// broadcasts them to any in-process subscriber.
type Bus struct {
	store  kv.Store
	source string

	mu   sync.RWMutex
	subs map[chan domain.Event]subFilter
}

type subFilter struct {
	exact  string          // exact event type match, "" = no filter
	prefix string          // domain-prefix match (e.g. "task."), "" = no filter
	set    map[string]bool // multi-type match (SSE "types" query param), nil = no filter
}

// New builds a Bus. source identifies this process in published
// events' metadata (the instance id), mirroring streaming.Event.Source.
func New(store kv.Store, source string) *Bus {
	return &Bus{
		store:  store,
		source: source,
		subs:   make(map[chan domain.Event]subFilter),
	}
}

// Publish appends the event to its type's stream and broadcasts it to
// matching in-process subscribers. The append uses the store directly
// rather than a named atomic script: stream trimming is approximate
// and idempotent, so it does not need cross-key atomicity.
func (b *Bus) Publish(ctx context.Context, eventType string, payload map[string]interface{}) (domain.Event, error) {
	ev := domain.Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Payload: payload,
		Metadata: map[string]interface{}{
			"source": b.source,
		},
		Time: time.Now().UTC(),
	}

	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("bus: marshal payload: %w", err)
	}

	_, err = b.store.XAdd(ctx, kv.StreamKey(eventType), DefaultStreamMaxLen, map[string]string{
		"id":      ev.ID,
		"type":    ev.Type,
		"payload": string(payloadJSON),
		"source":  b.source,
		"time":    ev.Time.Format(time.RFC3339Nano),
	})
	if err != nil {
		return domain.Event{}, fmt.Errorf("bus: append %s: %w", eventType, err)
	}

	b.broadcast(ev)
	return ev, nil
}

func (b *Bus) broadcast(ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, f := range b.subs {
		if f.exact != "" && f.exact != ev.Type {
			continue
		}
		if f.prefix != "" && !strings.HasPrefix(ev.Type, f.prefix) {
			continue
		}
		if f.set != nil && !f.set[ev.Type] {
			continue
		}
		select {
		case ch <- ev:
		default:
			// subscriber is saturated; the dashboard feed is
			// best-effort, never a guaranteed-delivery queue.
		}
	}
}

// Subscription is a live in-process subscription. The caller must call
// Close once done to release the underlying channel.
type Subscription struct {
	ch  chan domain.Event
	bus *Bus
}

// Events returns the receive side of the subscription's channel.
func (s *Subscription) Events() <-chan domain.Event { return s.ch }

// Close unsubscribes and closes the channel. Safe to call more than
// once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.ch]; !ok {
		return
	}
	delete(s.bus.subs, s.ch)
	close(s.ch)
}

// Subscribe registers a subscriber that receives every published event.
func (b *Bus) Subscribe() *Subscription {
	return b.subscribe(subFilter{})
}

// SubscribeType registers a subscriber for exactly one event type
// (e.g. "task.completed").
func (b *Bus) SubscribeType(eventType string) *Subscription {
	return b.subscribe(subFilter{exact: eventType})
}

// SubscribeDomain registers a subscriber for every event type sharing
// a dot-delimited domain prefix (e.g. "task." matches "task.created",
// "task.completed", ...).
func (b *Bus) SubscribeDomain(prefix string) *Subscription {
	return b.subscribe(subFilter{prefix: prefix})
}

// SubscribeTypes registers a subscriber for a comma-separated-list-style
// set of exact event types, the shape spec.md section 6's SSE side
// channel takes ("subscriptions take a comma-separated list of event
// types"). A single-element list behaves like SubscribeType.
func (b *Bus) SubscribeTypes(types []string) *Subscription {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		if t != "" {
			set[t] = true
		}
	}
	return b.subscribe(subFilter{set: set})
}

func (b *Bus) subscribe(f subFilter) *Subscription {
	ch := make(chan domain.Event, DefaultSubscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = f
	b.mu.Unlock()
	return &Subscription{ch: ch, bus: b}
}

// SubscriberCount reports how many in-process subscribers are active.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Recent reads back up to count of the most recent durable events of
// eventType, oldest first, used by system.get_state to render replay
// history the in-process subscriber list cannot supply to a client
// that connected after the fact. Grounded on timeline/store.go's
// ring-buffer-backed recent-events view, here backed by the stream
// itself instead of an in-memory ring.
func (b *Bus) Recent(ctx context.Context, eventType string, count int64) ([]domain.Event, error) {
	entries, err := b.store.XRevRange(ctx, kv.StreamKey(eventType), "+", "-", count)
	if err != nil {
		return nil, err
	}
	// XRevRange hands back newest first; flip to chronological order so
	// callers render a timeline top-down.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	out := make([]domain.Event, 0, len(entries))
	for _, e := range entries {
		var payload map[string]interface{}
		if raw, ok := e.Values["payload"]; ok {
			_ = json.Unmarshal([]byte(raw), &payload)
		}
		t, _ := time.Parse(time.RFC3339Nano, e.Values["time"])
		out = append(out, domain.Event{
			ID:      e.Values["id"],
			Type:    e.Values["type"],
			Payload: payload,
			Metadata: map[string]interface{}{
				"source": e.Values["source"],
			},
			Time: t,
		})
	}
	return out, nil
}
