// Package events provides an in-process event bus for decoupled communication.
package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Type represents the type of event.
type Type string

// Event types for the transfer lifecycle.
const (
	// TransferStarted indicates a transfer was created and its first request issued.
	TransferStarted Type = "transfer.started"
	// TransferSized indicates the transfer length is known and parts were created.
	TransferSized Type = "transfer.sized"
	// UploadInitiated indicates a multipart upload id was obtained.
	UploadInitiated Type = "transfer.upload.initiated"
	// PartStateChanged indicates a part moved to a new state.
	PartStateChanged Type = "transfer.part.state"
	// AttemptRetrying indicates a failed attempt was scheduled for retry.
	AttemptRetrying Type = "transfer.retry"
	// TransferCompleting indicates all parts succeeded and the completion step started.
	TransferCompleting Type = "transfer.completing"
	// TransferCompleted indicates the transfer succeeded.
	TransferCompleted Type = "transfer.completed"
	// TransferFailed indicates the transfer failed with an error.
	TransferFailed Type = "transfer.failed"
	// TransferCancelled indicates the transfer was cancelled.
	TransferCancelled Type = "transfer.cancelled"

	// UploadAborted indicates an incomplete multipart upload was aborted.
	UploadAborted Type = "upload.aborted"
)

// Event represents an event in the system.
// Subject is the entity the event is about, usually the *transfer.Transfer.
// Data carries the event-specific fields such as transfer_id, path and part.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Subject   any            `json:"-"`
	Data      map[string]any `json:"data,omitempty"`
}

// TransferID returns the transfer_id field of the event data, if any.
func (e Event) TransferID() string {
	id, _ := e.Data["transfer_id"].(string)
	return id
}

// Subscription is a channel that receives events.
type Subscription <-chan Event

// Filter selects the events a subscriber receives.
type Filter func(Event) bool

// Types matches events of the given types. No types matches everything.
func Types(types ...Type) Filter {
	if len(types) == 0 {
		return nil
	}

	set := make(map[Type]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}

	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// ForTransfer matches events of one transfer, optionally narrowed to types.
func ForTransfer(id string, types ...Type) Filter {
	byType := Types(types...)

	return func(e Event) bool {
		if e.TransferID() != id {
			return false
		}
		return byType == nil || byType(e)
	}
}

// subscriberEntry tracks a subscriber and its filter.
type subscriberEntry struct {
	ch     chan Event
	filter Filter // nil means all events
	closed bool
}

// handlerEntry is a handler registered with Handle.
type handlerEntry struct {
	fn     func(Event)
	filter Filter
}

// Bus is an in-process event bus that supports pub/sub.
// Publish never blocks on a subscription: events for a subscriber with a
// full buffer are dropped. Handlers run inside Publish and never miss an
// event.
type Bus struct {
	subscribers []*subscriberEntry
	handlers    []*handlerEntry
	mu          sync.RWMutex
	logger      zerolog.Logger
	bufferSize  int
	dropped     atomic.Uint64
}

// Option is a functional option for configuring the bus.
type Option func(*Bus)

// WithLogger sets the logger for the bus.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithBufferSize sets the channel buffer size for subscribers.
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		b.bufferSize = size
	}
}

// Default buffer size for subscriber channels.
const defaultBufferSize = 256

// New creates a new event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:     zerolog.Nop(),
		bufferSize: defaultBufferSize,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Subscribe creates a subscription for specific event types.
// If no types are provided, the subscription receives all events.
func (b *Bus) Subscribe(types ...Type) Subscription {
	return b.SubscribeFilter(Types(types...))
}

// SubscribeFilter creates a subscription receiving the events matched by
// filter. A nil filter receives all events.
func (b *Bus) SubscribeFilter(filter Filter) Subscription {
	entry := &subscriberEntry{
		ch:     make(chan Event, b.bufferSize),
		filter: filter,
	}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, entry)
	b.mu.Unlock()

	return entry.ch
}

// Handle registers fn to run synchronously inside Publish for every event
// matched by filter. fn runs on the publisher's goroutine, so it must be
// quick and must not publish. The returned function removes the handler
// and waits for calls in progress; it may be called more than once.
func (b *Bus) Handle(filter Filter, fn func(Event)) (remove func()) {
	entry := &handlerEntry{fn: fn, filter: filter}

	b.mu.Lock()
	b.handlers = append(b.handlers, entry)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.handlers = slices.DeleteFunc(b.handlers, func(h *handlerEntry) bool {
				return h == entry
			})
		})
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers = slices.DeleteFunc(b.subscribers, func(entry *subscriberEntry) bool {
		if entry.ch != sub {
			return false
		}
		if !entry.closed {
			close(entry.ch)
			entry.closed = true
		}
		return true
	})
}

// Publish sends an event to all matching subscribers.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, h := range b.handlers {
		if h.filter == nil || h.filter(event) {
			h.fn(event)
		}
	}

	for _, entry := range b.subscribers {
		if entry.closed {
			continue
		}

		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		// Non-blocking send - drop if buffer full
		select {
		case entry.ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Warn().
				Str("type", string(event.Type)).
				Str("transfer", event.TransferID()).
				Msg("event dropped - subscriber buffer full")
		}
	}
}

// Close closes all subscriber channels and cleans up.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, entry := range b.subscribers {
		if !entry.closed {
			close(entry.ch)
			entry.closed = true
		}
	}
	b.subscribers = nil
	b.handlers = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns the number of events dropped because a subscriber's
// buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
