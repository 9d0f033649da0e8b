// Package timeline keeps a bounded history of transfer events for the
// status API.
package timeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/skyferry/skyferry/internal/events"
)

// Event is a single timeline entry.
type Event struct {
	ID         string         `json:"id"`
	Type       events.Type    `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	Message    string         `json:"message"`
	TransferID string         `json:"transfer_id,omitempty"`
	Path       string         `json:"path,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Recorder records and retrieves timeline events.
type Recorder interface {
	// Record adds a new event to the timeline.
	Record(event Event)

	// GetAll returns all events, newest first.
	GetAll() []Event

	// GetByTransfer returns events for a specific transfer, newest first.
	GetByTransfer(transferID string) []Event

	// Clear removes all events for a transfer.
	Clear(transferID string)
}

// recorder is the default in-memory implementation of Recorder.
type recorder struct {
	events    []Event
	mu        sync.RWMutex
	logger    zerolog.Logger
	maxEvents int
}

// Option is a functional option for configuring the recorder.
type Option func(*recorder)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *recorder) {
		r.logger = logger
	}
}

// WithMaxEvents sets the maximum number of events to retain.
func WithMaxEvents(maxEvents int) Option {
	return func(r *recorder) {
		r.maxEvents = maxEvents
	}
}

// Default configuration values.
const (
	defaultMaxEvents = 10000
)

// NewRecorder creates a new timeline recorder.
func NewRecorder(opts ...Option) Recorder {
	r := &recorder{
		events:    make([]Event, 0),
		logger:    zerolog.Nop(),
		maxEvents: defaultMaxEvents,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Record adds a new event to the timeline.
func (r *recorder) Record(event Event) {
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Prepend event (newest first)
	r.events = append([]Event{event}, r.events...)

	if len(r.events) > r.maxEvents {
		r.events = r.events[:r.maxEvents]
	}

	r.logger.Debug().
		Str("id", event.ID).
		Str("type", string(event.Type)).
		Str("message", event.Message).
		Msg("timeline event recorded")
}

// GetAll returns all events, newest first.
func (r *recorder) GetAll() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Event, len(r.events))
	copy(result, r.events)
	return result
}

// GetByTransfer returns events for a specific transfer, newest first.
func (r *recorder) GetByTransfer(transferID string) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Event
	for _, e := range r.events {
		if e.TransferID == transferID {
			result = append(result, e)
		}
	}
	return result
}

// Clear removes all events for a transfer.
func (r *recorder) Clear(transferID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var filtered []Event
	for _, e := range r.events {
		if e.TransferID != transferID {
			filtered = append(filtered, e)
		}
	}
	r.events = filtered
}

// FromBus converts a bus event into a timeline event. The common fields
// move out of Details.
func FromBus(ev events.Event) Event {
	details := make(map[string]any, len(ev.Data))
	for k, v := range ev.Data {
		switch k {
		case "transfer_id", "path":
		default:
			details[k] = v
		}
	}
	if len(details) == 0 {
		details = nil
	}

	path, _ := ev.Data["path"].(string)

	return Event{
		Type:       ev.Type,
		Timestamp:  ev.Timestamp,
		Message:    message(ev),
		TransferID: ev.TransferID(),
		Path:       path,
		Details:    details,
	}
}

func message(ev events.Event) string {
	switch ev.Type {
	case events.TransferStarted:
		return fmt.Sprintf("%v started", ev.Data["kind"])
	case events.TransferSized:
		return fmt.Sprintf("%v bytes in %v parts", ev.Data["size"], ev.Data["parts"])
	case events.UploadInitiated:
		return "multipart upload initiated"
	case events.PartStateChanged:
		return fmt.Sprintf("part %v %v", ev.Data["part"], ev.Data["state"])
	case events.AttemptRetrying:
		return fmt.Sprintf("retrying %v: %v", ev.Data["step"], ev.Data["error"])
	case events.TransferCompleting:
		return "completing"
	case events.TransferCompleted:
		return "completed"
	case events.TransferFailed:
		return fmt.Sprintf("failed: %v", ev.Data["error"])
	case events.TransferCancelled:
		return "cancelled"
	case events.UploadAborted:
		return fmt.Sprintf("upload %v aborted", ev.Data["upload_id"])
	default:
		return string(ev.Type)
	}
}

// Controller feeds every bus event into a Recorder.
type Controller struct {
	eventBus *events.Bus
	recorder Recorder

	subscription events.Subscription
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewController creates a controller recording the events of eventBus.
func NewController(eventBus *events.Bus, recorder Recorder) *Controller {
	return &Controller{eventBus: eventBus, recorder: recorder}
}

// Start begins recording events.
func (c *Controller) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	c.subscription = c.eventBus.Subscribe()

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop records the events already delivered and stops.
func (c *Controller) Stop() error {
	if c.subscription != nil {
		c.eventBus.Unsubscribe(c.subscription)
	}
	c.wg.Wait()
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.subscription:
			if !ok {
				return
			}
			c.recorder.Record(FromBus(ev))
		}
	}
}
