// Package tracker keeps an in-memory view of the transfers of this process
// by watching transfer events. It backs the status API.
package tracker

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/skyferry/skyferry/apitypes"
	"github.com/skyferry/skyferry/internal/events"
	"github.com/skyferry/skyferry/internal/future"
	"github.com/skyferry/skyferry/internal/transfer"
)

const (
	defaultMaxFinished = 100
	timeFormat         = time.RFC3339
)

// entry is the tracked state of one transfer.
type entry struct {
	transfer   *transfer.Transfer
	startedAt  time.Time
	finishedAt time.Time
	state      future.State
	err        string
	retries    int
}

// Controller watches transfer events and records every transfer it sees.
// Finished transfers are kept up to a maximum, oldest pruned first.
type Controller struct {
	eventBus    *events.Bus
	logger      zerolog.Logger
	maxFinished int

	mu       sync.RWMutex
	entries  map[string]*entry
	order    []string
	finished []string

	subscription events.Subscription
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// ControllerOption is a functional option for configuring the Controller.
type ControllerOption func(*Controller)

// WithControllerLogger sets the logger for the controller.
func WithControllerLogger(logger zerolog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithMaxFinished sets how many finished transfers are kept.
func WithMaxFinished(n int) ControllerOption {
	return func(c *Controller) {
		c.maxFinished = n
	}
}

// NewController creates a new tracker Controller.
func NewController(eventBus *events.Bus, opts ...ControllerOption) *Controller {
	c := &Controller{
		eventBus:    eventBus,
		logger:      zerolog.Nop(),
		maxFinished: defaultMaxFinished,
		entries:     make(map[string]*entry),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Start begins watching events.
func (c *Controller) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	c.subscription = c.eventBus.Subscribe(
		events.TransferStarted,
		events.AttemptRetrying,
		events.TransferCompleted,
		events.TransferFailed,
		events.TransferCancelled,
	)

	c.wg.Add(1)
	go c.run(ctx)

	c.logger.Info().Msg("tracker controller started")
	return nil
}

// Stop unsubscribes, drains buffered events and waits for the controller
// to finish.
func (c *Controller) Stop() error {
	if c.subscription != nil {
		c.eventBus.Unsubscribe(c.subscription)
	}
	c.wg.Wait()
	if c.cancel != nil {
		c.cancel()
	}
	c.logger.Info().Msg("tracker controller stopped")
	return nil
}

func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-c.subscription:
			if !ok {
				return
			}
			c.handleEvent(event)
		}
	}
}

func (c *Controller) handleEvent(event events.Event) {
	t, ok := event.Subject.(*transfer.Transfer)
	if !ok || t == nil {
		c.logger.Error().Str("type", string(event.Type)).Msg("event subject is not a transfer")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[t.ID()]
	if e == nil {
		e = &entry{transfer: t, startedAt: event.Timestamp}
		c.entries[t.ID()] = e
		c.order = append(c.order, t.ID())
	}

	switch event.Type {
	case events.AttemptRetrying:
		e.retries++
	case events.TransferCompleted:
		c.finish(e, event, future.StateSuccess)
	case events.TransferFailed:
		c.finish(e, event, future.StateFailed)
		e.err, _ = event.Data["error"].(string)
	case events.TransferCancelled:
		c.finish(e, event, future.StateCancelled)
	default:
	}
}

// finish must be called with c.mu held.
func (c *Controller) finish(e *entry, event events.Event, state future.State) {
	if !e.finishedAt.IsZero() {
		return
	}
	e.state = state
	e.finishedAt = event.Timestamp
	c.finished = append(c.finished, e.transfer.ID())

	for len(c.finished) > c.maxFinished {
		id := c.finished[0]
		c.finished = c.finished[1:]
		delete(c.entries, id)
		c.order = slices.DeleteFunc(c.order, func(o string) bool { return o == id })
		c.logger.Debug().Str("transfer", id).Msg("pruned finished transfer")
	}
}

// List returns every tracked transfer in the order they started.
func (c *Controller) List() []apitypes.Transfer {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]apitypes.Transfer, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.entries[id].view(false))
	}
	return out
}

// Get returns one tracked transfer including its parts.
func (c *Controller) Get(id string) (apitypes.Transfer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[id]
	if !ok {
		return apitypes.Transfer{}, false
	}
	return e.view(true), true
}

// Stats counts tracked transfers by state. OpenUploads is left at -1 for
// the caller to fill in.
func (c *Controller) Stats() apitypes.Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := apitypes.Stats{
		TotalTracked: len(c.entries),
		ByState:      make(map[string]int),
		OpenUploads:  -1,
	}
	for _, e := range c.entries {
		state := e.currentState()
		stats.ByState[string(state)]++
		if !state.Terminal() {
			stats.Active++
		}
	}
	return stats
}

// currentState reads the live transfer state until the finishing event
// was handled.
func (e *entry) currentState() future.State {
	if !e.finishedAt.IsZero() {
		return e.state
	}
	return e.transfer.State()
}

func (e *entry) view(withParts bool) apitypes.Transfer {
	t := e.transfer
	parts := t.Parts()

	out := apitypes.Transfer{
		ID:          t.ID(),
		Kind:        string(t.Kind()),
		Path:        t.Path(),
		LocalPath:   t.LocalPath(),
		State:       string(e.currentState()),
		Error:       e.err,
		Size:        t.Size(),
		PartCount:   len(parts),
		RetryCount:  e.retries,
		Transferred: t.Transferred(),
		Hash:        t.Hash(),
		Version:     t.Version(),
		UploadID:    t.UploadID(),
		StartedAt:   e.startedAt.UTC().Format(timeFormat),
	}
	if !e.finishedAt.IsZero() {
		out.FinishedAt = e.finishedAt.UTC().Format(timeFormat)
	}

	for _, p := range parts {
		if p.State == transfer.PartSuccess {
			out.PartsDone++
		}
		if withParts {
			out.Parts = append(out.Parts, apitypes.Part{
				Index:      p.Index,
				Offset:     p.Offset,
				Length:     p.Length,
				State:      string(p.State),
				RetryCount: p.RetryCount,
				ID:         p.ID,
			})
		}
	}

	return out
}
