// Package future provides a one-shot asynchronous result with a forward-only
// state machine, completion listeners and tracking of open connections that
// must be closed when the operation is cancelled or fails.
package future

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrCancelled is returned by Get when the future was cancelled.
var ErrCancelled = errors.New("operation cancelled")

// State represents the lifecycle state of a future.
type State string

// Future states. The non-terminal states are ordered.
const (
	StateInitiating State = "initiating"
	StateProgress   State = "progress"
	StateCompleting State = "completing"
	StateSuccess    State = "success"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateCancelled
}

func (s State) rank() int {
	switch s {
	case StateInitiating:
		return 0
	case StateProgress:
		return 1
	case StateCompleting:
		return 2 //nolint:mnd // ordering
	default:
		return 3 //nolint:mnd // terminal
	}
}

// Future is the result of an operation that completes exactly once, with a
// value, a failure cause, or by cancellation.
type Future[V any] struct {
	logger zerolog.Logger

	mu        sync.Mutex
	state     State
	value     V
	err       error
	listeners []func(*Future[V])
	closers   map[uint64]io.Closer
	nextID    uint64

	done chan struct{}
}

// Option configures a Future.
type Option func(*options)

type options struct {
	logger zerolog.Logger
}

// WithLogger sets the logger used to report panicking listeners.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a future in the initiating state.
func New[V any](opts ...Option) *Future[V] {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	return &Future[V]{
		logger:  o.logger,
		state:   StateInitiating,
		closers: make(map[uint64]io.Closer),
		done:    make(chan struct{}),
	}
}

// State returns the current state.
func (f *Future[V]) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// IsDone reports whether the future reached a terminal state.
func (f *Future[V]) IsDone() bool {
	return f.State().Terminal()
}

// Err returns the failure cause of a failed future, ErrCancelled for a
// cancelled one, and nil otherwise.
func (f *Future[V]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StateFailed:
		return f.err
	case StateCancelled:
		return ErrCancelled
	default:
		return nil
	}
}

// SetState advances a non-terminal future to a later non-terminal state.
// Backward transitions and transitions after completion are ignored.
// It reports whether the state changed.
func (f *Future[V]) SetState(s State) bool {
	if s.Terminal() {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state.Terminal() || s.rank() <= f.state.rank() {
		return false
	}
	f.state = s
	return true
}

// Track registers an open handle, e.g. a connection or a pending retry
// timer, that is closed when the future is cancelled or fails. The returned
// release func unregisters the handle without closing it. ok is false when
// the future is already done; the handle is then not registered and the
// caller must not start work with it.
func (f *Future[V]) Track(c io.Closer) (release func(), ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state.Terminal() {
		return func() {}, false
	}

	id := f.nextID
	f.nextID++
	f.closers[id] = c

	return func() {
		f.mu.Lock()
		delete(f.closers, id)
		f.mu.Unlock()
	}, true
}

// OpenCount returns the number of currently tracked handles.
func (f *Future[V]) OpenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.closers)
}

// Cancel closes every tracked handle and moves the future to cancelled.
// It returns false if the future was already done.
func (f *Future[V]) Cancel() bool {
	var zero V
	return f.finish(StateCancelled, zero, nil)
}

// Fail closes every tracked handle and moves the future to failed with err
// as its cause. It returns false if the future was already done.
func (f *Future[V]) Fail(err error) bool {
	var zero V
	return f.finish(StateFailed, zero, err)
}

// Succeed completes the future with v. It returns false if the future was
// already done.
func (f *Future[V]) Succeed(v V) bool {
	return f.finish(StateSuccess, v, nil)
}

func (f *Future[V]) finish(state State, v V, err error) bool {
	f.mu.Lock()
	if f.state.Terminal() {
		f.mu.Unlock()
		return false
	}

	f.state = state
	f.value = v
	f.err = err

	closers := make([]io.Closer, 0, len(f.closers))
	for id, c := range f.closers {
		closers = append(closers, c)
		delete(f.closers, id)
	}

	listeners := f.listeners
	f.listeners = nil
	f.mu.Unlock()

	for _, c := range closers {
		if cerr := c.Close(); cerr != nil {
			f.logger.Debug().Err(cerr).Msg("error closing tracked handle")
		}
	}

	close(f.done)

	for _, fn := range listeners {
		f.notify(fn)
	}

	return true
}

// AddListener registers fn to be called exactly once when the future is
// done. If the future is already done, fn is called synchronously.
func (f *Future[V]) AddListener(fn func(*Future[V])) {
	f.mu.Lock()
	if !f.state.Terminal() {
		f.listeners = append(f.listeners, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	f.notify(fn)
}

func (f *Future[V]) notify(fn func(*Future[V])) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error().
				Str("panic", fmt.Sprint(r)).
				Msg("future listener panicked")
		}
	}()

	fn(f)
}

// Done returns a channel that is closed when the future is done.
func (f *Future[V]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future is done or ctx ends. It returns ctx.Err()
// in the latter case.
func (f *Future[V]) Await(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitTimeout blocks for at most d and reports whether the future is done.
func (f *Future[V]) AwaitTimeout(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-f.done:
		return true
	case <-timer.C:
		return false
	}
}

// Get blocks until the future is done and returns its value, its failure
// cause, or ErrCancelled.
func (f *Future[V]) Get(ctx context.Context) (V, error) {
	if err := f.Await(ctx); err != nil {
		var zero V
		return zero, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StateFailed:
		var zero V
		return zero, f.err
	case StateCancelled:
		var zero V
		return zero, ErrCancelled
	default:
		return f.value, nil
	}
}
