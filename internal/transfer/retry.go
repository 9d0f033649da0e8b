package transfer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/skyferry/skyferry/internal/config"
)

// step is one logical unit of a transfer: a control request or a part.
// Every attempt of a step builds a fresh request.
type step interface {
	// label names the request in metrics and logs.
	label() string
	buildRequest() (*request, error)
	onSuccess(resp *response) error
	isRetryable(err error) bool
	// retry consumes one unit of the retry budget and reports whether the
	// budget is exhausted.
	retry(maxCount int) bool
	// failed is called once when the step fails the transfer.
	failed()
}

// runner drives steps through attempts and retries on behalf of one owner,
// either a Transfer or a single control request.
type runner struct {
	engine  *Engine
	ctx     context.Context
	cfg     config.Configuration
	session *session
	tracker tracker
	meter   *meter
	logger  zerolog.Logger

	// fail resolves the owner with a terminal error.
	fail func(err error)
	// retrying is notified before a retry is scheduled. Optional.
	retrying func(s step, err error)
}

// launch runs the first attempt of s on a new goroutine.
func (r *runner) launch(s step) {
	go r.attempt(s)
}

func (r *runner) attempt(s step) {
	req, err := s.buildRequest()
	if err == nil {
		var resp *response
		resp, err = r.engine.roundTrip(r.ctx, r.session, r.tracker, req, r.meter)
		if err == nil {
			err = s.onSuccess(resp)
		}
	}

	if err == nil {
		return
	}

	// The owner already finished; the attempt was torn down on purpose.
	if errors.Is(err, errAborted) {
		return
	}

	logger := r.logger.With().Str("step", s.label()).Err(err).Logger()

	if !s.isRetryable(err) {
		logger.Debug().Msg("attempt failed")
		s.failed()
		r.fail(err)
		return
	}

	if s.retry(r.cfg.RetryCount) {
		logger.Debug().Int("retry_count", r.cfg.RetryCount).Msg("retries exhausted")
		s.failed()
		r.fail(err)
		return
	}

	logger.Debug().Dur("delay", r.cfg.Timeout).Msg("scheduling retry")
	r.engine.metrics.Retry(s.label())
	if r.retrying != nil {
		r.retrying(s, err)
	}

	r.scheduleRetry(s, r.cfg.Timeout)
}

// scheduleRetry relaunches s after delay. The pending timer is tracked so
// finishing the owner stops it.
func (r *runner) scheduleRetry(s step, delay time.Duration) {
	rt := &retryTimer{}
	release, ok := r.tracker.Track(rt)
	if !ok {
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.timer = time.AfterFunc(delay, func() {
		rt.mu.Lock()
		stopped := rt.stopped
		rt.stopped = true
		rt.mu.Unlock()

		release()
		if !stopped {
			r.attempt(s)
		}
	})
}

// retryTimer is the tracked handle of a pending retry.
type retryTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func (t *retryTimer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
	return nil
}

// budget is the retry counter of a control step. Attempts of one step are
// strictly sequential.
type budget struct {
	count int
}

func (b *budget) retry(maxCount int) bool {
	b.count++
	return b.count >= maxCount
}

func (b *budget) failed() {}
