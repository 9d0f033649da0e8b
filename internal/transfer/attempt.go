package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/skyferry/skyferry/internal/contenthash"
	"github.com/skyferry/skyferry/internal/signer"
)

const (
	chunkSize      = 32 * 1024
	maxErrorBody   = 4 << 20
	maxControlBody = 16 << 20
)

// request describes one HTTP exchange. A request is built fresh for every
// attempt and never shared between attempts.
type request struct {
	label  string
	method string
	// path is the escaped path as sent on the wire.
	path   string
	query  string
	header http.Header

	// body is the in-memory payload of a control request.
	body []byte

	// src streams rng of a local file as the request body.
	src io.ReaderAt
	// dst receives a successful response body at rng.Offset.
	dst io.WriterAt
	rng Range

	// payloadHash is the hex SHA-256 of the body. Empty means it is
	// computed from body.
	payloadHash string

	// started is called once bytes start flowing: on the first body read
	// of an upload, or on the 2xx headers of a download.
	started func()
}

// response is the outcome of a successful exchange.
type response struct {
	status        int
	header        http.Header
	body          []byte
	contentLength int64
}

// tracker registers open connections so they are closed on cancel.
type tracker interface {
	Track(c io.Closer) (release func(), ok bool)
}

// connection is the tracked handle of one in-flight exchange. Closing it
// aborts the exchange and waits until no more bytes are read or written.
type connection struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func (c *connection) Close() error {
	c.cancel(errAborted)
	<-c.done
	return nil
}

// watchdog cancels an exchange that makes no progress for d.
type watchdog struct {
	timer *time.Timer
	d     time.Duration
}

func newWatchdog(d time.Duration, expire func()) *watchdog {
	return &watchdog{timer: time.AfterFunc(d, expire), d: d}
}

func (w *watchdog) kick() {
	w.timer.Reset(w.d)
}

func (w *watchdog) stop() {
	w.timer.Stop()
}

// meter accounts payload bytes and applies the bandwidth limit.
type meter struct {
	limiter   *rate.Limiter
	bytes     func(n int)
	direction string
}

func (m *meter) wait(ctx context.Context, n int) error {
	if m == nil || m.limiter == nil {
		return nil
	}
	return m.limiter.WaitN(ctx, min(n, m.limiter.Burst()))
}

func (m *meter) add(n int) {
	if m != nil && m.bytes != nil {
		m.bytes(n)
	}
}

// roundTrip performs one exchange over a fresh connection of sess. The
// connection is tracked by tr for its whole lifetime and released before
// returning.
func (e *Engine) roundTrip(ctx context.Context, sess *session, tr tracker, r *request, m *meter) (*response, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	conn := &connection{cancel: cancel, done: make(chan struct{})}

	release, ok := tr.Track(conn)
	if !ok {
		cancel(errAborted)
		return nil, errAborted
	}

	e.metrics.ConnectionOpened()
	start := time.Now()
	defer func() {
		e.metrics.ObserveRequest(r.label, start)
		e.metrics.ConnectionClosed()
		release()
		cancel(nil)
		close(conn.done)
	}()

	idle := newWatchdog(sess.timeout, func() { cancel(ErrIdleTimeout) })
	defer idle.stop()

	hreq, body, err := e.newHTTPRequest(ctx, sess.signer, r, idle, m)
	if err != nil {
		return nil, err
	}

	hresp, err := sess.client.Do(hreq)
	if err != nil {
		if body != nil {
			if localErr := body.err(); localErr != nil {
				return nil, &LocalIOError{Op: "read", Err: localErr}
			}
		}
		return nil, e.transportError(ctx, "send "+r.label, err)
	}
	defer hresp.Body.Close()

	idle.kick()

	if hresp.StatusCode/100 != 2 { //nolint:mnd // status class
		data, _ := io.ReadAll(&idleReader{r: io.LimitReader(hresp.Body, maxErrorBody), idle: idle})
		return nil, e.protocol.ParseError(hresp.StatusCode, hresp.Header, data)
	}

	resp := &response{
		status:        hresp.StatusCode,
		header:        hresp.Header,
		contentLength: hresp.ContentLength,
	}

	if r.dst != nil {
		return resp, e.receive(ctx, r, hresp, idle, m)
	}

	resp.body, err = io.ReadAll(&idleReader{r: io.LimitReader(hresp.Body, maxControlBody), idle: idle})
	if err != nil {
		return nil, e.transportError(ctx, "read "+r.label, err)
	}

	return resp, nil
}

// receive streams a download body into r.dst at the part offset.
func (e *Engine) receive(ctx context.Context, r *request, hresp *http.Response, idle *watchdog, m *meter) error {
	if hresp.ContentLength >= 0 && hresp.ContentLength != r.rng.Length {
		return fmt.Errorf("%s: expected %d bytes, server sent %d", r.label, r.rng.Length, hresp.ContentLength)
	}

	if r.started != nil {
		r.started()
	}

	buf := make([]byte, chunkSize)
	src := io.LimitReader(hresp.Body, r.rng.Length)

	var written int64
	for {
		if err := m.wait(ctx, len(buf)); err != nil {
			return e.transportError(ctx, "read "+r.label, err)
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			idle.kick()
			if _, werr := r.dst.WriteAt(buf[:n], r.rng.Offset+written); werr != nil {
				return &LocalIOError{Op: "write", Err: werr}
			}
			written += int64(n)
			m.add(n)
		}

		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return e.transportError(ctx, "read "+r.label, rerr)
		}
	}

	if written != r.rng.Length {
		return &TransportError{Op: "read " + r.label, Err: io.ErrUnexpectedEOF}
	}

	return nil
}

func (e *Engine) newHTTPRequest(
	ctx context.Context,
	sign *signer.Signer,
	r *request,
	idle *watchdog,
	m *meter,
) (*http.Request, *bodyReader, error) {
	target := e.endpoint.Scheme + "://" + e.endpoint.Host + r.path
	if r.query != "" {
		target += "?" + r.query
	}

	hreq, err := http.NewRequestWithContext(ctx, r.method, target, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build %s request: %w", r.label, err)
	}

	header := r.header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Host", e.endpoint.Host)

	var body *bodyReader
	switch {
	case r.src != nil:
		hreq.ContentLength = r.rng.Length
		if r.rng.Length > 0 {
			body = &bodyReader{
				ctx:     ctx,
				r:       io.NewSectionReader(r.src, r.rng.Offset, r.rng.Length),
				remain:  r.rng.Length,
				idle:    idle,
				meter:   m,
				started: r.started,
			}
			hreq.Body = body
		} else {
			hreq.Body = http.NoBody
			if r.started != nil {
				r.started()
			}
		}
	case len(r.body) > 0:
		hreq.ContentLength = int64(len(r.body))
		hreq.Body = io.NopCloser(&idleReader{r: bytes.NewReader(r.body), idle: idle})
	}

	if r.method == http.MethodPut || r.method == http.MethodPost {
		header.Set("Content-Length", strconv.FormatInt(hreq.ContentLength, 10))
		if hreq.Body == nil {
			hreq.Body = http.NoBody
		}
	}

	if sign.Enabled() {
		payloadHash := r.payloadHash
		if payloadHash == "" {
			payloadHash = contenthash.SHA256Hex(r.body)
		}
		sign.Sign(&signer.Request{
			Method: r.method,
			Path:   r.path,
			Query:  r.query,
			Header: header,
		}, payloadHash)
	}

	header.Del("Host")
	header.Del("Content-Length")
	hreq.Header = header
	hreq.Host = e.endpoint.Host

	return hreq, body, nil
}

// transportError maps a failed read or send to the error the retry policy
// classifies: idle timeout, abort, or a plain transport failure.
func (e *Engine) transportError(ctx context.Context, op string, err error) error {
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errAborted):
		return errAborted
	case errors.Is(cause, ErrIdleTimeout):
		return &TransportError{Op: op, Err: ErrIdleTimeout}
	}
	return &TransportError{Op: op, Err: err}
}

// bodyReader streams a file range as a request body. Local read failures
// are remembered so they are reported as local I/O errors instead of
// transport errors.
type bodyReader struct {
	ctx     context.Context
	r       io.Reader
	remain  int64
	idle    *watchdog
	meter   *meter
	started func()

	once     sync.Once
	mu       sync.Mutex
	localErr error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	b.once.Do(func() {
		if b.started != nil {
			b.started()
		}
	})

	if len(p) > chunkSize {
		p = p[:chunkSize]
	}
	if err := b.meter.wait(b.ctx, len(p)); err != nil {
		return 0, err
	}

	n, err := b.r.Read(p)
	if n > 0 {
		b.remain -= int64(n)
		b.idle.kick()
		b.meter.add(n)
	}

	switch {
	case errors.Is(err, io.EOF) && b.remain > 0:
		b.setErr(io.ErrUnexpectedEOF)
		return n, io.ErrUnexpectedEOF
	case err != nil && !errors.Is(err, io.EOF):
		b.setErr(err)
	}

	return n, err
}

func (b *bodyReader) Close() error {
	return nil
}

func (b *bodyReader) setErr(err error) {
	b.mu.Lock()
	b.localErr = err
	b.mu.Unlock()
}

func (b *bodyReader) err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.localErr
}

// idleReader resets the watchdog on every successful read.
type idleReader struct {
	r    io.Reader
	idle *watchdog
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.idle.kick()
	}
	return n, err
}
