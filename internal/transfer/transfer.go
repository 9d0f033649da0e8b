// Package transfer implements the multipart transfer engine: each part of a
// file moves over its own HTTP connection, at most ChannelCount at a time,
// with a fixed-delay retry budget per part and per control request.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/skyferry/skyferry/internal/config"
	"github.com/skyferry/skyferry/internal/events"
	"github.com/skyferry/skyferry/internal/future"
)

// Kind is the type of a transfer.
type Kind string

// Transfer kinds.
const (
	KindDownload        Kind = "download"
	KindUpload          Kind = "upload"
	KindMultipartUpload Kind = "multipart-upload"
)

func (k Kind) direction() string {
	if k == KindDownload {
		return "download"
	}
	return "upload"
}

// Result describes a successful transfer.
type Result struct {
	ID   string
	Path string
	URL  string
	Size int64
	// Hash is the content hash reported by the server.
	Hash     string
	Version  string
	UploadID string
}

// Progress represents the current progress of a transfer.
type Progress struct {
	// Transferred is the number of payload bytes moved so far, including
	// bytes of attempts that were retried.
	Transferred int64

	// Size is the transfer length, 0 until it is known.
	Size int64

	// BytesPerSec is the current transfer speed
	BytesPerSec int64
}

// ProgressFunc is a callback function for progress updates.
type ProgressFunc func(Progress)

// Destination is a local file a download writes into. Parts write
// concurrently at their own offsets.
type Destination interface {
	io.WriterAt
	Truncate(size int64) error
}

// TransferOption configures a single transfer.
type TransferOption func(*transferOptions)

type transferOptions struct {
	overrides config.Configuration
	progress  ProgressFunc
	version   string
	localPath string
}

// WithOverrides merges cfg over the engine configuration for this transfer.
// Timeout, Region and Credentials apply to every connection of the
// transfer. Endpoint must name the engine's own endpoint; Prefix is applied
// by the caller when it builds the request path.
func WithOverrides(cfg config.Configuration) TransferOption {
	return func(o *transferOptions) {
		o.overrides = o.overrides.Merge(cfg)
	}
}

// Overrides returns the configuration overrides carried by opts.
func Overrides(opts ...TransferOption) config.Configuration {
	var o transferOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.overrides
}

// WithProgress registers a callback that is called periodically while the
// transfer runs and once more when it succeeds.
func WithProgress(fn ProgressFunc) TransferOption {
	return func(o *transferOptions) {
		o.progress = fn
	}
}

// WithVersion downloads a specific object version.
func WithVersion(version string) TransferOption {
	return func(o *transferOptions) {
		o.version = version
	}
}

// WithLocalPath records the local file name in events and logs.
func WithLocalPath(path string) TransferOption {
	return func(o *transferOptions) {
		o.localPath = path
	}
}

// Transfer is one upload or download. All methods are safe for concurrent use.
type Transfer struct {
	id        string
	kind      Kind
	path      string
	url       string
	localPath string
	cfg       config.Configuration

	engine   *Engine
	future   *future.Future[Result]
	runner   *runner
	logger   zerolog.Logger
	progress ProgressFunc

	src io.ReaderAt
	dst Destination

	transferred atomic.Int64

	mu       sync.Mutex
	size     int64
	sched    *scheduler
	uploadID string
	hash     string
	version  string
}

// Download starts downloading the object at path into dst. The length and
// version are taken from a HEAD request; every part request pins that
// version.
func (e *Engine) Download(ctx context.Context, path string, dst Destination, opts ...TransferOption) *Transfer {
	t, err := e.newTransfer(ctx, KindDownload, path, opts)
	t.dst = dst

	if err == nil && dst == nil {
		err = fmt.Errorf("download %s: destination is nil", path)
	}

	t.start(ctx, err, func() {
		t.runner.launch(&headStep{t: t})
	})

	return t
}

// Upload starts uploading size bytes of src to path with a single request.
func (e *Engine) Upload(
	ctx context.Context,
	path string,
	src io.ReaderAt,
	size int64,
	opts ...TransferOption,
) *Transfer {
	t, err := e.newTransfer(ctx, KindUpload, path, opts)
	t.src = src
	t.size = size

	t.start(ctx, errors.Join(err, t.checkSource()), func() {
		t.startParts([]Range{{Offset: 0, Length: size}})
	})

	return t
}

// MultipartUpload starts uploading size bytes of src to path with the
// initiate, upload-part and complete handshake.
func (e *Engine) MultipartUpload(
	ctx context.Context,
	path string,
	src io.ReaderAt,
	size int64,
	opts ...TransferOption,
) *Transfer {
	t, err := e.newTransfer(ctx, KindMultipartUpload, path, opts)
	t.src = src
	t.size = size

	t.start(ctx, errors.Join(err, t.checkSource()), func() {
		t.runner.launch(&initiateStep{t: t})
	})

	return t
}

// newTransfer builds a transfer with its runner. An error means the
// overrides cannot be honored; the transfer must then be failed on start.
func (e *Engine) newTransfer(ctx context.Context, kind Kind, path string, opts []TransferOption) (*Transfer, error) {
	var o transferOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg, sess, err := e.newSession(o.overrides)
	id := ulid.Make().String()
	logger := e.logger.With().
		Str("transfer", id).
		Str("kind", string(kind)).
		Str("path", path).
		Logger()

	t := &Transfer{
		id:        id,
		kind:      kind,
		path:      path,
		url:       e.URL(path),
		localPath: o.localPath,
		cfg:       cfg,
		engine:    e,
		future:    future.New[Result](future.WithLogger(logger)),
		logger:    logger,
		progress:  o.progress,
		version:   o.version,
	}

	m := &meter{
		direction: kind.direction(),
		bytes: func(n int) {
			t.transferred.Add(int64(n))
			e.metrics.AddBytes(kind.direction(), n)
		},
	}
	if cfg.SpeedLimit > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.SpeedLimit), chunkSize)
	}

	t.runner = &runner{
		engine:   e,
		ctx:      context.WithoutCancel(ctx),
		cfg:      cfg,
		session:  sess,
		tracker:  t.future,
		meter:    m,
		logger:   logger,
		fail:     func(err error) { t.future.Fail(err) },
		retrying: t.retrying,
	}

	if err != nil {
		err = fmt.Errorf("%s %s: %w", kind, path, err)
	}
	return t, err
}

func (t *Transfer) checkSource() error {
	switch {
	case t.src == nil:
		return fmt.Errorf("upload %s: source is nil", t.path)
	case t.size < 0:
		return fmt.Errorf("upload %s: negative size %d", t.path, t.size)
	}
	return nil
}

// start wires cancellation, progress and the finish hooks, then runs first
// unless err already fails the transfer.
func (t *Transfer) start(ctx context.Context, err error, first func()) {
	stop := context.AfterFunc(ctx, func() { t.Cancel() })

	t.future.AddListener(func(*future.Future[Result]) {
		stop()
		t.finished()
	})

	t.publish(events.TransferStarted, map[string]any{"kind": string(t.kind)})
	t.logger.Debug().Msg("transfer started")

	if err != nil {
		t.future.Fail(err)
		return
	}

	if t.progress != nil {
		go t.monitorProgress()
	}

	first()
}

// startParts creates the parts once the length is known and admits the
// first batch. A transfer without parts completes right away.
func (t *Transfer) startParts(ranges []Range) {
	sched := newScheduler(ranges, t.cfg.ChannelCount)

	t.mu.Lock()
	t.sched = sched
	size := t.size
	t.mu.Unlock()

	t.publish(events.TransferSized, map[string]any{"size": size, "parts": len(ranges)})
	t.logger.Debug().Int64("size", size).Int("parts", len(ranges)).Msg("transfer sized")

	if len(ranges) == 0 {
		t.complete()
		return
	}

	for _, p := range sched.admit() {
		t.runner.launch(&partStep{t: t, p: p})
	}
}

// partSucceeded launches the next queued part, or completes the transfer
// when every part succeeded.
func (t *Transfer) partSucceeded(p *part, id string) {
	p.succeed(id)
	t.publishPart(p, PartSuccess)

	sched := t.scheduler()
	if next := sched.next(); next != nil {
		t.runner.launch(&partStep{t: t, p: next})
		return
	}

	if sched.done() {
		t.complete()
	}
}

// complete runs at most once per transfer.
func (t *Transfer) complete() {
	if !t.future.SetState(future.StateCompleting) {
		return
	}

	t.publish(events.TransferCompleting, nil)

	if t.kind == KindMultipartUpload {
		t.runner.launch(&completeStep{t: t})
		return
	}

	t.future.Succeed(t.result())
}

func (t *Transfer) partStarted(p *part) {
	t.setPartState(p, PartProgress)
	t.future.SetState(future.StateProgress)
}

func (t *Transfer) setPartState(p *part, s PartState) {
	p.setState(s)
	t.publishPart(p, s)
}

func (t *Transfer) retrying(s step, err error) {
	t.logger.Info().Str("step", s.label()).Err(err).Dur("delay", t.cfg.Timeout).Msg("retrying")
	t.publish(events.AttemptRetrying, map[string]any{"step": s.label(), "error": err.Error()})
}

func (t *Transfer) finished() {
	state := t.future.State()
	m := t.engine.metrics
	m.TransferFinished(string(t.kind), string(state))
	for _, info := range t.Parts() {
		m.PartFinished(string(info.State))
	}

	switch state {
	case future.StateSuccess:
		res := t.result()
		t.publish(events.TransferCompleted, map[string]any{
			"size":    res.Size,
			"hash":    res.Hash,
			"version": res.Version,
		})
		t.logger.Info().Int64("size", res.Size).Str("hash", res.Hash).Msg("transfer complete")
	case future.StateFailed:
		err := t.future.Err()
		t.publish(events.TransferFailed, map[string]any{"error": err.Error()})
		t.logger.Error().Err(err).Msg("transfer failed")
	case future.StateCancelled:
		t.publish(events.TransferCancelled, nil)
		t.logger.Info().Msg("transfer cancelled")
	case future.StateInitiating, future.StateProgress, future.StateCompleting:
	}
}

func (t *Transfer) result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Result{
		ID:       t.id,
		Path:     t.path,
		URL:      t.url,
		Size:     t.size,
		Hash:     t.hash,
		Version:  t.version,
		UploadID: t.uploadID,
	}
}

func (t *Transfer) scheduler() *scheduler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sched
}

func (t *Transfer) publish(typ events.Type, data map[string]any) {
	bus := t.engine.bus
	if bus == nil {
		return
	}

	if data == nil {
		data = make(map[string]any, 3) //nolint:mnd // common fields
	}
	data["transfer_id"] = t.id
	data["path"] = t.path
	if t.localPath != "" {
		data["local_path"] = t.localPath
	}
	if id := t.UploadID(); id != "" {
		data["upload_id"] = id
	}

	bus.Publish(events.Event{Type: typ, Subject: t, Data: data})
}

func (t *Transfer) publishPart(p *part, s PartState) {
	t.publish(events.PartStateChanged, map[string]any{"part": p.index, "state": string(s)})
}

// monitorProgress periodically reports transfer progress until the
// transfer is done.
func (t *Transfer) monitorProgress() {
	ticker := time.NewTicker(t.engine.progressInterval)
	defer ticker.Stop()

	var lastBytes int64
	var lastTime time.Time

	for {
		select {
		case <-t.future.Done():
			if t.future.State() == future.StateSuccess {
				t.progress(Progress{Transferred: t.transferred.Load(), Size: t.Size()})
			}
			return
		case <-ticker.C:
			now := time.Now()
			bytes := t.transferred.Load()

			var speed int64
			if !lastTime.IsZero() && bytes > lastBytes {
				elapsed := now.Sub(lastTime).Seconds()
				if elapsed > 0 {
					speed = int64(float64(bytes-lastBytes) / elapsed)
				}
			}
			lastBytes = bytes
			lastTime = now

			t.progress(Progress{
				Transferred: bytes,
				Size:        t.Size(),
				BytesPerSec: speed,
			})
		}
	}
}

// ID returns the local transfer id.
func (t *Transfer) ID() string {
	return t.id
}

// Kind returns the transfer kind.
func (t *Transfer) Kind() Kind {
	return t.kind
}

// Path returns the escaped remote path.
func (t *Transfer) Path() string {
	return t.path
}

// URL returns the absolute URL of the remote object.
func (t *Transfer) URL() string {
	return t.url
}

// State returns the overall transfer state.
func (t *Transfer) State() future.State {
	return t.future.State()
}

// Size returns the transfer length. For downloads it is 0 until the HEAD
// request succeeded.
func (t *Transfer) Size() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// PartCount returns the number of parts, 0 until the length is known.
func (t *Transfer) PartCount() int {
	sched := t.scheduler()
	if sched == nil {
		return 0
	}
	return len(sched.parts)
}

// Part returns a snapshot of part i.
func (t *Transfer) Part(i int) (PartInfo, bool) {
	sched := t.scheduler()
	if sched == nil || i < 0 || i >= len(sched.parts) {
		return PartInfo{}, false
	}
	return sched.parts[i].info(), true
}

// Parts returns snapshots of every part.
func (t *Transfer) Parts() []PartInfo {
	sched := t.scheduler()
	if sched == nil {
		return nil
	}
	return sched.infos()
}

// Hash returns the content hash reported by the server, "" until known.
func (t *Transfer) Hash() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hash
}

// Version returns the object version, "" when unversioned or not yet known.
func (t *Transfer) Version() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// UploadID returns the multipart upload id, "" for other kinds.
func (t *Transfer) UploadID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uploadID
}

// Transferred returns the payload bytes moved so far, including bytes of
// attempts that were later retried.
func (t *Transfer) Transferred() int64 {
	return t.transferred.Load()
}

// LocalPath returns the local file path set with WithLocalPath.
func (t *Transfer) LocalPath() string {
	return t.localPath
}

// OpenConnections returns the number of connections and pending retries
// currently held by the transfer.
func (t *Transfer) OpenConnections() int {
	return t.future.OpenCount()
}

// Cancel closes every open connection and marks the transfer cancelled.
// It returns false if the transfer already finished.
func (t *Transfer) Cancel() bool {
	return t.future.Cancel()
}

// Done returns a channel that is closed when the transfer finished.
func (t *Transfer) Done() <-chan struct{} {
	return t.future.Done()
}

// Err returns the failure cause, future.ErrCancelled, or nil.
func (t *Transfer) Err() error {
	return t.future.Err()
}

// Await blocks until the transfer finished or ctx ends.
func (t *Transfer) Await(ctx context.Context) error {
	return t.future.Await(ctx)
}

// AwaitTimeout blocks for at most d and reports whether the transfer finished.
func (t *Transfer) AwaitTimeout(d time.Duration) bool {
	return t.future.AwaitTimeout(d)
}

// Wait blocks until the transfer finished and returns its result or error.
func (t *Transfer) Wait(ctx context.Context) (Result, error) {
	return t.future.Get(ctx)
}

// AddListener registers fn to be called once when the transfer finished.
func (t *Transfer) AddListener(fn func(*Transfer)) {
	t.future.AddListener(func(*future.Future[Result]) {
		fn(t)
	})
}
