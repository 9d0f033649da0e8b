package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/skyferry/skyferry/internal/config"
	"github.com/skyferry/skyferry/internal/events"
	"github.com/skyferry/skyferry/internal/future"
	"github.com/skyferry/skyferry/internal/metrics"
	"github.com/skyferry/skyferry/internal/signer"
)

const (
	defaultProgressInterval = 500 * time.Millisecond
	expectContinueTimeout   = time.Second
)

// Engine executes transfers and control requests against one endpoint.
// It is safe for concurrent use; every transfer gets its own connections.
type Engine struct {
	cfg      config.Configuration
	endpoint *url.URL
	protocol Protocol
	signer   *signer.Signer
	client   *http.Client
	// ownClient is false when the client came from WithHTTPClient; its
	// dial timeout is then left to the caller.
	ownClient bool

	logger           zerolog.Logger
	bus              *events.Bus
	metrics          *metrics.Metrics
	service          string
	signerOpts       []signer.Option
	progressInterval time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithEventBus publishes transfer lifecycle events on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}

// WithMetrics records engine metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithService sets the signing service name. By default it is derived from
// the endpoint host.
func WithService(service string) Option {
	return func(e *Engine) {
		e.service = service
	}
}

// WithSignerOptions passes options to the request signer.
func WithSignerOptions(opts ...signer.Option) Option {
	return func(e *Engine) {
		e.signerOpts = append(e.signerOpts, opts...)
	}
}

// WithHTTPClient replaces the HTTP client. The client must not reuse
// connections or follow redirects.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) {
		e.client = client
	}
}

// WithProgressInterval sets how often progress callbacks fire.
func WithProgressInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.progressInterval = d
	}
}

// NewEngine creates an engine for endpoint, e.g. "https://s3.amazonaws.com".
func NewEngine(cfg config.Configuration, endpoint string, protocol Protocol, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if protocol == nil {
		return nil, errors.New("protocol is required")
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q: expected http(s)://host", endpoint)
	}

	e := &Engine{
		cfg:              cfg,
		endpoint:         u,
		protocol:         protocol,
		logger:           zerolog.Nop(),
		progressInterval: defaultProgressInterval,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.service == "" {
		e.service = signer.ServiceFromHost(u.Host)
	}
	if e.client == nil {
		e.client = newHTTPClient(cfg.Timeout)
		e.ownClient = true
	}
	e.signer = signer.New(cfg.Credentials, cfg.Region, e.service, e.signerOpts...)

	return e, nil
}

// newHTTPClient returns a client that opens a fresh connection per request,
// never follows redirects and never negotiates compression.
func newHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: timeout}

	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			DisableKeepAlives:     true,
			DisableCompression:    true,
			TLSHandshakeTimeout:   timeout,
			ExpectContinueTimeout: expectContinueTimeout,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// session is the connection setup of one operation, derived from the
// engine configuration merged with the operation's overrides.
type session struct {
	timeout time.Duration
	signer  *signer.Signer
	client  *http.Client
}

// newSession applies override to the engine's signer and client. The
// endpoint is fixed per engine, so an override naming another endpoint is
// rejected.
func (e *Engine) newSession(override config.Configuration) (config.Configuration, *session, error) {
	cfg := e.cfg.Merge(override)
	if err := cfg.Validate(); err != nil {
		return cfg, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if override.Endpoint != "" {
		u, err := url.Parse(override.Endpoint)
		if err != nil || u.Scheme != e.endpoint.Scheme || u.Host != e.endpoint.Host {
			return cfg, nil, fmt.Errorf("%w: %s, engine uses %s://%s",
				ErrEndpointMismatch, override.Endpoint, e.endpoint.Scheme, e.endpoint.Host)
		}
	}

	s := &session{timeout: cfg.Timeout, signer: e.signer, client: e.client}
	if override.Region != "" || override.Credentials != nil {
		s.signer = signer.New(cfg.Credentials, cfg.Region, e.service, e.signerOpts...)
	}
	if e.ownClient && cfg.Timeout != e.cfg.Timeout {
		s.client = newHTTPClient(cfg.Timeout)
	}

	return cfg, s, nil
}

// Configuration returns the engine defaults.
func (e *Engine) Configuration() config.Configuration {
	return e.cfg
}

// URL returns the absolute URL of an escaped request path.
func (e *Engine) URL(path string) string {
	return e.endpoint.Scheme + "://" + e.endpoint.Host + path
}

// Call is a signed control request, e.g. a metadata lookup or a delete.
type Call struct {
	// Label names the request in metrics and logs.
	Label  string
	Method string
	// Path is the escaped request path.
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// Response is the result of a successful Call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// ContentLength is the length the server announced, -1 if unknown.
	ContentLength int64
}

// Do executes c with the retry policy of the engine configuration merged
// with overrides. It blocks until the request succeeds, fails for good, or
// ctx ends.
func (e *Engine) Do(ctx context.Context, c Call, overrides ...config.Configuration) (*Response, error) {
	var override config.Configuration
	for _, o := range overrides {
		override = override.Merge(o)
	}
	cfg, sess, err := e.newSession(override)
	if err != nil {
		return nil, err
	}
	if c.Label == "" {
		c.Label = metrics.RequestControl
	}

	f := future.New[*Response](future.WithLogger(e.logger))
	stop := context.AfterFunc(ctx, func() { f.Cancel() })
	defer stop()

	r := &runner{
		engine:  e,
		ctx:     context.WithoutCancel(ctx),
		cfg:     cfg,
		session: sess,
		tracker: f,
		fail:    func(err error) { f.Fail(err) },
		logger:  e.logger.With().Str("request", c.Label).Str("path", c.Path).Logger(),
	}
	r.launch(&requestStep{call: c, future: f})

	return f.Get(ctx)
}
