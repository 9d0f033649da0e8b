// Package credentials provides access keys for request signing.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrEmpty is returned when a provider has no usable access key.
var ErrEmpty = errors.New("credentials: access key or secret is empty")

// Credentials is an immutable snapshot of an access key pair.
type Credentials struct {
	AccessKey       string
	SecretAccessKey string
	// SessionToken is set for temporary credentials only.
	SessionToken string
}

// Valid reports whether both halves of the key pair are present.
func (c Credentials) Valid() bool {
	return c.AccessKey != "" && c.SecretAccessKey != ""
}

// String hides the secret.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{AccessKey: %s, SessionToken: %t}", c.AccessKey, c.SessionToken != "")
}

// Provider supplies the credentials used to sign a request.
// Implementations must be safe for concurrent use.
type Provider interface {
	Credentials() Credentials
}

// Static is a Provider that always returns the same credentials.
type Static Credentials

// NewStatic creates a static provider.
func NewStatic(accessKey, secretAccessKey, sessionToken string) Static {
	return Static{
		AccessKey:       accessKey,
		SecretAccessKey: secretAccessKey,
		SessionToken:    sessionToken,
	}
}

// Credentials implements Provider.
func (s Static) Credentials() Credentials {
	return Credentials(s)
}

// FetchFunc obtains a fresh credentials snapshot, e.g. from an instance role.
type FetchFunc func(ctx context.Context) (Credentials, error)

// DefaultRefreshInterval matches the instance-role credential rotation cadence.
const DefaultRefreshInterval = 10 * time.Minute

// Refreshing is a Provider whose credentials are replaced periodically by a
// background goroutine. Readers always see the latest complete snapshot.
type Refreshing struct {
	fetch    FetchFunc
	interval time.Duration
	logger   zerolog.Logger

	mu    sync.RWMutex
	creds Credentials

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// Option configures a Refreshing provider.
type Option func(*Refreshing)

// WithLogger sets the logger used to report refresh results.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Refreshing) {
		r.logger = logger
	}
}

// WithInterval sets the refresh interval.
func WithInterval(interval time.Duration) Option {
	return func(r *Refreshing) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// NewRefreshing fetches the initial credentials and starts the refresh loop.
// The initial fetch must succeed. Call Close to stop refreshing.
func NewRefreshing(ctx context.Context, fetch FetchFunc, opts ...Option) (*Refreshing, error) {
	r := &Refreshing{
		fetch:    fetch,
		interval: DefaultRefreshInterval,
		logger:   zerolog.Nop(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	creds, err := fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial credentials fetch: %w", err)
	}
	if !creds.Valid() {
		return nil, ErrEmpty
	}
	r.creds = creds

	go r.loop()

	return r, nil
}

// Credentials implements Provider.
func (r *Refreshing) Credentials() Credentials {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.creds
}

// Refresh fetches new credentials immediately. On failure the previous
// snapshot stays in place.
func (r *Refreshing) Refresh(ctx context.Context) error {
	creds, err := r.fetch(ctx)
	if err != nil {
		return err
	}
	if !creds.Valid() {
		return ErrEmpty
	}

	r.mu.Lock()
	r.creds = creds
	r.mu.Unlock()

	return nil
}

// Close stops the refresh loop and waits for it to exit.
func (r *Refreshing) Close() error {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	<-r.stopped
	return nil
}

func (r *Refreshing) loop() {
	defer close(r.stopped)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			err := r.Refresh(ctx)
			cancel()

			if err != nil {
				r.logger.Error().Err(err).Msg("unable to refresh credentials")
				continue
			}

			r.logger.Info().
				Str("access_key", r.Credentials().AccessKey).
				Msg("refreshed credentials")
		}
	}
}
