// Package server wires the configured components of one skyferry process:
// storage, event bus, journal, tracker, metrics and the optional status
// endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/skyferry/skyferry/internal/config"
	"github.com/skyferry/skyferry/internal/events"
	"github.com/skyferry/skyferry/internal/journal"
	"github.com/skyferry/skyferry/internal/metrics"
	"github.com/skyferry/skyferry/internal/storage"
	"github.com/skyferry/skyferry/internal/timeline"
	"github.com/skyferry/skyferry/internal/tracker"
)

// Options holds additional server options not in config.
type Options struct {
	// Fs is the local filesystem for file transfers. Defaults to the OS.
	Fs afero.Fs

	Logger zerolog.Logger
}

// Server owns the components of one process.
type Server struct {
	cfg      config.Config
	bus      *events.Bus
	registry *prometheus.Registry
	storage  *storage.Storage
	journal  *journal.Journal
	journalC *journal.Controller
	tracker  *tracker.Controller
	timeline *timeline.Controller
	http     *HTTPServer
	logger   zerolog.Logger

	errCh chan error
}

// New creates a server with the given configuration. The journal is opened
// when a path is configured.
func New(ctx context.Context, cfg config.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}

	bus := events.New(events.WithLogger(logger.With().Str("component", "events").Logger()))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New()
	if err := m.Register(registry); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	store, err := storage.New(
		cfg.Configuration(),
		storage.WithLogger(logger.With().Str("component", "storage").Logger()),
		storage.WithFs(opts.Fs),
		storage.WithEventBus(bus),
		storage.WithMetrics(m),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		bus:      bus,
		registry: registry,
		storage:  store,
		tracker: tracker.NewController(bus,
			tracker.WithControllerLogger(logger.With().Str("component", "tracker").Logger()),
		),
		logger: logger,
		errCh:  make(chan error, 1),
	}

	recorder := timeline.NewRecorder(
		timeline.WithLogger(logger.With().Str("component", "timeline").Logger()),
	)
	s.timeline = timeline.NewController(bus, recorder)

	httpOpts := []HTTPOption{
		WithHTTPLogger(logger.With().Str("component", "http").Logger()),
		WithHTTPGatherer(registry),
		WithHTTPTimeline(recorder),
	}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(ctx, cfg.Journal.Path)
		if err != nil {
			return nil, err
		}
		s.journal = j
		s.journalC = journal.NewController(bus, j,
			journal.WithControllerLogger(logger.With().Str("component", "journal").Logger()),
		)
		httpOpts = append(httpOpts, WithHTTPJournal(j))
	}

	s.http = NewHTTPServer(s.tracker, httpOpts...)

	logger.Debug().
		Str("endpoint", storage.Endpoint(cfg.Configuration())).
		Str("journal", cfg.Journal.Path).
		Str("listen", cfg.Server.Listen).
		Msg("server configured")

	return s, nil
}

// Start starts the controllers and, when configured, the status endpoint.
// Call it before starting transfers so every event is seen.
func (s *Server) Start(ctx context.Context) error {
	if err := s.tracker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start tracker: %w", err)
	}
	if err := s.timeline.Start(ctx); err != nil {
		return fmt.Errorf("failed to start timeline: %w", err)
	}
	if s.journalC != nil {
		if err := s.journalC.Start(ctx); err != nil {
			return fmt.Errorf("failed to start journal controller: %w", err)
		}
	}

	if s.cfg.Server.Listen != "" {
		go func() {
			if err := s.http.Start(s.cfg.Server.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("http server error")
				s.errCh <- err
			}
		}()
	}

	return nil
}

// Errors reports a failure of the status endpoint.
func (s *Server) Errors() <-chan error {
	return s.errCh
}

// Storage returns the configured storage.
func (s *Server) Storage() *storage.Storage {
	return s.storage
}

// Journal returns the journal, nil when none is configured.
func (s *Server) Journal() *journal.Journal {
	return s.journal
}

// Tracker returns the transfer tracker.
func (s *Server) Tracker() *tracker.Controller {
	return s.tracker
}

// Handler returns the status API handler.
func (s *Server) Handler() http.Handler {
	return s.http
}

// Shutdown stops the status endpoint, drains the controllers and closes
// the journal.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if s.cfg.Server.Listen != "" {
		if err := s.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	if s.journalC != nil {
		if err := s.journalC.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.tracker.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := s.timeline.Stop(); err != nil {
		errs = append(errs, err)
	}

	s.bus.Close()

	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}

	if dropped := s.bus.Dropped(); dropped > 0 {
		s.logger.Warn().Uint64("dropped", dropped).Msg("events were dropped")
	}
	s.logger.Debug().Msg("shutdown complete")

	return errors.Join(errs...)
}
