package server

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/skyferry/skyferry/apitypes"
	"github.com/skyferry/skyferry/internal/journal"
	"github.com/skyferry/skyferry/internal/timeline"
	"github.com/skyferry/skyferry/internal/tracker"
)

// validIDPattern matches transfer ids, which are ULIDs.
var validIDPattern = regexp.MustCompile(`^[0-9A-Za-z]+$`)

// maxIDLength is the maximum allowed length for ID parameters.
const maxIDLength = 64

// defaultEventsLimit is the maximum number of events to return.
const defaultEventsLimit = 100

const timeFormat = time.RFC3339

// validateID checks that an ID parameter is non-empty, reasonable length,
// and contains only safe characters.
func validateID(id string) error {
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id is required")
	}
	if len(id) > maxIDLength {
		return echo.NewHTTPError(http.StatusBadRequest, "id too long")
	}
	if !validIDPattern.MatchString(id) {
		return echo.NewHTTPError(http.StatusBadRequest, "id contains invalid characters")
	}
	return nil
}

// HTTPServer is the status API server.
type HTTPServer struct {
	echo     *echo.Echo
	tracker  *tracker.Controller
	journal  *journal.Journal
	timeline timeline.Recorder
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
}

// HTTPOption is a functional option for configuring the HTTP server.
type HTTPOption func(*HTTPServer)

// WithHTTPLogger sets the logger.
func WithHTTPLogger(logger zerolog.Logger) HTTPOption {
	return func(s *HTTPServer) {
		s.logger = logger
	}
}

// WithHTTPJournal serves the open uploads of j.
func WithHTTPJournal(j *journal.Journal) HTTPOption {
	return func(s *HTTPServer) {
		s.journal = j
	}
}

// WithHTTPTimeline serves the event history of r.
func WithHTTPTimeline(r timeline.Recorder) HTTPOption {
	return func(s *HTTPServer) {
		s.timeline = r
	}
}

// WithHTTPGatherer serves the metrics of g on /metrics.
func WithHTTPGatherer(g prometheus.Gatherer) HTTPOption {
	return func(s *HTTPServer) {
		s.gatherer = g
	}
}

// NewHTTPServer creates a new status API server.
func NewHTTPServer(t *tracker.Controller, opts ...HTTPOption) *HTTPServer {
	s := &HTTPServer{
		echo:    echo.New(),
		tracker: t,
		logger:  zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *HTTPServer) setupMiddleware() {
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Msg("request error")
			} else {
				s.logger.Debug().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Msg("request")
			}
			return nil
		},
	}))

	s.echo.Use(middleware.Recover())
}

func (s *HTTPServer) setupRoutes() {
	api := s.echo.Group("/api")

	api.GET("/health", s.healthHandler)
	api.GET("/stats", s.statsHandler)

	api.GET("/transfers", s.listTransfersHandler)
	api.GET("/transfers/:id", s.getTransferHandler)
	api.GET("/transfers/:id/events", s.transferEventsHandler)

	api.GET("/events", s.eventsHandler)

	api.GET("/uploads", s.listUploadsHandler)

	if s.gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// Start starts the server.
func (s *HTTPServer) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("starting http server")
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Handlers

func (s *HTTPServer) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, apitypes.HealthResponse{
		Status: "ok",
	})
}

func (s *HTTPServer) statsHandler(c echo.Context) error {
	resp := s.tracker.Stats()

	if s.journal != nil {
		entries, err := s.journal.List(c.Request().Context())
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to list journal for stats")
		} else {
			resp.OpenUploads = len(entries)
		}
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) listTransfersHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, s.tracker.List())
}

func (s *HTTPServer) getTransferHandler(c echo.Context) error {
	id := c.Param("id")
	if err := validateID(id); err != nil {
		return err
	}

	t, ok := s.tracker.Get(id)
	if !ok {
		return c.JSON(http.StatusNotFound, apitypes.ErrorResponse{
			Error: "transfer not found",
		})
	}

	return c.JSON(http.StatusOK, t)
}

func (s *HTTPServer) listUploadsHandler(c echo.Context) error {
	if s.journal == nil {
		return c.JSON(http.StatusOK, []apitypes.Upload{})
	}

	entries, err := s.journal.List(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list journal")
		return c.JSON(http.StatusInternalServerError, apitypes.ErrorResponse{
			Error: "failed to list uploads",
		})
	}

	uploads := make([]apitypes.Upload, 0, len(entries))
	for _, e := range entries {
		uploads = append(uploads, apitypes.Upload{
			ID:         e.ID.String(),
			UploadID:   e.UploadID,
			RemotePath: e.RemotePath,
			LocalPath:  e.LocalPath,
			CreatedAt:  e.CreatedAt.Format(timeFormat),
		})
	}

	return c.JSON(http.StatusOK, uploads)
}

func (s *HTTPServer) eventsHandler(c echo.Context) error {
	if s.timeline == nil {
		return c.JSON(http.StatusOK, []timeline.Event{})
	}

	limit := defaultEventsLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	all := s.timeline.GetAll()
	if len(all) > limit {
		all = all[:limit]
	}
	return c.JSON(http.StatusOK, all)
}

func (s *HTTPServer) transferEventsHandler(c echo.Context) error {
	id := c.Param("id")
	if err := validateID(id); err != nil {
		return err
	}

	if s.timeline == nil {
		return c.JSON(http.StatusOK, []timeline.Event{})
	}

	evs := s.timeline.GetByTransfer(id)
	if evs == nil {
		evs = []timeline.Event{}
	}
	return c.JSON(http.StatusOK, evs)
}
