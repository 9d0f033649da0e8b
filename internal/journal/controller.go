package journal

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/skyferry/skyferry/internal/events"
)

// Controller keeps the journal in sync with the event bus: initiated
// multipart uploads are recorded, completed and aborted ones removed.
// Failed and cancelled uploads stay in the journal because their parts are
// still held by the server.
//
// Events are handled synchronously on the bus: an initiated upload is
// journaled before its parts start.
type Controller struct {
	eventBus *events.Bus
	journal  *Journal
	logger   zerolog.Logger

	remove func()
	cancel context.CancelFunc
}

// ControllerOption is a functional option for configuring the Controller.
type ControllerOption func(*Controller)

// WithControllerLogger sets the logger for the controller.
func WithControllerLogger(logger zerolog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

// NewController creates a new journal Controller.
func NewController(eventBus *events.Bus, journal *Journal, opts ...ControllerOption) *Controller {
	c := &Controller{
		eventBus: eventBus,
		journal:  journal,
		logger:   zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Start begins processing upload events.
func (c *Controller) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	c.remove = c.eventBus.Handle(
		events.Types(events.UploadInitiated, events.TransferCompleted, events.UploadAborted),
		func(ev events.Event) { c.handle(ctx, ev) },
	)

	c.logger.Debug().Msg("journal controller started")
	return nil
}

// Stop stops the controller once the events being handled were written.
func (c *Controller) Stop() error {
	if c.remove != nil {
		c.remove()
	}
	if c.cancel != nil {
		c.cancel()
	}

	c.logger.Debug().Msg("journal controller stopped")
	return nil
}

func (c *Controller) handle(ctx context.Context, ev events.Event) {
	uploadID, _ := ev.Data["upload_id"].(string)
	if uploadID == "" {
		return
	}

	logger := c.logger.With().
		Str("event_type", string(ev.Type)).
		Str("upload_id", uploadID).
		Logger()

	switch ev.Type {
	case events.UploadInitiated:
		path, _ := ev.Data["path"].(string)
		localPath, _ := ev.Data["local_path"].(string)

		if _, err := c.journal.Record(ctx, Entry{
			UploadID:   uploadID,
			RemotePath: path,
			LocalPath:  localPath,
			CreatedAt:  ev.Timestamp,
		}); err != nil {
			logger.Error().Err(err).Msg("failed to record upload")
			return
		}
		logger.Debug().Str("path", path).Msg("recorded upload")

	case events.TransferCompleted, events.UploadAborted:
		if _, err := c.journal.Remove(ctx, uploadID); err != nil {
			logger.Error().Err(err).Msg("failed to remove upload")
			return
		}
		logger.Debug().Msg("removed upload")

	default:
	}
}
