// Package storage is the object storage facade: it maps remote paths to
// S3 requests and drives uploads, downloads and control requests through
// the transfer engine.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/skyferry/skyferry/internal/config"
	"github.com/skyferry/skyferry/internal/contenthash"
	"github.com/skyferry/skyferry/internal/events"
	"github.com/skyferry/skyferry/internal/fileutil"
	"github.com/skyferry/skyferry/internal/metrics"
	"github.com/skyferry/skyferry/internal/transfer"
)

const service = "s3"

// ErrNotFound is returned when the object or upload does not exist.
var ErrNotFound = errors.New("not found")

// FileInfo describes a remote object.
type FileInfo struct {
	Path     string    `json:"path"`
	Hash     string    `json:"hash"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	Version  string    `json:"version,omitempty"`
	// Latest is true when no specific version was requested.
	Latest bool `json:"latest"`
}

// Storage talks to one S3 endpoint. Remote paths have the form
// "bucket/key" and are prefixed with the configured prefix.
type Storage struct {
	cfg    config.Configuration
	engine *transfer.Engine
	fs     afero.Fs
	logger zerolog.Logger
	bus    *events.Bus
}

// Option configures a Storage.
type Option func(*options)

type options struct {
	logger     zerolog.Logger
	fs         afero.Fs
	bus        *events.Bus
	engineOpts []transfer.Option
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithFs sets the filesystem used by UploadFile, DownloadFile and HashFile.
func WithFs(fs afero.Fs) Option {
	return func(o *options) {
		o.fs = fs
	}
}

// WithEventBus publishes transfer and upload events on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(o *options) {
		o.bus = bus
	}
}

// WithMetrics records engine metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, transfer.WithMetrics(m))
	}
}

// WithEngineOptions passes options to the transfer engine.
func WithEngineOptions(opts ...transfer.Option) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, opts...)
	}
}

// Endpoint returns the endpoint URL for cfg: the configured override, or
// the regional S3 host.
func Endpoint(cfg config.Configuration) string {
	switch {
	case cfg.Endpoint != "":
		return strings.TrimSuffix(cfg.Endpoint, "/")
	case cfg.Region == "" || cfg.Region == config.DefaultRegion:
		return "https://s3.amazonaws.com"
	default:
		return "https://s3." + cfg.Region + ".amazonaws.com"
	}
}

// New creates a Storage for cfg.
func New(cfg config.Configuration, opts ...Option) (*Storage, error) {
	o := options{logger: zerolog.Nop(), fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(&o)
	}

	engineOpts := []transfer.Option{
		transfer.WithLogger(o.logger),
		transfer.WithService(service),
	}
	if o.bus != nil {
		engineOpts = append(engineOpts, transfer.WithEventBus(o.bus))
	}

	engine, err := transfer.NewEngine(cfg, Endpoint(cfg), S3{}, append(engineOpts, o.engineOpts...)...)
	if err != nil {
		return nil, err
	}

	return &Storage{
		cfg:    cfg,
		engine: engine,
		fs:     o.fs,
		logger: o.logger,
		bus:    o.bus,
	}, nil
}

// Configuration returns the storage configuration.
func (s *Storage) Configuration() config.Configuration {
	return s.cfg
}

// Path returns the escaped request path of remotePath.
func (s *Storage) Path(remotePath string) string {
	return requestPath(s.cfg.Prefix, remotePath)
}

func requestPath(prefix, remotePath string) string {
	return escape("/"+prefix+strings.TrimPrefix(remotePath, "/"), true)
}

// effective merges the overrides carried by opts over the storage
// configuration and pins the endpoint that configuration resolves to, so
// the engine rejects a transfer it would send elsewhere.
func (s *Storage) effective(opts []transfer.TransferOption) (config.Configuration, []transfer.TransferOption) {
	cfg := s.cfg.Merge(transfer.Overrides(opts...))
	pinned := transfer.WithOverrides(config.Configuration{Endpoint: Endpoint(cfg)})
	return cfg, append(slices.Clip(opts), pinned)
}

// RemotePath is the inverse of Path: it maps an escaped request path, as
// carried by transfer events and journal entries, back to a remote path.
func (s *Storage) RemotePath(requestPath string) (string, error) {
	p, err := url.PathUnescape(requestPath)
	if err != nil {
		return "", fmt.Errorf("invalid request path %q: %w", requestPath, err)
	}

	prefixed := "/" + s.cfg.Prefix
	if !strings.HasPrefix(p, prefixed) {
		return "", fmt.Errorf("request path %q is outside prefix %q", requestPath, s.cfg.Prefix)
	}
	return strings.TrimPrefix(p, prefixed), nil
}

// URL returns the absolute URL of remotePath.
func (s *Storage) URL(remotePath string) string {
	return s.engine.URL(s.Path(remotePath))
}

// Hash computes the hash the server will report for size bytes of r
// uploaded with the configured part size. Pass the options of the upload
// so a PartSize override is hashed the way it is chunked.
func (s *Storage) Hash(ctx context.Context, r io.ReaderAt, size int64, opts ...transfer.TransferOption) (string, error) {
	cfg, _ := s.effective(opts)
	return contenthash.ETag(ctx, r, size, cfg.PartSize, 0)
}

// HashFile computes Hash for a local file.
func (s *Storage) HashFile(ctx context.Context, localPath string, opts ...transfer.TransferOption) (string, error) {
	f, size, err := fileutil.Open(s.fs, localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return s.Hash(ctx, f, size, opts...)
}

// Upload uploads size bytes of src to remotePath. Content larger than one
// part uses a multipart upload; the part size and prefix include the
// overrides in opts.
func (s *Storage) Upload(
	ctx context.Context,
	remotePath string,
	src io.ReaderAt,
	size int64,
	opts ...transfer.TransferOption,
) *transfer.Transfer {
	cfg, opts := s.effective(opts)
	path := requestPath(cfg.Prefix, remotePath)
	if size <= cfg.PartSize {
		return s.engine.Upload(ctx, path, src, size, opts...)
	}
	return s.engine.MultipartUpload(ctx, path, src, size, opts...)
}

// Download downloads remotePath into dst. Pass transfer.WithVersion to
// fetch a specific version.
func (s *Storage) Download(
	ctx context.Context,
	remotePath string,
	dst transfer.Destination,
	opts ...transfer.TransferOption,
) *transfer.Transfer {
	cfg, opts := s.effective(opts)
	return s.engine.Download(ctx, requestPath(cfg.Prefix, remotePath), dst, opts...)
}

// UploadFile uploads a local file. The file is closed when the transfer
// finished.
func (s *Storage) UploadFile(
	ctx context.Context,
	localPath, remotePath string,
	opts ...transfer.TransferOption,
) (*transfer.Transfer, error) {
	f, size, err := fileutil.Open(s.fs, localPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", localPath, err)
	}

	opts = append([]transfer.TransferOption{transfer.WithLocalPath(localPath)}, opts...)
	t := s.Upload(ctx, remotePath, f, size, opts...)
	t.AddListener(func(*transfer.Transfer) {
		if err := f.Close(); err != nil {
			s.logger.Warn().Err(err).Str("file", localPath).Msg("failed to close file")
		}
	})

	return t, nil
}

// DownloadFile downloads remotePath into a local file, creating parent
// directories as needed. The file is closed when the transfer finished.
func (s *Storage) DownloadFile(
	ctx context.Context,
	remotePath, localPath string,
	opts ...transfer.TransferOption,
) (*transfer.Transfer, error) {
	f, err := fileutil.Create(s.fs, localPath)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", localPath, err)
	}

	opts = append([]transfer.TransferOption{transfer.WithLocalPath(localPath)}, opts...)
	t := s.Download(ctx, remotePath, f, opts...)
	t.AddListener(func(*transfer.Transfer) {
		if err := f.Close(); err != nil {
			s.logger.Warn().Err(err).Str("file", localPath).Msg("failed to close file")
		}
	})

	return t, nil
}

// Info returns metadata of remotePath, or of one version of it.
func (s *Storage) Info(ctx context.Context, remotePath, version string) (FileInfo, error) {
	resp, err := s.do(ctx, metrics.RequestHead, http.MethodHead, remotePath, versionQuery(version))
	if err != nil {
		return FileInfo{}, err
	}

	info := FileInfo{
		Path:    remotePath,
		Hash:    S3{}.HashFromHeaders(resp.Header),
		Size:    resp.ContentLength,
		Version: S3{}.VersionFromHeaders(resp.Header),
		Latest:  version == "",
	}
	if v := resp.Header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			info.Size = n
		}
	}
	if modified, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		info.Modified = modified.UTC()
	}

	return info, nil
}

// Delete deletes remotePath, or one version of it.
func (s *Storage) Delete(ctx context.Context, remotePath, version string) error {
	_, err := s.do(ctx, metrics.RequestControl, http.MethodDelete, remotePath, versionQuery(version))
	return err
}

// AbortUpload aborts an incomplete multipart upload and discards its parts.
func (s *Storage) AbortUpload(ctx context.Context, remotePath, uploadID string) error {
	if uploadID == "" {
		return errors.New("upload id is required")
	}

	_, err := s.do(ctx, metrics.RequestControl, http.MethodDelete, remotePath, S3{}.CompleteQuery(uploadID))
	if err != nil {
		return err
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type: events.UploadAborted,
			Data: map[string]any{"path": s.Path(remotePath), "upload_id": uploadID},
		})
	}
	s.logger.Info().Str("path", remotePath).Str("upload_id", uploadID).Msg("upload aborted")

	return nil
}

func (s *Storage) do(ctx context.Context, label, method, remotePath, query string) (*transfer.Response, error) {
	resp, err := s.engine.Do(ctx, transfer.Call{
		Label:  label,
		Method: method,
		Path:   s.Path(remotePath),
		Query:  query,
	})
	if err != nil {
		var statusErr *transfer.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", remotePath, errors.Join(ErrNotFound, err))
		}
		return nil, fmt.Errorf("%s %s: %w", method, remotePath, err)
	}
	return resp, nil
}

func versionQuery(version string) string {
	if version == "" {
		return ""
	}
	return S3{}.VersionQuery(version)
}
