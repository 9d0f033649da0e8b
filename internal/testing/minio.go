package testing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/skyferry/skyferry/internal/config"
	"github.com/skyferry/skyferry/internal/credentials"
	"github.com/skyferry/skyferry/internal/storage"
	"github.com/skyferry/skyferry/internal/transfer"
)

// MinIO container configuration constants.
const (
	minioContainerStartupTimeout = 60 * time.Second
	minioPort                    = "9000/tcp"
)

// MinIOContainer holds references to a running MinIO server for integration
// tests.
type MinIOContainer struct {
	Container testcontainers.Container
	Endpoint  string
	AccessKey string
	SecretKey string
}

// MinIOContainerConfig configures the MinIO container.
type MinIOContainerConfig struct {
	// Image is the container image (default: "minio/minio:latest").
	Image string
	// AccessKey is the root user (default: "minioadmin").
	AccessKey string
	// SecretKey is the root password (default: "minioadmin").
	SecretKey string
}

// DefaultMinIOContainerConfig returns the default configuration.
func DefaultMinIOContainerConfig() MinIOContainerConfig {
	return MinIOContainerConfig{
		Image:     "minio/minio:latest",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	}
}

// StartMinIOContainer starts a single-node MinIO server and waits until its
// health endpoint answers.
func StartMinIOContainer(ctx context.Context, cfg MinIOContainerConfig) (*MinIOContainer, error) {
	def := DefaultMinIOContainerConfig()
	if cfg.Image == "" {
		cfg.Image = def.Image
	}
	if cfg.AccessKey == "" {
		cfg.AccessKey = def.AccessKey
	}
	if cfg.SecretKey == "" {
		cfg.SecretKey = def.SecretKey
	}

	req := testcontainers.ContainerRequest{
		Image:        cfg.Image,
		ExposedPorts: []string{minioPort},
		Cmd:          []string{"server", "/data"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     cfg.AccessKey,
			"MINIO_ROOT_PASSWORD": cfg.SecretKey,
		},
		WaitingFor: wait.ForHTTP("/minio/health/live").
			WithPort(minioPort).
			WithStartupTimeout(minioContainerStartupTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start MinIO container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	mappedPort, err := container.MappedPort(ctx, minioPort)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}

	return &MinIOContainer{
		Container: container,
		Endpoint:  fmt.Sprintf("http://%s:%d", host, mappedPort.Int()),
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
	}, nil
}

// Configuration returns a configuration that talks to the container with
// its root credentials.
func (m *MinIOContainer) Configuration() config.Configuration {
	return config.DefaultConfiguration().Merge(config.Configuration{
		Endpoint:    m.Endpoint,
		Credentials: credentials.NewStatic(m.AccessKey, m.SecretKey, ""),
	})
}

// CreateBucket creates bucket. An existing bucket owned by the caller is not
// an error.
func (m *MinIOContainer) CreateBucket(ctx context.Context, bucket string) error {
	engine, err := transfer.NewEngine(m.Configuration(), m.Endpoint, storage.S3{}, transfer.WithService("s3"))
	if err != nil {
		return err
	}

	_, err = engine.Do(ctx, transfer.Call{Method: http.MethodPut, Path: "/" + bucket})
	var statusErr *transfer.StatusError
	if errors.As(err, &statusErr) && statusErr.Code == "BucketAlreadyOwnedByYou" {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return nil
}

// Cleanup stops the container.
func (m *MinIOContainer) Cleanup(ctx context.Context) error {
	if m.Container == nil {
		return nil
	}
	if err := m.Container.Terminate(ctx); err != nil {
		return fmt.Errorf("failed to terminate container: %w", err)
	}
	return nil
}
