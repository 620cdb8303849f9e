package storage

import (
	"context"
	"fmt"
	"io"

	"tenant-backup/internal/config"
	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/logging"
)

// New builds the configured adapter wrapped with retries on transient failures
func New(ctx context.Context, cfg config.StorageConfig, logger *logging.Logger) (Adapter, error) {
	var (
		adapter Adapter
		err     error
	)

	switch cfg.Provider {
	case config.StorageProviderLocal:
		if cfg.Local == nil {
			return nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput, "local storage configuration is required")
		}
		adapter, err = NewLocalAdapter(cfg.Local.BasePath)
	case config.StorageProviderS3:
		adapter, err = NewS3Adapter(cfg.S3)
	case config.StorageProviderAzure:
		adapter, err = NewAzureAdapter(cfg.Azure)
	case config.StorageProviderGCS:
		if cfg.GCS == nil {
			return nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput, "GCS storage configuration is required")
		}
		adapter, err = NewGCSAdapter(ctx, cfg.GCS.Bucket, cfg.GCS.CredentialsPath)
	case config.StorageProviderMemory:
		adapter = NewMemoryAdapter()
	default:
		return nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput,
			fmt.Sprintf("unsupported storage provider: %s", cfg.Provider))
	}
	if err != nil {
		return nil, appErrors.WrapError(err, fmt.Sprintf("failed to create %s storage", cfg.Provider))
	}

	return NewRetrying(adapter, appErrors.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Multiplier:  2.0,
	}, logger), nil
}

// Retrying retries Get, Delete and Exists on transient failures. Put is not
// retried because its reader cannot be rewound.
type Retrying struct {
	Adapter
	retry  *appErrors.RetryHandler
	logger *logging.Logger
}

// NewRetrying wraps an adapter
func NewRetrying(inner Adapter, cfg appErrors.RetryConfig, logger *logging.Logger) *Retrying {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Retrying{Adapter: inner, retry: appErrors.NewRetryHandler(cfg), logger: logger}
}

// Unwrap returns the wrapped adapter
func (r *Retrying) Unwrap() Adapter { return r.Adapter }

// Get implements Adapter
func (r *Retrying) Get(ctx context.Context, loc Location) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := r.do(ctx, "get", loc, func() error {
		var err error
		rc, err = r.Adapter.Get(ctx, loc)
		return err
	})
	return rc, err
}

// Delete implements Adapter
func (r *Retrying) Delete(ctx context.Context, loc Location) error {
	return r.do(ctx, "delete", loc, func() error {
		return r.Adapter.Delete(ctx, loc)
	})
}

// Exists implements Adapter
func (r *Retrying) Exists(ctx context.Context, loc Location) (bool, error) {
	var ok bool
	err := r.do(ctx, "exists", loc, func() error {
		var err error
		ok, err = r.Adapter.Exists(ctx, loc)
		return err
	})
	return ok, err
}

func (r *Retrying) do(ctx context.Context, op string, loc Location, fn func() error) error {
	attempt := 0
	return r.retry.Retry(ctx, func() error {
		attempt++
		err := fn()
		if err != nil && appErrors.IsTransient(err) {
			r.logger.WithFields(map[string]interface{}{
				"provider": r.Name(),
				"op":       op,
				"location": loc.String(),
				"attempt":  attempt,
			}).Warnf("Storage call failed: %v", err)
		}
		return err
	})
}
