package device

import (
	"context"

	"github.com/cockroachdb/errors"

	"kstore/config"
)

// FromConfig builds the device selected by cfg
func FromConfig(ctx context.Context, cfg config.DeviceConfig) (Device, error) {
	switch cfg.Kind {
	case "", "local":
		return NewLocal(cfg.Root), nil
	case "memory":
		return NewMemory(), nil
	case "s3":
		d, err := NewS3(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Prefix:   cfg.Root,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	case "gcs":
		d, err := NewGCS(ctx, GCSConfig{
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Root,
			CredentialsFile: cfg.CredentialsFile,
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	case "http":
		d, err := NewHTTP(cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, errors.Newf("unknown device kind %q", cfg.Kind)
	}
}
