package artifacts

import (
	"context"
	"fmt"
)

// FactoryConfig selects and configures a backend.
type FactoryConfig struct {
	Backend string // "file", "s3", "gcs"

	// file
	Dir string

	// s3
	S3 S3Config

	// gcs
	GCSBucket string
	GCSPrefix string
}

// New builds a Store from config. An empty backend defaults to file.
func New(ctx context.Context, cfg FactoryConfig) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		dir := cfg.Dir
		if dir == "" {
			dir = "./artifacts"
		}
		return NewFileStore(dir)
	case "s3":
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("artifacts: s3 backend requires a bucket")
		}
		return NewS3Store(ctx, cfg.S3)
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("artifacts: gcs backend requires a bucket")
		}
		return NewGCSStore(ctx, cfg.GCSBucket, cfg.GCSPrefix)
	default:
		return nil, fmt.Errorf("artifacts: unknown backend %q", cfg.Backend)
	}
}
