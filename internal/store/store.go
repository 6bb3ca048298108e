// Package store abstracts publishing pipeline artifacts (staged rasters and
// merged datasets) to local or object storage.
package store

import (
	"context"
	"fmt"
	"path"
)

// ResultStore abstracts writing pipeline artifacts to storage.
type ResultStore interface {
	// Write writes bytes to storage under key.
	Write(ctx context.Context, key string, data []byte) error

	// WriteFile uploads a local file to storage under key.
	WriteFile(ctx context.Context, key, srcPath string) error

	// Exists checks whether an object already exists.
	Exists(ctx context.Context, key string) (bool, error)

	// URI returns the canonical URI for the given key.
	// Local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path.
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// Config configures the storage backend.
type Config struct {
	Backend string `yaml:"backend"` // "local" | "gcs" | "s3"

	// Local filesystem
	LocalDir string `yaml:"local_dir"`

	// GCS
	GCSBucket string `yaml:"gcs_bucket"`

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string `yaml:"s3_bucket"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`

	// Common path prefix within the bucket or local dir.
	Prefix string `yaml:"prefix"`
}

// RasterKey returns the storage key for a staged tile raster.
func RasterKey(prefix, survey, tileName string) string {
	return path.Join(prefix, survey, "rasters", tileName+".tif")
}

// MergedKey returns the storage key for the merged dataset.
func MergedKey(prefix, survey string) string {
	return path.Join(prefix, survey, "merged", "detections.geojson")
}

// SummaryKey returns the storage key for the merge summary sidecar.
func SummaryKey(prefix, survey string) string {
	return path.Join(prefix, survey, "merged", "detections_summary.json")
}

// AttributeTableKey returns the storage key for the merged attribute table.
func AttributeTableKey(prefix, survey string) string {
	return path.Join(prefix, survey, "merged", "detections.parquet")
}

// New creates a storage backend based on configuration.
func New(cfg Config) (ResultStore, error) {
	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("local_dir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir)
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("gcs_bucket required for gcs backend")
		}
		return NewGCSStore(cfg.GCSBucket)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3_bucket required for s3 backend")
		}
		return NewS3Store(cfg.S3Bucket, cfg.S3Endpoint, cfg.S3Region)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
