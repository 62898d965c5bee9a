package blobstore

import (
	"context"
	"fmt"
	"path/filepath"

	"convertd/config"
	"convertd/logger"
)

// Backend names accepted by Open.
const (
	BackendPebble = "pebble"
	BackendFS     = "fs"
	BackendS3     = "s3"
	BackendGCS    = "gcs"
	BackendSFTP   = "sftp"
)

// Open builds the configured backend.
func Open(ctx context.Context, cfg config.Blob, dataDir string) (Store, error) {
	logger.Infof("Opening %s blob store", cfg.Backend)
	switch cfg.Backend {
	case BackendPebble, "":
		return OpenPebble(filepath.Join(dataDir, "blobs.db"))
	case BackendFS:
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join(dataDir, "blobs")
		}
		return OpenFS(dir)
	case BackendS3:
		return NewS3(S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Endpoint:  cfg.S3Endpoint,
			Prefix:    cfg.Prefix,
		})
	case BackendGCS:
		return NewGCS(ctx, GCSConfig{
			Bucket:          cfg.GCSBucket,
			CredentialsJSON: cfg.GCSCredentialsJSON,
			Prefix:          cfg.Prefix,
		})
	case BackendSFTP:
		return NewSFTP(SFTPConfig{
			Host:       cfg.SFTPHost,
			Port:       cfg.SFTPPort,
			User:       cfg.SFTPUser,
			Password:   cfg.SFTPPassword,
			PrivateKey: cfg.SFTPPrivateKey,
			Root:       cfg.SFTPRoot,
		})
	default:
		return nil, fmt.Errorf("unknown blob backend: %s", cfg.Backend)
	}
}
