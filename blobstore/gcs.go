package blobstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"convertd/logger"
)

// GCSConfig selects the bucket and service account for GCSStore.
type GCSConfig struct {
	Bucket string
	// CredentialsJSON is a base64-encoded service account key. Empty means
	// application default credentials.
	CredentialsJSON string
	Prefix          string
}

// GCSStore keeps blobs as objects in one Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS creates a client for cfg.
func NewGCS(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs blob store requires a bucket")
	}
	var opts []option.ClientOption
	if cfg.CredentialsJSON != "" {
		credentialsJSON, err := base64.StdEncoding.DecodeString(cfg.CredentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("decode gcs credentials: %w", err)
		}
		opts = append(opts, option.WithCredentialsJSON(credentialsJSON))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(hexDigest string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(objectKey(s.prefix, hexDigest))
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	ref := RefFor(data)
	hexDigest, _ := digest(ref)

	wc := s.object(hexDigest).NewWriter(ctx)
	if _, err := io.Copy(wc, bytes.NewReader(data)); err != nil {
		wc.Close()
		return "", fmt.Errorf("io.Copy: %w", err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("Writer.Close: %w", err)
	}
	logger.Debugf("Uploaded blob '%s' to bucket '%s'", hexDigest, s.bucket)
	return ref, nil
}

func (s *GCSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	hexDigest, err := digest(ref)
	if err != nil {
		return nil, err
	}
	rc, err := s.object(hexDigest).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("Object.NewReader: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", hexDigest, err)
	}
	return data, nil
}

func (s *GCSStore) Delete(ctx context.Context, ref string) error {
	hexDigest, err := digest(ref)
	if err != nil {
		return err
	}
	if err := s.object(hexDigest).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("Object.Delete: %w", err)
	}
	return nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
