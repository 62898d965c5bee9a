// Package blobstore holds source inputs and converted outputs as opaque,
// content-addressed byte blobs.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get for a ref that holds no blob.
var ErrNotFound = errors.New("blob not found")

// ErrInvalidRef is returned for refs that are not of the form sha256:<hex>.
var ErrInvalidRef = errors.New("invalid blob ref")

const refPrefix = "sha256:"

// Store is implemented by every backend.
type Store interface {
	// Put stores data and returns its ref. Storing the same bytes twice
	// returns the same ref.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	// Delete removes a blob; a missing blob is not an error.
	Delete(ctx context.Context, ref string) error
	Close() error
}

// RefFor computes the ref data is stored under.
func RefFor(data []byte) string {
	sum := sha256.Sum256(data)
	return refPrefix + hex.EncodeToString(sum[:])
}

// digest validates ref and returns its hex digest, used as the backend key.
func digest(ref string) (string, error) {
	hexPart, ok := strings.CutPrefix(ref, refPrefix)
	if !ok || len(hexPart) != sha256.Size*2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return strings.ToLower(hexPart), nil
}

// objectKey joins an optional prefix with the digest.
func objectKey(prefix, hexDigest string) string {
	if prefix == "" {
		return hexDigest
	}
	return strings.TrimSuffix(prefix, "/") + "/" + hexDigest
}
