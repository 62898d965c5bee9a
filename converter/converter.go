// Package converter wraps the external conversion binaries behind one
// contract: fetch the source blob, run the binary under a deadline, validate
// what it wrote, and store exactly one output blob.
package converter

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"convertd/blobstore"
	"convertd/logger"
	"convertd/models"
	"convertd/router"
)

// Request is one conversion to perform.
type Request struct {
	JobID        string
	SourceRef    string
	SourceFormat models.Format
	TargetFormat models.Format
	Options      models.Options
	// Deadline bounds the whole execution. Zero means only ctx bounds it.
	Deadline time.Time
}

// Output describes the stored result.
type Output struct {
	Ref    string
	Format models.Format
	Size   int64
}

// Adapter is implemented by each converter family.
type Adapter interface {
	Name() string
	Execute(ctx context.Context, req Request) (Output, error)
}

// Error is the structured failure every adapter returns.
type Error struct {
	Kind models.ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind models.ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf classifies err. Errors that did not come from an adapter count as
// process failures.
func KindOf(err error) models.ErrorKind {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	return models.ErrorProcessFailure
}

// Message returns the human-readable part of err for persisting.
func Message(err error) string {
	var cerr *Error
	if errors.As(err, &cerr) {
		if cerr.Err != nil {
			return cerr.Msg + ": " + cerr.Err.Error()
		}
		return cerr.Msg
	}
	return err.Error()
}

// Registry maps converter names to available adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[router.Converter]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[router.Converter]Adapter)}
}

// Register adds or replaces the adapter for conv.
func (r *Registry) Register(conv router.Converter, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[conv] = a
}

// Lookup returns the adapter for conv.
func (r *Registry) Lookup(conv router.Converter) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[conv]
	return a, ok
}

// Settings locates the binaries and scratch space.
type Settings struct {
	FFmpegPath   string
	PdftoppmPath string
	// TempDir is the parent of per-execution work directories; empty means
	// os.TempDir.
	TempDir string
}

// RegisterDefaults registers every adapter whose binary resolves, and logs
// the ones it skips.
func RegisterDefaults(r *Registry, s Settings, blobs blobstore.Store) {
	register := func(conv router.Converter, binary string, build func(string) Adapter) {
		path, err := exec.LookPath(binary)
		if err != nil {
			logger.Warnf("converter [%s] skipped: command '%s' not found in PATH", conv, binary)
			return
		}
		r.Register(conv, build(path))
		logger.Debugf("converter [%s] registered (command: %s)", conv, path)
	}
	register(router.Transcoder, s.FFmpegPath, func(path string) Adapter {
		return NewTranscoder(path, blobs, s.TempDir)
	})
	register(router.Rasterizer, s.PdftoppmPath, func(path string) Adapter {
		return NewRasterizer(path, blobs, s.TempDir)
	})
}
