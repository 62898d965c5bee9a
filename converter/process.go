package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"convertd/blobstore"
	"convertd/logger"
	"convertd/models"
)

const (
	stderrTail     = 4 << 10
	waitDelay      = 2 * time.Second
	blobAttempts   = 4
	blobRetryDelay = 100 * time.Millisecond
)

// runner holds what every adapter needs to execute one binary.
type runner struct {
	binary  string
	blobs   blobstore.Store
	tempDir string
	// corrupt lists stderr fragments meaning the input itself is unreadable.
	corrupt []string
}

// withDeadline applies req.Deadline on top of ctx.
func withDeadline(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline)
}

// workspace creates a private scratch directory and its cleanup.
func (r *runner) workspace(jobID string) (string, func(), error) {
	pattern := "convertd-*"
	if jobID != "" {
		pattern = "convertd-" + jobID + "-*"
	}
	dir, err := os.MkdirTemp(r.tempDir, pattern)
	if err != nil {
		return "", nil, newError(models.ErrorProcessFailure, err, "create work directory")
	}
	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Errorf("Failed to cleanup work directory %s: %v", dir, err)
		}
	}, nil
}

// interrupted maps a context error to an adapter error.
func interrupted(ctx context.Context, what string) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newError(models.ErrorTimeout, ctx.Err(), "deadline exceeded while %s", what)
	}
	return newError(models.ErrorProcessFailure, ctx.Err(), "interrupted while %s", what)
}

// retryBlob runs op until it succeeds, fails permanently, or runs out of
// attempts or time.
func retryBlob(ctx context.Context, what string, op func() error) error {
	delay := blobRetryDelay
	var err error
	for attempt := 1; attempt <= blobAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if errors.Is(err, blobstore.ErrNotFound) || errors.Is(err, blobstore.ErrInvalidRef) {
			return err
		}
		if ctx.Err() != nil {
			return interrupted(ctx, what)
		}
		logger.Warnf("Blob store %s failed (attempt %d/%d): %v", what, attempt, blobAttempts, err)
		if attempt == blobAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return interrupted(ctx, what)
		case <-time.After(delay):
		}
		delay *= 2
	}
	return newError(models.ErrorStoreUnavailable, err, "blob store %s failed", what)
}

// fetch reads the source blob.
func (r *runner) fetch(ctx context.Context, ref string) ([]byte, error) {
	var data []byte
	err := retryBlob(ctx, "read", func() error {
		var err error
		data, err = r.blobs.Get(ctx, ref)
		return err
	})
	if errors.Is(err, blobstore.ErrNotFound) || errors.Is(err, blobstore.ErrInvalidRef) {
		return nil, newError(models.ErrorInputCorrupt, err, "source blob unavailable")
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, newError(models.ErrorInputCorrupt, nil, "source blob is empty")
	}
	return data, nil
}

// store writes the single output blob.
func (r *runner) store(ctx context.Context, data []byte, format models.Format) (Output, error) {
	var ref string
	err := retryBlob(ctx, "write", func() error {
		var err error
		ref, err = r.blobs.Put(ctx, data)
		return err
	})
	if err != nil {
		return Output{}, err
	}
	return Output{Ref: ref, Format: format, Size: int64(len(data))}, nil
}

// tailBuffer keeps the last n bytes written to it.
type tailBuffer struct {
	n   int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.n; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}

// run executes the binary and classifies how it ended.
func (r *runner) run(ctx context.Context, args []string) error {
	if err := ctx.Err(); err != nil {
		return interrupted(ctx, "starting "+r.binary)
	}

	cmd := exec.CommandContext(ctx, r.binary, args...)
	stderr := &tailBuffer{n: stderrTail}
	cmd.Stdout = &bytes.Buffer{}
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	configureProcess(cmd)

	logger.Debugf("Running %s %s", r.binary, strings.Join(args, " "))
	err := cmd.Run()
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return interrupted(ctx, "running "+r.binary)
	}

	msg := stderr.String()
	for _, marker := range r.corrupt {
		if strings.Contains(msg, marker) {
			return newError(models.ErrorInputCorrupt, err, "%s", lastLine(msg))
		}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return newError(models.ErrorProcessFailure, err, "%s exited with code %d: %s", r.binary, exitErr.ExitCode(), lastLine(msg))
	}
	return newError(models.ErrorProcessFailure, err, "failed to run %s", r.binary)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	if s == "" {
		return "no diagnostic output"
	}
	return s
}

// readOutput loads a produced file and checks it is a non-empty instance of
// format.
func readOutput(path string, format models.Format) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, newError(models.ErrorProcessFailure, nil, "converter produced no output")
	}
	if err != nil {
		return nil, newError(models.ErrorProcessFailure, err, "read converter output")
	}
	if err := validate(data, format); err != nil {
		return nil, err
	}
	return data, nil
}

func validate(data []byte, format models.Format) error {
	if len(data) == 0 {
		return newError(models.ErrorProcessFailure, nil, "converter produced an empty file")
	}
	if !MatchesSignature(format, data) {
		return newError(models.ErrorProcessFailure, nil, "output is not valid %s", format)
	}
	return nil
}

func inputName(format models.Format) string {
	return fmt.Sprintf("input.%s", format.Extension())
}
