package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	gormlogger "gorm.io/gorm/logger"

	"convertd/blobstore"
	"convertd/converter"
	"convertd/events"
	"convertd/jobstore"
	"convertd/lifecycle"
	"convertd/models"
	"convertd/router"
)

// writeWebM stands in for ffmpeg: it writes a tiny EBML-headed file to the
// last argument.
const writeWebM = `for last; do :; done
printf '\032\105\337\243webm' > "$last"`

type harness struct {
	t     *testing.T
	ctx   context.Context
	store *jobstore.Store
	blobs blobstore.Store
	reg   *converter.Registry
}

func newHarness(t *testing.T) *harness {
	db, err := jobstore.Open(jobstore.Options{
		Driver:      jobstore.DriverSQLite,
		DSN:         "file:" + uuid.NewString() + "?mode=memory&cache=shared",
		LogLevel:    gormlogger.Silent,
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = jobstore.Close(db) })

	blobs, err := blobstore.OpenFS(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)

	return &harness{
		t:     t,
		ctx:   context.Background(),
		store: jobstore.New(db),
		blobs: blobs,
		reg:   converter.NewRegistry(),
	}
}

func script(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// useTranscoder registers a real transcoder adapter running body.
func (h *harness) useTranscoder(body string) {
	h.reg.Register(router.Transcoder, converter.NewTranscoder(script(h.t, body), h.blobs, h.t.TempDir()))
}

// sourceVideo is the upload every harness job converts.
var sourceVideo = []byte("\x00\x00\x00\x18ftypisom source video")

func (h *harness) submit(maxAttempts int) *models.Job {
	ref, err := h.blobs.Put(h.ctx, sourceVideo)
	require.NoError(h.t, err)
	job := &models.Job{
		SourceRef:    ref,
		SourceFormat: models.FormatMP4,
		TargetFormat: models.FormatWebM,
		Options:      models.Options{Width: 320},
		MaxAttempts:  maxAttempts,
	}
	_, err = h.store.Create(h.ctx, job)
	require.NoError(h.t, err)
	return job
}

// start runs pool until the test ends, or until the returned stop is called.
func (h *harness) start(pool *Pool) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(ctx)
	}()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	h.t.Cleanup(stop)
	return stop
}

func (h *harness) waitFor(id string, state models.State, within time.Duration) *models.Job {
	var job *models.Job
	require.Eventually(h.t, func() bool {
		current, err := h.store.Get(h.ctx, id)
		if err != nil {
			return false
		}
		job = current
		return job.State == state
	}, within, 10*time.Millisecond, "job %s never reached %s", id, state)
	return job
}

func fastConfig() Config {
	return Config{
		Workers:           2,
		Name:              "test",
		Policy:            lifecycle.Policy{MaxAttempts: 3, BackoffBase: 10 * time.Millisecond, BackoffMax: time.Second},
		ConvertTimeout:    5 * time.Second,
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		StoreRetryBase:    5 * time.Millisecond,
		StoreRetryMax:     20 * time.Millisecond,
		ShutdownGrace:     2 * time.Second,
	}
}

// funcAdapter runs an arbitrary function as a converter.
type funcAdapter struct {
	mu    sync.Mutex
	calls []time.Time
	fn    func(ctx context.Context, call int, req converter.Request) (converter.Output, error)
}

func (f *funcAdapter) Name() string { return "func" }

func (f *funcAdapter) Execute(ctx context.Context, req converter.Request) (converter.Output, error) {
	f.mu.Lock()
	f.calls = append(f.calls, time.Now())
	n := len(f.calls)
	f.mu.Unlock()
	return f.fn(ctx, n, req)
}

func (f *funcAdapter) callTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.calls...)
}

// recordingBus collects published events.
type recordingBus struct {
	mu     sync.Mutex
	states []models.State
}

func (b *recordingBus) Publish(e events.JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states = append(b.states, e.Job.State)
}

func (b *recordingBus) seen() []models.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.State(nil), b.states...)
}
