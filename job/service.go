// Package job is the submission and query surface over the job store. It
// validates requests before any job exists and never blocks on conversion.
package job

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"convertd/blobstore"
	"convertd/converter"
	"convertd/events"
	"convertd/jobstore"
	"convertd/logger"
	"convertd/models"
	"convertd/router"
)

// ErrNotDone is returned by Result for a job that has no result yet.
var ErrNotDone = errors.New("job is not done")

// ValidationError rejects a submission. No job is created.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Store is the part of the job store the service needs.
type Store interface {
	Create(ctx context.Context, job *models.Job) (string, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, f jobstore.Filter) ([]models.Job, error)
	CountByState(ctx context.Context) (map[models.State]int64, error)
	Restore(ctx context.Context, ref string) error
}

// createAttempts bounds how often Submit stores the source again after the
// reaper deleted an identical blob under it.
const createAttempts = 3

// Adapters reports which converters are installed.
type Adapters interface {
	Lookup(conv router.Converter) (converter.Adapter, bool)
}

// Publisher receives job creation events.
type Publisher interface {
	Publish(events.JobEvent)
}

// Service validates submissions and answers queries.
type Service struct {
	store       Store
	blobs       blobstore.Store
	adapters    Adapters
	events      Publisher
	maxAttempts int
}

// NewService creates a service. events may be nil.
func NewService(store Store, blobs blobstore.Store, adapters Adapters, events Publisher, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Service{store: store, blobs: blobs, adapters: adapters, events: events, maxAttempts: maxAttempts}
}

// SubmitRequest carries either the source bytes or the ref of a blob already
// in the store.
type SubmitRequest struct {
	Source       []byte
	SourceRef    string
	SourceFormat string
	TargetFormat string
	Options      map[string]string
	WebhookURL   string
	OriginalName string
}

// Submit validates req, stores the source and creates a Pending job.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	job, err := s.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := s.create(ctx, job, req.Source); err != nil {
		return nil, err
	}
	logger.WithFields(logger.Fields{"job_id": job.ID, "state": job.State}).
		Infof("Job submitted (%s -> %s)", job.SourceFormat, job.TargetFormat)
	if s.events != nil {
		s.events.Publish(events.JobEvent{Job: *job, At: job.CreatedAt})
	}
	return job, nil
}

// create stores source, if given, and persists job. Refs are content
// hashes, so the blob may be one the reaper is deleting; the store refuses
// such a job and the source is stored again.
func (s *Service) create(ctx context.Context, job *models.Job, source []byte) error {
	for attempt := 1; ; attempt++ {
		if len(source) > 0 {
			ref, err := s.blobs.Put(ctx, source)
			if err != nil {
				return fmt.Errorf("failed to store source: %w", err)
			}
			job.SourceRef = ref
		}

		_, err := s.store.Create(ctx, job)
		if !errors.Is(err, jobstore.ErrBlobReclaimed) {
			return err
		}
		if len(source) == 0 {
			return invalid("source_ref", "blob %s no longer exists", job.SourceRef)
		}
		if attempt == createAttempts {
			return fmt.Errorf("failed to create job: %w", err)
		}
		logger.Warnf("Source %s was reclaimed during submission, storing it again", job.SourceRef)
		if err := s.store.Restore(ctx, job.SourceRef); err != nil {
			return err
		}
	}
}

func (s *Service) validate(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	hasBytes, hasRef := len(req.Source) > 0, req.SourceRef != ""
	switch {
	case hasBytes && hasRef:
		return nil, invalid("source", "give either the source bytes or a source ref, not both")
	case !hasBytes && !hasRef:
		return nil, invalid("source", "source is empty")
	}

	src, err := models.ParseFormat(req.SourceFormat)
	if err != nil {
		return nil, invalid("source_format", "%v", err)
	}
	dst, err := models.ParseFormat(req.TargetFormat)
	if err != nil {
		return nil, invalid("target_format", "%v", err)
	}
	decision, err := router.Route(src, dst)
	if err != nil {
		return nil, invalid("target_format", "%s cannot be converted to %s", src, dst)
	}

	opts, err := models.ParseOptions(req.Options)
	if err == nil {
		err = decision.CheckOptions(opts)
	}
	var optErr *models.OptionError
	if errors.As(err, &optErr) {
		return nil, invalid("option."+optErr.Key, "%s", optErr.Reason)
	}
	if err != nil {
		return nil, invalid("options", "%v", err)
	}

	if _, ok := s.adapters.Lookup(decision.Converter); !ok {
		return nil, invalid("target_format", "no %s is installed for %s -> %s", decision.Converter, src, dst)
	}

	if req.WebhookURL != "" {
		u, err := url.Parse(req.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, invalid("webhook_url", "must be an absolute http(s) URL")
		}
	}

	if hasRef {
		if _, err := s.blobs.Get(ctx, req.SourceRef); err != nil {
			if errors.Is(err, blobstore.ErrNotFound) || errors.Is(err, blobstore.ErrInvalidRef) {
				return nil, invalid("source_ref", "%v", err)
			}
			return nil, fmt.Errorf("failed to check source: %w", err)
		}
	}

	return &models.Job{
		SourceRef:    req.SourceRef,
		SourceFormat: src,
		TargetFormat: dst,
		Options:      opts,
		MaxAttempts:  s.maxAttempts,
		WebhookURL:   req.WebhookURL,
		OriginalName: strings.TrimSpace(req.OriginalName),
	}, nil
}

// Get returns the job with id.
func (s *Service) Get(ctx context.Context, id string) (*models.Job, error) {
	return s.store.Get(ctx, id)
}

// List returns jobs newest first.
func (s *Service) List(ctx context.Context, f jobstore.Filter) ([]models.Job, error) {
	return s.store.List(ctx, f)
}

// Result returns the output bytes of a Done job.
func (s *Service) Result(ctx context.Context, id string) ([]byte, models.Format, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if job.State != models.StateDone {
		return nil, "", fmt.Errorf("%w: job %s is %s", ErrNotDone, id, job.State)
	}
	data, err := s.blobs.Get(ctx, job.ResultRef)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read result of job %s: %w", id, err)
	}
	return data, job.ResultFormat, nil
}

// Stats counts jobs in every state, including empty ones.
func (s *Service) Stats(ctx context.Context) (map[models.State]int64, error) {
	counts, err := s.store.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	for _, st := range models.States() {
		if _, ok := counts[st]; !ok {
			counts[st] = 0
		}
	}
	return counts, nil
}
