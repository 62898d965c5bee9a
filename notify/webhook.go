// Package notify delivers completion callbacks for jobs that asked for one.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"convertd/events"
	"convertd/logger"
	"convertd/models"
)

// Payload is the JSON body POSTed to a job's webhook URL.
type Payload struct {
	JobID        string           `json:"job_id"`
	State        models.State     `json:"state"`
	ResultRef    string           `json:"result_ref,omitempty"`
	ResultFormat models.Format    `json:"result_format,omitempty"`
	Error        *models.JobError `json:"error,omitempty"`
	Attempts     int              `json:"attempt_count"`
	Timestamp    int64            `json:"timestamp"`
}

// Config tunes delivery.
type Config struct {
	RetryMax     int
	Timeout      time.Duration
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	UserAgent    string
}

// Notifier POSTs a Payload when a job reaches Done or Failed.
type Notifier struct {
	client    *retryablehttp.Client
	userAgent string
}

// New builds a notifier. Zero values give 3 retries with a 10s timeout per
// request.
func New(cfg Config) *Notifier {
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "convertd/1.0"
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.HTTPClient.Timeout = cfg.Timeout
	if cfg.RetryWaitMin > 0 {
		client.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		client.RetryWaitMax = cfg.RetryWaitMax
	}
	client.Logger = leveled{}
	return &Notifier{client: client, userAgent: cfg.UserAgent}
}

// Handle is an events.Handler. Delivery runs in the background so a slow
// receiver never holds up the bus.
func (n *Notifier) Handle(ctx context.Context, e events.JobEvent) error {
	job := e.Job
	if job.WebhookURL == "" || (job.State != models.StateDone && job.State != models.StateFailed) {
		return nil
	}
	go func() {
		if err := n.Send(ctx, job); err != nil {
			logger.WithFields(logger.Fields{"job_id": job.ID, "state": job.State}).
				Errorf("Failed to send callback to %s: %v", job.WebhookURL, err)
		}
	}()
	return nil
}

// Send delivers the callback for job and waits for the outcome.
func (n *Notifier) Send(ctx context.Context, job models.Job) error {
	payload := Payload{
		JobID:        job.ID,
		State:        job.State,
		ResultRef:    job.ResultRef,
		ResultFormat: job.ResultFormat,
		Error:        job.Failure(),
		Attempts:     job.AttemptCount,
		Timestamp:    time.Now().Unix(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal callback payload: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, job.WebhookURL, body)
	if err != nil {
		return fmt.Errorf("failed to create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", n.userAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned non-2xx status: %d", resp.StatusCode)
	}
	logger.Infof("Successfully sent callback for job %s to %s", job.ID, job.WebhookURL)
	return nil
}

// leveled routes retryablehttp's logging through the service logger.
type leveled struct{}

func (leveled) Error(msg string, kv ...interface{}) { logger.Errorf("%s %v", msg, kv) }
func (leveled) Info(msg string, kv ...interface{})  { logger.Debugf("%s %v", msg, kv) }
func (leveled) Debug(msg string, kv ...interface{}) { logger.Debugf("%s %v", msg, kv) }
func (leveled) Warn(msg string, kv ...interface{})  { logger.Warnf("%s %v", msg, kv) }
