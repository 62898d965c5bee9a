package models

import (
	"fmt"
	"time"
)

// State is the lifecycle position of a job.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
	StateExpired State = "expired"
)

// States lists every state in lifecycle order.
func States() []State {
	return []State{StatePending, StateRunning, StateDone, StateFailed, StateExpired}
}

// ParseState converts a string into a State.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StatePending, StateRunning, StateDone, StateFailed, StateExpired:
		return st, nil
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

// Terminal reports whether no worker will touch a job in this state again.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateExpired
}

func (s State) String() string {
	return string(s)
}

// ErrorKind classifies a conversion failure.
type ErrorKind string

const (
	ErrorTimeout          ErrorKind = "timeout"
	ErrorProcessFailure   ErrorKind = "process_failure"
	ErrorStoreUnavailable ErrorKind = "store_unavailable"
	ErrorInputCorrupt     ErrorKind = "input_corrupt"
	ErrorUnsupported      ErrorKind = "unsupported"
)

// Retryable reports whether another attempt may succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorTimeout, ErrorProcessFailure, ErrorStoreUnavailable:
		return true
	}
	return false
}

// JobError is the structured failure recorded on a job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Job is a single conversion request and its durable lifecycle record.
type Job struct {
	ID           string     `json:"id" gorm:"primaryKey;size:36"`
	SourceRef    string     `json:"source_ref" gorm:"size:80;not null;index"`
	SourceFormat Format     `json:"source_format" gorm:"size:64;not null"`
	TargetFormat Format     `json:"target_format" gorm:"size:64;not null"`
	Options      Options    `json:"options" gorm:"serializer:json;type:text"`
	State        State      `json:"state" gorm:"size:16;not null;index:idx_jobs_claim,priority:1"`
	AttemptCount int        `json:"attempt_count" gorm:"not null;default:0"`
	MaxAttempts  int        `json:"max_attempts" gorm:"not null"`
	ResultRef    string     `json:"result_ref,omitempty" gorm:"size:80;index"`
	ResultFormat Format     `json:"result_format,omitempty" gorm:"size:64"`
	ErrorKind    ErrorKind  `json:"-" gorm:"size:32"`
	ErrorMessage string     `json:"-" gorm:"type:text"`
	WorkerID     string     `json:"worker_id,omitempty" gorm:"size:64"`
	WebhookURL   string     `json:"webhook_url,omitempty" gorm:"type:text"`
	OriginalName string     `json:"original_name,omitempty" gorm:"size:255"`
	AvailableAt  time.Time  `json:"available_at" gorm:"not null;index:idx_jobs_claim,priority:2"`
	HeartbeatAt  *time.Time `json:"heartbeat_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty" gorm:"index"`
	CreatedAt    time.Time  `json:"created_at" gorm:"not null;autoCreateTime:false;index"`
	UpdatedAt    time.Time  `json:"updated_at" gorm:"not null;autoUpdateTime:false"`
}

// TableName pins the table name used by migrations.
func (Job) TableName() string {
	return "jobs"
}

// Failure returns the recorded failure, or nil when none is set.
func (j *Job) Failure() *JobError {
	if j.ErrorKind == "" {
		return nil
	}
	return &JobError{Kind: j.ErrorKind, Message: j.ErrorMessage}
}
