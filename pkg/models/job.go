// Package models contains shared data models used across the audioqueue codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Active reports whether the status counts against a queue's admission budget.
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusProcessing
}

// Terminal reports whether the status ends a dispatch attempt.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobKind discriminates the processing a job asks for.
type JobKind string

const (
	KindVoiceCloning       JobKind = "voice_cloning"
	KindTranslation        JobKind = "translation"
	KindSpeakerDiarization JobKind = "speaker_diarization"
	KindSpeakerExtraction  JobKind = "speaker_extraction"
	KindDenoising          JobKind = "denoising"
	KindSpectralDenoising  JobKind = "spectral_denoising"
)

// AllKinds lists every supported job kind in a stable order.
var AllKinds = []JobKind{
	KindVoiceCloning,
	KindTranslation,
	KindSpeakerDiarization,
	KindSpeakerExtraction,
	KindDenoising,
	KindSpectralDenoising,
}

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Error codes recorded alongside error_message on failed jobs.
const (
	ErrorCodeValidation = "validation"
	ErrorCodeProcessing = "processing"
	ErrorCodeTimeout    = "timeout"
	ErrorCodeInternal   = "internal"
)

// StaleJobMessage is the error_message the reaper writes on reclaimed jobs.
const StaleJobMessage = "job timed out"

// Payload is an opaque JSON object owned by a job kind's collaborator.
type Payload map[string]any

// Job is one submitted unit of audio processing work. Kind-specific inputs and
// outputs travel in Parameters and ResultStats; the core never interprets them.
type Job struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	Kind         JobKind    `db:"kind"          json:"kind"`
	Status       JobStatus  `db:"status"        json:"status"`
	Queue        string     `db:"queue"         json:"queue"`
	TaskHandle   *string    `db:"task_handle"   json:"task_handle,omitempty"`
	InputRef     string     `db:"input_ref"     json:"input_ref"`
	OutputRef    *string    `db:"output_ref"    json:"output_ref,omitempty"`
	Parameters   Payload    `db:"parameters"    json:"parameters"`
	ResultStats  Payload    `db:"result_stats"  json:"result_stats,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	ErrorCode    *string    `db:"error_code"    json:"error_code,omitempty"`
	Retries      int        `db:"retries"       json:"retries"`
	Priority     int        `db:"priority"      json:"priority"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
	StartedAt    *time.Time `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at"  json:"completed_at,omitempty"`
}

// InFlight reports whether the job is pending with a broker task attached.
func (j *Job) InFlight() bool {
	return j.Status == JobStatusPending && j.TaskHandle != nil
}

// validTransitions lists the allowed predecessor states for each target state.
var validTransitions = map[JobStatus][]JobStatus{
	JobStatusProcessing: {JobStatusPending},
	JobStatusCompleted:  {JobStatusProcessing},
	JobStatusFailed:     {JobStatusPending, JobStatusProcessing},
	JobStatusPending:    {JobStatusFailed},
}

// AllowedFrom returns the states a job may be in before moving to status.
func AllowedFrom(status JobStatus) []JobStatus {
	return validTransitions[status]
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to JobStatus) bool {
	for _, s := range validTransitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Queue names. Each queue carries its own admission budget.
const (
	QueueVoice       = "voice"
	QueueTranslation = "translation"
	QueueSpeaker     = "speaker"
	QueueDenoiser    = "denoiser"
	QueueSpectral    = "spectral"
)

// AllQueues lists every named queue in a stable order.
var AllQueues = []string{QueueVoice, QueueTranslation, QueueSpeaker, QueueDenoiser, QueueSpectral}
