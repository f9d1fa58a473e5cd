package queue

import (
	"fmt"
	"time"
)

// MaxAttempts is the number of failed executions after which job is abandoned
const MaxAttempts = 3

// ExpirationTTL is the age after which job is not retried anymore
const ExpirationTTL = 24 * time.Hour

// JobType informs routing of notifications only, scheduling ignores it
type JobType string

// enum of job types
const (
	TypeListing JobType = "listing"
	TypeProfile JobType = "profile"
	TypeMessage JobType = "message"
	TypeGeneral JobType = "general"
)

// ParseJobType converts string to JobType, empty string is general
func ParseJobType(s string) (JobType, error) {
	switch JobType(s) {
	case TypeListing, TypeProfile, TypeMessage, TypeGeneral:
		return JobType(s), nil
	case "":
		return TypeGeneral, nil
	}
	return "", fmt.Errorf("unknown job type %q", s)
}

// Status of a job. Completed and failed are terminal and never stored
type Status string

// enum of job statuses
const (
	StatusQueued    Status = "queued"
	StatusUploading Status = "uploading"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is a persisted upload record, image bytes live in blob store under BlobRef
type Job struct {
	ID            string            `json:"id"`
	BlobRef       string            `json:"blobRef"`
	OwnerEntityID string            `json:"ownerEntityId,omitempty"`
	JobType       JobType           `json:"jobType"`
	Progress      float64           `json:"progress"`
	CreatedAt     time.Time         `json:"createdAt"`
	AttemptCount  int               `json:"attemptCount"`
	Status        Status            `json:"status"`
	Metadata      map[string]string `json:"metadata"`
	PauseReason   string            `json:"pauseReason,omitempty"`
}

// IsExpired checks if job is older than ExpirationTTL at now
func (j Job) IsExpired(now time.Time) bool {
	return now.Sub(j.CreatedAt) > ExpirationTTL
}

// ShouldRetry checks if job has attempts left and not expired
func (j Job) ShouldRetry(now time.Time) bool {
	return j.AttemptCount < MaxAttempts && !j.IsExpired(now)
}

func (j Job) String() string {
	owner := j.OwnerEntityID
	if owner == "" {
		owner = "-"
	}
	return fmt.Sprintf("{id:%s, type:%s, owner:%s, status:%s, attempts:%d, progress:%d%%}",
		j.ID, j.JobType, owner, j.Status, j.AttemptCount, int(j.Progress*100))
}

func (j Job) clone() Job {
	res := j
	if j.Metadata != nil {
		res.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			res.Metadata[k] = v
		}
	}
	return res
}
