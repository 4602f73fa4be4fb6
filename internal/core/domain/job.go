package domain

import (
	"time"
)

type JobType string

const (
	JobTypeDomainScan        JobType = "domain_scan"
	JobTypeVulnerabilityScan JobType = "vulnerability_scan"
	JobTypePowershell        JobType = "powershell"
	JobTypeCustom            JobType = "custom"
)

// RequiresCommand reports whether a job type is ad-hoc and must carry an
// operator-supplied command line.
func (t JobType) RequiresCommand() bool {
	return t == JobTypePowershell || t == JobTypeCustom
}

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusSent      JobStatus = "sent"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is a sink of the job state machine.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// jobTransitions is the full set of legal forward transitions. Retries never
// reopen a row; they are new rows carrying a RetryOf back-reference.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusSent, JobStatusCancelled},
	JobStatusSent:    {JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Job struct {
	ID          string     `json:"id" gorm:"primaryKey"`
	BeaconID    string     `json:"beacon_id" gorm:"index;not null"`
	Type        JobType    `json:"job_type"`
	Command     string     `json:"command"`
	Parameters  ParamMap   `json:"parameters" gorm:"type:jsonb"`
	Status      JobStatus  `json:"status" gorm:"index"`
	Output      string     `json:"result_output"`
	Error       string     `json:"result_error"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	RetryOf     string     `json:"retry_of,omitempty"` // original job when this row is a retry
	ScheduleID  string     `json:"schedule_id,omitempty" gorm:"index"`
	CreatedAt   time.Time  `json:"created_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (Job) TableName() string {
	return "jobs"
}

// JobResult is one execution outcome reported back by a beacon.
type JobResult struct {
	JobID    string    `json:"job_id"`
	Status   JobStatus `json:"status"` // completed or failed
	Output   string    `json:"result_output"`
	Error    string    `json:"result_error"`
	ExitCode *int      `json:"exit_code,omitempty"`
}
