package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"spectre.c2/internal/core/domain"
	"spectre.c2/internal/core/ports"
)

// JobService owns the per-beacon job queue and the job state machine.
// Transitions are forward-only; terminal states are sinks.
type JobService struct {
	jobRepo    ports.JobRepository
	beaconRepo ports.BeaconRepository
	now        func() time.Time
}

func NewJobService(jobRepo ports.JobRepository, beaconRepo ports.BeaconRepository) *JobService {
	return &JobService{
		jobRepo:    jobRepo,
		beaconRepo: beaconRepo,
		now:        time.Now,
	}
}

// Enqueue creates a pending job for a known, non-killed beacon. Ad-hoc job
// types must carry a command.
func (s *JobService) Enqueue(ctx context.Context, beaconID string, jobType domain.JobType, command string, params domain.ParamMap) (*domain.Job, error) {
	return s.enqueue(ctx, beaconID, jobType, command, params, "")
}

// EnqueueScheduled is Enqueue with the originating schedule stamped on the
// row so runs can be grouped in the UI.
func (s *JobService) EnqueueScheduled(ctx context.Context, beaconID string, jobType domain.JobType, command string, params domain.ParamMap, scheduleID string) (*domain.Job, error) {
	return s.enqueue(ctx, beaconID, jobType, command, params, scheduleID)
}

func (s *JobService) enqueue(ctx context.Context, beaconID string, jobType domain.JobType, command string, params domain.ParamMap, scheduleID string) (*domain.Job, error) {
	if jobType.RequiresCommand() && command == "" {
		return nil, domain.NewValidationError("command", fmt.Sprintf("required for job type %s", jobType))
	}
	beacon, err := s.beaconRepo.GetBeacon(ctx, beaconID)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, domain.NewValidationError("beacon_id", "unknown beacon")
		}
		return nil, err
	}
	if beacon.Killed {
		return nil, domain.NewValidationError("beacon_id", "beacon is killed")
	}

	now := s.now()
	job := &domain.Job{
		ID:         "job-" + uuid.New().String(),
		BeaconID:   beaconID,
		Type:       jobType,
		Command:    command,
		Parameters: params.Clone(),
		Status:     domain.JobStatusPending,
		ScheduleID: scheduleID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.jobRepo.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// DrainDue hands up to limit pending jobs (oldest first) to the beacon,
// marking them sent. Exactly-once per job: concurrency safety lives in the
// repository. limit <= 0 means no cap.
func (s *JobService) DrainDue(ctx context.Context, beaconID string, limit int) ([]*domain.Job, error) {
	return s.jobRepo.DrainDue(ctx, beaconID, limit, s.now())
}

// ReportResult records a terminal outcome delivered by the beacon. Legal from
// sent or running. Re-reporting the same terminal status is idempotent so a
// retried network call cannot corrupt state; any other transition out of a
// terminal state is rejected. When cancel and a result race on a sent job the
// first writer wins at the storage layer.
func (s *JobService) ReportResult(ctx context.Context, jobID string, status domain.JobStatus, output, errText string, exitCode *int) (*domain.Job, error) {
	if status != domain.JobStatusCompleted && status != domain.JobStatusFailed {
		return nil, domain.NewValidationError("status", "must be completed or failed")
	}
	now := s.now()
	job, applied, err := s.jobRepo.Transition(ctx, jobID,
		[]domain.JobStatus{domain.JobStatusSent, domain.JobStatusRunning}, status,
		func(j *domain.Job) {
			j.Output = output
			j.Error = errText
			j.ExitCode = exitCode
			j.CompletedAt = &now
			j.UpdatedAt = now
		})
	if err != nil {
		return nil, err
	}
	if applied {
		return job, nil
	}
	if job.Status == status {
		// Duplicate delivery of the same result.
		return job, nil
	}
	return nil, domain.NewInvalidTransition("job", jobID, job.Status, status)
}

// MarkRunning is the optional sent -> running transition for agents that
// report start before completion. Agents may skip it entirely.
func (s *JobService) MarkRunning(ctx context.Context, jobID string) (*domain.Job, error) {
	now := s.now()
	job, applied, err := s.jobRepo.Transition(ctx, jobID,
		[]domain.JobStatus{domain.JobStatusSent}, domain.JobStatusRunning,
		func(j *domain.Job) {
			j.StartedAt = &now
			j.UpdatedAt = now
		})
	if err != nil {
		return nil, err
	}
	if !applied {
		if job.Status == domain.JobStatusRunning {
			return job, nil
		}
		return nil, domain.NewInvalidTransition("job", jobID, job.Status, domain.JobStatusRunning)
	}
	return job, nil
}

// Cancel withdraws a job that has not started executing. Cancellation is
// advisory: the server stops expecting a lifecycle from the job, but a beacon
// already holding it may still run it and have the late result rejected.
func (s *JobService) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	now := s.now()
	job, applied, err := s.jobRepo.Transition(ctx, jobID,
		[]domain.JobStatus{domain.JobStatusPending, domain.JobStatusSent}, domain.JobStatusCancelled,
		func(j *domain.Job) {
			j.CompletedAt = &now
			j.UpdatedAt = now
		})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, domain.NewInvalidTransition("job", jobID, job.Status, domain.JobStatusCancelled)
	}
	return job, nil
}

// Retry spawns a fresh pending job from a failed or cancelled one. The
// original row is never mutated; the new row carries a back-reference.
func (s *JobService) Retry(ctx context.Context, jobID string) (*domain.Job, error) {
	orig, err := s.jobRepo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if orig.Status != domain.JobStatusFailed && orig.Status != domain.JobStatusCancelled {
		return nil, domain.NewInvalidTransition("job", jobID, orig.Status, domain.JobStatusPending)
	}
	beacon, err := s.beaconRepo.GetBeacon(ctx, orig.BeaconID)
	if err != nil {
		return nil, err
	}
	if beacon.Killed {
		return nil, domain.NewValidationError("beacon_id", "beacon is killed")
	}

	now := s.now()
	retry := &domain.Job{
		ID:         "job-" + uuid.New().String(),
		BeaconID:   orig.BeaconID,
		Type:       orig.Type,
		Command:    orig.Command,
		Parameters: orig.Parameters.Clone(),
		Status:     domain.JobStatusPending,
		RetryOf:    orig.ID,
		ScheduleID: orig.ScheduleID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.jobRepo.CreateJob(ctx, retry); err != nil {
		return nil, err
	}
	return retry, nil
}

// Get returns one job.
func (s *JobService) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.jobRepo.GetJob(ctx, jobID)
}

// PendingCountFor returns the number of undelivered jobs for a beacon.
func (s *JobService) PendingCountFor(ctx context.Context, beaconID string) (int64, error) {
	return s.jobRepo.PendingCount(ctx, beaconID)
}

// RecentFor returns the newest jobs for a beacon, newest first.
func (s *JobService) RecentFor(ctx context.Context, beaconID string, limit int) ([]*domain.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.jobRepo.RecentJobs(ctx, beaconID, limit)
}

// PaginatedJobs is a page of jobs with metadata for the UI.
type PaginatedJobs struct {
	Jobs    []*domain.Job `json:"jobs"`
	Total   int64         `json:"total"`
	Offset  int           `json:"offset"`
	Limit   int           `json:"limit"`
	HasMore bool          `json:"has_more"`
}

// List returns a newest-first page across all beacons.
func (s *JobService) List(ctx context.Context, offset, limit int) (*PaginatedJobs, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	jobs, err := s.jobRepo.ListJobs(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	total, err := s.jobRepo.CountJobs(ctx)
	if err != nil {
		return nil, err
	}
	return &PaginatedJobs{
		Jobs:    jobs,
		Total:   total,
		Offset:  offset,
		Limit:   limit,
		HasMore: offset+len(jobs) < int(total),
	}, nil
}
