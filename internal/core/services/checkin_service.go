package services

import (
	"context"
	"time"

	"spectre.c2/internal/core/domain"
	"spectre.c2/internal/core/logger"
)

// DefaultDrainLimit caps how many queued jobs a single check-in hands out.
const DefaultDrainLimit = 10

const (
	upsertRetries    = 3
	upsertRetryDelay = 50 * time.Millisecond
)

// CheckinRequest is the inbound heartbeat wire shape. The beacon is external
// and untrusted; everything is validated before any state changes.
type CheckinRequest struct {
	BeaconID string `json:"beacon_id"`
	domain.CheckinAttrs
	JobResults []domain.JobResult `json:"job_results,omitempty"`
}

// CheckinResponse carries the jobs drained for this beacon.
type CheckinResponse struct {
	Jobs []*domain.Job `json:"jobs"`
}

// CheckinService is the single entry point for beacon heartbeats. Pure
// orchestration: liveness upsert, result ingestion, queue drain, activity
// trail. Check-ins for one beacon are serialized against each other; beacons
// never contend with each other.
type CheckinService struct {
	beacons    *BeaconService
	jobs       *JobService
	activity   *ActivityService
	drainLimit int
	locks      *keyedLock
}

func NewCheckinService(beacons *BeaconService, jobs *JobService, activity *ActivityService, drainLimit int) *CheckinService {
	if drainLimit == 0 {
		drainLimit = DefaultDrainLimit
	}
	return &CheckinService{
		beacons:    beacons,
		jobs:       jobs,
		activity:   activity,
		drainLimit: drainLimit,
		locks:      newKeyedLock(),
	}
}

// Handle processes one heartbeat. A malformed individual job result is logged
// and skipped, never aborting the rest of the batch or the check-in itself. A
// storage failure during the drain fails the whole check-in cleanly: no
// partially-drained job list is ever returned.
func (s *CheckinService) Handle(ctx context.Context, req *CheckinRequest, remoteIP string) (*CheckinResponse, error) {
	if req == nil || req.BeaconID == "" {
		return nil, domain.NewValidationError("beacon_id", "required")
	}

	s.locks.Lock(req.BeaconID)
	defer s.locks.Unlock(req.BeaconID)

	beacon, created, err := s.upsertWithRetry(ctx, req.BeaconID, req.CheckinAttrs)
	if err != nil {
		return nil, err
	}

	if created {
		s.activity.Record(ctx, domain.ActivityBeaconNew, ActivityFields{
			BeaconID:  beacon.ID,
			Hostname:  beacon.Hostname,
			IPAddress: remoteIP,
			Details:   domain.ParamMap{"os_info": beacon.OSInfo, "username": beacon.Username},
		})
	}
	s.activity.Record(ctx, domain.ActivityCheckin, ActivityFields{
		BeaconID:  beacon.ID,
		Hostname:  beacon.Hostname,
		IPAddress: remoteIP,
		Details:   domain.ParamMap{"check_in_count": beacon.CheckInCount},
	})

	s.ingestResults(ctx, beacon, req.JobResults, remoteIP)

	// A killed beacon keeps reporting in (and its in-flight results still
	// land), but it is never handed new work.
	if beacon.Killed {
		return &CheckinResponse{Jobs: []*domain.Job{}}, nil
	}

	drained, err := s.jobs.DrainDue(ctx, beacon.ID, s.drainLimit)
	if err != nil {
		logger.Error("drain failed", "beacon_id", beacon.ID, "error", err)
		return nil, err
	}
	for _, job := range drained {
		s.activity.Record(ctx, domain.ActivityJobReceived, ActivityFields{
			BeaconID:  beacon.ID,
			Hostname:  beacon.Hostname,
			IPAddress: remoteIP,
			Details:   domain.ParamMap{"job_id": job.ID, "job_type": string(job.Type)},
		})
	}

	return &CheckinResponse{Jobs: drained}, nil
}

func (s *CheckinService) upsertWithRetry(ctx context.Context, beaconID string, attrs domain.CheckinAttrs) (*domain.Beacon, bool, error) {
	var lastErr error
	for attempt := 0; attempt < upsertRetries; attempt++ {
		beacon, created, err := s.beacons.UpsertOnCheckin(ctx, beaconID, attrs)
		if err == nil {
			return beacon, created, nil
		}
		if !domain.IsTransient(err) {
			return nil, false, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(upsertRetryDelay):
		}
	}
	return nil, false, lastErr
}

// ingestResults applies each reported result in isolation.
func (s *CheckinService) ingestResults(ctx context.Context, beacon *domain.Beacon, results []domain.JobResult, remoteIP string) {
	for _, res := range results {
		fields := ActivityFields{
			BeaconID:  beacon.ID,
			Hostname:  beacon.Hostname,
			IPAddress: remoteIP,
			Details:   domain.ParamMap{"job_id": res.JobID},
		}
		if res.JobID == "" {
			s.activity.RecordError(ctx, beacon.ID, "job result missing job_id", nil)
			continue
		}
		job, err := s.jobs.ReportResult(ctx, res.JobID, res.Status, res.Output, res.Error, res.ExitCode)
		if err != nil {
			logger.Warn("job result rejected", "beacon_id", beacon.ID, "job_id", res.JobID, "error", err)
			s.activity.RecordError(ctx, beacon.ID, err.Error(), domain.ParamMap{"job_id": res.JobID})
			continue
		}
		switch job.Status {
		case domain.JobStatusCompleted:
			s.activity.Record(ctx, domain.ActivityJobCompleted, fields)
		case domain.JobStatusFailed:
			s.activity.Record(ctx, domain.ActivityJobFailed, fields)
		}
	}
}
