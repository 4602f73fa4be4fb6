package services

import (
	"context"
	"testing"
	"time"

	memstore "spectre.c2/internal/adapters/repository/memory"
	"spectre.c2/internal/core/domain"
)

type schedulerFixture struct {
	store     *memstore.Store
	beacons   *BeaconService
	jobs      *JobService
	scheduler *SchedulerService
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	store := memstore.New(memstore.Defaults{})
	beacons := NewBeaconService(store, store, domain.DefaultLivenessPolicy())
	jobs := NewJobService(store, store)
	activity := NewActivityService(store, nil)
	return &schedulerFixture{
		store:     store,
		beacons:   beacons,
		jobs:      jobs,
		scheduler: NewSchedulerService(store, jobs, beacons, activity, time.Minute),
	}
}

func (f *schedulerFixture) insertSchedule(t *testing.T, s *domain.ScheduledJob) {
	t.Helper()
	if s.ID == "" {
		s.ID = "sched-test"
	}
	if err := f.store.CreateSchedule(context.Background(), s); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
}

func TestSweep_FansOutToActiveFleet(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	// Five beacons: three fresh, one stale, one killed.
	for _, id := range []string{"beacon-a", "beacon-b", "beacon-c", "beacon-stale", "beacon-killed"} {
		f.beacons.UpsertOnCheckin(ctx, id, domain.CheckinAttrs{})
	}
	f.beacons.Kill(ctx, "beacon-killed")

	later := time.Now().Add(10 * time.Minute)
	f.beacons.now = func() time.Time { return later }
	for _, id := range []string{"beacon-a", "beacon-b", "beacon-c"} {
		f.beacons.UpsertOnCheckin(ctx, id, domain.CheckinAttrs{})
	}
	f.scheduler.now = func() time.Time { return later }

	f.insertSchedule(t, &domain.ScheduledJob{
		Name:      "fleet recon",
		Type:      domain.JobTypeDomainScan,
		Interval:  domain.ScheduleHourly,
		Enabled:   true,
		NextRunAt: later.Add(-time.Second),
	})

	f.scheduler.Sweep(ctx)

	page, err := f.jobs.List(ctx, 0, 100)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Total != 3 {
		t.Fatalf("created %d jobs, want 3 (active fleet only)", page.Total)
	}
	targets := make(map[string]bool)
	for _, job := range page.Jobs {
		targets[job.BeaconID] = true
		if job.ScheduleID != "sched-test" {
			t.Errorf("job schedule_id = %s, want sched-test", job.ScheduleID)
		}
		if job.Status != domain.JobStatusPending {
			t.Errorf("job status = %s, want pending", job.Status)
		}
	}
	for _, id := range []string{"beacon-a", "beacon-b", "beacon-c"} {
		if !targets[id] {
			t.Errorf("no job created for %s", id)
		}
	}

	schedule, _ := f.store.GetSchedule(ctx, "sched-test")
	if schedule.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1", schedule.RunCount)
	}
	if !schedule.NextRunAt.After(later) {
		t.Errorf("NextRunAt = %s, want after %s", schedule.NextRunAt, later)
	}
}

func TestSweep_ZeroTargetsStillAdvances(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	now := time.Now()
	f.scheduler.now = func() time.Time { return now }
	f.insertSchedule(t, &domain.ScheduledJob{
		Name:      "empty fleet",
		Type:      domain.JobTypeDomainScan,
		Interval:  domain.ScheduleHourly,
		Enabled:   true,
		NextRunAt: now.Add(-time.Minute),
	})

	f.scheduler.Sweep(ctx)

	schedule, _ := f.store.GetSchedule(ctx, "sched-test")
	if schedule.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1 even with no targets", schedule.RunCount)
	}
	if !schedule.NextRunAt.After(now) {
		t.Errorf("NextRunAt = %s, want advanced past %s", schedule.NextRunAt, now)
	}
}

func TestSweep_CatchUpRollsForwardWholePeriods(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	now := time.Now()
	f.scheduler.now = func() time.Time { return now }

	// Five hours overdue on an hourly schedule: one firing, next_run_at lands
	// within one period of now instead of five catch-up firings.
	origin := now.Add(-5 * time.Hour)
	f.insertSchedule(t, &domain.ScheduledJob{
		Name:      "overdue",
		Type:      domain.JobTypeDomainScan,
		Interval:  domain.ScheduleHourly,
		Enabled:   true,
		NextRunAt: origin,
	})

	f.scheduler.Sweep(ctx)

	schedule, _ := f.store.GetSchedule(ctx, "sched-test")
	if schedule.RunCount != 1 {
		t.Errorf("RunCount = %d, want exactly 1", schedule.RunCount)
	}
	if !schedule.NextRunAt.After(now) {
		t.Errorf("NextRunAt = %s, want in the future", schedule.NextRunAt)
	}
	if schedule.NextRunAt.Sub(now) > time.Hour {
		t.Errorf("NextRunAt overshot: %s past now, want within one period", schedule.NextRunAt.Sub(now))
	}
	// Alignment to the original grid is preserved.
	if schedule.NextRunAt.Sub(origin)%time.Hour != 0 {
		t.Errorf("NextRunAt off the hourly grid by %s", schedule.NextRunAt.Sub(origin)%time.Hour)
	}
}

func TestSweep_DisabledSchedulesNeverFire(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	now := time.Now()
	f.scheduler.now = func() time.Time { return now }
	f.insertSchedule(t, &domain.ScheduledJob{
		Name:      "disabled",
		Type:      domain.JobTypeDomainScan,
		Interval:  domain.ScheduleHourly,
		Enabled:   false,
		NextRunAt: now.Add(-time.Hour),
	})

	f.scheduler.Sweep(ctx)

	schedule, _ := f.store.GetSchedule(ctx, "sched-test")
	if schedule.RunCount != 0 {
		t.Errorf("RunCount = %d, want 0 for disabled schedule", schedule.RunCount)
	}
}

func TestRunNow_CountsButNeverAdvances(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	f.beacons.UpsertOnCheckin(ctx, "beacon-1", domain.CheckinAttrs{})

	next := time.Now().Add(45 * time.Minute)
	f.insertSchedule(t, &domain.ScheduledJob{
		Name:      "manual",
		Type:      domain.JobTypePowershell,
		Command:   "whoami",
		Interval:  domain.ScheduleHourly,
		BeaconID:  "beacon-1",
		Enabled:   true,
		NextRunAt: next,
	})

	created, err := f.scheduler.RunNow(ctx, "sched-test")
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}

	schedule, _ := f.store.GetSchedule(ctx, "sched-test")
	if schedule.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1", schedule.RunCount)
	}
	if schedule.LastRunAt == nil {
		t.Error("LastRunAt not stamped")
	}
	if !schedule.NextRunAt.Equal(next) {
		t.Errorf("NextRunAt = %s, want unchanged %s", schedule.NextRunAt, next)
	}
}

func TestRunNow_UnknownSchedule(t *testing.T) {
	f := newSchedulerFixture(t)
	if _, err := f.scheduler.RunNow(context.Background(), "sched-missing"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateSchedule_Validation(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	f.beacons.UpsertOnCheckin(ctx, "beacon-1", domain.CheckinAttrs{})

	tests := []struct {
		name string
		in   ScheduleInput
	}{
		{"missing name", ScheduleInput{Interval: domain.ScheduleDaily, Type: domain.JobTypeDomainScan}},
		{"bad interval", ScheduleInput{Name: "x", Interval: "fortnightly", Type: domain.JobTypeDomainScan}},
		{"command required", ScheduleInput{Name: "x", Interval: domain.ScheduleDaily, Type: domain.JobTypePowershell}},
		{"unknown beacon", ScheduleInput{Name: "x", Interval: domain.ScheduleDaily, Type: domain.JobTypeDomainScan, BeaconID: "beacon-missing"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.scheduler.CreateSchedule(ctx, tt.in); !domain.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCreateSchedule_FirstFiringOnePeriodOut(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	now := time.Now()
	f.scheduler.now = func() time.Time { return now }

	schedule, err := f.scheduler.CreateSchedule(ctx, ScheduleInput{
		Name:     "daily sweep",
		Type:     domain.JobTypeVulnerabilityScan,
		Interval: domain.ScheduleDaily,
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if !schedule.Enabled {
		t.Error("schedule should default to enabled")
	}
	if want := now.Add(24 * time.Hour); !schedule.NextRunAt.Equal(want) {
		t.Errorf("NextRunAt = %s, want %s", schedule.NextRunAt, want)
	}
}

func TestUpdateSchedule_IntervalChangeReanchors(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	created, err := f.scheduler.CreateSchedule(ctx, ScheduleInput{
		Name:     "recon",
		Type:     domain.JobTypeDomainScan,
		Interval: domain.ScheduleHourly,
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	now := time.Now().Add(5 * time.Minute)
	f.scheduler.now = func() time.Time { return now }

	updated, err := f.scheduler.UpdateSchedule(ctx, created.ID, ScheduleInput{Interval: domain.ScheduleDaily})
	if err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	if want := now.Add(24 * time.Hour); !updated.NextRunAt.Equal(want) {
		t.Errorf("NextRunAt = %s, want re-anchored %s", updated.NextRunAt, want)
	}

	// Same interval again does not move the anchor.
	before := updated.NextRunAt
	updated, err = f.scheduler.UpdateSchedule(ctx, created.ID, ScheduleInput{Interval: domain.ScheduleDaily})
	if err != nil {
		t.Fatalf("second UpdateSchedule: %v", err)
	}
	if !updated.NextRunAt.Equal(before) {
		t.Errorf("NextRunAt moved to %s on a no-op interval update", updated.NextRunAt)
	}
}

func TestDeleteSchedule_LeavesCreatedJobs(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	f.beacons.UpsertOnCheckin(ctx, "beacon-1", domain.CheckinAttrs{})

	now := time.Now()
	f.scheduler.now = func() time.Time { return now }
	f.insertSchedule(t, &domain.ScheduledJob{
		Name:      "short lived",
		Type:      domain.JobTypeDomainScan,
		Interval:  domain.ScheduleHourly,
		BeaconID:  "beacon-1",
		Enabled:   true,
		NextRunAt: now.Add(-time.Second),
	})
	f.scheduler.Sweep(ctx)

	if err := f.scheduler.DeleteSchedule(ctx, "sched-test"); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if _, err := f.store.GetSchedule(ctx, "sched-test"); !domain.IsNotFound(err) {
		t.Fatalf("expected schedule gone, got %v", err)
	}

	page, _ := f.jobs.List(ctx, 0, 10)
	if page.Total != 1 {
		t.Errorf("jobs after delete = %d, want 1 (jobs survive their schedule)", page.Total)
	}
}

func TestFireRecorder_CountsSweepAndManualRuns(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	f.beacons.UpsertOnCheckin(ctx, "beacon-1", domain.CheckinAttrs{})

	fires := 0
	f.scheduler.SetFireRecorder(func() { fires++ })

	now := time.Now()
	f.scheduler.now = func() time.Time { return now }
	f.insertSchedule(t, &domain.ScheduledJob{
		Name:      "counted",
		Type:      domain.JobTypeDomainScan,
		Interval:  domain.ScheduleHourly,
		BeaconID:  "beacon-1",
		Enabled:   true,
		NextRunAt: now.Add(-time.Second),
	})

	f.scheduler.Sweep(ctx)
	if fires != 1 {
		t.Fatalf("fires after sweep = %d, want 1", fires)
	}

	// The sweep advanced the schedule; a second sweep fires nothing.
	f.scheduler.Sweep(ctx)
	if fires != 1 {
		t.Fatalf("fires after idle sweep = %d, want still 1", fires)
	}

	if _, err := f.scheduler.RunNow(ctx, "sched-test"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if fires != 2 {
		t.Errorf("fires after manual run = %d, want 2", fires)
	}
}
