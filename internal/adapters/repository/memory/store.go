// Package memory is an in-process implementation of the storage ports, used
// by the test suite and by STORAGE_DRIVER=memory dev mode. It trades the
// per-row locking of the postgres adapter for a single store lock, which is
// fine at dev scale and gives the same atomicity guarantees.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"spectre.c2/internal/core/domain"
	"spectre.c2/internal/core/ports"
)

// Defaults applied to beacons created on first contact.
type Defaults struct {
	SleepInterval int
	JitterPercent int
}

type Store struct {
	mu        sync.RWMutex
	beacons   map[string]*domain.Beacon
	jobs      map[string]*domain.Job
	jobSeq    map[string]int64 // creation order, FIFO tie-break
	seq       int64
	schedules map[string]*domain.ScheduledJob
	activity  []*domain.ActivityEntry
	actSeq    int64
	defaults  Defaults
}

var (
	_ ports.BeaconRepository   = (*Store)(nil)
	_ ports.JobRepository      = (*Store)(nil)
	_ ports.ScheduleRepository = (*Store)(nil)
	_ ports.ActivityRepository = (*Store)(nil)
)

func New(defaults Defaults) *Store {
	if defaults.SleepInterval == 0 {
		defaults.SleepInterval = domain.DefaultSleepInterval
	}
	if defaults.JitterPercent == 0 {
		defaults.JitterPercent = domain.DefaultJitterPercent
	}
	return &Store{
		beacons:   make(map[string]*domain.Beacon),
		jobs:      make(map[string]*domain.Job),
		jobSeq:    make(map[string]int64),
		schedules: make(map[string]*domain.ScheduledJob),
		defaults:  defaults,
	}
}

// Beacons

func (s *Store) UpsertOnCheckin(ctx context.Context, id string, attrs domain.CheckinAttrs, now time.Time) (*domain.Beacon, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.beacons[id]; ok {
		applyAttrs(b, attrs)
		b.CheckInCount++
		b.LastSeen = now
		b.UpdatedAt = now
		return copyBeacon(b), false, nil
	}

	b := &domain.Beacon{
		ID:            id,
		SleepInterval: s.defaults.SleepInterval,
		JitterPercent: s.defaults.JitterPercent,
		CheckInCount:  1,
		LastSeen:      now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	applyAttrs(b, attrs)
	s.beacons[id] = b
	return copyBeacon(b), true, nil
}

func (s *Store) GetBeacon(ctx context.Context, id string) (*domain.Beacon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.beacons[id]
	if !ok {
		return nil, domain.NewNotFound("beacon", id)
	}
	return copyBeacon(b), nil
}

func (s *Store) ListBeacons(ctx context.Context) ([]*domain.Beacon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Beacon, 0, len(s.beacons))
	for _, b := range s.beacons {
		out = append(out, copyBeacon(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateBeacon(ctx context.Context, beacon *domain.Beacon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.beacons[beacon.ID]
	if !ok {
		return domain.NewNotFound("beacon", beacon.ID)
	}
	stored.SleepInterval = beacon.SleepInterval
	stored.JitterPercent = beacon.JitterPercent
	stored.Notes = beacon.Notes
	stored.UpdatedAt = time.Now()
	return nil
}

func (s *Store) SetKilled(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.beacons[id]
	if !ok {
		return domain.NewNotFound("beacon", id)
	}
	stored.Killed = true
	stored.UpdatedAt = time.Now()
	return nil
}

func applyAttrs(b *domain.Beacon, attrs domain.CheckinAttrs) {
	b.Hostname = attrs.Hostname
	b.InternalIP = attrs.InternalIP
	b.ExternalIP = attrs.ExternalIP
	b.Username = attrs.Username
	b.Domain = attrs.Domain
	b.OSInfo = attrs.OSInfo
	b.Architecture = attrs.Architecture
	b.ProcessName = attrs.ProcessName
	b.ProcessID = attrs.ProcessID
	b.Version = attrs.Version
}

// Jobs

func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.jobs[job.ID] = copyJob(job)
	s.jobSeq[job.ID] = s.seq
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.NewNotFound("job", id)
	}
	return copyJob(j), nil
}

func (s *Store) DrainDue(ctx context.Context, beaconID string, limit int, now time.Time) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*domain.Job
	for _, j := range s.jobs {
		if j.BeaconID == beaconID && j.Status == domain.JobStatusPending {
			pending = append(pending, j)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return s.jobSeq[pending[i].ID] < s.jobSeq[pending[j].ID]
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	out := make([]*domain.Job, 0, len(pending))
	for _, j := range pending {
		sent := now
		j.Status = domain.JobStatusSent
		j.SentAt = &sent
		j.UpdatedAt = now
		out = append(out, copyJob(j))
	}
	return out, nil
}

func (s *Store) Transition(ctx context.Context, id string, from []domain.JobStatus, to domain.JobStatus, stamp func(*domain.Job)) (*domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false, domain.NewNotFound("job", id)
	}
	for _, f := range from {
		if j.Status == f {
			if stamp != nil {
				stamp(j)
			}
			j.Status = to
			return copyJob(j), true, nil
		}
	}
	return copyJob(j), false, nil
}

func (s *Store) PendingCount(ctx context.Context, beaconID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, j := range s.jobs {
		if j.BeaconID == beaconID && j.Status == domain.JobStatusPending {
			n++
		}
	}
	return n, nil
}

func (s *Store) RecentJobs(ctx context.Context, beaconID string, limit int) ([]*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []*domain.Job
	for _, j := range s.jobs {
		if j.BeaconID == beaconID {
			jobs = append(jobs, copyJob(j))
		}
	}
	s.sortNewestFirst(jobs)
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *Store) ListJobs(ctx context.Context, offset, limit int) ([]*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]*domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, copyJob(j))
	}
	s.sortNewestFirst(jobs)
	if offset >= len(jobs) {
		return nil, nil
	}
	jobs = jobs[offset:]
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *Store) CountJobs(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.jobs)), nil
}

func (s *Store) CountJobsByStatus(ctx context.Context, status domain.JobStatus) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, j := range s.jobs {
		if j.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *Store) sortNewestFirst(jobs []*domain.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return s.jobSeq[jobs[i].ID] > s.jobSeq[jobs[j].ID]
	})
}

// Schedules

func (s *Store) CreateSchedule(ctx context.Context, sched *domain.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sched.ID] = copySchedule(sched)
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*domain.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, domain.NewNotFound("schedule", id)
	}
	return copySchedule(sched), nil
}

func (s *Store) UpdateSchedule(ctx context.Context, sched *domain.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sched.ID]; !ok {
		return domain.NewNotFound("schedule", sched.ID)
	}
	s.schedules[sched.ID] = copySchedule(sched)
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return domain.NewNotFound("schedule", id)
	}
	delete(s.schedules, id)
	return nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]*domain.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.ScheduledJob, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, copySchedule(sched))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*domain.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*domain.ScheduledJob
	for _, sched := range s.schedules {
		if sched.Enabled && !sched.NextRunAt.After(now) {
			due = append(due, copySchedule(sched))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })
	return due, nil
}

// Activity

func (s *Store) Append(ctx context.Context, e *domain.ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actSeq++
	cp := *e
	cp.ID = s.actSeq
	cp.Details = e.Details.Clone()
	s.activity = append(s.activity, &cp)
	e.ID = cp.ID
	return nil
}

func (s *Store) RecentActivity(ctx context.Context, limit int) ([]*domain.ActivityEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.activity)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*domain.ActivityEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		cp := *s.activity[i]
		cp.Details = s.activity[i].Details.Clone()
		out = append(out, &cp)
	}
	return out, nil
}

func copyBeacon(b *domain.Beacon) *domain.Beacon {
	cp := *b
	return &cp
}

func copyJob(j *domain.Job) *domain.Job {
	cp := *j
	cp.Parameters = j.Parameters.Clone()
	if j.ExitCode != nil {
		v := *j.ExitCode
		cp.ExitCode = &v
	}
	cp.SentAt = copyTime(j.SentAt)
	cp.StartedAt = copyTime(j.StartedAt)
	cp.CompletedAt = copyTime(j.CompletedAt)
	return &cp
}

func copySchedule(s *domain.ScheduledJob) *domain.ScheduledJob {
	cp := *s
	cp.Parameters = s.Parameters.Clone()
	cp.LastRunAt = copyTime(s.LastRunAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
