package domain

import "time"

type ScheduleInterval string

const (
	ScheduleHourly ScheduleInterval = "hourly"
	ScheduleDaily  ScheduleInterval = "daily"
	ScheduleWeekly ScheduleInterval = "weekly"
)

// Period returns the wall-clock distance between two firings.
func (i ScheduleInterval) Period() time.Duration {
	switch i {
	case ScheduleHourly:
		return time.Hour
	case ScheduleDaily:
		return 24 * time.Hour
	case ScheduleWeekly:
		return 7 * 24 * time.Hour
	}
	return 0
}

func (i ScheduleInterval) Valid() bool {
	return i.Period() != 0
}

// ScheduledJob is a recurring job template. An empty BeaconID fans out to
// every beacon that is active at fire time.
type ScheduledJob struct {
	ID         string           `json:"id" gorm:"primaryKey"`
	Name       string           `json:"name"`
	Type       JobType          `json:"job_type"`
	Command    string           `json:"command"`
	Parameters ParamMap         `json:"parameters" gorm:"type:jsonb"`
	Interval   ScheduleInterval `json:"schedule_type"`
	BeaconID   string           `json:"beacon_id,omitempty" gorm:"index"`
	Enabled    bool             `json:"is_enabled"`
	RunCount   int64            `json:"run_count"`
	NextRunAt  time.Time        `json:"next_run_at" gorm:"index"`
	LastRunAt  *time.Time       `json:"last_run_at,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

func (ScheduledJob) TableName() string {
	return "scheduled_jobs"
}
