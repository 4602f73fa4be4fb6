package ports

import (
	"context"
	"time"

	"spectre.c2/internal/core/domain"
)

// BeaconRepository persists beacons. Implementations must make
// UpsertOnCheckin atomic per beacon: concurrent check-ins for the same ID may
// race on attributes (last writer wins) but must never lose a counter
// increment.
type BeaconRepository interface {
	UpsertOnCheckin(ctx context.Context, id string, attrs domain.CheckinAttrs, now time.Time) (beacon *domain.Beacon, created bool, err error)
	GetBeacon(ctx context.Context, id string) (*domain.Beacon, error)
	ListBeacons(ctx context.Context) ([]*domain.Beacon, error)
	// UpdateBeacon persists operator-mutable fields (sleep, jitter, notes).
	// The killed flag is out of its write set so a config update racing a
	// kill can never resurrect the beacon.
	UpdateBeacon(ctx context.Context, beacon *domain.Beacon) error
	// SetKilled raises the sticky killed flag.
	SetKilled(ctx context.Context, id string) error
}

// JobRepository persists jobs and owns the atomicity of queue operations.
type JobRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	// DrainDue atomically moves up to limit pending jobs for the beacon into
	// sent (FIFO by created_at, ties by creation order) and returns them. A
	// job returned by one call is never returned by a concurrent or later
	// call.
	DrainDue(ctx context.Context, beaconID string, limit int, now time.Time) ([]*domain.Job, error)
	// Transition applies a compare-and-swap on the job status: when the
	// current status is in from, stamp mutates the job, the status becomes to
	// and applied is true. Otherwise the stored job is returned unchanged
	// with applied false. First writer wins.
	Transition(ctx context.Context, id string, from []domain.JobStatus, to domain.JobStatus, stamp func(*domain.Job)) (job *domain.Job, applied bool, err error)
	PendingCount(ctx context.Context, beaconID string) (int64, error)
	RecentJobs(ctx context.Context, beaconID string, limit int) ([]*domain.Job, error)
	ListJobs(ctx context.Context, offset, limit int) ([]*domain.Job, error)
	CountJobs(ctx context.Context) (int64, error)
	CountJobsByStatus(ctx context.Context, status domain.JobStatus) (int64, error)
}

// ScheduleRepository persists recurring job templates.
type ScheduleRepository interface {
	CreateSchedule(ctx context.Context, s *domain.ScheduledJob) error
	GetSchedule(ctx context.Context, id string) (*domain.ScheduledJob, error)
	UpdateSchedule(ctx context.Context, s *domain.ScheduledJob) error
	DeleteSchedule(ctx context.Context, id string) error
	ListSchedules(ctx context.Context) ([]*domain.ScheduledJob, error)
	// ListDue returns enabled schedules with next_run_at <= now.
	ListDue(ctx context.Context, now time.Time) ([]*domain.ScheduledJob, error)
}

// ActivityRepository is the append-only sink behind the activity service.
type ActivityRepository interface {
	Append(ctx context.Context, e *domain.ActivityEntry) error
	RecentActivity(ctx context.Context, limit int) ([]*domain.ActivityEntry, error)
}

// Event is a fact pushed to the operator-facing live feed.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// EventBus fans events out to live consumers (websocket hub, MQTT mirror).
// Publishing is best-effort; the core never fails an operation because the
// bus is down.
type EventBus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context) (<-chan Event, error)
}
