package domain

import "time"

type ActivityType string

const (
	ActivityCheckin       ActivityType = "checkin"
	ActivityJobReceived   ActivityType = "job_received"
	ActivityJobCompleted  ActivityType = "job_completed"
	ActivityJobFailed     ActivityType = "job_failed"
	ActivityJobCancelled  ActivityType = "job_cancelled"
	ActivityError         ActivityType = "error"
	ActivityBeaconNew     ActivityType = "beacon_new"
	ActivityBeaconKilled  ActivityType = "beacon_killed"
	ActivityScheduleFired ActivityType = "schedule_fired"
)

// ActivityEntry is an immutable fact about something that happened. Entries
// are append-only; retention is an external concern.
type ActivityEntry struct {
	ID        int64        `json:"id" gorm:"primaryKey;autoIncrement"`
	Type      ActivityType `json:"activity_type" gorm:"index"`
	BeaconID  string       `json:"beacon_id,omitempty" gorm:"index"`
	Hostname  string       `json:"hostname,omitempty"`
	IPAddress string       `json:"ip_address,omitempty"`
	Details   ParamMap     `json:"details,omitempty" gorm:"type:jsonb"`
	CreatedAt time.Time    `json:"created_at" gorm:"index"`
}

func (ActivityEntry) TableName() string {
	return "activity_log"
}
