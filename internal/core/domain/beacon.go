package domain

import "time"

type BeaconStatus string

const (
	BeaconStatusActive  BeaconStatus = "active"
	BeaconStatusDormant BeaconStatus = "dormant"
	BeaconStatusDead    BeaconStatus = "dead"
	BeaconStatusKilled  BeaconStatus = "killed"
)

// Defaults applied when a beacon checks in for the first time.
const (
	DefaultSleepInterval = 60 // seconds
	DefaultJitterPercent = 10

	MinSleepInterval = 5
	MaxSleepInterval = 3600
	MinJitterPercent = 0
	MaxJitterPercent = 50
)

type Beacon struct {
	ID            string       `json:"id" gorm:"primaryKey"` // opaque token, generated once at install
	Hostname      string       `json:"hostname"`
	InternalIP    string       `json:"internal_ip"`
	ExternalIP    string       `json:"external_ip"`
	Username      string       `json:"username"`
	Domain        string       `json:"domain"`
	OSInfo        string       `json:"os_info"`
	Architecture  string       `json:"architecture"`
	ProcessName   string       `json:"process_name"`
	ProcessID     int          `json:"process_id"`
	Version       string       `json:"version"`
	SleepInterval int          `json:"sleep_interval"` // seconds between check-ins
	JitterPercent int          `json:"jitter_percent"` // 0-50
	Notes         string       `json:"notes"`
	Killed        bool         `json:"killed"`
	CheckInCount  int64        `json:"check_in_count"`
	LastSeen      time.Time    `json:"last_seen"`
	Status        BeaconStatus `json:"status" gorm:"-"`       // derived, never stored
	PendingJobs   int64        `json:"pending_jobs" gorm:"-"` // derived from the job queue
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func (Beacon) TableName() string {
	return "beacons"
}

// LivenessPolicy holds the knobs that turn last_seen age into a status.
// ActiveMultiplier scales the beacon's own sleep window (jitter included);
// DormantWindow is the cutoff between dormant and dead.
type LivenessPolicy struct {
	ActiveMultiplier float64
	DormantWindow    time.Duration
}

func DefaultLivenessPolicy() LivenessPolicy {
	return LivenessPolicy{
		ActiveMultiplier: 2.0,
		DormantWindow:    24 * time.Hour,
	}
}

// Status derives the beacon state at the given instant. Killed is sticky and
// wins regardless of recency; active/dormant/dead are recomputed every time.
func (p LivenessPolicy) Status(b *Beacon, now time.Time) BeaconStatus {
	if b.Killed {
		return BeaconStatusKilled
	}
	age := now.Sub(b.LastSeen)
	window := p.ActiveMultiplier * float64(b.SleepInterval) * (1 + float64(b.JitterPercent)/100)
	if age <= time.Duration(window*float64(time.Second)) {
		return BeaconStatusActive
	}
	if age <= p.DormantWindow {
		return BeaconStatusDormant
	}
	return BeaconStatusDead
}

// CheckinAttrs is the mutable identity a beacon reports on every check-in.
// Beacons move and restart, so IPs, process and version are last-writer-wins.
type CheckinAttrs struct {
	Hostname     string `json:"hostname"`
	InternalIP   string `json:"internal_ip"`
	ExternalIP   string `json:"external_ip"`
	Username     string `json:"username"`
	Domain       string `json:"domain"`
	OSInfo       string `json:"os_info"`
	Architecture string `json:"architecture"`
	ProcessName  string `json:"process_name"`
	ProcessID    int    `json:"process_id"`
	Version      string `json:"beacon_version"`
}

// AgentConfig is the config shape embedded into a packaged beacon binary.
// The build/download pipeline is a collaborator; the server only guarantees
// the shape stays consistent.
type AgentConfig struct {
	ServerURL     string `json:"server_url"`
	SleepInterval int    `json:"sleep_interval"`
	JitterPercent int    `json:"jitter_percent"`
	VerifySSL     bool   `json:"verify_ssl"`
	AutoUpload    bool   `json:"auto_upload"`
}
