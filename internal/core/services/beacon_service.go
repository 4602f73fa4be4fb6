package services

import (
	"context"
	"time"

	"spectre.c2/internal/core/domain"
	"spectre.c2/internal/core/ports"
)

// BeaconService is the registry of known beacons. It derives liveness from
// last_seen age and owns the operator-facing config mutations.
type BeaconService struct {
	repo    ports.BeaconRepository
	jobRepo ports.JobRepository
	policy  domain.LivenessPolicy
	now     func() time.Time
}

func NewBeaconService(repo ports.BeaconRepository, jobRepo ports.JobRepository, policy domain.LivenessPolicy) *BeaconService {
	return &BeaconService{
		repo:    repo,
		jobRepo: jobRepo,
		policy:  policy,
		now:     time.Now,
	}
}

// Policy exposes the liveness thresholds in effect.
func (s *BeaconService) Policy() domain.LivenessPolicy {
	return s.policy
}

// UpsertOnCheckin records a heartbeat: unknown IDs become new beacons with
// default sleep/jitter and check_in_count 1, known IDs get their mutable
// attributes refreshed and the counter bumped. Atomicity per beacon lives in
// the repository.
func (s *BeaconService) UpsertOnCheckin(ctx context.Context, beaconID string, attrs domain.CheckinAttrs) (*domain.Beacon, bool, error) {
	if beaconID == "" {
		return nil, false, domain.NewValidationError("beacon_id", "required")
	}
	now := s.now()
	beacon, created, err := s.repo.UpsertOnCheckin(ctx, beaconID, attrs, now)
	if err != nil {
		return nil, false, err
	}
	beacon.Status = s.policy.Status(beacon, now)
	return beacon, created, nil
}

// ComputeStatus derives the liveness state at the given instant. Pure.
func (s *BeaconService) ComputeStatus(beacon *domain.Beacon, now time.Time) domain.BeaconStatus {
	return s.policy.Status(beacon, now)
}

// ConfigUpdate carries the operator-mutable knobs; nil fields are untouched.
type ConfigUpdate struct {
	SleepInterval *int    `json:"sleep_interval,omitempty"`
	JitterPercent *int    `json:"jitter_percent,omitempty"`
	Notes         *string `json:"notes,omitempty"`
}

// UpdateConfig validates and applies an operator config change. Out-of-range
// values reject the whole update; nothing is partially applied.
func (s *BeaconService) UpdateConfig(ctx context.Context, beaconID string, upd ConfigUpdate) (*domain.Beacon, error) {
	if upd.SleepInterval != nil {
		if *upd.SleepInterval < domain.MinSleepInterval || *upd.SleepInterval > domain.MaxSleepInterval {
			return nil, domain.NewValidationError("sleep_interval", "must be between 5 and 3600 seconds")
		}
	}
	if upd.JitterPercent != nil {
		if *upd.JitterPercent < domain.MinJitterPercent || *upd.JitterPercent > domain.MaxJitterPercent {
			return nil, domain.NewValidationError("jitter_percent", "must be between 0 and 50")
		}
	}

	beacon, err := s.repo.GetBeacon(ctx, beaconID)
	if err != nil {
		return nil, err
	}
	if upd.SleepInterval != nil {
		beacon.SleepInterval = *upd.SleepInterval
	}
	if upd.JitterPercent != nil {
		beacon.JitterPercent = *upd.JitterPercent
	}
	if upd.Notes != nil {
		beacon.Notes = *upd.Notes
	}
	if err := s.repo.UpdateBeacon(ctx, beacon); err != nil {
		return nil, err
	}
	beacon.Status = s.policy.Status(beacon, s.now())
	return beacon, nil
}

// Kill sets the sticky killed flag. Killing an already-killed beacon is a
// no-op success. Beacons are never deleted.
func (s *BeaconService) Kill(ctx context.Context, beaconID string) (*domain.Beacon, error) {
	beacon, err := s.repo.GetBeacon(ctx, beaconID)
	if err != nil {
		return nil, err
	}
	if !beacon.Killed {
		if err := s.repo.SetKilled(ctx, beaconID); err != nil {
			return nil, err
		}
		beacon.Killed = true
	}
	beacon.Status = domain.BeaconStatusKilled
	return beacon, nil
}

// Get returns one beacon with derived status and pending-job count.
func (s *BeaconService) Get(ctx context.Context, beaconID string) (*domain.Beacon, error) {
	beacon, err := s.repo.GetBeacon(ctx, beaconID)
	if err != nil {
		return nil, err
	}
	s.decorate(ctx, beacon)
	return beacon, nil
}

// List returns all beacons with derived status and pending-job counts.
func (s *BeaconService) List(ctx context.Context) ([]*domain.Beacon, error) {
	beacons, err := s.repo.ListBeacons(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range beacons {
		s.decorate(ctx, b)
	}
	return beacons, nil
}

// ListActive returns beacons whose derived status is active right now.
func (s *BeaconService) ListActive(ctx context.Context) ([]*domain.Beacon, error) {
	beacons, err := s.repo.ListBeacons(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	active := beacons[:0]
	for _, b := range beacons {
		if s.policy.Status(b, now) == domain.BeaconStatusActive {
			b.Status = domain.BeaconStatusActive
			active = append(active, b)
		}
	}
	return active, nil
}

func (s *BeaconService) decorate(ctx context.Context, b *domain.Beacon) {
	b.Status = s.policy.Status(b, s.now())
	if count, err := s.jobRepo.PendingCount(ctx, b.ID); err == nil {
		b.PendingJobs = count
	}
}
