package services

import (
	"context"
	"time"

	"spectre.c2/internal/core/circuitbreaker"
	"spectre.c2/internal/core/domain"
	"spectre.c2/internal/core/logger"
	"spectre.c2/internal/core/ports"
)

// ActivityService is the append-only activity sink. Recording never fails the
// caller: storage or event-bus trouble is logged and swallowed so the log can
// never become a source of check-in or queue failures.
type ActivityService struct {
	repo    ports.ActivityRepository
	bus     ports.EventBus
	breaker *circuitbreaker.CircuitBreaker
	now     func() time.Time
}

func NewActivityService(repo ports.ActivityRepository, bus ports.EventBus) *ActivityService {
	return &ActivityService{
		repo:    repo,
		bus:     bus,
		breaker: circuitbreaker.New("activity-events"),
		now:     time.Now,
	}
}

// ActivityFields carries the optional attribution for an entry.
type ActivityFields struct {
	BeaconID  string
	Hostname  string
	IPAddress string
	Details   domain.ParamMap
}

// Record appends one entry and mirrors it to the live feed.
func (s *ActivityService) Record(ctx context.Context, activityType domain.ActivityType, fields ActivityFields) {
	entry := &domain.ActivityEntry{
		Type:      activityType,
		BeaconID:  fields.BeaconID,
		Hostname:  fields.Hostname,
		IPAddress: fields.IPAddress,
		Details:   fields.Details.Clone(),
		CreatedAt: s.now(),
	}
	if err := s.repo.Append(ctx, entry); err != nil {
		logger.Warn("activity append failed", "type", activityType, "error", err)
		return
	}
	if s.bus == nil {
		return
	}
	// The breaker keeps a flapping broker from slowing every check-in down.
	err := s.breaker.Execute(ctx, func() error {
		return s.bus.Publish(ctx, ports.Event{Type: "activity", Payload: entry})
	})
	if err != nil {
		logger.Debug("activity event publish skipped", "type", activityType, "error", err)
	}
}

// RecordError appends an error entry with a reason detail.
func (s *ActivityService) RecordError(ctx context.Context, beaconID, reason string, details domain.ParamMap) {
	if details == nil {
		details = domain.ParamMap{}
	} else {
		details = details.Clone()
	}
	details["reason"] = reason
	s.Record(ctx, domain.ActivityError, ActivityFields{BeaconID: beaconID, Details: details})
}

// Recent returns the newest entries for the UI feed.
func (s *ActivityService) Recent(ctx context.Context, limit int) ([]*domain.ActivityEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.RecentActivity(ctx, limit)
}
