package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"spectre.c2/internal/core/domain"
)

func seedJob(t *testing.T, s *Store, id string, status domain.JobStatus) *domain.Job {
	t.Helper()
	job := &domain.Job{
		ID:        id,
		BeaconID:  "beacon-1",
		Type:      domain.JobTypeCustom,
		Command:   "id",
		Status:    status,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func TestTransition_FirstWriterWins(t *testing.T) {
	store := New(Defaults{})
	ctx := context.Background()
	seedJob(t, store, "job-1", domain.JobStatusSent)

	const writers = 16
	var applied int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		to := domain.JobStatusCompleted
		if i%2 == 0 {
			to = domain.JobStatusCancelled
		}
		wg.Add(1)
		go func(to domain.JobStatus) {
			defer wg.Done()
			_, ok, err := store.Transition(ctx, "job-1",
				[]domain.JobStatus{domain.JobStatusSent}, to, nil)
			if err != nil {
				t.Errorf("Transition: %v", err)
				return
			}
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(to)
	}
	wg.Wait()

	if applied != 1 {
		t.Errorf("applied %d transitions, want exactly 1", applied)
	}
	job, _ := store.GetJob(ctx, "job-1")
	if !job.Status.Terminal() {
		t.Errorf("final status = %s, want terminal", job.Status)
	}
}

func TestTransition_UnknownJob(t *testing.T) {
	store := New(Defaults{})
	_, _, err := store.Transition(context.Background(), "job-missing",
		[]domain.JobStatus{domain.JobStatusSent}, domain.JobStatusCompleted, nil)
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTransition_StampOnlyOnApply(t *testing.T) {
	store := New(Defaults{})
	ctx := context.Background()
	seedJob(t, store, "job-1", domain.JobStatusCompleted)

	stamped := false
	job, applied, err := store.Transition(ctx, "job-1",
		[]domain.JobStatus{domain.JobStatusSent}, domain.JobStatusFailed,
		func(j *domain.Job) { stamped = true })
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if applied {
		t.Error("transition applied from a non-matching state")
	}
	if stamped {
		t.Error("stamp ran without the transition applying")
	}
	if job.Status != domain.JobStatusCompleted {
		t.Errorf("returned status = %s, want stored completed", job.Status)
	}
}

func TestCopySemantics_CallerCannotMutateStore(t *testing.T) {
	store := New(Defaults{})
	ctx := context.Background()

	job := seedJob(t, store, "job-1", domain.JobStatusPending)
	job.Command = "rm -rf /"

	stored, _ := store.GetJob(ctx, "job-1")
	if stored.Command != "id" {
		t.Errorf("stored command = %q, caller mutation leaked in", stored.Command)
	}

	// Mutating a read copy leaks nothing either.
	stored.Status = domain.JobStatusCompleted
	again, _ := store.GetJob(ctx, "job-1")
	if again.Status != domain.JobStatusPending {
		t.Errorf("stored status = %s, read-copy mutation leaked in", again.Status)
	}
}

func TestUpdateBeacon_IgnoresImmutableFields(t *testing.T) {
	store := New(Defaults{})
	ctx := context.Background()

	store.UpsertOnCheckin(ctx, "beacon-1", domain.CheckinAttrs{Hostname: "WS-01"}, time.Now())

	// Update carries a doctored counter and hostname; only the operator
	// knobs are persisted.
	b, _ := store.GetBeacon(ctx, "beacon-1")
	b.CheckInCount = 999
	b.Hostname = "SPOOFED"
	b.Notes = "tracked"
	if err := store.UpdateBeacon(ctx, b); err != nil {
		t.Fatalf("UpdateBeacon: %v", err)
	}

	stored, _ := store.GetBeacon(ctx, "beacon-1")
	if stored.CheckInCount != 1 {
		t.Errorf("CheckInCount = %d, want 1", stored.CheckInCount)
	}
	if stored.Hostname != "WS-01" {
		t.Errorf("Hostname = %q, want WS-01", stored.Hostname)
	}
	if stored.Notes != "tracked" {
		t.Errorf("Notes = %q, want tracked", stored.Notes)
	}
}

func TestSetKilled_SurvivesStaleConfigWrite(t *testing.T) {
	store := New(Defaults{})
	ctx := context.Background()

	store.UpsertOnCheckin(ctx, "beacon-1", domain.CheckinAttrs{}, time.Now())

	// An operator config write that read the beacon before the kill landed
	// must not resurrect it.
	stale, _ := store.GetBeacon(ctx, "beacon-1")
	if err := store.SetKilled(ctx, "beacon-1"); err != nil {
		t.Fatalf("SetKilled: %v", err)
	}
	stale.Notes = "slow this one down"
	if err := store.UpdateBeacon(ctx, stale); err != nil {
		t.Fatalf("UpdateBeacon: %v", err)
	}

	stored, _ := store.GetBeacon(ctx, "beacon-1")
	if !stored.Killed {
		t.Error("stale config write cleared the killed flag")
	}
	if stored.Notes != "slow this one down" {
		t.Errorf("Notes = %q, config write was lost", stored.Notes)
	}
}

func TestSetKilled_UnknownBeacon(t *testing.T) {
	store := New(Defaults{})
	if err := store.SetKilled(context.Background(), "beacon-missing"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDrainDue_FIFOTieBreak(t *testing.T) {
	store := New(Defaults{})
	ctx := context.Background()

	// Identical created_at: insertion order decides.
	created := time.Now()
	ids := []string{"job-a", "job-b", "job-c"}
	for _, id := range ids {
		job := &domain.Job{
			ID:        id,
			BeaconID:  "beacon-1",
			Type:      domain.JobTypeCustom,
			Command:   "id",
			Status:    domain.JobStatusPending,
			CreatedAt: created,
			UpdatedAt: created,
		}
		if err := store.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	drained, err := store.DrainDue(ctx, "beacon-1", 0, time.Now())
	if err != nil {
		t.Fatalf("DrainDue: %v", err)
	}
	if len(drained) != len(ids) {
		t.Fatalf("drained %d jobs, want %d", len(drained), len(ids))
	}
	for i, id := range ids {
		if drained[i].ID != id {
			t.Errorf("drained[%d] = %s, want %s", i, drained[i].ID, id)
		}
	}
}

func TestRecentActivity_NewestFirstWithLimit(t *testing.T) {
	store := New(Defaults{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		store.Append(ctx, &domain.ActivityEntry{
			Type:      domain.ActivityCheckin,
			BeaconID:  "beacon-1",
			CreatedAt: time.Now(),
		})
	}

	entries, err := store.RecentActivity(ctx, 3)
	if err != nil {
		t.Fatalf("RecentActivity: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].ID < entries[i].ID {
			t.Errorf("entries not newest-first: id %d before %d", entries[i-1].ID, entries[i].ID)
		}
	}
}
