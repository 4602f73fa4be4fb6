package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	membus "spectre.c2/internal/adapters/events/memory"
	memstore "spectre.c2/internal/adapters/repository/memory"
	"spectre.c2/internal/core/domain"
	"spectre.c2/internal/core/services"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := memstore.New(memstore.Defaults{})
	bus := membus.NewBus()

	beacons := services.NewBeaconService(store, store, domain.DefaultLivenessPolicy())
	jobs := services.NewJobService(store, store)
	activity := services.NewActivityService(store, bus)
	checkin := services.NewCheckinService(beacons, jobs, activity, 0)
	scheduler := services.NewSchedulerService(store, jobs, beacons, activity, time.Minute)
	health := services.NewHealthService(nil, nil, "test")

	hub := NewHub(bus)
	go hub.Run()

	return NewServer(checkin, beacons, jobs, scheduler, activity, health, hub, domain.AgentConfig{
		ServerURL:     "https://c2.example.com",
		SleepInterval: 60,
		JitterPercent: 10,
		VerifySSL:     true,
	})
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.9:51000"
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCheckinEndpoint_FullCycle(t *testing.T) {
	srv := newTestServer(t)

	// Register the beacon.
	rec := doJSON(t, srv, http.MethodPost, "/api/checkin", map[string]interface{}{
		"beacon_id": "beacon-1",
		"hostname":  "WS-01",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("checkin = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	// Queue a task.
	rec = doJSON(t, srv, http.MethodPost, "/api/beacons/beacon-1/tasks", map[string]interface{}{
		"job_type": "powershell",
		"command":  "whoami",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create task = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var job domain.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}

	// The next check-in delivers it.
	rec = doJSON(t, srv, http.MethodPost, "/api/checkin", map[string]interface{}{"beacon_id": "beacon-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("second checkin = %d, want 200", rec.Code)
	}
	var resp struct {
		Jobs []*domain.Job `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode checkin response: %v", err)
	}
	if len(resp.Jobs) != 1 || resp.Jobs[0].ID != job.ID {
		t.Fatalf("delivered jobs = %v, want [%s]", resp.Jobs, job.ID)
	}

	// Results land on the third heartbeat.
	rec = doJSON(t, srv, http.MethodPost, "/api/checkin", map[string]interface{}{
		"beacon_id": "beacon-1",
		"job_results": []map[string]interface{}{
			{"job_id": job.ID, "status": "completed", "result_output": "corp\\jdoe"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("third checkin = %d, want 200", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/jobs/"+job.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get job = %d, want 200", rec.Code)
	}
	var final domain.Job
	json.Unmarshal(rec.Body.Bytes(), &final)
	if final.Status != domain.JobStatusCompleted || final.Output != "corp\\jdoe" {
		t.Errorf("job = %s/%q, want completed/corp\\jdoe", final.Status, final.Output)
	}
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	// Register a beacon and a completed job to provoke each error class.
	doJSON(t, srv, http.MethodPost, "/api/checkin", map[string]interface{}{"beacon_id": "beacon-1"})
	rec := doJSON(t, srv, http.MethodPost, "/api/beacons/beacon-1/tasks", map[string]interface{}{
		"job_type": "custom", "command": "id",
	})
	var job domain.Job
	json.Unmarshal(rec.Body.Bytes(), &job)
	doJSON(t, srv, http.MethodPost, "/api/checkin", map[string]interface{}{"beacon_id": "beacon-1"})
	doJSON(t, srv, http.MethodPost, "/api/checkin", map[string]interface{}{
		"beacon_id": "beacon-1",
		"job_results": []map[string]interface{}{
			{"job_id": job.ID, "status": "completed"},
		},
	})

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"checkin without id", http.MethodPost, "/api/checkin", map[string]interface{}{}, http.StatusBadRequest},
		{"task without command", http.MethodPost, "/api/beacons/beacon-1/tasks",
			map[string]interface{}{"job_type": "powershell"}, http.StatusBadRequest},
		{"task for unknown beacon", http.MethodPost, "/api/beacons/beacon-missing/tasks",
			map[string]interface{}{"job_type": "domain_scan"}, http.StatusBadRequest},
		{"unknown beacon", http.MethodGet, "/api/beacons/beacon-missing", nil, http.StatusNotFound},
		{"unknown job", http.MethodGet, "/api/jobs/job-missing", nil, http.StatusNotFound},
		{"cancel completed job", http.MethodPost, "/api/jobs/" + job.ID + "/cancel", nil, http.StatusConflict},
		{"retry completed job", http.MethodPost, "/api/jobs/" + job.ID + "/retry", nil, http.StatusConflict},
		{"bad sleep interval", http.MethodPut, "/api/beacons/beacon-1/config",
			map[string]interface{}{"sleep_interval": 2}, http.StatusBadRequest},
		{"unknown schedule", http.MethodGet, "/api/schedules/sched-missing", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, srv, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("%s %s = %d, want %d: %s", tt.method, tt.path, rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestKillEndpoint(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/api/checkin", map[string]interface{}{"beacon_id": "beacon-1"})

	rec := doJSON(t, srv, http.MethodPost, "/api/beacons/beacon-1/kill", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("kill = %d, want 200", rec.Code)
	}
	var beacon domain.Beacon
	json.Unmarshal(rec.Body.Bytes(), &beacon)
	if beacon.Status != domain.BeaconStatusKilled {
		t.Errorf("status = %s, want killed", beacon.Status)
	}

	// Idempotent.
	rec = doJSON(t, srv, http.MethodPost, "/api/beacons/beacon-1/kill", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("second kill = %d, want 200", rec.Code)
	}

	// Tasking a killed beacon is rejected.
	rec = doJSON(t, srv, http.MethodPost, "/api/beacons/beacon-1/tasks", map[string]interface{}{
		"job_type": "domain_scan",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("task killed beacon = %d, want 400", rec.Code)
	}
}

func TestScheduleEndpoints(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/api/checkin", map[string]interface{}{"beacon_id": "beacon-1"})

	rec := doJSON(t, srv, http.MethodPost, "/api/schedules", map[string]interface{}{
		"name":          "nightly recon",
		"job_type":      "powershell",
		"command":       "Get-Process",
		"schedule_type": "daily",
		"beacon_id":     "beacon-1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create schedule = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var schedule domain.ScheduledJob
	json.Unmarshal(rec.Body.Bytes(), &schedule)

	rec = doJSON(t, srv, http.MethodPost, "/api/schedules/"+schedule.ID+"/run", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("run now = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var runResp struct {
		JobsCreated int `json:"jobs_created"`
	}
	json.Unmarshal(rec.Body.Bytes(), &runResp)
	if runResp.JobsCreated != 1 {
		t.Errorf("jobs_created = %d, want 1", runResp.JobsCreated)
	}

	rec = doJSON(t, srv, http.MethodDelete, "/api/schedules/"+schedule.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete = %d, want 200", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/api/schedules/"+schedule.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get deleted = %d, want 404", rec.Code)
	}
}

func TestAgentConfigEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/agent/config", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("agent config = %d, want 200", rec.Code)
	}
	var cfg domain.AgentConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfg.ServerURL != "https://c2.example.com" || cfg.SleepInterval != 60 {
		t.Errorf("config = %+v, want published server defaults", cfg)
	}
}

func TestActivityEndpoint(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/api/checkin", map[string]interface{}{"beacon_id": "beacon-1", "hostname": "WS-01"})

	rec := doJSON(t, srv, http.MethodGet, "/api/activity?limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("activity = %d, want 200", rec.Code)
	}
	var resp struct {
		Activity []*domain.ActivityEntry `json:"activity"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode activity: %v", err)
	}
	if len(resp.Activity) == 0 {
		t.Fatal("no activity recorded for a first check-in")
	}
	// Newest first.
	for i := 1; i < len(resp.Activity); i++ {
		if resp.Activity[i-1].CreatedAt.Before(resp.Activity[i].CreatedAt) {
			t.Errorf("activity not newest-first at index %d", i)
		}
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/health/live", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("liveness = %d, want 200", rec.Code)
	}
	// No database or redis configured: healthy with no components.
	rec = doJSON(t, srv, http.MethodGet, "/api/health/detailed", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("detailed health = %d, want 200", rec.Code)
	}
}
